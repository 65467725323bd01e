package fspiop

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is the stable numeric error code carried in outbound error
// notifications.
type ErrorCode string

const (
	CodeInternalServerError        ErrorCode = "2001"
	CodeServiceUnavailable         ErrorCode = "2003"
	CodeValidationError            ErrorCode = "3100"
	CodeModifiedRequest            ErrorCode = "3106"
	CodeTransferExpired            ErrorCode = "3303"
	CodePayerInsufficientLiquidity ErrorCode = "4001"
	CodePayerLimitError            ErrorCode = "4200"
	CodePayeeRejection             ErrorCode = "5100"
)

var codeMessages = map[ErrorCode]string{
	CodeInternalServerError:        "Internal server error",
	CodeServiceUnavailable:         "Service currently unavailable",
	CodeValidationError:            "Generic validation error",
	CodeModifiedRequest:            "Modified request",
	CodeTransferExpired:            "Transfer expired",
	CodePayerInsufficientLiquidity: "Payer FSP insufficient liquidity",
	CodePayerLimitError:            "Payer limit error",
	CodePayeeRejection:             "Payee rejected transaction",
}

// Message returns the canonical description for the code.
func (c ErrorCode) Message() string {
	if m, ok := codeMessages[c]; ok {
		return m
	}
	return "Unknown error"
}

// ErrorInformation is the body of an outbound error payload.
type ErrorInformation struct {
	ErrorCode        ErrorCode `json:"errorCode"`
	ErrorDescription string    `json:"errorDescription"`
}

// ErrorPayload wraps ErrorInformation the way it is serialized on the wire.
type ErrorPayload struct {
	ErrorInformation ErrorInformation `json:"errorInformation"`
}

// APIError is implemented by every error in the taxonomy.
type APIError interface {
	error
	Code() ErrorCode
	Description() string
}

// ValidationError marks a malformed or non-conforming request. Terminal.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Reasons, "; ")
}

func (e *ValidationError) Code() ErrorCode { return CodeValidationError }

func (e *ValidationError) Description() string {
	if len(e.Reasons) == 0 {
		return CodeValidationError.Message()
	}
	return CodeValidationError.Message() + " - " + strings.Join(e.Reasons, ", ")
}

// StateConflictError reports an action attempted from a state where it is
// not legal. The transfer is left untouched.
type StateConflictError struct {
	ID       string
	Action   string
	Observed string
	Expected []string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("%s %s: invalid state %s, expected %s",
		e.Action, e.ID, e.Observed, strings.Join(e.Expected, "|"))
}

func (e *StateConflictError) Code() ErrorCode { return CodeInternalServerError }

func (e *StateConflictError) Description() string {
	return fmt.Sprintf("%s - Invalid State: %s - expected: %s",
		CodeInternalServerError.Message(), e.Observed, strings.Join(e.Expected, "|"))
}

// DuplicateConflictError is a resend of a known id with different content.
type DuplicateConflictError struct {
	ID string
}

func (e *DuplicateConflictError) Error() string {
	return fmt.Sprintf("modified request for id %s", e.ID)
}

func (e *DuplicateConflictError) Code() ErrorCode { return CodeModifiedRequest }

func (e *DuplicateConflictError) Description() string { return CodeModifiedRequest.Message() }

// LiquidityError is returned when the payer's liquidity cover or net debit
// cap does not admit the amount. ErrCode is 4001 or 4200.
type LiquidityError struct {
	ParticipantCurrencyID int64
	ErrCode               ErrorCode
	Available             string
	Requested             string
}

func (e *LiquidityError) Error() string {
	return fmt.Sprintf("account %d: %s (available %s, requested %s)",
		e.ParticipantCurrencyID, e.ErrCode.Message(), e.Available, e.Requested)
}

func (e *LiquidityError) Code() ErrorCode { return e.ErrCode }

func (e *LiquidityError) Description() string { return e.ErrCode.Message() }

// ExpiredError reports a fulfilment received after the transfer expired.
type ExpiredError struct {
	ID string
}

func (e *ExpiredError) Error() string { return fmt.Sprintf("transfer %s has expired", e.ID) }

func (e *ExpiredError) Code() ErrorCode { return CodeTransferExpired }

func (e *ExpiredError) Description() string { return CodeTransferExpired.Message() }

// InfrastructureError wraps a store or transport failure. Retryable by
// redelivery.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *InfrastructureError) Unwrap() error { return e.Err }

func (e *InfrastructureError) Code() ErrorCode { return CodeServiceUnavailable }

func (e *InfrastructureError) Description() string { return CodeServiceUnavailable.Message() }

// InternalError is an unexpected fault local to one item.
type InternalError struct {
	Msg string
	Err error
}

func (e *InternalError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *InternalError) Unwrap() error { return e.Err }

func (e *InternalError) Code() ErrorCode { return CodeInternalServerError }

func (e *InternalError) Description() string {
	return CodeInternalServerError.Message() + " - " + e.Msg
}

// Infra wraps err as an InfrastructureError. Nil stays nil.
func Infra(op string, err error) error {
	if err == nil {
		return nil
	}
	return &InfrastructureError{Op: op, Err: err}
}

// IsRetryable reports whether redelivery can fix err.
func IsRetryable(err error) bool {
	var ie *InfrastructureError
	return errors.As(err, &ie)
}

// ToErrorInformation maps any error onto the wire error object. Errors
// outside the taxonomy become internal server errors.
func ToErrorInformation(err error) ErrorInformation {
	var api APIError
	if errors.As(err, &api) {
		return ErrorInformation{ErrorCode: api.Code(), ErrorDescription: api.Description()}
	}
	return ErrorInformation{
		ErrorCode:        CodeInternalServerError,
		ErrorDescription: CodeInternalServerError.Message(),
	}
}

// NewErrorPayload builds the wire error body for a code with an optional
// description override.
func NewErrorPayload(code ErrorCode, description string) ErrorPayload {
	if description == "" {
		description = code.Message()
	}
	return ErrorPayload{ErrorInformation: ErrorInformation{ErrorCode: code, ErrorDescription: description}}
}
