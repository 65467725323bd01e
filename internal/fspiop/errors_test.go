package fspiop

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToErrorInformation_Taxonomy(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code ErrorCode
	}{
		{"validation", &ValidationError{Reasons: []string{"amount"}}, CodeValidationError},
		{"state conflict", &StateConflictError{ID: "t1", Observed: "COMMITTED", Expected: []string{"RESERVED"}}, CodeInternalServerError},
		{"duplicate", &DuplicateConflictError{ID: "t1"}, CodeModifiedRequest},
		{"liquidity", &LiquidityError{ErrCode: CodePayerLimitError}, CodePayerLimitError},
		{"infra", Infra("flush", errors.New("conn reset")), CodeServiceUnavailable},
		{"wrapped", fmt.Errorf("outer: %w", &DuplicateConflictError{ID: "t2"}), CodeModifiedRequest},
		{"plain", errors.New("boom"), CodeInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.code, ToErrorInformation(tc.err).ErrorCode)
		})
	}
}

func TestStateConflictError_Description(t *testing.T) {
	err := &StateConflictError{ID: "x", Action: "fx-commit", Observed: "INVALID_STATE", Expected: []string{"RECEIVED_FULFIL_DEPENDENT"}}
	assert.Equal(t, "Internal server error - Invalid State: INVALID_STATE - expected: RECEIVED_FULFIL_DEPENDENT", err.Description())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("bin: %w", Infra("commit", errors.New("timeout")))))
	assert.False(t, IsRetryable(&ValidationError{}))
	assert.Nil(t, Infra("noop", nil))
}
