package pipeline

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"time"

	"CentralLedger/internal/event"
	"CentralLedger/internal/fspiop"
	"CentralLedger/internal/ledger"
	fpmath "CentralLedger/internal/math"
	"CentralLedger/internal/persistence"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// maxStoredAmount bounds amounts to the integer digits of NUMERIC(18, 4).
var maxStoredAmount = decimal.New(1, 14)

// AccountResolver finds participant accounts.
type AccountResolver interface {
	ResolveAccount(ctx context.Context, participant, currency string, accountType ledger.LedgerAccountType) (ledger.ParticipantCurrency, error)
}

// Validator checks prepare requests against their headers and the
// participant registry and resolves their legs.
type Validator struct {
	accounts AccountResolver
	now      func() time.Time
}

func NewValidator(accounts AccountResolver) *Validator {
	return &Validator{accounts: accounts, now: time.Now}
}

// ValidatePrepare returns the legs of a valid prepare, or the reasons it is
// invalid. err is set only when the registry could not be read.
func (v *Validator) ValidatePrepare(ctx context.Context, msg *event.Message, p *event.TransferPrepare) (*ledger.Legs, []string, error) {
	var reasons []string
	if _, err := uuid.Parse(p.TransferID); err != nil {
		reasons = append(reasons, "transferId must be a UUID")
	}
	if p.TransferID != msg.Key() {
		reasons = append(reasons, "transferId does not match the message id")
	}
	reasons = append(reasons, v.checkParties(msg, p.PayerFsp, p.PayeeFsp, "payerFsp", "payeeFsp")...)
	reasons = append(reasons, checkMoney("amount", p.Amount)...)
	reasons = append(reasons, v.checkCommon(p.Condition, p.Expiration)...)
	if len(reasons) > 0 {
		return nil, reasons, nil
	}
	return v.resolveLegs(ctx, p.PayerFsp, p.PayeeFsp, p.Amount)
}

// ValidateFxPrepare validates an FX prepare. Its legs are in the source
// currency: the initiating FSP pays, the FXP receives.
func (v *Validator) ValidateFxPrepare(ctx context.Context, msg *event.Message, p *event.FxTransferPrepare) (*ledger.Legs, []string, error) {
	var reasons []string
	if _, err := uuid.Parse(p.CommitRequestID); err != nil {
		reasons = append(reasons, "commitRequestId must be a UUID")
	}
	if p.CommitRequestID != msg.Key() {
		reasons = append(reasons, "commitRequestId does not match the message id")
	}
	if p.DeterminingTransferID != "" {
		if _, err := uuid.Parse(p.DeterminingTransferID); err != nil {
			reasons = append(reasons, "determiningTransferId must be a UUID")
		}
	}
	reasons = append(reasons, v.checkParties(msg, p.InitiatingFsp, p.CounterPartyFsp, "initiatingFsp", "counterPartyFsp")...)
	reasons = append(reasons, checkMoney("sourceAmount", p.SourceAmount)...)
	reasons = append(reasons, checkMoney("targetAmount", p.TargetAmount)...)
	if p.SourceAmount.Currency == p.TargetAmount.Currency {
		reasons = append(reasons, "sourceAmount and targetAmount must be in different currencies")
	}
	reasons = append(reasons, v.checkCommon(p.Condition, p.Expiration)...)
	if len(reasons) > 0 {
		return nil, reasons, nil
	}
	return v.resolveLegs(ctx, p.InitiatingFsp, p.CounterPartyFsp, p.SourceAmount)
}

func (v *Validator) checkParties(msg *event.Message, payer, payee, payerField, payeeField string) []string {
	var reasons []string
	if payer == "" || payee == "" {
		return append(reasons, fmt.Sprintf("%s and %s are required", payerField, payeeField))
	}
	if payer == payee {
		reasons = append(reasons, fmt.Sprintf("%s and %s must be different", payerField, payeeField))
	}
	if src := msg.Header(event.HeaderSource); src != "" && src != payer {
		reasons = append(reasons, fmt.Sprintf("FSPIOP-Source %s does not match %s %s", src, payerField, payer))
	}
	if dst := msg.Header(event.HeaderDestination); dst != "" && dst != payee {
		reasons = append(reasons, fmt.Sprintf("FSPIOP-Destination %s does not match %s %s", dst, payeeField, payee))
	}
	return reasons
}

func (v *Validator) checkCommon(condition string, expiration time.Time) []string {
	var reasons []string
	if err := checkCondition(condition); err != nil {
		reasons = append(reasons, err.Error())
	}
	if expiration.IsZero() {
		reasons = append(reasons, "expiration is required")
	} else if !expiration.After(v.now()) {
		reasons = append(reasons, "expiration date "+expiration.UTC().Format(time.RFC3339)+" is already in the past")
	}
	return reasons
}

func checkMoney(field string, m event.Money) []string {
	var reasons []string
	if !currencyPattern.MatchString(m.Currency) {
		reasons = append(reasons, fmt.Sprintf("%s currency %q is not an ISO 4217 code", field, m.Currency))
	}
	if !m.Amount.IsPositive() {
		reasons = append(reasons, fmt.Sprintf("%s must be positive", field))
	}
	if !m.Amount.Abs().LessThan(maxStoredAmount) {
		reasons = append(reasons, fmt.Sprintf("%s exceeds the maximum amount", field))
	}
	if m.Amount.IsPositive() && !fpmath.ValidAmount(m.Amount) {
		reasons = append(reasons, fmt.Sprintf("%s has more than %d decimal places", field, fpmath.AmountScale))
	}
	return reasons
}

func (v *Validator) resolveLegs(ctx context.Context, payer, payee string, amount event.Money) (*ledger.Legs, []string, error) {
	var reasons []string
	resolve := func(name string) (ledger.ParticipantCurrency, bool, error) {
		acc, err := v.accounts.ResolveAccount(ctx, name, amount.Currency, ledger.AccountPosition)
		if errors.Is(err, persistence.ErrNotFound) {
			reasons = append(reasons, fmt.Sprintf("participant %s has no %s position account", name, amount.Currency))
			return acc, false, nil
		}
		if err != nil {
			return acc, false, fspiop.Infra("resolve account", err)
		}
		if !acc.IsActive {
			reasons = append(reasons, fmt.Sprintf("participant %s account %s is inactive", name, amount.Currency))
			return acc, false, nil
		}
		return acc, true, nil
	}

	payerAcc, payerOK, err := resolve(payer)
	if err != nil {
		return nil, nil, err
	}
	payeeAcc, payeeOK, err := resolve(payee)
	if err != nil {
		return nil, nil, err
	}
	if !payerOK || !payeeOK {
		return nil, reasons, nil
	}

	legs := &ledger.Legs{
		Payer: ledger.Leg{
			ParticipantCurrencyID: payerAcc.ID,
			ParticipantName:       payer,
			Currency:              amount.Currency,
			Amount:                amount.Amount,
			IsPayer:               true,
		},
		Payee: ledger.Leg{
			ParticipantCurrencyID: payeeAcc.ID,
			ParticipantName:       payee,
			Currency:              amount.Currency,
			Amount:                amount.Amount.Neg(),
		},
	}
	if err := legs.Validate(); err != nil {
		return nil, []string{err.Error()}, nil
	}
	return legs, nil, nil
}

// checkCondition requires a base64url SHA-256 digest.
func checkCondition(condition string) error {
	b, err := base64.RawURLEncoding.DecodeString(condition)
	if err != nil || len(b) != sha256.Size {
		return errors.New("condition must be a base64url encoded SHA-256 digest")
	}
	return nil
}

// ValidateFulfilment checks that the SHA-256 of the fulfilment preimage is
// the condition.
func ValidateFulfilment(fulfilment, condition string) error {
	preimage, err := base64.RawURLEncoding.DecodeString(fulfilment)
	if err != nil || len(preimage) != 32 {
		return &fspiop.ValidationError{Reasons: []string{"fulfilment must be a base64url encoded 32 byte preimage"}}
	}
	want, err := base64.RawURLEncoding.DecodeString(condition)
	if err != nil {
		return &fspiop.ValidationError{Reasons: []string{"stored condition is not base64url"}}
	}
	sum := sha256.Sum256(preimage)
	if subtle.ConstantTimeCompare(sum[:], want) != 1 {
		return &fspiop.ValidationError{Reasons: []string{"invalid fulfilment"}}
	}
	return nil
}
