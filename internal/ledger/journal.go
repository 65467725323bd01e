package ledger

import (
	"fmt"

	"CentralLedger/internal/state"

	"github.com/shopspring/decimal"
)

// PositionChange is one signed delta against a position, together with the
// resulting value and reserved value for the audit row.
type PositionChange struct {
	ParticipantCurrencyID int64
	Kind                  state.Kind
	TransferID            string
	ValueDelta            decimal.Decimal
	ReservedDelta         decimal.Decimal
	Value                 decimal.Decimal
	ReservedValue         decimal.Decimal
}

// Validate rejects empty deltas and missing references.
func (c PositionChange) Validate() error {
	if c.ParticipantCurrencyID == 0 {
		return fmt.Errorf("position change for %s has no account", c.TransferID)
	}
	if c.TransferID == "" {
		return fmt.Errorf("position change on account %d has no transfer", c.ParticipantCurrencyID)
	}
	if c.ValueDelta.IsZero() && c.ReservedDelta.IsZero() {
		return fmt.Errorf("position change for %s on account %d is empty", c.TransferID, c.ParticipantCurrencyID)
	}
	return nil
}

// Leg is one side of a transfer: the account it touches and the signed
// amount recorded for it. Payer legs are positive, payee legs negative.
type Leg struct {
	ParticipantCurrencyID int64
	ParticipantName       string
	Currency              string
	Amount                decimal.Decimal
	IsPayer               bool
}

// Legs of a two-party transfer.
type Legs struct {
	Payer Leg
	Payee Leg
}

// Validate checks that both legs are in the same currency and net to zero.
func (l Legs) Validate() error {
	if l.Payer.Currency != l.Payee.Currency {
		return fmt.Errorf("currency mismatch: payer %s, payee %s", l.Payer.Currency, l.Payee.Currency)
	}
	if !l.Payer.Amount.Add(l.Payee.Amount).IsZero() {
		return fmt.Errorf("legs do not net to zero: payer %s, payee %s", l.Payer.Amount, l.Payee.Amount)
	}
	if !l.Payer.Amount.IsPositive() {
		return fmt.Errorf("payer amount must be positive, got %s", l.Payer.Amount)
	}
	return nil
}
