package ledger

import (
	"fmt"

	"CentralLedger/internal/math"

	"github.com/shopspring/decimal"
)

// ValidateConservation checks the position changes recorded for one
// transfer: value deltas must net to zero and only the transfer's own
// accounts may move.
func ValidateConservation(transferID string, legs Legs, changes []PositionChange) error {
	allowed := map[int64]bool{
		legs.Payer.ParticipantCurrencyID: true,
		legs.Payee.ParticipantCurrencyID: true,
	}
	sum := decimal.Zero
	for _, c := range changes {
		if c.TransferID != transferID {
			continue
		}
		if !allowed[c.ParticipantCurrencyID] {
			return fmt.Errorf("transfer %s moved unrelated account %d", transferID, c.ParticipantCurrencyID)
		}
		sum = sum.Add(c.ValueDelta)
	}
	if !sum.IsZero() {
		return fmt.Errorf("transfer %s value deltas net to %s", transferID, sum)
	}
	return nil
}

// CheckLimitAlarm reports whether the effective position has crossed the
// alarm threshold of the liquidity cover.
func CheckLimitAlarm(effective decimal.Decimal, snap AccountSnapshot) bool {
	if snap.Limit.ThresholdAlarmPercentage.IsZero() {
		return false
	}
	threshold := math.Percent(snap.LiquidityCover(), snap.Limit.ThresholdAlarmPercentage)
	return effective.GreaterThan(threshold)
}
