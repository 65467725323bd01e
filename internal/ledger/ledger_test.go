package ledger_test

import (
	"testing"

	"CentralLedger/internal/ledger"
	"CentralLedger/internal/state"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func legs(amount string) ledger.Legs {
	return ledger.Legs{
		Payer: ledger.Leg{ParticipantCurrencyID: 1, ParticipantName: "dfsp1", Currency: "USD", Amount: d(amount), IsPayer: true},
		Payee: ledger.Leg{ParticipantCurrencyID: 2, ParticipantName: "dfsp2", Currency: "USD", Amount: d(amount).Neg()},
	}
}

// ============================================================================
// Test: PositionTracker
// ============================================================================

func TestPositionTracker_ApplyRecordsRunningValues(t *testing.T) {
	pt := ledger.NewPositionTracker(map[int64]ledger.Position{
		1: {ParticipantCurrencyID: 1, Value: d("10"), ReservedValue: d("0")},
	})

	c, err := pt.Apply(1, state.KindTransfer, "t1", decimal.Zero, d("2.5"))
	require.NoError(t, err)
	assert.Equal(t, "2.5", c.ReservedValue.String())
	assert.Equal(t, "10", c.Value.String())

	c, err = pt.Apply(1, state.KindTransfer, "t1", d("2.5"), d("-2.5"))
	require.NoError(t, err)
	assert.True(t, c.Value.Equal(d("12.5")))
	assert.True(t, c.ReservedValue.IsZero())
}

func TestPositionTracker_UnknownAccount(t *testing.T) {
	pt := ledger.NewPositionTracker(nil)
	_, err := pt.Apply(9, state.KindTransfer, "t1", d("1"), decimal.Zero)
	assert.Error(t, err)
}

func TestPositionTracker_SeedIsCopied(t *testing.T) {
	seed := map[int64]ledger.Position{1: {ParticipantCurrencyID: 1, Value: d("5")}}
	pt := ledger.NewPositionTracker(seed)
	_, err := pt.Apply(1, state.KindTransfer, "t1", d("1"), decimal.Zero)
	require.NoError(t, err)

	assert.True(t, seed[1].Value.Equal(d("5")), "caller's seed must not change")
	snap := pt.Snapshot()
	assert.True(t, snap[1].Value.Equal(d("6")))
}

// ============================================================================
// Test: legs and conservation
// ============================================================================

func TestLegs_Validate(t *testing.T) {
	require.NoError(t, legs("100").Validate())

	l := legs("100")
	l.Payee.Currency = "EUR"
	assert.Error(t, l.Validate())

	l = legs("100")
	l.Payee.Amount = d("-99")
	assert.Error(t, l.Validate())
}

func TestValidateConservation(t *testing.T) {
	l := legs("100")
	changes := []ledger.PositionChange{
		{ParticipantCurrencyID: 1, TransferID: "t1", ValueDelta: d("100"), ReservedDelta: d("-100")},
		{ParticipantCurrencyID: 2, TransferID: "t1", ValueDelta: d("-100")},
		{ParticipantCurrencyID: 7, TransferID: "other", ValueDelta: d("3")},
	}
	require.NoError(t, ledger.ValidateConservation("t1", l, changes))

	changes[1].ValueDelta = d("-99.9999")
	assert.Error(t, ledger.ValidateConservation("t1", l, changes))

	changes[1].ValueDelta = d("-100")
	changes = append(changes, ledger.PositionChange{ParticipantCurrencyID: 3, TransferID: "t1", ValueDelta: d("0")})
	assert.Error(t, ledger.ValidateConservation("t1", l, changes))
}

func TestPositionChange_Validate(t *testing.T) {
	assert.Error(t, ledger.PositionChange{TransferID: "t1", ValueDelta: d("1")}.Validate())
	assert.Error(t, ledger.PositionChange{ParticipantCurrencyID: 1, TransferID: "t1"}.Validate())
	assert.NoError(t, ledger.PositionChange{ParticipantCurrencyID: 1, TransferID: "t1", ReservedDelta: d("1")}.Validate())
}

func TestCheckLimitAlarm(t *testing.T) {
	snap := ledger.AccountSnapshot{
		SettlementPosition: d("-1000"),
		Limit:              ledger.ParticipantLimit{Value: d("1000"), ThresholdAlarmPercentage: d("80")},
	}
	assert.False(t, ledger.CheckLimitAlarm(d("800"), snap))
	assert.True(t, ledger.CheckLimitAlarm(d("800.0001"), snap))

	snap.Limit.ThresholdAlarmPercentage = decimal.Zero
	assert.False(t, ledger.CheckLimitAlarm(d("5000"), snap))
}

func TestParseLedgerAccountType(t *testing.T) {
	at, err := ledger.ParseLedgerAccountType("SETTLEMENT")
	require.NoError(t, err)
	assert.Equal(t, ledger.AccountSettlement, at)

	_, err = ledger.ParseLedgerAccountType("SAVINGS")
	assert.Error(t, err)
}
