package core_test

import (
	"encoding/json"
	"errors"
	"testing"

	"CentralLedger/internal/core"
	"CentralLedger/internal/event"
	"CentralLedger/internal/fspiop"
	"CentralLedger/internal/ledger"
	"CentralLedger/internal/observability"
	"CentralLedger/internal/state"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hub = "Hub"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newMessage(id string, action event.Action, from, to, payload string) *event.Message {
	m := &event.Message{
		ID:   id,
		From: from,
		To:   to,
		Type: event.ContentTypeJSON,
		Content: event.Content{
			Headers: map[string]string{
				event.HeaderSource:        from,
				event.HeaderDestination:   to,
				event.HeaderContentLength: "128",
				event.HeaderContentType:   event.ContentTypeJSON,
			},
			URIParams: &event.URIParams{ID: id},
		},
		Metadata: event.Metadata{Event: event.EventMeta{ID: "evt-" + id, Type: event.TypePosition, Action: action}},
	}
	if payload != "" {
		m.Content.Payload = json.RawMessage(payload)
	}
	return m
}

func transferLegs(payer, payee int64, currency, amount string) *ledger.Legs {
	return &ledger.Legs{
		Payer: ledger.Leg{ParticipantCurrencyID: payer, ParticipantName: "dfsp1", Currency: currency, Amount: d(amount), IsPayer: true},
		Payee: ledger.Leg{ParticipantCurrencyID: payee, ParticipantName: "dfsp2", Currency: currency, Amount: d(amount).Neg()},
	}
}

func item(id string, action event.Action, from, to, amount string) core.BinItem {
	return core.BinItem{
		Message: newMessage(id, action, from, to, ""),
		Action:  action,
		Legs:    transferLegs(1, 2, "USD", amount),
	}
}

// accounts: 1 = dfsp1 USD position, 2 = dfsp2 USD position.
func accounts(cover, limit, pct string) map[int64]ledger.AccountSnapshot {
	return map[int64]ledger.AccountSnapshot{
		1: {
			Account:            ledger.ParticipantCurrency{ID: 1, ParticipantName: "dfsp1", Currency: "USD", LedgerAccountType: ledger.AccountPosition, IsActive: true},
			SettlementPosition: d(cover).Neg(),
			Limit:              ledger.ParticipantLimit{ParticipantCurrencyID: 1, Type: ledger.LimitNetDebitCap, Value: d(limit), ThresholdAlarmPercentage: d(pct)},
		},
	}
}

func accumulator(transfers map[string]state.TransferState, payerValue, payerReserved string) core.Accumulator {
	return core.Accumulator{
		TransferStates:   transfers,
		FxTransferStates: map[string]state.TransferState{},
		Positions: map[int64]ledger.Position{
			1: {ParticipantCurrencyID: 1, Value: d(payerValue), ReservedValue: d(payerReserved)},
			2: {ParticipantCurrencyID: 2, Value: decimal.Zero, ReservedValue: decimal.Zero},
			3: {ParticipantCurrencyID: 3, Value: decimal.Zero, ReservedValue: decimal.Zero},
		},
	}
}

func processor() *core.BinProcessor {
	return core.NewBinProcessor(core.DefaultBinConfig(hub), nil)
}

func errorInfo(t *testing.T, m *event.Message) fspiop.ErrorInformation {
	t.Helper()
	var p fspiop.ErrorPayload
	require.NoError(t, json.Unmarshal(m.Content.Payload, &p))
	return p.ErrorInformation
}

// ============================================================================
// Test: prepare
// ============================================================================

func TestProcess_PrepareReservesPayer(t *testing.T) {
	bin := core.Bin{
		AccountID: 1,
		Items: []core.BinItem{
			item("t1", event.ActionPrepare, "dfsp1", "dfsp2", "100"),
			item("t2", event.ActionPrepare, "dfsp1", "dfsp2", "200"),
		},
		Accounts: accounts("1000", "1000", "0"),
	}
	acc := accumulator(map[string]state.TransferState{
		"t1": state.StateReceivedPrepare,
		"t2": state.StateReceivedPrepare,
	}, "0", "0")

	res := processor().Process(bin, acc)

	assert.Equal(t, state.StateReserved, res.Accumulated.TransferStates["t1"])
	assert.Equal(t, state.StateReserved, res.Accumulated.TransferStates["t2"])
	assert.True(t, res.Accumulated.Positions[1].ReservedValue.Equal(d("300")))
	assert.True(t, res.Accumulated.Positions[1].Value.IsZero())

	require.Len(t, res.PositionChanges, 2)
	assert.True(t, res.PositionChanges[0].ReservedValue.Equal(d("100")))
	assert.True(t, res.PositionChanges[1].ReservedValue.Equal(d("300")))

	require.Len(t, res.Notifications, 2)
	for i, n := range res.Notifications {
		assert.Equal(t, i, n.Index)
		assert.NoError(t, n.Err)
		assert.Equal(t, "dfsp2", n.Message.To)
		assert.Equal(t, "dfsp1", n.Message.From)
		assert.Equal(t, event.StatusSuccess, n.Message.Metadata.Event.State.Status)
		assert.NotContains(t, n.Message.Content.Headers, event.HeaderContentLength)
	}
}

// Scenario C: the payer's effective position plus the amount exceeds the
// net debit cap.
func TestProcess_PrepareExceedingLimit(t *testing.T) {
	bin := core.Bin{
		AccountID: 1,
		Items:     []core.BinItem{item("t1", event.ActionPrepare, "dfsp1", "dfsp2", "200")},
		Accounts:  accounts("5000", "1000", "0"),
	}
	acc := accumulator(map[string]state.TransferState{"t1": state.StateReceivedPrepare}, "900", "0")

	res := processor().Process(bin, acc)

	require.Len(t, res.Notifications, 1)
	n := res.Notifications[0]
	var le *fspiop.LiquidityError
	require.True(t, errors.As(n.Err, &le))
	assert.Equal(t, fspiop.CodePayerLimitError, le.Code())
	assert.Equal(t, "dfsp1", n.Message.To)
	assert.Equal(t, fspiop.CodePayerLimitError, errorInfo(t, n.Message).ErrorCode)

	assert.Equal(t, state.StateAbortedError, res.Accumulated.TransferStates["t1"])
	require.Len(t, res.StateChanges, 1)
	assert.Equal(t, state.StateAbortedError, res.StateChanges[0].State)
	assert.Empty(t, res.PositionChanges)
	assert.True(t, res.Accumulated.Positions[1].ReservedValue.IsZero())
}

func TestProcess_PrepareRunningLiquidity(t *testing.T) {
	bin := core.Bin{
		AccountID: 1,
		Items: []core.BinItem{
			item("t1", event.ActionPrepare, "dfsp1", "dfsp2", "100"),
			item("t2", event.ActionPrepare, "dfsp1", "dfsp2", "100"),
			item("t3", event.ActionPrepare, "dfsp1", "dfsp2", "100"),
		},
		Accounts: accounts("250", "10000", "0"),
	}
	acc := accumulator(map[string]state.TransferState{
		"t1": state.StateReceivedPrepare,
		"t2": state.StateReceivedPrepare,
		"t3": state.StateReceivedPrepare,
	}, "0", "0")

	res := processor().Process(bin, acc)

	require.Len(t, res.Notifications, 3)
	assert.NoError(t, res.Notifications[0].Err)
	assert.NoError(t, res.Notifications[1].Err)
	var le *fspiop.LiquidityError
	require.True(t, errors.As(res.Notifications[2].Err, &le))
	assert.Equal(t, fspiop.CodePayerInsufficientLiquidity, le.Code())

	assert.Equal(t, state.StateAbortedError, res.Accumulated.TransferStates["t3"])
	assert.True(t, res.Accumulated.Positions[1].ReservedValue.Equal(d("200")))
}

func TestProcess_LimitAlarmRaisedOncePerAccount(t *testing.T) {
	bin := core.Bin{
		AccountID: 1,
		Items: []core.BinItem{
			item("t1", event.ActionPrepare, "dfsp1", "dfsp2", "600"),
			item("t2", event.ActionPrepare, "dfsp1", "dfsp2", "100"),
		},
		Accounts: accounts("1000", "1000", "50"),
	}
	acc := accumulator(map[string]state.TransferState{
		"t1": state.StateReceivedPrepare,
		"t2": state.StateReceivedPrepare,
	}, "0", "0")

	res := processor().Process(bin, acc)

	require.Len(t, res.LimitAlarms, 1)
	assert.Equal(t, int64(1), res.LimitAlarms[0].ParticipantCurrencyID)
}

func TestProcess_MalformedItemIsIsolated(t *testing.T) {
	bad := item("t2", event.ActionPrepare, "dfsp1", "dfsp2", "50")
	bad.Legs.Payee.Currency = "EUR"

	bin := core.Bin{
		AccountID: 1,
		Items: []core.BinItem{
			item("t1", event.ActionPrepare, "dfsp1", "dfsp2", "10"),
			bad,
			item("t3", event.ActionPrepare, "dfsp1", "dfsp2", "20"),
		},
		Accounts: accounts("1000", "1000", "0"),
	}
	acc := accumulator(map[string]state.TransferState{
		"t1": state.StateReceivedPrepare,
		"t2": state.StateReceivedPrepare,
		"t3": state.StateReceivedPrepare,
	}, "0", "0")

	res := processor().Process(bin, acc)

	require.Len(t, res.Notifications, 3)
	var ve *fspiop.ValidationError
	require.True(t, errors.As(res.Notifications[1].Err, &ve))
	assert.Equal(t, fspiop.CodeValidationError, errorInfo(t, res.Notifications[1].Message).ErrorCode)

	require.Len(t, res.PositionChanges, 2)
	assert.Equal(t, "t1", res.PositionChanges[0].TransferID)
	assert.Equal(t, "t3", res.PositionChanges[1].TransferID)
	assert.Equal(t, state.StateAbortedError, res.Accumulated.TransferStates["t2"])
	assert.True(t, res.Accumulated.Positions[1].ReservedValue.Equal(d("30")))
}

func TestProcess_ItemErrorProducesOnlyNotification(t *testing.T) {
	it := item("t1", event.ActionPrepare, "dfsp1", "dfsp2", "10")
	it.Err = &fspiop.ValidationError{Reasons: []string{"payload is not json"}}
	bin := core.Bin{AccountID: 1, Items: []core.BinItem{it}, Accounts: accounts("1000", "1000", "0")}

	res := processor().Process(bin, accumulator(map[string]state.TransferState{"t1": state.StateReceivedPrepare}, "0", "0"))

	require.Len(t, res.Notifications, 1)
	assert.Error(t, res.Notifications[0].Err)
	assert.Empty(t, res.StateChanges)
	assert.Empty(t, res.PositionChanges)
}

// ============================================================================
// Test: commit
// ============================================================================

func TestProcess_CommitConservesValue(t *testing.T) {
	it := item("t1", event.ActionCommit, "dfsp2", "dfsp1", "100")
	it.Message.Content.Payload = json.RawMessage(`{"fulfilment":"abc","transferState":"RESERVED"}`)
	bin := core.Bin{AccountID: 2, Items: []core.BinItem{it}}
	acc := accumulator(map[string]state.TransferState{"t1": state.StateReceivedFulfil}, "0", "100")

	res := processor().Process(bin, acc)

	require.Len(t, res.Notifications, 1)
	n := res.Notifications[0]
	require.NoError(t, n.Err)
	assert.Equal(t, "dfsp1", n.Message.To)
	assert.Equal(t, "dfsp2", n.Message.From)
	assert.Equal(t, event.ActionCommit, n.Message.Metadata.Event.Action)

	var body event.TransferFulfil
	require.NoError(t, json.Unmarshal(n.Message.Content.Payload, &body))
	assert.Equal(t, "COMMITTED", body.TransferState)
	assert.Equal(t, "abc", body.Fulfilment)
	assert.NotNil(t, body.CompletedTimestamp)

	assert.Equal(t, state.StateCommitted, res.Accumulated.TransferStates["t1"])
	assert.True(t, res.Accumulated.Positions[1].Value.Equal(d("100")))
	assert.True(t, res.Accumulated.Positions[1].ReservedValue.IsZero())
	assert.True(t, res.Accumulated.Positions[2].Value.Equal(d("-100")))

	sum := decimal.Zero
	for _, c := range res.PositionChanges {
		sum = sum.Add(c.ValueDelta)
	}
	assert.True(t, sum.IsZero())
	require.NoError(t, ledger.ValidateConservation("t1", *it.Legs, res.PositionChanges))
}

func TestProcess_CommitWrongStateIsNoOp(t *testing.T) {
	bin := core.Bin{AccountID: 2, Items: []core.BinItem{item("t1", event.ActionCommit, "dfsp2", "dfsp1", "100")}}
	acc := accumulator(map[string]state.TransferState{"t1": state.StateReserved}, "0", "100")

	res := processor().Process(bin, acc)

	require.Len(t, res.Notifications, 1)
	var sc *fspiop.StateConflictError
	require.True(t, errors.As(res.Notifications[0].Err, &sc))
	assert.Empty(t, res.StateChanges)
	assert.Empty(t, res.PositionChanges)
	assert.Equal(t, state.StateReserved, res.Accumulated.TransferStates["t1"])
}

// ============================================================================
// Test: FX fulfil (Scenario A)
// ============================================================================

func fxItem(id string) core.BinItem {
	return core.BinItem{
		Message: newMessage(id, event.ActionFxFulfil, "fxp1", "dfsp1", `{"fulfilment":"f","conversionState":"RESERVED"}`),
		Action:  event.ActionFxFulfil,
		Legs: &ledger.Legs{
			Payer: ledger.Leg{ParticipantCurrencyID: 1, ParticipantName: "dfsp1", Currency: "USD", Amount: d("10"), IsPayer: true},
			Payee: ledger.Leg{ParticipantCurrencyID: 3, ParticipantName: "fxp1", Currency: "USD", Amount: d("-10")},
		},
	}
}

func fxAccumulator() core.Accumulator {
	acc := accumulator(map[string]state.TransferState{}, "0", "30")
	acc.FxTransferStates = map[string]state.TransferState{
		"x1": state.StateReceivedFulfilDependent,
		"x2": state.StateReceivedFulfilDependent,
		"x3": state.TransferState("INVALID_STATE"),
	}
	return acc
}

func TestProcess_FxFulfilBin(t *testing.T) {
	bin := core.Bin{AccountID: 3, Items: []core.BinItem{fxItem("x1"), fxItem("x2"), fxItem("x3")}}

	res := processor().Process(bin, fxAccumulator())

	require.Len(t, res.Notifications, 3)
	for _, n := range res.Notifications[:2] {
		require.NoError(t, n.Err)
		assert.Equal(t, event.ActionCommit, n.Message.Metadata.Event.Action)
		assert.Equal(t, "dfsp1", n.Message.To)
		assert.Equal(t, "fxp1", n.Message.From)
		assert.NotContains(t, n.Message.Content.Headers, event.HeaderContentLength)
	}

	failed := res.Notifications[2].Message
	info := errorInfo(t, failed)
	assert.Equal(t, fspiop.CodeInternalServerError, info.ErrorCode)
	assert.Equal(t, "Internal server error - Invalid State: INVALID_STATE - expected: RECEIVED_FULFIL_DEPENDENT", info.ErrorDescription)
	assert.Equal(t, "fxp1", failed.Content.Headers[event.HeaderDestination])
	assert.Equal(t, hub, failed.Content.Headers[event.HeaderSource])
	assert.NotContains(t, failed.Content.Headers, event.HeaderContentLength)

	require.Len(t, res.StateChanges, 3)
	want := []struct {
		id string
		st state.TransferState
	}{
		{"x1", state.StateCommitted},
		{"x2", state.StateCommitted},
		{"x3", state.StateAbortedRejected},
	}
	for i, w := range want {
		assert.Equal(t, state.KindFxTransfer, res.StateChanges[i].Kind)
		assert.Equal(t, w.id, res.StateChanges[i].ID)
		assert.Equal(t, w.st, res.StateChanges[i].State)
		assert.Equal(t, w.st, res.Accumulated.FxTransferStates[w.id])
	}
}

func TestProcess_FxFulfilInvalidStateConfigurable(t *testing.T) {
	cfg := core.DefaultBinConfig(hub)
	cfg.FxFulfilInvalidState = state.StateNone
	bp := core.NewBinProcessor(cfg, nil)

	res := bp.Process(core.Bin{AccountID: 3, Items: []core.BinItem{fxItem("x1"), fxItem("x3")}}, fxAccumulator())

	require.Len(t, res.StateChanges, 1)
	assert.Equal(t, "x1", res.StateChanges[0].ID)
	assert.Equal(t, state.TransferState("INVALID_STATE"), res.Accumulated.FxTransferStates["x3"])
}

func TestProcess_FinalStateIsNeverOverwritten(t *testing.T) {
	acc := fxAccumulator()
	acc.FxTransferStates["x1"] = state.StateAbortedError

	res := processor().Process(core.Bin{AccountID: 3, Items: []core.BinItem{fxItem("x1")}}, acc)

	require.Len(t, res.Notifications, 1)
	var sc *fspiop.StateConflictError
	require.True(t, errors.As(res.Notifications[0].Err, &sc))
	assert.Empty(t, res.StateChanges)
	assert.Equal(t, state.StateAbortedError, res.Accumulated.FxTransferStates["x1"])
}

func TestProcess_FxFulfilRedeliveryIsReplayed(t *testing.T) {
	acc := fxAccumulator()
	acc.FxTransferStates["x1"] = state.StateCommitted

	res := processor().Process(core.Bin{AccountID: 3, Items: []core.BinItem{fxItem("x1")}}, acc)

	require.Len(t, res.Notifications, 1)
	n := res.Notifications[0]
	require.NoError(t, n.Err)
	assert.Equal(t, event.ActionCommit, n.Message.Metadata.Event.Action)
	assert.Equal(t, "dfsp1", n.Message.To)
	assert.Empty(t, res.StateChanges)
	assert.Empty(t, res.PositionChanges)
	assert.True(t, res.Accumulated.Positions[1].ReservedValue.Equal(d("30")))
}

// ============================================================================
// Test: FX prepare
// ============================================================================

func fxPrepareItem(id, amount string) core.BinItem {
	return core.BinItem{
		Message: newMessage(id, event.ActionFxPrepare, "dfsp1", "fxp1", ""),
		Action:  event.ActionFxPrepare,
		Legs: &ledger.Legs{
			Payer: ledger.Leg{ParticipantCurrencyID: 1, ParticipantName: "dfsp1", Currency: "USD", Amount: d(amount), IsPayer: true},
			Payee: ledger.Leg{ParticipantCurrencyID: 3, ParticipantName: "fxp1", Currency: "USD", Amount: d(amount).Neg()},
		},
	}
}

func fxStates(id string, st state.TransferState, reserved string) core.Accumulator {
	acc := accumulator(map[string]state.TransferState{}, "0", reserved)
	acc.FxTransferStates = map[string]state.TransferState{id: st}
	return acc
}

func TestProcess_FxPrepareReserves(t *testing.T) {
	bin := core.Bin{AccountID: 1, Items: []core.BinItem{fxPrepareItem("fx1", "100")}, Accounts: accounts("1000", "1000", "0")}

	res := processor().Process(bin, fxStates("fx1", state.StateReceivedPrepare, "0"))

	require.Len(t, res.Notifications, 1)
	n := res.Notifications[0]
	require.NoError(t, n.Err)
	assert.Equal(t, "fxp1", n.Message.To)
	assert.Equal(t, "dfsp1", n.Message.From)

	require.Len(t, res.StateChanges, 1)
	assert.Equal(t, state.KindFxTransfer, res.StateChanges[0].Kind)
	assert.Equal(t, state.StateReserved, res.StateChanges[0].State)
	require.Len(t, res.PositionChanges, 1)
	assert.True(t, res.Accumulated.Positions[1].ReservedValue.Equal(d("100")))
}

func TestProcess_FxPrepareLiquidityFailure(t *testing.T) {
	bin := core.Bin{AccountID: 1, Items: []core.BinItem{fxPrepareItem("fx1", "100")}, Accounts: accounts("50", "1000", "0")}

	res := processor().Process(bin, fxStates("fx1", state.StateReceivedPrepare, "0"))

	require.Len(t, res.Notifications, 1)
	var le *fspiop.LiquidityError
	require.True(t, errors.As(res.Notifications[0].Err, &le))
	assert.Equal(t, fspiop.CodePayerInsufficientLiquidity, le.Code())
	assert.Equal(t, state.StateAbortedError, res.Accumulated.FxTransferStates["fx1"])
	assert.Empty(t, res.PositionChanges)
	assert.True(t, res.Accumulated.Positions[1].ReservedValue.IsZero())
}

func TestProcess_FxPrepareWrongState(t *testing.T) {
	bin := core.Bin{AccountID: 1, Items: []core.BinItem{fxPrepareItem("fx1", "100")}, Accounts: accounts("1000", "1000", "0")}

	res := processor().Process(bin, fxStates("fx1", state.StateNone, "0"))

	require.Len(t, res.Notifications, 1)
	var sc *fspiop.StateConflictError
	require.True(t, errors.As(res.Notifications[0].Err, &sc))
	assert.Equal(t, "NONE", sc.Observed)
	require.Len(t, res.StateChanges, 1)
	assert.Equal(t, state.StateAbortedRejected, res.StateChanges[0].State)
	assert.Empty(t, res.PositionChanges)
}

func TestProcess_FxPrepareRedeliveryChangesNothing(t *testing.T) {
	bin := core.Bin{AccountID: 1, Items: []core.BinItem{fxPrepareItem("fx1", "100")}, Accounts: accounts("1000", "1000", "0")}
	bp := processor()

	first := bp.Process(bin, fxStates("fx1", state.StateReceivedPrepare, "0"))
	require.Equal(t, state.StateReserved, first.Accumulated.FxTransferStates["fx1"])

	again := bp.Process(bin, first.Accumulated)

	require.Len(t, again.Notifications, 1)
	n := again.Notifications[0]
	require.NoError(t, n.Err)
	assert.Equal(t, event.StatusSuccess, n.Message.Metadata.Event.State.Status)
	assert.Equal(t, "fxp1", n.Message.To)
	assert.Empty(t, again.StateChanges)
	assert.Empty(t, again.PositionChanges)
	assert.Equal(t, state.StateReserved, again.Accumulated.FxTransferStates["fx1"])
	assert.True(t, again.Accumulated.Positions[1].ReservedValue.Equal(d("100")))
}

func TestProcess_PrepareRedeliveryAfterLiquidityFailure(t *testing.T) {
	bin := core.Bin{AccountID: 1, Items: []core.BinItem{fxPrepareItem("fx1", "100")}, Accounts: accounts("1000", "1000", "0")}

	res := processor().Process(bin, fxStates("fx1", state.StateAbortedError, "0"))

	require.Len(t, res.Notifications, 1)
	var sc *fspiop.StateConflictError
	require.True(t, errors.As(res.Notifications[0].Err, &sc))
	assert.Empty(t, res.StateChanges)
	assert.Empty(t, res.PositionChanges)
}


// ============================================================================
// Test: abort and timeout
// ============================================================================

func TestProcess_AbortReleasesReservation(t *testing.T) {
	it := item("t1", event.ActionReject, "dfsp2", "dfsp1", "100")
	bin := core.Bin{AccountID: 1, Items: []core.BinItem{it}}
	acc := accumulator(map[string]state.TransferState{"t1": state.StateReceivedReject}, "0", "100")

	res := processor().Process(bin, acc)

	require.Len(t, res.Notifications, 1)
	n := res.Notifications[0]
	require.NoError(t, n.Err)
	assert.Equal(t, "dfsp1", n.Message.To)
	assert.Equal(t, fspiop.CodePayeeRejection, errorInfo(t, n.Message).ErrorCode)
	assert.Equal(t, state.StateAbortedRejected, res.Accumulated.TransferStates["t1"])
	assert.True(t, res.Accumulated.Positions[1].ReservedValue.IsZero())
}

func TestProcess_AbortCarriesPayeeError(t *testing.T) {
	it := item("t1", event.ActionAbort, "dfsp2", "dfsp1", "100")
	it.Message.Content.Payload = json.RawMessage(`{"errorInformation":{"errorCode":"5105","errorDescription":"Payee transaction limit reached"}}`)
	bin := core.Bin{AccountID: 1, Items: []core.BinItem{it}}
	acc := accumulator(map[string]state.TransferState{"t1": state.StateReceivedError}, "0", "100")

	res := processor().Process(bin, acc)

	require.Len(t, res.Notifications, 1)
	assert.Equal(t, fspiop.ErrorCode("5105"), errorInfo(t, res.Notifications[0].Message).ErrorCode)
	assert.Equal(t, state.StateAbortedError, res.Accumulated.TransferStates["t1"])
}

func TestProcess_TimeoutReservedExpires(t *testing.T) {
	bin := core.Bin{AccountID: 1, Items: []core.BinItem{item("t1", event.ActionTimeoutReserved, "dfsp1", "dfsp2", "100")}}
	acc := accumulator(map[string]state.TransferState{"t1": state.StateReservedTimeout}, "0", "100")

	res := processor().Process(bin, acc)

	require.Len(t, res.Notifications, 1)
	n := res.Notifications[0]
	require.NoError(t, n.Err)
	assert.Equal(t, "dfsp2", n.Message.To)
	assert.Equal(t, fspiop.CodeTransferExpired, errorInfo(t, n.Message).ErrorCode)
	assert.Equal(t, state.StateExpiredReserved, res.Accumulated.TransferStates["t1"])
	assert.True(t, res.Accumulated.Positions[1].ReservedValue.IsZero())
}

func TestProcess_FxAbortReleasesReservation(t *testing.T) {
	it := fxPrepareItem("fx1", "100")
	it.Action = event.ActionFxReject
	it.Message = newMessage("fx1", event.ActionFxReject, "fxp1", "dfsp1", "")
	bin := core.Bin{AccountID: 1, Items: []core.BinItem{it}}

	res := processor().Process(bin, fxStates("fx1", state.StateReceivedReject, "100"))

	require.Len(t, res.Notifications, 1)
	n := res.Notifications[0]
	require.NoError(t, n.Err)
	assert.Equal(t, "dfsp1", n.Message.To)
	assert.Equal(t, state.StateAbortedRejected, res.Accumulated.FxTransferStates["fx1"])
	require.Len(t, res.PositionChanges, 1)
	assert.True(t, res.Accumulated.Positions[1].ReservedValue.IsZero())
}

func TestProcess_FxTimeoutReservedReleases(t *testing.T) {
	it := fxPrepareItem("fx1", "100")
	it.Action = event.ActionFxTimeoutReserved
	it.Message = newMessage("fx1", event.ActionFxTimeoutReserved, hub, "dfsp1", "")
	bin := core.Bin{AccountID: 1, Items: []core.BinItem{it}}

	res := processor().Process(bin, fxStates("fx1", state.StateReservedTimeout, "100"))

	require.Len(t, res.Notifications, 1)
	n := res.Notifications[0]
	require.NoError(t, n.Err)
	assert.Equal(t, fspiop.CodeTransferExpired, errorInfo(t, n.Message).ErrorCode)
	assert.Equal(t, state.StateExpiredReserved, res.Accumulated.FxTransferStates["fx1"])
	assert.True(t, res.Accumulated.Positions[1].ReservedValue.IsZero())
}

func TestProcess_TimeoutReservedRedeliveryIsReplayed(t *testing.T) {
	bin := core.Bin{AccountID: 1, Items: []core.BinItem{item("t1", event.ActionTimeoutReserved, "dfsp1", "dfsp2", "100")}}
	acc := accumulator(map[string]state.TransferState{"t1": state.StateExpiredReserved}, "0", "0")

	res := processor().Process(bin, acc)

	require.Len(t, res.Notifications, 1)
	n := res.Notifications[0]
	require.NoError(t, n.Err)
	assert.Equal(t, fspiop.CodeTransferExpired, errorInfo(t, n.Message).ErrorCode)
	assert.Empty(t, res.StateChanges)
	assert.Empty(t, res.PositionChanges)
	assert.True(t, res.Accumulated.Positions[1].ReservedValue.IsZero())
}

// Scenario D: timeout-reserved for a transfer that is not RESERVED_TIMEOUT.
func TestProcess_TimeoutReservedWrongState(t *testing.T) {
	bin := core.Bin{AccountID: 1, Items: []core.BinItem{item("t1", event.ActionTimeoutReserved, "dfsp1", "dfsp2", "100")}}
	acc := accumulator(map[string]state.TransferState{"t1": state.StateReserved}, "0", "100")

	res := processor().Process(bin, acc)

	require.Len(t, res.Notifications, 1)
	var sc *fspiop.StateConflictError
	require.True(t, errors.As(res.Notifications[0].Err, &sc))
	assert.Equal(t, "RESERVED", sc.Observed)
	assert.Empty(t, res.PositionChanges)
	assert.Empty(t, res.StateChanges)
	assert.True(t, res.Accumulated.Positions[1].ReservedValue.Equal(d("100")))
}

// ============================================================================
// Test: accumulator isolation
// ============================================================================

func TestProcess_InputAccumulatorIsNotMutated(t *testing.T) {
	bin := core.Bin{
		AccountID: 1,
		Items:     []core.BinItem{item("t1", event.ActionPrepare, "dfsp1", "dfsp2", "100")},
		Accounts:  accounts("1000", "1000", "0"),
	}
	acc := accumulator(map[string]state.TransferState{"t1": state.StateReceivedPrepare}, "0", "0")

	res := processor().Process(bin, acc)

	assert.Equal(t, state.StateReserved, res.Accumulated.TransferStates["t1"])
	assert.Equal(t, state.StateReceivedPrepare, acc.TransferStates["t1"])
	assert.True(t, acc.Positions[1].ReservedValue.IsZero())
}

func TestProcess_ItemWithoutMessageIsCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	bp := core.NewBinProcessor(core.DefaultBinConfig(hub), observability.NewMetrics(reg))

	res := bp.Process(core.Bin{AccountID: 1, Items: []core.BinItem{{Action: event.ActionPrepare}}}, accumulator(nil, "0", "0"))
	assert.Empty(t, res.Notifications)

	families, err := reg.Gather()
	require.NoError(t, err)
	var dropped float64
	for _, f := range families {
		if f.GetName() == "cl_notifications_dropped_total" {
			for _, m := range f.GetMetric() {
				dropped += m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, float64(1), dropped)
}

func TestAccumulator_Clone(t *testing.T) {
	acc := accumulator(map[string]state.TransferState{"t1": state.StateReserved}, "1", "2")
	c := acc.Clone()
	c.TransferStates["t1"] = state.StateCommitted
	c.Positions[1] = ledger.Position{ParticipantCurrencyID: 1, Value: d("9")}

	assert.Equal(t, state.StateReserved, acc.TransferStates["t1"])
	assert.True(t, acc.Positions[1].Value.Equal(d("1")))
}
