package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"CentralLedger/internal/core"
	"CentralLedger/internal/event"
	"CentralLedger/internal/ingestion"
	"CentralLedger/internal/ledger"
	"CentralLedger/internal/persistence"
	"CentralLedger/internal/state"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSnapshots struct {
	snap persistence.BinSnapshot
	err  error
	ids  map[state.Kind][]string
}

func (s *stubSnapshots) Load(_ context.Context, ids map[state.Kind][]string) (persistence.BinSnapshot, error) {
	s.ids = ids
	return s.snap, s.err
}

type stubAccounts map[int64]ledger.AccountSnapshot

func (s stubAccounts) AccountSnapshots(_ context.Context, ids []int64) (map[int64]ledger.AccountSnapshot, error) {
	out := make(map[int64]ledger.AccountSnapshot, len(ids))
	for _, id := range ids {
		if snap, ok := s[id]; ok {
			out[id] = snap
		}
	}
	return out, nil
}

type recordingStore struct {
	results []core.BinResult
	outbox  []persistence.OutboxMessage
	err     error
}

func (s *recordingStore) Flush(_ context.Context, res core.BinResult, outbox []persistence.OutboxMessage) error {
	if s.err != nil {
		return s.err
	}
	s.results = append(s.results, res)
	s.outbox = append(s.outbox, outbox...)
	return nil
}

type delivery struct {
	acked, naked int
}

func positionRaw(t *testing.T, d *delivery, action event.Action, key string) ingestion.RawEvent {
	t.Helper()
	p := validPrepare()
	msg := withPayload(t, prepareEnvelope(p), p)
	msg.Metadata.Event.Type = event.TypePosition
	msg.Metadata.Event.Action = action
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return ingestion.RawEvent{
		Subject:      ingestion.Subject(ingestion.TopicPosition, string(action)),
		Data:         data,
		Key:          key,
		NumDelivered: 1,
		AckFunc:      func() { d.acked++ },
		NakFunc:      func() { d.naked++ },
	}
}

func preparedSnapshot(st state.TransferState) persistence.BinSnapshot {
	return persistence.BinSnapshot{
		Accumulator: core.Accumulator{
			TransferStates:   map[string]state.TransferState{transferID: st},
			FxTransferStates: map[string]state.TransferState{},
			Positions: map[int64]ledger.Position{
				11: {ParticipantCurrencyID: 11},
				22: {ParticipantCurrencyID: 22},
			},
		},
		Legs: map[state.Kind]map[string]ledger.Legs{state.KindTransfer: {transferID: testLegs()}},
	}
}

func payerAccounts(cover, limit int64) stubAccounts {
	return stubAccounts{
		11: {
			Account:            ledger.ParticipantCurrency{ID: 11, ParticipantName: "dfsp1", Currency: "USD"},
			SettlementPosition: decimal.NewFromInt(-cover),
			Limit:              ledger.ParticipantLimit{ParticipantCurrencyID: 11, Type: ledger.LimitNetDebitCap, Value: decimal.NewFromInt(limit)},
		},
		22: {
			Account: ledger.ParticipantCurrency{ID: 22, ParticipantName: "dfsp2", Currency: "USD"},
			Limit:   ledger.ParticipantLimit{ParticipantCurrencyID: 22, Type: ledger.LimitNetDebitCap, Value: decimal.NewFromInt(limit)},
		},
	}
}

func newPositionWorker(snaps SnapshotSource, accounts AccountSnapshotter, store BinStore, outbound chan ingestion.OutboundBatch, outbox bool) *PositionWorker {
	return NewPositionWorker(0, nil, core.NewBinProcessor(core.DefaultBinConfig(hubName), nil),
		snaps, accounts, store, outbound, PositionWorkerConfig{Hub: hubName, Outbox: outbox}, nil)
}

func TestPositionWorker_PrepareFlushesThenPublishes(t *testing.T) {
	snaps := &stubSnapshots{snap: preparedSnapshot(state.StateReceivedPrepare)}
	store := &recordingStore{}
	outbound := make(chan ingestion.OutboundBatch, 1)
	w := newPositionWorker(snaps, payerAccounts(1000, 500), store, outbound, false)

	d := &delivery{}
	w.ProcessBatch(context.Background(), []ingestion.RawEvent{positionRaw(t, d, event.ActionPrepare, "11")})

	assert.Equal(t, []string{transferID}, snaps.ids[state.KindTransfer])
	require.Len(t, store.results, 1)
	res := store.results[0]
	require.Len(t, res.StateChanges, 1)
	assert.Equal(t, state.StateReserved, res.StateChanges[0].State)
	require.Len(t, res.PositionChanges, 1)
	assert.True(t, res.PositionChanges[0].ReservedDelta.Equal(decimal.RequireFromString("100.25")))

	var batch ingestion.OutboundBatch
	select {
	case batch = <-outbound:
	case <-time.After(time.Second):
		t.Fatal("no outbound batch")
	}
	require.Len(t, batch.Messages, 1)
	assert.Equal(t, "cl.notification.prepare", batch.Messages[0].Subject)
	assert.Equal(t, "dfsp2", batch.Messages[0].Key)

	assert.Zero(t, d.acked, "deliveries are acknowledged only once published")
	batch.Ack()
	assert.Equal(t, 1, d.acked)
}

func TestPositionWorker_LiquidityFailureAbortsTransfer(t *testing.T) {
	snaps := &stubSnapshots{snap: preparedSnapshot(state.StateReceivedPrepare)}
	store := &recordingStore{}
	outbound := make(chan ingestion.OutboundBatch, 1)
	w := newPositionWorker(snaps, payerAccounts(50, 500), store, outbound, false)

	d := &delivery{}
	w.ProcessBatch(context.Background(), []ingestion.RawEvent{positionRaw(t, d, event.ActionPrepare, "11")})

	require.Len(t, store.results, 1)
	assert.Equal(t, state.StateAbortedError, store.results[0].StateChanges[0].State)
	assert.Empty(t, store.results[0].PositionChanges)

	batch := <-outbound
	require.Len(t, batch.Messages, 1)
	assert.Equal(t, "dfsp1", batch.Messages[0].Key, "liquidity errors go back to the payer")
}

func TestPositionWorker_OutboxAcksAfterFlush(t *testing.T) {
	snaps := &stubSnapshots{snap: preparedSnapshot(state.StateReceivedPrepare)}
	store := &recordingStore{}
	outbound := make(chan ingestion.OutboundBatch, 1)
	w := newPositionWorker(snaps, payerAccounts(1000, 500), store, outbound, true)

	d := &delivery{}
	w.ProcessBatch(context.Background(), []ingestion.RawEvent{positionRaw(t, d, event.ActionPrepare, "11")})

	assert.Equal(t, 1, d.acked)
	assert.Empty(t, outbound)
	require.Len(t, store.outbox, 1)
	assert.Equal(t, "cl.notification.prepare", store.outbox[0].Subject)
	assert.Equal(t, "dfsp2", store.outbox[0].Key)
}

func TestPositionWorker_FailuresNakTheBatch(t *testing.T) {
	outbound := make(chan ingestion.OutboundBatch, 1)

	d := &delivery{}
	w := newPositionWorker(&stubSnapshots{err: errors.New("db down")}, payerAccounts(1000, 500), &recordingStore{}, outbound, false)
	w.ProcessBatch(context.Background(), []ingestion.RawEvent{
		positionRaw(t, d, event.ActionPrepare, "11"),
		positionRaw(t, d, event.ActionPrepare, "11"),
	})
	assert.Equal(t, 2, d.naked)

	d = &delivery{}
	store := &recordingStore{err: errors.New("serialization failure")}
	w = newPositionWorker(&stubSnapshots{snap: preparedSnapshot(state.StateReceivedPrepare)}, payerAccounts(1000, 500), store, outbound, false)
	w.ProcessBatch(context.Background(), []ingestion.RawEvent{positionRaw(t, d, event.ActionPrepare, "11")})
	assert.Equal(t, 1, d.naked)
	assert.Zero(t, d.acked)
	assert.Empty(t, outbound)
}

func TestPositionWorker_UndecodableDeliveryIsDropped(t *testing.T) {
	store := &recordingStore{}
	w := newPositionWorker(&stubSnapshots{}, stubAccounts{}, store, make(chan ingestion.OutboundBatch, 1), false)

	d := &delivery{}
	raw := ingestion.RawEvent{Subject: "cl.position.prepare", Data: []byte("{"), AckFunc: func() { d.acked++ }}
	w.ProcessBatch(context.Background(), []ingestion.RawEvent{raw})
	assert.Equal(t, 1, d.acked)
	assert.Empty(t, store.results)
}

func TestPositionWorker_SecondPrepareInBatchIsReplayed(t *testing.T) {
	snaps := &stubSnapshots{snap: preparedSnapshot(state.StateReceivedPrepare)}
	store := &recordingStore{}
	outbound := make(chan ingestion.OutboundBatch, 1)
	w := newPositionWorker(snaps, payerAccounts(1000, 500), store, outbound, false)

	d := &delivery{}
	w.ProcessBatch(context.Background(), []ingestion.RawEvent{
		positionRaw(t, d, event.ActionPrepare, "11"),
		positionRaw(t, d, event.ActionPrepare, "11"),
	})

	require.Len(t, store.results, 1)
	assert.Len(t, store.results[0].PositionChanges, 1, "the amount is reserved once")
	batch := <-outbound
	require.Len(t, batch.Messages, 2)
	assert.Equal(t, event.StatusSuccess, batch.Messages[0].Message.Metadata.Event.State.Status)
	assert.Equal(t, event.StatusSuccess, batch.Messages[1].Message.Metadata.Event.State.Status)
	assert.Len(t, store.results[0].StateChanges, 1, "the transfer is reserved once")
}
