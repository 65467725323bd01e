package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"CentralLedger/internal/event"
	"CentralLedger/internal/fspiop"
	"CentralLedger/internal/ingestion"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHandler struct {
	out         []ingestion.OutboundMessage
	err         error
	redelivered []bool
}

func (h *stubHandler) Handle(_ context.Context, _ *event.Message, redelivered bool) ([]ingestion.OutboundMessage, error) {
	h.redelivered = append(h.redelivered, redelivered)
	return h.out, h.err
}

func transferRaw(t *testing.T, d *delivery, delivered uint64) ingestion.RawEvent {
	t.Helper()
	msg, _ := preparedMessage(t)
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return ingestion.RawEvent{
		Subject:      "cl.transfer.prepare",
		Data:         data,
		Key:          transferID,
		NumDelivered: delivered,
		AckFunc:      func() { d.acked++ },
		NakFunc:      func() { d.naked++ },
	}
}

func runTransferWorker(t *testing.T, handler MessageHandler, raws ...ingestion.RawEvent) []ingestion.OutboundBatch {
	t.Helper()
	input := make(chan ingestion.RawEvent, len(raws))
	outbound := make(chan ingestion.OutboundBatch, len(raws))
	for _, r := range raws {
		input <- r
	}
	close(input)

	w := NewTransferWorker(0, input, handler, outbound, hubName, nil)
	require.NoError(t, w.Run(context.Background()))
	close(outbound)

	var batches []ingestion.OutboundBatch
	for b := range outbound {
		batches = append(batches, b)
	}
	return batches
}

func TestTransferWorker_HandlerOutputIsBatchedWithAck(t *testing.T) {
	fwd := ingestion.OutboundMessage{Subject: "cl.position.prepare", Key: "11"}
	handler := &stubHandler{out: []ingestion.OutboundMessage{fwd}}

	d := &delivery{}
	batches := runTransferWorker(t, handler, transferRaw(t, d, 1), transferRaw(t, d, 2))
	require.Len(t, batches, 2)
	assert.Equal(t, []bool{false, true}, handler.redelivered)
	assert.Equal(t, "cl.position.prepare", batches[0].Messages[0].Subject)

	batches[0].Ack()
	batches[1].Nak()
	assert.Equal(t, 1, d.acked)
	assert.Equal(t, 1, d.naked)
}

func TestTransferWorker_RetryableErrorNaks(t *testing.T) {
	handler := &stubHandler{err: fspiop.Infra("save prepare", errors.New("db down"))}

	d := &delivery{}
	batches := runTransferWorker(t, handler, transferRaw(t, d, 1))
	assert.Empty(t, batches)
	assert.Equal(t, 1, d.naked)
}

func TestTransferWorker_MalformedEnvelope(t *testing.T) {
	d := &delivery{}
	noPayload, err := json.Marshal(map[string]any{"id": transferID, "from": "dfsp1", "to": "dfsp2"})
	require.NoError(t, err)

	batches := runTransferWorker(t, &stubHandler{},
		ingestion.RawEvent{Subject: "cl.transfer.prepare", Data: []byte("not json"), AckFunc: func() { d.acked++ }},
		ingestion.RawEvent{Subject: "cl.transfer.prepare", Data: noPayload, AckFunc: func() { d.acked++ }},
	)
	assert.Equal(t, 1, d.acked, "an envelope without a sender is dropped")
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Messages, 1)
	assert.Equal(t, "dfsp1", batches[0].Messages[0].Key)
	assert.Equal(t, fspiop.CodeValidationError, errorCodeOf(t, batches[0].Messages[0]))
}
