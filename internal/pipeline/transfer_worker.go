package pipeline

import (
	"context"
	"strconv"

	"CentralLedger/internal/event"
	"CentralLedger/internal/ingestion"
	"CentralLedger/internal/observability"

	"github.com/rs/zerolog"
)

// MessageHandler handles one decoded transfer-topic message.
type MessageHandler interface {
	Handle(ctx context.Context, msg *event.Message, redelivered bool) ([]ingestion.OutboundMessage, error)
}

// TransferWorker owns one transfer-topic partition. Messages are handled
// one at a time; the delivery is acknowledged by the outbound publisher once
// everything it produced is published.
type TransferWorker struct {
	partition string
	input     <-chan ingestion.RawEvent
	handler   MessageHandler
	outbound  chan<- ingestion.OutboundBatch
	hub       string
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewTransferWorker(partition int, input <-chan ingestion.RawEvent, handler MessageHandler,
	outbound chan<- ingestion.OutboundBatch, hub string, metrics *observability.Metrics) *TransferWorker {
	p := strconv.Itoa(partition)
	return &TransferWorker{
		partition: p,
		input:     input,
		handler:   handler,
		outbound:  outbound,
		hub:       hub,
		metrics:   metrics,
		logger:    observability.NewLogger("transfer-worker").With().Str("partition", p).Logger(),
	}
}

// Run processes deliveries until ctx is cancelled or the input closes.
func (w *TransferWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-w.input:
			if !ok {
				return nil
			}
			w.handle(ctx, raw)
		}
	}
}

func (w *TransferWorker) handle(ctx context.Context, raw ingestion.RawEvent) {
	redelivered := raw.NumDelivered > 1
	if redelivered && w.metrics != nil {
		w.metrics.Redeliveries.WithLabelValues("transfer-" + w.partition).Inc()
	}

	msg, err := ingestion.ParseRawEvent(raw)
	if w.metrics != nil {
		w.metrics.MessagesConsumed.WithLabelValues(ingestion.TopicTransfer, ingestion.ActionFromSubject(raw.Subject)).Inc()
	}
	if err != nil {
		w.reject(ctx, raw, msg, err)
		return
	}

	out, err := w.handler.Handle(ctx, msg, redelivered)
	if err != nil {
		w.logger.Warn().Err(err).Str("id", msg.Key()).Uint64("seq", raw.Sequence).Msg("transfer handling failed, requesting redelivery")
		raw.Nak()
		return
	}
	w.send(ctx, raw, out)
}

// reject answers an undecodable delivery. Without a sender there is no one
// to notify and the delivery is dropped.
func (w *TransferWorker) reject(ctx context.Context, raw ingestion.RawEvent, msg *event.Message, err error) {
	if msg == nil || msg.From == "" {
		w.logger.Error().Err(err).Str("subject", raw.Subject).Uint64("seq", raw.Sequence).Msg("dropping undecodable delivery")
		raw.Ack()
		return
	}
	n, buildErr := errorNotification(w.hub, msg, msg.From, err)
	if buildErr != nil {
		w.logger.Error().Err(buildErr).Msg("failed to build error notification")
		raw.Ack()
		return
	}
	w.send(ctx, raw, []ingestion.OutboundMessage{n})
}

func (w *TransferWorker) send(ctx context.Context, raw ingestion.RawEvent, out []ingestion.OutboundMessage) {
	select {
	case w.outbound <- ingestion.OutboundBatch{Messages: out, Ack: raw.Ack, Nak: raw.Nak}:
	case <-ctx.Done():
		raw.Nak()
	}
}
