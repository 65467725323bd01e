package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"CentralLedger/internal/event"
	"CentralLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundMessage is an envelope addressed to a subject, partitioned on Key.
type OutboundMessage struct {
	Subject string
	Key     string
	Message *event.Message
}

// Encode renders the envelope as JSON.
func (m OutboundMessage) Encode() ([]byte, error) {
	data, err := json.Marshal(m.Message)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", m.Subject, err)
	}
	return data, nil
}

// MessagePublisher writes encoded messages to a transport.
type MessagePublisher interface {
	Publish(ctx context.Context, subject, key string, data []byte) error
}

// OutboundBatch is the ordered output of one unit of work, together with
// the acknowledgements of the deliveries that produced it. Ack runs once
// every message is published; Nak runs on the first failure.
type OutboundBatch struct {
	Messages []OutboundMessage
	Ack      func()
	Nak      func()
}

const (
	publishAttempts = 3
	publishBackoff  = 200 * time.Millisecond
)

// OutboundPublisher drains the outbound channel in order. It is the only
// writer to the transport, so batches leave in the order workers committed
// them.
type OutboundPublisher struct {
	pub       MessagePublisher
	transport string
	inputChan <-chan OutboundBatch
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewOutboundPublisher(pub MessagePublisher, transport string, inputChan <-chan OutboundBatch, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		pub:       pub,
		transport: transport,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("outbound-publisher"),
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case batch, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			op.PublishBatch(ctx, batch)
		}
	}
}

// PublishBatch publishes every message of batch in order, then acks it.
// Each message is retried a few times since the state it reports is
// already committed; a message that still fails naks the batch.
func (op *OutboundPublisher) PublishBatch(ctx context.Context, batch OutboundBatch) {
	for _, m := range batch.Messages {
		if err := op.publishWithRetry(ctx, m); err != nil {
			op.count("error")
			op.logger.Warn().Err(err).Str("subject", m.Subject).Str("key", m.Key).Msg("outbound publish failed")
			if batch.Nak != nil {
				batch.Nak()
			}
			return
		}
		op.count("ok")
	}
	if batch.Ack != nil {
		batch.Ack()
	}
}

func (op *OutboundPublisher) publishWithRetry(ctx context.Context, m OutboundMessage) error {
	backoff := publishBackoff
	var err error
	for attempt := 0; attempt < publishAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = op.publish(ctx, m); err == nil {
			return nil
		}
	}
	return err
}

func (op *OutboundPublisher) publish(ctx context.Context, m OutboundMessage) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	return op.pub.Publish(ctx, m.Subject, m.Key, data)
}

func (op *OutboundPublisher) count(status string) {
	if op.metrics != nil {
		op.metrics.Published.WithLabelValues(op.transport, status).Inc()
	}
}

// NATSPublisher publishes to JetStream with the partition key in a header.
type NATSPublisher struct {
	js jetstream.JetStream
}

func NewNATSPublisher(js jetstream.JetStream) *NATSPublisher {
	return &NATSPublisher{js: js}
}

func (p *NATSPublisher) Publish(ctx context.Context, subject, key string, data []byte) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(HeaderPartitionKey, key)
	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// SplitPublisher sends notification subjects to one transport and every
// other subject to another. Position forwarding must stay on the log that
// the position consumer reads.
type SplitPublisher struct {
	Log           MessagePublisher
	Notifications MessagePublisher
}

func (p SplitPublisher) Publish(ctx context.Context, subject, key string, data []byte) error {
	if p.Notifications != nil && strings.HasPrefix(subject, "cl."+TopicNotification+".") {
		return p.Notifications.Publish(ctx, subject, key, data)
	}
	return p.Log.Publish(ctx, subject, key, data)
}
