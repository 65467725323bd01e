package ingestion

import (
	"context"
	"fmt"
	"time"

	"CentralLedger/internal/core"
	"CentralLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Topics of the log. Subjects are cl.<topic>.<action>.
const (
	TopicTransfer     = "transfer"
	TopicPosition     = "position"
	TopicNotification = "notification"
)

// HeaderPartitionKey carries the key a message is partitioned on.
const HeaderPartitionKey = "Cl-Partition-Key"

// Subject returns the subject of a message of action on topic.
func Subject(topic, action string) string {
	return "cl." + topic + "." + action
}

// NATSSubscriber consumes the transfer and position topics through durable
// JetStream consumers and hands every message to a Sink.
type NATSSubscriber struct {
	js        jetstream.JetStream
	consumers []jetstream.ConsumeContext
	sequences *core.SequenceTracker
	logger    zerolog.Logger
}

// RawEvent is one delivery from the log, not yet decoded. Exactly one of
// AckFunc or NakFunc must be called once the message is handled.
type RawEvent struct {
	Subject      string
	Data         []byte
	Key          string
	Sequence     uint64
	NumDelivered uint64
	Redelivered  bool
	Timestamp    time.Time
	AckFunc      func()
	NakFunc      func()
}

// Ack acknowledges the delivery. Safe on a RawEvent without callbacks.
func (r RawEvent) Ack() {
	if r.AckFunc != nil {
		r.AckFunc()
	}
}

// Nak asks for redelivery.
func (r RawEvent) Nak() {
	if r.NakFunc != nil {
		r.NakFunc()
	}
}

// Sink receives deliveries. It blocks when the pipeline is saturated, which
// in turn throttles the consumer.
type Sink func(ctx context.Context, raw RawEvent) error

// SubjectConfig binds a durable consumer to a subject filter.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
	Sink         Sink
}

// Stream names.
const (
	StreamTransfer     = "CL_TRANSFER"
	StreamPosition     = "CL_POSITION"
	StreamNotification = "CL_NOTIFICATION"
)

// DefaultSubjects returns the consumer configuration for the transfer and
// position topics.
func DefaultSubjects(transfer, position Sink) []SubjectConfig {
	return []SubjectConfig{
		{Subject: "cl.transfer.>", ConsumerName: "ledger-transfer", StreamName: StreamTransfer, Sink: transfer},
		{Subject: "cl.position.>", ConsumerName: "ledger-position", StreamName: StreamPosition, Sink: position},
	}
}

func NewNATSSubscriber(js jetstream.JetStream) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		sequences: core.NewSequenceTracker(),
		logger:    observability.NewLogger("nats-subscriber"),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		cfg := cfg
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Key:       msg.Headers().Get(HeaderPartitionKey),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}
			if meta, err := msg.Metadata(); err == nil {
				raw.Sequence = meta.Sequence.Stream
				raw.NumDelivered = meta.NumDelivered
				raw.Redelivered = ns.sequences.Observe(cfg.ConsumerName, raw.Sequence, raw.NumDelivered)
			}
			if raw.Redelivered {
				ns.logger.Debug().
					Str("consumer", cfg.ConsumerName).
					Uint64("seq", raw.Sequence).
					Uint64("delivered", raw.NumDelivered).
					Msg("redelivery")
			}

			if err := cfg.Sink(ctx, raw); err != nil {
				ns.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("sink refused message")
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the topic streams if they don't exist. Streams use
// FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	logger := observability.NewLogger("nats-subscriber")
	streams := []jetstream.StreamConfig{
		{Name: StreamTransfer, Subjects: []string{"cl.transfer.>"}},
		{Name: StreamPosition, Subjects: []string{"cl.position.>"}},
		{Name: StreamNotification, Subjects: []string{"cl.notification.>"}},
	}

	for _, cfg := range streams {
		cfg.Storage = jetstream.FileStorage
		cfg.Retention = jetstream.LimitsPolicy
		cfg.MaxAge = 72 * time.Hour
		cfg.Replicas = 1
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Redeliveries returns how many redeliveries a consumer has seen since
// start.
func (ns *NATSSubscriber) Redeliveries(consumer string) int64 {
	return ns.sequences.Redeliveries(consumer)
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
