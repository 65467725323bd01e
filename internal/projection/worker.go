package projection

import (
	"context"
	"fmt"
	"time"

	"CentralLedger/internal/ingestion"
	"CentralLedger/internal/observability"
	"CentralLedger/internal/persistence"

	"github.com/rs/zerolog"
)

// OutboxSource is the outbox table as the relay sees it.
type OutboxSource interface {
	FetchPending(ctx context.Context, limit int) ([]persistence.OutboxMessage, error)
	MarkPublished(ctx context.Context, ids []int64) error
	CountPending(ctx context.Context) (int64, error)
}

// OutboxRelay copies notifications written by the bin flusher from the
// outbox table to the transport, in insertion order. A message is marked
// published only after the transport accepted it, so a crash between the
// two steps sends it again. Run one relay per database.
type OutboxRelay struct {
	source       OutboxSource
	pub          ingestion.MessagePublisher
	transport    string
	pollInterval time.Duration
	batchSize    int
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewOutboxRelay(source OutboxSource, pub ingestion.MessagePublisher, transport string, pollInterval time.Duration, batchSize int, metrics *observability.Metrics) *OutboxRelay {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	return &OutboxRelay{
		source:       source,
		pub:          pub,
		transport:    transport,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		metrics:      metrics,
		logger:       observability.NewLogger("outbox-relay"),
	}
}

// Run polls the outbox until ctx is cancelled. A full batch is followed
// immediately by the next one.
func (r *OutboxRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for {
			n, err := r.RelayOnce(ctx)
			if err != nil {
				// Retried on the next tick from the first unpublished row.
				r.logger.Warn().Err(err).Msg("outbox relay failed")
				break
			}
			if n < r.batchSize {
				break
			}
		}
		r.updatePending(ctx)
	}
}

// RelayOnce publishes one batch and returns how many messages were
// relayed. Publishing stops at the first failure so that later messages
// never overtake it.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	msgs, err := r.source.FetchPending(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	published := make([]int64, 0, len(msgs))
	var pubErr error
	for _, m := range msgs {
		if err := r.pub.Publish(ctx, m.Subject, m.Key, m.Payload); err != nil {
			pubErr = fmt.Errorf("relay outbox %d to %s: %w", m.ID, m.Subject, err)
			r.count("error")
			break
		}
		r.count("ok")
		published = append(published, m.ID)
	}

	if err := r.source.MarkPublished(ctx, published); err != nil {
		return 0, err
	}
	return len(published), pubErr
}

func (r *OutboxRelay) updatePending(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	n, err := r.source.CountPending(ctx)
	if err != nil {
		return
	}
	r.metrics.OutboxPending.Set(float64(n))
}

func (r *OutboxRelay) count(status string) {
	if r.metrics != nil {
		r.metrics.Published.WithLabelValues(r.transport, status).Inc()
	}
}
