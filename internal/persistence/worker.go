package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"CentralLedger/internal/core"
	"CentralLedger/internal/observability"

	"github.com/rs/zerolog"
)

// BinFlusher persists bin results, one transaction per bin. A failed
// transaction is retried with exponential backoff; once the attempts are
// exhausted the caller leaves the bin unacknowledged so the log redelivers
// it.
type BinFlusher struct {
	db          *sql.DB
	writer      *BinWriter
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
	metrics     *observability.Metrics
	logger      zerolog.Logger
}

func NewBinFlusher(db *sql.DB, writer *BinWriter, maxAttempts int, metrics *observability.Metrics) *BinFlusher {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &BinFlusher{
		db:          db,
		writer:      writer,
		maxAttempts: maxAttempts,
		backoff:     100 * time.Millisecond,
		maxBackoff:  5 * time.Second,
		metrics:     metrics,
		logger:      observability.NewLogger("bin-flusher"),
	}
}

// Flush writes res and outbox rows atomically.
func (f *BinFlusher) Flush(ctx context.Context, res core.BinResult, outbox []OutboxMessage) error {
	if len(res.StateChanges) == 0 && len(res.PositionChanges) == 0 && len(outbox) == 0 {
		return nil
	}

	backoff := f.backoff
	var lastErr error
	for attempt := 0; attempt < f.maxAttempts; attempt++ {
		if attempt > 0 {
			f.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("state_changes", len(res.StateChanges)).
				Err(lastErr).
				Msg("retrying bin flush")
			if f.metrics != nil {
				f.metrics.FlushRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > f.maxBackoff {
				backoff = f.maxBackoff
			}
		}

		lastErr = f.flush(ctx, res, outbox)
		if lastErr == nil {
			if attempt > 0 {
				f.logger.Info().Int("retries", attempt).Msg("bin flush succeeded after retries")
			}
			return nil
		}
	}
	return fmt.Errorf("flush bin after %d attempts: %w", f.maxAttempts, lastErr)
}

func (f *BinFlusher) flush(ctx context.Context, res core.BinResult, outbox []OutboxMessage) error {
	start := time.Now()

	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		f.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	counts, err := f.writer.WriteBin(ctx, tx, res, outbox)
	if err != nil {
		f.countError("write_bin")
		return err
	}

	if err := tx.Commit(); err != nil {
		f.countError("tx_commit")
		return err
	}

	if f.metrics != nil {
		f.metrics.FlushDuration.Observe(time.Since(start).Seconds())
		f.metrics.StateChangesWritten.Add(float64(counts.StateChanges))
		f.metrics.PositionChangesWritten.Add(float64(counts.PositionChanges))
	}
	return nil
}

func (f *BinFlusher) countError(stage string) {
	if f.metrics != nil {
		f.metrics.FlushErrors.WithLabelValues(stage).Inc()
	}
}
