package pipeline

import (
	"context"
	"strconv"
	"time"

	"CentralLedger/internal/core"
	"CentralLedger/internal/ingestion"
	"CentralLedger/internal/ledger"
	"CentralLedger/internal/observability"
	"CentralLedger/internal/persistence"
	"CentralLedger/internal/state"

	"github.com/rs/zerolog"
)

// SnapshotSource loads the stored state a batch is processed against.
type SnapshotSource interface {
	Load(ctx context.Context, ids map[state.Kind][]string) (persistence.BinSnapshot, error)
}

// AccountSnapshotter returns the limit and settlement data of accounts.
type AccountSnapshotter interface {
	AccountSnapshots(ctx context.Context, ids []int64) (map[int64]ledger.AccountSnapshot, error)
}

// BinStore persists bin results.
type BinStore interface {
	Flush(ctx context.Context, res core.BinResult, outbox []persistence.OutboxMessage) error
}

// PositionWorkerConfig tunes batching.
type PositionWorkerConfig struct {
	Hub          string
	BatchSize    int
	BatchTimeout time.Duration
	// Outbox stores notifications with the bin and leaves publishing to the
	// outbox relay.
	Outbox bool
}

// PositionWorker owns one position-topic partition. It collects deliveries
// into a batch, splits the batch into one bin per account, runs the bins in
// order against one snapshot, persists everything in one transaction and
// then publishes the notifications.
type PositionWorker struct {
	partition string
	input     <-chan ingestion.RawEvent
	processor *core.BinProcessor
	snapshots SnapshotSource
	accounts  AccountSnapshotter
	store     BinStore
	outbound  chan<- ingestion.OutboundBatch
	cfg       PositionWorkerConfig
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewPositionWorker(partition int, input <-chan ingestion.RawEvent, processor *core.BinProcessor,
	snapshots SnapshotSource, accounts AccountSnapshotter, store BinStore,
	outbound chan<- ingestion.OutboundBatch, cfg PositionWorkerConfig, metrics *observability.Metrics) *PositionWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	p := strconv.Itoa(partition)
	return &PositionWorker{
		partition: p,
		input:     input,
		processor: processor,
		snapshots: snapshots,
		accounts:  accounts,
		store:     store,
		outbound:  outbound,
		cfg:       cfg,
		metrics:   metrics,
		logger:    observability.NewLogger("position-worker").With().Str("partition", p).Logger(),
	}
}

// Run batches deliveries and processes a batch when it is full or the
// batch timeout expires.
func (w *PositionWorker) Run(ctx context.Context) error {
	batch := make([]ingestion.RawEvent, 0, w.cfg.BatchSize)

	timer := time.NewTimer(w.cfg.BatchTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			nakAll(batch)
			return ctx.Err()

		case raw, ok := <-w.input:
			if !ok {
				if len(batch) > 0 {
					w.ProcessBatch(context.Background(), batch)
				}
				return nil
			}
			batch = append(batch, raw)
			if len(batch) >= w.cfg.BatchSize {
				w.ProcessBatch(ctx, batch)
				batch = make([]ingestion.RawEvent, 0, w.cfg.BatchSize)
				timer.Reset(w.cfg.BatchTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				w.ProcessBatch(ctx, batch)
				batch = make([]ingestion.RawEvent, 0, w.cfg.BatchSize)
			}
			timer.Reset(w.cfg.BatchTimeout)
		}
	}
}

// ProcessBatch runs one batch of deliveries end to end. Every delivery is
// acknowledged or negatively acknowledged exactly once.
func (w *PositionWorker) ProcessBatch(ctx context.Context, batch []ingestion.RawEvent) {
	bins, raws := w.bins(batch)
	if len(raws) == 0 {
		return
	}

	ids := map[state.Kind][]string{}
	for _, bin := range bins {
		for _, item := range bin.Items {
			if item.Err == nil {
				kind := item.Action.Kind()
				ids[kind] = append(ids[kind], item.Message.Key())
			}
		}
	}
	snap, err := w.snapshots.Load(ctx, ids)
	if err != nil {
		w.logger.Error().Err(err).Int("messages", len(raws)).Msg("snapshot load failed, requesting redelivery")
		nakAll(raws)
		return
	}

	accountSet := map[int64]struct{}{}
	for b := range bins {
		for i := range bins[b].Items {
			item := &bins[b].Items[i]
			if item.Err != nil {
				continue
			}
			item.Legs = snap.LegsFor(item.Action.Kind(), item.Message.Key())
			if item.Legs != nil {
				accountSet[item.Legs.Payer.ParticipantCurrencyID] = struct{}{}
				accountSet[item.Legs.Payee.ParticipantCurrencyID] = struct{}{}
			}
		}
	}
	accountIDs := make([]int64, 0, len(accountSet))
	for id := range accountSet {
		accountIDs = append(accountIDs, id)
	}
	accounts, err := w.accounts.AccountSnapshots(ctx, accountIDs)
	if err != nil {
		w.logger.Error().Err(err).Msg("account snapshot load failed, requesting redelivery")
		nakAll(raws)
		return
	}

	res := w.process(bins, accounts, snap.Accumulator)
	w.report(res, accounts)

	out := make([]ingestion.OutboundMessage, 0, len(res.Notifications))
	for _, n := range res.Notifications {
		out = append(out, ingestion.OutboundMessage{
			Subject: ingestion.Subject(ingestion.TopicNotification, string(n.Message.Metadata.Event.Action)),
			Key:     n.Message.To,
			Message: n.Message,
		})
	}

	var outbox []persistence.OutboxMessage
	if w.cfg.Outbox {
		outbox = make([]persistence.OutboxMessage, 0, len(out))
		for _, m := range out {
			data, err := m.Encode()
			if err != nil {
				w.logger.Error().Err(err).Str("id", m.Message.Key()).Msg("dropping unencodable notification")
				continue
			}
			outbox = append(outbox, persistence.OutboxMessage{Subject: m.Subject, Key: m.Key, Payload: data})
		}
	}

	if err := w.store.Flush(ctx, res, outbox); err != nil {
		w.logger.Error().Err(err).Int("state_changes", len(res.StateChanges)).Msg("bin flush failed, requesting redelivery")
		nakAll(raws)
		return
	}

	if w.cfg.Outbox {
		ackAll(raws)
		return
	}
	select {
	case w.outbound <- ingestion.OutboundBatch{Messages: out, Ack: func() { ackAll(raws) }, Nak: func() { nakAll(raws) }}:
	case <-ctx.Done():
		nakAll(raws)
	}
}

// bins decodes the batch and groups it into one bin per partition key, in
// order of first appearance. Deliveries that cannot be decoded far enough to
// answer are acknowledged and dropped; the rest are returned for
// acknowledgement with the batch.
func (w *PositionWorker) bins(batch []ingestion.RawEvent) ([]core.Bin, []ingestion.RawEvent) {
	var (
		bins  []core.Bin
		raws  = make([]ingestion.RawEvent, 0, len(batch))
		index = map[string]int{}
	)
	for _, raw := range batch {
		if raw.NumDelivered > 1 && w.metrics != nil {
			w.metrics.Redeliveries.WithLabelValues("position-" + w.partition).Inc()
		}
		if w.metrics != nil {
			w.metrics.MessagesConsumed.WithLabelValues(ingestion.TopicPosition, ingestion.ActionFromSubject(raw.Subject)).Inc()
		}

		msg, err := ingestion.ParseRawEvent(raw)
		if msg == nil {
			w.logger.Error().Err(err).Str("subject", raw.Subject).Uint64("seq", raw.Sequence).Msg("dropping undecodable delivery")
			raw.Ack()
			continue
		}
		raws = append(raws, raw)

		b, ok := index[raw.Key]
		if !ok {
			account, _ := strconv.ParseInt(raw.Key, 10, 64)
			bins = append(bins, core.Bin{AccountID: account})
			b = len(bins) - 1
			index[raw.Key] = b
		}
		bins[b].Items = append(bins[b].Items, core.BinItem{
			Message: msg,
			Action:  msg.Metadata.Event.Action,
			Err:     err,
		})
	}
	return bins, raws
}

// process runs the bins in order, each one against the state the previous
// one left, and merges their results.
func (w *PositionWorker) process(bins []core.Bin, accounts map[int64]ledger.AccountSnapshot, acc core.Accumulator) core.BinResult {
	merged := core.BinResult{Accumulated: acc}
	for _, bin := range bins {
		bin.Accounts = accounts
		res := w.processor.Process(bin, merged.Accumulated)
		merged.Accumulated = res.Accumulated
		merged.StateChanges = append(merged.StateChanges, res.StateChanges...)
		merged.PositionChanges = append(merged.PositionChanges, res.PositionChanges...)
		merged.Notifications = append(merged.Notifications, res.Notifications...)
		merged.LimitAlarms = append(merged.LimitAlarms, res.LimitAlarms...)
	}
	return merged
}

func (w *PositionWorker) report(res core.BinResult, accounts map[int64]ledger.AccountSnapshot) {
	if w.metrics != nil {
		for _, c := range res.StateChanges {
			w.metrics.StateChanges.WithLabelValues(c.Kind.String(), c.State.String()).Inc()
		}
	}
	for _, limit := range res.LimitAlarms {
		snap := accounts[limit.ParticipantCurrencyID]
		w.logger.Warn().
			Int64("account", limit.ParticipantCurrencyID).
			Str("participant", snap.Account.ParticipantName).
			Str("currency", snap.Account.Currency).
			Str("limit", limit.Value.String()).
			Str("alarm_percentage", limit.ThresholdAlarmPercentage.String()).
			Msg("position crossed limit alarm threshold")
		if w.metrics != nil {
			w.metrics.LimitAlarms.WithLabelValues(snap.Account.Currency).Inc()
		}
	}
}

func ackAll(raws []ingestion.RawEvent) {
	for _, r := range raws {
		r.Ack()
	}
}

func nakAll(raws []ingestion.RawEvent) {
	for _, r := range raws {
		r.Nak()
	}
}
