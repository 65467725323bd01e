package timeout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"CentralLedger/internal/ingestion"
	"CentralLedger/internal/ledger"
	"CentralLedger/internal/observability"
	"CentralLedger/internal/persistence"
	"CentralLedger/internal/state"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const reasonExpired = "transfer expired"

// Store is the part of the transfer store the sweeper needs.
type Store interface {
	ListExpired(ctx context.Context, kind state.Kind, now time.Time, limit int) ([]persistence.ExpiredTransfer, error)
	MarkExpired(ctx context.Context, kind state.Kind, id string, from, to state.TransferState, reason string) (bool, error)
	GetLegs(ctx context.Context, kind state.Kind, ids []string) (map[string]ledger.Legs, error)
}

// Injector publishes timeout events onto the position topic.
type Injector interface {
	TimeoutEvent(kind state.Kind, id, payerFsp string, payerAccount int64) (ingestion.OutboundMessage, error)
	Inject(ctx context.Context, m ingestion.OutboundMessage) error
}

type Config struct {
	// Schedule is a cron spec with a seconds field, e.g. "*/10 * * * * *".
	Schedule  string
	BatchSize int
	// RetryAfter is how long past expiration a transfer may stay
	// RESERVED_TIMEOUT before its timeout event is injected again.
	RetryAfter time.Duration
}

// Summary counts what one sweep did.
type Summary struct {
	ExpiredPrepared int
	ReservedTimeout int
	Injected        int
	Failed          int
}

// Sweeper finds in-flight transfers past their expiration. Transfers that
// never reached the position stage are expired directly. Reserved ones are
// marked RESERVED_TIMEOUT and handed to the position workers through a
// timeout-reserved event so the reservation is released in order with the
// account's other traffic.
type Sweeper struct {
	store      Store
	injector   Injector
	schedule   string
	batchSize  int
	retryAfter time.Duration
	now        func() time.Time
	mu         sync.Mutex
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

func NewSweeper(store Store, injector Injector, cfg Config, metrics *observability.Metrics) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "*/10 * * * * *"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = time.Minute
	}
	return &Sweeper{
		store:      store,
		injector:   injector,
		schedule:   cfg.Schedule,
		batchSize:  cfg.BatchSize,
		retryAfter: cfg.RetryAfter,
		now:        time.Now,
		metrics:    metrics,
		logger:     observability.NewLogger("timeout-sweeper"),
	}
}

// Run schedules sweeps until ctx is cancelled, then waits for a running
// sweep to finish.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger), cron.Recover(cron.PrintfLogger(&s.logger))),
	)
	if _, err := c.AddFunc(s.schedule, func() { s.sweepLogged(ctx) }); err != nil {
		return fmt.Errorf("schedule timeout sweep %q: %w", s.schedule, err)
	}
	s.logger.Info().Str("schedule", s.schedule).Msg("timeout sweeper started")
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info().Msg("timeout sweeper stopped")
	return ctx.Err()
}

func (s *Sweeper) sweepLogged(ctx context.Context) {
	sum, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("timeout sweep failed")
		return
	}
	if sum != (Summary{}) {
		s.logger.Info().
			Int("expired_prepared", sum.ExpiredPrepared).
			Int("reserved_timeout", sum.ReservedTimeout).
			Int("injected", sum.Injected).
			Int("failed", sum.Failed).
			Msg("timeout sweep")
	}
}

// Sweep runs one pass over both transfer kinds. Failures on single
// transfers are counted and left for the next pass.
func (s *Sweeper) Sweep(ctx context.Context) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.TimeoutSweeps.Inc()
	}
	var sum Summary
	now := s.now()
	for _, kind := range []state.Kind{state.KindTransfer, state.KindFxTransfer} {
		expired, err := s.store.ListExpired(ctx, kind, now, s.batchSize)
		if err != nil {
			return sum, fmt.Errorf("list expired: %w", err)
		}
		if len(expired) == 0 {
			continue
		}
		if err := s.sweepKind(ctx, kind, now, expired, &sum); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

func (s *Sweeper) sweepKind(ctx context.Context, kind state.Kind, now time.Time, expired []persistence.ExpiredTransfer, sum *Summary) error {
	var inject []persistence.ExpiredTransfer
	for _, e := range expired {
		switch e.State {
		case state.StateReservedTimeout:
			if now.Sub(e.Expiration) >= s.retryAfter {
				inject = append(inject, e)
			}
		case state.StateReceivedPrepare, state.StateReserved:
			next, err := state.Decide(kind, state.ActionTimeoutSweep, e.ID, e.State)
			if err != nil {
				sum.Failed++
				continue
			}
			marked, err := s.store.MarkExpired(ctx, kind, e.ID, e.State, next, reasonExpired)
			if err != nil {
				s.logger.Warn().Err(err).Str("kind", kind.String()).Str("id", e.ID).Msg("mark expired failed")
				sum.Failed++
				continue
			}
			if !marked {
				continue
			}
			s.count(next)
			if next == state.StateReservedTimeout {
				sum.ReservedTimeout++
				inject = append(inject, e)
			} else {
				sum.ExpiredPrepared++
			}
		}
	}
	if len(inject) == 0 {
		return nil
	}

	ids := make([]string, len(inject))
	for i, e := range inject {
		ids[i] = e.ID
	}
	legs, err := s.store.GetLegs(ctx, kind, ids)
	if err != nil {
		return fmt.Errorf("load legs: %w", err)
	}
	for _, e := range inject {
		l, ok := legs[e.ID]
		if !ok {
			s.logger.Error().Str("kind", kind.String()).Str("id", e.ID).Msg("reserved transfer has no legs")
			sum.Failed++
			continue
		}
		msg, err := s.injector.TimeoutEvent(kind, e.ID, e.PayerFsp, l.Payer.ParticipantCurrencyID)
		if err == nil {
			err = s.injector.Inject(ctx, msg)
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("kind", kind.String()).Str("id", e.ID).Msg("inject timeout failed")
			sum.Failed++
			continue
		}
		sum.Injected++
	}
	return nil
}

func (s *Sweeper) count(st state.TransferState) {
	if s.metrics != nil {
		s.metrics.TimeoutsMarked.WithLabelValues(string(st)).Inc()
	}
}
