package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CentralLedger/internal/event"
	"CentralLedger/internal/fspiop"
	"CentralLedger/internal/ledger"
	"CentralLedger/internal/observability"
	"CentralLedger/internal/persistence"
	"CentralLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Action names an administrative fund movement.
type Action string

const (
	ActionRecordFundsIn                Action = "recordFundsIn"
	ActionRecordFundsOutPrepareReserve Action = "recordFundsOutPrepareReserve"
	ActionRecordFundsOutCommit         Action = "recordFundsOutCommit"
	ActionRecordFundsOutAbort          Action = "recordFundsOutAbort"
)

// ReasonInsufficientFunds is recorded when a funds-out reservation would
// leave the settlement account overdrawn.
const ReasonInsufficientFunds = "Aborted due to insufficient funds"

const externalReferenceKey = "externalReference"

// FundsMovement opens a funds-in or funds-out transfer for a participant's
// settlement account.
type FundsMovement struct {
	TransferID        string
	Participant       string
	Amount            event.Money
	ExternalReference string
	Reason            string
	Extensions        []event.Extension
}

// Completion settles or reverses a reserved funds-out transfer.
type Completion struct {
	TransferID        string
	Reason            string
	ExternalReference string
}

// Result is the outcome of one reconciliation call.
type Result struct {
	TransferID         string
	State              state.TransferState
	SettlementAccount  int64
	SettlementPosition decimal.Decimal
}

// Transfer is the row set written when a reconciliation transfer opens.
type Transfer struct {
	ID         string
	Amount     event.Money
	Expiration time.Time
	Hub        ledger.Leg
	Settlement ledger.Leg
	Extensions []event.Extension
}

// Tx is the unit of work a reconciliation step runs in. Reads lock the rows
// they return.
type Tx interface {
	ResolveAccount(ctx context.Context, participant, currency string, accountType ledger.LedgerAccountType) (ledger.ParticipantCurrency, error)
	CurrentState(ctx context.Context, transferID string) (state.TransferState, error)
	InsertTransfer(ctx context.Context, t Transfer) error
	Legs(ctx context.Context, transferID string) (hub, settlement ledger.Leg, err error)
	InsertStateChange(ctx context.Context, transferID string, st state.TransferState, reason string) (int64, error)
	ApplyPosition(ctx context.Context, accountID int64, delta decimal.Decimal, stateChangeID int64) (decimal.Decimal, error)
	InsertFulfilment(ctx context.Context, transferID string, completed time.Time) error
	InsertExtensions(ctx context.Context, transferID string, exts []event.Extension) error
}

// Store runs fn in one transaction, committing on nil and rolling back
// otherwise.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Invalidator drops cached liquidity snapshots after a settlement position
// moves.
type Invalidator interface {
	InvalidateAccounts(ctx context.Context, ids ...int64)
}

// Config holds the reconciliation settings.
type Config struct {
	Hub              string
	TransferValidity time.Duration
}

// Service records manual fund movements against participant settlement
// accounts. Each call is one database transaction that re-reads the
// latest transfer state and applies the same transition rules as the
// transfer pipeline.
type Service struct {
	store    Store
	cache    Invalidator
	hub      string
	validity time.Duration
	now      func() time.Time
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewService(store Store, cache Invalidator, cfg Config, metrics *observability.Metrics) *Service {
	if cfg.TransferValidity <= 0 {
		cfg.TransferValidity = 12 * time.Hour
	}
	return &Service{
		store:    store,
		cache:    cache,
		hub:      cfg.Hub,
		validity: cfg.TransferValidity,
		now:      time.Now,
		metrics:  metrics,
		logger:   observability.NewLogger("reconciliation"),
	}
}

// RecordFundsIn credits a participant's settlement account. The transfer
// is prepared, reserved and committed in one transaction.
func (s *Service) RecordFundsIn(ctx context.Context, req FundsMovement) (*Result, error) {
	var res *Result
	err := s.run(ctx, ActionRecordFundsIn, req.TransferID, func(ctx context.Context, tx Tx) error {
		l, err := s.prepare(ctx, tx, req, true)
		if err != nil {
			return err
		}
		if _, err := s.reserve(ctx, tx, req.TransferID, l, req.Reason); err != nil {
			return err
		}
		res, err = s.commit(ctx, tx, req.TransferID, l, req.Reason)
		return err
	})
	return res, err
}

// RecordFundsOutPrepareReserve opens a funds-out transfer and reserves the
// amount against the settlement account. A reservation that would leave
// the account without funds is aborted in the same transaction.
func (s *Service) RecordFundsOutPrepareReserve(ctx context.Context, req FundsMovement) (*Result, error) {
	var res *Result
	err := s.run(ctx, ActionRecordFundsOutPrepareReserve, req.TransferID, func(ctx context.Context, tx Tx) error {
		l, err := s.prepare(ctx, tx, req, false)
		if err != nil {
			return err
		}
		res, err = s.reserve(ctx, tx, req.TransferID, l, req.Reason)
		if err != nil {
			return err
		}
		if res.SettlementPosition.IsPositive() {
			res, err = s.abort(ctx, tx, req.TransferID, l, ReasonInsufficientFunds)
		}
		return err
	})
	return res, err
}

// RecordFundsOutCommit settles a reserved funds-out transfer.
func (s *Service) RecordFundsOutCommit(ctx context.Context, req Completion) (*Result, error) {
	var res *Result
	err := s.run(ctx, ActionRecordFundsOutCommit, req.TransferID, func(ctx context.Context, tx Tx) error {
		l, err := s.reserved(ctx, tx, req.TransferID, state.ActionFulfil)
		if err != nil {
			return err
		}
		if err := s.reference(ctx, tx, req.TransferID, req.ExternalReference); err != nil {
			return err
		}
		res, err = s.commit(ctx, tx, req.TransferID, l, req.Reason)
		return err
	})
	return res, err
}

// RecordFundsOutAbort releases a reserved funds-out transfer.
func (s *Service) RecordFundsOutAbort(ctx context.Context, req Completion) (*Result, error) {
	var res *Result
	err := s.run(ctx, ActionRecordFundsOutAbort, req.TransferID, func(ctx context.Context, tx Tx) error {
		l, err := s.reserved(ctx, tx, req.TransferID, state.ActionReject)
		if err != nil {
			return err
		}
		if err := s.reference(ctx, tx, req.TransferID, req.ExternalReference); err != nil {
			return err
		}
		res, err = s.abort(ctx, tx, req.TransferID, l, req.Reason)
		return err
	})
	return res, err
}

// run executes fn in a transaction and handles metrics, logging and cache
// invalidation for the call.
func (s *Service) run(ctx context.Context, action Action, id string, fn func(ctx context.Context, tx Tx) error) error {
	var position int64
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		position = 0
		if _, err := uuid.Parse(id); err != nil {
			return &fspiop.ValidationError{Reasons: []string{"transferId must be a UUID"}}
		}
		tracked := &trackingTx{Tx: tx}
		if err := fn(ctx, tracked); err != nil {
			return err
		}
		// Liquidity snapshots are cached under the participant's position
		// account.
		acc, err := tx.ResolveAccount(ctx, tracked.participant, tracked.currency, ledger.AccountPosition)
		switch {
		case err == nil:
			position = acc.ID
		case !errors.Is(err, persistence.ErrNotFound):
			return fspiop.Infra("resolve position account", err)
		}
		return nil
	})

	status := "success"
	if err != nil {
		status = "failure"
		s.logger.Warn().Err(err).Str("action", string(action)).Str("transfer_id", id).Msg("reconciliation failed")
	} else {
		s.logger.Info().Str("action", string(action)).Str("transfer_id", id).Msg("reconciliation recorded")
	}
	if s.metrics != nil {
		s.metrics.ReconciliationRequests.WithLabelValues(string(action), status).Inc()
	}
	if err == nil && s.cache != nil && position != 0 {
		s.cache.InvalidateAccounts(ctx, position)
	}
	return err
}

func (s *Service) prepare(ctx context.Context, tx Tx, req FundsMovement, fundsIn bool) (legs, error) {
	if reasons := checkMovement(req); len(reasons) > 0 {
		return legs{}, &fspiop.ValidationError{Reasons: reasons}
	}
	current, err := tx.CurrentState(ctx, req.TransferID)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return legs{}, fspiop.Infra("load transfer state", err)
	}
	next, err := state.Decide(state.KindTransfer, state.ActionPrepare, req.TransferID, current)
	if err != nil {
		return legs{}, err
	}

	currency := req.Amount.Currency
	hubAcc, err := s.account(ctx, tx, s.hub, currency, ledger.AccountHubReconciliation)
	if err != nil {
		return legs{}, err
	}
	dfspAcc, err := s.account(ctx, tx, req.Participant, currency, ledger.AccountSettlement)
	if err != nil {
		return legs{}, err
	}

	// The hub account carries the amount with the sign of the movement and
	// the settlement account the opposite.
	amount := req.Amount.Amount
	if !fundsIn {
		amount = amount.Neg()
	}
	l := legs{
		hub:        ledger.Leg{ParticipantCurrencyID: hubAcc.ID, ParticipantName: s.hub, Currency: currency, Amount: amount, IsPayer: fundsIn},
		settlement: ledger.Leg{ParticipantCurrencyID: dfspAcc.ID, ParticipantName: req.Participant, Currency: currency, Amount: amount.Neg(), IsPayer: !fundsIn},
	}

	exts := append([]event.Extension{{Key: externalReferenceKey, Value: req.ExternalReference}}, req.Extensions...)
	if err := tx.InsertTransfer(ctx, Transfer{
		ID:         req.TransferID,
		Amount:     req.Amount,
		Expiration: s.now().Add(s.validity),
		Hub:        l.hub,
		Settlement: l.settlement,
		Extensions: exts,
	}); err != nil {
		if errors.Is(err, ErrTransferExists) {
			return legs{}, &fspiop.DuplicateConflictError{ID: req.TransferID}
		}
		return legs{}, fspiop.Infra("insert reconciliation transfer", err)
	}
	if _, err := tx.InsertStateChange(ctx, req.TransferID, next, req.Reason); err != nil {
		return legs{}, fspiop.Infra("insert state change", err)
	}
	return l, nil
}

// reserve moves the debtor leg's position by its amount.
func (s *Service) reserve(ctx context.Context, tx Tx, id string, l legs, reason string) (*Result, error) {
	next, err := state.Decide(state.KindTransfer, state.ActionPositionPrepare, id, state.StateReceivedPrepare)
	if err != nil {
		return nil, err
	}
	changeID, err := tx.InsertStateChange(ctx, id, next, reason)
	if err != nil {
		return nil, fspiop.Infra("insert state change", err)
	}
	debtor := l.debtor()
	pos, err := tx.ApplyPosition(ctx, debtor.ParticipantCurrencyID, debtor.Amount, changeID)
	if err != nil {
		return nil, fspiop.Infra("apply position", err)
	}
	return &Result{TransferID: id, State: next, SettlementAccount: l.settlement.ParticipantCurrencyID, SettlementPosition: settlementPosition(l, debtor, pos)}, nil
}

// commit records the fulfilment and moves the creditor leg's position.
func (s *Service) commit(ctx context.Context, tx Tx, id string, l legs, reason string) (*Result, error) {
	fulfilled, err := state.Decide(state.KindTransfer, state.ActionFulfil, id, state.StateReserved)
	if err != nil {
		return nil, err
	}
	committed, err := state.Decide(state.KindTransfer, state.ActionPositionCommit, id, fulfilled)
	if err != nil {
		return nil, err
	}
	if err := tx.InsertFulfilment(ctx, id, s.now()); err != nil {
		return nil, fspiop.Infra("insert fulfilment", err)
	}
	if _, err := tx.InsertStateChange(ctx, id, fulfilled, reason); err != nil {
		return nil, fspiop.Infra("insert state change", err)
	}
	changeID, err := tx.InsertStateChange(ctx, id, committed, reason)
	if err != nil {
		return nil, fspiop.Infra("insert state change", err)
	}
	creditor := l.creditor()
	pos, err := tx.ApplyPosition(ctx, creditor.ParticipantCurrencyID, creditor.Amount, changeID)
	if err != nil {
		return nil, fspiop.Infra("apply position", err)
	}
	return &Result{TransferID: id, State: committed, SettlementAccount: l.settlement.ParticipantCurrencyID, SettlementPosition: settlementPosition(l, creditor, pos)}, nil
}

// abort reverses the debtor leg's reservation.
func (s *Service) abort(ctx context.Context, tx Tx, id string, l legs, reason string) (*Result, error) {
	rejected, err := state.Decide(state.KindTransfer, state.ActionReject, id, state.StateReserved)
	if err != nil {
		return nil, err
	}
	aborted, err := state.Decide(state.KindTransfer, state.ActionPositionAbort, id, rejected)
	if err != nil {
		return nil, err
	}
	if _, err := tx.InsertStateChange(ctx, id, rejected, reason); err != nil {
		return nil, fspiop.Infra("insert state change", err)
	}
	changeID, err := tx.InsertStateChange(ctx, id, aborted, reason)
	if err != nil {
		return nil, fspiop.Infra("insert state change", err)
	}
	debtor := l.debtor()
	pos, err := tx.ApplyPosition(ctx, debtor.ParticipantCurrencyID, debtor.Amount.Neg(), changeID)
	if err != nil {
		return nil, fspiop.Infra("apply position", err)
	}
	return &Result{TransferID: id, State: aborted, SettlementAccount: l.settlement.ParticipantCurrencyID, SettlementPosition: settlementPosition(l, debtor, pos)}, nil
}

// reserved loads a funds-out transfer that action may move out of
// RESERVED.
func (s *Service) reserved(ctx context.Context, tx Tx, id string, action state.Action) (legs, error) {
	current, err := tx.CurrentState(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return legs{}, &fspiop.ValidationError{Reasons: []string{fmt.Sprintf("transfer %s not found", id)}}
	}
	if err != nil {
		return legs{}, fspiop.Infra("load transfer state", err)
	}
	if _, err := state.Decide(state.KindTransfer, action, id, current); err != nil {
		return legs{}, err
	}
	hub, settlement, err := tx.Legs(ctx, id)
	if err != nil {
		return legs{}, fspiop.Infra("load legs", err)
	}
	l := legs{hub: hub, settlement: settlement}
	if !l.settlement.IsPayer {
		return legs{}, &fspiop.ValidationError{Reasons: []string{fmt.Sprintf("transfer %s is not a funds-out transfer", id)}}
	}
	return l, nil
}

func (s *Service) reference(ctx context.Context, tx Tx, id, ref string) error {
	if ref == "" {
		return nil
	}
	if err := tx.InsertExtensions(ctx, id, []event.Extension{{Key: externalReferenceKey, Value: ref}}); err != nil {
		return fspiop.Infra("insert extension", err)
	}
	return nil
}

func (s *Service) account(ctx context.Context, tx Tx, participant, currency string, t ledger.LedgerAccountType) (ledger.ParticipantCurrency, error) {
	acc, err := tx.ResolveAccount(ctx, participant, currency, t)
	if errors.Is(err, persistence.ErrNotFound) {
		return acc, &fspiop.ValidationError{Reasons: []string{fmt.Sprintf("%s has no %s account in %s", participant, t, currency)}}
	}
	if err != nil {
		return acc, fspiop.Infra("resolve account", err)
	}
	if !acc.IsActive {
		return acc, &fspiop.ValidationError{Reasons: []string{fmt.Sprintf("%s %s account in %s is inactive", participant, t, currency)}}
	}
	return acc, nil
}

func checkMovement(req FundsMovement) []string {
	var reasons []string
	if req.Participant == "" {
		reasons = append(reasons, "participant is required")
	}
	if len(req.Amount.Currency) != 3 {
		reasons = append(reasons, "amount.currency must be an ISO 4217 code")
	}
	if !req.Amount.Amount.IsPositive() {
		reasons = append(reasons, "amount must be positive")
	}
	if !req.Amount.Amount.Equal(req.Amount.Amount.Round(4)) {
		reasons = append(reasons, "amount has more than 4 decimal places")
	}
	if req.ExternalReference == "" {
		reasons = append(reasons, "externalReference is required")
	}
	return reasons
}

// legs of a reconciliation transfer. The debtor is the leg recorded with a
// positive amount.
type legs struct {
	hub        ledger.Leg
	settlement ledger.Leg
}

func (l legs) debtor() ledger.Leg {
	if l.hub.IsPayer {
		return l.hub
	}
	return l.settlement
}

func (l legs) creditor() ledger.Leg {
	if l.hub.IsPayer {
		return l.settlement
	}
	return l.hub
}

// settlementPosition reports the settlement account's position when moved
// is the settlement leg. Otherwise it is zero and callers should not read
// it.
func settlementPosition(l legs, moved ledger.Leg, pos decimal.Decimal) decimal.Decimal {
	if moved.ParticipantCurrencyID == l.settlement.ParticipantCurrencyID {
		return pos
	}
	return decimal.Zero
}

// trackingTx remembers whose settlement account moved so the cached
// snapshot can be dropped once the transaction commits.
type trackingTx struct {
	Tx
	participant string
	currency    string
}

func (t *trackingTx) Legs(ctx context.Context, id string) (ledger.Leg, ledger.Leg, error) {
	hub, settlement, err := t.Tx.Legs(ctx, id)
	if err == nil {
		t.participant, t.currency = settlement.ParticipantName, settlement.Currency
	}
	return hub, settlement, err
}

func (t *trackingTx) InsertTransfer(ctx context.Context, tr Transfer) error {
	err := t.Tx.InsertTransfer(ctx, tr)
	if err == nil {
		t.participant, t.currency = tr.Settlement.ParticipantName, tr.Settlement.Currency
	}
	return err
}
