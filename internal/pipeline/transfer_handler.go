package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"CentralLedger/internal/core"
	"CentralLedger/internal/event"
	"CentralLedger/internal/fspiop"
	"CentralLedger/internal/ingestion"
	"CentralLedger/internal/ledger"
	"CentralLedger/internal/observability"
	"CentralLedger/internal/persistence"
	"CentralLedger/internal/state"

	"github.com/rs/zerolog"
)

// Deduplicator classifies requests against the ones already seen.
type Deduplicator interface {
	Check(ctx context.Context, kind core.DuplicateKind, id string, payload []byte) (core.DuplicateResult, error)
	Record(ctx context.Context, kind core.DuplicateKind, id, hash string) error
}

// TransferRepository is the part of the transfer store the transfer topic
// writes through.
type TransferRepository interface {
	SavePrepare(ctx context.Context, p *event.TransferPrepare, legs *ledger.Legs, st state.TransferState, reason string) error
	SaveFxPrepare(ctx context.Context, p *event.FxTransferPrepare, legs *ledger.Legs, st state.TransferState, reason string) error
	SaveFulfil(ctx context.Context, kind state.Kind, id, fulfilment string, completed time.Time, st state.TransferState) error
	SaveError(ctx context.Context, kind state.Kind, id string, info fspiop.ErrorInformation, st state.TransferState) error
	InsertStateChanges(ctx context.Context, changes []core.StateChange) error
	GetLegs(ctx context.Context, kind state.Kind, ids []string) (map[string]ledger.Legs, error)
	GetTransfer(ctx context.Context, id string) (*persistence.TransferRecord, error)
	GetFxTransfer(ctx context.Context, id string) (*persistence.FxTransferRecord, error)
}

// TransferHandler runs the transfer-topic half of the lifecycle: it checks
// duplicates, validates, records the participant-facing state and forwards
// the request to the position topic keyed on the account it moves.
type TransferHandler struct {
	hub       string
	dedup     Deduplicator
	repo      TransferRepository
	validator *Validator
	now       func() time.Time
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewTransferHandler(hub string, dedup Deduplicator, repo TransferRepository, accounts AccountResolver, metrics *observability.Metrics) *TransferHandler {
	return &TransferHandler{
		hub:       hub,
		dedup:     dedup,
		repo:      repo,
		validator: NewValidator(accounts),
		now:       func() time.Time { return time.Now().UTC() },
		metrics:   metrics,
		logger:    observability.NewLogger("transfer-handler"),
	}
}

// transferInfo is what the fulfil side needs of a stored transfer of either
// kind.
type transferInfo struct {
	payer      string
	payee      string
	condition  string
	expiration time.Time
	state      state.TransferState
	fulfilment string
	completed  *time.Time
}

// fulfilPayload covers both the transfer and the FX fulfil bodies.
type fulfilPayload struct {
	Fulfilment         string     `json:"fulfilment"`
	CompletedTimestamp *time.Time `json:"completedTimestamp"`
	TransferState      string     `json:"transferState"`
	ConversionState    string     `json:"conversionState"`
}

func (p fulfilPayload) aborted() bool {
	return p.TransferState == "ABORTED" || p.ConversionState == "ABORTED"
}

// resendPlan says how to answer a resend of a step already recorded.
type resendPlan struct {
	answer    event.Action
	pending   state.TransferState
	action    event.Action
	to        string
	payeeSide bool
}

// Handle processes one transfer-topic message and returns what to publish,
// in order. Business failures come back as error notifications; a non-nil
// error is retryable and the delivery must be redelivered.
func (h *TransferHandler) Handle(ctx context.Context, msg *event.Message, redelivered bool) ([]ingestion.OutboundMessage, error) {
	out, err := h.dispatch(ctx, msg, redelivered)
	if err == nil {
		return out, nil
	}
	if fspiop.IsRetryable(err) {
		return nil, err
	}

	info := fspiop.ToErrorInformation(err)
	h.logger.Warn().
		Str("id", msg.Key()).
		Str("action", string(msg.Metadata.Event.Action)).
		Str("code", string(info.ErrorCode)).
		Err(err).
		Msg("transfer request rejected")
	if h.metrics != nil {
		h.metrics.MessagesRejected.WithLabelValues(string(msg.Metadata.Event.Action), string(info.ErrorCode)).Inc()
	}

	n, buildErr := errorNotification(h.hub, msg, msg.From, err)
	if buildErr != nil {
		h.logger.Error().Err(buildErr).Str("id", msg.Key()).Msg("failed to build error notification")
		return out, nil
	}
	return append(out, n), nil
}

func (h *TransferHandler) dispatch(ctx context.Context, msg *event.Message, redelivered bool) ([]ingestion.OutboundMessage, error) {
	action := msg.Metadata.Event.Action
	step, err := action.TransferAction()
	if err != nil {
		return nil, &fspiop.ValidationError{Reasons: []string{err.Error()}}
	}

	switch step {
	case state.ActionPrepare:
		if action.IsFx() {
			return h.fxPrepare(ctx, msg, redelivered)
		}
		return h.prepare(ctx, msg, redelivered)
	case state.ActionFulfil:
		return h.fulfil(ctx, msg, redelivered)
	case state.ActionReject:
		return h.reject(ctx, msg, redelivered)
	default:
		return h.abort(ctx, msg, redelivered)
	}
}

func (h *TransferHandler) prepare(ctx context.Context, msg *event.Message, redelivered bool) ([]ingestion.OutboundMessage, error) {
	raw, err := payloadOf(msg)
	if err != nil {
		return nil, err
	}
	var p event.TransferPrepare
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &fspiop.ValidationError{Reasons: []string{"decode prepare: " + err.Error()}}
	}
	id := msg.Key()

	dup, err := h.dedup.Check(ctx, core.DuplicateTransfer, id, raw)
	if err != nil {
		return nil, err
	}
	switch dup.Classify() {
	case core.DuplicateConflict:
		return nil, &fspiop.DuplicateConflictError{ID: id}
	case core.DuplicateResend:
		out, handled, err := h.prepareResend(ctx, msg, state.KindTransfer, p.PayeeFsp, redelivered)
		if handled || err != nil {
			return out, err
		}
	}

	legs, reasons, err := h.validator.ValidatePrepare(ctx, msg, &p)
	if err != nil {
		return nil, err
	}
	if err := h.dedup.Record(ctx, core.DuplicateTransfer, id, dup.Hash); err != nil {
		return nil, err
	}
	if len(reasons) > 0 {
		verr := &fspiop.ValidationError{Reasons: reasons}
		if storable(id, p.TransferID, p.Amount) {
			if err := h.repo.SavePrepare(ctx, &p, nil, state.StateInvalid, verr.Description()); err != nil {
				return nil, fspiop.Infra("save invalid prepare", err)
			}
			h.countState(state.KindTransfer, state.StateInvalid)
		}
		return nil, verr
	}

	if err := h.repo.SavePrepare(ctx, &p, legs, state.StateReceivedPrepare, ""); err != nil {
		return nil, fspiop.Infra("save prepare", err)
	}
	h.countState(state.KindTransfer, state.StateReceivedPrepare)
	return []ingestion.OutboundMessage{
		forward(msg, msg.Metadata.Event.Action, p.PayeeFsp, legs.Payer.ParticipantCurrencyID),
	}, nil
}

func (h *TransferHandler) fxPrepare(ctx context.Context, msg *event.Message, redelivered bool) ([]ingestion.OutboundMessage, error) {
	raw, err := payloadOf(msg)
	if err != nil {
		return nil, err
	}
	var p event.FxTransferPrepare
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &fspiop.ValidationError{Reasons: []string{"decode fx prepare: " + err.Error()}}
	}
	id := msg.Key()

	dup, err := h.dedup.Check(ctx, core.DuplicateFxTransfer, id, raw)
	if err != nil {
		return nil, err
	}
	switch dup.Classify() {
	case core.DuplicateConflict:
		return nil, &fspiop.DuplicateConflictError{ID: id}
	case core.DuplicateResend:
		out, handled, err := h.prepareResend(ctx, msg, state.KindFxTransfer, p.CounterPartyFsp, redelivered)
		if handled || err != nil {
			return out, err
		}
	}

	legs, reasons, err := h.validator.ValidateFxPrepare(ctx, msg, &p)
	if err != nil {
		return nil, err
	}
	if err := h.dedup.Record(ctx, core.DuplicateFxTransfer, id, dup.Hash); err != nil {
		return nil, err
	}
	if len(reasons) > 0 {
		verr := &fspiop.ValidationError{Reasons: reasons}
		if storable(id, p.CommitRequestID, p.SourceAmount) && storable(id, p.CommitRequestID, p.TargetAmount) {
			if err := h.repo.SaveFxPrepare(ctx, &p, nil, state.StateInvalid, verr.Description()); err != nil {
				return nil, fspiop.Infra("save invalid fx prepare", err)
			}
			h.countState(state.KindFxTransfer, state.StateInvalid)
		}
		return nil, verr
	}

	if err := h.repo.SaveFxPrepare(ctx, &p, legs, state.StateReceivedPrepare, ""); err != nil {
		return nil, fspiop.Infra("save fx prepare", err)
	}
	h.countState(state.KindFxTransfer, state.StateReceivedPrepare)
	return []ingestion.OutboundMessage{
		forward(msg, msg.Metadata.Event.Action, p.CounterPartyFsp, legs.Payer.ParticipantCurrencyID),
	}, nil
}

// prepareResend answers a resent prepare. handled is false when nothing was
// stored for the id yet, in which case the prepare runs as new.
func (h *TransferHandler) prepareResend(ctx context.Context, msg *event.Message, kind state.Kind, payee string, redelivered bool) ([]ingestion.OutboundMessage, bool, error) {
	info, err := h.load(ctx, kind, msg.Key())
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, true, fspiop.Infra("load transfer", err)
	}
	answer := event.ActionPrepareDuplicate
	if kind == state.KindFxTransfer {
		answer = event.ActionFxPrepareDuplicate
	}
	out, err := h.resend(ctx, msg, kind, info, resendPlan{
		answer:  answer,
		pending: state.StateReceivedPrepare,
		action:  msg.Metadata.Event.Action,
		to:      payee,
	}, redelivered)
	return out, true, err
}

// fulfil handles commit and reserve requests, and generic fulfils whose
// body reports the transfer committed.
func (h *TransferHandler) fulfil(ctx context.Context, msg *event.Message, redelivered bool) ([]ingestion.OutboundMessage, error) {
	action := msg.Metadata.Event.Action
	kind := action.Kind()
	id := msg.Key()

	raw, err := payloadOf(msg)
	if err != nil {
		return nil, err
	}
	var p fulfilPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &fspiop.ValidationError{Reasons: []string{"decode fulfil: " + err.Error()}}
	}
	if p.aborted() {
		return h.reject(ctx, msg, redelivered)
	}

	dupKind := fulfilmentDuplicateKind(kind)
	dup, err := h.dedup.Check(ctx, dupKind, id, raw)
	if err != nil {
		return nil, err
	}
	info, err := h.loadForUpdate(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	forwardAction := commitAction(action)
	switch dup.Classify() {
	case core.DuplicateConflict:
		return nil, &fspiop.DuplicateConflictError{ID: id}
	case core.DuplicateResend:
		if info.state != state.StateReserved {
			return h.resend(ctx, msg, kind, info, resendPlan{
				answer:    fulfilDuplicateAction(kind),
				pending:   fulfilledState(kind),
				action:    forwardAction,
				to:        info.payer,
				payeeSide: true,
			}, redelivered)
		}
	}

	if err := checkSource(msg, info.payee); err != nil {
		return nil, err
	}
	next, err := state.Decide(kind, state.ActionFulfil, id, info.state)
	if err != nil {
		return nil, err
	}
	if !h.now().Before(info.expiration) {
		return nil, &fspiop.ExpiredError{ID: id}
	}
	if err := h.dedup.Record(ctx, dupKind, id, dup.Hash); err != nil {
		return nil, err
	}

	if verr := ValidateFulfilment(p.Fulfilment, info.condition); verr != nil {
		return h.invalidFulfilment(ctx, msg, kind, info, verr)
	}

	completed := h.now()
	if p.CompletedTimestamp != nil {
		completed = *p.CompletedTimestamp
	}
	if err := h.repo.SaveFulfil(ctx, kind, id, p.Fulfilment, completed, next); err != nil {
		return nil, fspiop.Infra("save fulfil", err)
	}
	h.countState(kind, next)

	account, err := h.accountOf(ctx, kind, id, true)
	if err != nil {
		return nil, err
	}
	return []ingestion.OutboundMessage{forward(msg, forwardAction, info.payer, account)}, nil
}

// invalidFulfilment records the transfer as errored and sends the hub's
// abort to the position topic, which releases the payer's reservation and
// notifies the payer. The payee is told its fulfilment was refused.
func (h *TransferHandler) invalidFulfilment(ctx context.Context, msg *event.Message, kind state.Kind, info *transferInfo, verr error) ([]ingestion.OutboundMessage, error) {
	id := msg.Key()
	next, err := state.Decide(kind, state.ActionAbort, id, info.state)
	if err != nil {
		return nil, err
	}
	errInfo := fspiop.ToErrorInformation(verr)
	if err := h.repo.SaveError(ctx, kind, id, errInfo, next); err != nil {
		return nil, fspiop.Infra("save fulfilment error", err)
	}
	h.countState(kind, next)

	account, err := h.accountOf(ctx, kind, id, false)
	if err != nil {
		return nil, err
	}
	action := event.ActionAbortValidation
	if kind == state.KindFxTransfer {
		action = event.ActionFxAbort
	}
	abort := forward(msg, action, info.payer, account)
	body, err := json.Marshal(fspiop.ErrorPayload{ErrorInformation: errInfo})
	if err != nil {
		return nil, &fspiop.InternalError{Msg: "encode abort", Err: err}
	}
	abort.Message.Content.Payload = body
	abort.Message.Metadata.Event.State = event.FailureState(errInfo)

	notice, err := errorNotification(h.hub, msg, msg.From, verr)
	if err != nil {
		return nil, &fspiop.InternalError{Msg: "build fulfilment error notification", Err: err}
	}
	return []ingestion.OutboundMessage{abort, notice}, nil
}

// reject handles a payee's refusal of a reserved transfer.
func (h *TransferHandler) reject(ctx context.Context, msg *event.Message, redelivered bool) ([]ingestion.OutboundMessage, error) {
	kind := msg.Metadata.Event.Action.Kind()
	id := msg.Key()

	raw, err := payloadOf(msg)
	if err != nil {
		return nil, err
	}
	dupKind := fulfilmentDuplicateKind(kind)
	dup, err := h.dedup.Check(ctx, dupKind, id, raw)
	if err != nil {
		return nil, err
	}
	info, err := h.loadForUpdate(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	forwardAction := event.ActionReject
	if kind == state.KindFxTransfer {
		forwardAction = event.ActionFxReject
	}
	switch dup.Classify() {
	case core.DuplicateConflict:
		return nil, &fspiop.DuplicateConflictError{ID: id}
	case core.DuplicateResend:
		if info.state != state.StateReserved {
			return h.resend(ctx, msg, kind, info, resendPlan{
				answer:  fulfilDuplicateAction(kind),
				pending: state.StateReceivedReject,
				action:  forwardAction,
				to:      info.payer,
			}, redelivered)
		}
	}

	if err := checkSource(msg, info.payee); err != nil {
		return nil, err
	}
	next, err := state.Decide(kind, state.ActionReject, id, info.state)
	if err != nil {
		return nil, err
	}
	if err := h.dedup.Record(ctx, dupKind, id, dup.Hash); err != nil {
		return nil, err
	}
	if err := h.repo.InsertStateChanges(ctx, []core.StateChange{{Kind: kind, ID: id, State: next, Reason: "rejected by payee"}}); err != nil {
		return nil, fspiop.Infra("save reject", err)
	}
	h.countState(kind, next)

	account, err := h.accountOf(ctx, kind, id, false)
	if err != nil {
		return nil, err
	}
	return []ingestion.OutboundMessage{forward(msg, forwardAction, info.payer, account)}, nil
}

// abort handles an error callback reported by the payee.
func (h *TransferHandler) abort(ctx context.Context, msg *event.Message, redelivered bool) ([]ingestion.OutboundMessage, error) {
	kind := msg.Metadata.Event.Action.Kind()
	id := msg.Key()

	raw, err := payloadOf(msg)
	if err != nil {
		return nil, err
	}
	var p fspiop.ErrorPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ErrorInformation.ErrorCode == "" {
		return nil, &fspiop.ValidationError{Reasons: []string{"abort requires errorInformation with an errorCode"}}
	}

	dupKind := errorDuplicateKind(kind)
	dup, err := h.dedup.Check(ctx, dupKind, id, raw)
	if err != nil {
		return nil, err
	}
	info, err := h.loadForUpdate(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	forwardAction := event.ActionAbort
	if kind == state.KindFxTransfer {
		forwardAction = event.ActionFxAbort
	}
	switch dup.Classify() {
	case core.DuplicateConflict:
		return nil, &fspiop.DuplicateConflictError{ID: id}
	case core.DuplicateResend:
		if info.state != state.StateReserved {
			return h.resend(ctx, msg, kind, info, resendPlan{
				answer:  fulfilDuplicateAction(kind),
				pending: state.StateReceivedError,
				action:  forwardAction,
				to:      info.payer,
			}, redelivered)
		}
	}

	if err := checkSource(msg, info.payee); err != nil {
		return nil, err
	}
	next, err := state.Decide(kind, state.ActionAbort, id, info.state)
	if err != nil {
		return nil, err
	}
	if err := h.dedup.Record(ctx, dupKind, id, dup.Hash); err != nil {
		return nil, err
	}
	if err := h.repo.SaveError(ctx, kind, id, p.ErrorInformation, next); err != nil {
		return nil, fspiop.Infra("save abort", err)
	}
	h.countState(kind, next)

	account, err := h.accountOf(ctx, kind, id, false)
	if err != nil {
		return nil, err
	}
	return []ingestion.OutboundMessage{forward(msg, forwardAction, info.payer, account)}, nil
}

// resend answers a resend of a recorded step. A finished transfer gets its
// state back. A redelivery that finds the step recorded but not yet settled
// is forwarded again, since the first forward may never have been
// published; the position side rejects it if it was. Anything else is
// still in flight and the resend is dropped.
func (h *TransferHandler) resend(ctx context.Context, msg *event.Message, kind state.Kind, info *transferInfo, plan resendPlan, redelivered bool) ([]ingestion.OutboundMessage, error) {
	id := msg.Key()
	switch {
	case info.state.IsFinal():
		n, err := hubMessage(h.hub, msg, msg.From, plan.answer, event.SuccessState(), statePayload(kind, info))
		if err != nil {
			return nil, &fspiop.InternalError{Msg: "build state notification", Err: err}
		}
		return []ingestion.OutboundMessage{n}, nil

	case info.state == plan.pending && redelivered:
		account, err := h.accountOf(ctx, kind, id, plan.payeeSide)
		if err != nil {
			return nil, err
		}
		h.logger.Info().Str("id", id).Str("state", info.state.String()).Msg("forwarding redelivered request again")
		return []ingestion.OutboundMessage{forward(msg, plan.action, plan.to, account)}, nil
	}

	h.logger.Debug().Str("id", id).Str("state", info.state.String()).Msg("ignoring resend of in-flight transfer")
	return nil, nil
}

func (h *TransferHandler) load(ctx context.Context, kind state.Kind, id string) (*transferInfo, error) {
	if kind == state.KindFxTransfer {
		r, err := h.repo.GetFxTransfer(ctx, id)
		if err != nil {
			return nil, err
		}
		return &transferInfo{
			payer:      r.InitiatingFsp,
			payee:      r.CounterPartyFsp,
			condition:  r.Condition,
			expiration: r.Expiration,
			state:      r.State,
			fulfilment: r.Fulfilment,
			completed:  r.CompletedDate,
		}, nil
	}
	r, err := h.repo.GetTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	return &transferInfo{
		payer:      r.PayerFsp,
		payee:      r.PayeeFsp,
		condition:  r.Condition,
		expiration: r.Expiration,
		state:      r.State,
		fulfilment: r.Fulfilment,
		completed:  r.CompletedDate,
	}, nil
}

// loadForUpdate loads the transfer a fulfil, reject or abort refers to.
func (h *TransferHandler) loadForUpdate(ctx context.Context, kind state.Kind, id string) (*transferInfo, error) {
	info, err := h.load(ctx, kind, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, &fspiop.ValidationError{Reasons: []string{fmt.Sprintf("%s %s not found", kind, id)}}
	}
	if err != nil {
		return nil, fspiop.Infra("load transfer", err)
	}
	return info, nil
}

// accountOf returns the payer's or the payee's account of id.
func (h *TransferHandler) accountOf(ctx context.Context, kind state.Kind, id string, payee bool) (int64, error) {
	legs, err := h.repo.GetLegs(ctx, kind, []string{id})
	if err != nil {
		return 0, fspiop.Infra("load legs", err)
	}
	l, ok := legs[id]
	if !ok {
		return 0, &fspiop.InternalError{Msg: fmt.Sprintf("no participants recorded for %s", id)}
	}
	if payee {
		return l.Payee.ParticipantCurrencyID, nil
	}
	return l.Payer.ParticipantCurrencyID, nil
}

func (h *TransferHandler) countState(kind state.Kind, st state.TransferState) {
	if h.metrics != nil {
		h.metrics.StateChanges.WithLabelValues(kind.String(), st.String()).Inc()
	}
}

func payloadOf(msg *event.Message) ([]byte, error) {
	raw, err := event.PayloadBytes(msg.Content.Payload)
	if err != nil {
		return nil, &fspiop.ValidationError{Reasons: []string{err.Error()}}
	}
	return raw, nil
}

// checkSource requires the FSPIOP-Source of a fulfil, reject or abort to be
// the payee when the header is present.
func checkSource(msg *event.Message, payee string) error {
	if src := msg.Header(event.HeaderSource); src != "" && src != payee {
		return &fspiop.ValidationError{Reasons: []string{
			fmt.Sprintf("FSPIOP-Source %s is not the payee %s", src, payee),
		}}
	}
	return nil
}

func statePayload(kind state.Kind, info *transferInfo) any {
	if kind == state.KindFxTransfer {
		return event.FxTransferFulfil{
			Fulfilment:         info.fulfilment,
			CompletedTimestamp: info.completed,
			ConversionState:    info.state.External(),
		}
	}
	return event.TransferFulfil{
		Fulfilment:         info.fulfilment,
		CompletedTimestamp: info.completed,
		TransferState:      info.state.External(),
	}
}

// storable reports whether an invalid prepare can still be recorded: its id
// must be the message id and its amount must fit the amount columns.
func storable(key, id string, m event.Money) bool {
	return id != "" && id == key && currencyPattern.MatchString(m.Currency) &&
		m.Amount.Abs().LessThan(maxStoredAmount)
}

func commitAction(a event.Action) event.Action {
	if a == event.ActionFulfil {
		return event.ActionCommit
	}
	return a
}

func fulfilledState(kind state.Kind) state.TransferState {
	if kind == state.KindFxTransfer {
		return state.StateReceivedFulfilDependent
	}
	return state.StateReceivedFulfil
}

func fulfilDuplicateAction(kind state.Kind) event.Action {
	if kind == state.KindFxTransfer {
		return event.ActionFxFulfilDuplicate
	}
	return event.ActionFulfilDuplicate
}

func fulfilmentDuplicateKind(kind state.Kind) core.DuplicateKind {
	if kind == state.KindFxTransfer {
		return core.DuplicateFxTransferFulfil
	}
	return core.DuplicateTransferFulfilment
}

func errorDuplicateKind(kind state.Kind) core.DuplicateKind {
	if kind == state.KindFxTransfer {
		return core.DuplicateFxTransferError
	}
	return core.DuplicateTransferError
}
