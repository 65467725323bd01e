package core

import (
	"fmt"
	"time"

	"CentralLedger/internal/event"
	"CentralLedger/internal/fspiop"
	"CentralLedger/internal/ledger"
	"CentralLedger/internal/observability"
	"CentralLedger/internal/state"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// BinConfig holds the switch-wide settings the bin processor needs.
type BinConfig struct {
	HubName string

	// FxFulfilInvalidState is recorded when an fx-fulfil arrives for an FX
	// transfer in the wrong state. StateNone records nothing.
	FxFulfilInvalidState state.TransferState
}

func DefaultBinConfig(hubName string) BinConfig {
	return BinConfig{
		HubName:              hubName,
		FxFulfilInvalidState: state.StateAbortedRejected,
	}
}

// BinItem is one position-topic message. Legs and Err are filled by the
// caller while loading the bin; Err marks an item that could not be decoded
// or resolved.
type BinItem struct {
	Message *event.Message
	Action  event.Action
	Legs    *ledger.Legs
	Err     error
}

// Bin is the ordered set of items keyed on one account, together with the
// reference data of every account the items touch.
type Bin struct {
	AccountID int64
	Items     []BinItem
	Accounts  map[int64]ledger.AccountSnapshot
}

// Accumulator is the state the bin processor reads and produces. The input
// value is never mutated.
type Accumulator struct {
	TransferStates   map[string]state.TransferState
	FxTransferStates map[string]state.TransferState
	Positions        map[int64]ledger.Position
}

// Clone returns an independent copy.
func (a Accumulator) Clone() Accumulator {
	c := Accumulator{
		TransferStates:   make(map[string]state.TransferState, len(a.TransferStates)),
		FxTransferStates: make(map[string]state.TransferState, len(a.FxTransferStates)),
		Positions:        make(map[int64]ledger.Position, len(a.Positions)),
	}
	for k, v := range a.TransferStates {
		c.TransferStates[k] = v
	}
	for k, v := range a.FxTransferStates {
		c.FxTransferStates[k] = v
	}
	for k, v := range a.Positions {
		c.Positions[k] = v
	}
	return c
}

func (a Accumulator) states(kind state.Kind) map[string]state.TransferState {
	if kind == state.KindFxTransfer {
		return a.FxTransferStates
	}
	return a.TransferStates
}

// StateChange is one row of the transfer or FX transfer state-change log.
type StateChange struct {
	Kind   state.Kind
	ID     string
	State  state.TransferState
	Reason string
}

// Notification is the outcome message of one bin item. Index points back
// into Bin.Items; Err is nil for success outcomes.
type Notification struct {
	Index   int
	Message *event.Message
	Err     error
}

// BinResult is everything a bin produced, in input order. The caller
// persists StateChanges and PositionChanges in one transaction before
// publishing Notifications.
type BinResult struct {
	Accumulated     Accumulator
	StateChanges    []StateChange
	PositionChanges []ledger.PositionChange
	Notifications   []Notification
	LimitAlarms     []ledger.ParticipantLimit
}

// BinProcessor applies bins of position-topic messages to an accumulator.
// It is pure: no I/O, no shared state. Partition workers own one each.
type BinProcessor struct {
	cfg     BinConfig
	logger  zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func NewBinProcessor(cfg BinConfig, metrics *observability.Metrics) *BinProcessor {
	return &BinProcessor{
		cfg:     cfg,
		logger:  observability.NewLogger("bin-processor"),
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// binRun is the working set of one Process call.
type binRun struct {
	bin     Bin
	acc     Accumulator
	tracker *ledger.PositionTracker
	result  *BinResult
	alarmed map[int64]bool
}

// Process runs every item of bin against a clone of acc.
func (bp *BinProcessor) Process(bin Bin, acc Accumulator) BinResult {
	start := time.Now()
	clone := acc.Clone()
	run := &binRun{
		bin:     bin,
		acc:     clone,
		tracker: ledger.NewPositionTracker(clone.Positions),
		result:  &BinResult{},
		alarmed: make(map[int64]bool),
	}

	for i := range bin.Items {
		bp.processItem(run, i)
	}

	clone.Positions = run.tracker.Snapshot()
	run.result.Accumulated = clone

	if bp.metrics != nil {
		bp.metrics.BinSize.Observe(float64(len(bin.Items)))
		bp.metrics.BinDuration.WithLabelValues(binLabel(bin)).Observe(time.Since(start).Seconds())
	}
	return *run.result
}

func (bp *BinProcessor) processItem(run *binRun, i int) {
	item := run.bin.Items[i]
	if item.Message == nil {
		bp.logger.Error().Int("index", i).Msg("bin item without message")
		bp.countDropped(item, "no_message")
		return
	}
	if item.Err != nil {
		bp.fail(run, i, item.Message.From, item.Err)
		return
	}

	action, err := item.Action.PositionAction()
	if err != nil {
		bp.fail(run, i, item.Message.From, &fspiop.ValidationError{Reasons: []string{err.Error()}})
		return
	}

	switch action {
	case state.ActionPositionPrepare:
		bp.processPrepare(run, i)
	case state.ActionPositionCommit:
		bp.processCommit(run, i)
	case state.ActionPositionAbort:
		bp.processAbort(run, i)
	case state.ActionTimeoutReserved:
		bp.processTimeoutReserved(run, i)
	}
}

// step is what an item does to its transfer.
type step int

const (
	stepApply  step = iota // precondition holds
	stepReplay             // already applied by an earlier delivery
	stepReject             // illegal pair, outcome already emitted
)

// transition resolves the next state of the item. A transfer whose state
// already shows the action's effect is a replay: the caller re-emits the
// success outcome and changes nothing. On an illegal pair it emits the
// invalid-state outcome.
func (bp *BinProcessor) transition(run *binRun, i int, action state.Action) (id string, next state.TransferState, st step) {
	item := run.bin.Items[i]
	kind := item.Action.Kind()
	id = item.Message.Key()
	current := run.acc.states(kind)[id]

	next, err := state.Decide(kind, action, id, current)
	if err == nil {
		return id, next, stepApply
	}
	if state.Applied(kind, action, current) {
		bp.logger.Info().
			Str("id", id).
			Str("action", string(item.Action)).
			Str("state", current.String()).
			Msg("redelivered item replayed")
		return id, current, stepReplay
	}

	bp.fail(run, i, item.Message.From, err)
	if terminal := bp.invalidStateTerminal(kind, action); terminal != state.StateNone && !current.IsFinal() {
		run.setState(kind, id, terminal, fspiop.ToErrorInformation(err).ErrorDescription)
	}
	return id, current, stepReject
}

// invalidStateTerminal is the state recorded for an item whose transfer is
// in the wrong state. Only FX prepare and FX fulfil record one.
func (bp *BinProcessor) invalidStateTerminal(kind state.Kind, action state.Action) state.TransferState {
	if kind != state.KindFxTransfer {
		return state.StateNone
	}
	switch action {
	case state.ActionPositionPrepare:
		return state.StateAbortedRejected
	case state.ActionPositionCommit:
		return bp.cfg.FxFulfilInvalidState
	}
	return state.StateNone
}

// legs returns the validated legs of the item, or emits a validation
// outcome. Both accounts must be present in the accumulator.
func (bp *BinProcessor) legs(run *binRun, i int) (ledger.Legs, bool) {
	item := run.bin.Items[i]
	if item.Legs == nil {
		bp.fail(run, i, item.Message.From, &fspiop.ValidationError{
			Reasons: []string{fmt.Sprintf("no participants recorded for %s", item.Message.Key())},
		})
		return ledger.Legs{}, false
	}
	legs := *item.Legs
	if err := legs.Validate(); err != nil {
		bp.fail(run, i, item.Message.From, &fspiop.ValidationError{Reasons: []string{err.Error()}})
		return ledger.Legs{}, false
	}
	for _, leg := range []ledger.Leg{legs.Payer, legs.Payee} {
		if !run.tracker.Has(leg.ParticipantCurrencyID) {
			bp.fail(run, i, item.Message.From, &fspiop.ValidationError{
				Reasons: []string{fmt.Sprintf("unknown account %d", leg.ParticipantCurrencyID)},
			})
			return ledger.Legs{}, false
		}
	}
	return legs, true
}

// fail appends an error outcome addressed to dest.
func (bp *BinProcessor) fail(run *binRun, i int, dest string, err error) {
	item := run.bin.Items[i]
	msg, buildErr := bp.errorMessage(item, dest, err)
	if buildErr != nil {
		bp.logger.Error().Err(buildErr).Str("id", item.Message.Key()).Msg("failed to build error notification")
		bp.countDropped(item, "build_failed")
		return
	}
	run.result.Notifications = append(run.result.Notifications, Notification{Index: i, Message: msg, Err: err})

	info := fspiop.ToErrorInformation(err)
	if bp.metrics != nil {
		bp.metrics.MessagesRejected.WithLabelValues(string(item.Action), string(info.ErrorCode)).Inc()
	}
	bp.logger.Warn().
		Str("id", item.Message.Key()).
		Str("action", string(item.Action)).
		Str("code", string(info.ErrorCode)).
		Err(err).
		Msg("bin item rejected")
}

// replay re-emits the outcome of an item whose effect an earlier delivery
// already applied. Nothing is recorded.
func (bp *BinProcessor) replay(run *binRun, i int, what string, build func() (*event.Message, error)) {
	item := run.bin.Items[i]
	msg, err := build()
	if err != nil {
		bp.fail(run, i, item.Message.From, &fspiop.InternalError{Msg: "build " + what + " notification", Err: err})
		return
	}
	bp.succeed(run, i, msg)
}

// succeed appends a success outcome.
func (bp *BinProcessor) succeed(run *binRun, i int, msg *event.Message) {
	run.result.Notifications = append(run.result.Notifications, Notification{Index: i, Message: msg})
}

func (run *binRun) setState(kind state.Kind, id string, st state.TransferState, reason string) {
	run.acc.states(kind)[id] = st
	run.result.StateChanges = append(run.result.StateChanges, StateChange{Kind: kind, ID: id, State: st, Reason: reason})
}

func (run *binRun) applyPosition(id int64, kind state.Kind, transferID string, valueDelta, reservedDelta decimal.Decimal) error {
	change, err := run.tracker.Apply(id, kind, transferID, valueDelta, reservedDelta)
	if err != nil {
		return err
	}
	run.result.PositionChanges = append(run.result.PositionChanges, change)
	return nil
}

// checkAlarm appends the account's limit once per bin when its effective
// position has crossed the alarm threshold.
func (run *binRun) checkAlarm(id int64) {
	if run.alarmed[id] {
		return
	}
	snap, ok := run.bin.Accounts[id]
	if !ok {
		return
	}
	pos, _ := run.tracker.Get(id)
	if ledger.CheckLimitAlarm(pos.Effective(), snap) {
		run.alarmed[id] = true
		run.result.LimitAlarms = append(run.result.LimitAlarms, snap.Limit)
	}
}

// countDropped counts an item that ends without any outcome message. The
// partition worker still acks or naks the delivery.
func (bp *BinProcessor) countDropped(item BinItem, reason string) {
	if bp.metrics != nil {
		bp.metrics.NotificationsDropped.WithLabelValues(string(item.Action), reason).Inc()
	}
}

func binLabel(bin Bin) string {
	if len(bin.Items) == 0 {
		return "empty"
	}
	return string(bin.Items[0].Action)
}
