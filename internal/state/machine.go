package state

import (
	"sort"

	"CentralLedger/internal/fspiop"
)

// Kind selects which state machine an id belongs to.
type Kind int32

const (
	KindTransfer Kind = iota
	KindFxTransfer
)

func (k Kind) String() string {
	switch k {
	case KindTransfer:
		return "transfer"
	case KindFxTransfer:
		return "fxTransfer"
	default:
		return "unknown"
	}
}

// Action is a lifecycle step applied to a transfer.
type Action string

const (
	ActionPrepare         Action = "PREPARE"
	ActionPositionPrepare Action = "POSITION_PREPARE"
	ActionFulfil          Action = "FULFIL"
	ActionPositionCommit  Action = "POSITION_COMMIT"
	ActionReject          Action = "REJECT"
	ActionAbort           Action = "ABORT"
	ActionPositionAbort   Action = "POSITION_ABORT"
	ActionTimeoutReserved Action = "TIMEOUT_RESERVED"
	ActionTimeoutSweep    Action = "TIMEOUT_SWEEP"
)

// edges maps a legal source state to the state the action moves it to.
type edges map[TransferState]TransferState

var transferRules = map[Action]edges{
	ActionPrepare:         {StateNone: StateReceivedPrepare},
	ActionPositionPrepare: {StateReceivedPrepare: StateReserved},
	ActionFulfil:          {StateReserved: StateReceivedFulfil},
	ActionPositionCommit:  {StateReceivedFulfil: StateCommitted},
	ActionReject:          {StateReserved: StateReceivedReject},
	ActionAbort:           {StateReserved: StateReceivedError},
	ActionPositionAbort: {
		StateReceivedReject: StateAbortedRejected,
		StateReceivedError:  StateAbortedError,
	},
	ActionTimeoutReserved: {StateReservedTimeout: StateExpiredReserved},
	ActionTimeoutSweep: {
		StateReceivedPrepare: StateExpiredPrepared,
		StateReserved:        StateReservedTimeout,
	},
}

var fxTransferRules = map[Action]edges{
	ActionPrepare:         {StateNone: StateReceivedPrepare},
	ActionPositionPrepare: {StateReceivedPrepare: StateReserved},
	ActionFulfil:          {StateReserved: StateReceivedFulfilDependent},
	ActionPositionCommit:  {StateReceivedFulfilDependent: StateCommitted},
	ActionReject:          {StateReserved: StateReceivedReject},
	ActionAbort:           {StateReserved: StateReceivedError},
	ActionPositionAbort: {
		StateReceivedReject: StateAbortedRejected,
		StateReceivedError:  StateAbortedError,
	},
	ActionTimeoutReserved: {StateReservedTimeout: StateExpiredReserved},
	ActionTimeoutSweep: {
		StateReceivedPrepare: StateExpiredPrepared,
		StateReserved:        StateReservedTimeout,
	},
}

// failureStates is where an action lands when its business check fails
// (validation or liquidity) as opposed to its state precondition.
var failureStates = map[Action]TransferState{
	ActionPrepare:         StateInvalid,
	ActionPositionPrepare: StateAbortedError,
}

func rulesFor(kind Kind) map[Action]edges {
	if kind == KindFxTransfer {
		return fxTransferRules
	}
	return transferRules
}

// Decide returns the state that action moves current to. An illegal pair
// returns a *fspiop.StateConflictError and the caller must not change
// anything.
func Decide(kind Kind, action Action, id string, current TransferState) (TransferState, error) {
	rule, ok := rulesFor(kind)[action]
	if ok {
		if next, legal := rule[current]; legal {
			return next, nil
		}
	}
	return current, &fspiop.StateConflictError{
		ID:       id,
		Action:   string(action),
		Observed: current.String(),
		Expected: stateNames(Expected(kind, action)),
	}
}

// Expected lists the states from which action is legal, sorted by name.
func Expected(kind Kind, action Action) []TransferState {
	rule := rulesFor(kind)[action]
	out := make([]TransferState, 0, len(rule))
	for from := range rule {
		out = append(out, from)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Applied reports whether current already carries the effect of action, as
// it does when a message is delivered a second time: current is one of the
// action's outcomes or a state reachable from one. The action's own failure
// state does not count, since it is also where the first attempt lands when
// its business check fails.
func Applied(kind Kind, action Action, current TransferState) bool {
	if failed, ok := failureStates[action]; ok && current == failed {
		return false
	}
	rules := rulesFor(kind)
	seen := make(map[TransferState]bool)
	var queue []TransferState
	for _, next := range rules[action] {
		if !seen[next] {
			seen[next] = true
			queue = append(queue, next)
		}
	}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		if s == current {
			return true
		}
		for _, rule := range rules {
			if next, ok := rule[s]; ok && !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// FailureState is the terminal state recorded when action's business check
// fails. ok is false for actions that have no such outcome.
func FailureState(action Action) (TransferState, bool) {
	s, ok := failureStates[action]
	return s, ok
}

func stateNames(states []TransferState) []string {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = s.String()
	}
	return names
}
