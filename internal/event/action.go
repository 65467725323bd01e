package event

import (
	"fmt"

	"CentralLedger/internal/state"
)

// Action is the wire value of Metadata.Event.Action.
type Action string

const (
	ActionPrepare             Action = "prepare"
	ActionBulkPrepare         Action = "bulk-prepare"
	ActionFxPrepare           Action = "fx-prepare"
	ActionFulfil              Action = "fulfil"
	ActionFxFulfil            Action = "fx-fulfil"
	ActionCommit              Action = "commit"
	ActionReserve             Action = "reserve"
	ActionBulkCommit          Action = "bulk-commit"
	ActionFxCommit            Action = "fx-commit"
	ActionFxReserve           Action = "fx-reserve"
	ActionReject              Action = "reject"
	ActionFxReject            Action = "fx-reject"
	ActionAbort               Action = "abort"
	ActionAbortValidation     Action = "abort-validation"
	ActionFxAbort             Action = "fx-abort"
	ActionTimeoutReserved     Action = "timeout-reserved"
	ActionBulkTimeoutReserved Action = "bulk-timeout-reserved"
	ActionFxTimeoutReserved   Action = "fx-timeout-reserved"
	ActionFxNotify            Action = "fx-notify"

	// Answers to resends of requests whose transfer already finished.
	ActionPrepareDuplicate   Action = "prepare-duplicate"
	ActionFxPrepareDuplicate Action = "fx-prepare-duplicate"
	ActionFulfilDuplicate    Action = "fulfil-duplicate"
	ActionFxFulfilDuplicate  Action = "fx-fulfil-duplicate"
)

// IsFx reports whether the action addresses an FX transfer.
func (a Action) IsFx() bool {
	switch a {
	case ActionFxPrepare, ActionFxFulfil, ActionFxCommit, ActionFxReserve,
		ActionFxReject, ActionFxAbort, ActionFxTimeoutReserved, ActionFxNotify,
		ActionFxPrepareDuplicate, ActionFxFulfilDuplicate:
		return true
	}
	return false
}

// Kind returns the state machine the action drives.
func (a Action) Kind() state.Kind {
	if a.IsFx() {
		return state.KindFxTransfer
	}
	return state.KindTransfer
}

// TransferAction maps a transfer-topic action to its state machine step.
func (a Action) TransferAction() (state.Action, error) {
	switch a {
	case ActionPrepare, ActionBulkPrepare, ActionFxPrepare:
		return state.ActionPrepare, nil
	case ActionCommit, ActionReserve, ActionBulkCommit, ActionFulfil, ActionFxFulfil, ActionFxCommit, ActionFxReserve:
		return state.ActionFulfil, nil
	case ActionReject, ActionFxReject:
		return state.ActionReject, nil
	case ActionAbort, ActionAbortValidation, ActionFxAbort:
		return state.ActionAbort, nil
	}
	return "", fmt.Errorf("action %q is not handled on the transfer topic", a)
}

// PositionAction maps a position-topic action to its state machine step.
func (a Action) PositionAction() (state.Action, error) {
	switch a {
	case ActionPrepare, ActionBulkPrepare, ActionFxPrepare:
		return state.ActionPositionPrepare, nil
	case ActionCommit, ActionReserve, ActionBulkCommit, ActionFxFulfil, ActionFxCommit, ActionFxReserve:
		return state.ActionPositionCommit, nil
	case ActionReject, ActionAbort, ActionAbortValidation, ActionFxReject, ActionFxAbort:
		return state.ActionPositionAbort, nil
	case ActionTimeoutReserved, ActionBulkTimeoutReserved, ActionFxTimeoutReserved:
		return state.ActionTimeoutReserved, nil
	}
	return "", fmt.Errorf("action %q is not handled on the position topic", a)
}
