package core

import (
	"bytes"

	"CentralLedger/internal/event"
	"CentralLedger/internal/fspiop"
	"CentralLedger/internal/state"

	"github.com/shopspring/decimal"
)

// processAbort releases the payer's reservation of a rejected or errored
// transfer and notifies the other party.
func (bp *BinProcessor) processAbort(run *binRun, i int) {
	item := run.bin.Items[i]
	kind := item.Action.Kind()

	id, next, st := bp.transition(run, i, state.ActionPositionAbort)
	info := abortErrorInformation(item)
	build := func() (*event.Message, error) {
		from := item.Message.From
		if item.Action == event.ActionAbortValidation {
			from = bp.cfg.HubName
		}
		return bp.failureMessage(item, item.Message.To, from, item.Action, info)
	}
	switch st {
	case stepReject:
		return
	case stepReplay:
		bp.replay(run, i, "abort", build)
		return
	}
	legs, ok := bp.legs(run, i)
	if !ok {
		return
	}

	msg, err := build()
	if err != nil {
		bp.fail(run, i, item.Message.From, &fspiop.InternalError{Msg: "build abort notification", Err: err})
		return
	}

	payer := legs.Payer.ParticipantCurrencyID
	if err := run.applyPosition(payer, kind, id, decimal.Zero, legs.Payer.Amount.Neg()); err != nil {
		bp.fail(run, i, item.Message.From, &fspiop.InternalError{Msg: "release reservation", Err: err})
		return
	}
	run.setState(kind, id, next, info.ErrorDescription)
	bp.succeed(run, i, msg)
}

// abortErrorInformation is the error carried by the abort request, falling
// back to a payee rejection or, for hub-raised aborts, a validation error.
func abortErrorInformation(item BinItem) fspiop.ErrorInformation {
	if item.Action == event.ActionAbortValidation {
		return fspiop.NewErrorPayload(fspiop.CodeValidationError, "").ErrorInformation
	}
	if len(bytes.TrimSpace(item.Message.Content.Payload)) > 0 {
		var p fspiop.ErrorPayload
		if err := item.Message.DecodePayload(&p); err == nil && p.ErrorInformation.ErrorCode != "" {
			return p.ErrorInformation
		}
	}
	return fspiop.NewErrorPayload(fspiop.CodePayeeRejection, "").ErrorInformation
}
