package core

import (
	"CentralLedger/internal/event"
	"CentralLedger/internal/fspiop"
	"CentralLedger/internal/state"

	"github.com/shopspring/decimal"
)

// processTimeoutReserved releases the reservation of a transfer the sweeper
// marked RESERVED_TIMEOUT. The notification is addressed to the message's
// recipient, the payer for hub-injected timeouts.
func (bp *BinProcessor) processTimeoutReserved(run *binRun, i int) {
	item := run.bin.Items[i]
	kind := item.Action.Kind()

	id, next, st := bp.transition(run, i, state.ActionTimeoutReserved)
	info := fspiop.NewErrorPayload(fspiop.CodeTransferExpired, "").ErrorInformation
	build := func() (*event.Message, error) {
		return bp.failureMessage(item, item.Message.To, item.Message.From, item.Action, info)
	}
	switch st {
	case stepReject:
		return
	case stepReplay:
		bp.replay(run, i, "timeout", build)
		return
	}
	legs, ok := bp.legs(run, i)
	if !ok {
		return
	}

	msg, err := build()
	if err != nil {
		bp.fail(run, i, item.Message.From, &fspiop.InternalError{Msg: "build timeout notification", Err: err})
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
