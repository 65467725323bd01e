package core

import (
	"bytes"

	"CentralLedger/internal/event"
	"CentralLedger/internal/fspiop"
	"CentralLedger/internal/ledger"
	"CentralLedger/internal/state"
)

// processCommit settles a fulfilled transfer: the payer's reservation moves
// into its value and the payee leg is applied to the payee's value. FX
// transfers settle the same way on their source-currency legs.
func (bp *BinProcessor) processCommit(run *binRun, i int) {
	item := run.bin.Items[i]
	kind := item.Action.Kind()

	id, next, st := bp.transition(run, i, state.ActionPositionCommit)
	switch st {
	case stepReject:
		return
	case stepReplay:
		payload, err := bp.commitPayload(item)
		if err != nil {
			bp.fail(run, i, item.Message.From, &fspiop.ValidationError{Reasons: []string{err.Error()}})
			return
		}
		bp.replay(run, i, "commit", func() (*event.Message, error) {
			return bp.successMessage(item, item.Message.To, item.Message.From, event.TypeTransfer, commitAction(item), payload)
		})
		return
	}
	legs, ok := bp.legs(run, i)
	if !ok {
		return
	}
	payload, err := bp.commitPayload(item)
	if err != nil {
		bp.fail(run, i, item.Message.From, &fspiop.ValidationError{Reasons: []string{err.Error()}})
		return
	}

	amount := legs.Payer.Amount
	pending := []ledger.PositionChange{
		{ParticipantCurrencyID: legs.Payer.ParticipantCurrencyID, Kind: kind, TransferID: id, ValueDelta: amount, ReservedDelta: amount.Neg()},
		{ParticipantCurrencyID: legs.Payee.ParticipantCurrencyID, Kind: kind, TransferID: id, ValueDelta: legs.Payee.Amount},
	}
	if err := ledger.ValidateConservation(id, legs, pending); err != nil {
		bp.fail(run, i, item.Message.From, &fspiop.InternalError{Msg: "commit does not conserve value", Err: err})
		return
	}

	msg, err := bp.successMessage(item, item.Message.To, item.Message.From, event.TypeTransfer, commitAction(item), payload)
	if err != nil {
		bp.fail(run, i, item.Message.From, &fspiop.InternalError{Msg: "build commit notification", Err: err})
		return
	}

	for _, c := range pending {
		if err := run.applyPosition(c.ParticipantCurrencyID, kind, id, c.ValueDelta, c.ReservedDelta); err != nil {
			// legs() checked both accounts, so this cannot happen.
			bp.logger.Error().Err(err).Str("id", id).Msg("commit position update failed")
		}
	}
	run.setState(kind, id, next, "")
	bp.succeed(run, i, msg)
}

// commitAction is the action of the commit notification. FX commits are
// reported as plain commits.
func commitAction(item BinItem) event.Action {
	if item.Action.Kind() == state.KindFxTransfer {
		return event.ActionCommit
	}
	return item.Action
}

// commitPayload is the body of the commit notification: the inbound fulfil
// with the final state filled in.
func (bp *BinProcessor) commitPayload(item BinItem) (any, error) {
	hasPayload := len(bytes.TrimSpace(item.Message.Content.Payload)) > 0
	now := bp.now()

	if item.Action.Kind() == state.KindFxTransfer {
		var p event.FxTransferFulfil
		if hasPayload {
			if err := item.Message.DecodePayload(&p); err != nil {
				return nil, err
			}
		}
		p.ConversionState = state.StateCommitted.External()
		if p.CompletedTimestamp == nil {
			p.CompletedTimestamp = &now
		}
		return p, nil
	}

	var p event.TransferFulfil
	if hasPayload {
		if err := item.Message.DecodePayload(&p); err != nil {
			return nil, err
		}
	}
	p.TransferState = state.StateCommitted.External()
	if p.CompletedTimestamp == nil {
		p.CompletedTimestamp = &now
	}
	return p, nil
}
