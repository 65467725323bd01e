package core

import (
	"CentralLedger/internal/event"
	"CentralLedger/internal/fspiop"
	fpmath "CentralLedger/internal/math"
	"CentralLedger/internal/state"

	"github.com/shopspring/decimal"
)

// processPrepare reserves the payer's amount. The item is keyed on the
// payer's account, which must hold enough liquidity cover and stay under
// its net debit cap.
func (bp *BinProcessor) processPrepare(run *binRun, i int) {
	item := run.bin.Items[i]
	kind := item.Action.Kind()

	id, next, st := bp.transition(run, i, state.ActionPositionPrepare)
	switch st {
	case stepReject:
		return
	case stepReplay:
		bp.replay(run, i, "prepare", func() (*event.Message, error) {
			return bp.successMessage(item, item.Message.To, item.Message.From, event.TypeTransfer, item.Action, nil)
		})
		return
	}
	legs, ok := bp.legs(run, i)
	if !ok {
		bp.recordFailure(run, kind, id, "invalid participants")
		return
	}

	payer := legs.Payer.ParticipantCurrencyID
	amount := legs.Payer.Amount
	if err := run.checkLiquidity(payer, amount); err != nil {
		bp.fail(run, i, item.Message.From, err)
		bp.recordFailure(run, kind, id, fspiop.ToErrorInformation(err).ErrorDescription)
		return
	}

	msg, err := bp.successMessage(item, item.Message.To, item.Message.From, event.TypeTransfer, item.Action, nil)
	if err != nil {
		bp.fail(run, i, item.Message.From, &fspiop.InternalError{Msg: "build prepare notification", Err: err})
		return
	}
	if err := run.applyPosition(payer, kind, id, decimal.Zero, amount); err != nil {
		bp.fail(run, i, item.Message.From, &fspiop.InternalError{Msg: "reserve position", Err: err})
		return
	}
	run.setState(kind, id, next, "")
	run.checkAlarm(payer)
	bp.succeed(run, i, msg)
}

// checkLiquidity verifies that amount fits both the liquidity cover and the
// net debit cap of the payer account.
func (run *binRun) checkLiquidity(account int64, amount decimal.Decimal) error {
	snap, ok := run.bin.Accounts[account]
	if !ok {
		return &fspiop.ValidationError{Reasons: []string{"no limit or settlement account for payer"}}
	}
	pos, _ := run.tracker.Get(account)
	effective := pos.Effective()

	available := fpmath.Sub(snap.LiquidityCover(), effective)
	if available.LessThan(amount) {
		return &fspiop.LiquidityError{
			ParticipantCurrencyID: account,
			ErrCode:               fspiop.CodePayerInsufficientLiquidity,
			Available:             available.String(),
			Requested:             amount.String(),
		}
	}
	headroom := fpmath.Sub(snap.Limit.Value, effective)
	if headroom.LessThan(amount) {
		return &fspiop.LiquidityError{
			ParticipantCurrencyID: account,
			ErrCode:               fspiop.CodePayerLimitError,
			Available:             headroom.String(),
			Requested:             amount.String(),
		}
	}
	return nil
}

func (bp *BinProcessor) recordFailure(run *binRun, kind state.Kind, id, reason string) {
	if st, ok := state.FailureState(state.ActionPositionPrepare); ok {
		run.setState(kind, id, st, reason)
	}
}
