package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"CentralLedger/internal/core"
	"CentralLedger/internal/state"

	"github.com/shopspring/decimal"
)

// ErrPositionMissing is returned when a position delta targets an account
// without a participant_position row.
var ErrPositionMissing = errors.New("participant position row missing")

// BinWriter writes the output of one bin inside a caller-owned
// transaction: state changes first, then position deltas with their audit
// rows, then outbox rows.
type BinWriter struct {
	outbox *OutboxStore
}

func NewBinWriter(outbox *OutboxStore) *BinWriter {
	return &BinWriter{outbox: outbox}
}

type changeKey struct {
	kind state.Kind
	id   string
}

// WriteCounts reports how many rows a WriteBin call wrote.
type WriteCounts struct {
	StateChanges    int
	PositionChanges int
	Outbox          int
}

// WriteBin persists res in tx. Positions move by signed increments so that
// concurrent bins on other accounts never overwrite each other.
func (w *BinWriter) WriteBin(ctx context.Context, tx *sql.Tx, res core.BinResult, outbox []OutboxMessage) (WriteCounts, error) {
	var counts WriteCounts

	lastChange := make(map[changeKey]int64, len(res.StateChanges))
	for _, c := range res.StateChanges {
		changeID, err := insertStateChange(ctx, tx, c.Kind, c.ID, c.State, c.Reason)
		if err != nil {
			return counts, err
		}
		lastChange[changeKey{c.Kind, c.ID}] = changeID
		counts.StateChanges++
	}

	for _, pc := range res.PositionChanges {
		if err := pc.Validate(); err != nil {
			return counts, fmt.Errorf("position change: %w", err)
		}
		var (
			positionID      int64
			value, reserved decimal.Decimal
		)
		err := tx.QueryRowContext(ctx, `
			UPDATE participant_position
			SET value = value + $1, reserved_value = reserved_value + $2, changed_date = NOW()
			WHERE participant_currency_id = $3
			RETURNING participant_position_id, value, reserved_value`,
			pc.ValueDelta, pc.ReservedDelta, pc.ParticipantCurrencyID,
		).Scan(&positionID, &value, &reserved)
		if errors.Is(err, sql.ErrNoRows) {
			return counts, fmt.Errorf("account %d: %w", pc.ParticipantCurrencyID, ErrPositionMissing)
		}
		if err != nil {
			return counts, fmt.Errorf("update position %d: %w", pc.ParticipantCurrencyID, err)
		}

		var transferChange, fxChange *int64
		if id, ok := lastChange[changeKey{pc.Kind, pc.TransferID}]; ok {
			if pc.Kind == state.KindFxTransfer {
				fxChange = &id
			} else {
				transferChange = &id
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO participant_position_change
				(participant_position_id, transfer_state_change_id, fx_transfer_state_change_id,
				 value, reserved_value, change, reserved_change)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			positionID, transferChange, fxChange, value, reserved, pc.ValueDelta, pc.ReservedDelta,
		); err != nil {
			return counts, fmt.Errorf("insert position change: %w", err)
		}
		counts.PositionChanges++
	}

	if len(outbox) > 0 && w.outbox != nil {
		if err := w.outbox.Insert(ctx, tx, outbox); err != nil {
			return counts, err
		}
		counts.Outbox = len(outbox)
	}
	return counts, nil
}
