package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"CentralLedger/internal/core"
	"CentralLedger/internal/ledger"
	"CentralLedger/internal/state"
)

// BinSnapshot is the stored state a bin is processed against: the latest
// state of every referenced transfer, their legs, and the positions of
// every account those legs touch.
type BinSnapshot struct {
	Accumulator core.Accumulator
	Legs        map[state.Kind]map[string]ledger.Legs
}

// LegsFor returns the legs of id, or nil when none are recorded.
func (s BinSnapshot) LegsFor(kind state.Kind, id string) *ledger.Legs {
	legs, ok := s.Legs[kind][id]
	if !ok {
		return nil
	}
	return &legs
}

// SnapshotLoader reads bin snapshots in a single read-only transaction so
// states, legs and positions are mutually consistent.
type SnapshotLoader struct {
	db *sql.DB
}

func NewSnapshotLoader(db *sql.DB) *SnapshotLoader {
	return &SnapshotLoader{db: db}
}

// Load reads the snapshot for the given ids, grouped by kind.
func (l *SnapshotLoader) Load(ctx context.Context, ids map[state.Kind][]string) (BinSnapshot, error) {
	snap := BinSnapshot{
		Accumulator: core.Accumulator{
			TransferStates:   map[string]state.TransferState{},
			FxTransferStates: map[string]state.TransferState{},
			Positions:        map[int64]ledger.Position{},
		},
		Legs: map[state.Kind]map[string]ledger.Legs{},
	}

	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return snap, fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	accountSet := make(map[int64]struct{})
	for kind, kindIDs := range ids {
		states, err := getStates(ctx, tx, kind, kindIDs)
		if err != nil {
			return snap, err
		}
		if kind == state.KindFxTransfer {
			snap.Accumulator.FxTransferStates = states
		} else {
			snap.Accumulator.TransferStates = states
		}

		legs, err := getLegs(ctx, tx, kind, kindIDs)
		if err != nil {
			return snap, err
		}
		snap.Legs[kind] = legs
		for _, l := range legs {
			accountSet[l.Payer.ParticipantCurrencyID] = struct{}{}
			accountSet[l.Payee.ParticipantCurrencyID] = struct{}{}
		}
	}

	accounts := make([]int64, 0, len(accountSet))
	for id := range accountSet {
		if id != 0 {
			accounts = append(accounts, id)
		}
	}
	positions, err := getPositions(ctx, tx, accounts)
	if err != nil {
		return snap, err
	}
	snap.Accumulator.Positions = positions

	return snap, tx.Commit()
}
