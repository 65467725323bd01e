package ledger

import (
	"fmt"

	"CentralLedger/internal/math"
	"CentralLedger/internal/state"

	"github.com/shopspring/decimal"
)

// PositionTracker holds positions in memory for the duration of a bin.
// Positions only move through Apply.
type PositionTracker struct {
	positions map[int64]Position
}

func NewPositionTracker(seed map[int64]Position) *PositionTracker {
	pt := &PositionTracker{positions: make(map[int64]Position, len(seed))}
	for id, p := range seed {
		pt.positions[id] = p
	}
	return pt
}

// Has reports whether the account was seeded.
func (pt *PositionTracker) Has(id int64) bool {
	_, ok := pt.positions[id]
	return ok
}

// Get returns the current position of an account.
func (pt *PositionTracker) Get(id int64) (Position, bool) {
	p, ok := pt.positions[id]
	return p, ok
}

// Apply adds signed deltas to an account and returns the change record.
func (pt *PositionTracker) Apply(id int64, kind state.Kind, transferID string, valueDelta, reservedDelta decimal.Decimal) (PositionChange, error) {
	p, ok := pt.positions[id]
	if !ok {
		return PositionChange{}, fmt.Errorf("position for account %d not loaded", id)
	}
	p.Value = math.Add(p.Value, valueDelta)
	p.ReservedValue = math.Add(p.ReservedValue, reservedDelta)
	pt.positions[id] = p

	return PositionChange{
		ParticipantCurrencyID: id,
		Kind:                  kind,
		TransferID:            transferID,
		ValueDelta:            valueDelta,
		ReservedDelta:         reservedDelta,
		Value:                 p.Value,
		ReservedValue:         p.ReservedValue,
	}, nil
}

// Snapshot returns a copy of all positions.
func (pt *PositionTracker) Snapshot() map[int64]Position {
	out := make(map[int64]Position, len(pt.positions))
	for k, v := range pt.positions {
		out[k] = v
	}
	return out
}
