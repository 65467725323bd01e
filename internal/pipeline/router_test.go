package pipeline

import (
	"context"
	"testing"

	"CentralLedger/internal/ingestion"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_SameKeySamePartitionInOrder(t *testing.T) {
	r := NewRouter("position", 4, 8, nil, nil)
	ctx := context.Background()

	for _, seq := range []uint64{1, 2, 3} {
		require.NoError(t, r.Route(ctx, ingestion.RawEvent{Key: "42", Sequence: seq}))
	}
	ch := r.Partitions()[r.Partition("42")]
	require.Len(t, ch, 3)
	for _, want := range []uint64{1, 2, 3} {
		assert.Equal(t, want, (<-ch).Sequence)
	}
}

func TestRouter_KeylessGoesToFirstPartition(t *testing.T) {
	r := NewRouter("transfer", 3, 1, nil, nil)
	require.NoError(t, r.Route(context.Background(), ingestion.RawEvent{Sequence: 9}))
	assert.Len(t, r.Partitions()[0], 1)
}

func TestRouter_BlocksUntilCancelled(t *testing.T) {
	r := NewRouter("transfer", 1, 1, nil, nil)
	require.NoError(t, r.Route(context.Background(), ingestion.RawEvent{Key: "a"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Route(ctx, ingestion.RawEvent{Key: "a"}), context.Canceled)
}

func TestRouter_CustomKey(t *testing.T) {
	r := NewRouter("transfer", 8, 1, func(raw ingestion.RawEvent) string { return raw.Subject }, nil)
	assert.Equal(t, r.Partition("x"), r.Partition("x"))
	assert.GreaterOrEqual(t, r.Partition("y"), 0)
	assert.Less(t, r.Partition("y"), 8)
}
