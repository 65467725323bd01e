package pipeline

import (
	"context"

	"CentralLedger/internal/ingestion"
	"CentralLedger/internal/observability"

	"github.com/cespare/xxhash/v2"
)

// Router spreads deliveries over a fixed set of bounded partition channels.
// All messages with the same key land on the same partition, in delivery
// order.
type Router struct {
	name       string
	partitions []chan ingestion.RawEvent
	keyOf      func(ingestion.RawEvent) string
	metrics    *observability.Metrics
}

// NewRouter builds a router with n partitions of the given depth. keyOf
// extracts the partition key; nil uses RawEvent.Key.
func NewRouter(name string, n, depth int, keyOf func(ingestion.RawEvent) string, metrics *observability.Metrics) *Router {
	if n <= 0 {
		n = 1
	}
	if keyOf == nil {
		keyOf = func(r ingestion.RawEvent) string { return r.Key }
	}
	r := &Router{
		name:       name,
		partitions: make([]chan ingestion.RawEvent, n),
		keyOf:      keyOf,
		metrics:    metrics,
	}
	for i := range r.partitions {
		r.partitions[i] = make(chan ingestion.RawEvent, depth)
	}
	return r
}

// Partition returns the partition index of key.
func (r *Router) Partition(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(r.partitions)))
}

// Route enqueues raw on its partition, blocking while the partition is
// full. A delivery without a key goes to partition 0, whose worker rejects
// it. Route satisfies ingestion.Sink.
func (r *Router) Route(ctx context.Context, raw ingestion.RawEvent) error {
	idx := 0
	if key := r.keyOf(raw); key != "" {
		idx = r.Partition(key)
	}
	ch := r.partitions[idx]
	select {
	case ch <- raw:
		if r.metrics != nil {
			r.metrics.ChannelSize.WithLabelValues(r.name).Set(float64(len(ch)))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Partitions returns the receive side of every partition.
func (r *Router) Partitions() []<-chan ingestion.RawEvent {
	out := make([]<-chan ingestion.RawEvent, len(r.partitions))
	for i, ch := range r.partitions {
		out[i] = ch
	}
	return out
}
