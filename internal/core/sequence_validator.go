package core

import (
	"sync"
)

// SequenceTracker follows the stream sequence of each partition so that
// redeliveries can be told apart from first deliveries. Stream sequences
// for a filtered consumer are increasing but not contiguous, so gaps are
// tolerated and only regressions count as redeliveries.
type SequenceTracker struct {
	mu      sync.Mutex
	highest map[string]uint64 // partition -> highest sequence seen
	metrics *SequenceMetrics
}

func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{
		highest: make(map[string]uint64),
		metrics: NewSequenceMetrics(),
	}
}

// Observe records seq for partition and reports whether it was already
// seen, either because the log redelivered it or because it arrived after a
// higher sequence.
func (st *SequenceTracker) Observe(partition string, seq uint64, numDelivered uint64) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if numDelivered > 1 {
		st.metrics.RecordRedelivery(partition)
		if seq > st.highest[partition] {
			st.highest[partition] = seq
		}
		return true
	}
	if seq <= st.highest[partition] {
		st.metrics.RecordRedelivery(partition)
		return true
	}
	st.highest[partition] = seq
	return false
}

// Highest returns the highest sequence seen for a partition.
func (st *SequenceTracker) Highest(partition string) uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.highest[partition]
}

// Redeliveries returns the redelivery count of a partition.
func (st *SequenceTracker) Redeliveries(partition string) int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.metrics.GetRedeliveries(partition)
}

// --- Metrics ---

// SequenceMetrics counts redeliveries per partition. Guarded by the
// tracker's mutex.
type SequenceMetrics struct {
	redeliveries map[string]int64
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{redeliveries: make(map[string]int64)}
}

func (m *SequenceMetrics) RecordRedelivery(partition string) {
	m.redeliveries[partition]++
}

func (m *SequenceMetrics) GetRedeliveries(partition string) int64 {
	return m.redeliveries[partition]
}
