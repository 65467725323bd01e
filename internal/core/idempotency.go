package core

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"CentralLedger/internal/fspiop"
	"CentralLedger/internal/observability"
)

// ErrNoDigest is returned when a DuplicateChecker is built without a digest
// function.
var ErrNoDigest = errors.New("duplicate check: digest function is required")

// DuplicateKind selects the duplicate-check table.
type DuplicateKind string

const (
	DuplicateTransfer           DuplicateKind = "transfer"
	DuplicateTransferFulfilment DuplicateKind = "transferFulfilment"
	DuplicateTransferError      DuplicateKind = "transferError"
	DuplicateFxTransfer         DuplicateKind = "fxTransfer"
	DuplicateFxTransferFulfil   DuplicateKind = "fxTransferFulfilment"
	DuplicateFxTransferError    DuplicateKind = "fxTransferError"
)

// DuplicateStore persists duplicate-check records. InsertHash must be
// insert-if-absent: a lost race returns inserted=false and no error.
type DuplicateStore interface {
	GetHash(ctx context.Context, kind DuplicateKind, id string) (hash string, found bool, err error)
	InsertHash(ctx context.Context, kind DuplicateKind, id, hash string) (inserted bool, err error)
}

// DuplicateOutcome is the policy decision derived from a DuplicateResult.
type DuplicateOutcome int

const (
	DuplicateNew DuplicateOutcome = iota
	DuplicateResend
	DuplicateConflict
)

func (o DuplicateOutcome) String() string {
	switch o {
	case DuplicateNew:
		return "new"
	case DuplicateResend:
		return "resend"
	case DuplicateConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// DuplicateResult is the answer of Check.
type DuplicateResult struct {
	IsDuplicateID   bool
	IsDuplicateHash bool
	Hash            string
}

func (r DuplicateResult) Classify() DuplicateOutcome {
	switch {
	case !r.IsDuplicateID:
		return DuplicateNew
	case r.IsDuplicateHash:
		return DuplicateResend
	default:
		return DuplicateConflict
	}
}

// DuplicateChecker implements two-tier duplicate detection: an in-memory
// LRU of id -> hash in front of the DuplicateStore. Safe for concurrent use
// by partition workers.
type DuplicateChecker struct {
	mu     sync.Mutex
	lru    *HashLRU
	store  DuplicateStore
	digest DigestFunc

	metrics *observability.Metrics
}

func NewDuplicateChecker(capacity int, store DuplicateStore, digest DigestFunc, metrics *observability.Metrics) (*DuplicateChecker, error) {
	if digest == nil {
		return nil, ErrNoDigest
	}
	return &DuplicateChecker{
		lru:     NewHashLRU(capacity),
		store:   store,
		digest:  digest,
		metrics: metrics,
	}, nil
}

// Check classifies a request. It never writes; call Record once the request
// has passed validation.
func (dc *DuplicateChecker) Check(ctx context.Context, kind DuplicateKind, id string, payload []byte) (DuplicateResult, error) {
	hash, err := dc.digest(payload)
	if err != nil {
		return DuplicateResult{}, &fspiop.ValidationError{Reasons: []string{err.Error()}}
	}
	key := string(kind) + ":" + id

	// Tier 1: LRU check (hot path)
	dc.mu.Lock()
	stored, ok := dc.lru.Get(key)
	dc.mu.Unlock()
	if ok {
		res := DuplicateResult{IsDuplicateID: true, IsDuplicateHash: stored == hash, Hash: hash}
		dc.record(kind, res)
		return res, nil
	}

	// Tier 2: store check (cold path)
	if dc.store == nil {
		res := DuplicateResult{Hash: hash}
		dc.record(kind, res)
		return res, nil
	}
	start := time.Now()
	stored, found, err := dc.store.GetHash(ctx, kind, id)
	if dc.metrics != nil {
		dc.metrics.DuplicateStoreDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return DuplicateResult{}, fspiop.Infra("duplicate check lookup", err)
	}
	res := DuplicateResult{Hash: hash}
	if found {
		res.IsDuplicateID = true
		res.IsDuplicateHash = stored == hash
		dc.remember(key, stored)
	}
	dc.record(kind, res)
	return res, nil
}

// Record persists the hash for id if no record exists yet. Losing a
// concurrent first write is not an error unless the winner stored a
// different hash, in which case the request is a conflicting resend.
func (dc *DuplicateChecker) Record(ctx context.Context, kind DuplicateKind, id, hash string) error {
	if dc.store != nil {
		inserted, err := dc.store.InsertHash(ctx, kind, id, hash)
		if err != nil {
			return fspiop.Infra("duplicate check insert", err)
		}
		if !inserted {
			stored, found, err := dc.store.GetHash(ctx, kind, id)
			if err != nil {
				return fspiop.Infra("duplicate check lookup", err)
			}
			if found && stored != hash {
				dc.remember(string(kind)+":"+id, stored)
				return &fspiop.DuplicateConflictError{ID: id}
			}
		}
	}
	dc.remember(string(kind)+":"+id, hash)
	return nil
}

// Warm preloads recently stored records into the LRU.
func (dc *DuplicateChecker) Warm(kind DuplicateKind, records map[string]string) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	for id, hash := range records {
		dc.lru.Add(string(kind)+":"+id, hash)
	}
}

func (dc *DuplicateChecker) remember(key, hash string) {
	dc.mu.Lock()
	before := dc.lru.Evictions()
	dc.lru.Add(key, hash)
	evicted := dc.lru.Evictions() - before
	size := dc.lru.Size()
	dc.mu.Unlock()

	if dc.metrics != nil {
		dc.metrics.DuplicateLRUSize.Set(float64(size))
		if evicted > 0 {
			dc.metrics.DuplicateLRUEvictions.Add(float64(evicted))
		}
	}
}

func (dc *DuplicateChecker) record(kind DuplicateKind, res DuplicateResult) {
	if dc.metrics != nil {
		dc.metrics.DuplicateResults.WithLabelValues(string(kind), res.Classify().String()).Inc()
	}
}

// --- LRU Implementation ---

// HashLRU is an LRU map of composite key -> payload hash.
// Not thread-safe; DuplicateChecker guards it.
type HashLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type lruEntry struct {
	key  string
	hash string
}

func NewHashLRU(capacity int) *HashLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &HashLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Get returns the hash stored for key and promotes it.
func (lru *HashLRU) Get(key string) (string, bool) {
	elem, exists := lru.cache[key]
	if !exists {
		return "", false
	}
	lru.lruList.MoveToFront(elem)
	return elem.Value.(*lruEntry).hash, true
}

// Add inserts key. An existing key keeps its first hash: records are never
// updated.
func (lru *HashLRU) Add(key, hash string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key, hash: hash})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *HashLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
		lru.evictions++
	}
}

// Size returns current number of entries
func (lru *HashLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (lru *HashLRU) Evictions() int64 {
	return lru.evictions
}
