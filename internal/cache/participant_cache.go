package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"CentralLedger/internal/ledger"
	"CentralLedger/internal/observability"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Source is the authoritative store behind the cache.
type Source interface {
	ResolveAccount(ctx context.Context, participant, currency string, accountType ledger.LedgerAccountType) (ledger.ParticipantCurrency, error)
	GetAccountSnapshots(ctx context.Context, ids []int64) (map[int64]ledger.AccountSnapshot, error)
}

type entry[T any] struct {
	value   T
	expires time.Time
}

// ParticipantCache caches participant accounts and account snapshots in
// process and, when a client is configured, in Redis so that several
// switch instances share one warm copy. Redis errors fall through to the
// source.
type ParticipantCache struct {
	source Source
	client redis.UniversalClient
	prefix string
	ttl    time.Duration

	mu        sync.RWMutex
	accounts  map[string]entry[ledger.ParticipantCurrency]
	snapshots map[int64]entry[ledger.AccountSnapshot]

	now     func() time.Time
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// New builds a cache over source. client may be nil.
func New(source Source, client redis.UniversalClient, prefix string, ttl time.Duration, metrics *observability.Metrics) *ParticipantCache {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "cl:participant"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &ParticipantCache{
		source:    source,
		client:    client,
		prefix:    prefix,
		ttl:       ttl,
		accounts:  make(map[string]entry[ledger.ParticipantCurrency]),
		snapshots: make(map[int64]entry[ledger.AccountSnapshot]),
		now:       time.Now,
		metrics:   metrics,
		logger:    observability.NewLogger("participant-cache"),
	}
}

// Connect parses a redis URL and pings it. An empty URL returns nil so the
// cache runs in-process only.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	if strings.TrimSpace(url) == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func accountKey(participant, currency string, accountType ledger.LedgerAccountType) string {
	return participant + ":" + currency + ":" + string(accountType)
}

// ResolveAccount returns the account of participant for currency and type.
func (c *ParticipantCache) ResolveAccount(ctx context.Context, participant, currency string, accountType ledger.LedgerAccountType) (ledger.ParticipantCurrency, error) {
	key := accountKey(participant, currency, accountType)

	c.mu.RLock()
	e, ok := c.accounts[key]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expires) {
		c.count("local")
		return e.value, nil
	}

	var acc ledger.ParticipantCurrency
	if c.getRemote(ctx, c.prefix+":account:"+key, &acc) {
		c.count("redis")
		c.storeAccount(key, acc)
		return acc, nil
	}

	c.count("source")
	acc, err := c.source.ResolveAccount(ctx, participant, currency, accountType)
	if err != nil {
		return ledger.ParticipantCurrency{}, err
	}
	c.storeAccount(key, acc)
	c.setRemote(ctx, c.prefix+":account:"+key, acc)
	return acc, nil
}

// AccountSnapshots returns the snapshots of ids, loading the misses from the
// source in one call.
func (c *ParticipantCache) AccountSnapshots(ctx context.Context, ids []int64) (map[int64]ledger.AccountSnapshot, error) {
	out := make(map[int64]ledger.AccountSnapshot, len(ids))
	var missing []int64

	now := c.now()
	c.mu.RLock()
	for _, id := range ids {
		if e, ok := c.snapshots[id]; ok && now.Before(e.expires) {
			out[id] = e.value
		}
	}
	c.mu.RUnlock()

	for _, id := range ids {
		if _, ok := out[id]; ok {
			c.count("local")
			continue
		}
		var snap ledger.AccountSnapshot
		if c.getRemote(ctx, c.snapshotKey(id), &snap) {
			c.count("redis")
			out[id] = snap
			c.storeSnapshot(id, snap)
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	c.count("source")
	loaded, err := c.source.GetAccountSnapshots(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, snap := range loaded {
		out[id] = snap
		c.storeSnapshot(id, snap)
		c.setRemote(ctx, c.snapshotKey(id), snap)
	}
	return out, nil
}

// InvalidateAccounts drops the snapshots of ids. Admin writes that move a
// settlement position or a limit call it before they return.
func (c *ParticipantCache) InvalidateAccounts(ctx context.Context, ids ...int64) {
	c.mu.Lock()
	for _, id := range ids {
		delete(c.snapshots, id)
	}
	c.mu.Unlock()

	if c.client == nil || len(ids) == 0 {
		return
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.snapshotKey(id)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("redis invalidate failed")
	}
}

// InvalidateParticipant drops every cached account of participant.
func (c *ParticipantCache) InvalidateParticipant(ctx context.Context, participant string) {
	prefix := participant + ":"
	var ids []int64
	c.mu.Lock()
	for key, e := range c.accounts {
		if strings.HasPrefix(key, prefix) {
			ids = append(ids, e.value.ID)
			delete(c.accounts, key)
		}
	}
	c.mu.Unlock()
	c.InvalidateAccounts(ctx, ids...)

	if c.client == nil {
		return
	}
	iter := c.client.Scan(ctx, 0, c.prefix+":account:"+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.logger.Warn().Err(err).Str("key", iter.Val()).Msg("redis invalidate failed")
		}
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn().Err(err).Msg("redis scan failed")
	}
}

// Close releases the Redis client.
func (c *ParticipantCache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *ParticipantCache) snapshotKey(id int64) string {
	return c.prefix + ":snapshot:" + strconv.FormatInt(id, 10)
}

func (c *ParticipantCache) storeAccount(key string, acc ledger.ParticipantCurrency) {
	c.mu.Lock()
	c.accounts[key] = entry[ledger.ParticipantCurrency]{value: acc, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *ParticipantCache) storeSnapshot(id int64, snap ledger.AccountSnapshot) {
	c.mu.Lock()
	c.snapshots[id] = entry[ledger.AccountSnapshot]{value: snap, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *ParticipantCache) getRemote(ctx context.Context, key string, v any) bool {
	if c.client == nil {
		return false
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Str("key", key).Msg("redis get failed")
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("discarding undecodable cache entry")
		return false
	}
	return true
}

func (c *ParticipantCache) setRemote(ctx context.Context, key string, v any) {
	if c.client == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("redis set failed")
	}
}

func (c *ParticipantCache) count(tier string) {
	if c.metrics != nil {
		c.metrics.CacheLookups.WithLabelValues(tier).Inc()
	}
}
