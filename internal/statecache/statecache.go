// Package statecache provides the process-local device state cache.
//
// Entries expire by TTL and evict least-recently-used under capacity
// pressure. Concurrent misses for the same entity are coalesced into a
// single upstream fetch; the cache is never a source of truth.
package statecache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Logger defines the logging interface used by the Cache.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// FetchFunc loads an entity's current state from upstream on a cache miss.
type FetchFunc func(ctx context.Context) (any, error)

// Config holds cache tuning settings.
type Config struct {
	// TTL is how long a fetched value is served before it reads as absent.
	// Default: 60s.
	TTL time.Duration

	// Capacity bounds the entry count; the least recently used entry is
	// evicted when exceeded. Default: 1024.
	Capacity int
}

// entry is one cached value plus its freshness stamp.
type entry struct {
	key       string
	value     any
	fetchedAt time.Time
}

// Cache is a TTL and LRU bounded in-memory state cache.
//
// Thread Safety: all methods are safe for concurrent use.
type Cache struct {
	cfg    Config
	logger Logger

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front is most recently used

	flight singleflight.Group

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a state cache.
func New(cfg Config) *Cache {
	if cfg.TTL == 0 {
		cfg.TTL = 60 * time.Second
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = 1024
	}
	return &Cache{
		cfg:     cfg,
		logger:  noopLogger{},
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// SetLogger sets the logger for the cache.
func (c *Cache) SetLogger(logger Logger) {
	c.logger = logger
}

// Get returns the cached value for an entity, fetching on a miss.
//
// A fresh entry is returned directly and marked recently used. A missing or
// expired entry triggers exactly one upstream fetch per entity even under
// concurrent callers; every waiting caller observes that one fetch's result.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - entityID: Cache key
//   - fetch: Upstream loader invoked on a miss
//
// Returns:
//   - any: The cached or freshly fetched value
//   - error: The fetch error, shared by all coalesced callers
func (c *Cache) Get(ctx context.Context, entityID string, fetch FetchFunc) (any, error) {
	if value, ok := c.lookup(entityID); ok {
		return value, nil
	}

	value, err, _ := c.flight.Do(entityID, func() (any, error) {
		// A coalesced caller may arrive just after the winner stored the
		// value; serve that instead of fetching again.
		if value, ok := c.lookup(entityID); ok {
			return value, nil
		}

		// The fetch result is shared by every coalesced caller, so the
		// winner's cancellation must not fail it for the rest.
		value, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, fmt.Errorf("fetching state for %s: %w", entityID, err)
		}

		c.Put(entityID, value)
		return value, nil
	})
	return value, err
}

// Put stores or refreshes an entity's value, marking it most recently used.
// Called by the ingestion path so reads need not always hit upstream.
func (c *Cache) Put(entityID string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[entityID]; ok {
		elem.Value.(*entry).value = value
		elem.Value.(*entry).fetchedAt = c.now()
		c.order.MoveToFront(elem)
		return
	}

	c.entries[entityID] = c.order.PushFront(&entry{
		key:       entityID,
		value:     value,
		fetchedAt: c.now(),
	})

	for len(c.entries) > c.cfg.Capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		evicted := oldest.Value.(*entry)
		c.order.Remove(oldest)
		delete(c.entries, evicted.key)
		c.logger.Debug("evicted least recently used entry", "entity_id", evicted.key)
	}
}

// Invalidate removes an entity's entry, if present.
func (c *Cache) Invalidate(entityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[entityID]; ok {
		c.order.Remove(elem)
		delete(c.entries, entityID)
	}
}

// EvictExpired removes every entry past its TTL. Run periodically by the
// scheduler so expired entries do not pin capacity until touched.
//
// Returns the number of entries removed.
func (c *Cache) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.cfg.TTL)

	evicted := 0
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		ent := elem.Value.(*entry)
		if ent.fetchedAt.Before(cutoff) {
			c.order.Remove(elem)
			delete(c.entries, ent.key)
			evicted++
		}
		elem = prev
	}

	if evicted > 0 {
		c.logger.Debug("evicted expired entries", "count", evicted)
	}
	return evicted
}

// Len returns the current entry count, including not yet evicted expired
// entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// lookup returns a fresh entry's value and marks it recently used.
// Expired entries read as absent.
func (c *Cache) lookup(entityID string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[entityID]
	if !ok {
		return nil, false
	}

	ent := elem.Value.(*entry)
	if c.now().Sub(ent.fetchedAt) >= c.cfg.TTL {
		return nil, false
	}

	c.order.MoveToFront(elem)
	return ent.value, true
}
