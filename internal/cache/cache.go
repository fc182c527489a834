// Package cache provides the short-TTL mapping from feed identifier to the
// latest aggregated price. The TTL is deliberately short: the freshness gate
// upstream already bounds data age, so the cache only collapses bursts of
// identical requests.
package cache

import (
	"sync"
	"time"

	"github.com/feedpulse/feedpulse/internal/metrics"
	"github.com/feedpulse/feedpulse/internal/models"
)

// PriceCache is a concurrent FeedID -> AggregatedPrice map with per-entry
// write times and LRU eviction at capacity.
type PriceCache struct {
	mu         sync.RWMutex
	entries    map[models.FeedID]*entry
	ttl        time.Duration
	maxEntries int64
	metrics    *metrics.Metrics
	stats      Stats

	stopCh   chan struct{}
	stopOnce sync.Once
}

type entry struct {
	value    models.AggregatedPrice
	written  time.Time
	accessed time.Time
}

// Stats is a snapshot of cache performance counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Entries   int64 `json:"entries"`
}

// New creates a price cache. A nil metrics bundle disables instrumentation.
func New(ttl time.Duration, maxEntries int64, m *metrics.Metrics) *PriceCache {
	c := &PriceCache{
		entries:    make(map[models.FeedID]*entry),
		ttl:        ttl,
		maxEntries: maxEntries,
		metrics:    m,
		stopCh:     make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get returns the cached aggregate for a feed. The second return is false on
// miss or when the entry has outlived the TTL.
func (c *PriceCache) Get(feed models.FeedID) (models.AggregatedPrice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[feed]
	if !ok || time.Since(e.written) > c.ttl {
		c.stats.Misses++
		if c.metrics != nil {
			c.metrics.CacheMisses.Inc()
		}
		return models.AggregatedPrice{}, false
	}
	e.accessed = time.Now()
	c.stats.Hits++
	if c.metrics != nil {
		c.metrics.CacheHits.Inc()
	}
	return e.value, true
}

// GetStale returns the cached aggregate regardless of TTL, with the entry
// age, so callers can serve stale values with an explicit flag.
func (c *PriceCache) GetStale(feed models.FeedID) (models.AggregatedPrice, time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[feed]
	if !ok {
		return models.AggregatedPrice{}, 0, false
	}
	return e.value, time.Since(e.written), true
}

// Set overwrites the cached aggregate for a feed.
func (c *PriceCache) Set(feed models.FeedID, value models.AggregatedPrice) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[feed]; !exists && int64(len(c.entries)) >= c.maxEntries {
		c.evictLRU()
	}
	now := time.Now()
	c.entries[feed] = &entry{value: value, written: now, accessed: now}
}

// Stats returns a snapshot of the counters.
func (c *PriceCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.stats
	s.Entries = int64(len(c.entries))
	return s
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (c *PriceCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// evictLRU removes the least recently accessed entry. Caller holds mu.
func (c *PriceCache) evictLRU() {
	var oldestKey models.FeedID
	var oldestTime time.Time
	first := true
	for key, e := range c.entries {
		if first || e.accessed.Before(oldestTime) {
			oldestTime = e.accessed
			oldestKey = key
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
		c.stats.Evictions++
	}
}

func (c *PriceCache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *PriceCache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if time.Since(e.written) > c.ttl {
			delete(c.entries, key)
		}
	}
}
