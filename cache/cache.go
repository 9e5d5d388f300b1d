// Copyright 2025 The imgbase Authors
// This file is part of the imgbase library.
//
// The imgbase library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The imgbase library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the imgbase library. If not, see <http://www.gnu.org/licenses/>.

// Package cache implements the content-addressed conversion cache: a
// fingerprint-keyed artifact store with LRU eviction by byte budget, entry
// count and age, and at-most-one concurrent computation per fingerprint.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var (
	metricHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "imgbase", Subsystem: "cache", Name: "hits_total",
		Help: "Cache lookups served from a stored artifact.",
	})
	metricMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "imgbase", Subsystem: "cache", Name: "misses_total",
		Help: "Cache lookups that ran the producer.",
	})
	metricEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "imgbase", Subsystem: "cache", Name: "evictions_total",
		Help: "Entries evicted by size, count or age pressure.",
	})
	metricSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "imgbase", Subsystem: "cache", Name: "size_bytes",
		Help: "Current accounted cache size.",
	})
)

// Config bounds the cache.
type Config struct {
	MaxBytes      int64
	MaxEntries    int
	MaxAge        time.Duration
	SweepInterval time.Duration
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Evictions  uint64 `json:"evictions"`
	Entries    int    `json:"entries"`
	SizeBytes  int64  `json:"size_bytes"`
	MaxBytes   int64  `json:"max_bytes"`
	MaxEntries int    `json:"max_entries"`
	Backend    string `json:"backend"`
}

// Cache is safe for concurrent use. All artifact bytes live in the backend;
// the cache owns the recency index, size accounting and compute coalescing.
type Cache struct {
	cfg     Config
	backend Backend
	name    string
	log     *logrus.Entry

	mu    sync.Mutex
	index *lruIndex

	flight singleflight.Group

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New builds a cache over the given backend, rebuilds the index from
// whatever the backend already holds, and starts the age sweep when a sweep
// interval is configured.
func New(cfg Config, backend Backend, name string, log *logrus.Entry) *Cache {
	c := &Cache{
		cfg:     cfg,
		backend: backend,
		name:    name,
		log:     log.WithField("component", "cache"),
		index:   newLRUIndex(),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.rebuildIndex()
	if cfg.SweepInterval > 0 {
		go c.sweepLoop()
	} else {
		close(c.done)
	}
	return c
}

func (c *Cache) rebuildIndex() {
	err := c.backend.Walk(func(key string, size int64, modified time.Time) error {
		c.index.add(&entry{key: key, size: size, createdAt: modified, lastAccessed: modified})
		return nil
	})
	if err != nil {
		c.log.WithError(err).Warn("cache index rebuild failed; starting empty")
		c.index = newLRUIndex()
		return
	}
	c.mu.Lock()
	c.evictLocked("")
	n, size := c.index.len(), c.index.size
	c.mu.Unlock()
	metricSizeBytes.Set(float64(size))
	if n > 0 {
		c.log.WithFields(logrus.Fields{"entries": n, "size_bytes": size}).Info("cache index rebuilt")
	}
}

// GetOrCompute returns the artifact for the fingerprint, running produce on
// a miss. Concurrent callers for the same fingerprint share one producer
// invocation and observe the same artifact or the same error. A failed
// produce leaves no entry behind.
func (c *Cache) GetOrCompute(fingerprint string, produce func() (*Artifact, error)) (*Artifact, bool, error) {
	if art := c.lookup(fingerprint); art != nil {
		c.hits.Add(1)
		metricHits.Inc()
		return art, true, nil
	}

	computed := false
	v, err, _ := c.flight.Do(fingerprint, func() (interface{}, error) {
		// A previous flight may have stored the entry between our lookup and
		// acquiring the flight slot.
		if art := c.lookup(fingerprint); art != nil {
			return art, nil
		}
		computed = true
		c.misses.Add(1)
		metricMisses.Inc()
		art, err := produce()
		if err != nil {
			return nil, err
		}
		c.store(fingerprint, art)
		return art, nil
	})
	if err != nil {
		return nil, false, err
	}
	art := v.(*Artifact)
	if !computed {
		c.hits.Add(1)
		metricHits.Inc()
		return art, true, nil
	}
	return art, false, nil
}

// Get returns a stored artifact without computing, or nil on miss.
func (c *Cache) Get(fingerprint string) *Artifact {
	if art := c.lookup(fingerprint); art != nil {
		c.hits.Add(1)
		metricHits.Inc()
		return art
	}
	c.misses.Add(1)
	metricMisses.Inc()
	return nil
}

// lookup checks the index and fetches from the backend. Backend failures
// degrade to a miss: CACHE_UNAVAILABLE is never promoted to the caller.
func (c *Cache) lookup(fingerprint string) *Artifact {
	c.mu.Lock()
	e := c.index.get(fingerprint, time.Now())
	c.mu.Unlock()
	if e == nil {
		return nil
	}
	raw, err := c.backend.Get(fingerprint)
	if err != nil {
		if err != ErrNotFound {
			c.log.WithError(err).WithField("fingerprint", fingerprint).
				Warn("cache backend read failed; treating as miss")
		}
		c.dropIndexEntry(fingerprint)
		return nil
	}
	art, err := decodeArtifact(raw)
	if err != nil {
		c.log.WithError(err).WithField("fingerprint", fingerprint).
			Warn("corrupt cache artifact; dropping")
		c.dropIndexEntry(fingerprint)
		c.backend.Delete(fingerprint)
		return nil
	}
	return art
}

func (c *Cache) dropIndexEntry(fingerprint string) {
	c.mu.Lock()
	c.index.remove(fingerprint)
	metricSizeBytes.Set(float64(c.index.size))
	c.mu.Unlock()
}

// store writes the artifact through the backend and indexes it, evicting as
// needed to stay inside the budgets. Artifacts too large to ever fit are not
// cached. Backend write failures are logged and swallowed; the computed
// artifact is still handed to callers.
func (c *Cache) store(fingerprint string, art *Artifact) {
	raw, err := encodeArtifact(art)
	if err != nil {
		c.log.WithError(err).Warn("artifact encode failed; not caching")
		return
	}
	stored, err := c.backend.Put(fingerprint, raw)
	if err != nil {
		c.log.WithError(err).WithField("fingerprint", fingerprint).
			Warn("cache backend write failed; not caching")
		return
	}
	if c.cfg.MaxBytes > 0 && stored > c.cfg.MaxBytes {
		c.backend.Delete(fingerprint)
		c.log.WithField("size", stored).Debug("artifact exceeds cache budget; not caching")
		return
	}
	now := time.Now()
	c.mu.Lock()
	c.index.add(&entry{
		key: fingerprint, size: stored,
		createdAt: now, lastAccessed: now,
		meta: art.Meta,
	})
	evicted := c.evictLocked(fingerprint)
	size := c.index.size
	c.mu.Unlock()
	metricSizeBytes.Set(float64(size))
	for _, key := range evicted {
		c.backend.Delete(key)
	}
}

// evictLocked removes LRU entries until both budgets hold, sparing keep.
// Caller holds c.mu; returns the evicted keys for backend deletion outside
// the lock.
func (c *Cache) evictLocked(keep string) []string {
	var evicted []string
	overBudget := func() bool {
		if c.cfg.MaxBytes > 0 && c.index.size > c.cfg.MaxBytes {
			return true
		}
		if c.cfg.MaxEntries > 0 && c.index.len() > c.cfg.MaxEntries {
			return true
		}
		return false
	}
	for overBudget() {
		e, ok := c.index.removeOldest()
		if !ok {
			break
		}
		if e.key == keep {
			// Never evict the entry a pending compute just produced; put it
			// back at the front and take the next oldest.
			c.index.add(e)
			if c.index.len() == 1 {
				break
			}
			e, ok = c.index.removeOldest()
			if !ok {
				break
			}
		}
		evicted = append(evicted, e.key)
		c.evictions.Add(1)
		metricEvictions.Inc()
	}
	return evicted
}

// Invalidate removes one entry. Reports whether it existed.
func (c *Cache) Invalidate(fingerprint string) bool {
	c.mu.Lock()
	_, ok := c.index.remove(fingerprint)
	size := c.index.size
	c.mu.Unlock()
	metricSizeBytes.Set(float64(size))
	c.backend.Delete(fingerprint)
	return ok
}

// Clear empties the cache, returning the removed entry count and freed
// bytes.
func (c *Cache) Clear() (int, int64) {
	c.mu.Lock()
	keys := c.index.keys()
	count, freed := c.index.purge()
	c.mu.Unlock()
	metricSizeBytes.Set(0)
	for _, key := range keys {
		c.backend.Delete(key)
	}
	c.log.WithFields(logrus.Fields{"entries": count, "freed_bytes": freed}).Info("cache cleared")
	return count, freed
}

// Stats snapshots the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries, size := c.index.len(), c.index.size
	c.mu.Unlock()
	return Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Evictions:  c.evictions.Load(),
		Entries:    entries,
		SizeBytes:  size,
		MaxBytes:   c.cfg.MaxBytes,
		MaxEntries: c.cfg.MaxEntries,
		Backend:    c.name,
	}
}

// SweepExpired removes entries older than the configured max age. Returns
// the number removed. Exposed for the sweep loop and tests.
func (c *Cache) SweepExpired() int {
	if c.cfg.MaxAge <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-c.cfg.MaxAge)
	c.mu.Lock()
	keys := c.index.expired(cutoff)
	for _, key := range keys {
		c.index.remove(key)
		c.evictions.Add(1)
		metricEvictions.Inc()
	}
	size := c.index.size
	c.mu.Unlock()
	metricSizeBytes.Set(float64(size))
	for _, key := range keys {
		c.backend.Delete(key)
	}
	if len(keys) > 0 {
		c.log.WithField("expired", len(keys)).Debug("cache sweep removed aged entries")
	}
	return len(keys)
}

func (c *Cache) sweepLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.SweepExpired()
		case <-c.quit:
			return
		}
	}
}

// Close stops the sweeper and closes the backend.
func (c *Cache) Close() error {
	c.stopOnce.Do(func() { close(c.quit) })
	<-c.done
	return c.backend.Close()
}
