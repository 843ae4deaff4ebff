// Package cache implements an LRU, TTL, and memory-bounded cache for query
// results, keyed by a canonical serialization of the query shape.
package cache

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rowquery/rowquery/store"
	"go.uber.org/zap"
)

// Config holds construction options. Zero values mean defaults.
type Config struct {
	// MaxEntries caps the number of cached results. Default 100.
	MaxEntries int
	// TTL is how long an entry stays valid. Default 5 minutes.
	TTL time.Duration
	// MaxMemory is the estimated byte budget. Default 50 MB.
	MaxMemory int64
	Logger    *zap.Logger
}

const (
	defaultMaxEntries = 100
	defaultTTL        = 5 * time.Minute
	defaultMaxMemory  = 50 * 1024 * 1024
)

type entry struct {
	value    interface{}
	storedAt time.Time
	hits     int
	size     int64
}

// QueryCache caches query results. Safe for concurrent use; statistics reads
// never mutate cache state.
type QueryCache struct {
	mu        sync.Mutex
	lru       *simplelru.LRU[string, *entry]
	ttl       time.Duration
	maxMemory int64
	memUsage  int64
	hits      uint64
	misses    uint64
	evictions uint64
	// purging suppresses the eviction counter while Invalidate removes
	// entries deliberately.
	purging bool
	logger  *zap.Logger
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Entries     int
	MemoryBytes int64
	HitRate     float64
}

// New creates a QueryCache.
func New(cfg Config) *QueryCache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.MaxMemory <= 0 {
		cfg.MaxMemory = defaultMaxMemory
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	c := &QueryCache{
		ttl:       cfg.TTL,
		maxMemory: cfg.MaxMemory,
		logger:    cfg.Logger,
	}
	// The callback fires for capacity evictions and explicit removals alike;
	// it keeps the memory accounting honest in both cases.
	lru, err := simplelru.NewLRU(cfg.MaxEntries, func(key string, e *entry) {
		c.memUsage -= e.size
		if !c.purging {
			c.evictions++
			c.logger.Debug("cache entry evicted", zap.String("key", key), zap.Int64("size", e.size))
		}
	})
	if err != nil {
		// Only reachable with a non-positive size, which the defaults prevent.
		panic(err)
	}
	c.lru = lru
	return c
}

// Key builds the canonical cache key for a query descriptor. Filters are
// sorted and options normalized (columns default to "*"; absent ordering and
// window stay null) so logically equivalent queries collide on the same key
// regardless of the order fluent methods were called in.
func Key(q store.Query) string {
	filters := make([]store.Filter, len(q.Filters))
	copy(filters, q.Filters)
	sortFilters(filters)

	columns := q.Columns
	if columns == "" {
		columns = "*"
	}

	shape := struct {
		Collection string            `json:"collection"`
		Filters    []store.Filter    `json:"filters"`
		Columns    string            `json:"columns"`
		Orders     []store.Order     `json:"orders"`
		Limit      *int              `json:"limit"`
		Offset     *int              `json:"offset"`
		Single     bool              `json:"single"`
		Count      string            `json:"count"`
		Search     *store.TextSearch `json:"search"`
	}{
		Collection: q.Collection,
		Filters:    filters,
		Columns:    columns,
		Orders:     q.Orders,
		Limit:      q.Limit,
		Offset:     q.Offset,
		Single:     q.Single,
		Count:      string(q.Count),
		Search:     q.Search,
	}

	raw, err := json.Marshal(shape)
	if err != nil {
		// Unserializable filter values fall back to a formatted key.
		return fmt.Sprintf("%s|%v", q.Collection, shape)
	}
	return string(raw)
}

func sortFilters(filters []store.Filter) {
	for i := range filters {
		if len(filters[i].Or) > 0 {
			sortFilters(filters[i].Or)
		}
	}
	sort.SliceStable(filters, func(i, j int) bool {
		if filters[i].Column != filters[j].Column {
			return filters[i].Column < filters[j].Column
		}
		if filters[i].Operator != filters[j].Operator {
			return filters[i].Operator < filters[j].Operator
		}
		return fmt.Sprint(filters[i].Value) < fmt.Sprint(filters[j].Value)
	})
}

// Get returns the cached value for key. Expired entries are evicted on
// access; a hit refreshes the entry's LRU position and hit counter.
func (c *QueryCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	if time.Since(e.storedAt) > c.ttl {
		c.lru.Remove(key)
		c.misses++
		return nil, false
	}
	e.hits++
	c.hits++
	return e.value, true
}

// Set stores a value under key. If the estimated size would exceed the
// memory budget, lowest-hit entries are evicted first until it fits; the
// entry-count cap evicts the least recently used entry.
func (c *QueryCache) Set(key string, value interface{}) {
	size := estimateSize(value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if size > c.maxMemory {
		c.logger.Debug("value exceeds cache memory budget, not cached",
			zap.String("key", key), zap.Int64("size", size))
		return
	}

	// Replacing an existing entry must not double-count its size.
	if _, ok := c.lru.Peek(key); ok {
		c.purging = true
		c.lru.Remove(key)
		c.purging = false
	}

	for c.memUsage+size > c.maxMemory && c.lru.Len() > 0 {
		c.evictColdest()
	}

	c.lru.Add(key, &entry{value: value, storedAt: time.Now(), size: size})
	c.memUsage += size
}

// evictColdest removes the entry with the fewest hits. Called with the lock
// held.
func (c *QueryCache) evictColdest() {
	var coldest string
	minHits := -1
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok {
			if minHits == -1 || e.hits < minHits {
				minHits = e.hits
				coldest = key
			}
		}
	}
	if minHits >= 0 {
		c.lru.Remove(coldest)
	}
}

// Invalidate removes entries whose key matches pattern. The pattern is tried
// as a regular expression first and falls back to a plain substring match;
// an empty pattern clears the whole cache.
func (c *QueryCache) Invalidate(pattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purging = true
	defer func() { c.purging = false }()

	if pattern == "" {
		c.lru.Purge()
		c.memUsage = 0
		return
	}

	matches := func(key string) bool { return strings.Contains(key, pattern) }
	if re, err := regexp.Compile(pattern); err == nil {
		matches = re.MatchString
	}

	for _, key := range c.lru.Keys() {
		if matches(key) {
			c.lru.Remove(key)
		}
	}
}

// Stats returns a snapshot of the cache counters.
func (c *QueryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Entries:     c.lru.Len(),
		MemoryBytes: c.memUsage,
		HitRate:     rate,
	}
}

// estimateSize approximates the in-memory footprint of a value as twice its
// serialized length, a cheap proxy that tracks result payload growth.
func estimateSize(value interface{}) int64 {
	raw, err := json.Marshal(value)
	if err != nil {
		return 64
	}
	return int64(len(raw)) * 2
}
