// Package cache implements the process-wide namespaced TTL store with
// approximate LRU eviction, glob invalidation, and an optional Redis
// write-through tier.
package cache

import (
	"context"
	"encoding/json"
	"path"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/parlaylab/parlay-core/internal/metrics"
	"github.com/parlaylab/parlay-core/pkg/logger"
)

// Namespace partitions the cache by concern.
type Namespace string

const (
	NamespaceCorrelation  Namespace = "correlation"
	NamespaceFactor       Namespace = "factor"
	NamespaceCopula       Namespace = "copula"
	NamespaceMonteCarlo   Namespace = "monte_carlo"
	NamespaceOptimization Namespace = "optimization"
	NamespaceEdge         Namespace = "edge"
	NamespaceProp         Namespace = "prop"
)

// Namespaces lists every known cache namespace.
func Namespaces() []Namespace {
	return []Namespace{
		NamespaceCorrelation, NamespaceFactor, NamespaceCopula,
		NamespaceMonteCarlo, NamespaceOptimization, NamespaceEdge, NamespaceProp,
	}
}

type entry struct {
	value      interface{}
	sizeBytes  int64
	expiresAt  time.Time
	lastAccess time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store is the in-memory tier with optional Redis write-through. All
// operations are safe for concurrent use.
type Store struct {
	mu         sync.Mutex
	entries    map[Namespace]map[string]*entry
	maxEntries int
	count      int

	stats map[Namespace]*counters

	remote    *redis.Client
	remoteTTL bool

	flight singleflight.Group
	log    *logrus.Entry
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithRemote enables write-through to a secondary Redis tier.
func WithRemote(client *redis.Client) Option {
	return func(s *Store) { s.remote = client }
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a cache bounded at maxEntries in-memory entries.
func NewStore(maxEntries int, opts ...Option) *Store {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	s := &Store{
		entries:    make(map[Namespace]map[string]*entry),
		maxEntries: maxEntries,
		stats:      make(map[Namespace]*counters),
		log:        logger.WithComponent("cache"),
		now:        time.Now,
	}
	for _, ns := range Namespaces() {
		s.entries[ns] = make(map[string]*entry)
		s.stats[ns] = &counters{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) namespaceMap(ns Namespace) map[string]*entry {
	m, ok := s.entries[ns]
	if !ok {
		m = make(map[string]*entry)
		s.entries[ns] = m
		s.stats[ns] = &counters{}
	}
	return m
}

// Get returns the cached value, removing it first if expired.
func (s *Store) Get(ctx context.Context, key string, ns Namespace) (interface{}, bool) {
	s.mu.Lock()
	m := s.namespaceMap(ns)
	c := s.stats[ns]
	e, ok := m[key]
	if ok && e.expired(s.now()) {
		delete(m, key)
		s.count--
		c.deletes++
		ok = false
	}
	if !ok {
		c.misses++
		metrics.CacheMisses.WithLabelValues(string(ns)).Inc()
		s.mu.Unlock()
		return s.remoteGet(ctx, key, ns)
	}
	e.lastAccess = s.now()
	c.hits++
	metrics.CacheHits.WithLabelValues(string(ns)).Inc()
	v := e.value
	s.mu.Unlock()
	return v, true
}

// Set stores value with the given TTL, evicting least-recently-used entries
// when the store is full.
func (s *Store) Set(ctx context.Context, key string, value interface{}, ttl time.Duration, ns Namespace) {
	now := s.now()
	e := &entry{
		value:      value,
		sizeBytes:  approximateSize(value),
		lastAccess: now,
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}

	s.mu.Lock()
	m := s.namespaceMap(ns)
	if _, exists := m[key]; !exists {
		if s.count >= s.maxEntries {
			s.evictLocked()
		}
		s.count++
	}
	m[key] = e
	s.stats[ns].sets++
	s.mu.Unlock()

	s.remoteSet(ctx, key, value, ttl, ns)
}

// evictLocked removes the least-recently-accessed entries until the store is
// at least 10% under capacity. Caller holds s.mu.
func (s *Store) evictLocked() {
	target := s.maxEntries - s.maxEntries/10
	if target < 1 {
		target = s.maxEntries - 1
	}

	type victim struct {
		ns  Namespace
		key string
		at  time.Time
	}

	for s.count > target {
		var oldest *victim
		for ns, m := range s.entries {
			for key, e := range m {
				if oldest == nil || e.lastAccess.Before(oldest.at) {
					oldest = &victim{ns: ns, key: key, at: e.lastAccess}
				}
			}
		}
		if oldest == nil {
			return
		}
		delete(s.entries[oldest.ns], oldest.key)
		s.count--
		s.stats[oldest.ns].evictions++
		metrics.CacheEvictions.WithLabelValues(string(oldest.ns)).Inc()
	}
}

// GetOrSet returns the cached value or computes it via factory, storing the
// result. Concurrent callers for the same key share a single factory run.
func (s *Store) GetOrSet(ctx context.Context, key string, ttl time.Duration, ns Namespace, factory func(context.Context) (interface{}, error)) (interface{}, error) {
	if v, ok := s.Get(ctx, key, ns); ok {
		return v, nil
	}

	flightKey := string(ns) + ":" + key
	v, err, _ := s.flight.Do(flightKey, func() (interface{}, error) {
		// Re-check under the flight: a concurrent caller may have stored it.
		if v, ok := s.Get(ctx, key, ns); ok {
			return v, nil
		}
		v, err := factory(ctx)
		if err != nil {
			return nil, err
		}
		s.Set(ctx, key, v, ttl, ns)
		return v, nil
	})
	return v, err
}

// Invalidate removes all keys matching the glob pattern (`*` and `?`). When
// no namespaces are given, every namespace is scanned. Returns the number of
// in-memory entries removed.
func (s *Store) Invalidate(ctx context.Context, pattern string, namespaces ...Namespace) int {
	if len(namespaces) == 0 {
		namespaces = Namespaces()
	}

	removed := 0
	s.mu.Lock()
	for _, ns := range namespaces {
		m := s.namespaceMap(ns)
		for key := range m {
			if matched, err := path.Match(pattern, key); err == nil && matched {
				delete(m, key)
				s.count--
				s.stats[ns].deletes++
				removed++
			}
		}
	}
	s.mu.Unlock()

	s.remoteInvalidate(ctx, pattern, namespaces)

	s.log.WithFields(logrus.Fields{
		"pattern": pattern,
		"removed": removed,
	}).Debug("Cache invalidation complete")
	return removed
}

// ClearNamespace drops every entry in a namespace.
func (s *Store) ClearNamespace(ctx context.Context, ns Namespace) int {
	s.mu.Lock()
	m := s.namespaceMap(ns)
	n := len(m)
	s.count -= n
	s.stats[ns].deletes += int64(n)
	s.entries[ns] = make(map[string]*entry)
	s.mu.Unlock()

	s.remoteInvalidate(ctx, "*", []Namespace{ns})
	return n
}

// ClearAll drops every entry in every namespace.
func (s *Store) ClearAll(ctx context.Context) {
	for _, ns := range Namespaces() {
		s.ClearNamespace(ctx, ns)
	}
}

// WarmEntry is a key/value pair for bulk population.
type WarmEntry struct {
	Key   string
	Value interface{}
	TTL   time.Duration
}

// Warm bulk-populates a namespace.
func (s *Store) Warm(ctx context.Context, entries []WarmEntry, ns Namespace) {
	for _, w := range entries {
		s.Set(ctx, w.Key, w.Value, w.TTL, ns)
	}
	s.log.WithFields(logrus.Fields{
		"namespace": ns,
		"entries":   len(entries),
	}).Info("Cache namespace warmed")
}

// Len returns the current in-memory entry count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Remote tier helpers. Failures degrade to in-memory behavior.

func remoteKey(ns Namespace, key string) string {
	return "parlay:" + string(ns) + ":" + key
}

func (s *Store) remoteGet(ctx context.Context, key string, ns Namespace) (interface{}, bool) {
	if s.remote == nil {
		return nil, false
	}
	data, err := s.remote.Get(ctx, remoteKey(ns, key)).Bytes()
	if err != nil {
		return nil, false
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false
	}
	return v, true
}

func (s *Store) remoteSet(ctx context.Context, key string, value interface{}, ttl time.Duration, ns Namespace) {
	if s.remote == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := s.remote.Set(ctx, remoteKey(ns, key), data, ttl).Err(); err != nil {
		s.log.WithError(err).WithField("cache_key", key).Warn("Remote cache set failed")
	}
}

func (s *Store) remoteInvalidate(ctx context.Context, pattern string, namespaces []Namespace) {
	if s.remote == nil {
		return
	}
	for _, ns := range namespaces {
		keys, err := s.remote.Keys(ctx, remoteKey(ns, pattern)).Result()
		if err != nil || len(keys) == 0 {
			continue
		}
		if err := s.remote.Del(ctx, keys...).Err(); err != nil {
			s.log.WithError(err).Warn("Remote cache invalidation failed")
		}
	}
}

func approximateSize(v interface{}) int64 {
	switch val := v.(type) {
	case string:
		return int64(len(val))
	case []byte:
		return int64(len(val))
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return 64
		}
		return int64(len(data))
	}
}
