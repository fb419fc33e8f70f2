// Package cache provides the typed, tiered in-process cache used to memoize
// AI results, search responses, and embeddings, plus an optional Redis store
// for learned portal extraction patterns.
package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/planning-explorer/planning-explorer/internal/observability"
)

// ErrCacheMiss indicates a cache miss.
var ErrCacheMiss = errors.New("cache miss")

// Type namespaces cache entries and selects the policy applied to them.
type Type string

// Cache types.
const (
	TypeAIProcessing    Type = "ai_processing"
	TypeSearchResults   Type = "search_results"
	TypeApplicationData Type = "application_data"
	TypeEmbeddings      Type = "embeddings"
	TypeMarketInsights  Type = "market_insights"
	TypeUserSessions    Type = "user_sessions"
)

// Level orders entries for eviction. Lower levels are evicted first;
// critical entries are never evicted.
type Level int

// Eviction levels.
const (
	LevelLow Level = iota
	LevelNormal
	LevelHigh
	LevelCritical
)

// Policy is the per-type cache configuration.
type Policy struct {
	TTL          time.Duration
	MaxShare     float64 // share of the total memory budget
	Compress     bool
	DefaultLevel Level
}

// DefaultPolicies returns the per-type policies used in production.
func DefaultPolicies() map[Type]Policy {
	return map[Type]Policy{
		TypeAIProcessing:    {TTL: 24 * time.Hour, MaxShare: 0.30, Compress: true, DefaultLevel: LevelNormal},
		TypeSearchResults:   {TTL: 15 * time.Minute, MaxShare: 0.25, Compress: true, DefaultLevel: LevelNormal},
		TypeApplicationData: {TTL: time.Hour, MaxShare: 0.15, Compress: false, DefaultLevel: LevelNormal},
		TypeEmbeddings:      {TTL: 7 * 24 * time.Hour, MaxShare: 0.15, Compress: true, DefaultLevel: LevelHigh},
		TypeMarketInsights:  {TTL: 6 * time.Hour, MaxShare: 0.10, Compress: true, DefaultLevel: LevelNormal},
		TypeUserSessions:    {TTL: 30 * time.Minute, MaxShare: 0.05, Compress: false, DefaultLevel: LevelLow},
	}
}

type entry struct {
	key          string
	value        []byte
	compressed   bool
	level        Level
	createdAt    time.Time
	expiresAt    time.Time
	sizeBytes    int64
	accessCount  atomic.Int64
	lastAccessed atomic.Int64 // unix nanos
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

type bucket struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	bytes    int64
	maxBytes int64
	policy   Policy
}

// ManagerConfig holds cache manager settings.
type ManagerConfig struct {
	MaxMemoryBytes       int64
	CompressionThreshold int
	CleanupInterval      time.Duration
	Policies             map[Type]Policy
}

// Manager is the bounded, type-aware in-process cache. All mutation is
// serialized per type bucket; reads take the bucket read lock only.
type Manager struct {
	buckets              map[Type]*bucket
	compressionThreshold int
	cleanupInterval      time.Duration
	logger               *observability.Logger
	metrics              *observability.Metrics

	totalRequests atomic.Int64
	hits          atomic.Int64
	misses        atomic.Int64
	evictions     atomic.Int64
	getLatencyNs  atomic.Int64
}

// NewManager creates a cache manager with the given configuration.
func NewManager(cfg ManagerConfig, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	if cfg.MaxMemoryBytes <= 0 {
		cfg.MaxMemoryBytes = 512 << 20
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = 100 * 1024
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	policies := cfg.Policies
	if policies == nil {
		policies = DefaultPolicies()
	}

	buckets := make(map[Type]*bucket, len(policies))
	for t, p := range policies {
		buckets[t] = &bucket{
			entries:  make(map[string]*entry),
			maxBytes: int64(float64(cfg.MaxMemoryBytes) * p.MaxShare),
			policy:   p,
		}
	}

	return &Manager{
		buckets:              buckets,
		compressionThreshold: cfg.CompressionThreshold,
		cleanupInterval:      cfg.CleanupInterval,
		logger:               logger.WithComponent("cache"),
		metrics:              metrics,
	}
}

// Start launches the background expiry sweeper. It stops when ctx is done.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := m.sweep()
				if removed > 0 {
					m.logger.Debug().Int("removed", removed).Msg("expired cache entries swept")
				}
			}
		}
	}()
}

// Get loads the value stored under (key, type) into dest. Expired entries
// are treated as misses and left for the sweeper.
func (m *Manager) Get(key string, t Type, dest any) bool {
	start := time.Now()
	m.totalRequests.Add(1)

	b, ok := m.buckets[t]
	if !ok {
		m.miss(t)
		return false
	}

	b.mu.RLock()
	e, ok := b.entries[key]
	b.mu.RUnlock()

	if !ok || e.expired(time.Now()) {
		m.miss(t)
		return false
	}

	e.accessCount.Add(1)
	e.lastAccessed.Store(time.Now().UnixNano())

	raw := e.value
	if e.compressed {
		decompressed, err := gunzip(raw)
		if err != nil {
			m.logger.Warn().Err(err).Str("key", key).Msg("failed to decompress cache entry")
			m.miss(t)
			return false
		}
		raw = decompressed
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		m.logger.Warn().Err(err).Str("key", key).Msg("failed to unmarshal cache entry")
		m.miss(t)
		return false
	}

	m.hits.Add(1)
	m.getLatencyNs.Add(time.Since(start).Nanoseconds())
	if m.metrics != nil {
		m.metrics.CacheHits.WithLabelValues(string(t)).Inc()
	}
	return true
}

// Set stores value under (key, type). Returns false when the value cannot be
// admitted without evicting critical entries; callers must tolerate the miss.
func (m *Manager) Set(key string, value any, t Type, ttl time.Duration, level *Level) bool {
	b, ok := m.buckets[t]
	if !ok {
		return false
	}

	raw, err := json.Marshal(value)
	if err != nil {
		m.logger.Warn().Err(err).Str("key", key).Msg("failed to marshal cache value")
		return false
	}

	compressed := false
	if b.policy.Compress && len(raw) >= m.compressionThreshold {
		if gz, err := gzipBytes(raw); err == nil && len(gz) < len(raw) {
			raw = gz
			compressed = true
		}
	}

	if ttl <= 0 {
		ttl = b.policy.TTL
	}
	lvl := b.policy.DefaultLevel
	if level != nil {
		lvl = *level
	}

	now := time.Now()
	e := &entry{
		key:        key,
		value:      raw,
		compressed: compressed,
		level:      lvl,
		createdAt:  now,
		expiresAt:  now.Add(ttl),
		sizeBytes:  int64(len(raw)),
	}
	e.lastAccessed.Store(now.UnixNano())

	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.entries[key]; ok {
		b.bytes -= old.sizeBytes
		delete(b.entries, key)
	}

	if b.bytes+e.sizeBytes > b.maxBytes {
		if !m.evictLocked(b, b.bytes+e.sizeBytes-b.maxBytes) {
			return false
		}
	}

	b.entries[key] = e
	b.bytes += e.sizeBytes
	return true
}

// evictLocked frees at least need bytes from b, never touching critical
// entries. Caller holds the bucket write lock.
func (m *Manager) evictLocked(b *bucket, need int64) bool {
	candidates := make([]*entry, 0, len(b.entries))
	for _, e := range b.entries {
		if e.level != LevelCritical {
			candidates = append(candidates, e)
		}
	}

	var available int64
	for _, e := range candidates {
		available += e.sizeBytes
	}
	if available < need {
		return false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, c := candidates[i], candidates[j]
		if a.level != c.level {
			return a.level < c.level
		}
		if ac, cc := a.accessCount.Load(), c.accessCount.Load(); ac != cc {
			return ac < cc
		}
		return a.lastAccessed.Load() < c.lastAccessed.Load()
	})

	var freed int64
	for _, e := range candidates {
		if freed >= need {
			break
		}
		delete(b.entries, e.key)
		b.bytes -= e.sizeBytes
		freed += e.sizeBytes
		m.evictions.Add(1)
		if m.metrics != nil {
			m.metrics.CacheEvictions.Inc()
		}
	}
	return true
}

// Delete removes the entry stored under (key, type).
func (m *Manager) Delete(key string, t Type) {
	b, ok := m.buckets[t]
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		b.bytes -= e.sizeBytes
		delete(b.entries, key)
	}
}

// InvalidateByType removes every entry of the given type.
func (m *Manager) InvalidateByType(t Type) int {
	b, ok := m.buckets[t]
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.entries)
	b.entries = make(map[string]*entry)
	b.bytes = 0
	return n
}

// InvalidateByPattern removes entries whose key contains the substring,
// across all types or within one when t is non-nil.
func (m *Manager) InvalidateByPattern(substring string, t *Type) int {
	removed := 0
	for bt, b := range m.buckets {
		if t != nil && bt != *t {
			continue
		}
		b.mu.Lock()
		for key, e := range b.entries {
			if strings.Contains(key, substring) {
				b.bytes -= e.sizeBytes
				delete(b.entries, key)
				removed++
			}
		}
		b.mu.Unlock()
	}
	return removed
}

// sweep removes expired entries from all buckets.
func (m *Manager) sweep() int {
	now := time.Now()
	removed := 0
	for _, b := range m.buckets {
		b.mu.Lock()
		for key, e := range b.entries {
			if e.expired(now) {
				b.bytes -= e.sizeBytes
				delete(b.entries, key)
				removed++
			}
		}
		b.mu.Unlock()
	}
	return removed
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	TotalRequests   int64            `json:"total_requests"`
	Hits            int64            `json:"hits"`
	Misses          int64            `json:"misses"`
	Evictions       int64            `json:"evictions"`
	HitRate         float64          `json:"hit_rate"`
	Bytes           int64            `json:"bytes"`
	AvgGetLatencyUs float64          `json:"avg_get_latency_us"`
	EntriesByType   map[string]int   `json:"entries_by_type"`
	BytesByType     map[string]int64 `json:"bytes_by_type"`
}

// Stats returns a snapshot of cache statistics.
func (m *Manager) Stats() Stats {
	s := Stats{
		TotalRequests: m.totalRequests.Load(),
		Hits:          m.hits.Load(),
		Misses:        m.misses.Load(),
		Evictions:     m.evictions.Load(),
		EntriesByType: make(map[string]int, len(m.buckets)),
		BytesByType:   make(map[string]int64, len(m.buckets)),
	}
	for t, b := range m.buckets {
		b.mu.RLock()
		s.EntriesByType[string(t)] = len(b.entries)
		s.BytesByType[string(t)] = b.bytes
		s.Bytes += b.bytes
		b.mu.RUnlock()
	}
	if s.TotalRequests > 0 {
		s.HitRate = float64(s.Hits) / float64(s.TotalRequests)
	}
	if s.Hits > 0 {
		s.AvgGetLatencyUs = float64(m.getLatencyNs.Load()) / float64(s.Hits) / 1e3
	}
	return s
}

func (m *Manager) miss(t Type) {
	m.misses.Add(1)
	if m.metrics != nil {
		m.metrics.CacheMisses.WithLabelValues(string(t)).Inc()
	}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return out, nil
}
