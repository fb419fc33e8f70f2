package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PatternStore persists learned portal extraction patterns by host and cached
// enrichment results by application id. Backed by Redis so that patterns
// learned by one process benefit the whole fleet. All methods are nil-safe:
// a nil store behaves as an always-miss cache.
type PatternStore struct {
	client *redis.Client
	prefix string
}

// PatternStoreConfig holds Redis connection settings.
type PatternStoreConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Prefix   string
}

// LearnedPattern describes how to extract fields from a specific portal host.
type LearnedPattern struct {
	Host        string            `json:"host"`
	Selectors   map[string]string `json:"selectors"`
	LearnedAt   time.Time         `json:"learned_at"`
	SuccessRuns int               `json:"success_runs"`
}

// NewPatternStore creates a Redis-backed pattern store and verifies the
// connection.
func NewPatternStore(cfg PatternStoreConfig) (*PatternStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "pe:"
	}

	return &PatternStore{client: client, prefix: prefix}, nil
}

// GetPattern returns the learned extraction pattern for a host, if any.
func (s *PatternStore) GetPattern(ctx context.Context, host string) (*LearnedPattern, error) {
	if s == nil {
		return nil, ErrCacheMiss
	}
	data, err := s.client.Get(ctx, s.prefix+"pattern:"+host).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get pattern: %w", err)
	}
	var p LearnedPattern
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal pattern: %w", err)
	}
	return &p, nil
}

// SavePattern stores a learned extraction pattern for a host.
func (s *PatternStore) SavePattern(ctx context.Context, p LearnedPattern) error {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pattern: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+"pattern:"+p.Host, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set pattern: %w", err)
	}
	return nil
}

// GetEnrichment returns a cached enrichment result for an application id.
func (s *PatternStore) GetEnrichment(ctx context.Context, applicationID string, dest any) error {
	if s == nil {
		return ErrCacheMiss
	}
	data, err := s.client.Get(ctx, s.prefix+"enrichment:"+applicationID).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("redis get enrichment: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("unmarshal enrichment: %w", err)
	}
	return nil
}

// SaveEnrichment caches an enrichment result under the application id with
// the caller-chosen TTL.
func (s *PatternStore) SaveEnrichment(ctx context.Context, applicationID string, value any, ttl time.Duration) error {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal enrichment: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+"enrichment:"+applicationID, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set enrichment: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *PatternStore) Close() error {
	if s == nil {
		return nil
	}
	return s.client.Close()
}
