package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sale-settlement/internal/models"
)

// CacheKeyType represents different types of cache keys
type CacheKeyType string

const (
	// CacheKeySales is the cached list of sale phases
	CacheKeySales CacheKeyType = "sales"
	// CacheKeyPhaseTransition marks a phase start as already handled
	CacheKeyPhaseTransition CacheKeyType = "phase-transition"
)

// GenerateCacheKey generates a cache key for a given type and parameters
// Format: <type>:<param1>:<param2>:...
func GenerateCacheKey(keyType CacheKeyType, params ...string) string {
	parts := append([]string{string(keyType)}, params...)
	return strings.Join(parts, ":")
}

// CacheService provides the JSON caching used by the sale read endpoints
type CacheService struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewCacheService creates a new cache service
func NewCacheService(redis *RedisCache, ttl time.Duration) *CacheService {
	return &CacheService{
		redis: redis,
		ttl:   ttl,
	}
}

// Set stores a value in cache with the configured TTL
func (c *CacheService) Set(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return c.redis.Set(ctx, key, data, c.ttl)
}

// Get retrieves a value from cache and deserializes it. A miss returns false.
func (c *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.redis.Get(ctx, key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get from cache: %w", err)
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return true, nil
}

// Invalidate removes one or more keys from cache
func (c *CacheService) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.redis.Del(ctx, keys...)
}

// GetPhases returns the cached phase list
func (c *CacheService) GetPhases(ctx context.Context) ([]*models.SalePhase, bool, error) {
	var phases []*models.SalePhase
	found, err := c.Get(ctx, GenerateCacheKey(CacheKeySales), &phases)
	if err != nil || !found {
		return nil, false, err
	}
	return phases, true, nil
}

// SetPhases caches the phase list
func (c *CacheService) SetPhases(ctx context.Context, phases []*models.SalePhase) error {
	return c.Set(ctx, GenerateCacheKey(CacheKeySales), phases)
}

// InvalidatePhases drops the cached phase list after a counter change
func (c *CacheService) InvalidatePhases(ctx context.Context) error {
	return c.Invalidate(ctx, GenerateCacheKey(CacheKeySales))
}

// PhaseMarker records which phase starts have been handled so every
// replica runs a transition once.
type PhaseMarker struct {
	redis *RedisCache
	ttl   time.Duration

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewPhaseMarker creates a marker. redis may be nil, in which case marks
// only hold within this process.
func NewPhaseMarker(redis *RedisCache, ttl time.Duration) *PhaseMarker {
	return &PhaseMarker{
		redis: redis,
		ttl:   ttl,
		seen:  make(map[string]struct{}),
	}
}

// Claim reports whether the caller is first to handle the start of phase
func (m *PhaseMarker) Claim(ctx context.Context, phase string, start time.Time) (bool, error) {
	key := GenerateCacheKey(CacheKeyPhaseTransition, phase, fmt.Sprintf("%d", start.Unix()))

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.seen[key]; ok {
		return false, nil
	}

	if m.redis != nil {
		ok, err := m.redis.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), m.ttl)
		if err != nil {
			return false, fmt.Errorf("failed to claim phase transition: %w", err)
		}
		if !ok {
			m.seen[key] = struct{}{}
			return false, nil
		}
	}

	m.seen[key] = struct{}{}
	return true, nil
}

// Release forgets a claim so a failed transition can be retried
func (m *PhaseMarker) Release(ctx context.Context, phase string, start time.Time) error {
	key := GenerateCacheKey(CacheKeyPhaseTransition, phase, fmt.Sprintf("%d", start.Unix()))

	m.mu.Lock()
	delete(m.seen, key)
	m.mu.Unlock()

	if m.redis == nil {
		return nil
	}
	return m.redis.Del(ctx, key)
}
