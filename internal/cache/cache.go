package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/cardguard/internal/domain"
)

// New creates a cache based on configuration.
// "memory" returns an LRU cache. "redis" returns a Redis cache, or a
// TwoPhaseCache fronting Redis with an LRU when EnableTwoPhase is set.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory", "":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// TwoPhaseCache reads through a local LRU (L1) to Redis (L2).
// L1 entries never outlive localTTL so profile edits on other nodes
// become visible within that bound.
type TwoPhaseCache struct {
	local    *LRUCache
	remote   domain.Cache
	localTTL time.Duration
}

// NewTwoPhaseCache connects to Redis and wraps it with an LRU.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}
	return newTwoPhase(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
}

func newTwoPhase(local *LRUCache, remote domain.Cache, localTTL time.Duration) *TwoPhaseCache {
	if localTTL <= 0 {
		localTTL = time.Minute
	}
	return &TwoPhaseCache{local: local, remote: remote, localTTL: localTTL}
}

// Get checks L1 then L2, populating L1 on an L2 hit.
func (c *TwoPhaseCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.local.Get(ctx, key)
	if err != nil || val != nil {
		return val, err
	}

	val, err = c.remote.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		_ = c.local.Set(ctx, key, val, c.localTTL)
	}
	return val, nil
}

// Set writes L1 with the shorter of ttl and the local TTL, and L2 with ttl.
func (c *TwoPhaseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, key, value, min(ttl, c.localTTL)); err != nil {
		return err
	}
	return c.remote.Set(ctx, key, value, ttl)
}

// Delete removes key from both tiers.
func (c *TwoPhaseCache) Delete(ctx context.Context, key string) error {
	if err := c.local.Delete(ctx, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, key)
}

// GetProfile returns the cached profile of a customer.
func (c *TwoPhaseCache) GetProfile(ctx context.Context, customerID string) (*domain.CustomerProfile, error) {
	return loadProfile(ctx, c, customerID)
}

// SetProfile caches p in both tiers.
func (c *TwoPhaseCache) SetProfile(ctx context.Context, p *domain.CustomerProfile, ttl time.Duration) error {
	return storeProfile(ctx, c, p, ttl)
}

// DeleteProfile evicts a customer's profile from both tiers.
func (c *TwoPhaseCache) DeleteProfile(ctx context.Context, customerID string) error {
	return c.Delete(ctx, profileKey(customerID))
}

// Ping checks both tiers.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close closes both tiers.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns L1 statistics.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}
