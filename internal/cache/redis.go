package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/cardguard/internal/domain"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "cardguard:"

// RedisCache implements domain.Cache on Redis.
// Used as the Pro tier cache and as L2 in two-phase caching.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisCache{client: client}, nil
}

// Get returns the value for key, or nil on a miss.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores value under key with ttl.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return c.client.Set(ctx, redisKeyPrefix+key, value, ttl).Err()
}

// Delete removes key.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, redisKeyPrefix+key).Err()
}

// GetProfile returns the cached profile of a customer.
func (c *RedisCache) GetProfile(ctx context.Context, customerID string) (*domain.CustomerProfile, error) {
	return loadProfile(ctx, c, customerID)
}

// SetProfile caches p for ttl.
func (c *RedisCache) SetProfile(ctx context.Context, p *domain.CustomerProfile, ttl time.Duration) error {
	return storeProfile(ctx, c, p, ttl)
}

// DeleteProfile evicts a customer's profile.
func (c *RedisCache) DeleteProfile(ctx context.Context, customerID string) error {
	return c.Delete(ctx, profileKey(customerID))
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
