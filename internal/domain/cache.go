package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// GetProfile retrieves a cached customer profile, nil on miss.
	GetProfile(ctx context.Context, customerID string) (*CustomerProfile, error)

	// SetProfile caches the profile used by the location and age rules.
	SetProfile(ctx context.Context, p *CustomerProfile, ttl time.Duration) error

	// DeleteProfile drops a cached profile after the customer changes.
	DeleteProfile(ctx context.Context, customerID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CustomerProfile is the slice of a customer the fraud rules read.
type CustomerProfile struct {
	CustomerID string `json:"cid"`
	Location   string `json:"loc"`
	Age        int    `json:"age"`
	Registered bool   `json:"reg"`
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis

	// ProfileTTL bounds how long a customer profile is reused.
	ProfileTTL time.Duration
}
