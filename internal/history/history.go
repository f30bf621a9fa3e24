// Package history provides the customer lookups the fraud rules read:
// spending statistics, duplicate fingerprints and the registered profile.
// Every lookup is bounded by a timeout and degrades to a safe default.
package history

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/opensource-finance/cardguard/internal/domain"
	"github.com/opensource-finance/cardguard/internal/metrics"
)

// Store is the slice of domain.Repository the lookups need.
type Store interface {
	CustomerStats(ctx context.Context, customerID, excludeTxID string) (domain.AmountStats, error)
	FindDuplicates(ctx context.Context, tx *domain.Transaction) ([]string, error)
	GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error)
}

// Service answers history and profile lookups for one store.
type Service struct {
	store      Store
	cache      domain.Cache
	timeout    time.Duration
	profileTTL time.Duration
}

// NewService creates a lookup service. cache may be nil.
func NewService(store Store, cache domain.Cache, timeout, profileTTL time.Duration) *Service {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if profileTTL <= 0 {
		profileTTL = 5 * time.Minute
	}
	return &Service{
		store:      store,
		cache:      cache,
		timeout:    timeout,
		profileTTL: profileTTL,
	}
}

// Stats returns the mean and sample standard deviation of the customer's
// other transactions. It returns (0, 0) with no history or on failure.
func (s *Service) Stats(ctx context.Context, customerID, excludeTxID string) (mean, stddev float64) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stats, err := s.store.CustomerStats(ctx, customerID, excludeTxID)
	if err != nil {
		degraded("stats", customerID, err)
		return 0, 0
	}
	return stats.Mean, stats.StdDev
}

// Duplicates returns the ids of prior charges sharing tx's fingerprint,
// or nil on failure.
func (s *Service) Duplicates(ctx context.Context, tx *domain.Transaction) []string {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ids, err := s.store.FindDuplicates(ctx, tx)
	if err != nil {
		degraded("duplicates", tx.CustomerID, err)
		return nil
	}
	return ids
}

// TypicalLocation returns the customer's registered home location, or
// "Unknown" when the customer is absent or the lookup fails.
func (s *Service) TypicalLocation(ctx context.Context, customerID string) string {
	p := s.Profile(ctx, customerID)
	if p.Location == "" {
		return domain.UnknownLocation
	}
	return p.Location
}

// Age returns the customer's age, or 0 when absent or on failure.
func (s *Service) Age(ctx context.Context, customerID string) int {
	return s.Profile(ctx, customerID).Age
}

// Profile resolves a customer's profile through the cache. The result is
// never nil; unknown customers get the unregistered defaults.
func (s *Service) Profile(ctx context.Context, customerID string) *domain.CustomerProfile {
	unknown := &domain.CustomerProfile{CustomerID: customerID, Location: domain.UnknownLocation}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if s.cache != nil {
		p, err := s.cache.GetProfile(ctx, customerID)
		if err != nil {
			slog.Warn("profile cache read failed",
				"customer_id", customerID,
				"error", err,
			)
		} else if p != nil {
			return p
		}
	}

	c, err := s.store.GetCustomer(ctx, customerID)
	if errors.Is(err, domain.ErrNotFound) {
		slog.Debug("customer not registered", "customer_id", customerID)
		return unknown
	}
	if err != nil {
		degraded("profile", customerID, err)
		return unknown
	}

	p := &domain.CustomerProfile{
		CustomerID: c.ID,
		Location:   c.Location,
		Age:        c.Age,
		Registered: true,
	}
	if s.cache != nil {
		if err := s.cache.SetProfile(ctx, p, s.profileTTL); err != nil {
			slog.Warn("profile cache write failed",
				"customer_id", customerID,
				"error", err,
			)
		}
	}
	return p
}

// Invalidate drops a cached profile after the customer changed.
func (s *Service) Invalidate(ctx context.Context, customerID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteProfile(ctx, customerID); err != nil {
		slog.Warn("profile cache invalidation failed",
			"customer_id", customerID,
			"error", err,
		)
	}
}

func degraded(lookup, customerID string, err error) {
	metrics.LookupDegradationsTotal.WithLabelValues(lookup).Inc()
	slog.Warn("lookup degraded to default",
		"lookup", lookup,
		"customer_id", customerID,
		"error", err,
	)
}
