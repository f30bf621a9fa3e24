package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/cardguard/internal/domain"
)

// profileKey namespaces customer profiles inside a byte cache.
func profileKey(customerID string) string {
	return "customer:" + customerID
}

// byteStore is the raw key/value surface every cache tier provides.
type byteStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

func loadProfile(ctx context.Context, s byteStore, customerID string) (*domain.CustomerProfile, error) {
	data, err := s.Get(ctx, profileKey(customerID))
	if err != nil || data == nil {
		return nil, err
	}

	var p domain.CustomerProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode cached profile %s: %w", customerID, err)
	}
	return &p, nil
}

func storeProfile(ctx context.Context, s byteStore, p *domain.CustomerProfile, ttl time.Duration) error {
	if p == nil || p.CustomerID == "" {
		return fmt.Errorf("%w: profile customer id is required", domain.ErrInvalidInput)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.Set(ctx, profileKey(p.CustomerID), data, ttl)
}
