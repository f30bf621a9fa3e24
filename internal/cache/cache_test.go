package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/cardguard/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := cache.Set(ctx, "key1", []byte("value1"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("EmptyKey", func(t *testing.T) {
		if _, err := cache.Get(ctx, ""); err == nil {
			t.Error("expected error for empty key")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "key2", []byte("value2"), time.Minute)

		if err := cache.Delete(ctx, "key2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if val, _ := cache.Get(ctx, "key2"); val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		clock := time.Now()
		c := NewLRUCache(10)
		c.now = func() time.Time { return clock }

		_ = c.Set(ctx, "expiring", []byte("temp"), time.Second)
		if val, _ := c.Get(ctx, "expiring"); string(val) != "temp" {
			t.Fatal("expected value before expiry")
		}

		clock = clock.Add(2 * time.Second)
		if val, _ := c.Get(ctx, "expiring"); val != nil {
			t.Error("expected nil after TTL expiration")
		}
		if size, _ := c.Stats(); size != 0 {
			t.Errorf("expected expired entry to be removed, size %d", size)
		}
	})

	t.Run("ZeroTTLNotStored", func(t *testing.T) {
		_ = cache.Set(ctx, "skip", []byte("x"), 0)
		if val, _ := cache.Get(ctx, "skip"); val != nil {
			t.Error("expected zero TTL entry to be skipped")
		}
	})
}

func TestLRUEviction(t *testing.T) {
	cache := NewLRUCache(3)
	ctx := context.Background()

	_ = cache.Set(ctx, "a", []byte("1"), time.Minute)
	_ = cache.Set(ctx, "b", []byte("2"), time.Minute)
	_ = cache.Set(ctx, "c", []byte("3"), time.Minute)

	// touch a so b becomes least recently used
	_, _ = cache.Get(ctx, "a")
	_ = cache.Set(ctx, "d", []byte("4"), time.Minute)

	if val, _ := cache.Get(ctx, "b"); val != nil {
		t.Error("expected b to be evicted")
	}
	for _, k := range []string{"a", "c", "d"} {
		if val, _ := cache.Get(ctx, k); val == nil {
			t.Errorf("expected %s to survive eviction", k)
		}
	}

	size, capacity := cache.Stats()
	if size != 3 || capacity != 3 {
		t.Errorf("expected 3/3, got %d/%d", size, capacity)
	}
}

func TestProfiles(t *testing.T) {
	cache := NewLRUCache(10)
	ctx := context.Background()

	p := &domain.CustomerProfile{CustomerID: "cust-001", Location: "Austin, TX", Age: 34, Registered: true}

	t.Run("RoundTrip", func(t *testing.T) {
		if err := cache.SetProfile(ctx, p, time.Minute); err != nil {
			t.Fatalf("SetProfile failed: %v", err)
		}
		got, err := cache.GetProfile(ctx, "cust-001")
		if err != nil {
			t.Fatalf("GetProfile failed: %v", err)
		}
		if got == nil || *got != *p {
			t.Errorf("expected %+v, got %+v", p, got)
		}
	})

	t.Run("Miss", func(t *testing.T) {
		got, err := cache.GetProfile(ctx, "cust-404")
		if err != nil || got != nil {
			t.Errorf("expected nil miss, got %+v %v", got, err)
		}
	})

	t.Run("Invalidate", func(t *testing.T) {
		if err := cache.DeleteProfile(ctx, "cust-001"); err != nil {
			t.Fatal(err)
		}
		if got, _ := cache.GetProfile(ctx, "cust-001"); got != nil {
			t.Error("expected profile to be evicted")
		}
	})

	t.Run("RequiresID", func(t *testing.T) {
		if err := cache.SetProfile(ctx, &domain.CustomerProfile{}, time.Minute); err == nil {
			t.Error("expected error for empty customer id")
		}
	})

	t.Run("CorruptEntry", func(t *testing.T) {
		_ = cache.Set(ctx, profileKey("bad"), []byte("{not json"), time.Minute)
		if _, err := cache.GetProfile(ctx, "bad"); err == nil {
			t.Error("expected decode error")
		}
	})
}

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()
	remote := NewLRUCache(100)
	cache := newTwoPhase(NewLRUCache(100), remote, time.Minute)

	t.Run("WritesThrough", func(t *testing.T) {
		_ = cache.Set(ctx, "k", []byte("v"), time.Hour)
		if val, _ := remote.Get(ctx, "k"); string(val) != "v" {
			t.Error("expected value in L2")
		}
	})

	t.Run("PopulatesL1", func(t *testing.T) {
		_ = remote.Set(ctx, "only-remote", []byte("r"), time.Hour)
		if val, _ := cache.Get(ctx, "only-remote"); string(val) != "r" {
			t.Fatal("expected L2 hit")
		}
		if val, _ := cache.local.Get(ctx, "only-remote"); string(val) != "r" {
			t.Error("expected L1 to be populated")
		}
	})

	t.Run("DeleteBothTiers", func(t *testing.T) {
		_ = cache.SetProfile(ctx, &domain.CustomerProfile{CustomerID: "c1", Age: 40}, time.Hour)
		_ = cache.DeleteProfile(ctx, "c1")
		if val, _ := remote.GetProfile(ctx, "c1"); val != nil {
			t.Error("expected L2 profile removed")
		}
		if val, _ := cache.local.GetProfile(ctx, "c1"); val != nil {
			t.Error("expected L1 profile removed")
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("CARDGUARD_TEST_REDIS")
	if addr == "" {
		t.Skip("CARDGUARD_TEST_REDIS not set")
	}

	cache, err := NewRedisCache(addr, "", 0)
	if err != nil {
		t.Fatalf("NewRedisCache failed: %v", err)
	}
	defer cache.Close()
	ctx := context.Background()

	p := &domain.CustomerProfile{CustomerID: "redis-test-cust", Location: "Reno, NV", Age: 22}
	if err := cache.SetProfile(ctx, p, time.Minute); err != nil {
		t.Fatalf("SetProfile failed: %v", err)
	}
	got, err := cache.GetProfile(ctx, p.CustomerID)
	if err != nil || got == nil || got.Location != p.Location {
		t.Fatalf("unexpected profile %+v: %v", got, err)
	}
	_ = cache.DeleteProfile(ctx, p.CustomerID)
	if got, _ := cache.GetProfile(ctx, p.CustomerID); got != nil {
		t.Error("expected profile removed")
	}
}

func TestNewCache(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer c.Close()

		if _, ok := c.(*LRUCache); !ok {
			t.Errorf("expected *LRUCache, got %T", c)
		}
	})

	t.Run("Unsupported", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
