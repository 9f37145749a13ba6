package profilecache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tinkubot/client-ai/pkg/logging"
)

type profile struct {
	ID   string `json:"id"`
	City string `json:"city"`
}

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, logging.Default(), 300*time.Second), mr
}

func TestMissLoadsAndPopulates(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	var calls atomic.Int32
	loader := func(context.Context) (*profile, error) {
		calls.Add(1)
		return &profile{ID: "c1", City: "Quito"}, nil
	}

	got, err := GetOrLoad(ctx, cache, CustomerKey("p"), loader)
	if err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	if got == nil || got.City != "Quito" {
		t.Fatalf("unexpected value: %+v", got)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 loader call, got %d", calls.Load())
	}
	if !mr.Exists("customer_profile:p") {
		t.Fatal("expected cache entry to be populated")
	}
	if ttl := mr.TTL("customer_profile:p"); ttl != 300*time.Second {
		t.Fatalf("expected 300s TTL, got %s", ttl)
	}
}

func TestHitReturnsCachedImmediately(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	slow := make(chan struct{})
	loader := func(context.Context) (*profile, error) {
		<-slow
		return &profile{ID: "c1", City: "Cuenca"}, nil
	}

	cache.Put(ctx, CustomerKey("p"), &profile{ID: "c1", City: "Quito"})

	got, err := GetOrLoad(ctx, cache, CustomerKey("p"), loader)
	if err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	if got.City != "Quito" {
		t.Fatalf("expected cached value, got %+v", got)
	}
	close(slow)
}

func TestBackgroundRefreshUpdatesEntry(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	loader := func(context.Context) (*profile, error) {
		return &profile{ID: "c1", City: "Cuenca"}, nil
	}

	cache.Put(ctx, CustomerKey("p"), &profile{ID: "c1", City: "Quito"})
	if _, err := GetOrLoad(ctx, cache, CustomerKey("p"), loader); err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		raw, _ := mr.Get("customer_profile:p")
		if raw != "" && raw != `{"id":"c1","city":"Quito"}` {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("background refresh never updated the entry")
}

func TestNilRedisBypassesCache(t *testing.T) {
	cache := New(nil, logging.Default(), 0)
	ctx := context.Background()

	var calls atomic.Int32
	loader := func(context.Context) (*profile, error) {
		calls.Add(1)
		return &profile{ID: "c1"}, nil
	}

	for i := 0; i < 3; i++ {
		if _, err := GetOrLoad(ctx, cache, ProviderKey("p"), loader); err != nil {
			t.Fatalf("GetOrLoad: %v", err)
		}
	}
	if calls.Load() != 3 {
		t.Fatalf("expected loader on every call, got %d", calls.Load())
	}
}
