package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/skudskud/polycool-copy-sub002/models"
	"github.com/skudskud/polycool-copy-sub002/storage"
)

const cacheLeaderAddr = "0xdddddddddddddddddddddddddddddddddddddddd"

func newCacheFixture(t *testing.T) (*storage.MockStore, *FollowerCache) {
	t.Helper()
	store := storage.NewMockStore()
	store.SeedUser(1, "0x1111111111111111111111111111111111111111")
	if _, err := store.CreateSubscription(context.Background(), models.Subscription{
		FollowerID:    1,
		LeaderID:      -1000042,
		LeaderAddress: cacheLeaderAddr,
		Mode:          models.ModeProportional,
	}); err != nil {
		t.Fatalf("CreateSubscription() error: %v", err)
	}
	return store, NewFollowerCache(store, time.Minute)
}

func TestFollowerCacheServesFromMemory(t *testing.T) {
	store, cache := newCacheFixture(t)
	ctx := context.Background()

	subs, err := cache.Followers(ctx, -1000042)
	if err != nil {
		t.Fatalf("Followers() error: %v", err)
	}
	if len(subs) != 1 || subs[0].FollowerID != 1 {
		t.Fatalf("Followers() = %+v, want follower 1", subs)
	}

	listCalls := store.Calls["ListActiveLeaders"]
	for i := 0; i < 5; i++ {
		if _, err := cache.Followers(ctx, -1000042); err != nil {
			t.Fatalf("Followers() error: %v", err)
		}
	}
	if store.Calls["ListActiveLeaders"] != listCalls {
		t.Errorf("cache hit the store within the TTL (%d extra calls)",
			store.Calls["ListActiveLeaders"]-listCalls)
	}
}

func TestFollowerCacheInvalidate(t *testing.T) {
	store, cache := newCacheFixture(t)
	ctx := context.Background()

	if _, err := cache.Followers(ctx, -1000042); err != nil {
		t.Fatalf("Followers() error: %v", err)
	}

	// A new subscription is invisible until the cache is invalidated.
	store.SeedUser(2, "0x2222222222222222222222222222222222222222")
	if _, err := store.CreateSubscription(ctx, models.Subscription{
		FollowerID:    2,
		LeaderID:      -1000042,
		LeaderAddress: cacheLeaderAddr,
		Mode:          models.ModeFixed,
		FixedAmount:   10,
	}); err != nil {
		t.Fatalf("CreateSubscription() error: %v", err)
	}

	subs, _ := cache.Followers(ctx, -1000042)
	if len(subs) != 1 {
		t.Fatalf("stale read returned %d subs, want 1", len(subs))
	}

	cache.Invalidate()
	subs, err := cache.Followers(ctx, -1000042)
	if err != nil {
		t.Fatalf("Followers() after Invalidate error: %v", err)
	}
	if len(subs) != 2 {
		t.Errorf("refreshed read returned %d subs, want 2", len(subs))
	}
}

func TestFollowerCacheLeaderFor(t *testing.T) {
	_, cache := newCacheFixture(t)
	ctx := context.Background()

	// Address lookup is case-insensitive.
	id, ok, err := cache.LeaderFor(ctx, "0xDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDD")
	if err != nil {
		t.Fatalf("LeaderFor() error: %v", err)
	}
	if !ok || id != -1000042 {
		t.Errorf("LeaderFor() = %d, %v; want -1000042, true", id, ok)
	}

	_, ok, err = cache.LeaderFor(ctx, "0x9999999999999999999999999999999999999999")
	if err != nil {
		t.Fatalf("LeaderFor() error: %v", err)
	}
	if ok {
		t.Error("unwatched address reported as a leader")
	}
}

func TestFollowerCacheActiveLeaders(t *testing.T) {
	_, cache := newCacheFixture(t)

	refs, err := cache.ActiveLeaders(context.Background())
	if err != nil {
		t.Fatalf("ActiveLeaders() error: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("ActiveLeaders() = %d refs, want 1", len(refs))
	}
	if refs[0].LeaderID != -1000042 || refs[0].Followers != 1 {
		t.Errorf("ref = %+v, want leader -1000042 with 1 follower", refs[0])
	}
}
