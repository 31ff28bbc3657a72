package service

import (
	"context"
	"errors"
	"testing"

	"github.com/skudskud/polycool-copy-sub002/api"
	"github.com/skudskud/polycool-copy-sub002/models"
	"github.com/skudskud/polycool-copy-sub002/storage"
)

const (
	nativeAddr   = "0xAAaAaAaaAaAaAaaAaAAAAAAAAaaaAaAaAaaAaaAa"
	smartAddr    = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	externalAddr = "0xcccccccccccccccccccccccccccccccccccccccc"
)

func newTestResolver(t *testing.T) (*LeaderResolver, *storage.MockStore) {
	t.Helper()
	store := storage.NewMockStore()
	store.SeedUser(7, nativeAddr)
	return NewLeaderResolver(store, api.NewMockDataClient(), []string{smartAddr}), store
}

func TestResolveNativeLeader(t *testing.T) {
	resolver, _ := newTestResolver(t)

	id, err := resolver.Resolve(context.Background(), nativeAddr)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if id.Kind != models.LeaderNative || id.UserID != 7 {
		t.Errorf("Resolve() = %+v, want native user 7", id)
	}
	if id.IsSynthetic() {
		t.Error("native identity reported as synthetic")
	}
}

func TestResolveSmartWallet(t *testing.T) {
	resolver, _ := newTestResolver(t)

	id, err := resolver.Resolve(context.Background(), smartAddr)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if id.Kind != models.LeaderSmartWallet {
		t.Errorf("Resolve() kind = %s, want smart_wallet", id.Kind)
	}
	if id.UserID >= 0 {
		t.Errorf("smart wallet id = %d, want negative", id.UserID)
	}
}

func TestResolveExternal(t *testing.T) {
	resolver, store := newTestResolver(t)

	id, err := resolver.Resolve(context.Background(), externalAddr)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if id.Kind != models.LeaderExternal {
		t.Errorf("Resolve() kind = %s, want external", id.Kind)
	}
	if id.UserID >= 0 {
		t.Errorf("external id = %d, want negative", id.UserID)
	}

	// The synthetic id round-trips through the store.
	leader, err := store.GetExternalLeaderByID(context.Background(), id.UserID)
	if err != nil || leader == nil {
		t.Fatalf("GetExternalLeaderByID(%d) = %v, %v", id.UserID, leader, err)
	}
	if leader.Address != externalAddr {
		t.Errorf("round-trip address = %s, want %s", leader.Address, externalAddr)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	resolver, _ := newTestResolver(t)

	for _, addr := range []string{nativeAddr, smartAddr, externalAddr} {
		first, err := resolver.Resolve(context.Background(), addr)
		if err != nil {
			t.Fatalf("Resolve(%s) error: %v", addr, err)
		}
		second, err := resolver.Resolve(context.Background(), addr)
		if err != nil {
			t.Fatalf("Resolve(%s) second error: %v", addr, err)
		}
		if first.UserID != second.UserID || first.Kind != second.Kind {
			t.Errorf("Resolve(%s) not idempotent: %+v vs %+v", addr, first, second)
		}
	}
}

func TestResolveCaseInsensitive(t *testing.T) {
	resolver, _ := newTestResolver(t)

	lower, err := resolver.Resolve(context.Background(), nativeAddr)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	upper, err := resolver.Resolve(context.Background(), "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if lower.UserID != upper.UserID {
		t.Errorf("case variants resolved differently: %d vs %d", lower.UserID, upper.UserID)
	}
}

func TestResolveInvalidAddress(t *testing.T) {
	resolver, _ := newTestResolver(t)

	for _, addr := range []string{"", "nothex", "0x1234", "0xZZzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"} {
		if _, err := resolver.Resolve(context.Background(), addr); !errors.Is(err, models.ErrLeaderNotFound) {
			t.Errorf("Resolve(%q) error = %v, want ErrLeaderNotFound", addr, err)
		}
	}
}

// Any well-formed address resolves to some identity.
func TestResolveIsTotal(t *testing.T) {
	resolver, _ := newTestResolver(t)

	addrs := []string{
		"0x0000000000000000000000000000000000000001",
		"0xdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
		"0xFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF",
	}
	for _, addr := range addrs {
		id, err := resolver.Resolve(context.Background(), addr)
		if err != nil {
			t.Errorf("Resolve(%s) error = %v, want an identity", addr, err)
			continue
		}
		if id.Address == "" {
			t.Errorf("Resolve(%s) returned empty identity", addr)
		}
	}
}
