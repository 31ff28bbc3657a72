package service

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/skudskud/polycool-copy-sub002/api"
	"github.com/skudskud/polycool-copy-sub002/models"
	"github.com/skudskud/polycool-copy-sub002/storage"
	"github.com/skudskud/polycool-copy-sub002/utils"
)

// smartWalletIDBase keeps Keccak-derived smart-wallet ids in a range external
// leader ids (counted down from -1000000) can never reach.
const smartWalletIDBase = 10_000_000_000

// LeaderResolver maps a wallet address to a stable leader identity. Every
// syntactically valid address resolves: native users first, then the known
// smart-wallet registry, then a synthetic external identity.
type LeaderResolver struct {
	store storage.DataStore
	data  api.MarketDataClient

	mu           sync.RWMutex
	smartWallets map[string]bool // config-seeded registry, lowercase
}

func NewLeaderResolver(store storage.DataStore, data api.MarketDataClient, seedWallets []string) *LeaderResolver {
	registry := make(map[string]bool, len(seedWallets))
	for _, addr := range seedWallets {
		registry[utils.NormalizeAddress(addr)] = true
	}
	return &LeaderResolver{store: store, data: data, smartWallets: registry}
}

// Resolve returns the identity behind an address. Idempotent: the same
// address always yields the same identity, whichever tier answers.
func (r *LeaderResolver) Resolve(ctx context.Context, address string) (*models.LeaderIdentity, error) {
	addr := utils.NormalizeAddress(address)
	if !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("address %q: %w", address, models.ErrLeaderNotFound)
	}

	// Tier 1: native platform user.
	user, err := r.store.GetUserByAddress(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("user lookup for %s: %w", utils.ShortAddress(addr), err)
	}
	if user != nil {
		return &models.LeaderIdentity{Kind: models.LeaderNative, UserID: user.ID, Address: addr}, nil
	}

	// Tier 2: known smart wallet.
	isSmart, err := r.isSmartWallet(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("smart wallet lookup for %s: %w", utils.ShortAddress(addr), err)
	}
	if isSmart {
		return &models.LeaderIdentity{
			Kind:    models.LeaderSmartWallet,
			UserID:  smartWalletID(addr),
			Address: addr,
		}, nil
	}

	// Tier 3: external on-chain address.
	leader, err := r.store.UpsertExternalLeader(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("register external leader %s: %w", utils.ShortAddress(addr), err)
	}
	if leader.FirstSeenAt.Equal(leader.LastSeenAt) {
		r.probeHistory(ctx, addr)
	}
	return &models.LeaderIdentity{Kind: models.LeaderExternal, UserID: leader.VirtualID, Address: addr}, nil
}

func (r *LeaderResolver) isSmartWallet(ctx context.Context, addr string) (bool, error) {
	r.mu.RLock()
	seeded := r.smartWallets[addr]
	r.mu.RUnlock()
	if seeded {
		return true, nil
	}
	return r.store.IsSmartWallet(ctx, addr)
}

// probeHistory logs whether a newly seen external address has any trading
// history. Purely informational; resolution never depends on it.
func (r *LeaderResolver) probeHistory(ctx context.Context, addr string) {
	if r.data == nil {
		return
	}
	hasHistory, err := r.data.HasTradingHistory(ctx, addr)
	if err != nil {
		log.Printf("[Leader] History probe failed for %s: %v", utils.ShortAddress(addr), err)
		return
	}
	if !hasHistory {
		log.Printf("[Leader] External %s has no visible trading history", utils.ShortAddress(addr))
	}
}

// smartWalletID derives a deterministic negative id from the address hash.
func smartWalletID(addr string) int64 {
	h := crypto.Keccak256([]byte(strings.ToLower(addr)))
	v := binary.BigEndian.Uint64(h[:8]) % smartWalletIDBase
	return -(smartWalletIDBase + int64(v))
}
