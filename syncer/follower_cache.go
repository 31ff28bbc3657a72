package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/skudskud/polycool-copy-sub002/models"
	"github.com/skudskud/polycool-copy-sub002/storage"
	"github.com/skudskud/polycool-copy-sub002/utils"
)

// FollowerCache holds the leader→ACTIVE-followers fan-out map so the hot
// path does not hit the database for every observed trade. Entries are
// rebuilt wholesale when the TTL lapses; subscription changes therefore take
// at most one TTL to reach the replication path.
type FollowerCache struct {
	store storage.DataStore
	ttl   time.Duration

	mu           sync.RWMutex
	byLeader     map[int64][]models.Subscription
	leaderByAddr map[string]int64
	refreshedAt  time.Time
}

func NewFollowerCache(store storage.DataStore, ttl time.Duration) *FollowerCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &FollowerCache{store: store, ttl: ttl}
}

// Followers returns the ACTIVE subscriptions copying the given leader.
func (c *FollowerCache) Followers(ctx context.Context, leaderID int64) ([]models.Subscription, error) {
	if err := c.ensureFresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byLeader[leaderID], nil
}

// LeaderFor maps a trade's wallet address to a watched leader id. The second
// return is false when nobody copies that address.
func (c *FollowerCache) LeaderFor(ctx context.Context, address string) (int64, bool, error) {
	if err := c.ensureFresh(ctx); err != nil {
		return 0, false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.leaderByAddr[utils.NormalizeAddress(address)]
	return id, ok, nil
}

// ActiveLeaders returns the cached leader set.
func (c *FollowerCache) ActiveLeaders(ctx context.Context) ([]storage.LeaderRef, error) {
	if err := c.ensureFresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	refs := make([]storage.LeaderRef, 0, len(c.byLeader))
	for leaderID, subs := range c.byLeader {
		if len(subs) == 0 {
			continue
		}
		refs = append(refs, storage.LeaderRef{
			LeaderID:  leaderID,
			Address:   subs[0].LeaderAddress,
			Followers: len(subs),
		})
	}
	return refs, nil
}

// Invalidate forces a rebuild on the next read.
func (c *FollowerCache) Invalidate() {
	c.mu.Lock()
	c.refreshedAt = time.Time{}
	c.mu.Unlock()
}

func (c *FollowerCache) ensureFresh(ctx context.Context) error {
	c.mu.RLock()
	fresh := time.Since(c.refreshedAt) < c.ttl
	c.mu.RUnlock()
	if fresh {
		return nil
	}

	leaders, err := c.store.ListActiveLeaders(ctx)
	if err != nil {
		return err
	}

	byLeader := make(map[int64][]models.Subscription, len(leaders))
	leaderByAddr := make(map[string]int64, len(leaders))
	for _, ref := range leaders {
		subs, err := c.store.ListActiveFollowers(ctx, ref.LeaderID)
		if err != nil {
			return err
		}
		byLeader[ref.LeaderID] = subs
		leaderByAddr[utils.NormalizeAddress(ref.Address)] = ref.LeaderID
	}

	c.mu.Lock()
	c.byLeader = byLeader
	c.leaderByAddr = leaderByAddr
	c.refreshedAt = time.Now()
	c.mu.Unlock()
	return nil
}
