package service

import (
	"context"
	"fmt"
	"log"

	"github.com/skudskud/polycool-copy-sub002/models"
	"github.com/skudskud/polycool-copy-sub002/storage"
	"github.com/skudskud/polycool-copy-sub002/utils"
)

// SubscriptionService manages the follower→leader subscription lifecycle.
type SubscriptionService struct {
	store   storage.DataStore
	leaders *LeaderResolver
	budgets *BudgetService
}

func NewSubscriptionService(store storage.DataStore, leaders *LeaderResolver, budgets *BudgetService) *SubscriptionService {
	return &SubscriptionService{store: store, leaders: leaders, budgets: budgets}
}

// Subscribe creates an ACTIVE subscription from follower to leader. Any
// prior active or paused subscription is cancelled in the same transaction,
// so a follower copies at most one leader at a time.
func (s *SubscriptionService) Subscribe(ctx context.Context, followerID int64, leaderAddress string, mode models.CopyMode, fixedAmount float64) (*models.Subscription, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("copy mode %q: %w", mode, models.ErrInvalidConfig)
	}
	if mode == models.ModeFixed && fixedAmount <= 0 {
		return nil, fmt.Errorf("fixed mode requires a positive amount: %w", models.ErrInvalidConfig)
	}
	if mode == models.ModeProportional {
		fixedAmount = 0
	}

	leader, err := s.leaders.Resolve(ctx, leaderAddress)
	if err != nil {
		return nil, fmt.Errorf("resolve leader: %w", err)
	}
	if leader.UserID == followerID {
		return nil, fmt.Errorf("cannot subscribe to yourself: %w", models.ErrInvalidConfig)
	}

	sub, err := s.store.CreateSubscription(ctx, models.Subscription{
		FollowerID:    followerID,
		LeaderID:      leader.UserID,
		LeaderAddress: leader.Address,
		Mode:          mode,
		FixedAmount:   fixedAmount,
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	// Followers need a budget row before the first copied trade; Sync also
	// verifies their wallet is reachable.
	if _, err := s.budgets.Sync(ctx, followerID); err != nil {
		log.Printf("[Subscription] Budget sync failed for follower %d: %v", followerID, err)
	}

	log.Printf("[Subscription] Follower %d now copying %s (%s, mode=%s)",
		followerID, utils.ShortAddress(leader.Address), leader.Kind, mode)
	return sub, nil
}

// Unsubscribe cancels the follower's active subscription.
func (s *SubscriptionService) Unsubscribe(ctx context.Context, followerID int64) error {
	err := s.store.UpdateSubscriptionStatus(ctx, followerID, models.SubscriptionActive, models.SubscriptionCancelled)
	if err != nil {
		// A paused subscription can be cancelled too.
		if err2 := s.store.UpdateSubscriptionStatus(ctx, followerID, models.SubscriptionPaused, models.SubscriptionCancelled); err2 != nil {
			return err
		}
	}
	return nil
}

// Pause suspends replication without losing the subscription.
func (s *SubscriptionService) Pause(ctx context.Context, followerID int64) error {
	return s.store.UpdateSubscriptionStatus(ctx, followerID, models.SubscriptionActive, models.SubscriptionPaused)
}

// Resume reactivates a paused subscription.
func (s *SubscriptionService) Resume(ctx context.Context, followerID int64) error {
	return s.store.UpdateSubscriptionStatus(ctx, followerID, models.SubscriptionPaused, models.SubscriptionActive)
}

// SetMode switches the sizing mode of the active subscription.
func (s *SubscriptionService) SetMode(ctx context.Context, followerID int64, mode models.CopyMode, fixedAmount float64) error {
	if !mode.Valid() {
		return fmt.Errorf("copy mode %q: %w", mode, models.ErrInvalidConfig)
	}
	if mode == models.ModeFixed && fixedAmount <= 0 {
		return fmt.Errorf("fixed mode requires a positive amount: %w", models.ErrInvalidConfig)
	}
	if mode == models.ModeProportional {
		fixedAmount = 0
	}
	return s.store.UpdateSubscriptionMode(ctx, followerID, mode, fixedAmount)
}

// Current returns the follower's active subscription, or nil.
func (s *SubscriptionService) Current(ctx context.Context, followerID int64) (*models.Subscription, error) {
	return s.store.GetActiveSubscription(ctx, followerID)
}

// FollowerStats summarizes the follower's copy activity.
func (s *SubscriptionService) FollowerStats(ctx context.Context, followerID int64) (*models.FollowerStats, error) {
	return s.store.GetFollowerStats(ctx, followerID)
}

// LeaderStatsFor returns the aggregate for one leader.
func (s *SubscriptionService) LeaderStatsFor(ctx context.Context, leaderID int64) (*models.LeaderStats, error) {
	return s.store.GetLeaderStats(ctx, leaderID)
}

// History lists the follower's replication attempts, newest first.
func (s *SubscriptionService) History(ctx context.Context, followerID int64, limit int) ([]models.CopyHistory, error) {
	return s.store.ListHistory(ctx, followerID, limit)
}
