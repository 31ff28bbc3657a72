package storage

import (
	"context"

	"github.com/skudskud/polycool-copy-sub002/models"
)

// LeaderRef identifies one leader with active followers, for polling sweeps.
type LeaderRef struct {
	LeaderID  int64
	Address   string
	Followers int
}

// DataStore defines the persistence interface for the replication engine.
type DataStore interface {
	Close() error

	// User operations
	GetUser(ctx context.Context, userID int64) (*models.User, error)
	GetUserByAddress(ctx context.Context, address string) (*models.User, error)

	// Subscription operations
	CreateSubscription(ctx context.Context, sub models.Subscription) (*models.Subscription, error)
	GetActiveSubscription(ctx context.Context, followerID int64) (*models.Subscription, error)
	UpdateSubscriptionStatus(ctx context.Context, followerID int64, from, to models.SubscriptionStatus) error
	UpdateSubscriptionMode(ctx context.Context, followerID int64, mode models.CopyMode, fixedAmount float64) error
	ListActiveFollowers(ctx context.Context, leaderID int64) ([]models.Subscription, error)
	ListActiveLeaders(ctx context.Context) ([]LeaderRef, error)
	TopLeaders(ctx context.Context, n int) ([]LeaderRef, error)

	// Budget operations
	GetBudget(ctx context.Context, userID int64) (*models.Budget, error)
	SaveBudget(ctx context.Context, budget models.Budget) error

	// Copy history operations
	InsertPendingHistory(ctx context.Context, h models.CopyHistory) (*models.CopyHistory, bool, error)
	FinalizeHistory(ctx context.Context, id int64, status models.CopyStatus, actualAmount, price float64, txRef, failureReason string) error
	ListHistory(ctx context.Context, followerID int64, limit int) ([]models.CopyHistory, error)
	GetFollowerStats(ctx context.Context, followerID int64) (*models.FollowerStats, error)

	// Leader stats (derived, rebuildable)
	RecomputeLeaderStats(ctx context.Context, leaderID int64) (*models.LeaderStats, error)
	GetLeaderStats(ctx context.Context, leaderID int64) (*models.LeaderStats, error)

	// Leader identity operations
	UpsertExternalLeader(ctx context.Context, address string) (*models.ExternalLeader, error)
	GetExternalLeaderByID(ctx context.Context, virtualID int64) (*models.ExternalLeader, error)
	UpdateLeaderCursor(ctx context.Context, address, cursor string) error
	IsSmartWallet(ctx context.Context, address string) (bool, error)

	// Follower position operations
	UpsertFollowerPosition(ctx context.Context, pos models.FollowerPosition) error
	GetFollowerPosition(ctx context.Context, followerID int64, marketID, outcome string) (*models.FollowerPosition, error)
	ReduceFollowerPosition(ctx context.Context, followerID int64, marketID, outcome string, size float64) error

	// Market resolution cache
	GetTokenResolution(ctx context.Context, tokenID string) (*models.MarketResolution, error)
	SaveTokenResolution(ctx context.Context, res models.MarketResolution) error
	ListKnownTokenIDs(ctx context.Context, limit int) ([]string, error)

	// Trading credentials
	GetTradingCredentials(ctx context.Context, followerID int64) (*models.TradingCredentials, error)
}

// Ensure both implementations satisfy the interface
var _ DataStore = (*PostgresStore)(nil)
var _ DataStore = (*MockStore)(nil)
