package service

import (
	"context"
	"fmt"
	"log"

	"github.com/skudskud/polycool-copy-sub002/api"
	"github.com/skudskud/polycool-copy-sub002/models"
	"github.com/skudskud/polycool-copy-sub002/storage"
	"github.com/skudskud/polycool-copy-sub002/utils"
)

// BudgetService maintains the derived budget snapshot for each follower.
// The budget is self-replenishing: it is recomputed from the live wallet
// balance on every sync, never decremented by trades.
type BudgetService struct {
	store      storage.DataStore
	balances   api.BalanceService
	defaultPct float64
}

func NewBudgetService(store storage.DataStore, balances api.BalanceService, defaultPct float64) *BudgetService {
	return &BudgetService{store: store, balances: balances, defaultPct: defaultPct}
}

// Sync refreshes the follower's budget from their current wallet balance.
// Called before every BUY evaluation so spent and deposited funds both flow
// through immediately.
func (b *BudgetService) Sync(ctx context.Context, userID int64) (*models.Budget, error) {
	user, err := b.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", userID, err)
	}
	if user == nil {
		return nil, fmt.Errorf("user %d does not exist", userID)
	}

	pct := b.defaultPct
	if existing, err := b.store.GetBudget(ctx, userID); err != nil {
		return nil, fmt.Errorf("load budget %d: %w", userID, err)
	} else if existing != nil {
		pct = existing.AllocationPct
	}

	address := user.Address
	if user.ProxyAddress != "" {
		address = user.ProxyAddress
	}

	balance, err := b.balances.GetWalletBalance(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("wallet balance for %s: %w", address, err)
	}

	// A negative reported balance must not surface as a negative budget.
	allocated := utils.MaxFloat(0, balance*pct/100)
	budget := models.Budget{
		UserID:          userID,
		AllocationPct:   pct,
		WalletBalance:   balance,
		AllocatedBudget: allocated,
		BudgetRemaining: allocated,
	}

	if err := b.store.SaveBudget(ctx, budget); err != nil {
		return nil, fmt.Errorf("save budget %d: %w", userID, err)
	}

	log.Printf("[Budget] Synced user %d: balance=%.2f pct=%.0f%% budget=%.2f",
		userID, balance, pct, budget.AllocatedBudget)
	return &budget, nil
}

// SetAllocation updates the follower's allocation percentage and resyncs.
func (b *BudgetService) SetAllocation(ctx context.Context, userID int64, pct float64) (*models.Budget, error) {
	if pct < 5 || pct > 100 {
		return nil, fmt.Errorf("allocation %.1f%% out of [5,100]: %w", pct, models.ErrInvalidConfig)
	}

	budget := models.Budget{UserID: userID, AllocationPct: pct}
	if err := b.store.SaveBudget(ctx, budget); err != nil {
		return nil, fmt.Errorf("save allocation %d: %w", userID, err)
	}
	return b.Sync(ctx, userID)
}

// Get returns the stored snapshot, syncing first if none exists yet.
func (b *BudgetService) Get(ctx context.Context, userID int64) (*models.Budget, error) {
	budget, err := b.store.GetBudget(ctx, userID)
	if err != nil {
		return nil, err
	}
	if budget == nil {
		return b.Sync(ctx, userID)
	}
	return budget, nil
}
