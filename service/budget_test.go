package service

import (
	"context"
	"errors"
	"testing"

	"github.com/skudskud/polycool-copy-sub002/api"
	"github.com/skudskud/polycool-copy-sub002/models"
	"github.com/skudskud/polycool-copy-sub002/storage"
)

const testWallet = "0x1111111111111111111111111111111111111111"

func TestBudgetSync(t *testing.T) {
	store := storage.NewMockStore()
	store.SeedUser(1, testWallet)

	data := api.NewMockDataClient()
	data.Balances[testWallet] = 100.0

	budgets := NewBudgetService(store, data, 10)

	// Seed an explicit 20% allocation.
	if err := store.SaveBudget(context.Background(), models.Budget{UserID: 1, AllocationPct: 20}); err != nil {
		t.Fatalf("SaveBudget() error: %v", err)
	}

	budget, err := budgets.Sync(context.Background(), 1)
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if !floatEquals(budget.AllocatedBudget, 20.0, 0.001) {
		t.Errorf("AllocatedBudget = %.2f, want 20.0", budget.AllocatedBudget)
	}
	if !floatEquals(budget.BudgetRemaining, 20.0, 0.001) {
		t.Errorf("BudgetRemaining = %.2f, want 20.0", budget.BudgetRemaining)
	}

	// Balance drops to zero; budget follows, never negative.
	data.Balances[testWallet] = 0
	budget, err = budgets.Sync(context.Background(), 1)
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if budget.BudgetRemaining != 0 {
		t.Errorf("BudgetRemaining after zero balance = %.2f, want 0", budget.BudgetRemaining)
	}
}

// A balance source reporting a negative number must clamp to a zero budget,
// never a negative one.
func TestBudgetSyncNegativeBalanceClamps(t *testing.T) {
	store := storage.NewMockStore()
	store.SeedUser(1, testWallet)

	data := api.NewMockDataClient()
	data.Balances[testWallet] = -12.5

	budgets := NewBudgetService(store, data, 10)
	budget, err := budgets.Sync(context.Background(), 1)
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if budget.AllocatedBudget != 0 || budget.BudgetRemaining != 0 {
		t.Errorf("budget = %.2f/%.2f for negative balance, want 0/0",
			budget.AllocatedBudget, budget.BudgetRemaining)
	}
}

func TestBudgetSyncIsRecomputedNotDecremented(t *testing.T) {
	store := storage.NewMockStore()
	store.SeedUser(1, testWallet)

	data := api.NewMockDataClient()
	data.Balances[testWallet] = 200.0

	budgets := NewBudgetService(store, data, 10)

	first, err := budgets.Sync(context.Background(), 1)
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}

	// A deposit shows up on the next sync with no explicit replenish step.
	data.Balances[testWallet] = 400.0
	second, err := budgets.Sync(context.Background(), 1)
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if second.AllocatedBudget <= first.AllocatedBudget {
		t.Errorf("budget did not grow with balance: %.2f -> %.2f",
			first.AllocatedBudget, second.AllocatedBudget)
	}
}

func TestBudgetSyncUnknownUser(t *testing.T) {
	budgets := NewBudgetService(storage.NewMockStore(), api.NewMockDataClient(), 10)
	if _, err := budgets.Sync(context.Background(), 42); err == nil {
		t.Error("Sync() for unknown user returned nil error")
	}
}

func TestSetAllocationBounds(t *testing.T) {
	store := storage.NewMockStore()
	store.SeedUser(1, testWallet)
	data := api.NewMockDataClient()
	data.Balances[testWallet] = 100.0

	budgets := NewBudgetService(store, data, 10)

	for _, pct := range []float64{4.9, 0, -10, 101} {
		if _, err := budgets.SetAllocation(context.Background(), 1, pct); !errors.Is(err, models.ErrInvalidConfig) {
			t.Errorf("SetAllocation(%.1f) error = %v, want ErrInvalidConfig", pct, err)
		}
	}

	budget, err := budgets.SetAllocation(context.Background(), 1, 50)
	if err != nil {
		t.Fatalf("SetAllocation(50) error: %v", err)
	}
	if !floatEquals(budget.AllocatedBudget, 50.0, 0.001) {
		t.Errorf("AllocatedBudget = %.2f, want 50.0", budget.AllocatedBudget)
	}
}
