package service

import (
	"context"
	"errors"
	"testing"

	"github.com/skudskud/polycool-copy-sub002/api"
	"github.com/skudskud/polycool-copy-sub002/models"
	"github.com/skudskud/polycool-copy-sub002/storage"
)

const leaderAddr = "0xdddddddddddddddddddddddddddddddddddddddd"

func newTestSubscriptions(t *testing.T) (*SubscriptionService, *storage.MockStore) {
	t.Helper()
	store := storage.NewMockStore()
	store.SeedUser(1, testWallet)

	data := api.NewMockDataClient()
	data.Balances[testWallet] = 100.0

	leaders := NewLeaderResolver(store, data, nil)
	budgets := NewBudgetService(store, data, 10)
	return NewSubscriptionService(store, leaders, budgets), store
}

func TestSubscribe(t *testing.T) {
	subs, store := newTestSubscriptions(t)

	sub, err := subs.Subscribe(context.Background(), 1, leaderAddr, models.ModeProportional, 0)
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	if sub.Status != models.SubscriptionActive {
		t.Errorf("Status = %s, want ACTIVE", sub.Status)
	}
	if sub.LeaderID >= 0 {
		t.Errorf("LeaderID = %d, want synthetic negative id for external leader", sub.LeaderID)
	}

	// A budget row exists after subscribing.
	budget, err := store.GetBudget(context.Background(), 1)
	if err != nil || budget == nil {
		t.Fatalf("GetBudget() = %v, %v; want a row", budget, err)
	}
}

func TestSubscribeReplacesPriorActive(t *testing.T) {
	subs, store := newTestSubscriptions(t)

	first, err := subs.Subscribe(context.Background(), 1, leaderAddr, models.ModeProportional, 0)
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	second, err := subs.Subscribe(context.Background(), 1, "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee",
		models.ModeFixed, 10)
	if err != nil {
		t.Fatalf("second Subscribe() error: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("second subscription reused the first row")
	}

	// Exactly one ACTIVE row remains.
	active := 0
	for _, s := range store.Subscriptions {
		if s.FollowerID == 1 && s.Status == models.SubscriptionActive {
			active++
		}
	}
	if active != 1 {
		t.Errorf("active subscriptions = %d, want 1", active)
	}

	current, err := subs.Current(context.Background(), 1)
	if err != nil {
		t.Fatalf("Current() error: %v", err)
	}
	if current.ID != second.ID {
		t.Errorf("Current() = row %d, want %d", current.ID, second.ID)
	}
}

func TestSubscribeValidation(t *testing.T) {
	subs, _ := newTestSubscriptions(t)

	tests := []struct {
		name  string
		addr  string
		mode  models.CopyMode
		fixed float64
		want  error
	}{
		{"invalid mode", leaderAddr, models.CopyMode("YOLO"), 0, models.ErrInvalidConfig},
		{"fixed without amount", leaderAddr, models.ModeFixed, 0, models.ErrInvalidConfig},
		{"malformed address", "0x123", models.ModeProportional, 0, models.ErrLeaderNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := subs.Subscribe(context.Background(), 1, tt.addr, tt.mode, tt.fixed); !errors.Is(err, tt.want) {
				t.Errorf("Subscribe() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPauseResumeCycle(t *testing.T) {
	subs, _ := newTestSubscriptions(t)

	if _, err := subs.Subscribe(context.Background(), 1, leaderAddr, models.ModeProportional, 0); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	if err := subs.Pause(context.Background(), 1); err != nil {
		t.Fatalf("Pause() error: %v", err)
	}
	if current, _ := subs.Current(context.Background(), 1); current != nil {
		t.Error("paused subscription still reported as active")
	}

	// Pausing twice fails; there is no ACTIVE row anymore.
	if err := subs.Pause(context.Background(), 1); err == nil {
		t.Error("second Pause() succeeded unexpectedly")
	}

	if err := subs.Resume(context.Background(), 1); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	current, err := subs.Current(context.Background(), 1)
	if err != nil || current == nil {
		t.Fatalf("Current() after resume = %v, %v", current, err)
	}
}

func TestUnsubscribeCancelsPaused(t *testing.T) {
	subs, _ := newTestSubscriptions(t)

	if _, err := subs.Subscribe(context.Background(), 1, leaderAddr, models.ModeProportional, 0); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	if err := subs.Pause(context.Background(), 1); err != nil {
		t.Fatalf("Pause() error: %v", err)
	}
	if err := subs.Unsubscribe(context.Background(), 1); err != nil {
		t.Fatalf("Unsubscribe() of paused subscription error: %v", err)
	}
	if err := subs.Resume(context.Background(), 1); err == nil {
		t.Error("Resume() after cancel succeeded unexpectedly")
	}
}

func TestSetMode(t *testing.T) {
	subs, _ := newTestSubscriptions(t)

	if _, err := subs.Subscribe(context.Background(), 1, leaderAddr, models.ModeProportional, 0); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	if err := subs.SetMode(context.Background(), 1, models.ModeFixed, 15); err != nil {
		t.Fatalf("SetMode() error: %v", err)
	}
	current, err := subs.Current(context.Background(), 1)
	if err != nil {
		t.Fatalf("Current() error: %v", err)
	}
	if current.Mode != models.ModeFixed || !floatEquals(current.FixedAmount, 15, 0.001) {
		t.Errorf("mode after SetMode = %s/%.2f, want FIXED/15", current.Mode, current.FixedAmount)
	}

	if err := subs.SetMode(context.Background(), 1, models.ModeFixed, 0); !errors.Is(err, models.ErrInvalidConfig) {
		t.Errorf("SetMode() without amount error = %v, want ErrInvalidConfig", err)
	}
}
