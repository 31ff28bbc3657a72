package syncer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/skudskud/polycool-copy-sub002/api"
	"github.com/skudskud/polycool-copy-sub002/config"
	"github.com/skudskud/polycool-copy-sub002/models"
	"github.com/skudskud/polycool-copy-sub002/service"
	"github.com/skudskud/polycool-copy-sub002/storage"
)

const (
	testLeaderAddr   = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	testFollowerAddr = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	testCondition    = "0x00000000000000000000000000000000000000000000000000000000000000bb"
	testYesToken     = "31313131313131313131"
	testNoToken      = "42424242424242424242"
)

type fixture struct {
	store    *storage.MockStore
	exec     *api.MockExecutionClient
	data     *api.MockDataClient
	notifier *api.MockNotifier
	trader   *CopyTrader
	leaderID int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := storage.NewMockStore()
	store.SeedUser(1, testFollowerAddr)

	exec := api.NewMockExecutionClient()
	data := api.NewMockDataClient()
	notifier := &api.MockNotifier{}

	data.Balances[testFollowerAddr] = 100.0
	data.Balances[testLeaderAddr] = 1000.0
	data.MarketsByToken[testYesToken] = &api.MarketInfo{
		ConditionID: testCondition,
		Active:      true,
		Tokens: []api.TokenInfo{
			{TokenID: testYesToken, Outcome: "Yes"},
			{TokenID: testNoToken, Outcome: "No"},
		},
	}

	cfg := config.Default()
	budgets := service.NewBudgetService(store, data, cfg.Copy.DefaultAllocationPct)
	markets := service.NewMarketResolver(store, data, cfg.Market.SuffixMatchLen)
	followers := NewFollowerCache(store, time.Second)

	trader := NewCopyTrader(store, exec, data, data, notifier, budgets, markets, followers, &cfg)

	// Follower 1 copies the leader proportionally with a 20% allocation.
	sub, err := store.CreateSubscription(context.Background(), models.Subscription{
		FollowerID:    1,
		LeaderID:      -1000001,
		LeaderAddress: testLeaderAddr,
		Mode:          models.ModeProportional,
	})
	if err != nil {
		t.Fatalf("CreateSubscription() error: %v", err)
	}
	if err := store.SaveBudget(context.Background(), models.Budget{UserID: 1, AllocationPct: 20}); err != nil {
		t.Fatalf("SaveBudget() error: %v", err)
	}

	return &fixture{
		store:    store,
		exec:     exec,
		data:     data,
		notifier: notifier,
		trader:   trader,
		leaderID: sub.LeaderID,
	}
}

func floatEquals(a, b, tolerance float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

func buyTrade(id string) models.SourceTrade {
	return models.SourceTrade{
		ID:            id,
		LeaderAddress: testLeaderAddr,
		MarketRef:     testCondition,
		TokenID:       testYesToken,
		Side:          "BUY",
		Amount:        100.0,
		Price:         0.50,
		Size:          200.0,
		Timestamp:     time.Now(),
		Source:        "push",
	}
}

func TestCopyTradeBuy(t *testing.T) {
	f := newFixture(t)

	if err := f.trader.CopyTrade(context.Background(), buyTrade("trade-1"), f.leaderID); err != nil {
		t.Fatalf("CopyTrade() error: %v", err)
	}

	if len(f.exec.Buys) != 1 {
		t.Fatalf("executed %d buys, want 1", len(f.exec.Buys))
	}
	// Leader risked 10% of their 1000 balance; follower's budget is 20 so
	// the proportional copy is 100 * (20/1000) = 2.
	if !floatEquals(f.exec.Buys[0].AmountUSDC, 2.0, 0.001) {
		t.Errorf("buy amount = %.4f, want 2.0", f.exec.Buys[0].AmountUSDC)
	}

	history, err := f.store.ListHistory(context.Background(), 1, 10)
	if err != nil {
		t.Fatalf("ListHistory() error: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history rows = %d, want 1", len(history))
	}
	if history[0].Status != models.CopySuccess {
		t.Errorf("history status = %s, want SUCCESS", history[0].Status)
	}
	if history[0].ExecutedAt == nil {
		t.Error("executed_at not set on SUCCESS row")
	}

	if msgs := f.notifier.ForFollower(1); len(msgs) != 1 {
		t.Errorf("notifications = %d, want 1", len(msgs))
	}

	// The buy opened a tracked position.
	pos, err := f.store.GetFollowerPosition(context.Background(), 1, testCondition, "Yes")
	if err != nil || pos == nil {
		t.Fatalf("GetFollowerPosition() = %v, %v; want a position", pos, err)
	}
	if pos.Size <= 0 {
		t.Errorf("position size = %.2f, want > 0", pos.Size)
	}
}

// Replaying the same source trade must leave exactly one history row and
// place exactly one order.
func TestCopyTradeIdempotentReplay(t *testing.T) {
	f := newFixture(t)

	trade := buyTrade("trade-replay")
	for i := 0; i < 3; i++ {
		if err := f.trader.CopyTrade(context.Background(), trade, f.leaderID); err != nil {
			t.Fatalf("CopyTrade() replay %d error: %v", i, err)
		}
	}

	if len(f.exec.Buys) != 1 {
		t.Errorf("executed %d buys across replays, want 1", len(f.exec.Buys))
	}
	history, _ := f.store.ListHistory(context.Background(), 1, 10)
	if len(history) != 1 {
		t.Errorf("history rows = %d, want 1", len(history))
	}
}

func TestCopyTradeIgnoresTinyBuy(t *testing.T) {
	f := newFixture(t)

	trade := buyTrade("trade-tiny")
	trade.Amount = 1.50 // below the 2.0 ignore threshold

	if err := f.trader.CopyTrade(context.Background(), trade, f.leaderID); err != nil {
		t.Fatalf("CopyTrade() error: %v", err)
	}

	if len(f.exec.Buys) != 0 {
		t.Errorf("executed %d buys for sub-threshold trade, want 0", len(f.exec.Buys))
	}
	// Skipped trades leave no audit trail at all.
	history, _ := f.store.ListHistory(context.Background(), 1, 10)
	if len(history) != 0 {
		t.Errorf("history rows = %d, want 0", len(history))
	}
}

func TestCopyTradeInsufficientBudget(t *testing.T) {
	f := newFixture(t)
	f.data.Balances[testFollowerAddr] = 0.50 // 20% allocation -> 0.10 budget

	if err := f.trader.CopyTrade(context.Background(), buyTrade("trade-poor"), f.leaderID); err != nil {
		t.Fatalf("CopyTrade() error: %v", err)
	}

	if len(f.exec.Buys) != 0 {
		t.Errorf("executed %d buys without budget, want 0", len(f.exec.Buys))
	}

	history, _ := f.store.ListHistory(context.Background(), 1, 10)
	if len(history) != 1 {
		t.Fatalf("history rows = %d, want 1", len(history))
	}
	if history[0].Status != models.CopyInsufficientBudget {
		t.Errorf("status = %s, want INSUFFICIENT_BUDGET", history[0].Status)
	}

	// The follower is told about budget problems; they can act on those.
	if msgs := f.notifier.ForFollower(1); len(msgs) != 1 {
		t.Errorf("notifications = %d, want 1", len(msgs))
	}
}

func TestCopyTradeExecutionFailureRecorded(t *testing.T) {
	f := newFixture(t)
	f.exec.BuyResult = &api.ExecutionResult{Success: false, ErrorMsg: "not enough liquidity"}

	if err := f.trader.CopyTrade(context.Background(), buyTrade("trade-fail"), f.leaderID); err != nil {
		t.Fatalf("CopyTrade() error: %v", err)
	}

	// Retried up to the configured attempt limit.
	if f.exec.Calls["ExecuteBuy"] != config.Default().Execution.MaxAttempts {
		t.Errorf("ExecuteBuy attempts = %d, want %d",
			f.exec.Calls["ExecuteBuy"], config.Default().Execution.MaxAttempts)
	}

	history, _ := f.store.ListHistory(context.Background(), 1, 10)
	if len(history) != 1 || history[0].Status != models.CopyFailed {
		t.Fatalf("history = %+v, want one FAILED row", history)
	}
	if !strings.Contains(history[0].FailureReason, "not enough liquidity") {
		t.Errorf("failure reason %q does not carry the cause", history[0].FailureReason)
	}

	// Technical failures are not pushed to the user.
	if msgs := f.notifier.ForFollower(1); len(msgs) != 0 {
		t.Errorf("notifications = %d, want 0", len(msgs))
	}
}

func TestCopyTradeStaleMarket(t *testing.T) {
	f := newFixture(t)
	f.exec.OrderBooks[testYesToken] = &api.OrderBook{AssetID: testYesToken} // no asks

	if err := f.trader.CopyTrade(context.Background(), buyTrade("trade-stale"), f.leaderID); err != nil {
		t.Fatalf("CopyTrade() error: %v", err)
	}

	if len(f.exec.Buys) != 0 {
		t.Errorf("executed %d buys into an empty book, want 0", len(f.exec.Buys))
	}
	history, _ := f.store.ListHistory(context.Background(), 1, 10)
	if len(history) != 1 || history[0].Status != models.CopyFailed {
		t.Fatalf("history = %+v, want one FAILED row", history)
	}
}

func TestCopyTradeSlippageGuard(t *testing.T) {
	f := newFixture(t)
	// Leader bought at 0.50; book now asks 0.90, beyond the 20% bound.
	f.exec.OrderBooks[testYesToken] = &api.OrderBook{
		AssetID: testYesToken,
		Asks:    []api.OrderBookLevel{{Price: "0.90", Size: "10000"}},
		Bids:    []api.OrderBookLevel{{Price: "0.85", Size: "10000"}},
	}

	if err := f.trader.CopyTrade(context.Background(), buyTrade("trade-slip"), f.leaderID); err != nil {
		t.Fatalf("CopyTrade() error: %v", err)
	}

	if len(f.exec.Buys) != 0 {
		t.Errorf("executed %d buys past the slippage bound, want 0", len(f.exec.Buys))
	}
	history, _ := f.store.ListHistory(context.Background(), 1, 10)
	if len(history) != 1 || history[0].Status != models.CopyFailed {
		t.Fatalf("history = %+v, want one FAILED row", history)
	}
}

func TestCopyTradeSell(t *testing.T) {
	f := newFixture(t)

	// Follower holds 100 Yes tokens; the leader held 500 before selling $50.
	if err := f.store.UpsertFollowerPosition(context.Background(), models.FollowerPosition{
		FollowerID: 1,
		MarketID:   testCondition,
		TokenID:    testYesToken,
		Outcome:    "Yes",
		Size:       100,
		AvgPrice:   0.40,
		TotalCost:  40,
	}); err != nil {
		t.Fatalf("UpsertFollowerPosition() error: %v", err)
	}
	f.data.Positions[testLeaderAddr+"|"+testYesToken] = &api.WalletPosition{
		Asset: testYesToken,
		Size:  400, // 500 before the 100-token sell below
	}

	trade := models.SourceTrade{
		ID:            "trade-sell",
		LeaderAddress: testLeaderAddr,
		MarketRef:     testCondition,
		TokenID:       testYesToken,
		Side:          "SELL",
		Amount:        50.0,
		Price:         0.50,
		Size:          100.0,
		Timestamp:     time.Now(),
	}

	if err := f.trader.CopyTrade(context.Background(), trade, f.leaderID); err != nil {
		t.Fatalf("CopyTrade() error: %v", err)
	}

	if len(f.exec.Sells) != 1 {
		t.Fatalf("executed %d sells, want 1", len(f.exec.Sells))
	}
	// 50 * (100 / 500) = 10 USDC.
	if !floatEquals(f.exec.Sells[0].AmountUSDC, 10.0, 0.001) {
		t.Errorf("sell amount = %.4f, want 10.0", f.exec.Sells[0].AmountUSDC)
	}

	history, _ := f.store.ListHistory(context.Background(), 1, 10)
	if len(history) != 1 || history[0].Status != models.CopySuccess {
		t.Fatalf("history = %+v, want one SUCCESS row", history)
	}
}

// A transient failure reading the leader's remaining position must stand
// down, not fall back to a ratio that liquidates the follower on a partial
// trim.
func TestCopyTradeSellLeaderPositionLookupFails(t *testing.T) {
	f := newFixture(t)

	if err := f.store.UpsertFollowerPosition(context.Background(), models.FollowerPosition{
		FollowerID: 1,
		MarketID:   testCondition,
		TokenID:    testYesToken,
		Outcome:    "Yes",
		Size:       100,
		AvgPrice:   0.40,
		TotalCost:  40,
	}); err != nil {
		t.Fatalf("UpsertFollowerPosition() error: %v", err)
	}
	f.data.Positions[testLeaderAddr+"|"+testYesToken] = &api.WalletPosition{
		Asset: testYesToken,
		Size:  400,
	}
	f.data.ErrorOnNext["GetPosition"] = context.DeadlineExceeded

	trade := models.SourceTrade{
		ID:            "trade-sell-lookup-fail",
		LeaderAddress: testLeaderAddr,
		MarketRef:     testCondition,
		TokenID:       testYesToken,
		Side:          "SELL",
		Amount:        50.0, // a 20% trim of a 500-token position
		Price:         0.50,
		Size:          100.0,
		Timestamp:     time.Now(),
	}

	if err := f.trader.CopyTrade(context.Background(), trade, f.leaderID); err != nil {
		t.Fatalf("CopyTrade() error: %v", err)
	}

	if len(f.exec.Sells) != 0 {
		t.Fatalf("executed %d sells on a failed position lookup, want 0", len(f.exec.Sells))
	}
	pos, err := f.store.GetFollowerPosition(context.Background(), 1, testCondition, "Yes")
	if err != nil || pos == nil {
		t.Fatalf("GetFollowerPosition() = %v, %v; want intact position", pos, err)
	}
	if !floatEquals(pos.Size, 100, 0.001) {
		t.Errorf("position size = %.2f after failed lookup, want 100 untouched", pos.Size)
	}
}

func TestCopyTradeSellWithoutPosition(t *testing.T) {
	f := newFixture(t)

	trade := models.SourceTrade{
		ID:            "trade-sell-nopos",
		LeaderAddress: testLeaderAddr,
		TokenID:       testYesToken,
		Side:          "SELL",
		Amount:        50.0,
		Price:         0.50,
		Size:          100.0,
	}

	if err := f.trader.CopyTrade(context.Background(), trade, f.leaderID); err != nil {
		t.Fatalf("CopyTrade() error: %v", err)
	}
	if len(f.exec.Sells) != 0 {
		t.Errorf("executed %d sells with no position, want 0", len(f.exec.Sells))
	}
}

// An unresolvable market drops the trade with a FAILED audit row instead of
// guessing an outcome.
func TestCopyTradeUnresolvedMarket(t *testing.T) {
	f := newFixture(t)

	trade := buyTrade("trade-unresolved")
	trade.TokenID = "777777777" // unknown everywhere

	if err := f.trader.CopyTrade(context.Background(), trade, f.leaderID); err != nil {
		t.Fatalf("CopyTrade() error: %v", err)
	}

	if len(f.exec.Buys) != 0 {
		t.Errorf("executed %d buys on unresolved market, want 0", len(f.exec.Buys))
	}
	history, _ := f.store.ListHistory(context.Background(), 1, 10)
	if len(history) != 1 || history[0].Status != models.CopyFailed {
		t.Fatalf("history = %+v, want one FAILED audit row", history)
	}
}

// One follower's storage failure must not stop the others from copying.
func TestCopyTradeFollowerIsolation(t *testing.T) {
	f := newFixture(t)
	f.store.SeedUser(2, "0xcccccccccccccccccccccccccccccccccccccccc")
	if _, err := f.store.CreateSubscription(context.Background(), models.Subscription{
		FollowerID:    2,
		LeaderID:      f.leaderID,
		LeaderAddress: testLeaderAddr,
		Mode:          models.ModeProportional,
	}); err != nil {
		t.Fatalf("CreateSubscription() error: %v", err)
	}
	f.data.Balances["0xcccccccccccccccccccccccccccccccccccccccc"] = 100.0

	// Follower 2's balance read blows up once; follower 1 should still copy.
	f.data.ErrorOnNext["GetWalletBalance"] = context.DeadlineExceeded

	if err := f.trader.CopyTrade(context.Background(), buyTrade("trade-isolated"), f.leaderID); err != nil {
		t.Fatalf("CopyTrade() error: %v", err)
	}

	if len(f.exec.Buys) != 1 {
		t.Errorf("executed %d buys, want 1 despite sibling failure", len(f.exec.Buys))
	}
}
