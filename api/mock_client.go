package api

import (
	"context"
	"sync"
	"time"
)

// Interface conformance for the real clients.
var (
	_ ExecutionClient  = (*ClobClient)(nil)
	_ BalanceService   = (*DataClient)(nil)
	_ MarketDataClient = (*DataClient)(nil)
	_ Notifier         = (*LogNotifier)(nil)
	_ Notifier         = (*WebhookNotifier)(nil)
)

// MockExecutionClient is a test double for the execution endpoint with call
// tracking and error injection.
type MockExecutionClient struct {
	mu sync.Mutex

	OrderBooks map[string]*OrderBook
	BuyResult  *ExecutionResult
	SellResult *ExecutionResult

	// Recorded calls
	Buys  []MockOrder
	Sells []MockOrder
	Calls map[string]int

	ErrorOnNext map[string]error
}

// MockOrder records one placed order.
type MockOrder struct {
	FollowerID int64
	TokenID    string
	AmountUSDC float64
	NegRisk    bool
}

// NewMockExecutionClient creates an empty mock execution client.
func NewMockExecutionClient() *MockExecutionClient {
	return &MockExecutionClient{
		OrderBooks:  make(map[string]*OrderBook),
		Calls:       make(map[string]int),
		ErrorOnNext: make(map[string]error),
	}
}

func (m *MockExecutionClient) trackCall(name string) error {
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

func (m *MockExecutionClient) ExecuteBuy(ctx context.Context, followerID int64, tokenID string, amountUSDC float64, negRisk bool) (*ExecutionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("ExecuteBuy"); err != nil {
		return nil, err
	}
	m.Buys = append(m.Buys, MockOrder{followerID, tokenID, amountUSDC, negRisk})
	if m.BuyResult != nil {
		return m.BuyResult, nil
	}
	return &ExecutionResult{Success: true, OrderID: "mock-buy", TxRef: "mock-buy", Tokens: amountUSDC * 2, Price: 0.5}, nil
}

func (m *MockExecutionClient) ExecuteSell(ctx context.Context, followerID int64, tokenID string, amountUSDC float64, negRisk bool) (*ExecutionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("ExecuteSell"); err != nil {
		return nil, err
	}
	m.Sells = append(m.Sells, MockOrder{followerID, tokenID, amountUSDC, negRisk})
	if m.SellResult != nil {
		return m.SellResult, nil
	}
	return &ExecutionResult{Success: true, OrderID: "mock-sell", TxRef: "mock-sell", Tokens: amountUSDC * 2, Price: 0.5}, nil
}

func (m *MockExecutionClient) GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("GetOrderBook"); err != nil {
		return nil, err
	}
	if book, ok := m.OrderBooks[tokenID]; ok {
		return book, nil
	}
	// Default: a liquid two-sided book at 0.50
	return &OrderBook{
		AssetID: tokenID,
		Bids:    []OrderBookLevel{{Price: "0.50", Size: "10000"}},
		Asks:    []OrderBookLevel{{Price: "0.50", Size: "10000"}},
	}, nil
}

// MockDataClient is a test double for the data/metadata APIs.
type MockDataClient struct {
	mu sync.Mutex

	Balances         map[string]float64
	Trades           map[string][]LeaderTrade
	Positions        map[string]*WalletPosition // address|tokenID
	MarketsByCond    map[string]*MarketInfo
	MarketsByToken   map[string]*MarketInfo
	TradingHistories map[string]bool

	Calls       map[string]int
	ErrorOnNext map[string]error
}

// NewMockDataClient creates an empty mock data client.
func NewMockDataClient() *MockDataClient {
	return &MockDataClient{
		Balances:         make(map[string]float64),
		Trades:           make(map[string][]LeaderTrade),
		Positions:        make(map[string]*WalletPosition),
		MarketsByCond:    make(map[string]*MarketInfo),
		MarketsByToken:   make(map[string]*MarketInfo),
		TradingHistories: make(map[string]bool),
		Calls:            make(map[string]int),
		ErrorOnNext:      make(map[string]error),
	}
}

func (m *MockDataClient) trackCall(name string) error {
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

func (m *MockDataClient) GetWalletBalance(ctx context.Context, address string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("GetWalletBalance"); err != nil {
		return 0, err
	}
	return m.Balances[address], nil
}

func (m *MockDataClient) GetTrades(ctx context.Context, address string, since time.Time, limit int) ([]LeaderTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("GetTrades"); err != nil {
		return nil, err
	}

	trades := m.Trades[address]
	var out []LeaderTrade
	for _, t := range trades {
		if !since.IsZero() && t.Timestamp <= since.Unix() {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MockDataClient) GetPosition(ctx context.Context, address, tokenID string) (*WalletPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("GetPosition"); err != nil {
		return nil, err
	}
	return m.Positions[address+"|"+tokenID], nil
}

func (m *MockDataClient) HasTradingHistory(ctx context.Context, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("HasTradingHistory"); err != nil {
		return false, err
	}
	return m.TradingHistories[address], nil
}

func (m *MockDataClient) GetMarketByConditionID(ctx context.Context, conditionID string) (*MarketInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("GetMarketByConditionID"); err != nil {
		return nil, err
	}
	return m.MarketsByCond[conditionID], nil
}

func (m *MockDataClient) GetMarketByTokenID(ctx context.Context, tokenID string) (*MarketInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("GetMarketByTokenID"); err != nil {
		return nil, err
	}
	return m.MarketsByToken[tokenID], nil
}

// MockNotifier records notifications for assertions.
type MockNotifier struct {
	mu       sync.Mutex
	Messages []MockNotification
}

// MockNotification is one recorded notification.
type MockNotification struct {
	FollowerID int64
	Message    string
}

func (m *MockNotifier) Notify(_ context.Context, followerID int64, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = append(m.Messages, MockNotification{followerID, message})
}

// ForFollower returns messages delivered to a follower.
func (m *MockNotifier) ForFollower(followerID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, n := range m.Messages {
		if n.FollowerID == followerID {
			out = append(out, n.Message)
		}
	}
	return out
}

var (
	_ ExecutionClient  = (*MockExecutionClient)(nil)
	_ BalanceService   = (*MockDataClient)(nil)
	_ MarketDataClient = (*MockDataClient)(nil)
	_ Notifier         = (*MockNotifier)(nil)
)
