// Package api contains the clients for the external collaborators of the
// replication engine: the exchange execution endpoint, the public data API,
// the market metadata API and the notification sink. The engine consumes them
// through the interfaces below so tests can inject mocks.
package api

import (
	"context"
	"time"
)

// Side represents the order side
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderBook represents the order book for a token
type OrderBook struct {
	Market    string           `json:"market"`
	AssetID   string           `json:"asset_id"`
	Timestamp string           `json:"timestamp"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
}

// OrderBookLevel represents a single price level
type OrderBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// MarketInfo represents market metadata including its outcome token set.
// The Tokens slice is ordered by outcome index; outcome labels come from the
// market itself, never from a numeric convention.
type MarketInfo struct {
	ConditionID      string      `json:"condition_id"`
	Question         string      `json:"question"`
	MarketSlug       string      `json:"market_slug"`
	Tokens           []TokenInfo `json:"tokens"`
	MinimumOrderSize string      `json:"minimum_order_size"`
	Active           bool        `json:"active"`
	Closed           bool        `json:"closed"`
	NegRisk          bool        `json:"neg_risk"`
}

// TokenInfo represents one outcome token of a market
type TokenInfo struct {
	TokenID string `json:"token_id"`
	Outcome string `json:"outcome"`
	Price   string `json:"price"`
	Winner  bool   `json:"winner"`
}

// ExecutionResult is the outcome of one order placement.
type ExecutionResult struct {
	Success  bool    `json:"success"`
	OrderID  string  `json:"order_id"`
	TxRef    string  `json:"tx_ref"`
	Tokens   float64 `json:"tokens"` // outcome tokens bought/sold
	Price    float64 `json:"price"`  // average fill price
	ErrorMsg string  `json:"error_msg,omitempty"`
}

// LeaderTrade is one trade observed for a leader via the data API (poll path).
type LeaderTrade struct {
	ID              string  `json:"id"`
	ProxyWallet     string  `json:"proxyWallet"`
	Side            string  `json:"side"`
	Asset           string  `json:"asset"` // outcome token id
	ConditionID     string  `json:"conditionId"`
	Outcome         string  `json:"outcome"`
	OutcomeIndex    int     `json:"outcomeIndex"`
	Size            float64 `json:"size"`
	Price           float64 `json:"price"`
	Timestamp       int64   `json:"timestamp"`
	TransactionHash string  `json:"transactionHash"`
	Type            string  `json:"type"` // TRADE, REDEEM, SPLIT, MERGE
}

// USDCValue returns the trade's notional value in USDC.
func (t LeaderTrade) USDCValue() float64 {
	return t.Size * t.Price
}

// WalletPosition is a wallet's current holding in one outcome token.
type WalletPosition struct {
	Asset        string  `json:"asset"`
	ConditionID  string  `json:"conditionId"`
	Outcome      string  `json:"outcome"`
	OutcomeIndex int     `json:"outcomeIndex"`
	Size         float64 `json:"size"`
	AvgPrice     float64 `json:"avgPrice"`
	CurrentValue float64 `json:"currentValue"`
}

// ExecutionClient places orders on the exchange on behalf of a follower.
// Orders are fill-or-kill market orders sized in USDC.
type ExecutionClient interface {
	ExecuteBuy(ctx context.Context, followerID int64, tokenID string, amountUSDC float64, negRisk bool) (*ExecutionResult, error)
	ExecuteSell(ctx context.Context, followerID int64, tokenID string, amountUSDC float64, negRisk bool) (*ExecutionResult, error)
	GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error)
}

// BalanceService reads the current spendable wallet balance for an address.
type BalanceService interface {
	GetWalletBalance(ctx context.Context, address string) (float64, error)
}

// MarketDataClient reads public market metadata and wallet activity.
type MarketDataClient interface {
	GetMarketByConditionID(ctx context.Context, conditionID string) (*MarketInfo, error)
	GetMarketByTokenID(ctx context.Context, tokenID string) (*MarketInfo, error)
	GetTrades(ctx context.Context, address string, since time.Time, limit int) ([]LeaderTrade, error)
	GetPosition(ctx context.Context, address, tokenID string) (*WalletPosition, error)
	HasTradingHistory(ctx context.Context, address string) (bool, error)
}

// Notifier delivers user-facing messages. Fire-and-forget: implementations
// log failures and never return them into the replication path.
type Notifier interface {
	Notify(ctx context.Context, followerID int64, message string)
}

// CalculateOptimalFill walks the book and returns the size, average price and
// filled USDC for a market order of amountUSDC.
func CalculateOptimalFill(book *OrderBook, side Side, amountUSDC float64) (size, avgPrice, filled float64) {
	levels := book.Asks
	if side == SideSell {
		levels = book.Bids
	}

	remaining := amountUSDC
	for _, level := range levels {
		price := parseFloat(level.Price)
		available := parseFloat(level.Size)
		if price <= 0 || available <= 0 {
			continue
		}

		levelUSDC := price * available
		if levelUSDC >= remaining {
			size += remaining / price
			filled += remaining
			remaining = 0
			break
		}

		size += available
		filled += levelUSDC
		remaining -= levelUSDC
	}

	if size > 0 {
		avgPrice = filled / size
	}
	return size, avgPrice, filled
}
