package models

import "time"

// CopyMode controls how a follower's trade size is derived.
type CopyMode string

const (
	ModeProportional CopyMode = "PROPORTIONAL" // scaled by leader trade-to-balance ratio
	ModeFixed        CopyMode = "FIXED"        // constant configured amount
)

// Valid reports whether the mode is one of the known copy modes.
func (m CopyMode) Valid() bool {
	return m == ModeProportional || m == ModeFixed
}

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "ACTIVE"
	SubscriptionPaused    SubscriptionStatus = "PAUSED"
	SubscriptionCancelled SubscriptionStatus = "CANCELLED"
)

// Subscription links one follower to one leader. At most one ACTIVE
// subscription exists per follower; subscribing again cancels the prior one.
type Subscription struct {
	ID            int64              `json:"id"`
	FollowerID    int64              `json:"follower_id"`
	LeaderID      int64              `json:"leader_id"`
	LeaderAddress string             `json:"leader_address"`
	Mode          CopyMode           `json:"mode"`
	FixedAmount   float64            `json:"fixed_amount,omitempty"`
	Status        SubscriptionStatus `json:"status"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Budget is a derived snapshot of a follower's spendable copy-trade capital.
// It is recomputed from a fresh wallet balance before every BUY evaluation and
// is never decremented as a side effect of trading.
type Budget struct {
	UserID          int64     `json:"user_id"`
	AllocationPct   float64   `json:"allocation_pct"` // 5..100
	WalletBalance   float64   `json:"wallet_balance"`
	AllocatedBudget float64   `json:"allocated_budget"`
	BudgetRemaining float64   `json:"budget_remaining"`
	SyncedAt        time.Time `json:"synced_at"`
}

// CopyStatus is the terminal (or pending) state of one replication attempt.
type CopyStatus string

const (
	CopyPending            CopyStatus = "PENDING"
	CopySuccess            CopyStatus = "SUCCESS"
	CopyFailed             CopyStatus = "FAILED"
	CopyInsufficientBudget CopyStatus = "INSUFFICIENT_BUDGET"
	CopyCancelled          CopyStatus = "CANCELLED"
)

// CopyHistory is the append-only audit record of one replication attempt.
// (FollowerID, SourceTradeID) is unique, which makes duplicate delivery from
// the concurrent push and poll paths collapse into a single row.
type CopyHistory struct {
	ID                  int64      `json:"id"`
	FollowerID          int64      `json:"follower_id"`
	LeaderID            int64      `json:"leader_id"`
	SourceTradeID       string     `json:"source_trade_id"`
	MarketID            string     `json:"market_id"`
	TokenID             string     `json:"token_id"`
	Outcome             string     `json:"outcome"`
	Side                string     `json:"side"`
	LeaderTradeAmount   float64    `json:"leader_trade_amount"`
	LeaderWalletBalance float64    `json:"leader_wallet_balance"`
	CalculatedAmount    float64    `json:"calculated_amount"`
	ActualAmount        float64    `json:"actual_amount,omitempty"`
	Price               float64    `json:"price,omitempty"`
	Status              CopyStatus `json:"status"`
	FailureReason       string     `json:"failure_reason,omitempty"`
	TxRef               string     `json:"tx_ref,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	ExecutedAt          *time.Time `json:"executed_at,omitempty"`
}

// LeaderStats aggregates copy activity per leader. Derived from CopyHistory
// and Subscription rows, never authoritative.
type LeaderStats struct {
	LeaderID        int64     `json:"leader_id"`
	ActiveFollowers int       `json:"active_followers"`
	TradesCopied    int64     `json:"trades_copied"`
	VolumeCopied    float64   `json:"volume_copied"`
	FeesPaid        float64   `json:"fees_paid"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// FollowerStats summarizes a follower's own copy activity.
type FollowerStats struct {
	FollowerID   int64   `json:"follower_id"`
	TradesCopied int64   `json:"trades_copied"`
	TradesFailed int64   `json:"trades_failed"`
	TradesBudget int64   `json:"trades_budget_limited"`
	VolumeCopied float64 `json:"volume_copied"`
}

// SourceTrade is one observed leader trade, the unit of replication.
// Both ingestion paths produce this shape; ID is stable across them.
type SourceTrade struct {
	ID            string    `json:"source_trade_id"`
	LeaderAddress string    `json:"leader_address"`
	MarketRef     string    `json:"market_ref"` // condition id or raw market ref
	TokenID       string    `json:"token_id,omitempty"`
	OutcomeIndex  int       `json:"outcome_index"` // meaningful only with MarketRef
	Side          string    `json:"side"`          // BUY or SELL
	Amount        float64   `json:"amount"`
	Price         float64   `json:"price"`
	Size          float64   `json:"size"` // outcome tokens moved
	Timestamp     time.Time `json:"timestamp"`
	TxHash        string    `json:"tx_hash,omitempty"`
	Source        string    `json:"source,omitempty"` // push or poll
}

// FollowerPosition tracks a follower's holdings in one market outcome.
// SELL sizing is position-based, so this is the follower-side denominator.
type FollowerPosition struct {
	FollowerID int64     `json:"follower_id"`
	MarketID   string    `json:"market_id"`
	TokenID    string    `json:"token_id"`
	Outcome    string    `json:"outcome"`
	Size       float64   `json:"size"`
	AvgPrice   float64   `json:"avg_price"`
	TotalCost  float64   `json:"total_cost"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Value returns the position's current worth at the given price.
func (p FollowerPosition) Value(price float64) float64 {
	return p.Size * price
}

// MarketResolution is the outcome of mapping a raw trade to a tradable market.
type MarketResolution struct {
	MarketID     string `json:"market_id"` // condition id
	TokenID      string `json:"token_id"`
	Outcome      string `json:"outcome"`
	OutcomeIndex int    `json:"outcome_index"`
	NegRisk      bool   `json:"neg_risk"`
}
