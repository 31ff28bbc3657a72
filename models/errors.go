package models

import "errors"

// Sentinel errors for the replication engine. Callers distinguish them with
// errors.Is; everything else is treated as a transient technical failure.
var (
	// ErrInvalidConfig rejects bad allocation/mode input at the boundary.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrLeaderNotFound is returned only for syntactically invalid addresses.
	// Any well-formed address always resolves to some leader identity.
	ErrLeaderNotFound = errors.New("leader not found")

	// ErrInsufficientBudget means the calculated copy amount cannot be funded
	// from the follower's remaining budget. Recorded, notified, not retried.
	ErrInsufficientBudget = errors.New("insufficient budget")

	// ErrTradeTooSmall means the leader trade is below the ignore threshold.
	// The trade is skipped without a history record.
	ErrTradeTooSmall = errors.New("leader trade below copy threshold")

	// ErrMarketUnresolved means the trade cannot be mapped to a tradable
	// market/outcome. The trade is dropped rather than guessed.
	ErrMarketUnresolved = errors.New("market unresolved")

	// ErrStaleMarket means the target market no longer has an order book.
	ErrStaleMarket = errors.New("market closed or resolved")

	// ErrSlippageExceeded means the current price moved beyond the allowed
	// bound versus the leader's price.
	ErrSlippageExceeded = errors.New("price slippage exceeded")

	// ErrExecutionFailed wraps a terminal order placement failure after
	// retries are exhausted.
	ErrExecutionFailed = errors.New("execution failed")
)
