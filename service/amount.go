// Package service implements the business rules of the replication engine:
// trade sizing, budget management, leader and market resolution, and the
// subscription lifecycle.
package service

import (
	"fmt"

	"github.com/skudskud/polycool-copy-sub002/config"
	"github.com/skudskud/polycool-copy-sub002/models"
	"github.com/skudskud/polycool-copy-sub002/utils"
)

// Calculator derives follower trade sizes from leader trades. It is pure:
// no storage, no clients, fully deterministic for a given input.
type Calculator struct {
	IgnoreThreshold float64 // leader BUYs below this are not copied at all
	MinCopyAmount   float64
	MaxCopyAmount   float64
	MinLeaderSell   float64
	MinFollowerSell float64
}

// NewCalculator builds a Calculator from the copy thresholds.
func NewCalculator(cfg config.CopyConfig) *Calculator {
	return &Calculator{
		IgnoreThreshold: cfg.IgnoreThresholdUSDC,
		MinCopyAmount:   cfg.MinCopyUSDC,
		MaxCopyAmount:   cfg.MaxCopyUSDC,
		MinLeaderSell:   cfg.MinLeaderSellUSDC,
		MinFollowerSell: cfg.MinFollowerSellUSDC,
	}
}

// BuyAmount is the sized follower BUY.
type BuyAmount struct {
	USDC float64
}

// SellDecision is the sized follower SELL. Liquidate means the whole position
// is sold to avoid leaving unsellable dust.
type SellDecision struct {
	USDC      float64
	Liquidate bool
}

// CalcBuy sizes a follower BUY from the leader trade.
//
// Proportional mode scales the leader's amount by the ratio of the follower's
// remaining budget to the leader's wallet balance, so a leader risking 10% of
// their capital makes the follower risk 10% of theirs. Fixed mode uses the
// subscription's configured amount. Either way the result is clamped to
// [MinCopyAmount, min(MaxCopyAmount, budgetRemaining)].
func (c *Calculator) CalcBuy(leaderAmount, leaderBalance, budgetRemaining float64, mode models.CopyMode, fixedAmount float64) (*BuyAmount, error) {
	if leaderAmount < c.IgnoreThreshold {
		return nil, fmt.Errorf("leader buy %.2f USDC: %w", leaderAmount, models.ErrTradeTooSmall)
	}
	if budgetRemaining < c.MinCopyAmount {
		return nil, fmt.Errorf("budget %.2f below minimum copy %.2f: %w",
			budgetRemaining, c.MinCopyAmount, models.ErrInsufficientBudget)
	}

	var amount float64
	switch mode {
	case models.ModeFixed:
		amount = fixedAmount
	case models.ModeProportional:
		if leaderBalance <= 0 {
			// Cannot scale without a denominator; treat as unfundable.
			return nil, fmt.Errorf("leader balance unknown: %w", models.ErrInsufficientBudget)
		}
		amount = leaderAmount * (budgetRemaining / leaderBalance)
	default:
		return nil, fmt.Errorf("copy mode %q: %w", mode, models.ErrInvalidConfig)
	}

	limit := utils.MinFloat(c.MaxCopyAmount, budgetRemaining)
	amount = utils.ClampFloat(amount, c.MinCopyAmount, limit)
	if amount > budgetRemaining {
		return nil, fmt.Errorf("copy amount %.2f exceeds budget %.2f: %w",
			amount, budgetRemaining, models.ErrInsufficientBudget)
	}

	return &BuyAmount{USDC: amount}, nil
}

// CalcSell sizes a follower SELL from the leader trade. Sizing is
// position-based, not budget-based: the follower sells the same fraction of
// their position that the leader sold of theirs.
//
// leaderPosBefore is the leader's position size before the sell (current
// holdings plus what the trade moved). followerValue is followerPosSize*price.
// A nil decision with nil error means the sell is skipped.
func (c *Calculator) CalcSell(leaderAmount, leaderPosBefore, followerPosSize, price float64) (*SellDecision, error) {
	if leaderAmount < c.MinLeaderSell {
		return nil, fmt.Errorf("leader sell %.2f USDC: %w", leaderAmount, models.ErrTradeTooSmall)
	}
	if followerPosSize <= 0 || price <= 0 {
		return nil, nil
	}

	followerValue := followerPosSize * price
	if leaderPosBefore <= 0 {
		// Leader closed a position we never saw open. Nothing sensible to
		// scale by, so skip rather than guess.
		return nil, nil
	}

	sellUSDC := leaderAmount * (followerPosSize / leaderPosBefore)

	if sellUSDC < c.MinFollowerSell {
		if followerValue < c.MinFollowerSell {
			// The whole position is dust; close it out entirely.
			return &SellDecision{USDC: followerValue, Liquidate: true}, nil
		}
		return nil, nil
	}

	// Selling the computed amount must not strand a remainder too small to
	// ever sell. Liquidate instead of leaving dust behind.
	remainder := followerValue - sellUSDC
	if remainder > 0 && remainder < c.MinFollowerSell {
		return &SellDecision{USDC: followerValue, Liquidate: true}, nil
	}
	if sellUSDC >= followerValue {
		return &SellDecision{USDC: followerValue, Liquidate: true}, nil
	}

	return &SellDecision{USDC: sellUSDC}, nil
}
