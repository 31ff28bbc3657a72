package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/skudskud/polycool-copy-sub002/api"
	"github.com/skudskud/polycool-copy-sub002/config"
	"github.com/skudskud/polycool-copy-sub002/models"
	"github.com/skudskud/polycool-copy-sub002/service"
	"github.com/skudskud/polycool-copy-sub002/storage"
	"github.com/skudskud/polycool-copy-sub002/utils"
)

// CopyTrader replicates one observed leader trade onto every active
// follower. Followers are processed in parallel and failures are isolated:
// one follower's error never blocks or fails another's copy.
type CopyTrader struct {
	store     storage.DataStore
	exec      api.ExecutionClient
	data      api.MarketDataClient
	balances  api.BalanceService
	notifier  api.Notifier
	calc      *service.Calculator
	budgets   *service.BudgetService
	markets   *service.MarketResolver
	followers *FollowerCache

	prices *api.MarketWSClient // optional live trade-price stream

	sellSlippage float64
	maxAttempts  int
	initialDelay time.Duration
}

func NewCopyTrader(
	store storage.DataStore,
	exec api.ExecutionClient,
	data api.MarketDataClient,
	balances api.BalanceService,
	notifier api.Notifier,
	budgets *service.BudgetService,
	markets *service.MarketResolver,
	followers *FollowerCache,
	cfg *config.Config,
) *CopyTrader {
	return &CopyTrader{
		store:        store,
		exec:         exec,
		data:         data,
		balances:     balances,
		notifier:     notifier,
		calc:         service.NewCalculator(cfg.Copy),
		budgets:      budgets,
		markets:      markets,
		followers:    followers,
		sellSlippage: cfg.Copy.SellSlippage,
		maxAttempts:  cfg.Execution.MaxAttempts,
		initialDelay: time.Duration(cfg.Execution.InitialDelayMS) * time.Millisecond,
	}
}

// WithPriceStream attaches a live market stream. Replicated tokens are added
// to its watch set and its last trade price short-circuits slippage checks.
func (ct *CopyTrader) WithPriceStream(prices *api.MarketWSClient) *CopyTrader {
	ct.prices = prices
	return ct
}

// CopyTrade fans the trade out to the leader's active followers and waits
// for all of them to settle.
func (ct *CopyTrader) CopyTrade(ctx context.Context, trade models.SourceTrade, leaderID int64) error {
	subs, err := ct.followers.Followers(ctx, leaderID)
	if err != nil {
		return fmt.Errorf("list followers for leader %d: %w", leaderID, err)
	}
	if len(subs) == 0 {
		return nil
	}

	resolution, err := ct.resolveMarket(ctx, trade)
	if err != nil {
		if errors.Is(err, models.ErrMarketUnresolved) {
			log.Printf("[CopyTrader] Dropping trade %s: %v", trade.ID, err)
			ct.recordUnresolved(ctx, trade, subs, err)
			return nil
		}
		return err
	}

	if ct.prices != nil {
		ct.prices.WatchToken(resolution.TokenID)
	}

	log.Printf("[CopyTrader] Replicating %s %s %.2f USDC by %s to %d follower(s)",
		trade.Side, resolution.Outcome, trade.Amount, utils.ShortAddress(trade.LeaderAddress), len(subs))

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub models.Subscription) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[CopyTrader] Panic copying for follower %d: %v", sub.FollowerID, r)
				}
			}()
			if err := ct.copyForFollower(ctx, trade, *resolution, sub); err != nil {
				log.Printf("[CopyTrader] Follower %d copy failed: %v", sub.FollowerID, err)
			}
		}(sub)
	}
	wg.Wait()

	if _, err := ct.store.RecomputeLeaderStats(ctx, leaderID); err != nil {
		log.Printf("[CopyTrader] Stats update failed for leader %d: %v", leaderID, err)
	}
	return nil
}

// recordUnresolved leaves a FAILED audit row per follower when a trade could
// not be mapped to a tradable market. Not retried; a wrong outcome guess
// would replicate the opposite position.
func (ct *CopyTrader) recordUnresolved(ctx context.Context, trade models.SourceTrade, subs []models.Subscription, cause error) {
	for _, sub := range subs {
		history, created, err := ct.store.InsertPendingHistory(ctx, models.CopyHistory{
			FollowerID:        sub.FollowerID,
			LeaderID:          sub.LeaderID,
			SourceTradeID:     trade.ID,
			MarketID:          trade.MarketRef,
			TokenID:           trade.TokenID,
			Side:              trade.Side,
			LeaderTradeAmount: trade.Amount,
		})
		if err != nil || !created {
			continue
		}
		ct.finalize(ctx, history.ID, models.CopyFailed, 0, 0, "", cause.Error())
	}
}

func (ct *CopyTrader) resolveMarket(ctx context.Context, trade models.SourceTrade) (*models.MarketResolution, error) {
	if trade.TokenID != "" {
		return ct.markets.ResolveByToken(ctx, trade.TokenID)
	}
	return ct.markets.ResolveByCondition(ctx, trade.MarketRef, trade.OutcomeIndex)
}

func (ct *CopyTrader) copyForFollower(ctx context.Context, trade models.SourceTrade, res models.MarketResolution, sub models.Subscription) error {
	switch trade.Side {
	case "BUY":
		return ct.copyBuy(ctx, trade, res, sub)
	case "SELL":
		return ct.copySell(ctx, trade, res, sub)
	default:
		return fmt.Errorf("unknown trade side %q", trade.Side)
	}
}

func (ct *CopyTrader) copyBuy(ctx context.Context, trade models.SourceTrade, res models.MarketResolution, sub models.Subscription) error {
	budget, err := ct.budgets.Sync(ctx, sub.FollowerID)
	if err != nil {
		return fmt.Errorf("budget sync: %w", err)
	}

	leaderBalance, err := ct.balances.GetWalletBalance(ctx, trade.LeaderAddress)
	if err != nil {
		return fmt.Errorf("leader balance: %w", err)
	}

	buy, err := ct.calc.CalcBuy(trade.Amount, leaderBalance, budget.BudgetRemaining, sub.Mode, sub.FixedAmount)
	if errors.Is(err, models.ErrTradeTooSmall) {
		return nil
	}

	record := models.CopyHistory{
		FollowerID:          sub.FollowerID,
		LeaderID:            sub.LeaderID,
		SourceTradeID:       trade.ID,
		MarketID:            res.MarketID,
		TokenID:             res.TokenID,
		Outcome:             res.Outcome,
		Side:                "BUY",
		LeaderTradeAmount:   trade.Amount,
		LeaderWalletBalance: leaderBalance,
	}
	if buy != nil {
		record.CalculatedAmount = buy.USDC
	}

	history, created, insertErr := ct.store.InsertPendingHistory(ctx, record)
	if insertErr != nil {
		return fmt.Errorf("record attempt: %w", insertErr)
	}
	if !created {
		// Duplicate delivery from the concurrent ingestion paths.
		return nil
	}

	if errors.Is(err, models.ErrInsufficientBudget) {
		ct.finalize(ctx, history.ID, models.CopyInsufficientBudget, 0, 0, "", err.Error())
		ct.notifier.Notify(ctx, sub.FollowerID,
			fmt.Sprintf("Copy skipped: budget too low to mirror a %.2f USDC buy", trade.Amount))
		return nil
	}
	if err != nil {
		ct.finalize(ctx, history.ID, models.CopyFailed, 0, 0, "", err.Error())
		return err
	}

	if err := ct.checkBuySlippage(ctx, res.TokenID, trade.Price); err != nil {
		ct.finalize(ctx, history.ID, models.CopyFailed, 0, 0, "", err.Error())
		return err
	}

	result, err := ct.executeWithRetry(ctx, func(ctx context.Context) (*api.ExecutionResult, error) {
		return ct.exec.ExecuteBuy(ctx, sub.FollowerID, res.TokenID, buy.USDC, res.NegRisk)
	})
	if err != nil {
		ct.finalize(ctx, history.ID, models.CopyFailed, 0, 0, "", err.Error())
		return err
	}

	ct.finalize(ctx, history.ID, models.CopySuccess, buy.USDC, result.Price, txRef(result), "")

	if err := ct.store.UpsertFollowerPosition(ctx, models.FollowerPosition{
		FollowerID: sub.FollowerID,
		MarketID:   res.MarketID,
		TokenID:    res.TokenID,
		Outcome:    res.Outcome,
		Size:       result.Tokens,
		AvgPrice:   result.Price,
		TotalCost:  buy.USDC,
	}); err != nil {
		log.Printf("[CopyTrader] Position update failed for follower %d: %v", sub.FollowerID, err)
	}

	ct.notifier.Notify(ctx, sub.FollowerID,
		fmt.Sprintf("Copied BUY %s: %.2f USDC at %.3f", res.Outcome, buy.USDC, result.Price))
	return nil
}

func (ct *CopyTrader) copySell(ctx context.Context, trade models.SourceTrade, res models.MarketResolution, sub models.Subscription) error {
	position, err := ct.store.GetFollowerPosition(ctx, sub.FollowerID, res.MarketID, res.Outcome)
	if err != nil {
		return fmt.Errorf("load position: %w", err)
	}
	if position == nil || position.Size <= 0 {
		// Nothing to mirror; the follower never copied the entry.
		return nil
	}

	// Without the leader's remaining position the sell ratio degenerates to
	// followerPos/trade.Size, which liquidates the follower on a partial
	// trim. Stand down instead of guessing.
	current, err := ct.data.GetPosition(ctx, trade.LeaderAddress, res.TokenID)
	if err != nil {
		return fmt.Errorf("leader position for %s: %w", utils.ShortAddress(trade.LeaderAddress), err)
	}
	leaderPosBefore := trade.Size // nil position: the leader exited fully
	if current != nil {
		leaderPosBefore = current.Size + trade.Size
	}

	decision, err := ct.calc.CalcSell(trade.Amount, leaderPosBefore, position.Size, trade.Price)
	if errors.Is(err, models.ErrTradeTooSmall) {
		return nil
	}
	if err != nil {
		return err
	}
	if decision == nil {
		return nil
	}

	record := models.CopyHistory{
		FollowerID:        sub.FollowerID,
		LeaderID:          sub.LeaderID,
		SourceTradeID:     trade.ID,
		MarketID:          res.MarketID,
		TokenID:           res.TokenID,
		Outcome:           res.Outcome,
		Side:              "SELL",
		LeaderTradeAmount: trade.Amount,
		CalculatedAmount:  decision.USDC,
	}
	history, created, err := ct.store.InsertPendingHistory(ctx, record)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	if !created {
		return nil
	}

	if err := ct.checkSellSlippage(ctx, res.TokenID, trade.Price); err != nil {
		ct.finalize(ctx, history.ID, models.CopyFailed, 0, 0, "", err.Error())
		return err
	}

	result, err := ct.executeWithRetry(ctx, func(ctx context.Context) (*api.ExecutionResult, error) {
		return ct.exec.ExecuteSell(ctx, sub.FollowerID, res.TokenID, decision.USDC, res.NegRisk)
	})
	if err != nil {
		ct.finalize(ctx, history.ID, models.CopyFailed, 0, 0, "", err.Error())
		return err
	}

	ct.finalize(ctx, history.ID, models.CopySuccess, decision.USDC, result.Price, txRef(result), "")

	soldTokens := result.Tokens
	if decision.Liquidate {
		soldTokens = position.Size
	}
	if err := ct.store.ReduceFollowerPosition(ctx, sub.FollowerID, res.MarketID, res.Outcome, soldTokens); err != nil {
		log.Printf("[CopyTrader] Position reduce failed for follower %d: %v", sub.FollowerID, err)
	}

	ct.notifier.Notify(ctx, sub.FollowerID,
		fmt.Sprintf("Copied SELL %s: %.2f USDC at %.3f", res.Outcome, decision.USDC, result.Price))
	return nil
}

// checkBuySlippage verifies the book still offers a price close enough to
// what the leader paid. Cheaper outcomes tolerate wider relative moves.
func (ct *CopyTrader) checkBuySlippage(ctx context.Context, tokenID string, leaderPrice float64) error {
	// A streamed last-trade price already past the bound saves the book fetch.
	if ct.prices != nil && leaderPrice > 0 {
		if last, ok := ct.prices.LastPrice(tokenID); ok {
			maxSlippage := getMaxSlippageForPrice(leaderPrice)
			if last > leaderPrice*(1+maxSlippage) {
				return fmt.Errorf("stream price %.3f vs leader %.3f (max +%.0f%%): %w",
					last, leaderPrice, maxSlippage*100, models.ErrSlippageExceeded)
			}
		}
	}

	book, err := ct.exec.GetOrderBook(ctx, tokenID)
	if err != nil {
		return err
	}
	if len(book.Asks) == 0 {
		return fmt.Errorf("no asks for token %s: %w", shortToken(tokenID), models.ErrStaleMarket)
	}

	_, avgPrice, filled := api.CalculateOptimalFill(book, api.SideBuy, 1)
	if filled <= 0 {
		return fmt.Errorf("book not fillable for token %s: %w", shortToken(tokenID), models.ErrStaleMarket)
	}

	if leaderPrice > 0 {
		maxSlippage := getMaxSlippageForPrice(leaderPrice)
		if avgPrice > leaderPrice*(1+maxSlippage) {
			return fmt.Errorf("ask %.3f vs leader %.3f (max +%.0f%%): %w",
				avgPrice, leaderPrice, maxSlippage*100, models.ErrSlippageExceeded)
		}
	}
	return nil
}

// checkSellSlippage verifies the best bid has not collapsed since the leader
// sold. The bound is fixed; a falling bid only ever hurts the seller.
func (ct *CopyTrader) checkSellSlippage(ctx context.Context, tokenID string, leaderPrice float64) error {
	book, err := ct.exec.GetOrderBook(ctx, tokenID)
	if err != nil {
		return err
	}
	if len(book.Bids) == 0 {
		return fmt.Errorf("no bids for token %s: %w", shortToken(tokenID), models.ErrStaleMarket)
	}

	_, avgPrice, filled := api.CalculateOptimalFill(book, api.SideSell, 1)
	if filled <= 0 {
		return fmt.Errorf("book not fillable for token %s: %w", shortToken(tokenID), models.ErrStaleMarket)
	}

	if leaderPrice > 0 && avgPrice < leaderPrice*(1-ct.sellSlippage) {
		return fmt.Errorf("bid %.3f vs leader %.3f (max -%.0f%%): %w",
			avgPrice, leaderPrice, ct.sellSlippage*100, models.ErrSlippageExceeded)
	}
	return nil
}

// executeWithRetry places the order, retrying transient failures with
// exponential backoff up to the configured attempt limit.
func (ct *CopyTrader) executeWithRetry(ctx context.Context, place func(context.Context) (*api.ExecutionResult, error)) (*api.ExecutionResult, error) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = ct.initialDelay

	var lastErr error
	for attempt := 1; attempt <= ct.maxAttempts; attempt++ {
		result, err := place(ctx)
		if err == nil && result.Success {
			return result, nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("order rejected: %s", result.ErrorMsg)
		}

		if attempt == ct.maxAttempts {
			break
		}
		sleep := backoffCfg.NextBackOff()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return nil, fmt.Errorf("%w after %d attempt(s): %v", models.ErrExecutionFailed, ct.maxAttempts, lastErr)
}

func (ct *CopyTrader) finalize(ctx context.Context, id int64, status models.CopyStatus, amount, price float64, ref, reason string) {
	if err := ct.store.FinalizeHistory(ctx, id, status, amount, price, ref, reason); err != nil {
		log.Printf("[CopyTrader] History finalize failed for %d: %v", id, err)
	}
}

func txRef(result *api.ExecutionResult) string {
	if result.TxRef != "" {
		return result.TxRef
	}
	return result.OrderID
}

// getMaxSlippageForPrice returns max allowed slippage based on price
func getMaxSlippageForPrice(price float64) float64 {
	switch {
	case price < 0.10:
		return 2.00 // 200%
	case price < 0.20:
		return 0.80 // 80%
	case price < 0.30:
		return 0.50 // 50%
	case price < 0.40:
		return 0.30 // 30%
	default:
		return 0.20 // 20%
	}
}

// shortToken abbreviates a token id for log lines.
func shortToken(tokenID string) string {
	if len(tokenID) <= 12 {
		return tokenID
	}
	return tokenID[:8] + "..." + tokenID[len(tokenID)-4:]
}
