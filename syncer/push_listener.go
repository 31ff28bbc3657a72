package syncer

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/skudskud/polycool-copy-sub002/models"
	"github.com/skudskud/polycool-copy-sub002/utils"
)

// pushPayload is the wire shape published on the trade channel by the
// external indexer.
type pushPayload struct {
	SourceTradeID string  `json:"source_trade_id"`
	LeaderAddress string  `json:"leader_address"`
	MarketRef     string  `json:"market_ref"`
	TokenID       string  `json:"token_id,omitempty"`
	OutcomeIndex  int     `json:"outcome_index"`
	Side          string  `json:"side"`
	Amount        float64 `json:"amount"`
	Price         float64 `json:"price"`
	Size          float64 `json:"size"`
	Timestamp     int64   `json:"timestamp"`
	TxHash        string  `json:"tx_hash,omitempty"`
}

// PushListener consumes leader trades from the indexer's pub/sub channel.
// It is the primary low-latency ingestion path; the poller only takes over
// while this listener is unhealthy.
type PushListener struct {
	redis     *redis.Client
	channel   string
	followers *FollowerCache
	dedup     *Deduper
	trader    *CopyTrader

	healthy atomic.Bool
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewPushListener(rdb *redis.Client, channel string, followers *FollowerCache, dedup *Deduper, trader *CopyTrader) *PushListener {
	return &PushListener{
		redis:     rdb,
		channel:   channel,
		followers: followers,
		dedup:     dedup,
		trader:    trader,
		stopCh:    make(chan struct{}),
	}
}

// Healthy reports whether the listener currently holds a live subscription.
func (pl *PushListener) Healthy() bool {
	return pl.healthy.Load()
}

// Start begins consuming the trade channel in the background.
func (pl *PushListener) Start(ctx context.Context) {
	if pl.running {
		return
	}
	pl.running = true
	pl.wg.Add(1)
	go pl.run(ctx)
	log.Printf("[PushListener] Started on channel %s", pl.channel)
}

// Stop shuts the listener down and waits for the consume loop to exit.
func (pl *PushListener) Stop() {
	if !pl.running {
		return
	}
	pl.running = false
	close(pl.stopCh)
	pl.wg.Wait()
	log.Printf("[PushListener] Stopped")
}

func (pl *PushListener) run(ctx context.Context) {
	defer pl.wg.Done()
	defer pl.healthy.Store(false)

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-pl.stopCh:
			return
		default:
		}

		sub := pl.redis.Subscribe(ctx, pl.channel)
		if _, err := sub.Receive(ctx); err != nil {
			sub.Close()
			pl.healthy.Store(false)
			log.Printf("[PushListener] Subscribe failed, falling back to polling: %v", err)

			sleep := backoffCfg.NextBackOff()
			select {
			case <-ctx.Done():
				return
			case <-pl.stopCh:
				return
			case <-time.After(sleep):
			}
			continue
		}

		pl.healthy.Store(true)
		backoffCfg.Reset()
		pl.consume(ctx, sub)
		sub.Close()
		pl.healthy.Store(false)
	}
}

func (pl *PushListener) consume(ctx context.Context, sub *redis.PubSub) {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-pl.stopCh:
			return
		case msg, ok := <-ch:
			if !ok {
				// Connection dropped; outer loop resubscribes.
				return
			}
			pl.handleMessage(ctx, msg.Payload)
		}
	}
}

func (pl *PushListener) handleMessage(ctx context.Context, payload string) {
	var p pushPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		log.Printf("[PushListener] Malformed payload: %v", err)
		return
	}
	if p.SourceTradeID == "" || p.LeaderAddress == "" {
		log.Printf("[PushListener] Incomplete payload, ignoring")
		return
	}

	leaderID, watched, err := pl.followers.LeaderFor(ctx, p.LeaderAddress)
	if err != nil {
		log.Printf("[PushListener] Leader lookup failed for %s: %v",
			utils.ShortAddress(p.LeaderAddress), err)
		return
	}
	if !watched {
		return
	}

	if !pl.dedup.FirstSeen(ctx, p.SourceTradeID) {
		return
	}

	trade := models.SourceTrade{
		ID:            p.SourceTradeID,
		LeaderAddress: utils.NormalizeAddress(p.LeaderAddress),
		MarketRef:     p.MarketRef,
		TokenID:       p.TokenID,
		OutcomeIndex:  p.OutcomeIndex,
		Side:          p.Side,
		Amount:        p.Amount,
		Price:         p.Price,
		Size:          p.Size,
		Timestamp:     time.Unix(p.Timestamp, 0),
		TxHash:        p.TxHash,
		Source:        "push",
	}

	// Replication can wait on execution retries for a long time; it must not
	// hold up the consume loop or queued pub/sub messages get dropped.
	pl.wg.Add(1)
	go func() {
		defer pl.wg.Done()
		if err := pl.trader.CopyTrade(ctx, trade, leaderID); err != nil {
			log.Printf("[PushListener] Replication failed for trade %s: %v", trade.ID, err)
		}
	}()
}
