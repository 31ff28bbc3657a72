package syncer

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/skudskud/polycool-copy-sub002/api"
	"github.com/skudskud/polycool-copy-sub002/config"
	"github.com/skudskud/polycool-copy-sub002/models"
	"github.com/skudskud/polycool-copy-sub002/storage"
	"github.com/skudskud/polycool-copy-sub002/utils"
)

// Poller is the fallback ingestion path. It sweeps the data API for new
// leader trades on two cadences: a broad sweep over every leader with active
// followers and a faster sweep over the most-followed leaders. Both sweeps
// stand down while the push listener is healthy.
type Poller struct {
	store     storage.DataStore
	data      api.MarketDataClient
	followers *FollowerCache
	dedup     *Deduper
	trader    *CopyTrader
	push      *PushListener

	broadInterval time.Duration
	fastInterval  time.Duration
	fastTopN      int
	batchSize     int

	mu      sync.Mutex
	cursors map[int64]time.Time // leaderID -> newest trade seen

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewPoller(store storage.DataStore, data api.MarketDataClient, followers *FollowerCache, dedup *Deduper, trader *CopyTrader, push *PushListener, cfg config.IngestionConfig) *Poller {
	return &Poller{
		store:         store,
		data:          data,
		followers:     followers,
		dedup:         dedup,
		trader:        trader,
		push:          push,
		broadInterval: time.Duration(cfg.BroadSweepSec) * time.Second,
		fastInterval:  time.Duration(cfg.FastSweepSec) * time.Second,
		fastTopN:      cfg.FastSweepTopN,
		batchSize:     cfg.PollBatchSize,
		cursors:       make(map[int64]time.Time),
		stopCh:        make(chan struct{}),
	}
}

// Start launches both sweep loops.
func (p *Poller) Start(ctx context.Context) {
	if p.running {
		return
	}
	p.running = true
	p.wg.Add(1)
	go p.run(ctx)
	log.Printf("[Poller] Started (broad=%s fast=%s topN=%d)",
		p.broadInterval, p.fastInterval, p.fastTopN)
}

// Stop halts the sweeps and waits for in-flight work.
func (p *Poller) Stop() {
	if !p.running {
		return
	}
	p.running = false
	close(p.stopCh)
	p.wg.Wait()
	log.Printf("[Poller] Stopped")
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	broad := time.NewTicker(p.broadInterval)
	fast := time.NewTicker(p.fastInterval)
	defer broad.Stop()
	defer fast.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-broad.C:
			p.sweep(ctx, 0)
		case <-fast.C:
			p.sweep(ctx, p.fastTopN)
		}
	}
}

// sweep polls each watched leader for unseen trades. topN of 0 means all
// leaders. One leader failing never halts the rest of the sweep.
func (p *Poller) sweep(ctx context.Context, topN int) {
	if p.push != nil && p.push.Healthy() {
		return
	}

	var leaders []storage.LeaderRef
	var err error
	if topN > 0 {
		leaders, err = p.store.TopLeaders(ctx, topN)
	} else {
		leaders, err = p.followers.ActiveLeaders(ctx)
	}
	if err != nil {
		log.Printf("[Poller] Leader listing failed: %v", err)
		return
	}

	for _, leader := range leaders {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		if err := p.pollLeader(ctx, leader); err != nil {
			log.Printf("[Poller] Sweep failed for leader %s: %v",
				utils.ShortAddress(leader.Address), err)
		}
	}
}

func (p *Poller) pollLeader(ctx context.Context, leader storage.LeaderRef) error {
	p.mu.Lock()
	since := p.cursors[leader.LeaderID]
	p.mu.Unlock()
	if since.IsZero() {
		// First sweep for this leader; only look back one broad interval so
		// stale history is not replayed as fresh trades.
		since = time.Now().Add(-p.broadInterval)
	}

	trades, err := p.data.GetTrades(ctx, leader.Address, since, p.batchSize)
	if err != nil {
		return fmt.Errorf("fetch trades: %w", err)
	}

	newest := since
	for _, raw := range trades {
		if raw.Type != "" && raw.Type != "TRADE" {
			continue
		}
		ts := time.Unix(raw.Timestamp, 0)
		if ts.After(newest) {
			newest = ts
		}

		if !p.dedup.FirstSeen(ctx, raw.ID) {
			continue
		}

		trade := models.SourceTrade{
			ID:            raw.ID,
			LeaderAddress: utils.NormalizeAddress(leader.Address),
			MarketRef:     raw.ConditionID,
			TokenID:       raw.Asset,
			OutcomeIndex:  raw.OutcomeIndex,
			Side:          raw.Side,
			Amount:        raw.USDCValue(),
			Price:         raw.Price,
			Size:          raw.Size,
			Timestamp:     ts,
			TxHash:        raw.TransactionHash,
			Source:        "poll",
		}

		if err := p.trader.CopyTrade(ctx, trade, leader.LeaderID); err != nil {
			log.Printf("[Poller] Replication failed for trade %s: %v", trade.ID, err)
		}
	}

	if newest.After(since) {
		p.mu.Lock()
		p.cursors[leader.LeaderID] = newest
		p.mu.Unlock()

		// External leaders keep their cursor in the store so a restart does
		// not replay their window.
		if leader.LeaderID < 0 {
			cursor := strconv.FormatInt(newest.Unix(), 10)
			if err := p.store.UpdateLeaderCursor(ctx, leader.Address, cursor); err != nil {
				log.Printf("[Poller] Cursor persist failed for %s: %v",
					utils.ShortAddress(leader.Address), err)
			}
		}
	}
	return nil
}
