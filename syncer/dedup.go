// Package syncer contains the event ingestion and replication pipeline:
// the push listener, the polling sweeps, trade de-duplication and the
// fan-out orchestrator.
package syncer

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper decides whether a source trade has been seen within the dedup
// window. Redis SETNX gives cross-process idempotency; when Redis is down a
// local map keeps single-process correctness rather than failing open.
type Deduper struct {
	redis *redis.Client
	ttl   time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewDeduper(rdb *redis.Client, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Deduper{
		redis: rdb,
		ttl:   ttl,
		seen:  make(map[string]time.Time),
	}
}

// FirstSeen marks the trade id as processed and reports whether this call
// was the first sighting within the TTL window.
func (d *Deduper) FirstSeen(ctx context.Context, tradeID string) bool {
	if d.redis != nil {
		ok, err := d.redis.SetNX(ctx, "dedup:"+tradeID, 1, d.ttl).Result()
		if err == nil {
			return ok
		}
		log.Printf("[Dedup] Redis unavailable, using local fallback: %v", err)
	}
	return d.firstSeenLocal(tradeID)
}

func (d *Deduper) firstSeenLocal(tradeID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if at, ok := d.seen[tradeID]; ok && now.Sub(at) < d.ttl {
		return false
	}
	d.seen[tradeID] = now

	// Bound memory if redis stays down for a long stretch.
	if len(d.seen) > 1000 {
		cutoff := now.Add(-d.ttl)
		for id, at := range d.seen {
			if at.Before(cutoff) {
				delete(d.seen, id)
			}
			if len(d.seen) <= 500 {
				break
			}
		}
	}
	return true
}
