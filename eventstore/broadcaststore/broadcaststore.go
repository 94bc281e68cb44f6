// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// BroadcastStore - fire-and-forget event store publishing through an rxnostr engine.
package broadcaststore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fiatjaf/eventstore"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/rxnostr/logging"
	"github.com/girino/rxnostr/rxnostr"
	"github.com/girino/rxnostr/signer"
)

// BroadcastStore publishes events to the engine's write relays without
// waiting for them to answer. Events seen within the cache TTL are not
// published again.
type BroadcastStore struct {
	rx *rxnostr.RxNostr
	// cacheMu makes the seen-check and insert one step
	cacheMu    sync.Mutex
	eventCache *expirable.LRU[string, struct{}]
	wg         sync.WaitGroup

	// Stats tracking
	attempts               int64
	successes              int64
	failures               int64
	consecutiveFailures    int64
	maxConsecutiveFailures int64
}

// Stats holds runtime counters exported by BroadcastStore
type Stats struct {
	Attempts            int64  `json:"attempts"`
	Successes           int64  `json:"successes"`
	Failures            int64  `json:"failures"`
	ConsecutiveFailures int64  `json:"consecutive_failures"`
	CacheSize           int    `json:"cache_size"`
	HealthState         string `json:"health_state"`
}

// Health state constants
const (
	HealthGreen  = "GREEN"
	HealthYellow = "YELLOW"
	HealthRed    = "RED"
)

// NewBroadcastStore creates a BroadcastStore on rx. cacheSize bounds how many
// event ids are remembered for cacheTTL.
func NewBroadcastStore(rx *rxnostr.RxNostr, cacheSize int, cacheTTL time.Duration, maxConsecutiveFailures int64) *BroadcastStore {
	return &BroadcastStore{
		rx:                     rx,
		eventCache:             expirable.NewLRU[string, struct{}](cacheSize, nil, cacheTTL),
		maxConsecutiveFailures: maxConsecutiveFailures,
	}
}

// Init is a no-op; the engine is configured by its owner.
func (bs *BroadcastStore) Init() error {
	logging.DebugMethod("broadcaststore", "Init", "Initializing broadcast store")
	return nil
}

// Close waits for outstanding publishes to settle.
func (bs *BroadcastStore) Close() {
	logging.DebugMethod("broadcaststore", "Close", "Closing broadcast store")
	bs.wg.Wait()
}

// SaveEvent publishes an already signed event unless it was published
// recently. It returns before any relay answers.
func (bs *BroadcastStore) SaveEvent(ctx context.Context, evt *nostr.Event) error {
	if !bs.markSeen(evt.ID) {
		logging.DebugMethod("broadcaststore", "SaveEvent", "Event %s is cached, skipping broadcast", evt.ID)
		return nil
	}
	atomic.AddInt64(&bs.attempts, 1)

	res, err := bs.rx.Send(*evt, rxnostr.WithSigner(signer.Presigned))
	if err != nil {
		bs.eventCache.Remove(evt.ID)
		bs.recordFailure()
		return err
	}

	bs.wg.Add(1)
	go func() {
		defer bs.wg.Done()
		acks, _ := res.Wait(context.Background())
		for _, ack := range acks {
			if ack.OK {
				atomic.AddInt64(&bs.successes, 1)
				atomic.StoreInt64(&bs.consecutiveFailures, 0)
				logging.DebugMethod("broadcaststore", "SaveEvent", "Broadcast event %s accepted by %d relays", evt.ID, len(acks))
				return
			}
		}
		bs.recordFailure()
		logging.DebugMethod("broadcaststore", "SaveEvent", "Broadcast event %s was not accepted (%d answers, err %v)", evt.ID, len(acks), res.Err())
	}()
	return nil
}

// markSeen records id and reports whether it was new.
func (bs *BroadcastStore) markSeen(id string) bool {
	bs.cacheMu.Lock()
	defer bs.cacheMu.Unlock()
	if bs.eventCache.Contains(id) {
		return false
	}
	bs.eventCache.Add(id, struct{}{})
	return true
}

func (bs *BroadcastStore) recordFailure() {
	atomic.AddInt64(&bs.failures, 1)
	n := atomic.AddInt64(&bs.consecutiveFailures, 1)
	if bs.maxConsecutiveFailures > 0 && n == bs.maxConsecutiveFailures {
		logging.Warn("[broadcaststore] %d broadcasts in a row were not accepted by any relay", n)
	}
}

// QueryEvents returns an empty closed channel since we don't store events locally
func (bs *BroadcastStore) QueryEvents(ctx context.Context, filter nostr.Filter) (chan *nostr.Event, error) {
	ch := make(chan *nostr.Event)
	close(ch)
	return ch, nil
}

// DeleteEvent is a no-op.
func (bs *BroadcastStore) DeleteEvent(ctx context.Context, evt *nostr.Event) error {
	return nil
}

// ReplaceEvent replaces an event (atomically)
func (bs *BroadcastStore) ReplaceEvent(ctx context.Context, evt *nostr.Event) error {
	return bs.SaveEvent(ctx, evt)
}

// Stats returns a snapshot of the BroadcastStore counters
func (bs *BroadcastStore) Stats() Stats {
	consecutive := atomic.LoadInt64(&bs.consecutiveFailures)
	health := HealthGreen
	if bs.maxConsecutiveFailures > 0 {
		if consecutive >= bs.maxConsecutiveFailures {
			health = HealthRed
		} else if consecutive > bs.maxConsecutiveFailures/2 {
			health = HealthYellow
		}
	}
	return Stats{
		Attempts:            atomic.LoadInt64(&bs.attempts),
		Successes:           atomic.LoadInt64(&bs.successes),
		Failures:            atomic.LoadInt64(&bs.failures),
		ConsecutiveFailures: consecutive,
		CacheSize:           bs.eventCache.Len(),
		HealthState:         health,
	}
}

var _ eventstore.Store = (*BroadcastStore)(nil)
