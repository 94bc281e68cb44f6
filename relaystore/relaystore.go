// Package relaystore exposes an rxnostr engine as an eventstore.Store, so a
// khatru relay can forward what it receives to the engine's write relays and
// answer queries from its read relays without persisting anything locally.
package relaystore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fiatjaf/eventstore"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/multierr"

	"github.com/girino/rxnostr/logging"
	"github.com/girino/rxnostr/req"
	"github.com/girino/rxnostr/rxnostr"
	"github.com/girino/rxnostr/signer"
)

// ErrNotAcknowledged is returned by SaveEvent when no write relay accepted
// the event before the publish timeout.
var ErrNotAcknowledged = errors.New("relaystore: no relay acknowledged the event")

// RelayStore forwards events through an rxnostr engine. It does not persist events locally.
type RelayStore struct {
	rx *rxnostr.RxNostr
	// publish timeout for one SaveEvent
	PublishTimeout time.Duration
	// UniqueWindow bounds the per-query duplicate filter
	UniqueWindow int
	// stats
	publishAttempts     int64
	publishSuccesses    int64
	publishFailures     int64
	queryRequests       int64
	queryEventsReturned int64
}

// Stats holds runtime counters exported by RelayStore
type Stats struct {
	PublishAttempts     int64 `json:"publish_attempts"`
	PublishSuccesses    int64 `json:"publish_successes"`
	PublishFailures     int64 `json:"publish_failures"`
	QueryRequests       int64 `json:"query_requests"`
	QueryEventsReturned int64 `json:"query_events_returned"`
}

// Stats returns a snapshot of the RelayStore counters
func (r *RelayStore) Stats() Stats {
	return Stats{
		PublishAttempts:     atomic.LoadInt64(&r.publishAttempts),
		PublishSuccesses:    atomic.LoadInt64(&r.publishSuccesses),
		PublishFailures:     atomic.LoadInt64(&r.publishFailures),
		QueryRequests:       atomic.LoadInt64(&r.queryRequests),
		QueryEventsReturned: atomic.LoadInt64(&r.queryEventsReturned),
	}
}

// New creates a RelayStore on top of rx. The engine stays owned by the caller.
func New(rx *rxnostr.RxNostr) *RelayStore {
	return &RelayStore{
		rx:             rx,
		PublishTimeout: 7 * time.Second,
		UniqueWindow:   4096,
	}
}

func (r *RelayStore) Init() error {
	relays, err := r.rx.DefaultRelays()
	if err != nil {
		return err
	}
	logging.DebugMethod("relaystore", "Init", "engine has %d default relays", len(relays))
	return nil
}

// Close is a no-op: disposing the engine is up to its owner.
func (r *RelayStore) Close() {}

// QueryEvents runs filter as a oneshot request against the engine's read
// relays. The channel closes once every relay sent EOSE, is down, or the
// engine's EOSE timeout hits.
func (r *RelayStore) QueryEvents(ctx context.Context, filter nostr.Filter) (chan *nostr.Event, error) {
	atomic.AddInt64(&r.queryRequests, 1)

	s, err := r.rx.Use(req.NewOneshot(filter), rxnostr.WithUniqueEvents(r.UniqueWindow))
	if err != nil {
		return nil, err
	}

	out := make(chan *nostr.Event)
	go func() {
		defer close(out)
		defer s.Close()
		for {
			select {
			case p, ok := <-s.C():
				if !ok {
					return
				}
				atomic.AddInt64(&r.queryEventsReturned, 1)
				select {
				case out <- p.Event:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// DeleteEvent is a no-op for relay forwarding store.
func (r *RelayStore) DeleteEvent(ctx context.Context, evt *nostr.Event) error {
	return nil
}

// SaveEvent publishes an already signed event to the engine's write relays.
// It returns nil if at least one relay accepted it.
func (r *RelayStore) SaveEvent(ctx context.Context, evt *nostr.Event) error {
	relays, err := r.rx.DefaultRelays()
	if err != nil {
		return err
	}
	// if no remotes configured, simply return nil (nothing to do)
	if !hasWriteRelay(relays) {
		logging.Warn("[relaystore] no write relays configured, not forwarding event %s", evt.ID)
		return nil
	}
	atomic.AddInt64(&r.publishAttempts, 1)

	res, err := r.rx.Send(*evt, rxnostr.WithSigner(signer.Presigned))
	if err != nil {
		atomic.AddInt64(&r.publishFailures, 1)
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, r.PublishTimeout)
	defer cancel()
	acks := res.Subscribe()
	defer acks.Close()

	var rejections error
wait:
	for {
		select {
		case ack, ok := <-acks.C():
			if !ok {
				break wait
			}
			if ack.OK {
				atomic.AddInt64(&r.publishSuccesses, 1)
				logging.DebugMethod("relaystore", "SaveEvent", "%s accepted %s", ack.From, evt.ID)
				return nil
			}
			rejections = multierr.Append(rejections, fmt.Errorf("%s: %s", ack.From, ack.Notice))
		case <-cctx.Done():
			if err := cctx.Err(); !errors.Is(err, context.DeadlineExceeded) {
				atomic.AddInt64(&r.publishFailures, 1)
				return err
			}
			break wait
		}
	}

	atomic.AddInt64(&r.publishFailures, 1)
	if err := res.Err(); err != nil {
		return err
	}
	if rejections != nil {
		return rejections
	}
	return ErrNotAcknowledged
}

// ReplaceEvent just forwards the event (best-effort), similar to SaveEvent.
func (r *RelayStore) ReplaceEvent(ctx context.Context, evt *nostr.Event) error {
	return r.SaveEvent(ctx, evt)
}

// CountEvents counts what QueryEvents returns.
func (r *RelayStore) CountEvents(ctx context.Context, filter nostr.Filter) (int64, error) {
	ch, err := r.QueryEvents(ctx, filter)
	if err != nil {
		return 0, err
	}
	var n int64
	for range ch {
		n++
	}
	return n, ctx.Err()
}

func hasWriteRelay(relays map[string]rxnostr.DefaultRelayConfig) bool {
	for _, cfg := range relays {
		if cfg.Write {
			return true
		}
	}
	return false
}

// Ensure RelayStore implements eventstore.Store and eventstore.Counter
var _ eventstore.Store = (*RelayStore)(nil)
var _ eventstore.Counter = (*RelayStore)(nil)
