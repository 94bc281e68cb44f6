// Package req models what a caller wants from relays as a sequence of queries
// over time. A request holds no connection state, so the same request may be
// used by several engines.
package req

import (
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"go.jetify.com/typeid/v2"

	"github.com/girino/rxnostr/filter"
)

// Strategy selects how the engine turns a request's queries into relay traffic.
type Strategy int

const (
	// Oneshot issues a single query and completes once every relay has
	// answered with EOSE (or is down, or timed out).
	Oneshot Strategy = iota + 1
	// Forward keeps one live subscription whose filters may be replaced.
	Forward
	// Backward issues one independent, EOSE-terminated subscription per page.
	Backward
)

func (s Strategy) String() string {
	switch s {
	case Oneshot:
		return "oneshot"
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Query is one snapshot of what is being requested.
type Query struct {
	SubID   string
	Filters []nostr.Filter
}

// Req is the contract the engine consumes.
type Req interface {
	// ID is the stable identity of the request.
	ID() string
	Strategy() Strategy
	// SubID and Filters describe the current query.
	SubID() string
	Filters() []nostr.Filter
	// Observe calls fn with the current query right away and then with every
	// later one. fn must not call back into the request.
	Observe(fn func(Query)) (cancel func())
	// Done is closed once the request will not emit any further query.
	Done() <-chan struct{}
}

// FilterAccumulator incrementally builds one filter from an outside source.
// filter.Accumulator implements it.
type FilterAccumulator interface {
	Filter() nostr.Filter
	// Observe registers fn for future emissions only.
	Observe(fn func(nostr.Filter)) (cancel func())
	Flush()
}

func newID() string {
	tid, err := typeid.Generate("req")
	if err != nil {
		panic(fmt.Sprintf("req: generate id: %v", err))
	}
	return tid.String()
}

func makeSubID(id string, index int) string {
	return fmt.Sprintf("%s:%d", id, index)
}

// base holds the replay-latest machinery shared by every strategy: a single
// slot with the last query and a set of listeners.
type base struct {
	id       string
	strategy Strategy

	// emitMu serializes emissions with the replay done by Observe so a new
	// listener never sees an older query after a newer one.
	emitMu sync.Mutex

	mu        sync.Mutex
	current   Query
	listeners map[int]func(Query)
	nextID    int

	done     chan struct{}
	overOnce sync.Once
	detach   func()
}

func newBase(strategy Strategy, initial Query, id string) *base {
	return &base{
		id:        id,
		strategy:  strategy,
		current:   initial,
		listeners: make(map[int]func(Query)),
		done:      make(chan struct{}),
	}
}

func (b *base) ID() string         { return b.id }
func (b *base) Strategy() Strategy { return b.strategy }

func (b *base) SubID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current.SubID
}

func (b *base) Filters() []nostr.Filter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneFilters(b.current.Filters)
}

func (b *base) Done() <-chan struct{} { return b.done }

func (b *base) Observe(fn func(Query)) (cancel func()) {
	b.emitMu.Lock()
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	cur := b.current
	b.mu.Unlock()
	fn(cloneQuery(cur))
	b.emitMu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// emit stores q and notifies listeners. It returns false once the request is over.
func (b *base) emit(next func(cur Query) Query) bool {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	select {
	case <-b.done:
		return false
	default:
	}

	b.mu.Lock()
	q := next(b.current)
	b.current = q
	fns := make([]func(Query), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(cloneQuery(q))
	}
	return true
}

// over waits for an emission in progress, so listeners never see a query after
// Done is closed.
func (b *base) over() {
	b.overOnce.Do(func() {
		b.emitMu.Lock()
		defer b.emitMu.Unlock()

		b.mu.Lock()
		detach := b.detach
		b.detach = nil
		b.mu.Unlock()
		if detach != nil {
			detach()
		}
		close(b.done)
	})
}

func (b *base) setDetach(fn func()) {
	b.mu.Lock()
	b.detach = fn
	b.mu.Unlock()
}

func cloneFilters(fs []nostr.Filter) []nostr.Filter {
	if fs == nil {
		return nil
	}
	out := make([]nostr.Filter, len(fs))
	for i, f := range fs {
		out[i] = filter.Clone(f)
	}
	return out
}

func cloneQuery(q Query) Query {
	return Query{SubID: q.SubID, Filters: cloneFilters(q.Filters)}
}
