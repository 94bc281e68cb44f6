// Package rxnostr turns declarative requests into REQ/CLOSE traffic over a
// changing set of relay connections, folds per-relay EOSE into stream
// completion and correlates published events with their OK acknowledgements.
//
// An RxNostr owns its connections and its packet bus. Nothing it exposes
// blocks on network I/O: every output is a Stream fed by connection read
// goroutines.
package rxnostr

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/multierr"

	"github.com/girino/rxnostr/logging"
	"github.com/girino/rxnostr/relay"
	"github.com/girino/rxnostr/req"
)

// RxNostr is the engine. Create it with New and release it with Dispose.
type RxNostr struct {
	cfg      Config
	bus      *bus
	tracer   *tracer
	counters counters

	// defaults is replaced wholesale on every change, never mutated.
	defaults atomic.Pointer[relaySet]
	// cfgMu serializes default-relay replacements.
	cfgMu sync.Mutex

	mu         sync.Mutex
	conns      map[string]Conn
	weakReqs   map[string]weakReq
	closers    map[int]func()
	nextCloser int
	disposed   atomic.Bool
}

// New creates an engine with no default relays.
func New(cfg Config) *RxNostr {
	rx := &RxNostr{
		cfg:      cfg.withDefaults(),
		bus:      newBus(),
		tracer:   newTracer(),
		conns:    make(map[string]Conn),
		weakReqs: make(map[string]weakReq),
		closers:  make(map[int]func()),
	}
	rx.defaults.Store(&relaySet{})
	return rx
}

// Dispose closes every connection and completes every stream the engine
// handed out. Every later facade call fails with ErrAlreadyDisposed. A second
// Dispose does nothing and returns nil.
func (rx *RxNostr) Dispose() error {
	rx.mu.Lock()
	if rx.disposed.Load() {
		rx.mu.Unlock()
		return nil
	}
	rx.disposed.Store(true)
	conns := rx.conns
	rx.conns = make(map[string]Conn)
	closers := make([]func(), 0, len(rx.closers))
	for _, fn := range rx.closers {
		closers = append(closers, fn)
	}
	rx.closers = make(map[int]func())
	rx.weakReqs = make(map[string]weakReq)
	rx.mu.Unlock()
	rx.defaults.Store(&relaySet{})

	logging.DebugMethod("rxnostr", "Dispose", "completing %d streams, closing %d connections", len(closers), len(conns))
	for _, fn := range closers {
		fn()
	}

	urls := make([]string, 0, len(conns))
	for url := range conns {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	var err error
	for _, url := range urls {
		if cerr := conns[url].Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", url, cerr))
		}
	}
	rx.bus.close()
	return err
}

// track registers fn to run on Dispose. It reports false when the engine is
// already disposed, in which case fn is not registered.
func (rx *RxNostr) track(fn func()) (untrack func(), ok bool) {
	rx.mu.Lock()
	defer rx.mu.Unlock()
	if rx.disposed.Load() {
		return nil, false
	}
	id := rx.nextCloser
	rx.nextCloser++
	rx.closers[id] = fn
	return func() {
		rx.mu.Lock()
		delete(rx.closers, id)
		rx.mu.Unlock()
	}, true
}

// AllEvents streams every EVENT received on any connection. Closing the
// stream has no effect on relay traffic.
func (rx *RxNostr) AllEvents() (*Stream[relay.EventPacket], error) {
	return listenAll(rx, rx.bus.events)
}

// AllErrors streams transport errors and signing failures. It is the only
// place relay faults surface: Use and Send streams never fail because of them.
func (rx *RxNostr) AllErrors() (*Stream[relay.ErrorPacket], error) {
	return listenAll(rx, rx.bus.errs)
}

// ConnectionStates streams every connection state transition.
func (rx *RxNostr) ConnectionStates() (*Stream[relay.ConnectionStatePacket], error) {
	return listenAll(rx, rx.bus.states)
}

// AllMessages streams every relay message (EVENT, EOSE, OK and the rest).
func (rx *RxNostr) AllMessages() (*Stream[relay.MessagePacket], error) {
	s := newStream[relay.MessagePacket]()
	offs := []func(){
		rx.bus.events.onAll(func(p relay.EventPacket) {
			subID := p.SubID
			s.push(relay.MessagePacket{From: p.From, Type: "EVENT", Message: &nostr.EventEnvelope{SubscriptionID: &subID, Event: *p.Event}})
		}),
		rx.bus.eoses.onAll(func(p relay.EOSEPacket) {
			env := nostr.EOSEEnvelope(p.SubID)
			s.push(relay.MessagePacket{From: p.From, Type: "EOSE", Message: &env})
		}),
		rx.bus.oks.onAll(func(p relay.OKPacket) {
			s.push(relay.MessagePacket{From: p.From, Type: "OK", Message: &nostr.OKEnvelope{EventID: p.EventID, OK: p.OK, Reason: p.Notice}})
		}),
		rx.bus.others.onAll(func(p relay.MessagePacket) { s.push(p) }),
	}
	off := func() {
		for _, fn := range offs {
			fn()
		}
	}
	return trackStream(rx, s, off)
}

func listenAll[T any](rx *RxNostr, t *topic[T]) (*Stream[T], error) {
	s := newStream[T]()
	off := t.onAll(func(v T) { s.push(v) })
	return trackStream(rx, s, off)
}

func trackStream[T any](rx *RxNostr, s *Stream[T], off func()) (*Stream[T], error) {
	untrack, ok := rx.track(func() {
		off()
		s.complete()
	})
	if !ok {
		off()
		s.Close()
		return nil, ErrAlreadyDisposed
	}
	s.onClose = func() {
		off()
		untrack()
	}
	return s, nil
}

// weakReq is a live weak query and how relays joining the read set must
// subscribe to it.
type weakReq struct {
	query     req.Query
	autoclose bool
}

func (rx *RxNostr) setWeak(q req.Query, autoclose bool) {
	rx.mu.Lock()
	if !rx.disposed.Load() {
		rx.weakReqs[q.SubID] = weakReq{query: q, autoclose: autoclose}
	}
	rx.mu.Unlock()
}

func (rx *RxNostr) deleteWeak(subID string) {
	rx.mu.Lock()
	delete(rx.weakReqs, subID)
	rx.mu.Unlock()
}

// connsFor returns the existing connections among urls, keyed by URL.
func (rx *RxNostr) connsFor(urls []string) map[string]Conn {
	rx.mu.Lock()
	defer rx.mu.Unlock()
	out := make(map[string]Conn, len(urls))
	for _, u := range urls {
		if c, ok := rx.conns[u]; ok {
			out[u] = c
		}
	}
	return out
}

// joinedReaders returns the connections of current read relays outside
// targets.
func (rx *RxNostr) joinedReaders(targets []string) []Conn {
	skip := make(map[string]bool, len(targets))
	for _, u := range targets {
		skip[u] = true
	}
	var urls []string
	for _, u := range rx.currentDefaults().urls(isRead) {
		if !skip[u] {
			urls = append(urls, u)
		}
	}
	conns := rx.connsFor(urls)
	out := make([]Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// ensureConns creates missing connections for urls. Connections created here
// are not default relays and never keep weak subscriptions.
func (rx *RxNostr) ensureConns(urls []string) error {
	rx.mu.Lock()
	defer rx.mu.Unlock()
	if rx.disposed.Load() {
		return ErrAlreadyDisposed
	}
	for _, u := range urls {
		if _, ok := rx.conns[u]; !ok {
			rx.conns[u] = rx.cfg.Dial(u, rx.bus)
		}
	}
	return nil
}
