package rxnostr

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/girino/rxnostr/logging"
	"github.com/girino/rxnostr/relay"
	"github.com/girino/rxnostr/req"
)

// UseOption tunes a single Use call.
type UseOption func(*useOptions)

type useOptions struct {
	unique int
	relays []string
}

// WithUniqueEvents drops events whose id was already delivered on the stream.
// Up to size ids are remembered.
func WithUniqueEvents(size int) UseOption {
	return func(o *useOptions) { o.unique = size }
}

// WithRelays sends the request to urls instead of the default read relays.
// Subscriptions made this way are strong: they are not replayed to relays
// joining the default read set.
func WithRelays(urls ...string) UseOption {
	return func(o *useOptions) { o.relays = append(o.relays, urls...) }
}

// Use attaches r to the engine and returns the events its queries produce.
//
// Forward requests keep one subscription per relay that is updated in place on
// every new query; the stream runs until closed. Oneshot and backward requests
// open one EOSE-terminated subscription per query, and the stream completes
// once the request is over and every one of those subscriptions has finished.
// Closing the stream sends CLOSE for whatever is still open.
func (rx *RxNostr) Use(r req.Req, opts ...UseOption) (*Stream[relay.EventPacket], error) {
	if rx.disposed.Load() {
		return nil, ErrAlreadyDisposed
	}
	var o useOptions
	for _, opt := range opts {
		opt(&o)
	}

	mode := relay.Weak
	explicit := normalizeURLs(o.relays)
	if len(explicit) > 0 {
		mode = relay.Strong
		if err := rx.ensureConns(explicit); err != nil {
			return nil, err
		}
	}

	out := newStream[relay.EventPacket]()
	deliver, err := rx.deliverer(out, o.unique)
	if err != nil {
		out.Close()
		return nil, err
	}

	logging.DebugMethod("rxnostr", "Use", "%s request %s (%s, explicit relays %v)", r.Strategy(), r.ID(), mode, explicit)

	switch r.Strategy() {
	case req.Forward:
		return rx.useForward(r, out, deliver, mode, explicit)
	case req.Oneshot, req.Backward:
		targets := explicit
		if len(targets) == 0 {
			targets = rx.currentDefaults().urls(isRead)
		}
		return rx.useEpochs(r, out, deliver, mode, targets)
	default:
		out.Close()
		return nil, fmt.Errorf("%w: unknown strategy %s", ErrInvalidUsage, r.Strategy())
	}
}

func (rx *RxNostr) deliverer(out *Stream[relay.EventPacket], unique int) (func(relay.EventPacket), error) {
	if unique <= 0 {
		return func(p relay.EventPacket) {
			if out.push(p) {
				atomic.AddInt64(&rx.counters.eventsDelivered, 1)
			}
		}, nil
	}
	seen, err := lru.New[string, struct{}](unique)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUsage, err)
	}
	return func(p relay.EventPacket) {
		if p.Event == nil {
			return
		}
		if found, _ := seen.ContainsOrAdd(p.Event.ID, struct{}{}); found {
			atomic.AddInt64(&rx.counters.eventsDropped, 1)
			return
		}
		if out.push(p) {
			atomic.AddInt64(&rx.counters.eventsDelivered, 1)
		}
	}, nil
}

// forwardSub is the single live subscription behind a forward stream.
type forwardSub struct {
	rx       *RxNostr
	subID    string
	mode     relay.Mode
	explicit []string

	mu       sync.Mutex
	closed   bool
	targeted map[string]Conn
	detach   func()

	once      sync.Once
	offEvents func()
	untrack   func()
}

func (rx *RxNostr) useForward(r req.Req, out *Stream[relay.EventPacket], deliver func(relay.EventPacket), mode relay.Mode, explicit []string) (*Stream[relay.EventPacket], error) {
	f := &forwardSub{
		rx:       rx,
		subID:    r.SubID(),
		mode:     mode,
		explicit: explicit,
		targeted: make(map[string]Conn),
	}
	f.offEvents = rx.bus.events.on(f.subID, deliver)

	f.mu.Lock()
	untrack, ok := rx.track(func() {
		f.teardown()
		out.complete()
	})
	f.untrack = untrack
	f.mu.Unlock()
	if !ok {
		f.offEvents()
		out.Close()
		return nil, ErrAlreadyDisposed
	}
	out.onClose = f.teardown

	detach := r.Observe(f.onQuery)
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		detach()
	} else {
		f.detach = detach
		f.mu.Unlock()
	}
	return out, nil
}

func (f *forwardSub) targets() []string {
	if len(f.explicit) > 0 {
		return f.explicit
	}
	return f.rx.currentDefaults().urls(isRead)
}

// onQuery overwrites the relay-side filters. The REQs go out under f.mu so a
// concurrent teardown cannot CLOSE before them.
func (f *forwardSub) onQuery(q req.Query) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || len(q.Filters) == 0 {
		return
	}
	if f.mode == relay.Weak {
		f.rx.setWeak(q, false)
	}
	conns := f.rx.connsFor(f.targets())
	for url, c := range conns {
		f.targeted[url] = c
		c.Subscribe(q, relay.SubscribeOptions{Mode: f.mode, Overwrite: true})
		atomic.AddInt64(&f.rx.counters.reqsSent, 1)
	}
	logging.DebugMethod("rxnostr", "useForward", "REQ %s to %d relays", q.SubID, len(conns))
}

// teardown sends one CLOSE per relay that may hold the subscription: every
// relay targeted so far plus, for weak subscriptions, the current read relays
// which received it as a replay.
func (f *forwardSub) teardown() {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		detach, untrack := f.detach, f.untrack
		f.detach = nil
		closing := make(map[string]Conn, len(f.targeted))
		for url, c := range f.targeted {
			closing[url] = c
		}
		f.mu.Unlock()

		if detach != nil {
			detach()
		}
		f.offEvents()
		untrack()

		if f.rx.disposed.Load() {
			return
		}
		if f.mode == relay.Weak {
			f.rx.deleteWeak(f.subID)
			for url, c := range f.rx.connsFor(f.rx.currentDefaults().urls(isRead)) {
				closing[url] = c
			}
		}
		for _, c := range closing {
			c.Unsubscribe(f.subID)
			atomic.AddInt64(&f.rx.counters.closesSent, 1)
		}
		logging.DebugMethod("rxnostr", "useForward", "CLOSE %s to %d relays", f.subID, len(closing))
	})
}

type finishReason int

const (
	finishComplete finishReason = iota
	finishTimeout
	finishEmpty
	finishCancel
	finishDispose
)

// epochGroup flattens every epoch of one oneshot or backward request into a
// single stream.
type epochGroup struct {
	rx      *RxNostr
	out     *Stream[relay.EventPacket]
	deliver func(relay.EventPacket)
	mode    relay.Mode
	targets []string

	mu      sync.Mutex
	active  map[string]*epoch
	reqDone bool
	closed  bool
	detach  func()
	untrack func()
}

func (rx *RxNostr) useEpochs(r req.Req, out *Stream[relay.EventPacket], deliver func(relay.EventPacket), mode relay.Mode, targets []string) (*Stream[relay.EventPacket], error) {
	g := &epochGroup{
		rx:      rx,
		out:     out,
		deliver: deliver,
		mode:    mode,
		targets: targets,
		active:  make(map[string]*epoch),
	}
	g.mu.Lock()
	untrack, ok := rx.track(func() { g.stop(finishDispose) })
	g.untrack = untrack
	g.mu.Unlock()
	if !ok {
		out.Close()
		return nil, ErrAlreadyDisposed
	}
	out.onClose = func() { g.stop(finishCancel) }

	detach := r.Observe(g.onQuery)
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		detach()
	} else {
		g.detach = detach
		g.mu.Unlock()
	}

	go func() {
		select {
		case <-r.Done():
			g.requestOver()
		case <-out.Done():
		}
	}()
	return out, nil
}

func (g *epochGroup) onQuery(q req.Query) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	if _, running := g.active[q.SubID]; running {
		g.mu.Unlock()
		return
	}
	e := &epoch{group: g, query: q, eose: make(map[string]bool)}
	g.active[q.SubID] = e
	g.mu.Unlock()

	e.start()
}

func (g *epochGroup) requestOver() {
	g.mu.Lock()
	g.reqDone = true
	g.mu.Unlock()
	g.maybeComplete()
}

func (g *epochGroup) epochDone(subID string) {
	g.mu.Lock()
	delete(g.active, subID)
	g.mu.Unlock()
	g.maybeComplete()
}

// maybeComplete completes the stream once the request is over and no epoch
// is running.
func (g *epochGroup) maybeComplete() {
	g.mu.Lock()
	if g.closed || !g.reqDone || len(g.active) > 0 {
		g.mu.Unlock()
		return
	}
	g.closed = true
	detach, untrack := g.detach, g.untrack
	g.detach = nil
	g.mu.Unlock()

	if detach != nil {
		detach()
	}
	untrack()
	g.out.complete()
}

// stop finishes every running epoch early, on cancellation or disposal.
func (g *epochGroup) stop(reason finishReason) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	detach, untrack := g.detach, g.untrack
	g.detach = nil
	running := make([]*epoch, 0, len(g.active))
	for _, e := range g.active {
		running = append(running, e)
	}
	g.mu.Unlock()

	if detach != nil {
		detach()
	}
	for _, e := range running {
		e.finish(reason)
	}
	untrack()
	g.out.complete()
}

// epoch is one REQ...CLOSE cycle under one subscription id.
type epoch struct {
	group *epochGroup
	query req.Query

	mu       sync.Mutex
	eose     map[string]bool
	finished bool
	offs     []func()
	timer    *clock.Timer
}

func (e *epoch) start() {
	g := e.group
	rx := g.rx
	subID := e.query.SubID

	if len(e.query.Filters) == 0 {
		e.finish(finishEmpty)
		return
	}
	if g.mode == relay.Weak {
		rx.setWeak(e.query, true)
	}

	targets := make(map[string]bool, len(g.targets))
	for _, url := range g.targets {
		targets[url] = true
	}

	e.mu.Lock()
	e.offs = []func(){
		rx.bus.events.on(subID, e.onEvent),
		rx.bus.eoses.on(subID, e.onEOSE),
		rx.bus.states.onAll(func(p relay.ConnectionStatePacket) {
			if targets[p.From] {
				e.check()
			}
		}),
	}
	e.timer = rx.cfg.Clock.AfterFunc(rx.cfg.EoseTimeout, func() { e.finish(finishTimeout) })
	finished := e.finished
	e.mu.Unlock()
	if finished {
		return
	}

	conns := rx.connsFor(g.targets)
	for _, c := range conns {
		c.Subscribe(e.query, relay.SubscribeOptions{Mode: g.mode, Overwrite: false, Autoclose: true})
		atomic.AddInt64(&rx.counters.reqsSent, 1)
	}
	logging.DebugMethod("rxnostr", "useEpochs", "REQ %s to %d relays", subID, len(conns))
	e.check()
}

// onEvent forwards events from relays that have not signalled EOSE yet. Later
// events for the same subscription are late duplicates and are dropped.
func (e *epoch) onEvent(p relay.EventPacket) {
	e.mu.Lock()
	drop := e.finished || e.eose[p.From]
	e.mu.Unlock()
	if drop {
		atomic.AddInt64(&e.group.rx.counters.eventsDropped, 1)
		return
	}
	e.group.deliver(p)
}

func (e *epoch) onEOSE(p relay.EOSEPacket) {
	e.mu.Lock()
	e.eose[p.From] = true
	e.mu.Unlock()
	e.check()
}

// check completes the epoch once every target relay is down, gone or has
// sent EOSE.
func (e *epoch) check() {
	conns := e.group.rx.connsFor(e.group.targets)

	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return
	}
	done := true
	for url, c := range conns {
		if !e.eose[url] && !c.State().IsDown() {
			done = false
			break
		}
	}
	e.mu.Unlock()

	if done {
		e.finish(finishComplete)
	}
}

// finish tears the epoch down exactly once.
func (e *epoch) finish(reason finishReason) {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return
	}
	e.finished = true
	offs, timer := e.offs, e.timer
	e.offs, e.timer = nil, nil
	eose := make(map[string]bool, len(e.eose))
	for k, v := range e.eose {
		eose[k] = v
	}
	e.mu.Unlock()

	g := e.group
	rx := g.rx
	subID := e.query.SubID

	for _, off := range offs {
		off()
	}
	if timer != nil {
		timer.Stop()
	}
	if g.mode == relay.Weak {
		rx.deleteWeak(subID)
	}

	if reason != finishEmpty && reason != finishDispose && !rx.disposed.Load() {
		for url, c := range rx.connsFor(g.targets) {
			if eose[url] || c.State().IsDown() {
				continue
			}
			c.Unsubscribe(subID)
			atomic.AddInt64(&rx.counters.closesSent, 1)
		}
		if g.mode == relay.Weak {
			// relays that joined the read set mid-epoch got a replay
			for _, c := range rx.joinedReaders(g.targets) {
				c.Unsubscribe(subID)
			}
		}
	}

	switch reason {
	case finishTimeout:
		atomic.AddInt64(&rx.counters.epochsTimedOut, 1)
		logging.DebugMethod("rxnostr", "useEpochs", "%s timed out with %d of %d relays done", subID, len(eose), len(g.targets))
	default:
		atomic.AddInt64(&rx.counters.epochsCompleted, 1)
	}
	g.epochDone(subID)
}
