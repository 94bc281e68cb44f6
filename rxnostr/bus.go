package rxnostr

import (
	"sync"
	"sync/atomic"

	"github.com/girino/rxnostr/relay"
)

// topic fans one packet type out to listeners registered either for a key
// (a subscription id or an event id) or for everything.
type topic[T any] struct {
	mu     sync.RWMutex
	nextID int
	keyed  map[string]map[int]func(T)
	all    map[int]func(T)
}

func newTopic[T any]() *topic[T] {
	return &topic[T]{
		keyed: make(map[string]map[int]func(T)),
		all:   make(map[int]func(T)),
	}
}

// on registers fn for packets published under key.
func (t *topic[T]) on(key string, fn func(T)) (off func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	ls, ok := t.keyed[key]
	if !ok {
		ls = make(map[int]func(T))
		t.keyed[key] = ls
	}
	ls[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if ls, ok := t.keyed[key]; ok {
			delete(ls, id)
			if len(ls) == 0 {
				delete(t.keyed, key)
			}
		}
	}
}

// onAll registers fn for every packet.
func (t *topic[T]) onAll(fn func(T)) (off func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.all[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.all, id)
		t.mu.Unlock()
	}
}

// publish calls the listeners outside the lock so they may register or
// unregister listeners themselves.
func (t *topic[T]) publish(key string, v T) {
	t.mu.RLock()
	ls := t.keyed[key]
	fns := make([]func(T), 0, len(ls)+len(t.all))
	for _, fn := range ls {
		fns = append(fns, fn)
	}
	for _, fn := range t.all {
		fns = append(fns, fn)
	}
	t.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (t *topic[T]) reset() {
	t.mu.Lock()
	t.keyed = make(map[string]map[int]func(T))
	t.all = make(map[int]func(T))
	t.mu.Unlock()
}

// bus is the engine-wide multiplexer every connection writes into. It lives
// exactly as long as its engine.
type bus struct {
	events *topic[relay.EventPacket]
	eoses  *topic[relay.EOSEPacket]
	oks    *topic[relay.OKPacket]
	others *topic[relay.MessagePacket]
	errs   *topic[relay.ErrorPacket]
	states *topic[relay.ConnectionStatePacket]

	closed atomic.Bool
}

var _ relay.Sink = (*bus)(nil)

func newBus() *bus {
	return &bus{
		events: newTopic[relay.EventPacket](),
		eoses:  newTopic[relay.EOSEPacket](),
		oks:    newTopic[relay.OKPacket](),
		others: newTopic[relay.MessagePacket](),
		errs:   newTopic[relay.ErrorPacket](),
		states: newTopic[relay.ConnectionStatePacket](),
	}
}

func (b *bus) OnEvent(p relay.EventPacket) {
	if !b.closed.Load() {
		b.events.publish(p.SubID, p)
	}
}

func (b *bus) OnEOSE(p relay.EOSEPacket) {
	if !b.closed.Load() {
		b.eoses.publish(p.SubID, p)
	}
}

func (b *bus) OnOK(p relay.OKPacket) {
	if !b.closed.Load() {
		b.oks.publish(p.EventID, p)
	}
}

func (b *bus) OnOther(p relay.MessagePacket) {
	if !b.closed.Load() {
		b.others.publish(p.Type, p)
	}
}

func (b *bus) OnConnectionState(p relay.ConnectionStatePacket) {
	if !b.closed.Load() {
		b.states.publish(p.From, p)
	}
}

func (b *bus) OnError(p relay.ErrorPacket) {
	if !b.closed.Load() {
		b.errs.publish(p.From, p)
	}
}

// close drops every listener; later packets go nowhere.
func (b *bus) close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.events.reset()
	b.eoses.reset()
	b.oks.reset()
	b.others.reset()
	b.errs.reset()
	b.states.reset()
}
