package rxnostr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"
	"go.opentelemetry.io/otel/trace"

	"github.com/girino/rxnostr/logging"
	"github.com/girino/rxnostr/relay"
	"github.com/girino/rxnostr/signer"
)

// SendOption tunes a single Send call.
type SendOption func(*sendOptions)

type sendOptions struct {
	secretKey string
	signer    signer.Signer
}

// WithSecretKey signs with key, given as hex or nsec, instead of the
// configured signer.
func WithSecretKey(key string) SendOption {
	return func(o *sendOptions) { o.secretKey = key }
}

// WithSigner signs with s instead of the configured signer.
func WithSigner(s signer.Signer) SendOption {
	return func(o *sendOptions) { o.signer = s }
}

var errNoSigner = errors.New("no secret key given and no signer configured")

// SendResult correlates one published event with the OK messages relays send
// back. Every acknowledgement received is kept, so subscribers joining late
// still see all of them.
type SendResult struct {
	rx   *RxNostr
	want int

	mu    sync.Mutex
	acks  []relay.OKPacket
	from  map[string]bool
	subs  map[int]*Stream[relay.OKPacket]
	next  int
	event *nostr.Event
	err   error

	finished   bool
	done       chan struct{}
	offOK      func()
	timer      *clock.Timer
	untrack    func()
	cancelSign context.CancelFunc
	span       trace.Span
}

// Send signs params and publishes the result to the write relays configured
// at call time. Signing runs in the background; a failure completes the
// result with no acknowledgements and is reported through Err and AllErrors.
//
// The result completes once every target relay has acknowledged, after
// Config.OkTimeout, or on Dispose, whichever happens first.
func (rx *RxNostr) Send(params nostr.Event, opts ...SendOption) (*SendResult, error) {
	if rx.disposed.Load() {
		return nil, ErrAlreadyDisposed
	}
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}

	var (
		sgn    signer.Signer
		keyErr error
	)
	switch {
	case o.secretKey != "":
		ks, err := signer.NewKeySigner(o.secretKey)
		if err != nil {
			keyErr = err
		} else {
			sgn = ks
		}
	case o.signer != nil:
		sgn = o.signer
	case rx.cfg.Signer != nil:
		sgn = rx.cfg.Signer
	default:
		keyErr = errNoSigner
	}

	targets := rx.currentDefaults().urls(isWrite)
	res := &SendResult{
		rx:   rx,
		want: len(targets),
		from: make(map[string]bool, len(targets)),
		subs: make(map[int]*Stream[relay.OKPacket]),
		done: make(chan struct{}),
	}

	ctx, span := rx.tracer.startSend(context.Background(), params.Kind, len(targets))
	ctx, cancel := context.WithCancel(ctx)

	res.mu.Lock()
	res.span = span
	res.cancelSign = cancel
	untrack, ok := rx.track(func() { res.finish(finishDispose) })
	res.untrack = untrack
	res.mu.Unlock()
	if !ok {
		cancel()
		span.End()
		return nil, ErrAlreadyDisposed
	}

	res.mu.Lock()
	res.timer = rx.cfg.Clock.AfterFunc(rx.cfg.OkTimeout, func() { res.finish(finishTimeout) })
	res.mu.Unlock()
	if res.want == 0 {
		res.finish(finishComplete)
	}

	logging.DebugMethod("rxnostr", "Send", "kind %d to %d write relays", params.Kind, len(targets))
	go res.sign(ctx, sgn, keyErr, params, targets)
	return res, nil
}

func (r *SendResult) sign(ctx context.Context, sgn signer.Signer, keyErr error, params nostr.Event, targets []string) {
	evt := params
	evt.Tags = make(nostr.Tags, len(params.Tags))
	for i, tag := range params.Tags {
		evt.Tags[i] = append(nostr.Tag(nil), tag...)
	}

	err := keyErr
	if err == nil {
		err = sgn.Sign(ctx, &evt)
	}
	if err != nil {
		err = fmt.Errorf("%w: sign event: %v", ErrInvalidUsage, err)
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		if !r.rx.disposed.Load() {
			atomic.AddInt64(&r.rx.counters.signingFailures, 1)
			logging.Warn("rxnostr: %v", err)
			r.rx.bus.OnError(relay.ErrorPacket{From: "", Err: err})
		}
		r.finish(finishComplete)
		return
	}

	r.mu.Lock()
	r.event = &evt
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.offOK = r.rx.bus.oks.on(evt.ID, r.onOK)
	r.mu.Unlock()

	for _, c := range r.rx.connsFor(targets) {
		c.Publish(&evt)
		atomic.AddInt64(&r.rx.counters.eventsPublished, 1)
	}
}

// onOK records the first acknowledgement from each relay.
func (r *SendResult) onOK(p relay.OKPacket) {
	r.mu.Lock()
	if r.finished || r.from[p.From] {
		r.mu.Unlock()
		return
	}
	r.from[p.From] = true
	r.acks = append(r.acks, p)
	for _, s := range r.subs {
		s.push(p)
	}
	full := len(r.acks) >= r.want
	r.mu.Unlock()

	atomic.AddInt64(&r.rx.counters.acksReceived, 1)
	if full {
		r.finish(finishComplete)
	}
}

func (r *SendResult) finish(reason finishReason) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	subs := r.subs
	r.subs = make(map[int]*Stream[relay.OKPacket])
	offOK, timer, untrack, cancel, span := r.offOK, r.timer, r.untrack, r.cancelSign, r.span
	acks := len(r.acks)
	var eventID string
	if r.event != nil {
		eventID = r.event.ID
	}
	err := r.err
	r.mu.Unlock()

	if offOK != nil {
		offOK()
	}
	if timer != nil {
		timer.Stop()
	}
	if untrack != nil {
		untrack()
	}
	if reason == finishDispose && cancel != nil {
		cancel()
	}
	if reason == finishTimeout {
		atomic.AddInt64(&r.rx.counters.sendsTimedOut, 1)
	}
	for _, s := range subs {
		s.complete()
	}
	close(r.done)
	if span != nil {
		r.rx.tracer.endSend(span, eventID, acks, reason == finishTimeout, err)
	}
}

// Subscribe returns a stream that first replays every acknowledgement
// received so far and then follows new ones until the result completes.
func (r *SendResult) Subscribe() *Stream[relay.OKPacket] {
	s := newStream[relay.OKPacket]()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.acks {
		s.push(p)
	}
	if r.finished {
		s.complete()
		return s
	}
	id := r.next
	r.next++
	r.subs[id] = s
	s.onClose = func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
	return s
}

// Wait blocks until the result completes or ctx is done and returns the
// acknowledgements received. A signing failure is returned as the error.
func (r *SendResult) Wait(ctx context.Context) ([]relay.OKPacket, error) {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return append([]relay.OKPacket(nil), r.acks...), r.err
	case <-ctx.Done():
		r.mu.Lock()
		defer r.mu.Unlock()
		return append([]relay.OKPacket(nil), r.acks...), ctx.Err()
	}
}

// Done is closed when the result completes.
func (r *SendResult) Done() <-chan struct{} { return r.done }

// Event returns the signed event, or nil while signing is pending or after
// it failed.
func (r *SendResult) Event() *nostr.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.event
}

// Err returns the signing failure, if any.
func (r *SendResult) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
