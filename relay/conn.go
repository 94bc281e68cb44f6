package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/rxnostr/logging"
	"github.com/girino/rxnostr/req"
)

// Options configures a connection.
type Options struct {
	Dialer *websocket.Dialer
	Header http.Header
	// RetrySchedule lists the delays before each reconnection attempt. Once it
	// is exhausted the connection settles in StateError until ConnectManually.
	RetrySchedule []time.Duration
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	// VerifySignatures drops inbound events with a bad id or signature and
	// reports them as ErrInvalidSignature.
	VerifySignatures bool
	Clock            clock.Clock
}

// DefaultOptions returns the options used by Dial.
func DefaultOptions() Options {
	return Options{
		Dialer:        websocket.DefaultDialer,
		RetrySchedule: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second},
		DialTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
		Clock:         clock.New(),
	}
}

type subscription struct {
	query req.Query
	opts  SubscribeOptions
}

// Conn manages a single websocket connection to one relay. It connects lazily
// on first use, queues REQ and EVENT frames while disconnected, and re-issues
// every live subscription after each (re)connection.
type Conn struct {
	url  string
	sink Sink
	opts Options

	mu         sync.Mutex
	state      ConnectionState
	ws         *websocket.Conn
	generation int
	subs       map[string]*subscription
	pending    [][]byte
	keepWeak   bool
	attempts   int
	retryTimer *clock.Timer
	closed     bool

	writeMu sync.Mutex
}

// New creates a connection handle for url. Nothing is dialed until the
// connection is first needed.
func New(url string, sink Sink, opts Options) *Conn {
	def := DefaultOptions()
	if opts.Dialer == nil {
		opts.Dialer = def.Dialer
	}
	if opts.RetrySchedule == nil {
		opts.RetrySchedule = def.RetrySchedule
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = def.DialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.Clock == nil {
		opts.Clock = def.Clock
	}
	if sink == nil {
		sink = nopSink{}
	}
	return &Conn{
		url:   url,
		sink:  sink,
		opts:  opts,
		state: StateInitialized,
		subs:  make(map[string]*subscription),
	}
}

// Dial is New with DefaultOptions.
func Dial(url string, sink Sink) *Conn {
	return New(url, sink, DefaultOptions())
}

// URL returns the relay URL this connection talks to.
func (c *Conn) URL() string { return c.url }

// State returns the current connection state.
func (c *Conn) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe issues a REQ for q.
func (c *Conn) Subscribe(q req.Query, opts SubscribeOptions) {
	frame, err := reqFrame(q)
	if err != nil {
		c.sink.OnError(ErrorPacket{From: c.url, Err: err})
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, exists := c.subs[q.SubID]; exists && !opts.Overwrite {
		c.mu.Unlock()
		return
	}
	c.subs[q.SubID] = &subscription{query: q, opts: opts}
	ws, connected := c.ws, c.state == StateConnected
	var changed bool
	if !connected && canAutoConnect(c.state) {
		changed = c.connectLocked()
	}
	c.mu.Unlock()

	if changed {
		c.notifyState(StateConnecting)
	}
	if connected {
		c.writeFrame(ws, frame)
	}
}

// Unsubscribe sends CLOSE for subID if this connection holds it.
func (c *Conn) Unsubscribe(subID string) {
	c.mu.Lock()
	_, exists := c.subs[subID]
	delete(c.subs, subID)
	ws, connected := c.ws, c.state == StateConnected
	c.mu.Unlock()

	if exists && connected {
		c.writeFrame(ws, closeFrame(subID))
	}
}

// Publish sends an EVENT, queueing it until the connection is up.
func (c *Conn) Publish(evt *nostr.Event) {
	frame, err := json.Marshal([]any{"EVENT", evt})
	if err != nil {
		c.sink.OnError(ErrorPacket{From: c.url, Err: err})
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	ws, connected := c.ws, c.state == StateConnected
	var changed bool
	if !connected {
		c.pending = append(c.pending, frame)
		if canAutoConnect(c.state) {
			changed = c.connectLocked()
		}
	}
	c.mu.Unlock()

	if changed {
		c.notifyState(StateConnecting)
	}
	if connected {
		c.writeFrame(ws, frame)
	}
}

// ConnectManually restarts a connection that ended up in StateError or
// StateRejected. In any other state it does nothing.
func (c *Conn) ConnectManually() {
	c.mu.Lock()
	if c.closed || (c.state != StateError && c.state != StateRejected) {
		c.mu.Unlock()
		return
	}
	c.attempts = 0
	c.connectLocked()
	c.mu.Unlock()

	c.notifyState(StateConnecting)
}

// SetKeepWeakSubs toggles whether weak subscriptions are kept. Turning it off
// closes every weak subscription; a connection left with nothing to do goes
// dormant until it is needed again.
func (c *Conn) SetKeepWeakSubs(keep bool) {
	c.mu.Lock()
	c.keepWeak = keep
	if keep {
		c.mu.Unlock()
		return
	}
	var dropped []string
	for id, sub := range c.subs {
		if sub.opts.Mode == Weak {
			dropped = append(dropped, id)
			delete(c.subs, id)
		}
	}
	ws, connected := c.ws, c.state == StateConnected
	c.mu.Unlock()

	if connected {
		for _, id := range dropped {
			c.writeFrame(ws, closeFrame(id))
		}
	}

	c.mu.Lock()
	idle := c.ws != nil && c.ws == ws && len(c.subs) == 0 && len(c.pending) == 0 && !c.closed
	if idle {
		c.generation++
		c.ws = nil
		c.state = StateDormant
	}
	c.mu.Unlock()

	if idle {
		logging.DebugMethod("relay", "SetKeepWeakSubs", "%s has nothing left to do, going dormant", c.url)
		_ = ws.Close()
		c.notifyState(StateDormant)
	}
}

// Close terminates the connection for good.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.generation++
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	ws := c.ws
	c.ws = nil
	c.subs = make(map[string]*subscription)
	c.pending = nil
	c.state = StateTerminated
	c.mu.Unlock()

	c.notifyState(StateTerminated)
	if ws == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return ws.Close()
}

func canAutoConnect(s ConnectionState) bool {
	return s == StateInitialized || s == StateDormant
}

// connectLocked moves to StateConnecting and dials in the background.
func (c *Conn) connectLocked() bool {
	c.state = StateConnecting
	c.generation++
	go c.run(c.generation)
	return true
}

func (c *Conn) run(gen int) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
	logging.DebugMethod("relay", "run", "dialing %s", c.url)
	ws, _, err := c.opts.Dialer.DialContext(ctx, c.url, c.opts.Header)
	cancel()

	c.mu.Lock()
	if c.closed || gen != c.generation {
		c.mu.Unlock()
		if ws != nil {
			_ = ws.Close()
		}
		return
	}
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) {
			c.state = StateRejected
			c.mu.Unlock()
			c.notifyState(StateRejected)
			c.sink.OnError(ErrorPacket{From: c.url, Err: fmt.Errorf("%w: %v", ErrRejected, err)})
			return
		}
		next := c.scheduleRetryLocked(gen)
		c.mu.Unlock()
		c.notifyState(next)
		c.sink.OnError(ErrorPacket{From: c.url, Err: err})
		return
	}

	c.ws = ws
	c.state = StateConnected
	c.attempts = 0
	frames := make([][]byte, 0, len(c.subs)+len(c.pending))
	for _, sub := range c.subs {
		frame, err := reqFrame(sub.query)
		if err == nil {
			frames = append(frames, frame)
		}
	}
	frames = append(frames, c.pending...)
	c.pending = nil
	c.mu.Unlock()

	logging.DebugMethod("relay", "run", "connected to %s, replaying %d frames", c.url, len(frames))
	c.notifyState(StateConnected)
	for _, frame := range frames {
		c.writeFrame(ws, frame)
	}
	c.readLoop(ws, gen)
}

// scheduleRetryLocked arms the next reconnection attempt, or gives up.
func (c *Conn) scheduleRetryLocked(gen int) ConnectionState {
	if c.attempts >= len(c.opts.RetrySchedule) {
		c.state = StateError
		return c.state
	}
	delay := c.opts.RetrySchedule[c.attempts]
	c.attempts++
	c.state = StateWaitingForRetry
	c.retryTimer = c.opts.Clock.AfterFunc(delay, func() { c.retry(gen) })
	return c.state
}

func (c *Conn) retry(gen int) {
	c.mu.Lock()
	if c.closed || gen != c.generation || c.state != StateWaitingForRetry {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	c.state = StateRetrying
	c.generation++
	next := c.generation
	c.mu.Unlock()

	c.notifyState(StateRetrying)
	c.run(next)
}

func (c *Conn) readLoop(ws *websocket.Conn, gen int) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleDisconnect(gen, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Conn) handleDisconnect(gen int, err error) {
	c.mu.Lock()
	if c.closed || gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	next := c.scheduleRetryLocked(gen)
	c.mu.Unlock()

	logging.DebugMethod("relay", "readLoop", "lost %s: %v", c.url, err)
	c.notifyState(next)
	c.sink.OnError(ErrorPacket{From: c.url, Err: err})
}

func (c *Conn) dispatch(data []byte) {
	switch env := parseEnvelope(data).(type) {
	case nil:
		c.sink.OnError(ErrorPacket{From: c.url, Err: fmt.Errorf("%w: %.80s", ErrMalformedMessage, data)})
	case *nostr.EventEnvelope:
		if env.SubscriptionID == nil {
			c.sink.OnOther(MessagePacket{From: c.url, Type: env.Label(), Message: env})
			return
		}
		evt := env.Event
		if c.opts.VerifySignatures && !VerifyEvent(&evt) {
			c.sink.OnError(ErrorPacket{From: c.url, Err: fmt.Errorf("%w: %s", ErrInvalidSignature, evt.ID)})
			return
		}
		c.sink.OnEvent(EventPacket{From: c.url, SubID: *env.SubscriptionID, Event: &evt})
	case *nostr.EOSEEnvelope:
		subID := string(*env)
		c.mu.Lock()
		sub := c.subs[subID]
		autoclose := sub != nil && sub.opts.Autoclose
		if autoclose {
			delete(c.subs, subID)
		}
		ws, connected := c.ws, c.state == StateConnected
		c.mu.Unlock()

		if autoclose && connected {
			c.writeFrame(ws, closeFrame(subID))
		}
		c.sink.OnEOSE(EOSEPacket{From: c.url, SubID: subID})
	case *nostr.OKEnvelope:
		c.sink.OnOK(OKPacket{From: c.url, EventID: env.EventID, OK: env.OK, Notice: env.Reason})
	case *nostr.ClosedEnvelope:
		c.mu.Lock()
		delete(c.subs, env.SubscriptionID)
		c.mu.Unlock()
		c.sink.OnOther(MessagePacket{From: c.url, Type: env.Label(), Message: env})
	default:
		c.sink.OnOther(MessagePacket{From: c.url, Type: env.Label(), Message: env})
	}
}

func (c *Conn) writeFrame(ws *websocket.Conn, frame []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.sink.OnError(ErrorPacket{From: c.url, Err: err})
		// the read loop notices the broken socket and schedules the retry
		_ = ws.Close()
	}
}

func (c *Conn) notifyState(s ConnectionState) {
	c.sink.OnConnectionState(ConnectionStatePacket{From: c.url, State: s})
}

func reqFrame(q req.Query) ([]byte, error) {
	msg := make([]any, 0, len(q.Filters)+2)
	msg = append(msg, "REQ", q.SubID)
	for _, f := range q.Filters {
		msg = append(msg, f)
	}
	return json.Marshal(msg)
}

func closeFrame(subID string) []byte {
	b, _ := json.Marshal([]any{"CLOSE", subID})
	return b
}

// parseEnvelope decodes an inbound frame by its label. It returns nil for
// frames that are not JSON arrays starting with a known label.
func parseEnvelope(data []byte) nostr.Envelope {
	var head []json.RawMessage
	if err := json.Unmarshal(data, &head); err != nil || len(head) == 0 {
		return nil
	}
	var label string
	if err := json.Unmarshal(head[0], &label); err != nil {
		return nil
	}

	var env nostr.Envelope
	switch label {
	case "EVENT":
		env = &nostr.EventEnvelope{}
	case "EOSE":
		env = new(nostr.EOSEEnvelope)
	case "OK":
		env = &nostr.OKEnvelope{}
	case "CLOSED":
		env = &nostr.ClosedEnvelope{}
	case "NOTICE":
		env = new(nostr.NoticeEnvelope)
	case "AUTH":
		env = &nostr.AuthEnvelope{}
	case "COUNT":
		env = &nostr.CountEnvelope{}
	default:
		return nil
	}
	if err := env.FromJSON(string(data)); err != nil {
		return nil
	}
	return env
}
