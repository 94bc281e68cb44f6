package rxnostr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/girino/rxnostr/relay"
	"github.com/girino/rxnostr/req"
)

type subCall struct {
	query req.Query
	opts  relay.SubscribeOptions
}

// fakeConn records what the engine asks of it and lets tests play the relay.
type fakeConn struct {
	url  string
	sink relay.Sink

	mu        sync.Mutex
	state     relay.ConnectionState
	subs      []subCall
	unsubs    []string
	published []*nostr.Event
	keepWeak  []bool
	manual    int
	closeErr  error
	closed    bool
}

func (c *fakeConn) URL() string { return c.url }

func (c *fakeConn) State() relay.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) Subscribe(q req.Query, opts relay.SubscribeOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, subCall{query: q, opts: opts})
}

func (c *fakeConn) Unsubscribe(subID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubs = append(c.unsubs, subID)
}

func (c *fakeConn) Publish(evt *nostr.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, evt)
}

func (c *fakeConn) ConnectManually() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manual++
}

func (c *fakeConn) SetKeepWeakSubs(keep bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keepWeak = append(c.keepWeak, keep)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.state = relay.StateTerminated
	err := c.closeErr
	c.mu.Unlock()
	c.sink.OnConnectionState(relay.ConnectionStatePacket{From: c.url, State: relay.StateTerminated})
	return err
}

func (c *fakeConn) setState(s relay.ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.sink.OnConnectionState(relay.ConnectionStatePacket{From: c.url, State: s})
}

func (c *fakeConn) sendEvent(subID string, evt *nostr.Event) {
	c.sink.OnEvent(relay.EventPacket{From: c.url, SubID: subID, Event: evt})
}

func (c *fakeConn) sendEOSE(subID string) {
	c.sink.OnEOSE(relay.EOSEPacket{From: c.url, SubID: subID})
}

func (c *fakeConn) sendOK(eventID string, ok bool) {
	c.sink.OnOK(relay.OKPacket{From: c.url, EventID: eventID, OK: ok})
}

func (c *fakeConn) subCalls() []subCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]subCall(nil), c.subs...)
}

func (c *fakeConn) unsubCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.unsubs...)
}

func (c *fakeConn) publishedEvents() []*nostr.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*nostr.Event(nil), c.published...)
}

func (c *fakeConn) keepWeakCalls() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.keepWeak...)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
}

func (d *fakeDialer) dial(url string, sink relay.Sink) Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeConn{url: url, sink: sink, state: relay.StateInitialized}
	d.conns[url] = c
	return c
}

func (d *fakeDialer) conn(t *testing.T, url string) *fakeConn {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[normalizeURL(url)]
	require.True(t, ok, "no connection for %s", url)
	return c
}

const (
	relayA = "wss://a.example"
	relayB = "wss://b.example"
	relayC = "wss://c.example"
)

func newTestEngine(t *testing.T, relays ...DefaultRelayConfig) (*RxNostr, *fakeDialer, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	d := &fakeDialer{conns: make(map[string]*fakeConn)}
	rx := New(Config{
		EoseTimeout: 10 * time.Second,
		OkTimeout:   30 * time.Second,
		Clock:       mock,
		Dial:        d.dial,
	})
	t.Cleanup(func() { _ = rx.Dispose() })
	if len(relays) > 0 {
		require.NoError(t, rx.SetDefaultRelays(relays...))
	}
	return rx, d, mock
}

func collect[T any](t *testing.T, s *Stream[T]) []T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := s.Collect(ctx)
	require.NoError(t, err, "stream did not complete")
	return out
}

func isDone(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	case <-time.After(50 * time.Millisecond):
		return false
	}
}

func note(t *testing.T, content string) *nostr.Event {
	t.Helper()
	evt := &nostr.Event{Kind: 1, Content: content, CreatedAt: nostr.Now(), Tags: nostr.Tags{}}
	require.NoError(t, evt.Sign(nostr.GeneratePrivateKey()))
	return evt
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}
