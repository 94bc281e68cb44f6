package relay

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/fiatjaf/khatru"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/girino/rxnostr/req"
)

type recordingSink struct {
	mu     sync.Mutex
	events []EventPacket
	eoses  []EOSEPacket
	oks    []OKPacket
	others []MessagePacket
	states []ConnectionState
	errs   []error
}

func (s *recordingSink) OnEvent(p EventPacket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, p)
}

func (s *recordingSink) OnEOSE(p EOSEPacket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eoses = append(s.eoses, p)
}

func (s *recordingSink) OnOK(p OKPacket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oks = append(s.oks, p)
}

func (s *recordingSink) OnOther(p MessagePacket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.others = append(s.others, p)
}

func (s *recordingSink) OnConnectionState(p ConnectionStatePacket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, p.State)
}

func (s *recordingSink) OnError(p ErrorPacket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, p.Err)
}

func (s *recordingSink) snapshot() recordingSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return recordingSink{
		events: append([]EventPacket(nil), s.events...),
		eoses:  append([]EOSEPacket(nil), s.eoses...),
		oks:    append([]OKPacket(nil), s.oks...),
		others: append([]MessagePacket(nil), s.others...),
		states: append([]ConnectionState(nil), s.states...),
		errs:   append([]error(nil), s.errs...),
	}
}

func startRelay(t *testing.T) string {
	t.Helper()
	store := &slicestore.SliceStore{}
	require.NoError(t, store.Init())

	r := khatru.NewRelay()
	r.StoreEvent = append(r.StoreEvent, store.SaveEvent)
	r.QueryEvents = append(r.QueryEvents, store.QueryEvents)
	r.CountEvents = append(r.CountEvents, store.CountEvents)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func signedNote(t *testing.T, content string) *nostr.Event {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	evt := &nostr.Event{Kind: 1, Content: content, CreatedAt: nostr.Now(), Tags: nostr.Tags{}}
	require.NoError(t, evt.Sign(sk))
	return evt
}

func TestConnPublishAndSubscribe(t *testing.T) {
	url := startRelay(t)
	sink := &recordingSink{}
	opts := DefaultOptions()
	opts.VerifySignatures = true
	c := New(url, sink, opts)
	assert.Equal(t, StateInitialized, c.State())

	evt := signedNote(t, "hello")
	c.Publish(evt)

	require.Eventually(t, func() bool { return len(sink.snapshot().oks) == 1 }, 5*time.Second, 10*time.Millisecond)
	ok := sink.snapshot().oks[0]
	assert.True(t, ok.OK, ok.Notice)
	assert.Equal(t, evt.ID, ok.EventID)
	assert.Equal(t, url, ok.From)
	assert.Equal(t, StateConnected, c.State())

	c.Subscribe(req.Query{SubID: "sub:0", Filters: []nostr.Filter{{Kinds: []int{1}}}}, SubscribeOptions{Autoclose: true})

	require.Eventually(t, func() bool { return len(sink.snapshot().eoses) == 1 }, 5*time.Second, 10*time.Millisecond)
	snap := sink.snapshot()
	require.Len(t, snap.events, 1)
	assert.Equal(t, "sub:0", snap.events[0].SubID)
	assert.Equal(t, evt.ID, snap.events[0].Event.ID)
	assert.Equal(t, "sub:0", snap.eoses[0].SubID)

	c.mu.Lock()
	_, stillThere := c.subs["sub:0"]
	c.mu.Unlock()
	assert.False(t, stillThere, "autoclose subscription should be dropped on EOSE")

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, StateTerminated, c.State())
	assert.Contains(t, sink.snapshot().states, StateConnecting)
	assert.Contains(t, sink.snapshot().states, StateConnected)
}

func TestConnWeakSubscriptionsGoDormant(t *testing.T) {
	url := startRelay(t)
	sink := &recordingSink{}
	c := New(url, sink, DefaultOptions())
	defer c.Close()

	c.SetKeepWeakSubs(true)
	c.Subscribe(req.Query{SubID: "live:0", Filters: []nostr.Filter{{Kinds: []int{1}, LimitZero: true}}}, SubscribeOptions{Mode: Weak})
	require.Eventually(t, func() bool { return c.State() == StateConnected }, 5*time.Second, 10*time.Millisecond)

	c.SetKeepWeakSubs(false)
	assert.Equal(t, StateDormant, c.State())

	// a dormant connection wakes up on demand
	c.Subscribe(req.Query{SubID: "again:0", Filters: []nostr.Filter{{Kinds: []int{1}}}}, SubscribeOptions{Mode: Strong, Autoclose: true})
	require.Eventually(t, func() bool { return len(sink.snapshot().eoses) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestConnRejectedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "go away", http.StatusForbidden)
	}))
	defer srv.Close()

	sink := &recordingSink{}
	c := New("ws"+strings.TrimPrefix(srv.URL, "http"), sink, DefaultOptions())
	defer c.Close()

	c.Subscribe(req.Query{SubID: "x:0", Filters: []nostr.Filter{{Kinds: []int{1}}}}, SubscribeOptions{})
	require.Eventually(t, func() bool { return c.State() == StateRejected }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(sink.snapshot().errs) == 1 }, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, sink.snapshot().errs[0], ErrRejected)
	assert.True(t, c.State().IsDown())
}

func deadURL(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return "ws://" + addr
}

func TestConnRetryScheduleExhausted(t *testing.T) {
	mock := clock.NewMock()
	opts := DefaultOptions()
	opts.Clock = mock
	opts.RetrySchedule = []time.Duration{time.Second}

	sink := &recordingSink{}
	c := New(deadURL(t), sink, opts)
	defer c.Close()

	c.Publish(signedNote(t, "queued"))
	require.Eventually(t, func() bool { return c.State() == StateWaitingForRetry }, 5*time.Second, 10*time.Millisecond)

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return c.State() == StateError }, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, sink.snapshot().states, StateRetrying)

	// only a manual reconnect leaves the error state
	c.Publish(signedNote(t, "still queued"))
	assert.Equal(t, StateError, c.State())

	c.ConnectManually()
	require.Eventually(t, func() bool { return c.State() == StateWaitingForRetry }, 5*time.Second, 10*time.Millisecond)
}

func TestConnMalformedFrame(t *testing.T) {
	sink := &recordingSink{}
	c := New("ws://unused", sink, DefaultOptions())
	c.dispatch([]byte(`not json at all`))
	c.dispatch([]byte(`["NOTICE","hi"]`))

	snap := sink.snapshot()
	require.Len(t, snap.errs, 1)
	assert.ErrorIs(t, snap.errs[0], ErrMalformedMessage)
	require.Len(t, snap.others, 1)
	assert.Equal(t, "NOTICE", snap.others[0].Type)
}
