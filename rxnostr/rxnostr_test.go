package rxnostr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/girino/rxnostr/relay"
	"github.com/girino/rxnostr/req"
)

func TestDisposeCompletesEverythingAndIsIdempotent(t *testing.T) {
	rx, d, _ := newTestEngine(t, RelayURLs(relayA, relayB)...)
	a, b := d.conn(t, relayA), d.conn(t, relayB)
	b.closeErr = errors.New("socket already gone")

	oneshot, err := rx.Use(req.NewOneshot(nostr.Filter{Kinds: []int{1}}))
	require.NoError(t, err)
	forward, err := rx.Use(req.NewForward(nostr.Filter{Kinds: []int{1}}))
	require.NoError(t, err)
	events, err := rx.AllEvents()
	require.NoError(t, err)
	sent, err := rx.Send(nostr.Event{Kind: 1}, WithSecretKey(nostr.GeneratePrivateKey()))
	require.NoError(t, err)
	waitPublished(t, a, b)

	err = rx.Dispose()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "socket already gone")
	assert.Contains(t, err.Error(), normalizeURL(relayB))

	assert.Empty(t, collect(t, oneshot))
	assert.Empty(t, collect(t, forward))
	assert.Empty(t, collect(t, events))
	waitDone(t, sent.Done())
	assert.Empty(t, a.unsubCalls(), "disposal skips per-subscription CLOSE")

	assert.NoError(t, rx.Dispose())

	_, err = rx.DefaultRelays()
	assert.ErrorIs(t, err, ErrAlreadyDisposed)
	assert.ErrorIs(t, rx.SetDefaultRelays(RelayURLs(relayC)...), ErrAlreadyDisposed)
	assert.ErrorIs(t, rx.AddDefaultRelays(RelayURLs(relayC)...), ErrAlreadyDisposed)
	assert.ErrorIs(t, rx.RemoveDefaultRelays(relayA), ErrAlreadyDisposed)
	assert.ErrorIs(t, rx.Reconnect(relayA), ErrAlreadyDisposed)
	_, err = rx.AllRelayStates()
	assert.ErrorIs(t, err, ErrAlreadyDisposed)
	_, _, err = rx.DefaultRelay(relayA)
	assert.ErrorIs(t, err, ErrAlreadyDisposed)
	_, _, err = rx.RelayState(relayA)
	assert.ErrorIs(t, err, ErrAlreadyDisposed)
	_, err = rx.Use(req.NewOneshot())
	assert.ErrorIs(t, err, ErrAlreadyDisposed)
	_, err = rx.Send(nostr.Event{Kind: 1})
	assert.ErrorIs(t, err, ErrAlreadyDisposed)
	_, err = rx.AllErrors()
	assert.ErrorIs(t, err, ErrAlreadyDisposed)

	a.mu.Lock()
	assert.True(t, a.closed)
	a.mu.Unlock()
}

func TestRequestsCanBeSharedAcrossEngines(t *testing.T) {
	rx1, d1, _ := newTestEngine(t, RelayURLs(relayA)...)
	rx2, d2, _ := newTestEngine(t, RelayURLs(relayA)...)

	r := req.NewForward(nostr.Filter{Kinds: []int{1}})
	s1, err := rx1.Use(r)
	require.NoError(t, err)
	s2, err := rx2.Use(r)
	require.NoError(t, err)

	require.NoError(t, rx1.Dispose())
	r.SetFilters(nostr.Filter{Kinds: []int{3}})

	assert.Len(t, d1.conn(t, relayA).subCalls(), 1)
	assert.Len(t, d2.conn(t, relayA).subCalls(), 2)
	assert.Empty(t, collect(t, s1))
	s2.Close()
}

func TestGlobalStreams(t *testing.T) {
	rx, d, _ := newTestEngine(t, RelayURLs(relayA)...)
	a := d.conn(t, relayA)

	states, err := rx.ConnectionStates()
	require.NoError(t, err)
	msgs, err := rx.AllMessages()
	require.NoError(t, err)

	a.setState(relay.StateConnected)
	evt := note(t, "hi")
	a.sendEvent("x:0", evt)
	a.sendEOSE("x:0")
	a.sendOK(evt.ID, true)
	notice := nostr.NoticeEnvelope("slow down")
	a.sink.OnOther(relay.MessagePacket{From: a.url, Type: "NOTICE", Message: &notice})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	select {
	case p := <-states.C():
		assert.Equal(t, relay.StateConnected, p.State)
	case <-ctx.Done():
		t.Fatal("no state packet")
	}

	var types []string
	for len(types) < 4 {
		select {
		case p := <-msgs.C():
			types = append(types, p.Type)
		case <-ctx.Done():
			t.Fatalf("only got %v", types)
		}
	}
	assert.Equal(t, []string{"EVENT", "EOSE", "OK", "NOTICE"}, types)

	states.Close()
	msgs.Close()
	waitDone(t, states.Done())
}

func TestStreamQueuesWithoutBlockingProducers(t *testing.T) {
	s := newStream[int]()
	for i := 0; i < 1000; i++ {
		require.True(t, s.push(i))
	}
	s.complete()
	assert.False(t, s.push(1000))

	got := collect(t, s)
	require.Len(t, got, 1000)
	assert.Equal(t, 999, got[999])
}

func TestStreamCloseDiscardsQueue(t *testing.T) {
	var closed int
	s := newStream[string]()
	s.onClose = func() { closed++ }
	s.push("a")
	s.push("b")

	s.Close()
	s.Close()
	waitDone(t, s.Done())
	assert.Equal(t, 1, closed)
	assert.False(t, s.push("c"))
}

func TestStreamCollectHonoursContext(t *testing.T) {
	s := newStream[int]()
	s.push(1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	got, err := s.Collect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []int{1}, got)
	waitDone(t, s.Done())
}
