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
	"github.com/girino/rxnostr/signer"
)

func waitPublished(t *testing.T, conns ...*fakeConn) *nostr.Event {
	t.Helper()
	var evt *nostr.Event
	require.Eventually(t, func() bool {
		for _, c := range conns {
			if len(c.publishedEvents()) == 0 {
				return false
			}
		}
		evt = conns[0].publishedEvents()[0]
		return true
	}, 5*time.Second, 5*time.Millisecond)
	return evt
}

func TestSendCollectsOneAckPerRelay(t *testing.T) {
	rx, d, _ := newTestEngine(t,
		DefaultRelayConfig{URL: relayA, Read: true, Write: true},
		DefaultRelayConfig{URL: relayB, Read: false, Write: true},
		DefaultRelayConfig{URL: relayC, Read: true, Write: false},
	)
	a, b, c := d.conn(t, relayA), d.conn(t, relayB), d.conn(t, relayC)

	sk := nostr.GeneratePrivateKey()
	res, err := rx.Send(nostr.Event{Kind: 1, Content: "hello"}, WithSecretKey(sk))
	require.NoError(t, err)
	early := res.Subscribe()

	evt := waitPublished(t, a, b)
	assert.Empty(t, c.publishedEvents(), "read-only relays are not written to")
	pk, _ := nostr.GetPublicKey(sk)
	assert.Equal(t, pk, evt.PubKey)
	assert.Equal(t, evt, res.Event())

	a.sendOK(evt.ID, true)
	a.sendOK(evt.ID, true) // a relay counts once
	b.sendOK("some-other-event", true)
	assert.False(t, isDone(res.Done()))
	b.sendOK(evt.ID, false)

	acks, err := res.Wait(context.Background())
	require.NoError(t, err)
	require.Len(t, acks, 2)
	assert.Equal(t, normalizeURL(relayA), acks[0].From)
	assert.True(t, acks[0].OK)
	assert.Equal(t, normalizeURL(relayB), acks[1].From)
	assert.False(t, acks[1].OK)

	assert.Len(t, collect(t, early), 2)
	late := res.Subscribe()
	assert.Len(t, collect(t, late), 2, "late subscribers get the replay")
	assert.Equal(t, int64(2), rx.Stats().AcksReceived)
}

func TestSendTimesOut(t *testing.T) {
	rx, d, mock := newTestEngine(t, RelayURLs(relayA, relayB)...)
	a, b := d.conn(t, relayA), d.conn(t, relayB)

	res, err := rx.Send(nostr.Event{Kind: 1}, WithSecretKey(nostr.GeneratePrivateKey()))
	require.NoError(t, err)

	evt := waitPublished(t, a, b)
	a.sendOK(evt.ID, true)
	mock.Add(30 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	acks, err := res.Wait(ctx)
	require.NoError(t, err)
	assert.Len(t, acks, 1)
	assert.Equal(t, int64(1), rx.Stats().SendsTimedOut)

	// acks after completion are ignored
	b.sendOK(evt.ID, true)
	assert.Len(t, collect(t, res.Subscribe()), 1)
}

func TestSendSigningFailureIsReportedOutOfBand(t *testing.T) {
	rx, d, _ := newTestEngine(t, RelayURLs(relayA, relayB)...)

	errs, err := rx.AllErrors()
	require.NoError(t, err)
	defer errs.Close()

	res, err := rx.Send(nostr.Event{Kind: 1})
	require.NoError(t, err)

	assert.Empty(t, collect(t, res.Subscribe()))
	_, err = res.Wait(context.Background())
	assert.ErrorIs(t, err, ErrInvalidUsage)
	assert.ErrorIs(t, res.Err(), ErrInvalidUsage)
	assert.Nil(t, res.Event())

	select {
	case p := <-errs.C():
		assert.Equal(t, "", p.From)
		assert.ErrorIs(t, p.Err, ErrInvalidUsage)
	case <-time.After(5 * time.Second):
		t.Fatal("signing failure not reported")
	}
	assert.Empty(t, d.conn(t, relayA).publishedEvents())
	assert.Equal(t, int64(1), rx.Stats().SigningFailures)
}

func TestSendUsesConfiguredSigner(t *testing.T) {
	ks, err := signer.NewKeySigner(nostr.GeneratePrivateKey())
	require.NoError(t, err)

	rx, d, _ := newTestEngine(t, RelayURLs(relayA)...)
	rx.cfg.Signer = ks

	res, err := rx.Send(nostr.Event{Kind: 1, Content: "ambient"})
	require.NoError(t, err)
	evt := waitPublished(t, d.conn(t, relayA))
	assert.Equal(t, ks.PublicKey(), evt.PubKey)

	d.conn(t, relayA).sendOK(evt.ID, true)
	acks, err := res.Wait(context.Background())
	require.NoError(t, err)
	assert.Len(t, acks, 1)
}

func TestSendWithFailingSigner(t *testing.T) {
	rx, _, _ := newTestEngine(t, RelayURLs(relayA)...)
	boom := errors.New("user declined")

	res, err := rx.Send(nostr.Event{Kind: 1}, WithSigner(signer.Func(func(context.Context, *nostr.Event) error {
		return boom
	})))
	require.NoError(t, err)

	_, err = res.Wait(context.Background())
	assert.ErrorIs(t, err, ErrInvalidUsage)
	assert.Contains(t, err.Error(), "user declined")
}

func TestSendWithoutWriteRelaysCompletesImmediately(t *testing.T) {
	rx, _, _ := newTestEngine(t, DefaultRelayConfig{URL: relayA, Read: true})

	res, err := rx.Send(nostr.Event{Kind: 1}, WithSecretKey(nostr.GeneratePrivateKey()))
	require.NoError(t, err)
	waitDone(t, res.Done())
	assert.Empty(t, collect(t, res.Subscribe()))
}

func TestAckStreamCloseDoesNotAffectOthers(t *testing.T) {
	rx, d, _ := newTestEngine(t, RelayURLs(relayA)...)
	res, err := rx.Send(nostr.Event{Kind: 1}, WithSecretKey(nostr.GeneratePrivateKey()))
	require.NoError(t, err)

	gone := res.Subscribe()
	gone.Close()
	kept := res.Subscribe()

	evt := waitPublished(t, d.conn(t, relayA))
	d.conn(t, relayA).sendOK(evt.ID, true)

	got := collect(t, kept)
	require.Len(t, got, 1)
	assert.Equal(t, relay.OKPacket{From: normalizeURL(relayA), EventID: evt.ID, OK: true}, got[0])
}
