package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/fiatjaf/khatru"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/girino/rxnostr/relay"
	"github.com/girino/rxnostr/rxnostr"
)

func startUpstream(t *testing.T) string {
	t.Helper()
	store := &slicestore.SliceStore{}
	require.NoError(t, store.Init())

	r := khatru.NewRelay()
	r.StoreEvent = append(r.StoreEvent, store.SaveEvent)
	r.QueryEvents = append(r.QueryEvents, store.QueryEvents)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func runTail(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cfg, err := LoadConfig(args)
	require.NoError(t, err)

	rx := rxnostr.New(rxnostr.Config{EoseTimeout: 3 * time.Second, OkTimeout: 3 * time.Second, VerifySignatures: true})
	defer rx.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out bytes.Buffer
	err = run(ctx, rx, cfg, strings.NewReader(stdin), &out)
	return out.String(), err
}

func decodeLines[T any](t *testing.T, out string) []T {
	t.Helper()
	var got []T
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var v T
		require.NoError(t, json.Unmarshal([]byte(line), &v))
		got = append(got, v)
	}
	return got
}

func TestPublishThenQuery(t *testing.T) {
	url := startUpstream(t)
	sk := nostr.GeneratePrivateKey()

	out, err := runTail(t, "", "-relays", url, "-seckey", sk, "-kind", "1", "-content", "from the shell", "publish")
	require.NoError(t, err)
	acks := decodeLines[relay.OKPacket](t, out)
	require.Len(t, acks, 1)
	assert.True(t, acks[0].OK)

	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	out, err = runTail(t, "", "-relays", url, "-authors", pk, "oneshot")
	require.NoError(t, err)
	events := decodeLines[nostr.Event](t, out)
	require.Len(t, events, 1)
	assert.Equal(t, acks[0].EventID, events[0].ID)
	assert.Equal(t, "from the shell", events[0].Content)

	// backward reads filters from stdin until EOF
	out, err = runTail(t, `{"kinds":[1]}`+"\n"+`{"kinds":[7]}`+"\n", "-relays", url, "backward")
	require.NoError(t, err)
	assert.Len(t, decodeLines[nostr.Event](t, out), 1)
}

func TestPublishWithoutKey(t *testing.T) {
	_, err := runTail(t, "", "-relays", startUpstream(t), "publish")
	assert.ErrorContains(t, err, "secret key")
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig([]string{"-relays", "wss://a.example, wss://b.example", "-kinds", "1,7", "-since", "1h", "forward"})
	require.NoError(t, err)
	assert.Equal(t, ModeForward, cfg.Mode)
	assert.Equal(t, []string{"wss://a.example", "wss://b.example"}, cfg.Relays)
	assert.Equal(t, []int{1, 7}, cfg.Filter.Kinds)
	require.NotNil(t, cfg.Filter.Since)
	assert.True(t, cfg.HasFilter)

	_, err = LoadConfig([]string{"-relays", "wss://a.example", "sideways"})
	assert.ErrorContains(t, err, "unknown mode")

	_, err = LoadConfig([]string{"-relays", "wss://a.example", "-kinds", "one"})
	assert.ErrorContains(t, err, "invalid kind")
}
