package signer

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeySignerHexAndNsecAgree(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	nsec, err := nip19.EncodePrivateKey(sk)
	require.NoError(t, err)

	a, err := NewKeySigner(sk)
	require.NoError(t, err)
	b, err := NewKeySigner(nsec)
	require.NoError(t, err)
	assert.Equal(t, a.PublicKey(), b.PublicKey())

	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	assert.Equal(t, pk, a.PublicKey())
}

func TestKeySignerSign(t *testing.T) {
	s, err := NewKeySigner(nostr.GeneratePrivateKey())
	require.NoError(t, err)

	evt := &nostr.Event{Kind: 1, Content: "hi"}
	require.NoError(t, s.Sign(context.Background(), evt))

	assert.Equal(t, s.PublicKey(), evt.PubKey)
	assert.NotZero(t, evt.CreatedAt)
	ok, err := evt.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, evt.GetID(), evt.ID)
}

func TestKeySignerRefusesForeignPubKey(t *testing.T) {
	s, err := NewKeySigner(nostr.GeneratePrivateKey())
	require.NoError(t, err)

	other, _ := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	evt := &nostr.Event{Kind: 1, PubKey: other}
	assert.Error(t, s.Sign(context.Background(), evt))
}

func TestInvalidKeys(t *testing.T) {
	for _, key := range []string{"", "abc", "nsec1notreally", "zz" + nostr.GeneratePrivateKey()[2:]} {
		_, err := NewKeySigner(key)
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
}

func TestFuncAdapter(t *testing.T) {
	var called bool
	var s Signer = Func(func(ctx context.Context, evt *nostr.Event) error {
		called = true
		return nil
	})
	require.NoError(t, s.Sign(context.Background(), &nostr.Event{}))
	assert.True(t, called)
}

func TestPresignedPassesOnlyValidEvents(t *testing.T) {
	evt := &nostr.Event{Kind: 1, Content: "hi", CreatedAt: nostr.Now(), Tags: nostr.Tags{}}
	require.NoError(t, evt.Sign(nostr.GeneratePrivateKey()))
	require.NoError(t, Presigned.Sign(context.Background(), evt))

	tampered := *evt
	tampered.Content = "bye"
	assert.ErrorIs(t, Presigned.Sign(context.Background(), &tampered), ErrNotSigned)

	forged := *evt
	forged.Sig = evt.Sig[:126] + "00"
	if forged.Sig == evt.Sig {
		forged.Sig = evt.Sig[:126] + "11"
	}
	assert.ErrorIs(t, Presigned.Sign(context.Background(), &forged), ErrNotSigned)

	assert.ErrorIs(t, Presigned.Sign(context.Background(), &nostr.Event{Kind: 1}), ErrNotSigned)
}
