// Package signer turns unsigned event parameters into signed events.
package signer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// ErrInvalidKey is returned for keys that are neither 64 hex chars nor an nsec.
var ErrInvalidKey = errors.New("signer: invalid secret key")

// ErrNotSigned is returned by Presigned for events without a valid id and
// signature.
var ErrNotSigned = errors.New("signer: event is not validly signed")

// Signer fills PubKey, ID and Sig on evt.
type Signer interface {
	Sign(ctx context.Context, evt *nostr.Event) error
}

// Func adapts a plain function to Signer.
type Func func(ctx context.Context, evt *nostr.Event) error

func (f Func) Sign(ctx context.Context, evt *nostr.Event) error { return f(ctx, evt) }

// KeySigner signs with a local secret key.
type KeySigner struct {
	sk     string
	pubKey string
}

// NewKeySigner accepts a hex secret key or a bech32 nsec.
func NewKeySigner(key string) (*KeySigner, error) {
	sk, err := DecodeSecretKey(key)
	if err != nil {
		return nil, err
	}
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &KeySigner{sk: sk, pubKey: pk}, nil
}

// PublicKey returns the hex public key matching the secret key.
func (s *KeySigner) PublicKey() string { return s.pubKey }

// Sign sets the author, stamps CreatedAt when unset and signs evt in place.
// An event already carrying a different pubkey is refused.
func (s *KeySigner) Sign(ctx context.Context, evt *nostr.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if evt.PubKey != "" && evt.PubKey != s.pubKey {
		return fmt.Errorf("signer: event pubkey %s does not match key %s", evt.PubKey, s.pubKey)
	}
	if evt.CreatedAt == 0 {
		evt.CreatedAt = nostr.Now()
	}
	if evt.Tags == nil {
		evt.Tags = nostr.Tags{}
	}
	return evt.Sign(s.sk)
}

// Presigned passes through events that already carry a valid id and
// signature, which is what a relay receives from its clients.
var Presigned = Func(func(ctx context.Context, evt *nostr.Event) error {
	if evt.GetID() != evt.ID {
		return fmt.Errorf("%w: id mismatch for %s", ErrNotSigned, evt.ID)
	}
	if ok, err := evt.CheckSignature(); err != nil || !ok {
		return fmt.Errorf("%w: bad signature on %s", ErrNotSigned, evt.ID)
	}
	return nil
})

// DecodeSecretKey normalizes a hex or nsec secret key to lowercase hex.
func DecodeSecretKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(key, "nsec") {
		prefix, val, err := nip19.Decode(key)
		if err != nil || prefix != "nsec" {
			return "", fmt.Errorf("%w: bad nsec", ErrInvalidKey)
		}
		s, ok := val.(string)
		if !ok {
			return "", fmt.Errorf("%w: bad nsec", ErrInvalidKey)
		}
		key = s
	}
	key = strings.ToLower(key)
	if b, err := hex.DecodeString(key); err != nil || len(b) != 32 {
		return "", ErrInvalidKey
	}
	return key, nil
}
