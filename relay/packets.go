// Package relay implements the connection handle the engine drives: one
// websocket per relay URL, subscription bookkeeping per subscription id, and
// a Sink that receives everything the relay sends, tagged with its URL.
package relay

import (
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

var (
	// ErrRejected is reported when the relay refuses the websocket handshake.
	ErrRejected = errors.New("relay: connection rejected")
	// ErrInvalidSignature is reported for inbound events failing id or signature checks.
	ErrInvalidSignature = errors.New("relay: invalid event signature")
	// ErrMalformedMessage is reported for frames that are not valid relay messages.
	ErrMalformedMessage = errors.New("relay: malformed message")
)

// ConnectionState is the lifecycle state of one relay connection.
type ConnectionState string

const (
	StateInitialized     ConnectionState = "initialized"
	StateConnecting      ConnectionState = "connecting"
	StateConnected       ConnectionState = "connected"
	StateWaitingForRetry ConnectionState = "waiting-for-retry"
	StateRetrying        ConnectionState = "retrying"
	StateDormant         ConnectionState = "dormant"
	StateError           ConnectionState = "error"
	StateRejected        ConnectionState = "rejected"
	StateTerminated      ConnectionState = "terminated"
)

// IsDown reports whether the connection will not make progress on its own.
func (s ConnectionState) IsDown() bool {
	return s == StateError || s == StateRejected || s == StateTerminated
}

// Mode tells a connection how to treat a subscription across topology changes.
type Mode int

const (
	// Weak subscriptions follow the relay's membership in the read set and are
	// dropped when the connection stops keeping weak subscriptions.
	Weak Mode = iota
	// Strong subscriptions live until explicitly unsubscribed.
	Strong
)

func (m Mode) String() string {
	switch m {
	case Weak:
		return "weak"
	case Strong:
		return "strong"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// SubscribeOptions controls how a REQ is issued.
type SubscribeOptions struct {
	Mode Mode
	// Overwrite replaces an existing subscription with the same id. Without it
	// an existing subscription is left alone.
	Overwrite bool
	// Autoclose sends CLOSE as soon as the relay signals EOSE.
	Autoclose bool
}

// EventPacket is an EVENT received for a subscription.
type EventPacket struct {
	From  string
	SubID string
	Event *nostr.Event
}

// EOSEPacket marks the end of stored events for a subscription.
type EOSEPacket struct {
	From  string
	SubID string
}

// OKPacket is a relay's answer to a published event.
type OKPacket struct {
	From    string
	EventID string
	OK      bool
	Notice  string
}

// MessagePacket carries any other relay message (NOTICE, CLOSED, AUTH, ...).
type MessagePacket struct {
	From    string
	Type    string
	Message nostr.Envelope
}

// ErrorPacket reports a transport level failure.
type ErrorPacket struct {
	From string
	Err  error
}

// ConnectionStatePacket reports a state transition.
type ConnectionStatePacket struct {
	From  string
	State ConnectionState
}

// Sink receives every packet a connection produces. Implementations must not
// block: they are called from the connection's read goroutine.
type Sink interface {
	OnEvent(EventPacket)
	OnEOSE(EOSEPacket)
	OnOK(OKPacket)
	OnOther(MessagePacket)
	OnConnectionState(ConnectionStatePacket)
	OnError(ErrorPacket)
}

type nopSink struct{}

func (nopSink) OnEvent(EventPacket)                     {}
func (nopSink) OnEOSE(EOSEPacket)                       {}
func (nopSink) OnOK(OKPacket)                           {}
func (nopSink) OnOther(MessagePacket)                   {}
func (nopSink) OnConnectionState(ConnectionStatePacket) {}
func (nopSink) OnError(ErrorPacket)                     {}
