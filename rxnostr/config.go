package rxnostr

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/rxnostr/relay"
	"github.com/girino/rxnostr/req"
	"github.com/girino/rxnostr/signer"
)

// Conn is the connection handle the engine drives. *relay.Conn implements it.
type Conn interface {
	URL() string
	State() relay.ConnectionState
	Subscribe(q req.Query, opts relay.SubscribeOptions)
	Unsubscribe(subID string)
	Publish(evt *nostr.Event)
	ConnectManually()
	SetKeepWeakSubs(keep bool)
	Close() error
}

var _ Conn = (*relay.Conn)(nil)

// DialFunc creates the connection for url. Every packet the connection
// produces must be delivered to sink.
type DialFunc func(url string, sink relay.Sink) Conn

// Config holds engine settings. Zero fields are filled from DefaultConfig.
type Config struct {
	// EoseTimeout bounds every oneshot or backward epoch.
	EoseTimeout time.Duration
	// OkTimeout bounds how long Send waits for acknowledgements.
	OkTimeout time.Duration
	// Signer signs events sent without an explicit key.
	Signer signer.Signer
	// VerifySignatures enables Schnorr checks on inbound events. Only used by
	// the default Dial.
	VerifySignatures bool
	Clock            clock.Clock
	Dial             DialFunc
}

// DefaultConfig returns the settings used for zero Config fields.
func DefaultConfig() Config {
	return Config{
		EoseTimeout: 10 * time.Second,
		OkTimeout:   30 * time.Second,
		Clock:       clock.New(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.EoseTimeout <= 0 {
		c.EoseTimeout = def.EoseTimeout
	}
	if c.OkTimeout <= 0 {
		c.OkTimeout = def.OkTimeout
	}
	if c.Clock == nil {
		c.Clock = def.Clock
	}
	if c.Dial == nil {
		clk, verify := c.Clock, c.VerifySignatures
		c.Dial = func(url string, sink relay.Sink) Conn {
			opts := relay.DefaultOptions()
			opts.Clock = clk
			opts.VerifySignatures = verify
			return relay.New(url, sink, opts)
		}
	}
	return c
}
