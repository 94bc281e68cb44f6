// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Mirror - live event mirroring from an rxnostr engine's read relays.
package mirror

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/rxnostr/logging"
	"github.com/girino/rxnostr/relay"
	"github.com/girino/rxnostr/req"
	"github.com/girino/rxnostr/rxnostr"
)

// ErrNoReadRelays is returned by StartMirroring when the engine has no
// default read relays to mirror from.
var ErrNoReadRelays = errors.New("mirror: no read relays configured")

// Sink receives mirrored events and returns how many clients got them.
// khatru's Relay.BroadcastEvent fits.
type Sink func(evt *nostr.Event) int

// MirrorManager keeps a forward subscription open on the engine's read
// relays and hands every new event to a Sink.
type MirrorManager struct {
	rx *rxnostr.RxNostr
	// queryUrls are added to the engine as read-only relays on Init
	queryUrls []string
	// Filter is the live filter; Since is set to the start time
	Filter nostr.Filter
	// HealthInterval is how often relay health is sampled
	HealthInterval time.Duration
	// UniqueWindow bounds the duplicate filter across relays
	UniqueWindow int
	Clock        clock.Clock

	mu     sync.Mutex
	fwd    *req.ForwardReq
	stream *rxnostr.Stream[relay.EventPacket]
	stop   chan struct{}
	wg     sync.WaitGroup

	mirroredEvents int64
	// mirroring health tracking
	mirrorAttempts            int64
	mirrorSuccesses           int64
	mirrorFailures            int64
	consecutiveMirrorFailures int64
	// relay health tracking
	liveRelays int64
	deadRelays int64
}

// MirrorStats holds runtime counters for mirroring operations
type MirrorStats struct {
	MirroredEvents            int64  `json:"mirrored_events"`
	MirrorAttempts            int64  `json:"mirror_attempts"`
	MirrorSuccesses           int64  `json:"mirror_successes"`
	MirrorFailures            int64  `json:"mirror_failures"`
	ConsecutiveMirrorFailures int64  `json:"consecutive_mirror_failures"`
	MirrorHealthState         string `json:"mirror_health_state"`
	// Relay health statistics
	LiveRelays int64 `json:"live_relays"`
	DeadRelays int64 `json:"dead_relays"`
}

// Health state constants
const (
	HealthGreen  = "GREEN"
	HealthYellow = "YELLOW"
	HealthRed    = "RED"
)

// NewMirrorManager creates a MirrorManager on rx. queryUrls may be empty when
// the engine's read relays are configured elsewhere.
func NewMirrorManager(rx *rxnostr.RxNostr, queryUrls []string) *MirrorManager {
	return &MirrorManager{
		rx:             rx,
		queryUrls:      queryUrls,
		HealthInterval: 30 * time.Second,
		UniqueWindow:   8192,
		Clock:          clock.New(),
	}
}

// Init registers the query relays with the engine as read-only defaults.
func (m *MirrorManager) Init() error {
	if len(m.queryUrls) == 0 {
		return nil
	}
	relays := make([]rxnostr.DefaultRelayConfig, 0, len(m.queryUrls))
	for _, u := range m.queryUrls {
		relays = append(relays, rxnostr.DefaultRelayConfig{URL: u, Read: true})
	}
	if err := m.rx.AddDefaultRelays(relays...); err != nil {
		return err
	}
	logging.DebugMethod("mirror", "Init", "query remotes: %v", m.queryUrls)
	return nil
}

// Close stops mirroring.
func (m *MirrorManager) Close() {
	m.StopMirroring()
}

// Stats returns a snapshot of the MirrorManager counters
func (m *MirrorManager) Stats() MirrorStats {
	consecutiveMirrorFailures := atomic.LoadInt64(&m.consecutiveMirrorFailures)

	return MirrorStats{
		MirroredEvents:            atomic.LoadInt64(&m.mirroredEvents),
		MirrorAttempts:            atomic.LoadInt64(&m.mirrorAttempts),
		MirrorSuccesses:           atomic.LoadInt64(&m.mirrorSuccesses),
		MirrorFailures:            atomic.LoadInt64(&m.mirrorFailures),
		ConsecutiveMirrorFailures: consecutiveMirrorFailures,
		MirrorHealthState:         healthState(consecutiveMirrorFailures),
		LiveRelays:                atomic.LoadInt64(&m.liveRelays),
		DeadRelays:                atomic.LoadInt64(&m.deadRelays),
	}
}

func healthState(consecutiveFailures int64) string {
	if consecutiveFailures <= 2 {
		return HealthGreen
	} else if consecutiveFailures < 10 {
		return HealthYellow
	}
	return HealthRed
}

// StartMirroring opens the live subscription and starts handing events to sink.
// Calling it again while running is a no-op.
func (m *MirrorManager) StartMirroring(sink Sink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream != nil {
		return nil
	}

	relays, err := m.rx.DefaultRelays()
	if err != nil {
		return err
	}
	readable := 0
	for _, cfg := range relays {
		if cfg.Read {
			readable++
		}
	}
	if readable == 0 {
		return ErrNoReadRelays
	}

	filter := m.Filter
	now := nostr.Timestamp(m.Clock.Now().Unix())
	filter.Since = &now

	fwd := req.NewForward(filter)
	s, err := m.rx.Use(fwd, rxnostr.WithUniqueEvents(m.UniqueWindow))
	if err != nil {
		return err
	}
	m.fwd, m.stream, m.stop = fwd, s, make(chan struct{})

	logging.Info("[mirror] starting event mirroring from %d read relays", readable)
	m.wg.Add(2)
	go m.mirrorLoop(s, sink)
	go m.monitorRelayHealth(m.stop)
	return nil
}

// StopMirroring closes the live subscription and waits for the workers.
func (m *MirrorManager) StopMirroring() {
	m.mu.Lock()
	if m.stream == nil {
		m.mu.Unlock()
		return
	}
	fwd, s, stop := m.fwd, m.stream, m.stop
	m.fwd, m.stream, m.stop = nil, nil, nil
	m.mu.Unlock()

	logging.DebugMethod("mirror", "StopMirroring", "stopping event mirroring")
	fwd.Over()
	s.Close()
	close(stop)
	m.wg.Wait()
}

// SetFilter replaces the live filter without reopening the subscription.
func (m *MirrorManager) SetFilter(filter nostr.Filter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Filter = filter
	if m.fwd == nil {
		return
	}
	now := nostr.Timestamp(m.Clock.Now().Unix())
	filter.Since = &now
	m.fwd.SetFilters(filter)
}

func (m *MirrorManager) mirrorLoop(s *rxnostr.Stream[relay.EventPacket], sink Sink) {
	defer m.wg.Done()
	for p := range s.C() {
		atomic.AddInt64(&m.mirrorAttempts, 1)
		clients := sink(p.Event)
		atomic.AddInt64(&m.mirroredEvents, 1)
		atomic.AddInt64(&m.mirrorSuccesses, 1)
		logging.DebugMethod("mirror", "mirrorLoop", "mirrored event %s from %s to %d clients", p.Event.ID, p.From, clients)
	}
	logging.DebugMethod("mirror", "mirrorLoop", "mirror subscription closed")
}

func (m *MirrorManager) monitorRelayHealth(stop <-chan struct{}) {
	defer m.wg.Done()
	ticker := m.Clock.Ticker(m.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.checkRelayHealth()
		}
	}
}

// checkRelayHealth samples the read relays' connection states and updates
// the health counters. More than half down counts as a failed check.
func (m *MirrorManager) checkRelayHealth() {
	relays, err := m.rx.DefaultRelays()
	if err != nil {
		return
	}

	var total, dead int64
	for url, cfg := range relays {
		if !cfg.Read {
			continue
		}
		total++
		state, ok, err := m.rx.RelayState(url)
		if err != nil {
			return
		}
		if !ok || state.IsDown() {
			dead++
			logging.DebugMethod("mirror", "checkRelayHealth", "relay %s is down (%s)", url, state)
		}
	}
	if total == 0 {
		return
	}

	atomic.StoreInt64(&m.liveRelays, total-dead)
	atomic.StoreInt64(&m.deadRelays, dead)

	if dead > total/2 {
		atomic.AddInt64(&m.mirrorFailures, 1)
		atomic.AddInt64(&m.consecutiveMirrorFailures, 1)
		logging.Warn("[mirror] health check failed: %d/%d relays down", dead, total)
	} else {
		atomic.StoreInt64(&m.consecutiveMirrorFailures, 0)
		logging.DebugMethod("mirror", "checkRelayHealth", "health check passed: %d/%d relays alive", total-dead, total)
	}
}
