package rxnostr

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/rxnostr/logging"
	"github.com/girino/rxnostr/relay"
)

// DefaultRelayConfig says how a default relay participates.
type DefaultRelayConfig struct {
	URL   string `json:"url"`
	Read  bool   `json:"read"`
	Write bool   `json:"write"`
}

// relaySet is an immutable snapshot keyed by normalized URL.
type relaySet map[string]DefaultRelayConfig

func (s relaySet) urls(pick func(DefaultRelayConfig) bool) []string {
	out := make([]string, 0, len(s))
	for url, cfg := range s {
		if pick(cfg) {
			out = append(out, url)
		}
	}
	sort.Strings(out)
	return out
}

func isRead(c DefaultRelayConfig) bool  { return c.Read }
func isWrite(c DefaultRelayConfig) bool { return c.Write }

func normalizeURL(u string) string {
	return nostr.NormalizeURL(strings.TrimSpace(u))
}

func normalizeURLs(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		n := normalizeURL(u)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// RelayURLs turns plain URLs into read and write default relay configs.
func RelayURLs(urls ...string) []DefaultRelayConfig {
	out := make([]DefaultRelayConfig, 0, len(urls))
	for _, u := range urls {
		if strings.TrimSpace(u) == "" {
			continue
		}
		out = append(out, DefaultRelayConfig{URL: u, Read: true, Write: true})
	}
	return out
}

// RelaysFromTags reads NIP-65 style ["r", url, mode] tags. A missing mode
// means both read and write.
func RelaysFromTags(tags nostr.Tags) []DefaultRelayConfig {
	var out []DefaultRelayConfig
	for _, tag := range tags {
		if len(tag) < 2 || tag[0] != "r" || strings.TrimSpace(tag[1]) == "" {
			continue
		}
		mode := ""
		if len(tag) > 2 {
			mode = tag[2]
		}
		out = append(out, DefaultRelayConfig{
			URL:   tag[1],
			Read:  mode == "" || mode == "read",
			Write: mode == "" || mode == "write",
		})
	}
	return out
}

func toRelaySet(relays []DefaultRelayConfig) relaySet {
	set := make(relaySet, len(relays))
	for _, r := range relays {
		url := normalizeURL(r.URL)
		if url == "" {
			continue
		}
		set[url] = DefaultRelayConfig{URL: url, Read: r.Read, Write: r.Write}
	}
	return set
}

func (rx *RxNostr) currentDefaults() relaySet {
	return *rx.defaults.Load()
}

// DefaultRelays returns a copy of the default relays keyed by normalized URL.
func (rx *RxNostr) DefaultRelays() (map[string]DefaultRelayConfig, error) {
	if rx.disposed.Load() {
		return nil, ErrAlreadyDisposed
	}
	cur := rx.currentDefaults()
	out := make(map[string]DefaultRelayConfig, len(cur))
	for k, v := range cur {
		out[k] = v
	}
	return out, nil
}

// DefaultRelay looks url up after normalizing it.
func (rx *RxNostr) DefaultRelay(url string) (DefaultRelayConfig, bool, error) {
	if rx.disposed.Load() {
		return DefaultRelayConfig{}, false, ErrAlreadyDisposed
	}
	cfg, ok := rx.currentDefaults()[normalizeURL(url)]
	return cfg, ok, nil
}

// SetDefaultRelays replaces the default relays. Connections are created for
// new URLs and kept for URLs that stay. Relays leaving the read set stop
// keeping weak subscriptions; relays joining it start keeping them and
// receive every live weak query without overwriting anything they have.
func (rx *RxNostr) SetDefaultRelays(relays ...DefaultRelayConfig) error {
	return rx.replaceDefaults(func(relaySet) relaySet { return toRelaySet(relays) })
}

// AddDefaultRelays merges relays into the default relays. Entries for an
// existing URL replace its config.
func (rx *RxNostr) AddDefaultRelays(relays ...DefaultRelayConfig) error {
	return rx.replaceDefaults(func(cur relaySet) relaySet {
		next := make(relaySet, len(cur)+len(relays))
		for k, v := range cur {
			next[k] = v
		}
		for k, v := range toRelaySet(relays) {
			next[k] = v
		}
		return next
	})
}

// RemoveDefaultRelays drops urls from the default relays. Their connections
// stay open for streams that still use them.
func (rx *RxNostr) RemoveDefaultRelays(urls ...string) error {
	return rx.replaceDefaults(func(cur relaySet) relaySet {
		drop := make(map[string]bool, len(urls))
		for _, u := range normalizeURLs(urls) {
			drop[u] = true
		}
		next := make(relaySet, len(cur))
		for k, v := range cur {
			if !drop[k] {
				next[k] = v
			}
		}
		return next
	})
}

func (rx *RxNostr) replaceDefaults(build func(cur relaySet) relaySet) error {
	rx.cfgMu.Lock()
	defer rx.cfgMu.Unlock()

	rx.mu.Lock()
	if rx.disposed.Load() {
		rx.mu.Unlock()
		return ErrAlreadyDisposed
	}
	prev := rx.currentDefaults()
	next := build(prev)
	for url := range next {
		if _, ok := rx.conns[url]; !ok {
			rx.conns[url] = rx.cfg.Dial(url, rx.bus)
		}
	}

	wasRead := make(map[string]bool)
	for _, url := range prev.urls(isRead) {
		wasRead[url] = true
	}
	isReadNow := make(map[string]bool)
	var joining []Conn
	for _, url := range next.urls(isRead) {
		isReadNow[url] = true
		if !wasRead[url] {
			joining = append(joining, rx.conns[url])
		}
	}
	var leaving []Conn
	for _, url := range prev.urls(isRead) {
		if c, ok := rx.conns[url]; ok && !isReadNow[url] {
			leaving = append(leaving, c)
		}
	}
	weak := make([]weakReq, 0, len(rx.weakReqs))
	for _, w := range rx.weakReqs {
		weak = append(weak, w)
	}
	rx.defaults.Store(&next)
	rx.mu.Unlock()

	logging.DebugMethod("rxnostr", "SetDefaultRelays", "%d default relays, %d joining and %d leaving the read set, %d weak queries to replay",
		len(next), len(joining), len(leaving), len(weak))

	for _, c := range leaving {
		c.SetKeepWeakSubs(false)
	}
	for _, c := range joining {
		c.SetKeepWeakSubs(true)
		for _, w := range weak {
			c.Subscribe(w.query, relay.SubscribeOptions{Mode: relay.Weak, Overwrite: false, Autoclose: w.autoclose})
			atomic.AddInt64(&rx.counters.weakReplays, 1)
		}
	}
	return nil
}

// RelayState returns the connection state for url, if the engine has a
// connection for it.
func (rx *RxNostr) RelayState(url string) (relay.ConnectionState, bool, error) {
	rx.mu.Lock()
	if rx.disposed.Load() {
		rx.mu.Unlock()
		return "", false, ErrAlreadyDisposed
	}
	c, ok := rx.conns[normalizeURL(url)]
	rx.mu.Unlock()
	if !ok {
		return "", false, nil
	}
	return c.State(), true, nil
}

// AllRelayStates returns the state of every connection the engine holds,
// default relays and relays used through WithRelays alike.
func (rx *RxNostr) AllRelayStates() (map[string]relay.ConnectionState, error) {
	rx.mu.Lock()
	if rx.disposed.Load() {
		rx.mu.Unlock()
		return nil, ErrAlreadyDisposed
	}
	conns := make(map[string]Conn, len(rx.conns))
	for url, c := range rx.conns {
		conns[url] = c
	}
	rx.mu.Unlock()

	out := make(map[string]relay.ConnectionState, len(conns))
	for url, c := range conns {
		out[url] = c.State()
	}
	return out, nil
}

// Reconnect retries a readable default relay whose connection gave up, that
// is, one in the error or rejected state. Other states are left alone.
func (rx *RxNostr) Reconnect(url string) error {
	if rx.disposed.Load() {
		return ErrAlreadyDisposed
	}
	u := normalizeURL(url)
	cfg, ok := rx.currentDefaults()[u]
	if !ok {
		return fmt.Errorf("%w: %s is not a default relay, Reconnect works only for readable default relays", ErrInvalidUsage, url)
	}
	if !cfg.Read {
		return fmt.Errorf("%w: %s is not readable, Reconnect works only for readable default relays", ErrInvalidUsage, url)
	}

	rx.mu.Lock()
	c, ok := rx.conns[u]
	rx.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: default relay %s has no connection", ErrLogic, u)
	}

	switch c.State() {
	case relay.StateError, relay.StateRejected:
		logging.DebugMethod("rxnostr", "Reconnect", "reconnecting %s", u)
		atomic.AddInt64(&rx.counters.manualReconnects, 1)
		c.ConnectManually()
	}
	return nil
}
