// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Mirror relay - a khatru relay that answers from, forwards to and mirrors
// live events of upstream relays through an rxnostr engine.
package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/fiatjaf/khatru"
	"github.com/fiatjaf/khatru/policies"
	"github.com/nbd-wtf/go-nostr"
	nip11 "github.com/nbd-wtf/go-nostr/nip11"

	"github.com/girino/rxnostr/eventstore/broadcaststore"
	"github.com/girino/rxnostr/logging"
	"github.com/girino/rxnostr/mirror"
	"github.com/girino/rxnostr/relay"
	"github.com/girino/rxnostr/relaystore"
	"github.com/girino/rxnostr/rxnostr"
	"github.com/girino/rxnostr/signer"
)

// Goroutine health thresholds
const (
	GoroutineYellowThreshold = 30000
	GoroutineRedThreshold    = 100000
)

// getGoroutineHealthState determines the health state based on goroutine count
func getGoroutineHealthState(goroutineCount int) string {
	if goroutineCount >= GoroutineRedThreshold {
		return mirror.HealthRed
	} else if goroutineCount >= GoroutineYellowThreshold {
		return mirror.HealthYellow
	}
	return mirror.HealthGreen
}

// AppStats holds process level counters
type AppStats struct {
	Version              string  `json:"version"`
	Uptime               float64 `json:"uptime"`
	Goroutines           int     `json:"goroutines"`
	GoroutineHealthState string  `json:"goroutine_health_state"`
	AllocBytes           uint64  `json:"alloc_bytes"`
	HeapInuseBytes       uint64  `json:"heap_inuse_bytes"`
	GCCycles             uint32  `json:"gc_cycles"`
}

func appStats(startTime time.Time) AppStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	n := runtime.NumGoroutine()
	return AppStats{
		Version:              Version,
		Uptime:               time.Since(startTime).Seconds(),
		Goroutines:           n,
		GoroutineHealthState: getGoroutineHealthState(n),
		AllocBytes:           m.Alloc,
		HeapInuseBytes:       m.HeapInuse,
		GCCycles:             m.NumGC,
	}
}

// AllStats is served on /api/v1/stats
type AllStats struct {
	App            AppStats                         `json:"app"`
	Engine         rxnostr.Stats                    `json:"engine"`
	RelayStore     relaystore.Stats                 `json:"relaystore"`
	BroadcastStore *broadcaststore.Stats            `json:"broadcaststore,omitempty"`
	Mirror         mirror.MirrorStats               `json:"mirror"`
	Relays         map[string]relay.ConnectionState `json:"relays"`
}

// upstreams merges query and publish remotes into one default relay set, so
// a relay listed in both is read and written through a single connection.
func upstreams(cfg *Config) []rxnostr.DefaultRelayConfig {
	byURL := map[string]*rxnostr.DefaultRelayConfig{}
	var order []string
	add := func(url string, read, write bool) {
		c, ok := byURL[url]
		if !ok {
			c = &rxnostr.DefaultRelayConfig{URL: url}
			byURL[url] = c
			order = append(order, url)
		}
		c.Read = c.Read || read
		c.Write = c.Write || write
	}
	for _, u := range cfg.QueryRemotes {
		add(u, true, false)
	}
	for _, u := range cfg.PublishRemotes {
		add(u, false, true)
	}
	out := make([]rxnostr.DefaultRelayConfig, 0, len(order))
	for _, u := range order {
		out = append(out, *byURL[u])
	}
	return out
}

// worse returns the more severe of two health states
func worse(a, b string) string {
	if a == mirror.HealthRed || b == mirror.HealthRed {
		return mirror.HealthRed
	}
	if a == mirror.HealthYellow || b == mirror.HealthYellow {
		return mirror.HealthYellow
	}
	return mirror.HealthGreen
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logging.Error("failed to encode response: %v", err)
	}
}

func main() {
	startTime := time.Now()
	cfg := LoadConfig()

	// Examples:
	//   - VERBOSE=1 or VERBOSE=true: enable all verbose logging
	//   - VERBOSE=relaystore: enable verbose for relaystore module only
	//   - VERBOSE=rxnostr.Use,mirror: enable specific method + module
	logging.SetVerbose(cfg.Verbose)
	defer logging.Sync()

	if len(cfg.QueryRemotes) == 0 {
		logging.Fatal("no query remotes provided - the relay needs upstreams to answer from")
	}

	r := khatru.NewRelay()
	if r.Info == nil {
		r.Info = &nip11.RelayInformationDocument{}
	}
	ApplyToRelay(r, cfg)

	// RELAY_SECKEY accepts nsec or hex; a fresh key is generated when unset
	sec := cfg.RelaySecKey
	if sec == "" {
		sec = nostr.GeneratePrivateKey()
		logging.DebugMethod("main", "main", "generated new relay secret key")
	}
	ks, err := signer.NewKeySigner(sec)
	if err != nil {
		logging.Fatal("invalid relay secret key: %v", err)
	}
	if r.Info.PubKey == "" {
		r.Info.PubKey = ks.PublicKey()
	}
	ensureSupportedNips(r, []int{11, 45})

	rx := rxnostr.New(rxnostr.Config{
		EoseTimeout:      cfg.EoseTimeout,
		OkTimeout:        cfg.OkTimeout,
		Signer:           ks,
		VerifySignatures: cfg.VerifySignatures,
	})
	if err := rx.SetDefaultRelays(upstreams(cfg)...); err != nil {
		logging.Fatal("configuring upstream relays: %v", err)
	}

	rs := relaystore.New(rx)
	rs.PublishTimeout = cfg.PublishTimeout
	if err := rs.Init(); err != nil {
		logging.Fatal("initializing relaystore: %v", err)
	}

	mm := mirror.NewMirrorManager(rx, nil)
	if len(cfg.MirrorKinds) > 0 {
		mm.Filter = nostr.Filter{Kinds: cfg.MirrorKinds}
	}
	if err := mm.Init(); err != nil {
		logging.Fatal("initializing mirror manager: %v", err)
	}

	// Apply connection and filter policies for upstream relay protection
	filterIpRateLimiter := policies.FilterIPRateLimiter(20, time.Minute, 100)
	r.RejectFilter = append(r.RejectFilter,
		func(ctx context.Context, filter nostr.Filter) (reject bool, msg string) {
			reject, msg = filterIpRateLimiter(ctx, filter)
			if reject {
				logging.Warn("filter IP rate limiter: %v, %s, from: %s", reject, msg, khatru.GetIP(ctx))
			}
			return reject, msg
		},
	)
	connectionRateLimiter := policies.ConnectionRateLimiter(1, time.Minute*5, 100)
	r.RejectConnection = append(r.RejectConnection,
		func(req *http.Request) (reject bool) {
			reject = connectionRateLimiter(req)
			if reject {
				logging.Warn("connection rate limiter: %v, from: %s", reject, khatru.GetIPFromRequest(req))
			}
			return reject
		},
	)

	// Use broadcaststore for SaveEvent if enabled, otherwise use relaystore
	var bs *broadcaststore.BroadcastStore
	if cfg.Broadcast {
		bs = broadcaststore.NewBroadcastStore(rx, 100000, cfg.BroadcastCacheTTL, 10)
		if err := bs.Init(); err != nil {
			logging.Fatal("initializing broadcaststore: %v", err)
		}
		r.StoreEvent = append(r.StoreEvent, bs.SaveEvent)
	} else {
		r.StoreEvent = append(r.StoreEvent, rs.SaveEvent)
	}
	r.QueryEvents = append(r.QueryEvents, rs.QueryEvents)
	r.CountEvents = append(r.CountEvents, rs.CountEvents)

	if err := mm.StartMirroring(r.BroadcastEvent); err != nil {
		logging.Fatal("[mirror] failed to start mirroring: %v", err)
	}

	mux := r.Router()
	mux.HandleFunc("/api/v1/stats", func(w http.ResponseWriter, req *http.Request) {
		states, err := rx.AllRelayStates()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		all := AllStats{
			App:        appStats(startTime),
			Engine:     rx.Stats(),
			RelayStore: rs.Stats(),
			Mirror:     mm.Stats(),
			Relays:     states,
		}
		if bs != nil {
			st := bs.Stats()
			all.BroadcastStore = &st
		}
		writeJSON(w, http.StatusOK, all)
	})

	// health endpoint for docker healthchecks
	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, req *http.Request) {
		ms := mm.Stats()
		mainHealthState := getGoroutineHealthState(runtime.NumGoroutine())
		mainHealthState = worse(mainHealthState, ms.MirrorHealthState)
		var broadcastHealthState string
		if bs != nil {
			broadcastHealthState = bs.Stats().HealthState
			mainHealthState = worse(mainHealthState, broadcastHealthState)
		}

		httpStatus, status := http.StatusOK, "healthy"
		switch mainHealthState {
		case mirror.HealthYellow:
			status = "degraded"
		case mirror.HealthRed:
			httpStatus, status = http.StatusServiceUnavailable, "unhealthy"
		}
		writeJSON(w, httpStatus, map[string]any{
			"status":                      status,
			"service":                     r.Info.Name,
			"version":                     Version,
			"main_health_state":           mainHealthState,
			"mirror_health_state":         ms.MirrorHealthState,
			"broadcast_health_state":      broadcastHealthState,
			"consecutive_mirror_failures": ms.ConsecutiveMirrorFailures,
			"live_relays":                 ms.LiveRelays,
			"dead_relays":                 ms.DeadRelays,
		})
	})

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logging.Info("shutting down")
		mm.StopMirroring()
		if bs != nil {
			bs.Close()
		}
		if err := rx.Dispose(); err != nil {
			logging.Warn("closing upstream connections: %v", err)
		}
		logging.Sync()
		os.Exit(0)
	}()

	host, portStr, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		// maybe user provided only a port like ":8080"
		if cfg.Addr != "" && cfg.Addr[0] == ':' {
			host = ""
			portStr = cfg.Addr[1:]
		} else {
			logging.Fatal("invalid addr: %v", err)
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		logging.Fatal("invalid port: %v", err)
	}

	logging.Info("Starting %s on %s (%d upstream relays)", ProjectName, cfg.Addr, len(upstreams(cfg)))
	if err := r.Start(host, port); err != nil {
		logging.Fatal("relay exited: %v", err)
	}
}

func ensureSupportedNips(r *khatru.Relay, nips []int) {
	if r == nil || r.Info == nil {
		return
	}
	present := map[int]bool{}
	for _, v := range r.Info.SupportedNIPs {
		switch vv := v.(type) {
		case int:
			present[vv] = true
		case int64:
			present[int(vv)] = true
		}
	}
	for _, ni := range nips {
		if !present[ni] {
			r.Info.SupportedNIPs = append(r.Info.SupportedNIPs, ni)
		}
	}
}
