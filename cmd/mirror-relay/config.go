// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Configuration management for the mirror relay.
package main

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fiatjaf/khatru"
)

// getEnvOr returns the environment variable value or a default if not set
func getEnvOr(env, defaultValue string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	return defaultValue
}

// getEnvDuration parses a duration from env, falling back on parse errors
func getEnvDuration(env string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(env)); err == nil {
		return d
	}
	return defaultValue
}

func splitList(s string) []string {
	out := []string{}
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Config holds runtime configuration coming from environment and CLI flags.
type Config struct {
	Addr           string
	QueryRemotes   []string
	PublishRemotes []string
	Verbose        string

	// Engine settings
	EoseTimeout      time.Duration
	OkTimeout        time.Duration
	PublishTimeout   time.Duration
	VerifySignatures bool
	MirrorKinds      []int

	// Broadcast settings
	Broadcast         bool
	BroadcastCacheTTL time.Duration

	RelayServiceURL  string
	RelayName        string
	RelayDescription string
	RelayContact     string
	RelaySecKey      string
	RelayPubKey      string
	RelayIcon        string
	RelayBanner      string
}

// LoadConfig reads environment variables and flags. Flags override env values.
func LoadConfig() *Config {
	addr := flag.String("addr", getEnvOr("ADDR", ":3337"), "address to listen on (env: ADDR)")
	queryRemotes := flag.String("query-remotes", os.Getenv("QUERY_REMOTES"), "comma-separated list of relay URLs to query and mirror from (env: QUERY_REMOTES)")
	publishRemotes := flag.String("publish-remotes", os.Getenv("PUBLISH_REMOTES"), "comma-separated list of relay URLs received events are forwarded to (env: PUBLISH_REMOTES)")
	verbose := flag.String("verbose", os.Getenv("VERBOSE"), "verbose logging control: '1'/'true' for all, 'relaystore' for module, 'rxnostr.Use,mirror' for specific methods (env: VERBOSE)")

	// Engine settings
	eoseTimeout := flag.Duration("eose-timeout", getEnvDuration("EOSE_TIMEOUT", 10*time.Second), "how long a query waits for EOSE from every relay (env: EOSE_TIMEOUT)")
	okTimeout := flag.Duration("ok-timeout", getEnvDuration("OK_TIMEOUT", 30*time.Second), "how long a publish collects OK messages (env: OK_TIMEOUT)")
	publishTimeout := flag.Duration("publish-timeout", getEnvDuration("PUBLISH_TIMEOUT", 7*time.Second), "how long a client's EVENT waits for the first upstream acceptance (env: PUBLISH_TIMEOUT)")
	verifyVal, _ := strconv.ParseBool(getEnvOr("VERIFY_SIGNATURES", "true"))
	verifySignatures := flag.Bool("verify-signatures", verifyVal, "check signatures of events received from upstream relays (env: VERIFY_SIGNATURES)")
	mirrorKinds := flag.String("mirror-kinds", os.Getenv("MIRROR_KINDS"), "comma-separated event kinds to mirror, empty for all (env: MIRROR_KINDS)")

	// Broadcast settings
	broadcastVal, _ := strconv.ParseBool(getEnvOr("BROADCAST", "false"))
	broadcast := flag.Bool("broadcast", broadcastVal, "forward client events without waiting for upstream acceptance (env: BROADCAST)")
	broadcastCacheTTL := flag.Duration("broadcast-cache-ttl", getEnvDuration("BROADCAST_CACHE_TTL", time.Hour), "how long a broadcast event is remembered to skip re-broadcasts (env: BROADCAST_CACHE_TTL)")

	// Relay identity settings
	relayServiceURL := flag.String("relay-service-url", os.Getenv("RELAY_SERVICE_URL"), "service URL for relay (env: RELAY_SERVICE_URL)")
	relayName := flag.String("relay-name", os.Getenv("RELAY_NAME"), "relay name (env: RELAY_NAME)")
	relayDescription := flag.String("relay-description", os.Getenv("RELAY_DESCRIPTION"), "relay description (env: RELAY_DESCRIPTION)")
	relayContact := flag.String("relay-contact", os.Getenv("RELAY_CONTACT"), "relay contact (env: RELAY_CONTACT)")
	relaySecKey := flag.String("relay-seckey", os.Getenv("RELAY_SECKEY"), "relay secret key, hex or nsec (env: RELAY_SECKEY)")
	relayPubKey := flag.String("relay-pubkey", os.Getenv("RELAY_PUBKEY"), "relay public key (env: RELAY_PUBKEY)")
	relayIcon := flag.String("relay-icon", os.Getenv("RELAY_ICON"), "relay icon URL (env: RELAY_ICON)")
	relayBanner := flag.String("relay-banner", os.Getenv("RELAY_BANNER"), "relay banner URL (env: RELAY_BANNER)")

	flag.Parse()

	kinds := []int{}
	for _, k := range splitList(*mirrorKinds) {
		if v, err := strconv.Atoi(k); err == nil {
			kinds = append(kinds, v)
		}
	}

	return &Config{
		Addr:           *addr,
		QueryRemotes:   splitList(*queryRemotes),
		PublishRemotes: splitList(*publishRemotes),
		Verbose:        *verbose,

		EoseTimeout:      *eoseTimeout,
		OkTimeout:        *okTimeout,
		PublishTimeout:   *publishTimeout,
		VerifySignatures: *verifySignatures,
		MirrorKinds:      kinds,

		Broadcast:         *broadcast,
		BroadcastCacheTTL: *broadcastCacheTTL,

		RelayServiceURL:  *relayServiceURL,
		RelayName:        *relayName,
		RelayDescription: *relayDescription,
		RelayContact:     *relayContact,
		RelaySecKey:      *relaySecKey,
		RelayPubKey:      *relayPubKey,
		RelayIcon:        *relayIcon,
		RelayBanner:      *relayBanner,
	}
}

// ApplyToRelay applies config NIP-11 fields to a khatru Relay instance.
func ApplyToRelay(r *khatru.Relay, cfg *Config) {
	if cfg.RelayServiceURL != "" {
		r.ServiceURL = cfg.RelayServiceURL
	}
	if cfg.RelayName != "" {
		r.Info.Name = cfg.RelayName
	} else {
		r.Info.Name = ProjectName
	}
	if cfg.RelayDescription != "" {
		r.Info.Description = cfg.RelayDescription
	}
	if cfg.RelayContact != "" {
		r.Info.Contact = cfg.RelayContact
	}
	// software and version are fixed
	r.Info.Software = "https://github.com/girino/rxnostr"
	r.Info.Version = Version
	if cfg.RelayPubKey != "" {
		r.Info.PubKey = cfg.RelayPubKey
	}
	if cfg.RelayIcon != "" {
		r.Info.Icon = cfg.RelayIcon
	}
	if cfg.RelayBanner != "" {
		r.Info.Banner = cfg.RelayBanner
	}
}
