// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Configuration management for rxnostr-tail.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// getEnvOr returns the environment variable value or a default if not set
func getEnvOr(env, defaultValue string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	return defaultValue
}

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

// Mode selects what the tool does with the engine.
type Mode string

const (
	ModeOneshot  Mode = "oneshot"
	ModeForward  Mode = "forward"
	ModeBackward Mode = "backward"
	ModePublish  Mode = "publish"
)

// Config holds runtime configuration coming from environment and CLI flags.
type Config struct {
	Mode    Mode
	Relays  []string
	Verbose string

	Filter nostr.Filter
	// HasFilter is set when any filter flag was given
	HasFilter bool
	Unique    int

	SecKey  string
	Kind    int
	Content string

	EoseTimeout      time.Duration
	OkTimeout        time.Duration
	VerifySignatures bool
	ShowStates       bool
}

// LoadConfig reads environment variables and flags. Flags override env
// values. The first positional argument is the mode.
func LoadConfig(args []string) (*Config, error) {
	fs := flag.NewFlagSet("rxnostr-tail", flag.ContinueOnError)
	relays := fs.String("relays", os.Getenv("RELAYS"), "comma-separated relay URLs (env: RELAYS)")
	verbose := fs.String("verbose", os.Getenv("VERBOSE"), "verbose logging control: '1' for all, 'rxnostr,relay' for modules (env: VERBOSE)")

	kinds := fs.String("kinds", os.Getenv("KINDS"), "comma-separated kinds to match (env: KINDS)")
	authors := fs.String("authors", os.Getenv("AUTHORS"), "comma-separated author pubkeys to match (env: AUTHORS)")
	ids := fs.String("ids", os.Getenv("IDS"), "comma-separated event ids to match (env: IDS)")
	limitVal, _ := strconv.Atoi(getEnvOr("LIMIT", "0"))
	limit := fs.Int("limit", limitVal, "maximum stored events per relay (env: LIMIT)")
	since := fs.Duration("since", getEnvDuration("SINCE", 0), "only match events newer than this long ago (env: SINCE)")
	uniqueVal, _ := strconv.Atoi(getEnvOr("UNIQUE", "4096"))
	unique := fs.Int("unique", uniqueVal, "size of the duplicate filter, 0 disables it (env: UNIQUE)")

	secKey := fs.String("seckey", os.Getenv("NOSTR_SECKEY"), "secret key for publish, hex or nsec (env: NOSTR_SECKEY)")
	kindVal, _ := strconv.Atoi(getEnvOr("KIND", "1"))
	kind := fs.Int("kind", kindVal, "kind of the published event (env: KIND)")
	content := fs.String("content", os.Getenv("CONTENT"), "content of the published event (env: CONTENT)")

	eoseTimeout := fs.Duration("eose-timeout", getEnvDuration("EOSE_TIMEOUT", 10*time.Second), "EOSE timeout (env: EOSE_TIMEOUT)")
	okTimeout := fs.Duration("ok-timeout", getEnvDuration("OK_TIMEOUT", 30*time.Second), "OK timeout (env: OK_TIMEOUT)")
	verifyVal, _ := strconv.ParseBool(getEnvOr("VERIFY_SIGNATURES", "true"))
	verify := fs.Bool("verify-signatures", verifyVal, "check signatures of received events (env: VERIFY_SIGNATURES)")
	showStates := fs.Bool("states", false, "log relay connection state changes")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	mode := ModeOneshot
	if fs.NArg() > 0 {
		mode = Mode(fs.Arg(0))
	}
	switch mode {
	case ModeOneshot, ModeForward, ModeBackward, ModePublish:
	default:
		return nil, fmt.Errorf("unknown mode %q, want one of oneshot, forward, backward, publish", mode)
	}

	cfg := &Config{
		Mode:             mode,
		Relays:           splitList(*relays),
		Verbose:          *verbose,
		Unique:           *unique,
		SecKey:           *secKey,
		Kind:             *kind,
		Content:          *content,
		EoseTimeout:      *eoseTimeout,
		OkTimeout:        *okTimeout,
		VerifySignatures: *verify,
		ShowStates:       *showStates,
	}
	if len(cfg.Relays) == 0 {
		return nil, fmt.Errorf("no relays given, use -relays or RELAYS")
	}

	for _, k := range splitList(*kinds) {
		v, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("invalid kind %q: %w", k, err)
		}
		cfg.Filter.Kinds = append(cfg.Filter.Kinds, v)
	}
	if a := splitList(*authors); len(a) > 0 {
		cfg.Filter.Authors = a
	}
	if i := splitList(*ids); len(i) > 0 {
		cfg.Filter.IDs = i
	}
	cfg.Filter.Limit = *limit
	if *since > 0 {
		ts := nostr.Timestamp(time.Now().Add(-*since).Unix())
		cfg.Filter.Since = &ts
	}
	cfg.HasFilter = cfg.Filter.Kinds != nil || cfg.Filter.Authors != nil || cfg.Filter.IDs != nil || cfg.Filter.Limit > 0 || cfg.Filter.Since != nil
	return cfg, nil
}
