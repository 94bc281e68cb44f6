// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// rxnostr-tail - query, follow and publish to Nostr relays from the shell.
//
// Events and acknowledgements are written to stdout as JSON lines. In
// backward mode every stdin line is a JSON filter; EOF ends the request.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/rxnostr/logging"
	"github.com/girino/rxnostr/relay"
	"github.com/girino/rxnostr/req"
	"github.com/girino/rxnostr/rxnostr"
)

var errNotAccepted = errors.New("no relay accepted the event")

func main() {
	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "%s %s: %v\n", ProjectName, Version, err)
		os.Exit(2)
	}
	logging.SetVerbose(cfg.Verbose)
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rx := rxnostr.New(rxnostr.Config{
		EoseTimeout:      cfg.EoseTimeout,
		OkTimeout:        cfg.OkTimeout,
		VerifySignatures: cfg.VerifySignatures,
	})
	err = run(ctx, rx, cfg, os.Stdin, os.Stdout)
	if derr := rx.Dispose(); derr != nil {
		logging.DebugMethod("main", "main", "closing relays: %v", derr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Error("%v", err)
		logging.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, rx *rxnostr.RxNostr, cfg *Config, in io.Reader, out io.Writer) error {
	if err := rx.SetDefaultRelays(rxnostr.RelayURLs(cfg.Relays...)...); err != nil {
		return err
	}
	if cfg.ShowStates {
		states, err := rx.ConnectionStates()
		if err != nil {
			return err
		}
		defer states.Close()
		go func() {
			for p := range states.C() {
				logging.Info("%s is %s", p.From, p.State)
			}
		}()
	}
	errs, err := rx.AllErrors()
	if err != nil {
		return err
	}
	defer errs.Close()
	go func() {
		for p := range errs.C() {
			logging.Warn("%s: %v", p.From, p.Err)
		}
	}()

	enc := json.NewEncoder(out)
	switch cfg.Mode {
	case ModePublish:
		return publish(ctx, rx, cfg, enc)
	case ModeBackward:
		return backward(ctx, rx, cfg, in, enc)
	case ModeForward:
		s, err := rx.Use(req.NewForward(cfg.Filter), rxnostr.WithUniqueEvents(cfg.Unique))
		if err != nil {
			return err
		}
		return drain(ctx, s, enc)
	default:
		s, err := rx.Use(req.NewOneshot(cfg.Filter), rxnostr.WithUniqueEvents(cfg.Unique))
		if err != nil {
			return err
		}
		return drain(ctx, s, enc)
	}
}

// drain prints events until the stream completes or ctx ends.
func drain(ctx context.Context, s *rxnostr.Stream[relay.EventPacket], enc *json.Encoder) error {
	defer s.Close()
	for {
		select {
		case p, ok := <-s.C():
			if !ok {
				return nil
			}
			if err := enc.Encode(p.Event); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func backward(ctx context.Context, rx *rxnostr.RxNostr, cfg *Config, in io.Reader, enc *json.Encoder) error {
	var initial []nostr.Filter
	if cfg.HasFilter {
		initial = append(initial, cfg.Filter)
	}
	r := req.NewBackward(initial...)
	s, err := rx.Use(r, rxnostr.WithUniqueEvents(cfg.Unique))
	if err != nil {
		return err
	}

	go func() {
		defer r.Over()
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}
			var f nostr.Filter
			if err := json.Unmarshal(line, &f); err != nil {
				logging.Warn("skipping invalid filter %q: %v", line, err)
				continue
			}
			r.SetFilters(f)
		}
	}()
	return drain(ctx, s, enc)
}

func publish(ctx context.Context, rx *rxnostr.RxNostr, cfg *Config, enc *json.Encoder) error {
	if cfg.SecKey == "" {
		return fmt.Errorf("publish needs a secret key, use -seckey or NOSTR_SECKEY")
	}
	res, err := rx.Send(nostr.Event{Kind: cfg.Kind, Content: cfg.Content}, rxnostr.WithSecretKey(cfg.SecKey))
	if err != nil {
		return err
	}
	acks, err := res.Wait(ctx)
	if err != nil {
		return err
	}
	if evt := res.Event(); evt != nil {
		logging.Info("published %s to %d relays", evt.ID, len(acks))
	}

	accepted := false
	for _, ack := range acks {
		accepted = accepted || ack.OK
		if err := enc.Encode(ack); err != nil {
			return err
		}
	}
	if !accepted {
		return errNotAccepted
	}
	return nil
}
