// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// relay-harness - runs one or more in-memory nostr relays for testing clients.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/girino/relay-harness/fixtures"
	"github.com/girino/relay-harness/logging"
	"github.com/girino/relay-harness/mirror"
	"github.com/girino/relay-harness/relay"
)

func main() {
	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		logging.Fatal("loading config: %v", err)
	}

	// Examples:
	//   - VERBOSE=1 or VERBOSE=true: enable all verbose logging
	//   - VERBOSE=relay: enable verbose for the relay module only
	//   - VERBOSE=relay.Publish,mirror: enable specific method + module
	logging.SetVerbose(cfg.Verbose)

	opts, err := cfg.RelayOptions()
	if err != nil {
		logging.Fatal("building relay options: %v", err)
	}

	m := relay.NewManager(opts)
	if _, err := m.StartN(cfg.Host, cfg.BasePort, cfg.Instances); err != nil {
		m.Close()
		logging.Fatal("starting relays: %v", err)
	}
	relays := m.Relays()

	if cfg.PreloadFile != "" {
		preload(cfg.PreloadFile, relays)
	}

	for _, r := range relays {
		if len(cfg.QueryRemotes) == 0 {
			break
		}
		mm := mirror.NewMirrorManager(cfg.QueryRemotes)
		if err := mm.Init(); err != nil {
			logging.Fatal("initializing mirror manager: %v", err)
		}
		if err := mm.StartMirroring(r); err != nil {
			m.Close()
			logging.Fatal("[mirror] failed to start mirroring into %s: %v", r.URL(), err)
		}
		defer mm.Close()
	}

	for _, url := range m.URLs() {
		logging.Info("%s %s ready at %s", ProjectName, Version, url)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logging.Info("shutting down")

	if cfg.ExportFile != "" && len(relays) > 0 {
		doc, err := fixtures.Export(context.Background(), relays[0].Store(), m.URLs())
		if err == nil {
			err = doc.Save(cfg.ExportFile)
		}
		if err != nil {
			logging.Error("exporting events: %v", err)
		} else {
			logging.Info("exported %d events to %s", len(doc.Events), cfg.ExportFile)
		}
	}

	if err := m.Close(); err != nil {
		logging.Error("closing relays: %v", err)
	}
}

// preload publishes the fixture file into every relay.
func preload(path string, relays []*relay.Relay) {
	doc, err := fixtures.Load(path)
	if err != nil {
		logging.Fatal("loading fixtures: %v", err)
	}
	if err := doc.CheckKeys(); err != nil {
		logging.Warn("fixture keys: %v", err)
	}
	for _, r := range relays {
		rep := fixtures.Preload(context.Background(), r, doc)
		logging.Info("preloaded %s: %d accepted, %d duplicates, %d rejected", r.URL(), rep.Accepted, rep.Duplicates, rep.Rejected)
		for id, reason := range rep.Reasons {
			logging.Warn("fixture event %s rejected: %s", id, reason)
		}
	}
}
