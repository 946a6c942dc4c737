// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Configuration management for the relay harness.
package main

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/girino/relay-harness/fixtures"
	"github.com/girino/relay-harness/logging"
	"github.com/girino/relay-harness/relay"
	"github.com/joho/godotenv"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"
)

// Config holds runtime configuration coming from environment and CLI flags.
type Config struct {
	Host      string `env:"HOST"      envDefault:"127.0.0.1"`
	BasePort  int    `env:"BASE_PORT" envDefault:"7447"`
	Instances int    `env:"INSTANCES" envDefault:"1"`
	Verbose   string `env:"VERBOSE"`

	RelayName        string `env:"RELAY_NAME"`
	RelayDescription string `env:"RELAY_DESCRIPTION"`
	RelayContact     string `env:"RELAY_CONTACT"`
	RelaySecKey      string `env:"RELAY_SECKEY"`
	RelayPubKey      string `env:"RELAY_PUBKEY"`
	RelayIcon        string `env:"RELAY_ICON"`
	RelayBanner      string `env:"RELAY_BANNER"`

	AllowedKinds    []int   `env:"ALLOWED_KINDS"     envSeparator:","`
	MaxTagValueLen  int     `env:"MAX_TAG_VALUE_LEN"`
	QueueSize       int     `env:"QUEUE_SIZE"        envDefault:"1024"`
	MaxMessageSize  int64   `env:"MAX_MESSAGE_SIZE"  envDefault:"524288"`
	EventsPerSecond float64 `env:"EVENTS_PER_SECOND"`
	EventBurst      int     `env:"EVENT_BURST"       envDefault:"10"`

	ConnRateTokens   int           `env:"CONN_RATE_TOKENS"`
	ConnRateInterval time.Duration `env:"CONN_RATE_INTERVAL" envDefault:"5m"`
	ConnRateMax      int           `env:"CONN_RATE_MAX"      envDefault:"100"`

	PreloadFile  string   `env:"PRELOAD_FILE"`
	ExportFile   string   `env:"EXPORT_FILE"`
	QueryRemotes []string `env:"QUERY_REMOTES" envSeparator:","`
}

// LoadConfig reads .env, the environment and then args. Flags override env
// values.
func LoadConfig(args []string) (*Config, error) {
	// a missing .env is fine
	_ = godotenv.Load(".env")

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fs := flag.NewFlagSet(ProjectName, flag.ContinueOnError)

	// Basic settings
	fs.StringVar(&cfg.Host, "host", cfg.Host, "host to bind every relay on (env: HOST)")
	fs.IntVar(&cfg.BasePort, "base-port", cfg.BasePort, "port of the first relay, the others use the following ports; 0 picks free ports (env: BASE_PORT)")
	fs.IntVar(&cfg.Instances, "instances", cfg.Instances, "number of independent relays to start (env: INSTANCES)")
	fs.StringVar(&cfg.Verbose, "verbose", cfg.Verbose, "verbose logging control: '1'/'true' for all, 'relay' for module, 'relay.Publish,mirror' for specific methods (env: VERBOSE)")

	// Relay identity settings
	fs.StringVar(&cfg.RelayName, "relay-name", cfg.RelayName, "relay name (env: RELAY_NAME)")
	fs.StringVar(&cfg.RelayDescription, "relay-description", cfg.RelayDescription, "relay description (env: RELAY_DESCRIPTION)")
	fs.StringVar(&cfg.RelayContact, "relay-contact", cfg.RelayContact, "relay contact (env: RELAY_CONTACT)")
	fs.StringVar(&cfg.RelaySecKey, "relay-seckey", cfg.RelaySecKey, "relay secret key, hex or nsec (env: RELAY_SECKEY)")
	fs.StringVar(&cfg.RelayPubKey, "relay-pubkey", cfg.RelayPubKey, "relay public key (env: RELAY_PUBKEY)")
	fs.StringVar(&cfg.RelayIcon, "relay-icon", cfg.RelayIcon, "relay icon URL (env: RELAY_ICON)")
	fs.StringVar(&cfg.RelayBanner, "relay-banner", cfg.RelayBanner, "relay banner URL (env: RELAY_BANNER)")

	// Limits
	allowedKinds := fs.String("allowed-kinds", joinInts(cfg.AllowedKinds), "comma-separated list of kinds accepted for publishing, empty for all (env: ALLOWED_KINDS)")
	fs.IntVar(&cfg.MaxTagValueLen, "max-tag-value-len", cfg.MaxTagValueLen, "reject events with longer tag values, 0 disables (env: MAX_TAG_VALUE_LEN)")
	fs.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "outbound batches queued per connection before it is closed (env: QUEUE_SIZE)")
	fs.Int64Var(&cfg.MaxMessageSize, "max-message-size", cfg.MaxMessageSize, "largest accepted client message in bytes (env: MAX_MESSAGE_SIZE)")
	fs.Float64Var(&cfg.EventsPerSecond, "events-per-second", cfg.EventsPerSecond, "EVENT frames allowed per connection per second, 0 disables (env: EVENTS_PER_SECOND)")
	fs.IntVar(&cfg.EventBurst, "event-burst", cfg.EventBurst, "burst for the per-connection event limit (env: EVENT_BURST)")
	fs.IntVar(&cfg.ConnRateTokens, "conn-rate-tokens", cfg.ConnRateTokens, "connections per interval allowed per IP, 0 disables (env: CONN_RATE_TOKENS)")
	fs.DurationVar(&cfg.ConnRateInterval, "conn-rate-interval", cfg.ConnRateInterval, "connection rate limit interval (env: CONN_RATE_INTERVAL)")
	fs.IntVar(&cfg.ConnRateMax, "conn-rate-max", cfg.ConnRateMax, "connection rate limit bucket size (env: CONN_RATE_MAX)")

	// Fixtures and mirroring
	fs.StringVar(&cfg.PreloadFile, "preload", cfg.PreloadFile, "fixture file published into every relay at startup (env: PRELOAD_FILE)")
	fs.StringVar(&cfg.ExportFile, "export", cfg.ExportFile, "file the first relay's events are written to on shutdown (env: EXPORT_FILE)")
	queryRemotes := fs.String("query-remotes", strings.Join(cfg.QueryRemotes, ","), "comma-separated list of remote relay URLs to mirror live events from (env: QUERY_REMOTES)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	kinds, err := parseInts(*allowedKinds)
	if err != nil {
		return nil, fmt.Errorf("allowed kinds: %w", err)
	}
	cfg.AllowedKinds = kinds
	cfg.QueryRemotes = splitList(*queryRemotes)

	if cfg.Instances < 1 {
		return nil, fmt.Errorf("instances must be at least 1, got %d", cfg.Instances)
	}
	return cfg, nil
}

// ApplyToInfo applies config NIP-11 fields to a relay information document.
func ApplyToInfo(info *nip11.RelayInformationDocument, cfg *Config) error {
	if cfg.RelayName != "" {
		info.Name = cfg.RelayName
	} else {
		info.Name = "relay-harness"
	}
	if cfg.RelayDescription != "" {
		info.Description = cfg.RelayDescription
	}
	if cfg.RelayContact != "" {
		info.Contact = cfg.RelayContact
	}
	// software and version are fixed
	info.Software = "https://github.com/girino/relay-harness"
	info.Version = Version
	if cfg.RelayIcon != "" {
		info.Icon = cfg.RelayIcon
	}
	if cfg.RelayBanner != "" {
		info.Banner = cfg.RelayBanner
	}
	info.SupportedNIPs = []any{1, 11, 42, 45}

	if cfg.RelayPubKey != "" {
		info.PubKey = cfg.RelayPubKey
		return nil
	}

	// derive the pubkey from RELAY_SECKEY, generating a key when none is set
	sec := cfg.RelaySecKey
	if sec == "" {
		sec = nostr.GeneratePrivateKey()
		logging.DebugMethod("main", "ApplyToInfo", "generated new relay secret key")
	}
	hexKey, err := fixtures.SecretKeyHex(sec)
	if err != nil {
		return fmt.Errorf("relay secret key: %w", err)
	}
	pk, err := nostr.GetPublicKey(hexKey)
	if err != nil {
		return fmt.Errorf("relay secret key: %w", err)
	}
	info.PubKey = pk
	return nil
}

// RelayOptions turns the config into options shared by every relay.
func (cfg *Config) RelayOptions() (relay.Options, error) {
	opts := relay.DefaultOptions()
	if err := ApplyToInfo(&opts.Info, cfg); err != nil {
		return opts, err
	}
	opts.AllowedKinds = cfg.AllowedKinds
	opts.MaxTagValueLen = cfg.MaxTagValueLen
	opts.QueueSize = cfg.QueueSize
	opts.MaxMessageSize = cfg.MaxMessageSize
	opts.EventsPerSecond = cfg.EventsPerSecond
	opts.EventBurst = cfg.EventBurst
	if cfg.ConnRateTokens > 0 {
		opts.ConnectionRate = &relay.ConnectionRate{
			TokensPerInterval: cfg.ConnRateTokens,
			Interval:          cfg.ConnRateInterval,
			MaxTokens:         cfg.ConnRateMax,
		}
	}
	return opts, nil
}

func splitList(s string) []string {
	out := []string{}
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseInts(s string) ([]int, error) {
	var out []int
	for _, item := range splitList(s) {
		n, err := strconv.Atoi(item)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}
