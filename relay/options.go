// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Relay instance options.
package relay

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"
)

// RejectEventFunc is an extra publish policy. Returning true rejects the
// event with msg as the OK reason.
type RejectEventFunc func(ctx context.Context, ev *nostr.Event) (reject bool, msg string)

// ConnectionRate configures the per-IP connection token bucket.
type ConnectionRate struct {
	TokensPerInterval int
	Interval          time.Duration
	MaxTokens         int
}

// Options configures one relay instance. Zero values take DefaultOptions.
type Options struct {
	Info nip11.RelayInformationDocument

	// AllowedKinds restricts publishing to these kinds. Empty allows all.
	AllowedKinds []int
	// MaxTagValueLen rejects events with longer tag values. 0 disables.
	MaxTagValueLen int
	RejectEvent    []RejectEventFunc

	// QueueSize bounds the outbound batches waiting for one connection.
	// A connection whose queue is full is closed.
	QueueSize      int
	MaxMessageSize int64
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongWait       time.Duration

	// EventsPerSecond limits EVENT frames per connection. 0 disables.
	EventsPerSecond float64
	EventBurst      int

	// ConnectionRate limits new connections per IP. Nil disables.
	ConnectionRate *ConnectionRate
}

// DefaultOptions returns the options used for unset fields.
func DefaultOptions() Options {
	return Options{
		Info: nip11.RelayInformationDocument{
			Name:          "relay-harness",
			SupportedNIPs: []any{1, 11, 42, 45},
		},
		QueueSize:      1024,
		MaxMessageSize: 512 * 1024,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		PongWait:       90 * time.Second,
		EventBurst:     10,
	}
}

// withDefaults fills zero values from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Info.Name == "" {
		o.Info.Name = d.Info.Name
	}
	if len(o.Info.SupportedNIPs) == 0 {
		o.Info.SupportedNIPs = d.Info.SupportedNIPs
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.EventBurst <= 0 {
		o.EventBurst = d.EventBurst
	}
	return o
}
