// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Runtime counters and health for a relay instance.
package relay

import (
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/girino/relay-harness/eventstore/memstore"
	"github.com/puzpuzpuz/xsync/v3"
)

// Goroutine health thresholds
const (
	GoroutineYellowThreshold = 30000
	GoroutineRedThreshold    = 100000
)

// Health state constants
const (
	HealthGreen  = "GREEN"
	HealthYellow = "YELLOW"
	HealthRed    = "RED"
)

func goroutineHealthState(goroutineCount int) string {
	if goroutineCount >= GoroutineRedThreshold {
		return HealthRed
	} else if goroutineCount >= GoroutineYellowThreshold {
		return HealthYellow
	}
	return HealthGreen
}

type counters struct {
	connections        int64
	activeConnections  int64
	rejectedConns      int64
	published          int64
	accepted           int64
	duplicates         int64
	rejected           int64
	delivered          int64
	subscriptions      int64
	unsubscriptions    int64
	counts             int64
	auths              int64
	authFailures       int64
	malformed          int64
	backpressureCloses int64

	kinds *xsync.MapOf[int, *xsync.Counter]
}

func newCounters() *counters {
	return &counters{kinds: xsync.NewMapOf[int, *xsync.Counter]()}
}

func (c *counters) acceptedKind(kind int) {
	counter, _ := c.kinds.LoadOrCompute(kind, func() *xsync.Counter { return xsync.NewCounter() })
	counter.Inc()
}

// Stats holds runtime counters exported by a Relay
type Stats struct {
	Address            string           `json:"address"`
	Uptime             float64          `json:"uptime"`
	Connections        int64            `json:"connections"`
	ActiveConnections  int64            `json:"active_connections"`
	RejectedConns      int64            `json:"rejected_connections"`
	Published          int64            `json:"published"`
	Accepted           int64            `json:"accepted"`
	Duplicates         int64            `json:"duplicates"`
	Rejected           int64            `json:"rejected"`
	Delivered          int64            `json:"delivered"`
	Subscriptions      int64            `json:"subscriptions"`
	Unsubscriptions    int64            `json:"unsubscriptions"`
	Counts             int64            `json:"counts"`
	Auths              int64            `json:"auths"`
	AuthFailures       int64            `json:"auth_failures"`
	Malformed          int64            `json:"malformed"`
	BackpressureCloses int64            `json:"backpressure_closes"`
	AcceptedByKind     map[string]int64 `json:"accepted_by_kind"`
	Goroutines         int              `json:"goroutines"`
	HealthState        string           `json:"health_state"`
	Store              memstore.Stats   `json:"store"`
}

// Stats returns a snapshot of the relay counters
func (r *Relay) Stats() Stats {
	c := r.stats
	byKind := make(map[string]int64)
	c.kinds.Range(func(kind int, counter *xsync.Counter) bool {
		byKind[strconv.Itoa(kind)] = counter.Value()
		return true
	})
	goroutines := runtime.NumGoroutine()

	return Stats{
		Address:            r.Addr(),
		Uptime:             time.Since(r.startTime).Seconds(),
		Connections:        atomic.LoadInt64(&c.connections),
		ActiveConnections:  atomic.LoadInt64(&c.activeConnections),
		RejectedConns:      atomic.LoadInt64(&c.rejectedConns),
		Published:          atomic.LoadInt64(&c.published),
		Accepted:           atomic.LoadInt64(&c.accepted),
		Duplicates:         atomic.LoadInt64(&c.duplicates),
		Rejected:           atomic.LoadInt64(&c.rejected),
		Delivered:          atomic.LoadInt64(&c.delivered),
		Subscriptions:      atomic.LoadInt64(&c.subscriptions),
		Unsubscriptions:    atomic.LoadInt64(&c.unsubscriptions),
		Counts:             atomic.LoadInt64(&c.counts),
		Auths:              atomic.LoadInt64(&c.auths),
		AuthFailures:       atomic.LoadInt64(&c.authFailures),
		Malformed:          atomic.LoadInt64(&c.malformed),
		BackpressureCloses: atomic.LoadInt64(&c.backpressureCloses),
		AcceptedByKind:     byKind,
		Goroutines:         goroutines,
		HealthState:        goroutineHealthState(goroutines),
		Store:              r.store.Stats(),
	}
}
