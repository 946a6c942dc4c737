// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Mirror - copies live events from remote relays into a local relay.
package mirror

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/girino/relay-harness/logging"
	"github.com/girino/relay-harness/relay"
	"github.com/nbd-wtf/go-nostr"
)

// Publisher receives mirrored events. *relay.Relay is one.
type Publisher interface {
	Publish(ctx context.Context, ev *nostr.Event) relay.PublishResult
}

// MirrorManager subscribes to remote relays and republishes every event it
// receives through a Publisher, so mirrored events are validated, stored and
// fanned out exactly like client events.
type MirrorManager struct {
	// queryUrls are the remotes used for mirroring events
	queryUrls []string
	// pool manages connections for query remotes
	pool       *nostr.SimplePool
	poolCancel context.CancelFunc

	// ConnectTimeout bounds the initial connectivity retries.
	ConnectTimeout time.Duration
	// HealthInterval is the period of the remote health check.
	HealthInterval time.Duration

	mu           sync.Mutex
	mirrorCtx    context.Context
	mirrorCancel context.CancelFunc

	mirroredEvents  int64
	duplicateEvents int64
	rejectedEvents  int64
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
	DuplicateEvents           int64  `json:"duplicate_events"`
	RejectedEvents            int64  `json:"rejected_events"`
	MirrorAttempts            int64  `json:"mirror_attempts"`
	MirrorSuccesses           int64  `json:"mirror_successes"`
	MirrorFailures            int64  `json:"mirror_failures"`
	ConsecutiveMirrorFailures int64  `json:"consecutive_mirror_failures"`
	MirrorHealthState         string `json:"mirror_health_state"`
	// Relay health statistics
	LiveRelays int64 `json:"live_relays"`
	DeadRelays int64 `json:"dead_relays"`
}

// NewMirrorManager creates a new MirrorManager with the provided query URLs
func NewMirrorManager(queryUrls []string) *MirrorManager {
	return &MirrorManager{
		queryUrls:      queryUrls,
		ConnectTimeout: 30 * time.Second,
		HealthInterval: 30 * time.Second,
	}
}

// Init creates the connection pool.
func (m *MirrorManager) Init() error {
	ctx, cancel := context.WithCancel(context.Background())
	m.pool = nostr.NewSimplePool(ctx, nostr.WithPenaltyBox())
	m.poolCancel = cancel
	logging.DebugMethod("mirror", "Init", "query remotes: %v", m.queryUrls)
	return nil
}

// Close stops mirroring and drops the remote connections.
func (m *MirrorManager) Close() {
	m.StopMirroring()
	if m.poolCancel != nil {
		m.poolCancel()
	}
}

// Stats returns a snapshot of the MirrorManager counters
func (m *MirrorManager) Stats() MirrorStats {
	consecutiveMirrorFailures := atomic.LoadInt64(&m.consecutiveMirrorFailures)

	return MirrorStats{
		MirroredEvents:            atomic.LoadInt64(&m.mirroredEvents),
		DuplicateEvents:           atomic.LoadInt64(&m.duplicateEvents),
		RejectedEvents:            atomic.LoadInt64(&m.rejectedEvents),
		MirrorAttempts:            atomic.LoadInt64(&m.mirrorAttempts),
		MirrorSuccesses:           atomic.LoadInt64(&m.mirrorSuccesses),
		MirrorFailures:            atomic.LoadInt64(&m.mirrorFailures),
		ConsecutiveMirrorFailures: consecutiveMirrorFailures,
		MirrorHealthState:         getHealthState(consecutiveMirrorFailures),
		LiveRelays:                atomic.LoadInt64(&m.liveRelays),
		DeadRelays:                atomic.LoadInt64(&m.deadRelays),
	}
}

// getHealthState determines the health state based on consecutive failures
func getHealthState(consecutiveFailures int64) string {
	if consecutiveFailures <= 2 {
		return relay.HealthGreen
	} else if consecutiveFailures < 10 {
		return relay.HealthYellow
	}
	return relay.HealthRed
}

// StartMirroring begins mirroring live events from the query relays into p.
// It fails when no query relay becomes reachable within ConnectTimeout.
func (m *MirrorManager) StartMirroring(p Publisher) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mirrorCtx != nil {
		// already started
		return nil
	}
	if len(m.queryUrls) == 0 {
		logging.DebugMethod("mirror", "StartMirroring", "no query relays configured, skipping mirroring")
		return nil
	}
	if m.pool == nil {
		if err := m.Init(); err != nil {
			return err
		}
	}

	liveCount := 0
	connect := func() error {
		atomic.AddInt64(&m.mirrorAttempts, 1)
		liveCount = m.countLive("StartMirroring")
		if liveCount == 0 {
			return fmt.Errorf("no query relays are available (configured: %d)", len(m.queryUrls))
		}
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = m.ConnectTimeout
	if err := backoff.Retry(connect, b); err != nil {
		atomic.AddInt64(&m.mirrorFailures, 1)
		return err
	}
	atomic.AddInt64(&m.mirrorSuccesses, 1)

	logging.Info("mirror: starting event mirroring from %d query relays (%d/%d available)", len(m.queryUrls), liveCount, len(m.queryUrls))

	m.mirrorCtx, m.mirrorCancel = context.WithCancel(context.Background())

	// start single mirroring goroutine for all query relays
	go m.mirrorFromRelays(m.mirrorCtx, p)

	return nil
}

// StopMirroring stops the continuous mirroring of events
func (m *MirrorManager) StopMirroring() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mirrorCancel != nil {
		logging.DebugMethod("mirror", "StopMirroring", "stopping event mirroring")
		m.mirrorCancel()
		m.mirrorCtx = nil
		m.mirrorCancel = nil
	}
}

// mirrorFromRelays continuously mirrors events from all query relays
func (m *MirrorManager) mirrorFromRelays(ctx context.Context, p Publisher) {
	// only events from now on; history is not copied
	now := nostr.Now()
	filter := nostr.Filter{Since: &now}

	// subscribe to all query relays at once (handles deduplication)
	sub := m.pool.SubscribeMany(ctx, m.queryUrls, filter)

	go m.monitorRelayHealth(ctx)

	for {
		select {
		case <-ctx.Done():
			logging.DebugMethod("mirror", "mirrorFromRelays", "mirror from query relays stopped (context cancelled)")
			return
		case relayEvent, ok := <-sub:
			if !ok {
				logging.DebugMethod("mirror", "mirrorFromRelays", "mirror subscription closed")
				return
			}
			if relayEvent.Event == nil {
				continue
			}
			source := ""
			if relayEvent.Relay != nil {
				source = relayEvent.Relay.URL
			}
			m.mirrorEvent(ctx, p, relayEvent.Event, source)
		}
	}
}

// mirrorEvent publishes one remote event and counts the outcome.
func (m *MirrorManager) mirrorEvent(ctx context.Context, p Publisher, ev *nostr.Event, source string) {
	res := p.Publish(ctx, ev)
	switch {
	case res.Duplicate:
		atomic.AddInt64(&m.duplicateEvents, 1)
	case res.Accepted:
		atomic.AddInt64(&m.mirroredEvents, 1)
		logging.DebugMethod("mirror", "mirrorEvent", "mirrored event %s from %s to %d subscriptions", ev.ID, source, res.Delivered)
	default:
		atomic.AddInt64(&m.rejectedEvents, 1)
		logging.DebugMethod("mirror", "mirrorEvent", "event %s from %s rejected: %s", ev.ID, source, res.Reason)
	}
}

// monitorRelayHealth periodically checks the health of all query relays
func (m *MirrorManager) monitorRelayHealth(ctx context.Context) {
	interval := m.HealthInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkRelayHealth()
		}
	}
}

// countLive connects to every query relay and updates the live/dead gauges.
func (m *MirrorManager) countLive(method string) int {
	live := 0
	for _, url := range m.queryUrls {
		if _, err := m.pool.EnsureRelay(url); err != nil {
			logging.DebugMethod("mirror", method, "relay %s is dead: %v", url, err)
			continue
		}
		live++
	}
	atomic.StoreInt64(&m.liveRelays, int64(live))
	atomic.StoreInt64(&m.deadRelays, int64(len(m.queryUrls)-live))
	return live
}

// checkRelayHealth counts a failure when more than half of the query relays
// are dead, and resets the streak otherwise.
func (m *MirrorManager) checkRelayHealth() {
	if len(m.queryUrls) == 0 {
		return
	}

	totalRelays := int64(len(m.queryUrls))
	liveCount := int64(m.countLive("checkRelayHealth"))
	deadCount := totalRelays - liveCount

	if deadCount > totalRelays/2 {
		atomic.AddInt64(&m.mirrorFailures, 1)
		atomic.AddInt64(&m.consecutiveMirrorFailures, 1)
		logging.Warn("mirror: health check failed: %d/%d relays dead", deadCount, totalRelays)
	} else {
		atomic.StoreInt64(&m.consecutiveMirrorFailures, 0)
		logging.DebugMethod("mirror", "checkRelayHealth", "health check passed: %d/%d relays alive", liveCount, totalRelays)
	}
}
