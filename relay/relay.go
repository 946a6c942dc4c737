// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Relay - one independently addressable nostr relay instance.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fiatjaf/eventstore"
	"github.com/fiatjaf/khatru"
	"github.com/fiatjaf/khatru/policies"
	"github.com/girino/relay-harness/eventstore/memstore"
	"github.com/girino/relay-harness/filter"
	"github.com/girino/relay-harness/logging"
	"github.com/girino/relay-harness/validator"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"
)

// ErrClosed is returned by Start on a relay that was already closed.
var ErrClosed = errors.New("relay closed")

// Relay owns one event store and the sessions connected to it. Nothing is
// shared between relays.
type Relay struct {
	opts        Options
	info        nip11.RelayInformationDocument
	store       *memstore.Store
	rejectEvent []RejectEventFunc
	rejectConn  func(*http.Request) bool

	// mu makes store writes, snapshot reads and the subscription registry
	// one atomic unit. Network writes never happen while it is held.
	mu       sync.RWMutex
	sessions map[*Session]struct{}

	upgrader websocket.Upgrader
	mux      *http.ServeMux

	lifecycle sync.Mutex
	server    *http.Server
	addr      string
	closed    atomic.Bool

	stats     *counters
	startTime time.Time
}

// PublishResult is the outcome of one publish, as reported in the OK frame.
type PublishResult struct {
	EventID   string
	Accepted  bool
	Duplicate bool
	Reason    string
	// Delivered counts live EVENT frames queued for subscribers.
	Delivered int
}

// New builds a relay from opts. It does not listen until Start.
func New(opts Options) *Relay {
	opts = opts.withDefaults()
	r := &Relay{
		opts:      opts,
		info:      opts.Info,
		store:     memstore.New(),
		sessions:  make(map[*Session]struct{}),
		stats:     newCounters(),
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	r.rejectEvent = append(r.rejectEvent, opts.RejectEvent...)
	if opts.MaxTagValueLen > 0 {
		r.rejectEvent = append(r.rejectEvent, policies.PreventLargeTags(opts.MaxTagValueLen))
	}
	if cr := opts.ConnectionRate; cr != nil && cr.TokensPerInterval > 0 {
		r.rejectConn = policies.ConnectionRateLimiter(cr.TokensPerInterval, cr.Interval, cr.MaxTokens)
	}

	r.mux = http.NewServeMux()
	r.mux.HandleFunc("/api/v1/stats", r.handleStats)
	r.mux.HandleFunc("/api/v1/health", r.handleHealth)
	r.mux.HandleFunc("/", r.handleRoot)
	return r
}

// Store exposes the relay's event store.
func (r *Relay) Store() *memstore.Store {
	return r.store
}

// Info returns the NIP-11 document the relay serves.
func (r *Relay) Info() nip11.RelayInformationDocument {
	return r.info
}

// Addr returns the bound host:port, or "" before Start.
func (r *Relay) Addr() string {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	return r.addr
}

// URL returns the websocket URL clients connect to.
func (r *Relay) URL() string {
	return "ws://" + r.Addr()
}

// Start binds addr (port 0 picks a free port) and serves in the background.
// It returns the bound address.
func (r *Relay) Start(addr string) (string, error) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if r.closed.Load() {
		return "", ErrClosed
	}
	if r.server != nil {
		return r.addr, fmt.Errorf("relay already listening on %s", r.addr)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen %s: %w", addr, err)
	}
	r.addr = ln.Addr().String()
	r.server = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("relay %s stopped serving: %v", ln.Addr(), err)
		}
	}(r.server)

	logging.Info("relay %q listening on %s", r.info.Name, r.addr)
	return r.addr, nil
}

// Close stops the listener and disconnects every session.
func (r *Relay) Close() error {
	if r.closed.Swap(true) {
		return nil
	}

	r.lifecycle.Lock()
	srv := r.server
	r.lifecycle.Unlock()

	var err error
	if srv != nil {
		err = srv.Close()
	}

	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()
	for _, s := range sessions {
		s.Close("relay shutting down")
	}

	logging.DebugMethod("relay", "Close", "closed relay %s with %d sessions", r.addr, len(sessions))
	return err
}

// ServeHTTP routes websocket upgrades, NIP-11 and the stats endpoints.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Relay) handleRoot(w http.ResponseWriter, req *http.Request) {
	switch {
	case websocket.IsWebSocketUpgrade(req):
		r.handleWebsocket(w, req)
	case strings.Contains(req.Header.Get("Accept"), "application/nostr+json"):
		r.handleInfo(w, req)
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "%s: connect with a nostr client\n", r.info.Name)
	}
}

func (r *Relay) handleWebsocket(w http.ResponseWriter, req *http.Request) {
	ip := khatru.GetIPFromRequest(req)
	if r.rejectConn != nil && r.rejectConn(req) {
		atomic.AddInt64(&r.stats.rejectedConns, 1)
		logging.Warn("connection rate limiter: rejected %s", ip)
		http.Error(w, "rate-limited: too many connections", http.StatusTooManyRequests)
		return
	}
	if r.closed.Load() {
		http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		logging.DebugMethod("relay", "handleWebsocket", "upgrade from %s failed: %v", ip, err)
		return
	}

	s := newSession(r, conn, ip)
	if !r.register(s) {
		s.Close("relay shutting down")
		return
	}
	s.run()
}

// handleInfo serves the NIP-11 relay information document.
func (r *Relay) handleInfo(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/nostr+json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(r.info); err != nil {
		http.Error(w, "failed to encode relay information", http.StatusInternalServerError)
	}
}

func (r *Relay) handleStats(w http.ResponseWriter, req *http.Request) {
	jsonData, err := json.MarshalIndent(r.Stats(), "", "  ")
	if err != nil {
		http.Error(w, "failed to encode stats", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(jsonData)
}

func (r *Relay) handleHealth(w http.ResponseWriter, req *http.Request) {
	st := r.Stats()

	var httpStatus int
	var status string
	switch st.HealthState {
	case HealthGreen:
		httpStatus, status = http.StatusOK, "healthy"
	case HealthYellow:
		httpStatus, status = http.StatusOK, "degraded"
	default:
		httpStatus, status = http.StatusServiceUnavailable, "unhealthy"
	}

	health := map[string]any{
		"status":             status,
		"service":            r.info.Name,
		"health_state":       st.HealthState,
		"goroutines":         st.Goroutines,
		"active_connections": st.ActiveConnections,
		"events":             st.Store.Events,
	}
	jsonData, err := json.MarshalIndent(health, "", "  ")
	if err != nil {
		http.Error(w, "failed to encode health status", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(jsonData)
}

// register adds s to the registry. It refuses once Close has started, so a
// session is either seen by Close or never registered.
func (r *Relay) register(s *Session) bool {
	r.mu.Lock()
	if r.closed.Load() {
		r.mu.Unlock()
		return false
	}
	r.sessions[s] = struct{}{}
	r.mu.Unlock()
	atomic.AddInt64(&r.stats.connections, 1)
	atomic.AddInt64(&r.stats.activeConnections, 1)
	return true
}

// unregister drops the session and all of its subscriptions.
func (r *Relay) unregister(s *Session) {
	r.mu.Lock()
	_, ok := r.sessions[s]
	delete(r.sessions, s)
	s.subs = nil
	r.mu.Unlock()
	if ok {
		atomic.AddInt64(&r.stats.activeConnections, -1)
	}
}

func (r *Relay) kindAllowed(kind int) bool {
	return len(r.opts.AllowedKinds) == 0 || slices.Contains(r.opts.AllowedKinds, kind)
}

// Publish validates ev, stores it and fans it out to every matching live
// subscription on this relay. Client EVENT frames, fixture preloads and the
// mirror all go through here.
func (r *Relay) Publish(ctx context.Context, ev *nostr.Event) PublishResult {
	atomic.AddInt64(&r.stats.published, 1)
	res := PublishResult{}
	if ev != nil {
		res.EventID = ev.ID
	}

	reject := func(reason string) PublishResult {
		atomic.AddInt64(&r.stats.rejected, 1)
		res.Reason = reason
		logging.DebugMethod("relay", "Publish", "rejected %s: %s", res.EventID, reason)
		return res
	}

	if err := validator.Validate(ev); err != nil {
		return reject(validator.Reason(err))
	}
	if err := validator.CheckStructure(ev); err != nil {
		return reject(validator.Reason(err))
	}
	if ev.Kind == validator.KindAuth {
		return reject("invalid: auth events are not accepted for storage")
	}
	if !r.kindAllowed(ev.Kind) {
		return reject(fmt.Sprintf("blocked: kind %d is not allowed", ev.Kind))
	}
	for _, policy := range r.rejectEvent {
		if rejected, msg := policy(ctx, ev); rejected {
			if msg == "" {
				msg = "blocked: rejected by relay policy"
			}
			return reject(msg)
		}
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		return reject("error: could not encode event")
	}

	r.mu.Lock()
	err = r.store.SaveEvent(ctx, ev)
	if err == nil {
		for s := range r.sessions {
			res.Delivered += s.deliverLocked(ev, raw)
		}
	}
	r.mu.Unlock()

	if err != nil && !errors.Is(err, eventstore.ErrDupEvent) {
		return reject("error: " + err.Error())
	}
	res.Accepted = true
	if err != nil {
		res.Duplicate = true
		res.Reason = "duplicate: already have this event"
		atomic.AddInt64(&r.stats.duplicates, 1)
		return res
	}

	atomic.AddInt64(&r.stats.accepted, 1)
	atomic.AddInt64(&r.stats.delivered, int64(res.Delivered))
	r.stats.acceptedKind(ev.Kind)
	logging.DebugMethod("relay", "Publish", "accepted %s kind=%d, delivered to %d subscriptions", ev.ID, ev.Kind, res.Delivered)
	return res
}

// subscribe registers (or replaces) a subscription and queues its snapshot
// followed by EOSE. Both happen under the write lock, so every event
// inserted afterwards is seen by the live path and nothing is sent twice.
func (r *Relay) subscribe(s *Session, id string, filters []nostr.Filter) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.closed.Load() || s.subs == nil {
		return 0
	}
	s.subs[id] = filters

	events := filter.Snapshot(r.store, filters)
	batch := make([][]byte, 0, len(events)+1)
	for _, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		batch = append(batch, eventFrame(id, raw))
	}
	batch = append(batch, eoseFrame(id))
	s.enqueue(batch)

	atomic.AddInt64(&r.stats.subscriptions, 1)
	logging.DebugMethod("relay", "subscribe", "session %s subscription %q: %d snapshot events", s.id, id, len(events))
	return len(events)
}

// unsubscribe removes a subscription. Unknown ids are ignored.
func (r *Relay) unsubscribe(s *Session, id string) {
	r.mu.Lock()
	_, ok := s.subs[id]
	delete(s.subs, id)
	r.mu.Unlock()

	if ok {
		atomic.AddInt64(&r.stats.unsubscriptions, 1)
	}
}

// count answers a NIP-45 request with the size of the would-be snapshot.
// Several filters are unioned by id so an event matching two of them counts
// once.
func (r *Relay) count(ctx context.Context, filters []nostr.Filter) (int64, error) {
	atomic.AddInt64(&r.stats.counts, 1)
	if len(filters) == 1 {
		return r.store.CountEvents(ctx, filters[0])
	}

	seen := make(map[string]struct{})
	for _, f := range filters {
		ch, err := r.store.QueryEvents(ctx, f)
		if err != nil {
			return 0, err
		}
		for ev := range ch {
			seen[ev.ID] = struct{}{}
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return int64(len(seen)), nil
}

// SessionCount returns the number of open sessions.
func (r *Relay) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
