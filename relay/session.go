// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Session - per-connection protocol state.
package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/girino/relay-harness/filter"
	"github.com/girino/relay-harness/logging"
	"github.com/girino/relay-harness/validator"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/time/rate"
)

// Session is one client connection. It is Connected from creation until
// Close, after which it is Closed for good.
type Session struct {
	id    string
	relay *Relay
	conn  *websocket.Conn
	ip    string

	// subs is guarded by relay.mu, not by the session.
	subs map[string][]nostr.Filter

	// out carries batches of frames to the writer goroutine. Enqueueing never
	// blocks: a full queue closes the session.
	out     chan [][]byte
	limiter *rate.Limiter

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    atomic.Bool

	authed atomic.Value // string pubkey after a valid AUTH
}

func newSession(r *Relay, conn *websocket.Conn, ip string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:     uuid.NewString(),
		relay:  r,
		conn:   conn,
		ip:     ip,
		subs:   make(map[string][]nostr.Filter),
		out:    make(chan [][]byte, r.opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	if r.opts.EventsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(r.opts.EventsPerSecond), r.opts.EventBurst)
	}
	return s
}

// ID returns the session's unique id.
func (s *Session) ID() string {
	return s.id
}

// AuthedPubKey returns the pubkey proven by AUTH, or "".
func (s *Session) AuthedPubKey() string {
	pk, _ := s.authed.Load().(string)
	return pk
}

// run serves the connection until the transport closes.
func (s *Session) run() {
	logging.DebugMethod("relay", "session", "session %s opened from %s", s.id, s.ip)
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error("recovered from panic in session %s: %v", s.id, rec)
		}
		s.Close("connection closed")
		s.relay.unregister(s)
		logging.DebugMethod("relay", "session", "session %s cleaned up", s.id)
	}()

	go s.writeLoop()
	s.readLoop()
}

func (s *Session) readLoop() {
	opts := s.relay.opts
	s.conn.SetReadLimit(opts.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	for {
		typ, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logging.DebugMethod("relay", "readLoop", "session %s read error: %v", s.id, err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		s.handle(msg)
	}
}

func (s *Session) writeLoop() {
	opts := s.relay.opts
	ticker := time.NewTicker(opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case batch := <-s.out:
			for _, msg := range batch {
				_ = s.conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
				if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					logging.DebugMethod("relay", "writeLoop", "session %s write failed: %v", s.id, err)
					s.Close("write failed")
					return
				}
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(opts.WriteTimeout)); err != nil {
				s.Close("ping failed")
				return
			}
		}
	}
}

// handle dispatches one inbound frame.
func (s *Session) handle(msg []byte) {
	frame, err := ParseFrame(msg)
	if err != nil {
		s.handleMalformed(err)
		return
	}

	switch f := frame.(type) {
	case *EventFrame:
		s.handleEvent(f.Event)
	case *ReqFrame:
		s.relay.subscribe(s, f.SubscriptionID, f.Filters)
	case *CountFrame:
		n, err := s.relay.count(s.ctx, f.Filters)
		if err != nil {
			s.enqueue([][]byte{closedFrame(f.SubscriptionID, "error: "+err.Error())})
			return
		}
		s.enqueue([][]byte{countFrame(f.SubscriptionID, n)})
	case *CloseFrame:
		s.relay.unsubscribe(s, f.SubscriptionID)
	case *AuthFrame:
		s.handleAuth(f.Event)
	}
}

// handleMalformed replies only when the frame still names something to
// reply about; anything else is dropped.
func (s *Session) handleMalformed(err error) {
	atomic.AddInt64(&s.relay.stats.malformed, 1)

	var merr *MalformedError
	if !errors.As(err, &merr) {
		return
	}
	logging.DebugMethod("relay", "handleMalformed", "session %s: %v", s.id, merr)

	switch {
	case merr.EventID != "" && (merr.Label == "EVENT" || merr.Label == "AUTH"):
		s.enqueue([][]byte{okFrame(merr.EventID, false, "invalid: "+merr.Reason)})
	case merr.SubscriptionID != "" && (merr.Label == "REQ" || merr.Label == "COUNT"):
		s.enqueue([][]byte{closedFrame(merr.SubscriptionID, "invalid: "+merr.Reason)})
	}
}

func (s *Session) handleEvent(ev *nostr.Event) {
	if s.limiter != nil && !s.limiter.Allow() {
		atomic.AddInt64(&s.relay.stats.rejected, 1)
		s.enqueue([][]byte{okFrame(ev.ID, false, "rate-limited: slow down")})
		return
	}
	res := s.relay.Publish(s.ctx, ev)
	s.enqueue([][]byte{okFrame(res.EventID, res.Accepted, res.Reason)})
}

// handleAuth checks the AUTH event's id and signature. The challenge is not
// compared to anything.
func (s *Session) handleAuth(ev *nostr.Event) {
	if err := validator.ValidateAuth(ev); err != nil {
		atomic.AddInt64(&s.relay.stats.authFailures, 1)
		s.enqueue([][]byte{okFrame(ev.ID, false, validator.Reason(err))})
		return
	}
	atomic.AddInt64(&s.relay.stats.auths, 1)
	s.authed.Store(ev.PubKey)
	logging.DebugMethod("relay", "handleAuth", "session %s authenticated as %s", s.id, ev.PubKey)
	s.enqueue([][]byte{okFrame(ev.ID, true, "")})
}

// deliverLocked queues ev for every subscription of s it matches and returns
// how many frames were queued. Caller holds relay.mu.
func (s *Session) deliverLocked(ev *nostr.Event, raw []byte) int {
	if s.closed.Load() {
		return 0
	}
	var batch [][]byte
	for id, filters := range s.subs {
		if filter.MatchesAny(filters, ev) {
			batch = append(batch, eventFrame(id, raw))
		}
	}
	if len(batch) == 0 || !s.enqueue(batch) {
		return 0
	}
	return len(batch)
}

// enqueue hands a batch to the writer. When the queue is full the session
// is closed instead: dropping a frame would break delivery guarantees.
func (s *Session) enqueue(batch [][]byte) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.out <- batch:
		return true
	default:
		atomic.AddInt64(&s.relay.stats.backpressureCloses, 1)
		logging.Warn("session %s from %s: outbound queue full, closing", s.id, s.ip)
		s.closeWith(websocket.CloseTryAgainLater, "backpressure: outbound queue full")
		return false
	}
}

// Close ends the session. It never blocks on the network, so it is safe to
// call while holding relay.mu.
func (s *Session) Close(reason string) {
	s.closeWith(websocket.CloseNormalClosure, reason)
}

func (s *Session) closeWith(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		logging.DebugMethod("relay", "Close", "session %s closing: %s", s.id, reason)
		go func() {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = s.conn.Close()
		}()
	})
}
