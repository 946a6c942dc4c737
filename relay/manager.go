// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Manager - runs several isolated relay instances side by side.
package relay

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/girino/relay-harness/logging"
	"golang.org/x/sync/errgroup"
)

// Manager creates and tracks independent relays. Every relay gets its own
// store, registry and lock.
type Manager struct {
	opts   Options
	mu     sync.Mutex
	relays []*Relay
}

// NewManager returns a manager whose relays all use opts.
func NewManager(opts Options) *Manager {
	return &Manager{opts: opts}
}

// StartN starts n relays on host at basePort, basePort+1, ... and returns
// their bound addresses. A basePort of 0 gives every relay a free port.
func (m *Manager) StartN(host string, basePort int, n int) ([]string, error) {
	addrs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		port := 0
		if basePort != 0 {
			port = basePort + i
		}
		r := New(m.opts)
		addr, err := r.Start(net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return addrs, fmt.Errorf("starting relay %d: %w", i, err)
		}
		m.mu.Lock()
		m.relays = append(m.relays, r)
		m.mu.Unlock()
		addrs = append(addrs, addr)
	}
	logging.DebugMethod("manager", "StartN", "started %d relays: %v", n, addrs)
	return addrs, nil
}

// Addresses lists the host:port of every started relay, in start order.
func (m *Manager) Addresses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	addrs := make([]string, len(m.relays))
	for i, r := range m.relays {
		addrs[i] = r.Addr()
	}
	return addrs
}

// URLs lists the websocket URLs of every started relay.
func (m *Manager) URLs() []string {
	addrs := m.Addresses()
	for i, a := range addrs {
		addrs[i] = "ws://" + a
	}
	return addrs
}

// Relays returns the started relays in start order.
func (m *Manager) Relays() []*Relay {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Relay(nil), m.relays...)
}

// Close shuts every relay down concurrently.
func (m *Manager) Close() error {
	var g errgroup.Group
	for _, r := range m.Relays() {
		g.Go(r.Close)
	}
	return g.Wait()
}
