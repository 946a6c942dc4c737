package relay

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerStartN(t *testing.T) {
	m := NewManager(Options{})
	addrs, err := m.StartN("127.0.0.1", 0, 3)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	require.Len(t, addrs, 3)
	assert.Equal(t, addrs, m.Addresses())
	seen := map[string]bool{}
	for i, a := range addrs {
		assert.False(t, seen[a], "address %s reused", a)
		seen[a] = true
		assert.Equal(t, "ws://"+a, m.URLs()[i])
	}
}

func TestManagerSequentialPorts(t *testing.T) {
	// find a free port and hope the next one is free as well
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	m := NewManager(Options{})
	addrs, err := m.StartN("127.0.0.1", base, 2)
	if err != nil {
		m.Close()
		t.Skipf("ports %d..%d not available: %v", base, base+1, err)
	}
	t.Cleanup(func() { m.Close() })

	assert.Equal(t, []string{
		net.JoinHostPort("127.0.0.1", strconv.Itoa(base)),
		net.JoinHostPort("127.0.0.1", strconv.Itoa(base+1)),
	}, addrs)
}

func TestManagerRelaysAreIsolated(t *testing.T) {
	m := NewManager(Options{})
	_, err := m.StartN("127.0.0.1", 0, 2)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	relays := m.Relays()
	k := newKeypair(t)

	watcher := dial(t, relays[1])
	watcher.send("REQ", "w", nostr.Filter{})
	watcher.readSnapshot("w")

	ev := k.event(t, 1, 1000, "only on the first relay")
	res := relays[0].Publish(context.Background(), ev)
	require.True(t, res.Accepted)

	assert.Equal(t, 1, relays[0].Store().Len())
	assert.Equal(t, 0, relays[1].Store().Len())
	watcher.expectNone(quiet)

	// the same event is new to the second relay
	res = relays[1].Publish(context.Background(), ev)
	assert.True(t, res.Accepted)
	assert.False(t, res.Duplicate)
	watcher.readLabel("EVENT")
}

func TestManagerCloseStopsAll(t *testing.T) {
	m := NewManager(Options{})
	addrs, err := m.StartN("127.0.0.1", 0, 2)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	for _, a := range addrs {
		_, err := net.Dial("tcp", a)
		assert.Error(t, err, "relay at %s still accepting", a)
	}
}
