package hass

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memHostCache struct {
	hosts map[string]string
	sets  int
}

func (m *memHostCache) ResolvedHost(host string) string { return m.hosts[host] }

func (m *memHostCache) SetResolvedHost(host, ip string) error {
	if m.hosts == nil {
		m.hosts = make(map[string]string)
	}

	m.hosts[host] = ip
	m.sets++

	return nil
}

func newTestResolver(store HostCache, addrs []netip.Addr, err error) *Resolver {
	r := NewResolver(store, slog.New(slog.DiscardHandler))
	r.lookup = func(context.Context, string) ([]netip.Addr, error) { return addrs, err }

	return r
}

func TestResolver_LiteralIP(t *testing.T) {
	r := newTestResolver(nil, nil, fmt.Errorf("must not be called"))

	ip, cached, err := r.Resolve(t.Context(), "192.168.1.20")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.20", ip)
	assert.False(t, cached)
}

func TestResolver_PersistsNewAddress(t *testing.T) {
	store := &memHostCache{}
	r := newTestResolver(store, []netip.Addr{
		netip.MustParseAddr("fe80::1"),
		netip.MustParseAddr("10.0.0.5"),
	}, nil)

	ip, cached, err := r.Resolve(t.Context(), "hub.local")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", ip)
	assert.False(t, cached)
	assert.Equal(t, "10.0.0.5", store.hosts["hub.local"])

	// Unchanged answers are not written again.
	_, _, _ = r.Resolve(t.Context(), "hub.local")
	assert.Equal(t, 1, store.sets)
}

func TestResolver_FallsBackToStore(t *testing.T) {
	store := &memHostCache{hosts: map[string]string{"hub.local": "10.0.0.9"}}
	r := newTestResolver(store, nil, &net.DNSError{Err: "no such host", Name: "hub.local", IsNotFound: true})

	ip, cached, err := r.Resolve(t.Context(), "hub.local")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", ip)
	assert.True(t, cached)
}

func TestResolver_NoAddress(t *testing.T) {
	r := newTestResolver(nil, []netip.Addr{netip.MustParseAddr("::1")}, nil)

	_, _, err := r.Resolve(t.Context(), "hub.local")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no IPv4 address")
}

func TestResolver_DialContextRejectsBadAddress(t *testing.T) {
	r := newTestResolver(nil, nil, nil)

	_, err := r.DialContext(t.Context(), "tcp", "hub.local")
	assert.Error(t, err)
}

func TestResolver_DialContextUsesResolvedIP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			_ = conn.Close()
		}
	}()

	_, port, _ := net.SplitHostPort(ln.Addr().String())
	r := newTestResolver(nil, []netip.Addr{netip.MustParseAddr("127.0.0.1")}, nil)

	conn, err := r.DialContext(t.Context(), "tcp", net.JoinHostPort("hub.local", port))
	require.NoError(t, err)
	assert.Equal(t, ln.Addr().String(), conn.RemoteAddr().String())
	_ = conn.Close()
}
