package hass

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"
)

const (
	// dnsLookupTimeout bounds a single IPv4 lookup.
	dnsLookupTimeout = 3 * time.Second

	// dialTimeout bounds a TCP connect to the hub.
	dialTimeout = 10 * time.Second
)

// HostCache persists the last good address per host so a cold start
// with broken DNS can still reach the hub. Implemented by state.State.
type HostCache interface {
	ResolvedHost(host string) string
	SetResolvedHost(host, ip string) error
}

// Resolver resolves hub hostnames to IPv4 and remembers the last good
// answer. When a lookup fails the cached address is used instead.
//
// It plugs in at the dial layer: request URLs keep the hostname, so the
// Host header and the TLS server name stay correct while the socket goes
// to the cached IP.
type Resolver struct {
	lookup func(ctx context.Context, host string) ([]netip.Addr, error)
	dialer *net.Dialer
	store  HostCache
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]string
}

// NewResolver creates a resolver. store may be nil.
func NewResolver(store HostCache, logger *slog.Logger) *Resolver {
	return &Resolver{
		lookup: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
		},
		dialer: &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second},
		store:  store,
		logger: logger,
		cache:  make(map[string]string),
	}
}

// Resolve returns an IPv4 address for host. fromCache is true when the
// lookup failed and a previously cached address was returned.
func (r *Resolver) Resolve(ctx context.Context, host string) (ip string, fromCache bool, err error) {
	if addr, perr := netip.ParseAddr(host); perr == nil {
		return addr.String(), false, nil
	}

	lctx, cancel := context.WithTimeout(ctx, dnsLookupTimeout)
	addrs, lerr := r.lookup(lctx, host)
	cancel()

	for _, a := range addrs {
		a = a.Unmap()
		if !a.Is4() {
			continue
		}

		r.remember(host, a.String())

		return a.String(), false, nil
	}

	if lerr == nil {
		lerr = fmt.Errorf("no IPv4 address for %s", host)
	}

	if cached := r.cached(host); cached != "" {
		r.logger.Warn("DNS lookup failed, using cached address",
			slog.String("host", host),
			slog.String("ip", cached),
			slog.String("error", lerr.Error()),
		)

		return cached, true, nil
	}

	return "", false, fmt.Errorf("resolving %s: %w", host, lerr)
}

// DialContext resolves addr through the cache and dials the IP. It has
// the signature of http.Transport.DialContext.
func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("splitting address %q: %w", addr, err)
	}

	ip, _, err := r.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	return r.dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
}

func (r *Resolver) cached(host string) string {
	r.mu.Lock()
	ip := r.cache[host]
	r.mu.Unlock()

	if ip != "" || r.store == nil {
		return ip
	}

	ip = r.store.ResolvedHost(host)
	if ip != "" {
		r.mu.Lock()
		r.cache[host] = ip
		r.mu.Unlock()
	}

	return ip
}

func (r *Resolver) remember(host, ip string) {
	r.mu.Lock()
	prev := r.cache[host]
	r.cache[host] = ip
	r.mu.Unlock()

	if prev == ip || r.store == nil {
		return
	}

	if err := r.store.SetResolvedHost(host, ip); err != nil {
		r.logger.Warn("persisting resolved address", slog.String("host", host), slog.String("error", err.Error()))
	}
}
