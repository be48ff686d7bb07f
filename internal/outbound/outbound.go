// Package outbound tunes process-wide outbound HTTP: a TTL-bound DNS cache
// with coalesced lookups and keep-alive pooling on http.DefaultTransport.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const DefaultTTL = time.Minute

// LookupFunc resolves a host name to addresses.
type LookupFunc func(ctx context.Context, host string) ([]string, error)

type Config struct {
	TTL    time.Duration
	Lookup LookupFunc
	Logger *slog.Logger
	Now    func() time.Time
}

type cacheEntry struct {
	addrs   []string
	expires time.Time
}

// DNSCache caches successful lookups for TTL. Concurrent misses for the same
// host share a single lookup; failures are not cached.
type DNSCache struct {
	ttl    time.Duration
	lookup LookupFunc
	logger *slog.Logger
	now    func() time.Time

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func NewDNSCache(cfg Config) *DNSCache {
	c := &DNSCache{
		ttl:     cfg.TTL,
		lookup:  cfg.Lookup,
		logger:  cfg.Logger,
		now:     cfg.Now,
		entries: make(map[string]cacheEntry),
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.lookup == nil {
		c.lookup = net.DefaultResolver.LookupHost
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

func (c *DNSCache) LookupHost(ctx context.Context, host string) ([]string, error) {
	c.mu.RLock()
	entry, ok := c.entries[host]
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expires) {
		return entry.addrs, nil
	}

	result, err, _ := c.group.Do(host, func() (any, error) {
		addrs, err := c.lookup(ctx, host)
		if err != nil {
			return nil, err
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("no addresses for %s", host)
		}
		c.mu.Lock()
		c.entries[host] = cacheEntry{addrs: addrs, expires: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return addrs, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

// Len reports the number of cached hosts, expired ones included.
func (c *DNSCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// DialContext returns a dial function resolving names through the cache and
// trying each address in turn.
func (c *DNSCache) DialContext(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		if net.ParseIP(host) != nil {
			return dialer.DialContext(ctx, network, addr)
		}
		addrs, err := c.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		var errs []error
		for _, ip := range addrs {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
			if err == nil {
				return conn, nil
			}
			errs = append(errs, err)
		}
		return nil, errors.Join(errs...)
	}
}

// NewTransport clones base and routes its dials through cache with pooled
// keep-alive connections.
func NewTransport(base *http.Transport, cache *DNSCache) *http.Transport {
	transport := base.Clone()
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	transport.DialContext = cache.DialContext(dialer)
	transport.MaxIdleConns = 100
	transport.MaxIdleConnsPerHost = 16
	transport.IdleConnTimeout = 90 * time.Second
	transport.ForceAttemptHTTP2 = true
	return transport
}

var (
	installOnce sync.Once
	installed   *DNSCache
)

// Install replaces http.DefaultTransport with a cached, pooled transport.
// Only the first call has an effect; later calls return the same cache.
func Install(cfg Config) *DNSCache {
	installOnce.Do(func() {
		cache := NewDNSCache(cfg)
		base, ok := http.DefaultTransport.(*http.Transport)
		if !ok {
			cache.logger.Warn("default transport is not an *http.Transport; outbound tuning skipped")
			installed = cache
			return
		}
		http.DefaultTransport = NewTransport(base, cache)
		installed = cache
		cache.logger.Debug("outbound transport installed", "dns_ttl", cache.ttl)
	})
	return installed
}
