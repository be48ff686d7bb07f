// Package clientip attributes an origin address to inbound connections.
//
// Resolve is total: it never fails and degrades to the raw peer address when
// forwarded headers are absent or not trusted. Whether forwarded headers are
// trusted is decided per call by a TrustSource so operators can flip the
// setting at runtime.
package clientip

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

const (
	HeaderForwardedFor = "X-Forwarded-For"
	HeaderRealIP       = "X-Real-IP"
)

// Headers carries the optional proxy headers of a connection. Empty strings
// mean the header was absent.
type Headers struct {
	ForwardedFor string
	RealIP       string
}

// HeadersFrom extracts the proxy headers from an HTTP header set.
func HeadersFrom(h http.Header) Headers {
	if h == nil {
		return Headers{}
	}
	return Headers{
		ForwardedFor: h.Get(HeaderForwardedFor),
		RealIP:       h.Get(HeaderRealIP),
	}
}

// Resolve returns the address to attribute to a client. With trustProxy set
// the first present of X-Forwarded-For (leftmost hop) and X-Real-IP wins;
// otherwise headers are ignored entirely.
func Resolve(raw string, headers Headers, trustProxy bool) string {
	if trustProxy {
		if forwarded := firstHop(headers.ForwardedFor); forwarded != "" {
			return forwarded
		}
		if realIP := strings.TrimSpace(headers.RealIP); realIP != "" {
			return realIP
		}
	}
	return Normalize(raw)
}

// Normalize strips the port from a host:port pair and unwraps IPv4-mapped
// IPv6 addresses, so "::ffff:10.0.0.5" and "[::ffff:10.0.0.5]:443" both yield
// "10.0.0.5". Plain IPv6 literals are kept intact.
func Normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	host := raw
	if h, _, err := net.SplitHostPort(raw); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if zone := strings.IndexByte(host, '%'); zone >= 0 {
		host = host[:zone]
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return stripPrefix(host)
	}
	return addr.Unmap().String()
}

// stripPrefix drops a leading "family:" style prefix from values that are not
// IP literals, keeping everything after the last colon.
func stripPrefix(value string) string {
	if idx := strings.LastIndexByte(value, ':'); idx >= 0 {
		return value[idx+1:]
	}
	return value
}

func firstHop(value string) string {
	if value == "" {
		return ""
	}
	first, _, _ := strings.Cut(value, ",")
	return strings.TrimSpace(first)
}

// TrustSource reports whether forwarded headers should be honoured. It is
// consulted on every resolution.
type TrustSource interface {
	TrustProxy(ctx context.Context) (bool, error)
}

// TrustFunc adapts a plain function to TrustSource.
type TrustFunc func(ctx context.Context) (bool, error)

func (f TrustFunc) TrustProxy(ctx context.Context) (bool, error) { return f(ctx) }

// Resolver binds Resolve to a live TrustSource.
type Resolver struct {
	source TrustSource
	logger *slog.Logger
}

// NewResolver returns a resolver reading trust from source. A nil source
// never trusts forwarded headers.
func NewResolver(source TrustSource, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{source: source, logger: logger}
}

// FromRequest resolves the client address of an HTTP request.
func (r *Resolver) FromRequest(req *http.Request) string {
	if req == nil {
		return ""
	}
	return r.Resolve(req.Context(), req.RemoteAddr, HeadersFrom(req.Header))
}

// Resolve reads the trust setting and applies Resolve. A failing settings
// read falls back to not trusting the headers.
func (r *Resolver) Resolve(ctx context.Context, raw string, headers Headers) string {
	return Resolve(raw, headers, r.trustProxy(ctx))
}

func (r *Resolver) trustProxy(ctx context.Context) bool {
	if r == nil || r.source == nil {
		return false
	}
	trust, err := r.source.TrustProxy(ctx)
	if err != nil {
		r.logger.Debug("trust proxy setting unavailable", "error", err)
		return false
	}
	return trust
}
