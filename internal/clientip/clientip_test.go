package clientip

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestNormalize(t *testing.T) {
	testCases := []struct {
		name  string
		input string
		want  string
	}{
		{name: "ipv4 mapped", input: "::ffff:10.0.0.5", want: "10.0.0.5"},
		{name: "ipv4 mapped with port", input: "[::ffff:10.0.0.5]:443", want: "10.0.0.5"},
		{name: "ipv4 with port", input: "192.0.2.7:5123", want: "192.0.2.7"},
		{name: "bare ipv4", input: "192.0.2.7", want: "192.0.2.7"},
		{name: "ipv6 with port", input: "[2001:db8::1]:80", want: "2001:db8::1"},
		{name: "bare ipv6", input: "2001:db8::1", want: "2001:db8::1"},
		{name: "loopback ipv6", input: "::1", want: "::1"},
		{name: "zoned", input: "[fe80::1%eth0]:80", want: "fe80::1"},
		{name: "unknown prefix", input: "unix:socket-7", want: "socket-7"},
		{name: "empty", input: "", want: ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Normalize(tc.input); got != tc.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestResolveWithoutTrustIgnoresHeaders(t *testing.T) {
	spoofed := []Headers{
		{},
		{ForwardedFor: "1.2.3.4"},
		{RealIP: "5.6.7.8"},
		{ForwardedFor: "1.2.3.4, 9.9.9.9", RealIP: "5.6.7.8"},
		{ForwardedFor: "not-an-ip"},
	}
	for _, headers := range spoofed {
		if got := Resolve("::ffff:10.0.0.5", headers, false); got != "10.0.0.5" {
			t.Fatalf("expected raw address for headers %+v, got %q", headers, got)
		}
	}
}

func TestResolveWithTrust(t *testing.T) {
	testCases := []struct {
		name    string
		raw     string
		headers Headers
		want    string
	}{
		{name: "forwarded for", raw: "10.0.0.1:1000", headers: Headers{ForwardedFor: "1.2.3.4"}, want: "1.2.3.4"},
		{name: "forwarded chain uses first hop", raw: "10.0.0.1:1000", headers: Headers{ForwardedFor: " 1.2.3.4 , 10.0.0.9"}, want: "1.2.3.4"},
		{name: "forwarded beats real ip", raw: "10.0.0.1:1000", headers: Headers{ForwardedFor: "1.2.3.4", RealIP: "5.6.7.8"}, want: "1.2.3.4"},
		{name: "real ip", raw: "10.0.0.1:1000", headers: Headers{RealIP: "5.6.7.8"}, want: "5.6.7.8"},
		{name: "no headers", raw: "::ffff:10.0.0.5", want: "10.0.0.5"},
		{name: "blank headers", raw: "::ffff:10.0.0.5", headers: Headers{ForwardedFor: "  ", RealIP: ""}, want: "10.0.0.5"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Resolve(tc.raw, tc.headers, true); got != tc.want {
				t.Fatalf("Resolve() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestResolverReadsTrustOnEveryCall(t *testing.T) {
	var trust atomic.Bool
	var reads atomic.Int32
	resolver := NewResolver(TrustFunc(func(context.Context) (bool, error) {
		reads.Add(1)
		return trust.Load(), nil
	}), nil)

	req := httptest.NewRequest(http.MethodGet, "/socket", nil)
	req.RemoteAddr = "10.0.0.5:4000"
	req.Header.Set(HeaderForwardedFor, "1.2.3.4")

	if got := resolver.FromRequest(req); got != "10.0.0.5" {
		t.Fatalf("expected raw address while untrusted, got %q", got)
	}
	trust.Store(true)
	if got := resolver.FromRequest(req); got != "1.2.3.4" {
		t.Fatalf("expected forwarded address once trusted, got %q", got)
	}
	if reads.Load() != 2 {
		t.Fatalf("expected setting to be read on every call, got %d reads", reads.Load())
	}
}

func TestResolverFallsBackWhenSettingFails(t *testing.T) {
	resolver := NewResolver(TrustFunc(func(context.Context) (bool, error) {
		return true, errors.New("settings store unavailable")
	}), nil)

	got := resolver.Resolve(context.Background(), "10.0.0.5:4000", Headers{ForwardedFor: "1.2.3.4"})
	if got != "10.0.0.5" {
		t.Fatalf("expected raw address when setting read fails, got %q", got)
	}
}

func TestNilResolverSourceNeverTrusts(t *testing.T) {
	resolver := NewResolver(nil, nil)
	got := resolver.Resolve(context.Background(), "10.0.0.5:4000", Headers{RealIP: "5.6.7.8"})
	if got != "10.0.0.5" {
		t.Fatalf("expected raw address, got %q", got)
	}
}
