package outbound

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingLookup struct {
	calls atomic.Int32
	addrs []string
	err   error
	gate  chan struct{}
}

func (l *countingLookup) lookup(context.Context, string) ([]string, error) {
	l.calls.Add(1)
	if l.gate != nil {
		<-l.gate
	}
	return l.addrs, l.err
}

func TestLookupHostCachesUntilTTL(t *testing.T) {
	now := time.Date(2024, 3, 9, 14, 5, 0, 0, time.UTC)
	lookup := &countingLookup{addrs: []string{"10.0.0.1"}}
	cache := NewDNSCache(Config{
		TTL:    time.Minute,
		Lookup: lookup.lookup,
		Now:    func() time.Time { return now },
	})

	for i := 0; i < 3; i++ {
		addrs, err := cache.LookupHost(context.Background(), "status.example")
		if err != nil || len(addrs) != 1 || addrs[0] != "10.0.0.1" {
			t.Fatalf("LookupHost = %v, %v", addrs, err)
		}
	}
	if lookup.calls.Load() != 1 {
		t.Fatalf("expected a single lookup, got %d", lookup.calls.Load())
	}

	now = now.Add(time.Minute)
	if _, err := cache.LookupHost(context.Background(), "status.example"); err != nil {
		t.Fatalf("LookupHost: %v", err)
	}
	if lookup.calls.Load() != 2 {
		t.Fatalf("expected refresh after TTL, got %d lookups", lookup.calls.Load())
	}
}

func TestLookupHostDoesNotCacheFailures(t *testing.T) {
	lookup := &countingLookup{err: errors.New("no such host")}
	cache := NewDNSCache(Config{Lookup: lookup.lookup})
	for i := 0; i < 2; i++ {
		if _, err := cache.LookupHost(context.Background(), "missing.example"); err == nil {
			t.Fatalf("expected lookup error")
		}
	}
	if lookup.calls.Load() != 2 || cache.Len() != 0 {
		t.Fatalf("failures must not be cached: calls=%d len=%d", lookup.calls.Load(), cache.Len())
	}

	empty := NewDNSCache(Config{Lookup: (&countingLookup{}).lookup})
	if _, err := empty.LookupHost(context.Background(), "void.example"); err == nil {
		t.Fatalf("expected error for empty answer")
	}
}

func TestConcurrentMissesShareOneLookup(t *testing.T) {
	lookup := &countingLookup{addrs: []string{"10.0.0.2"}, gate: make(chan struct{})}
	cache := NewDNSCache(Config{Lookup: lookup.lookup})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.LookupHost(context.Background(), "busy.example"); err != nil {
				t.Errorf("LookupHost: %v", err)
			}
		}()
	}
	for lookup.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(lookup.gate)
	wg.Wait()

	if lookup.calls.Load() != 1 {
		t.Fatalf("expected coalesced lookup, got %d", lookup.calls.Load())
	}
}

func TestTransportDialsThroughCache(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer server.Close()
	_, port, err := net.SplitHostPort(server.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split: %v", err)
	}

	lookup := &countingLookup{addrs: []string{"127.0.0.1"}}
	cache := NewDNSCache(Config{Lookup: lookup.lookup})
	client := &http.Client{Transport: NewTransport(&http.Transport{}, cache), Timeout: 5 * time.Second}

	for i := 0; i < 2; i++ {
		resp, err := client.Get("http://monitored.internal:" + port + "/")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if string(body) != "ok" {
			t.Fatalf("unexpected body %q", body)
		}
	}
	if lookup.calls.Load() != 1 {
		t.Fatalf("expected one lookup across requests, got %d", lookup.calls.Load())
	}
}

func TestInstallRunsOnce(t *testing.T) {
	original := http.DefaultTransport
	t.Cleanup(func() { http.DefaultTransport = original })

	first := Install(Config{TTL: time.Second})
	second := Install(Config{TTL: time.Hour})
	if first == nil || first != second {
		t.Fatalf("expected the same cache from repeated installs")
	}
	if first.ttl != time.Second {
		t.Fatalf("later configs must be ignored, ttl=%s", first.ttl)
	}
}
