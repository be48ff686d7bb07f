package server

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// upgradeLimiter throttles websocket upgrades per client address with one
// rate.Limiter per address. Idle limiters are evicted.
type upgradeLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time

	mu       sync.Mutex
	limiters map[string]*addressLimiter
	sweeps   int
}

type addressLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newUpgradeLimiter(perSecond float64, burst int) *upgradeLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &upgradeLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idleTTL:  10 * time.Minute,
		now:      time.Now,
		limiters: make(map[string]*addressLimiter),
	}
}

// Allow consumes a token for address, reporting how long to wait when none
// is left.
func (l *upgradeLimiter) Allow(address string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	if address == "" {
		address = "unknown"
	}
	now := l.now()
	l.mu.Lock()
	entry, ok := l.limiters[address]
	if !ok {
		entry = &addressLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[address] = entry
	}
	entry.lastSeen = now
	l.sweeps++
	if l.sweeps >= 256 {
		l.sweeps = 0
		l.cleanupLocked(now)
	}
	limiter := entry.limiter
	l.mu.Unlock()

	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Second
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (l *upgradeLimiter) cleanupLocked(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for key, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
		}
	}
}

func (l *upgradeLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// rateLimitUpgrades rejects upgrade attempts beyond the limiter's budget for
// the resolved client address.
func rateLimitUpgrades(limiter *upgradeLimiter, address func(*http.Request) string, onLimited func(), next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := limiter.Allow(address(r))
		if !allowed {
			if onLimited != nil {
				onLimited()
			}
			seconds := int(retryAfter.Seconds() + 0.999)
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
