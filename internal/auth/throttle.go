package auth

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	throttleIdleTTL   = 10 * time.Minute
	throttleSweepSize = 4096
)

// throttle is a token bucket per login identifier. A nil throttle allows everything.
type throttle struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*bucket
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newThrottle(perMinute int) *throttle {
	if perMinute <= 0 {
		return nil
	}
	return &throttle{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   perMinute,
		buckets: make(map[string]*bucket),
	}
}

func (t *throttle) allow(identifier string, now time.Time) bool {
	if t == nil {
		return true
	}
	key := strings.ToLower(strings.TrimSpace(identifier))

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.buckets) >= throttleSweepSize {
		for k, b := range t.buckets {
			if now.Sub(b.seen) > throttleIdleTTL {
				delete(t.buckets, k)
			}
		}
	}

	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(t.limit, t.burst)}
		t.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}
