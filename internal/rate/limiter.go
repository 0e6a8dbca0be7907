// Package rate keeps one token bucket per key, such as route plus client IP.
package rate

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const idleTTL = 10 * time.Minute

type entry struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter hands out per-key token buckets that refill at perMinute and hold
// up to burst tokens. Keys idle for ten minutes are forgotten.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*entry
	lastGC  time.Time
	now     func() time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{buckets: map[string]*entry{}, lastGC: time.Now(), now: time.Now}
}

// Allow spends one token from key's bucket. A non-positive perMinute turns
// limiting off for the key.
func (l *Limiter) Allow(key string, perMinute, burst int) bool {
	if perMinute <= 0 {
		return true
	}
	if burst <= 0 {
		burst = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastGC) > time.Minute {
		for k, e := range l.buckets {
			if now.Sub(e.seen) > idleTTL {
				delete(l.buckets, k)
			}
		}
		l.lastGC = now
	}
	e, ok := l.buckets[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)}
		l.buckets[key] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}

func (l *Limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
