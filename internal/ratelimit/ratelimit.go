// Package ratelimit gates accepted connections with token buckets.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter gates accepted connections with a global bucket and one bucket per
// source address. A rate of zero disables that bucket.
type Limiter struct {
	mu         sync.Mutex
	global     *rate.Limiter
	perSource  map[string]*rate.Limiter
	sourceRate int
	burst      int
	now        func() time.Time
}

// NewLimiter returns nil when both rates are zero; a nil Limiter allows everything.
func NewLimiter(globalRate, sourceRate, burst int) *Limiter {
	return newLimiter(globalRate, sourceRate, burst, time.Now)
}

func newLimiter(globalRate, sourceRate, burst int, now func() time.Time) *Limiter {
	if globalRate <= 0 && sourceRate <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		perSource:  make(map[string]*rate.Limiter),
		sourceRate: sourceRate,
		burst:      burst,
		now:        now,
	}
	if globalRate > 0 {
		l.global = rate.NewLimiter(rate.Limit(globalRate), burst)
	}
	return l
}

// Allow reports whether a connection from source may be served.
func (l *Limiter) Allow(source string) bool {
	if l == nil {
		return true
	}
	now := l.now()
	if l.global != nil && !l.global.AllowN(now, 1) {
		return false
	}
	if l.sourceRate <= 0 {
		return true
	}
	l.mu.Lock()
	bucket, ok := l.perSource[source]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(l.sourceRate), l.burst)
		l.perSource[source] = bucket
	}
	l.mu.Unlock()
	return bucket.AllowN(now, 1)
}

// Cleanup drops per-source buckets that are full again; such a source would be
// admitted by a fresh bucket anyway.
func (l *Limiter) Cleanup() {
	if l == nil {
		return
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for source, b := range l.perSource {
		if b.TokensAt(now) >= float64(b.Burst()) {
			delete(l.perSource, source)
		}
	}
}

// Sources reports how many per-source buckets are tracked.
func (l *Limiter) Sources() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perSource)
}
