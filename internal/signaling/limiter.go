package signaling

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// joinLimiter throttles identity claims per remote address. Scanners open
// many claims in a burst, so the bucket allows a burst and refills slowly.
type joinLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newJoinLimiter(limit rate.Limit, burst int) *joinLimiter {
	return &joinLimiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		burst:   burst,
		idleTTL: 10 * time.Minute,
	}
}

// allow reports whether addr may claim another identity now.
func (l *joinLimiter) allow(addr string) bool {
	if l == nil || l.limit == rate.Inf {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[addr]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[addr] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}

// prune drops buckets idle for longer than the TTL.
func (l *joinLimiter) prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.idleTTL)
	n := 0
	for addr, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, addr)
			n++
		}
	}
	return n
}
