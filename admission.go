package main

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiterSet gates new connection attempts per source IP, preventing a
// single address from exhausting the room/handler pool. It lazily creates
// one token-bucket limiter per IP and forgets limiters that have been idle
// long enough that their bucket would be full again anyway.
type ipLimiterSet struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiterEntry
	limit    rate.Limit
	burst    int
}

type ipLimiterEntry struct {
	limiter *rate.Limiter
	lastHit time.Time
}

func newIPLimiterSet(limit rate.Limit, burst int) *ipLimiterSet {
	return &ipLimiterSet{
		limiters: make(map[string]*ipLimiterEntry),
		limit:    limit,
		burst:    burst,
	}
}

func (s *ipLimiterSet) allow(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.limiters[ip]
	if !ok {
		e = &ipLimiterEntry{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[ip] = e
	}
	e.lastHit = time.Now()
	s.sweepLocked()
	return e.limiter.Allow()
}

// sweepLocked evicts limiters untouched for 10 minutes so the map doesn't
// grow unbounded under churn from transient clients. Caller holds s.mu.
func (s *ipLimiterSet) sweepLocked() {
	if len(s.limiters) < 4096 {
		return
	}
	cutoff := time.Now().Add(-10 * time.Minute)
	for ip, e := range s.limiters {
		if e.lastHit.Before(cutoff) {
			delete(s.limiters, ip)
		}
	}
}

// floodGuard enforces spec.md's "abusive client" per-connection control
// message rate: a client sending guarded events faster than the allowed
// rate is disconnected by Handler.guard. It also records the time of the
// last guarded event (idleFor); nothing in the server disconnects on that
// idle time, and the handshake deadline is handshakeGrace.
type floodGuard struct {
	limiter    *rate.Limiter
	lastActive atomic.Int64 // unix nano, updated on every guarded event
}

func newFloodGuard(eventsPerSecond rate.Limit, burst int) *floodGuard {
	return &floodGuard{limiter: rate.NewLimiter(eventsPerSecond, burst)}
}

func (g *floodGuard) allow() bool {
	g.lastActive.Store(time.Now().UnixNano())
	return g.limiter.Allow()
}

func (g *floodGuard) idleFor() time.Duration {
	last := g.lastActive.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

// createGameThrottle limits createGame to once per second per connection,
// per spec.md's admission control requirement.
type createGameThrottle struct {
	limiter *rate.Limiter
}

func newCreateGameThrottle() *createGameThrottle {
	return &createGameThrottle{limiter: rate.NewLimiter(rate.Every(time.Second), 1)}
}

func (t *createGameThrottle) allow() bool { return t.limiter.Allow() }
