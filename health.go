package main

import "sync/atomic"

// Circuit breaker tuning: after circuitBreakerThreshold consecutive send
// failures to one member, Room.RelayTick opens the breaker and skips that
// member until a probe succeeds. Every circuitBreakerProbeInterval skips,
// one send is let through to test for recovery.
const (
	circuitBreakerThreshold     uint32 = 50 // ~1s of ticks at 50 fps
	circuitBreakerProbeInterval uint32 = 25
)

// sendHealth tracks per-member tick-send success and implements the
// circuit breaker above so a stalled receiver doesn't cost every tick's
// fan-out a wasted send attempt.
type sendHealth struct {
	failures atomic.Uint32
	skips    atomic.Uint32
}

// shouldSkip returns true when the breaker is open and this isn't a probe
// attempt.
func (h *sendHealth) shouldSkip() bool {
	if h.failures.Load() < circuitBreakerThreshold {
		return false
	}
	s := h.skips.Add(1)
	return s%circuitBreakerProbeInterval != 0
}

func (h *sendHealth) recordFailure() uint32 {
	return h.failures.Add(1)
}

// recordSuccess resets the breaker and reports whether it had been open
// (i.e. this success was a recovery probe).
func (h *sendHealth) recordSuccess() bool {
	wasTripped := h.failures.Swap(0) >= circuitBreakerThreshold
	if wasTripped {
		h.skips.Store(0)
	}
	return wasTripped
}
