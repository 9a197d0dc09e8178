package session

import (
	"math/rand/v2"
	"time"
)

// Idle scheduling constants. The delay before each idle prompt doubles per
// dispatched cycle with random jitter, capped at idleMaxTimeout.
const (
	idleBaseTimeout = 3 * time.Second
	idleMaxTimeout  = 60 * time.Second

	idleJitterMin = 0.8
	idleJitterMax = 1.2

	// idleMuteAfterCycles is the cycle count past which the session mutes
	// idle prompt audio: the user has ignored two spoken nudges already.
	idleMuteAfterCycles = 1
)

// IdleScheduler computes the exponential-backoff timeouts between idle
// re-engagement prompts. It is a pure calculator; arming timers and
// counting cycles stay with the orchestrator so the count only advances
// when a prompt is actually dispatched.
type IdleScheduler struct {
	rand func() float64
}

// NewIdleScheduler returns a scheduler jittered by the package-level
// random source.
func NewIdleScheduler() *IdleScheduler {
	return &IdleScheduler{rand: rand.Float64}
}

// NextTimeout returns the delay until the next idle prompt after the given
// number of already-dispatched cycles.
func (s *IdleScheduler) NextTimeout(cycle int) time.Duration {
	d := idleBaseTimeout
	for i := 0; i < cycle; i++ {
		d *= 2
		if d >= idleMaxTimeout {
			break
		}
	}
	jitter := idleJitterMin + s.rand()*(idleJitterMax-idleJitterMin)
	d = time.Duration(float64(d) * jitter)
	if d > idleMaxTimeout {
		d = idleMaxTimeout
	}
	return d
}

// Muted reports whether an idle prompt at the given cycle should be
// delivered silently.
func (s *IdleScheduler) Muted(cycle int) bool {
	return cycle > idleMuteAfterCycles
}
