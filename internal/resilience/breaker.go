// Package resilience keeps a misbehaving backend deployment from dragging
// live voice sessions down. A [Breaker] guards one deployment and suspends
// it after repeated failures; [Failover] composes several guarded
// deployments so tool calls route around an unhealthy primary instead of
// stalling a session mid-conversation.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrSuspended is returned when a breaker rejects a call because its
// deployment is suspended and the cooldown has not elapsed.
var ErrSuspended = errors.New("resilience: deployment suspended")

// Mode is a breaker's view of its deployment.
type Mode int

const (
	// Serving forwards every call.
	Serving Mode = iota
	// Suspended rejects every call until the cooldown elapses.
	Suspended
	// Trial admits a bounded number of calls to test recovery.
	Trial
)

func (m Mode) String() string {
	switch m {
	case Serving:
		return "serving"
	case Suspended:
		return "suspended"
	case Trial:
		return "trial"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take the defaults noted on
// each field.
type BreakerConfig struct {
	// Deployment labels log records from this breaker.
	Deployment string
	// TripAfter is how many consecutive failures suspend the deployment.
	// Default 5.
	TripAfter int
	// Cooldown is how long a suspension lasts before trial calls are
	// admitted. Default 30s.
	Cooldown time.Duration
	// TrialQuota is how many calls the trial mode admits before deciding.
	// Default 3.
	TrialQuota int
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Breaker suspends a backend deployment after consecutive failures and
// re-admits it once a cooldown plus a run of successful trial calls show
// it has recovered. Safe for concurrent use.
type Breaker struct {
	deployment string
	tripAfter  int
	cooldown   time.Duration
	trialQuota int
	log        *slog.Logger
	now        func() time.Time

	mu         sync.Mutex
	mode       Mode
	strikes    int
	trippedAt  time.Time
	trials     int
	trialFails int
}

// NewBreaker returns a serving breaker for one deployment.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.TripAfter <= 0 {
		cfg.TripAfter = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.TrialQuota <= 0 {
		cfg.TrialQuota = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{
		deployment: cfg.Deployment,
		tripAfter:  cfg.TripAfter,
		cooldown:   cfg.Cooldown,
		trialQuota: cfg.TrialQuota,
		log:        cfg.Logger.With("deployment", cfg.Deployment),
		now:        time.Now,
	}
}

// Call runs fn when the deployment is admitted, recording the outcome. A
// suspended deployment returns [ErrSuspended] without running fn. op names
// the backend operation for log records.
func (b *Breaker) Call(op string, fn func() error) error {
	if err := b.admit(op); err != nil {
		return err
	}
	err := fn()
	b.report(op, err)
	return err
}

func (b *Breaker) admit(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.mode {
	case Suspended:
		if b.now().Sub(b.trippedAt) < b.cooldown {
			return ErrSuspended
		}
		b.mode = Trial
		b.trials = 0
		b.trialFails = 0
		b.log.Info("deployment cooldown elapsed, admitting trial calls", "op", op)
	case Trial:
		if b.trials >= b.trialQuota {
			return ErrSuspended
		}
	}
	if b.mode == Trial {
		b.trials++
	}
	return nil
}

func (b *Breaker) report(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.trippedAt = b.now()
		switch b.mode {
		case Trial:
			b.mode = Suspended
			b.strikes = b.tripAfter
			b.trialFails++
			b.log.Warn("trial call failed, deployment re-suspended", "op", op, "error", err)
		default:
			b.strikes++
			if b.strikes >= b.tripAfter {
				b.mode = Suspended
				b.log.Warn("deployment suspended",
					"op", op, "consecutive_failures", b.strikes, "error", err)
			}
		}
		return
	}

	if b.mode == Trial {
		if b.trials-b.trialFails >= b.trialQuota {
			b.mode = Serving
			b.strikes = 0
			b.trials = 0
			b.trialFails = 0
			b.log.Info("deployment recovered", "op", op)
		}
		return
	}
	b.strikes = 0
}

// Mode reports the breaker's current mode. A suspension whose cooldown has
// elapsed reads as [Trial]; the transition itself happens on the next Call.
func (b *Breaker) Mode() Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mode == Suspended && b.now().Sub(b.trippedAt) >= b.cooldown {
		return Trial
	}
	return b.mode
}

// Reset forces the breaker back to [Serving] and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mode = Serving
	b.strikes = 0
	b.trials = 0
	b.trialFails = 0
	b.log.Info("breaker manually reset")
}
