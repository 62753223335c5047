package license

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the circuit breaker position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker guards remote validation calls. It opens after a configured number
// of consecutive transport failures, short-circuiting further calls so
// validation falls through to the grace-period path without hammering the
// server. After the cooldown it allows a single probe; one success closes it,
// a failed probe reopens it and resets the cooldown.
//
// Authoritative "unlicensed" responses are not breaker failures — only
// timeouts and transport errors count.
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	probing   bool
	logger    *slog.Logger
	now       func() time.Time
}

// NewBreaker creates a closed breaker with the given failure threshold and
// cooldown interval.
func NewBreaker(threshold int, cooldown time.Duration, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		state:     BreakerClosed,
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger.With(slog.String("component", "circuit_breaker")),
		now:       time.Now,
	}
}

// Allow reports whether a remote call may be attempted now. In half-open
// state only a single probe is admitted until its outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = BreakerHalfOpen
			b.probing = true
			b.logger.Info("circuit breaker half-open, allowing probe")
			return true
		}
		return false
	case BreakerHalfOpen:
		if b.probing {
			// A probe is already in flight.
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// RecordSuccess notes a successful remote call. A single success fully
// closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerClosed {
		b.logger.Info("circuit breaker closed",
			slog.String("previous_state", string(b.state)))
	}
	b.state = BreakerClosed
	b.failures = 0
	b.probing = false
}

// RecordFailure notes a transport failure. Consecutive failures at or above
// the threshold open the breaker; a failed half-open probe reopens it and
// restarts the cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.probing = false
		b.logger.Warn("circuit breaker reopened after failed probe",
			slog.Duration("cooldown", b.cooldown))
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = BreakerOpen
			b.openedAt = b.now()
			b.logger.Warn("circuit breaker opened",
				slog.Int("consecutive_failures", b.failures),
				slog.Duration("cooldown", b.cooldown))
		}
	case BreakerOpen:
		// Already open; nothing to count.
	}
}

// State returns the current breaker position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current failure streak.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
