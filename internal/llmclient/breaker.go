package llmclient

import (
	"sync"
	"time"
)

const (
	circuitClosed   = "closed"
	circuitOpen     = "open"
	circuitHalfOpen = "half-open"
)

// breaker counts consecutive failures. A nil *breaker lets everything through.
// While half-open only one trial call is in flight; a trial that never reports
// back expires after cfg.Timeout.
type breaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu        sync.Mutex
	current   string
	failures  int
	successes int
	openedAt  time.Time
	trialAt   time.Time // zero when no half-open trial call is in flight
}

func newBreaker(cfg *CircuitBreakerConfig) *breaker {
	if cfg == nil {
		return nil
	}
	return &breaker{cfg: *cfg, now: time.Now, current: circuitClosed}
}

// allow reports whether a call may go out. An open circuit turns half-open
// once its timeout has passed.
func (b *breaker) allow() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.current {
	case circuitOpen:
		if now.Sub(b.openedAt) <= b.cfg.Timeout {
			return false
		}
		b.current = circuitHalfOpen
		b.successes = 0
	case circuitHalfOpen:
		if !b.trialAt.IsZero() && now.Sub(b.trialAt) <= b.cfg.Timeout {
			return false
		}
	default:
		return true
	}
	b.trialAt = now
	return true
}

func (b *breaker) success() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.current != circuitHalfOpen {
		return
	}
	b.trialAt = time.Time{}
	b.successes++
	if b.successes >= b.cfg.SuccessThreshold {
		b.current = circuitClosed
	}
}

func (b *breaker) failure() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch {
	case b.current == circuitHalfOpen,
		b.current == circuitClosed && b.failures >= b.cfg.FailureThreshold:
		b.current = circuitOpen
		b.openedAt = b.now()
		b.successes = 0
		b.trialAt = time.Time{}
	case b.current == circuitOpen:
		b.openedAt = b.now()
	}
}

func (b *breaker) state() string {
	if b == nil {
		return "disabled"
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}
