package sidecar

import (
	"sync"
	"time"
)

// BreakerState is the circuit position for one sidecar.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

const (
	breakerThreshold = 3
	breakerCooldown  = 30 * time.Second
)

// Breaker is the per-sidecar circuit breaker: three consecutive failures
// open the circuit, after the cooldown a single trial call is admitted, and
// its outcome decides between closing and re-opening.
type Breaker struct {
	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	threshold           int
	cooldown            time.Duration
	openedAt            time.Time
}

// NewBreaker creates a breaker. Non-positive arguments take the defaults of
// 3 consecutive failures and a 30s cooldown.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = breakerThreshold
	}
	if cooldown <= 0 {
		cooldown = breakerCooldown
	}
	return &Breaker{state: BreakerClosed, threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a call may proceed, transitioning open to half-open
// once the cooldown has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	}
	return false
}

// RecordSuccess resets the failure count; a successful half-open trial
// closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	if b.state == BreakerHalfOpen {
		b.state = BreakerClosed
	}
}

// RecordFailure counts a failure, opening the circuit at the threshold. A
// failed half-open trial re-opens immediately and restarts the cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	if b.state == BreakerHalfOpen || b.consecutiveFailures >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = time.Now()
	}
}

// State returns the current position. An elapsed cooldown moves an open
// circuit to half-open here as well, so status reads never lag Allow.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.cooldown {
		b.state = BreakerHalfOpen
	}
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}
