package resilience

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/medigo/dicomul/errors"
	"github.com/medigo/dicomul/metrics"
)

// BreakerState is one of the three circuit breaker states (spec §4.8).
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) metricValue() int {
	switch s {
	case HalfOpen:
		return 1
	case Open:
		return 2
	default:
		return 0
	}
}

// BreakerConfig holds a breaker's thresholds (spec §6
// "circuit_breaker_configuration").
type BreakerConfig struct {
	Host string
	Port int

	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration

	Metrics *metrics.Breaker
}

// Breaker is a per-endpoint circuit breaker. Only errors categorized as
// connection-level or transient-rejection count as failures; every other
// category is ignored for breaker purposes (spec §4.8).
type Breaker struct {
	cfg BreakerConfig

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	consecutiveSuccess  int
	openedAt            time.Time
}

// NewBreaker builds a Breaker starting Closed.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	b := &Breaker{cfg: cfg}
	b.cfg.Metrics.SetState(b.endpoint(), b.state.metricValue())
	return b
}

func (b *Breaker) endpoint() string {
	return b.cfg.Host + ":" + strconv.Itoa(b.cfg.Port)
}

// State reports the breaker's current state, advancing Open -> HalfOpen if
// reset_timeout has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == Open && !time.Now().Before(b.openedAt.Add(b.cfg.ResetTimeout)) {
		b.state = HalfOpen
		b.consecutiveSuccess = 0
		b.cfg.Metrics.SetState(b.endpoint(), b.state.metricValue())
	}
}

// CheckState returns CircuitBreakerOpenError if the breaker is Open and the
// reset instant has not yet been reached (spec §4.8's check_state()).
func (b *Breaker) CheckState() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	if b.state == Open {
		return errors.NewCircuitBreakerOpenError(b.cfg.Host, b.cfg.Port, b.openedAt.Add(b.cfg.ResetTimeout))
	}
	return nil
}

// checkStateWait blocks until the breaker is no longer Open, the deadline
// (if any) passes, or ctx is canceled — used by the retry executor's
// use_circuit_breaker path, which waits out a trip rather than failing
// fast (spec §4.8).
func (b *Breaker) checkStateWait(ctx context.Context, deadline time.Time) error {
	for {
		b.mu.Lock()
		b.maybeHalfOpenLocked()
		state := b.state
		retryAfter := b.openedAt.Add(b.cfg.ResetTimeout)
		b.mu.Unlock()

		if state != Open {
			return nil
		}

		wait := time.Until(retryAfter)
		if wait < 0 {
			wait = 0
		}
		if !deadline.IsZero() {
			if time.Now().Add(wait).After(deadline) {
				return errors.NewCircuitBreakerOpenError(b.cfg.Host, b.cfg.Port, retryAfter)
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()

	switch b.state {
	case HalfOpen:
		b.consecutiveSuccess++
		if b.consecutiveSuccess >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.consecutiveFailures = 0
			b.consecutiveSuccess = 0
			b.cfg.Metrics.SetState(b.endpoint(), b.state.metricValue())
		}
	case Closed:
		b.consecutiveFailures = 0
	}
}

func (b *Breaker) recordFailure(err error) {
	if !errors.CategoryOf(err).CountsAgainstBreaker() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()

	switch b.state {
	case HalfOpen:
		b.trip()
	case Closed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = time.Now()
	b.consecutiveFailures = 0
	b.consecutiveSuccess = 0
	b.cfg.Metrics.SetState(b.endpoint(), b.state.metricValue())
}

// RecordSuccess and RecordFailure let a caller drive the breaker directly,
// outside of Do (e.g. the pool's health check, or a caller that already
// has its own retry loop).
func (b *Breaker) RecordSuccess()          { b.recordSuccess() }
func (b *Breaker) RecordFailure(err error) { b.recordFailure(err) }
