// Package resilience implements the Retry Executor, Circuit Breaker, and
// Store-and-Forward Queue (spec §4.8): the policies that decide whether a
// failed operation is worth repeating, per-endpoint trip/recovery state,
// and durable retry of batched sends across process restarts.
//
// None of the retrieval pack's example repos reach for a retry or
// circuit-breaker library directly (cenkalti/backoff appears only as an
// indirect, never-imported transitive dependency of one pack repo's test
// tooling), so this package is built on the standard library's time and
// math/rand — documented in DESIGN.md as the one ambient concern with no
// pack-grounded third-party home.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/medigo/dicomul/errors"
)

// Strategy computes the delay after failed attempt n (1-indexed) of a retry
// loop, i.e. the wait before attempt n+1.
type Strategy interface {
	Delay(attempt int, initialDelay time.Duration) time.Duration
}

// Fixed retries at a constant initialDelay.
type Fixed struct{}

func (Fixed) Delay(_ int, initialDelay time.Duration) time.Duration { return initialDelay }

// Exponential multiplies initialDelay by Factor^(attempt-1).
type Exponential struct {
	Factor float64
}

func (e Exponential) Delay(attempt int, initialDelay time.Duration) time.Duration {
	return time.Duration(float64(initialDelay) * math.Pow(e.Factor, float64(attempt-1)))
}

// ExponentialWithJitter is Exponential with a uniform +/-Jitter fraction
// applied: base·factor^(attempt-1)·(1+U(-jitter,+jitter)).
type ExponentialWithJitter struct {
	Factor float64
	Jitter float64
}

func (e ExponentialWithJitter) Delay(attempt int, initialDelay time.Duration) time.Duration {
	base := float64(initialDelay) * math.Pow(e.Factor, float64(attempt-1))
	spread := (rand.Float64()*2 - 1) * e.Jitter
	d := base * (1 + spread)
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Linear increases initialDelay by Increment per attempt past the first.
type Linear struct {
	Increment time.Duration
}

func (l Linear) Delay(attempt int, initialDelay time.Duration) time.Duration {
	return initialDelay + time.Duration(attempt-1)*l.Increment
}

// Policy configures a retry loop (spec §4.8, §6 "retry_policy").
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxTotalTime time.Duration // zero means unbounded

	Strategy Strategy

	// RetryableCategories restricts which error categories are retried.
	// A nil map falls back to errors.Category.Retryable().
	RetryableCategories map[errors.Category]bool

	UseCircuitBreaker bool
	Breaker           *Breaker
}

func (p Policy) retryable(category errors.Category) bool {
	if p.RetryableCategories != nil {
		return p.RetryableCategories[category]
	}
	return category.Retryable()
}

func (p Policy) delay(attempt int) time.Duration {
	strategy := p.Strategy
	if strategy == nil {
		strategy = Fixed{}
	}
	d := strategy.Delay(attempt, p.InitialDelay)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do runs thunk, retrying per policy until it succeeds, a failure is
// classified as not retryable, attempts are exhausted, or the total time
// budget elapses (spec §4.8's Retry Executor loop).
func Do(ctx context.Context, policy Policy, thunk func(ctx context.Context) error) error {
	deadline := time.Time{}
	if policy.MaxTotalTime > 0 {
		deadline = time.Now().Add(policy.MaxTotalTime)
	}

	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if policy.UseCircuitBreaker && policy.Breaker != nil {
			if err := policy.Breaker.checkStateWait(ctx, deadline); err != nil {
				return err
			}
		}

		lastErr = thunk(ctx)
		if lastErr == nil {
			if policy.UseCircuitBreaker && policy.Breaker != nil {
				policy.Breaker.recordSuccess()
			}
			return nil
		}

		if policy.UseCircuitBreaker && policy.Breaker != nil {
			policy.Breaker.recordFailure(lastErr)
		}

		category := errors.CategoryOf(lastErr)
		if !policy.retryable(category) || attempt == maxAttempts {
			return lastErr
		}

		d := policy.delay(attempt)
		if !deadline.IsZero() && time.Now().Add(d).After(deadline) {
			return lastErr
		}

		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}
