// Package retry implements the backoff policy shared by the job controller
// and the storage sync engine.
//
// Policy.Decide is a pure decision function: given an error class, the number
// of attempts made so far and the time already spent, it returns either the
// delay before the next attempt or a give-up decision. Retrier wraps it into
// an execution loop with injectable sleeping so tests can observe delays.
package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/3leaps/nimbusctl/pkg/failure"
)

// Policy configures exponential backoff with jitter.
type Policy struct {
	// MaxAttempts bounds the total number of attempts, including the first.
	// Default: 5
	MaxAttempts int

	// BaseDelay is the delay before the second attempt.
	// Default: 250ms
	BaseDelay time.Duration

	// MaxDelay caps a single delay.
	// Default: 15s
	MaxDelay time.Duration

	// MaxElapsed bounds the total time spent across attempts and delays.
	// Zero disables the bound.
	// Default: 2m
	MaxElapsed time.Duration

	// RateLimitMultiplier stretches delays for rate-limited errors.
	// Default: 4
	RateLimitMultiplier float64

	// Jitter returns a value in [0, 1). Nil uses math/rand.
	Jitter func() float64
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:         5,
		BaseDelay:           250 * time.Millisecond,
		MaxDelay:            15 * time.Second,
		MaxElapsed:          2 * time.Minute,
		RateLimitMultiplier: 4,
	}
}

// NoRetry returns a policy that makes exactly one attempt.
func NoRetry() Policy {
	return Policy{MaxAttempts: 1}
}

// withDefaults fills zero values.
func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.RateLimitMultiplier < 1 {
		p.RateLimitMultiplier = def.RateLimitMultiplier
	}
	if p.Jitter == nil {
		p.Jitter = rand.Float64
	}
	return p
}

// Decision is the outcome of Policy.Decide.
type Decision struct {
	// GiveUp is true when no further attempt should be made.
	GiveUp bool

	// Delay is the wait before the next attempt. Zero when GiveUp.
	Delay time.Duration
}

// Decide returns the decision after attempt attempts have failed with an error
// of class class, elapsed time after the start of the first attempt.
//
// hint is a server supplied Retry-After value; it raises the delay for
// rate-limited errors but never lowers it.
func (p Policy) Decide(class failure.Class, attempt int, elapsed, hint time.Duration) Decision {
	p = p.withDefaults()

	if class == failure.ClassPermanent || attempt >= p.MaxAttempts {
		return Decision{GiveUp: true}
	}

	delay := p.backoff(attempt)
	if class == failure.ClassRateLimited {
		delay = time.Duration(float64(delay) * p.RateLimitMultiplier)
		delay = max(delay, hint)
	}
	delay = min(delay, p.maxDelayFor(class))

	if p.MaxElapsed > 0 && elapsed+delay > p.MaxElapsed {
		return Decision{GiveUp: true}
	}
	return Decision{Delay: delay}
}

// backoff computes base*2^(attempt-1) with equal jitter: half the delay is
// fixed, the other half is random. The fixed half keeps delays monotonic in
// expectation.
func (p Policy) backoff(attempt int) time.Duration {
	exp := math.Pow(2, float64(max(attempt-1, 0)))
	raw := float64(p.BaseDelay) * exp
	if raw > float64(p.MaxDelay) {
		raw = float64(p.MaxDelay)
	}
	half := raw / 2
	return time.Duration(half + half*p.Jitter())
}

func (p Policy) maxDelayFor(class failure.Class) time.Duration {
	if class == failure.ClassRateLimited {
		return time.Duration(float64(p.MaxDelay) * p.RateLimitMultiplier)
	}
	return p.MaxDelay
}
