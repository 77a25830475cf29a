package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/nimbusctl/pkg/failure"
)

func fixedJitter(v float64) func() float64 { return func() float64 { return v } }

func TestPolicy_Decide(t *testing.T) {
	p := Policy{
		MaxAttempts:         4,
		BaseDelay:           100 * time.Millisecond,
		MaxDelay:            time.Second,
		MaxElapsed:          10 * time.Second,
		RateLimitMultiplier: 4,
		Jitter:              fixedJitter(1),
	}

	tests := []struct {
		name    string
		class   failure.Class
		attempt int
		elapsed time.Duration
		hint    time.Duration
		want    Decision
	}{
		{name: "permanent never retries", class: failure.ClassPermanent, attempt: 1, want: Decision{GiveUp: true}},
		{name: "first transient retry", class: failure.ClassTransientNetwork, attempt: 1, want: Decision{Delay: 100 * time.Millisecond}},
		{name: "second transient retry doubles", class: failure.ClassTransientNetwork, attempt: 2, want: Decision{Delay: 200 * time.Millisecond}},
		{name: "third transient retry doubles again", class: failure.ClassTransientNetwork, attempt: 3, want: Decision{Delay: 400 * time.Millisecond}},
		{name: "attempt bound reached", class: failure.ClassTransientNetwork, attempt: 4, want: Decision{GiveUp: true}},
		{name: "rate limited waits longer", class: failure.ClassRateLimited, attempt: 1, want: Decision{Delay: 400 * time.Millisecond}},
		{name: "retry-after hint raises delay", class: failure.ClassRateLimited, attempt: 1, hint: 2 * time.Second, want: Decision{Delay: 2 * time.Second}},
		{name: "elapsed bound reached", class: failure.ClassTransientNetwork, attempt: 1, elapsed: 9950 * time.Millisecond, want: Decision{GiveUp: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Decide(tt.class, tt.attempt, tt.elapsed, tt.hint))
		})
	}
}

func TestPolicy_DecideCapsDelay(t *testing.T) {
	p := Policy{MaxAttempts: 50, BaseDelay: time.Second, MaxDelay: 3 * time.Second, Jitter: fixedJitter(0.999)}
	d := p.Decide(failure.ClassTransientNetwork, 20, 0, 0)
	require.False(t, d.GiveUp)
	assert.LessOrEqual(t, d.Delay, 3*time.Second)
}

func TestPolicy_JitterKeepsLowerHalf(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: fixedJitter(0)}
	assert.Equal(t, 500*time.Millisecond, p.Decide(failure.ClassTransientNetwork, 1, 0, 0).Delay)
}

type recorder struct {
	delays []time.Duration
}

func (r *recorder) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func TestRetrier_TransientThenSuccess(t *testing.T) {
	rec := &recorder{}
	r := &Retrier{Policy: Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, Jitter: fixedJitter(1)}, Sleep: rec.sleep}

	calls := 0
	err := r.Do(context.Background(), "upload", "a.txt", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("dial: %w", failure.ErrTransientNetwork)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, rec.delays, 2)
}

func TestRetrier_PermanentStopsImmediately(t *testing.T) {
	rec := &recorder{}
	r := &Retrier{Policy: DefaultPolicy(), Sleep: rec.sleep}

	calls := 0
	cause := errors.New("bad request")
	err := r.Do(context.Background(), "submit", "", func(ctx context.Context) error {
		calls++
		return cause
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
	assert.ErrorIs(t, err, failure.ErrPermanent)
	assert.ErrorIs(t, err, cause)
}

func TestRetrier_ExhaustedCarriesAttempts(t *testing.T) {
	rec := &recorder{}
	r := &Retrier{Policy: Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, Sleep: rec.sleep}

	err := r.Do(context.Background(), "status", "job-1", func(ctx context.Context) error {
		return failure.ErrRateLimited
	})

	var fe *failure.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 3, fe.Attempts)
	assert.Equal(t, "job-1", fe.Subject)
	assert.ErrorIs(t, err, failure.ErrRateLimited)
	assert.Len(t, rec.delays, 2)
}

func TestRetrier_OnRetryObservesState(t *testing.T) {
	var states []State
	r := &Retrier{
		Policy:  Policy{MaxAttempts: 2, BaseDelay: time.Millisecond},
		Sleep:   func(context.Context, time.Duration) error { return nil },
		OnRetry: func(s State) { states = append(states, s) },
	}

	_ = r.Do(context.Background(), "op", "", func(ctx context.Context) error { return failure.ErrTransientNetwork })

	require.Len(t, states, 1)
	assert.Equal(t, 1, states[0].Attempt)
	assert.Equal(t, failure.ClassTransientNetwork, states[0].Class)
}

func TestRetrier_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Retrier{Policy: DefaultPolicy()}

	calls := 0
	err := r.Do(ctx, "op", "", func(ctx context.Context) error {
		calls++
		cancel()
		return failure.ErrTransientNetwork
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDoValue(t *testing.T) {
	r := &Retrier{Sleep: func(context.Context, time.Duration) error { return nil }}
	calls := 0
	v, err := DoValue(context.Background(), r, "hash", "k", func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", failure.ErrTransientNetwork
		}
		return "abc", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", v)
}
