package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/nimbusctl/pkg/failure"
)

// State describes one failed attempt. It lives only for the duration of a
// single Do call.
type State struct {
	Attempt int
	Delay   time.Duration
	Elapsed time.Duration
	LastErr error
	Class   failure.Class
}

// Retrier runs operations under a Policy.
//
// A zero Retrier is usable and applies DefaultPolicy with real sleeps.
type Retrier struct {
	Policy Policy

	// Classify maps an error to a retry class. Nil uses failure.Classify.
	Classify func(error) failure.Class

	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error

	// Now returns the current time. Nil uses time.Now.
	Now func() time.Time

	// OnRetry is called before each delay.
	OnRetry func(State)
}

// New returns a Retrier for p.
func New(p Policy) *Retrier {
	return &Retrier{Policy: p}
}

// Do runs op until it succeeds, returns a non-retryable error, or the policy
// gives up.
//
// On failure the returned error is a *failure.Error carrying the attempt
// count and the last cause. Errors that already are *failure.Error keep their
// kind; others are classified (transient classes become ErrTransientNetwork or
// ErrRateLimited, everything else ErrPermanent). Context cancellation
// is returned as is, or wrapped together with the last attempt's error when
// it interrupts a backoff delay.
func (r *Retrier) Do(ctx context.Context, op string, subject string, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, r, op, subject, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, r *Retrier, op string, subject string, fn func(ctx context.Context) (T, error)) (T, error) {
	if r == nil {
		r = &Retrier{}
	}
	now := r.Now
	if now == nil {
		now = time.Now
	}
	classify := r.Classify
	if classify == nil {
		classify = failure.Classify
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var zero T
	start := now()
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return zero, err
		}

		class := classify(err)
		elapsed := now().Sub(start)
		decision := r.Policy.Decide(class, attempt, elapsed, failure.RetryAfterHint(err))
		if decision.GiveUp {
			return zero, finalError(err, class, op, subject, attempt)
		}

		if r.OnRetry != nil {
			r.OnRetry(State{Attempt: attempt, Delay: decision.Delay, Elapsed: elapsed, LastErr: err, Class: class})
		}
		if serr := sleep(ctx, decision.Delay); serr != nil {
			return zero, fmt.Errorf("%w (last error: %w)", serr, err)
		}
	}
}

func finalError(err error, class failure.Class, op, subject string, attempts int) error {
	var fe *failure.Error
	if errors.As(err, &fe) && fe.Op == op {
		out := *fe
		out.Attempts = attempts
		return &out
	}

	kind := failure.ErrPermanent
	switch {
	case errors.As(err, &fe):
		kind = fe.Kind
	case class == failure.ClassRateLimited:
		kind = failure.ErrRateLimited
	case class == failure.ClassTransientNetwork:
		kind = failure.ErrTransientNetwork
	}
	return &failure.Error{Kind: kind, Op: op, Subject: subject, Attempts: attempts, Err: err}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
