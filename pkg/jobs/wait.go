package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/nimbusctl/pkg/events"
	"github.com/3leaps/nimbusctl/pkg/failure"
	"github.com/3leaps/nimbusctl/pkg/workpool"
)

// WaitOptions tunes Wait. Zero values use the controller defaults.
type WaitOptions struct {
	PollInterval    time.Duration
	MaxPollInterval time.Duration

	// Timeout bounds the local wait. Zero waits until ctx is done.
	Timeout time.Duration

	// OnChange is called whenever a new status is observed.
	OnChange func(*Job)

	// UntilStarted returns as soon as the job leaves pending, whether it
	// is running or already ended.
	UntilStarted bool
}

// StatusChange is the payload of status events.
type StatusChange struct {
	From Status `json:"from,omitempty"`
	To   Status `json:"to"`
}

// Wait polls the job until it reaches a terminal status.
//
// The interval grows by half after every poll that sees an unchanged
// status, up to MaxPollInterval, and resets on change. When Timeout elapses
// Wait returns an error matching failure.ErrTimeout; the job itself is left
// alone. An observed status that cannot follow the previous one returns a
// *TransitionError.
func (c *Controller) Wait(ctx context.Context, id string, opts WaitOptions) (*Job, error) {
	base := opts.PollInterval
	if base <= 0 {
		base = c.opts.PollInterval
	}
	ceiling := opts.MaxPollInterval
	if ceiling <= 0 {
		ceiling = c.opts.MaxPollInterval
	}
	ceiling = max(ceiling, base)

	waitCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	timedOut := func(last Status) error {
		if ctx.Err() == nil && waitCtx.Err() != nil {
			return failure.New(failure.ErrTimeout, "wait", id,
				fmt.Errorf("job still %s after %s", last, opts.Timeout))
		}
		return nil
	}

	var last Status
	interval := base
	for {
		job, err := c.Status(waitCtx, id)
		if err != nil {
			if terr := timedOut(last); terr != nil {
				return nil, terr
			}
			return nil, err
		}

		if last != "" {
			if err := CheckObserved(id, last, job.Status); err != nil {
				c.log.Error("inconsistent job status", zap.String("job_id", id), zap.Error(err))
				return job, err
			}
		}

		if job.Status != last {
			c.observed(waitCtx, job, last)
			if opts.OnChange != nil {
				opts.OnChange(job)
			}
			interval = base
		} else {
			interval = min(time.Duration(float64(interval)*pollGrowth), ceiling)
		}
		last = job.Status

		if job.Status.Terminal() || (opts.UntilStarted && job.Status != StatusPending) {
			return job, nil
		}

		if err := c.opts.Sleep(waitCtx, interval); err != nil {
			if terr := timedOut(last); terr != nil {
				return nil, terr
			}
			return nil, err
		}
	}
}

func (c *Controller) observed(ctx context.Context, job *Job, from Status) {
	c.log.Debug("job status", zap.String("job_id", job.ID), zap.String("from", string(from)), zap.String("to", string(job.Status)))
	if c.opts.Journal != nil {
		if err := c.opts.Journal.Observed(ctx, job); err != nil {
			c.log.Warn("journal write failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	c.emit(ctx, job.ID, events.KindStatus, StatusChange{From: from, To: job.Status})
}

// WaitResult is the outcome of waiting on one job in WaitAll.
type WaitResult struct {
	Job *Job
	Err error
}

// WaitAll waits on every job, polling up to the configured concurrency at
// once. A failure on one job does not stop the others.
func (c *Controller) WaitAll(ctx context.Context, ids []string, opts WaitOptions) map[string]WaitResult {
	results := make(map[string]WaitResult, len(ids))
	out := make(chan struct {
		id  string
		res WaitResult
	}, len(ids))

	pool := workpool.New(c.opts.Concurrency)
	for _, id := range ids {
		if err := pool.Go(ctx, func(ctx context.Context) {
			var res WaitResult
			defer func() {
				out <- struct {
					id  string
					res WaitResult
				}{id, res}
			}()
			defer workpool.Recover(&res.Err)
			res.Job, res.Err = c.Wait(ctx, id, opts)
		}); err != nil {
			results[id] = WaitResult{Err: err}
		}
	}
	pool.Wait()
	close(out)

	for r := range out {
		results[r.id] = r.res
	}
	return results
}

// IsTimeout reports whether err is a Wait timeout.
func IsTimeout(err error) bool { return errors.Is(err, failure.ErrTimeout) }
