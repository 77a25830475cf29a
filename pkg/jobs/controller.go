package jobs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusctl/pkg/events"
	"github.com/3leaps/nimbusctl/pkg/failure"
	"github.com/3leaps/nimbusctl/pkg/retry"
	"github.com/3leaps/nimbusctl/pkg/transport"
	"github.com/3leaps/nimbusctl/pkg/workpool"
)

// Defaults applied by NewController.
const (
	DefaultPollInterval    = 2 * time.Second
	DefaultMaxPollInterval = 30 * time.Second
	DefaultConcurrency     = 10

	// pollGrowth multiplies the poll interval after an unchanged status.
	pollGrowth = 1.5
)

// IdempotencyHeader carries the per-submission key.
const IdempotencyHeader = "Idempotency-Key"

// Journal records what the controller learned about jobs. Implementations
// must be safe for concurrent use.
type Journal interface {
	Submitted(ctx context.Context, key string, job *Job) error
	Ambiguous(ctx context.Context, key string, spec Spec, cause error) error
	Observed(ctx context.Context, job *Job) error
}

// Options configures a Controller.
type Options struct {
	Retry           retry.Policy
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	Concurrency     int

	Journal  Journal
	Reporter *events.Reporter
	Logger   *zap.Logger

	// Sleep replaces the timer used between polls and retries.
	Sleep func(ctx context.Context, d time.Duration) error

	// NewKey generates idempotency keys. Nil uses uuid.NewString.
	NewKey func() string
}

// Controller drives the remote job lifecycle.
type Controller struct {
	tr   transport.Transport
	opts Options
	log  *zap.Logger
}

// NewController returns a controller using tr.
func NewController(tr transport.Transport, opts Options) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxPollInterval < opts.PollInterval {
		opts.MaxPollInterval = max(DefaultMaxPollInterval, opts.PollInterval)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.Sleep
	}
	if opts.NewKey == nil {
		opts.NewKey = uuid.NewString
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{tr: tr, opts: opts, log: log}
}

// AmbiguousError reports an operation that may or may not have taken effect
// on the server. It is never retried automatically.
type AmbiguousError struct {
	Op             string
	JobID          string
	IdempotencyKey string
	Attempts       int
	Err            error
}

func (e *AmbiguousError) Error() string {
	subject := e.JobID
	if subject == "" {
		subject = "idempotency key " + e.IdempotencyKey
	}
	return fmt.Sprintf("%s %s: outcome unknown, confirm before retrying: %v", e.Op, subject, e.Err)
}

// Unwrap exposes failure.ErrAmbiguousState and the transport cause.
func (e *AmbiguousError) Unwrap() []error {
	return []error{failure.ErrAmbiguousState, e.Err}
}

// RetryInfo is the payload of retry events.
type RetryInfo struct {
	Attempt int    `json:"attempt"`
	Delay   string `json:"delay"`
	Class   string `json:"class"`
	Error   string `json:"error"`
}

var errMalformedResponse = errors.New("malformed response")

// Submit validates spec and creates the job.
//
// Only requests that provably never reached the server, or that the server
// explicitly refused (429, 503), are retried. Any failure after the request
// was written returns *AmbiguousError with the idempotency key.
func (c *Controller) Submit(ctx context.Context, spec Spec) (*Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	key := c.opts.NewKey()
	body := toWireSubmit(spec)

	job, err := retry.DoValue(ctx, c.retrier(ctx, key, submitClass), "submit", key, func(ctx context.Context) (*Job, error) {
		req, err := transport.NewJSONRequest(http.MethodPost, "/jobs", body)
		if err != nil {
			return nil, failure.New(failure.ErrPermanent, "submit", key, err)
		}
		req.Header.Set(IdempotencyHeader, key)
		resp, err := c.tr.Do(ctx, req)
		if err != nil {
			return nil, err
		}
		return decodeJob(resp)
	})
	if err != nil {
		if ambiguousSubmit(err) {
			amb := &AmbiguousError{Op: "submit", IdempotencyKey: key, Attempts: attempts(err), Err: cause(err)}
			c.log.Warn("submission outcome unknown", zap.String("idempotency_key", key), zap.Error(err))
			if c.opts.Journal != nil {
				if jerr := c.opts.Journal.Ambiguous(ctx, key, spec, amb); jerr != nil {
					c.log.Warn("journal write failed", zap.Error(jerr))
				}
			}
			c.emit(ctx, key, events.KindAmbiguous, map[string]string{"op": "submit", "idempotency_key": key})
			return nil, amb
		}
		return nil, err
	}

	c.log.Info("job submitted", zap.String("job_id", job.ID), zap.String("image", job.Spec.Image))
	if c.opts.Journal != nil {
		if jerr := c.opts.Journal.Submitted(ctx, key, job); jerr != nil {
			c.log.Warn("journal write failed", zap.String("job_id", job.ID), zap.Error(jerr))
		}
	}
	c.emit(ctx, job.ID, events.KindSubmitted, map[string]string{"status": string(job.Status), "idempotency_key": key})
	return job, nil
}

// submitClass retries only definite refusals and failures before the
// request was written.
func submitClass(err error) failure.Class {
	te, ok := transport.AsError(err)
	if !ok {
		return failure.Classify(err)
	}
	switch {
	case te.StatusCode == http.StatusTooManyRequests:
		return failure.ClassRateLimited
	case te.StatusCode == http.StatusServiceUnavailable:
		return failure.ClassTransientNetwork
	case te.StatusCode == 0 && !te.Sent:
		return failure.Classify(err)
	}
	return failure.ClassPermanent
}

func ambiguousSubmit(err error) bool {
	if errors.Is(err, errMalformedResponse) {
		return true
	}
	te, ok := transport.AsError(err)
	return ok && te.Ambiguous()
}

// cause returns the transport error behind err, or err itself.
func cause(err error) error {
	if te, ok := transport.AsError(err); ok {
		return te
	}
	return err
}

func attempts(err error) int {
	var fe *failure.Error
	if errors.As(err, &fe) && fe.Attempts > 0 {
		return fe.Attempts
	}
	return 1
}

// Status fetches the current job state, retrying transient failures.
func (c *Controller) Status(ctx context.Context, id string) (*Job, error) {
	return retry.DoValue(ctx, c.retrier(ctx, id, nil), "status", id, func(ctx context.Context) (*Job, error) {
		resp, err := c.tr.Do(ctx, &transport.Request{Method: http.MethodGet, Path: jobPath(id)})
		if err != nil {
			return nil, err
		}
		return decodeJob(resp)
	})
}

// ListOptions filters List.
type ListOptions struct {
	Statuses []Status
	Name     string
	Tags     []string

	// Since and Until bound the creation time, inclusive. Zero is open.
	Since time.Time
	Until time.Time
}

func (o ListOptions) created(j *Job) bool {
	t := j.History.CreatedAt
	return (o.Since.IsZero() || !t.Before(o.Since)) && (o.Until.IsZero() || !t.After(o.Until))
}

// List returns jobs matching opts in server order.
func (c *Controller) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	q := url.Values{}
	for _, s := range opts.Statuses {
		q.Add("status", string(s))
	}
	if opts.Name != "" {
		q.Set("name", opts.Name)
	}
	for _, t := range opts.Tags {
		q.Add("tag", t)
	}
	if !opts.Since.IsZero() {
		q.Set("since", opts.Since.UTC().Format(time.RFC3339Nano))
	}
	if !opts.Until.IsZero() {
		q.Set("until", opts.Until.UTC().Format(time.RFC3339Nano))
	}

	return retry.DoValue(ctx, c.retrier(ctx, "list", nil), "list", "", func(ctx context.Context) ([]*Job, error) {
		resp, err := c.tr.Do(ctx, &transport.Request{Method: http.MethodGet, Path: "/jobs", Query: q})
		if err != nil {
			return nil, err
		}
		var doc wireJobList
		if err := resp.DecodeJSON(&doc); err != nil {
			return nil, fmt.Errorf("list: %w: %v", errMalformedResponse, err)
		}
		out := make([]*Job, 0, len(doc.Jobs))
		for _, w := range doc.Jobs {
			j, err := w.toJob()
			if err != nil {
				return nil, fmt.Errorf("list: %w: %v", errMalformedResponse, err)
			}
			// Servers may ignore since/until.
			if opts.created(j) {
				out = append(out, j)
			}
		}
		return out, nil
	})
}

// Tags returns the sorted set of tags used by the caller's jobs.
func (c *Controller) Tags(ctx context.Context) ([]string, error) {
	list, err := c.List(ctx, ListOptions{})
	if err != nil {
		return nil, err
	}
	tags := []string{}
	for _, j := range list {
		tags = append(tags, j.Spec.Tags...)
	}
	slices.Sort(tags)
	return slices.Compact(tags), nil
}

// Cancel requests cancellation. Cancelling a job that already reached a
// terminal status is a no-op.
func (c *Controller) Cancel(ctx context.Context, id string) error {
	job, err := c.Status(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		c.log.Debug("cancel skipped, job already terminal", zap.String("job_id", id), zap.String("status", string(job.Status)))
		return nil
	}

	err = c.retrier(ctx, id, nil).Do(ctx, "cancel", id, func(ctx context.Context) error {
		_, err := c.tr.Do(ctx, &transport.Request{Method: http.MethodDelete, Path: jobPath(id)})
		return err
	})
	switch {
	case err == nil:
	case transport.IsConflict(err):
		// The job finished between our read and the delete.
		job, rerr := c.Status(ctx, id)
		if rerr != nil {
			return rerr
		}
		if !job.Status.Terminal() {
			return err
		}
		return nil
	default:
		if te, ok := transport.AsError(err); ok && te.Sent && (te.StatusCode == 0 || te.StatusCode >= 500) {
			return &AmbiguousError{Op: "cancel", JobID: id, Attempts: attempts(err), Err: te}
		}
		return err
	}

	c.log.Info("job cancelled", zap.String("job_id", id))
	cancelled := *job
	cancelled.Status = StatusCancelled
	if c.opts.Journal != nil {
		if jerr := c.opts.Journal.Observed(ctx, &cancelled); jerr != nil {
			c.log.Warn("journal write failed", zap.String("job_id", id), zap.Error(jerr))
		}
	}
	c.emit(ctx, id, events.KindCancelled, nil)
	return nil
}

// CancelResult is the outcome of one cancellation in CancelMany.
type CancelResult struct {
	JobID string
	Err   error
}

// CancelMany cancels every job, in parallel up to the configured
// concurrency. One failure does not stop the others; results follow ids.
func (c *Controller) CancelMany(ctx context.Context, ids []string) []CancelResult {
	results := make([]CancelResult, len(ids))
	pool := workpool.New(c.opts.Concurrency)
	for i, id := range ids {
		results[i].JobID = id
		if err := pool.Go(ctx, func(ctx context.Context) {
			results[i].Err = c.Cancel(ctx, id)
		}); err != nil {
			results[i].Err = err
		}
	}
	pool.Wait()
	return results
}

func (c *Controller) retrier(ctx context.Context, subject string, classify func(error) failure.Class) *retry.Retrier {
	return &retry.Retrier{
		Policy:   c.opts.Retry,
		Classify: classify,
		Sleep:    c.opts.Sleep,
		OnRetry: func(s retry.State) {
			c.log.Debug("retrying",
				zap.String("subject", subject),
				zap.Int("attempt", s.Attempt),
				zap.Duration("delay", s.Delay),
				zap.Stringer("class", s.Class),
				zap.Error(s.LastErr),
			)
			c.emit(ctx, subject, events.KindRetry, RetryInfo{
				Attempt: s.Attempt,
				Delay:   s.Delay.String(),
				Class:   s.Class.String(),
				Error:   s.LastErr.Error(),
			})
		},
	}
}

func (c *Controller) emit(ctx context.Context, source string, kind events.Kind, data any) {
	if err := c.opts.Reporter.Source(source).Emit(ctx, kind, data); err != nil && !errors.Is(err, events.ErrClosed) {
		c.log.Debug("event not delivered", zap.String("source", source), zap.Error(err))
	}
}

func decodeJob(resp *transport.Response) (*Job, error) {
	var w wireJob
	if err := resp.DecodeJSON(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedResponse, err)
	}
	j, err := w.toJob()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedResponse, err)
	}
	return j, nil
}

func jobPath(id string) string {
	return "/jobs/" + id
}
