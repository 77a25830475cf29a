// Package transfer is the storage sync engine: it plans which files differ
// between a local directory and a remote prefix, then copies them with
// bounded concurrency and verifies each copy by hash.
//
// Items fail independently. A hash mismatch after a copy triggers exactly
// one re-transfer; a second mismatch fails the item with an IntegrityError.
// Results stream over an unbuffered channel so a slow consumer slows the
// workers down.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/nimbusctl/pkg/events"
	"github.com/3leaps/nimbusctl/pkg/failure"
	"github.com/3leaps/nimbusctl/pkg/provider"
	"github.com/3leaps/nimbusctl/pkg/provider/file"
	"github.com/3leaps/nimbusctl/pkg/retry"
	"github.com/3leaps/nimbusctl/pkg/workpool"
)

// DefaultConcurrency is used when Start is given a limit below 1.
const DefaultConcurrency = 10

// ItemState is the lifecycle state of one item.
type ItemState string

const (
	StatePlanned    ItemState = "planned"
	StateInProgress ItemState = "in-progress"
	StateVerified   ItemState = "verified"
	StateFailed     ItemState = "failed"

	// StateUnchanged marks items the plan skipped because the destination
	// already holds identical content.
	StateUnchanged ItemState = "unchanged"
)

// ItemResult is the outcome of one item.
type ItemResult struct {
	Item  Item
	State ItemState

	// Attempts counts copy attempts across both passes.
	Attempts int

	// Retransferred is set when the first copy failed verification.
	Retransferred bool

	Bytes int64
	Err   error
}

// Result summarizes a run. Failed items never abort the others.
type Result struct {
	Verified  []ItemResult
	Failed    []ItemResult
	Unchanged []Item
	Bytes     int64
	Duration  time.Duration
}

// OK reports whether every item was verified.
func (r *Result) OK() bool { return len(r.Failed) == 0 }

// Err joins the errors of failed items, or returns nil.
func (r *Result) Err() error {
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, f.Err)
	}
	return errors.Join(errs...)
}

// ItemEvent is the payload of item events.
type ItemEvent struct {
	Direction Direction     `json:"direction"`
	LocalPath string        `json:"local_path"`
	RemoteKey string        `json:"remote_key"`
	Size      int64         `json:"size"`
	SHA256    string        `json:"sha256,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	Delay     time.Duration `json:"delay_ns,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Code      string        `json:"code,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Engine executes plans against one remote provider.
type Engine struct {
	Remote provider.Provider

	// Retrier governs copy and verification retries. Nil uses the default
	// policy.
	Retrier *retry.Retrier

	// Reporter receives item events. Nil disables events.
	Reporter *events.Reporter

	Logger *zap.Logger

	// RetryBufferMaxMemoryBytes bounds in-memory buffering of copy bodies.
	RetryBufferMaxMemoryBytes int64
}

// Run is an executing plan.
type Run struct {
	results chan ItemResult
	done    chan struct{}
	result  *Result
	err     error
}

// Results streams item results as they complete. The channel is unbuffered
// and closes after the last item.
func (r *Run) Results() <-chan ItemResult { return r.results }

// Wait drains any results not yet consumed and returns the summary. The
// error is non-nil only when the context ended the run early; item failures
// are reported in Result.Failed.
func (r *Run) Wait() (*Result, error) {
	for range r.results {
	}
	<-r.done
	return r.result, r.err
}

// Execute runs plan to completion.
func (e *Engine) Execute(ctx context.Context, plan *Plan, concurrency int) (*Result, error) {
	return e.Start(ctx, plan, concurrency).Wait()
}

// Start begins executing plan with at most concurrency items in flight.
func (e *Engine) Start(ctx context.Context, plan *Plan, concurrency int) *Run {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	run := &Run{results: make(chan ItemResult), done: make(chan struct{})}
	go e.run(ctx, plan, concurrency, run)
	return run
}

func (e *Engine) run(ctx context.Context, plan *Plan, concurrency int, run *Run) {
	start := time.Now()
	res := &Result{Unchanged: plan.Unchanged}
	defer func() {
		res.Duration = time.Since(start)
		run.result = res
		close(run.results)
		close(run.done)
	}()

	var mu sync.Mutex
	deliver := func(r ItemResult) {
		mu.Lock()
		if r.State == StateVerified {
			res.Verified = append(res.Verified, r)
			res.Bytes += r.Bytes
		} else {
			res.Failed = append(res.Failed, r)
		}
		mu.Unlock()
		run.results <- r
	}

	local, err := file.New(file.Config{BaseDir: plan.LocalRoot})
	if err != nil {
		for _, item := range plan.Items {
			deliver(ItemResult{Item: item, State: StateFailed, Err: err})
		}
		return
	}

	for _, item := range plan.Unchanged {
		e.emit(ctx, item, events.KindUnchanged, ItemEvent{})
	}
	for _, item := range plan.Items {
		e.emit(ctx, item, events.KindPlanned, ItemEvent{})
	}

	pool := workpool.New(concurrency)
	for _, item := range plan.Items {
		err := pool.Go(ctx, func(ctx context.Context) {
			deliver(e.transferItem(ctx, local, item))
		})
		if err != nil {
			deliver(ItemResult{Item: item, State: StateFailed, Err: err})
		}
	}
	pool.Wait()
	run.err = errors.Join(ctx.Err(), pool.Err())

	e.logger().Info("Sync finished",
		zap.String("direction", string(plan.Direction)),
		zap.Int("verified", len(res.Verified)),
		zap.Int("failed", len(res.Failed)),
		zap.Int("unchanged", len(res.Unchanged)),
		zap.Int64("bytes", res.Bytes),
	)
}

func (e *Engine) transferItem(ctx context.Context, local *file.Provider, item Item) (out ItemResult) {
	out = ItemResult{Item: item, State: StateFailed}
	defer func() {
		if v := recover(); v != nil {
			out.State = StateFailed
			out.Err = &workpool.PanicError{Value: v}
		}
		if out.State == StateVerified {
			e.emit(ctx, item, events.KindVerified, ItemEvent{Attempt: out.Attempts})
			return
		}
		e.emit(ctx, item, events.KindFailed, ItemEvent{Attempt: out.Attempts, Code: failure.Code(out.Err), Error: errString(out.Err)})
		e.logger().Warn("Transfer failed", zap.String("key", item.RemoteKey), zap.Error(out.Err))
	}()

	var (
		src, dst       provider.Provider = local, e.Remote
		srcKey, dstKey                   = item.RelPath, item.RemoteKey
		op                               = "upload"
	)
	if item.Direction == Download {
		src, dst = e.Remote, local
		srcKey, dstKey = item.RemoteKey, item.RelPath
		op = "download"
	}
	hasher, ok := dst.(provider.ObjectHasher)
	if !ok {
		out.Err = failure.New(failure.ErrPermanent, op, item.RemoteKey, errors.New("destination provider cannot hash objects"))
		return out
	}

	e.emit(ctx, item, events.KindInProgress, ItemEvent{})
	r := e.retrier(ctx, item)

	for pass := 1; pass <= 2; pass++ {
		n, err := retry.DoValue(ctx, r, op, item.RemoteKey, func(ctx context.Context) (int64, error) {
			out.Attempts++
			return CopyObject(ctx, src, dst, srcKey, dstKey, item.Size, item.Hash, e.RetryBufferMaxMemoryBytes)
		})
		var got string
		switch {
		case errors.Is(err, provider.ErrChecksumMismatch):
			// The destination refused the body; same outcome as a failed
			// verification.
			out.Err = &IntegrityError{Key: item.RemoteKey, Expected: item.Hash, Err: err}
		case err != nil:
			out.Err = err
			return out
		default:
			got, err = retry.DoValue(ctx, r, "verify", item.RemoteKey, func(ctx context.Context) (string, error) {
				return hasher.HashObject(ctx, dstKey)
			})
			if err != nil {
				out.Err = err
				return out
			}
			if got == item.Hash {
				out.State = StateVerified
				out.Bytes = n
				out.Err = nil
				return out
			}
			out.Err = &IntegrityError{Key: item.RemoteKey, Expected: item.Hash, Got: got}
		}

		if pass == 1 {
			out.Retransferred = true
			e.logger().Warn("Hash mismatch after copy, transferring again",
				zap.String("key", item.RemoteKey), zap.String("expected", item.Hash), zap.String("got", got), zap.Error(out.Err))
			e.emit(ctx, item, events.KindRetry, ItemEvent{Attempt: out.Attempts, Reason: "integrity", Code: failure.CodeIntegrity, Error: out.Err.Error()})
		}
	}
	return out
}

// retrier returns a per-item copy of the engine retrier reporting retries
// as item events.
func (e *Engine) retrier(ctx context.Context, item Item) *retry.Retrier {
	r := retry.Retrier{Policy: retry.DefaultPolicy()}
	if e.Retrier != nil {
		r = *e.Retrier
	}
	base := r.OnRetry
	r.OnRetry = func(s retry.State) {
		if base != nil {
			base(s)
		}
		e.logger().Debug("Retrying transfer",
			zap.String("key", item.RemoteKey),
			zap.Int("attempt", s.Attempt),
			zap.Duration("delay", s.Delay),
			zap.Error(s.LastErr),
		)
		e.emit(ctx, item, events.KindRetry, ItemEvent{
			Attempt: s.Attempt,
			Delay:   s.Delay,
			Reason:  s.Class.String(),
			Code:    failure.Code(s.LastErr),
			Error:   errString(s.LastErr),
		})
	}
	return &r
}

func (e *Engine) emit(ctx context.Context, item Item, kind events.Kind, ev ItemEvent) {
	if e.Reporter == nil {
		return
	}
	ev.Direction = item.Direction
	ev.LocalPath = item.LocalPath
	ev.RemoteKey = item.RemoteKey
	ev.Size = item.Size
	ev.SHA256 = item.Hash
	if err := e.Reporter.Source(item.RemoteKey).Emit(ctx, kind, ev); err != nil {
		e.logger().Debug("Event dropped", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// String renders a one-line summary.
func (r *Result) String() string {
	return fmt.Sprintf("%d verified, %d failed, %d unchanged, %d bytes in %s",
		len(r.Verified), len(r.Failed), len(r.Unchanged), r.Bytes, r.Duration.Round(time.Millisecond))
}
