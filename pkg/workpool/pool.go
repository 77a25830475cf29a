// Package workpool provides the bounded concurrency limit shared by parallel
// transfers and multi-job polling.
package workpool

import (
	"context"
	"fmt"
	"sync"
)

// Pool is a counting semaphore with a WaitGroup for tasks started via Go.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup

	mu       sync.Mutex
	panicErr error
}

// New returns a pool admitting at most limit concurrent holders.
// Limits below 1 are raised to 1.
func New(limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{sem: make(chan struct{}, limit)}
}

// Limit returns the concurrency limit.
func (p *Pool) Limit() int { return cap(p.sem) }

// InUse returns the number of slots currently held.
func (p *Pool) InUse() int { return len(p.sem) }

// Acquire blocks until a slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot taken by Acquire.
func (p *Pool) Release() {
	select {
	case <-p.sem:
	default:
		panic("workpool: release without acquire")
	}
}

// Go acquires a slot and runs fn on a new goroutine. The slot is released
// when fn returns. A panic that fn does not recover itself is recovered here
// and reported by Err. Go returns the Acquire error without starting fn if
// ctx is done first.
func (p *Pool) Go(ctx context.Context, fn func(ctx context.Context)) error {
	if err := p.Acquire(ctx); err != nil {
		return err
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.Release()
		var err error
		defer p.recordPanic(&err)
		defer Recover(&err)
		fn(ctx)
	}()
	return nil
}

func (p *Pool) recordPanic(errp *error) {
	if *errp == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panicErr == nil {
		p.panicErr = *errp
	}
}

// Wait blocks until every task started with Go has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Err returns the first panic recovered by Go as a *PanicError, or nil.
func (p *Pool) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.panicErr
}

// PanicError reports a recovered task panic.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Recover converts a panic in the calling goroutine into *PanicError stored in
// *errp. Use as: defer workpool.Recover(&err).
func Recover(errp *error) {
	if v := recover(); v != nil {
		*errp = &PanicError{Value: v}
	}
}
