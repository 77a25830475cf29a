// Package events carries progress and status events from the job controller
// and the sync engine to whoever renders them.
//
// A Reporter owns a single channel. Producers obtain an Emitter per source
// (a job id, a transfer item, a run) and Emit blocks until the consumer takes
// the event, so a slow consumer slows producers down instead of losing
// events. Events from one source arrive in emission order; events from
// different sources interleave.
package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Kind names an event type.
type Kind string

// Event kinds.
const (
	KindPlanned    Kind = "planned"
	KindUnchanged  Kind = "unchanged"
	KindInProgress Kind = "in-progress"
	KindVerified   Kind = "verified"
	KindFailed     Kind = "failed"
	KindRetry      Kind = "retry"
	KindStatus     Kind = "status"
	KindSubmitted  Kind = "submitted"
	KindAmbiguous  Kind = "ambiguous"
	KindCancelled  Kind = "cancelled"
	KindLog        Kind = "log"
	KindSummary    Kind = "summary"
)

// ErrClosed is returned by Emit after the reporter is closed.
var ErrClosed = errors.New("events: reporter closed")

// Event is one progress or status notification.
type Event struct {
	// Source identifies the producer (job id, object key, run id).
	Source string

	// Seq is the per-source sequence number, starting at 1.
	Seq uint64

	Kind Kind
	Time time.Time

	// Data is kind specific payload.
	Data any
}

// Reporter fans events from many emitters into one stream.
type Reporter struct {
	ch   chan Event
	done chan struct{}

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
	sources map[string]*Emitter

	now func() time.Time
}

// NewReporter returns a reporter whose channel holds up to buffer events.
// A zero buffer makes every Emit wait for the consumer.
func NewReporter(buffer int) *Reporter {
	if buffer < 0 {
		buffer = 0
	}
	return &Reporter{
		ch:      make(chan Event, buffer),
		done:    make(chan struct{}),
		sources: make(map[string]*Emitter),
		now:     time.Now,
	}
}

// Events returns the receive side of the stream. It is closed by Close.
func (r *Reporter) Events() <-chan Event {
	return r.ch
}

// Source returns the emitter for name, creating it on first use. Repeated
// calls with the same name share one sequence.
func (r *Reporter) Source(name string) *Emitter {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	em, ok := r.sources[name]
	if !ok {
		em = &Emitter{r: r, source: name}
		r.sources[name] = em
	}
	return em
}

// Close stops the stream. Emits blocked on the consumer return ErrClosed;
// the channel is closed once they have all returned.
func (r *Reporter) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.done)
	r.mu.Unlock()

	r.pending.Wait()
	close(r.ch)
}

func (r *Reporter) begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.pending.Add(1)
	return true
}

// Emitter emits events for one source. A nil Emitter discards events.
type Emitter struct {
	r      *Reporter
	source string

	mu  sync.Mutex
	seq uint64
}

// Name returns the source name.
func (e *Emitter) Name() string {
	if e == nil {
		return ""
	}
	return e.source
}

// Emit sends an event and blocks until the consumer accepts it, ctx is done
// or the reporter is closed. A failed Emit does not consume a sequence
// number.
func (e *Emitter) Emit(ctx context.Context, kind Kind, data any) error {
	if e == nil {
		return nil
	}
	r := e.r
	if !r.begin() {
		return ErrClosed
	}
	defer r.pending.Done()

	e.mu.Lock()
	defer e.mu.Unlock()

	ev := Event{Source: e.source, Seq: e.seq + 1, Kind: kind, Time: r.now(), Data: data}
	select {
	case r.ch <- ev:
		e.seq++
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}
}

// Drain consumes and discards events until the stream closes. Use when a
// caller wants the backpressure guarantees but not the events.
func Drain(r *Reporter) {
	go func() {
		for range r.ch {
		}
	}()
}
