package jobs

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is the sentinel behind every TransitionError.
var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusSucceeded, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a single documented step.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanObserve reports whether a poller that saw from may next see to.
// Polling can miss intermediate statuses, so any status reachable through
// documented steps is accepted, as is seeing the same status again.
func CanObserve(from, to Status) bool {
	if from == to {
		return true
	}
	seen := map[Status]bool{from: true}
	queue := []Status{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitions[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// TransitionError reports an observed status change the lifecycle forbids,
// such as succeeded -> running. It indicates a consistency problem on the
// remote side and is never retried.
type TransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid transition %s -> %s", e.JobID, e.From, e.To)
}

// Unwrap returns ErrInvalidTransition.
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// CheckObserved returns a *TransitionError if to cannot follow from.
func CheckObserved(jobID string, from, to Status) error {
	if CanObserve(from, to) {
		return nil
	}
	return &TransitionError{JobID: jobID, From: from, To: to}
}
