// Package failure defines the error taxonomy shared by the job controller and
// the storage sync engine.
//
// Every error that crosses the core/CLI boundary either is, or wraps, one of
// the kind sentinels below. Callers test for a kind with errors.Is and recover
// context (operation, subject, attempts, last cause) with errors.As on *Error.
package failure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/3leaps/nimbusctl/pkg/provider"
)

// Kind sentinels.
var (
	// ErrTransientNetwork is a network blip worth retrying.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrRateLimited indicates the remote side asked us to slow down.
	ErrRateLimited = errors.New("rate limited")

	// ErrAmbiguousState indicates an operation whose remote effect is unknown.
	ErrAmbiguousState = errors.New("ambiguous state")

	// ErrIntegrity indicates a content hash mismatch after a transfer.
	ErrIntegrity = errors.New("integrity error")

	// ErrUnsupportedEntry indicates a filesystem entry the sync engine refuses.
	ErrUnsupportedEntry = errors.New("unsupported entry")

	// ErrTimeout indicates a local wait exceeded its budget. The remote
	// operation itself is unaffected.
	ErrTimeout = errors.New("timeout")

	// ErrPermanent indicates validation or authorization failures.
	ErrPermanent = errors.New("permanent error")
)

// Error carries a kind plus enough context to render a precise message.
type Error struct {
	// Kind is one of the kind sentinels.
	Kind error

	// Op is the operation that failed (e.g., "submit", "upload").
	Op string

	// Subject is the job id, object key or path the operation acted on.
	Subject string

	// Attempts is how many times the operation was tried.
	Attempts int

	// RetryAfter is a server supplied backoff hint, if any.
	RetryAfter time.Duration

	// Err is the last underlying cause.
	Err error
}

// New creates an Error of the given kind.
func New(kind error, op, subject string, err error) *Error {
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Op
	if e.Subject != "" {
		msg += " " + e.Subject
	}
	if msg != "" {
		msg += ": "
	}
	msg += e.Kind.Error()
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Class is the retry classification consumed by the retry policy.
type Class int

const (
	// ClassPermanent errors never retry.
	ClassPermanent Class = iota

	// ClassTransientNetwork errors retry with exponential backoff.
	ClassTransientNetwork

	// ClassRateLimited errors retry with a longer backoff.
	ClassRateLimited
)

// String returns the classification name.
func (c Class) String() string {
	switch c {
	case ClassTransientNetwork:
		return "transient-network"
	case ClassRateLimited:
		return "transient-rate-limited"
	default:
		return "permanent"
	}
}

// Classify maps an arbitrary error to a retry class.
//
// Cancellation of the caller's context is permanent: retrying cannot help.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassPermanent
	case errors.Is(err, context.Canceled):
		return ClassPermanent
	case errors.Is(err, ErrRateLimited), errors.Is(err, provider.ErrThrottled):
		return ClassRateLimited
	case errors.Is(err, ErrAmbiguousState), errors.Is(err, ErrIntegrity),
		errors.Is(err, ErrUnsupportedEntry), errors.Is(err, ErrPermanent),
		errors.Is(err, provider.ErrChecksumMismatch):
		return ClassPermanent
	case errors.Is(err, ErrTransientNetwork), errors.Is(err, provider.ErrProviderUnavailable):
		return ClassTransientNetwork
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return ClassTransientNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransientNetwork
	}
	return ClassPermanent
}

// RetryAfterHint returns the server backoff hint carried by err, if any.
func RetryAfterHint(err error) time.Duration {
	var hinted interface{ RetryAfterHint() time.Duration }
	if errors.As(err, &hinted) {
		return hinted.RetryAfterHint()
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// Machine-readable codes used in JSONL error records.
const (
	CodeTransientNetwork = "TRANSIENT_NETWORK"
	CodeRateLimited      = "RATE_LIMITED"
	CodeAmbiguousState   = "AMBIGUOUS_STATE"
	CodeIntegrity        = "INTEGRITY_ERROR"
	CodeUnsupportedEntry = "UNSUPPORTED_ENTRY"
	CodeTimeout          = "TIMEOUT"
	CodePermanent        = "PERMANENT_ERROR"
	CodeCancelled        = "CANCELLED"
	CodeInternal         = "INTERNAL_ERROR"
)

// Code returns the machine-readable code for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, ErrAmbiguousState):
		return CodeAmbiguousState
	case errors.Is(err, ErrIntegrity), errors.Is(err, provider.ErrChecksumMismatch):
		return CodeIntegrity
	case errors.Is(err, ErrUnsupportedEntry):
		return CodeUnsupportedEntry
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrRateLimited), errors.Is(err, provider.ErrThrottled):
		return CodeRateLimited
	case errors.Is(err, ErrTransientNetwork), errors.Is(err, provider.ErrProviderUnavailable):
		return CodeTransientNetwork
	case errors.Is(err, ErrPermanent), errors.Is(err, provider.ErrAccessDenied),
		errors.Is(err, provider.ErrInvalidCredentials), errors.Is(err, provider.ErrNotFound):
		return CodePermanent
	default:
		return CodeInternal
	}
}

// IsAmbiguous reports whether err signals an unknown remote outcome.
func IsAmbiguous(err error) bool { return errors.Is(err, ErrAmbiguousState) }

// IsTimeout reports whether err is a local wait timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsIntegrity reports whether err is a content hash mismatch.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrIntegrity) || errors.Is(err, provider.ErrChecksumMismatch)
}
