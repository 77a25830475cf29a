package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/nimbusctl/pkg/failure"
)

// Sentinel errors for HTTP statuses the core reacts to.
var (
	// ErrNotFound indicates a 404 response.
	ErrNotFound = errors.New("resource not found")

	// ErrConflict indicates a 409 response.
	ErrConflict = errors.New("conflict")

	// ErrUnauthorized indicates a 401 or 403 response.
	ErrUnauthorized = errors.New("unauthorized")
)

// Error describes a failed request.
type Error struct {
	Method string
	Path   string

	// StatusCode is the HTTP status, or 0 when no response was received.
	StatusCode int

	// Sent is true once the request was fully written. A failure with Sent
	// set and no definitive response means the server may have acted on it.
	Sent bool

	// RetryAfter is the parsed Retry-After header, if any.
	RetryAfter time.Duration

	// Message is the server supplied error message, if any.
	Message string

	// Err is the underlying network error, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Method, e.Path)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes the failure kind, the status sentinel and the cause.
func (e *Error) Unwrap() []error {
	var out []error
	if k := e.kind(); k != nil {
		out = append(out, k)
	}
	if s := e.statusSentinel(); s != nil {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// RetryAfterHint implements the hint interface read by the retry policy.
func (e *Error) RetryAfterHint() time.Duration { return e.RetryAfter }

// Ambiguous reports whether the server may have acted on the request even
// though the call failed: the request was written and no definitive answer
// came back.
func (e *Error) Ambiguous() bool {
	if !e.Sent {
		return false
	}
	switch e.StatusCode {
	case 0, http.StatusInternalServerError, http.StatusBadGateway, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (e *Error) kind() error {
	switch {
	case e.StatusCode == 0:
		if errors.Is(e.Err, context.Canceled) || errors.Is(e.Err, context.DeadlineExceeded) {
			return nil
		}
		return failure.ErrTransientNetwork
	case e.StatusCode == http.StatusTooManyRequests:
		return failure.ErrRateLimited
	case e.StatusCode >= 500:
		return failure.ErrTransientNetwork
	case e.StatusCode >= 400:
		return failure.ErrPermanent
	}
	return nil
}

func (e *Error) statusSentinel() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	}
	return nil
}

// IsNotFound reports whether err is a 404.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is a 409.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// AsError extracts *Error from err.
func AsError(err error) (*Error, bool) {
	var te *Error
	ok := errors.As(err, &te)
	return te, ok
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
