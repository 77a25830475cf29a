package provider

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels shared by every backend. Backends wrap them in *ProviderError so
// callers can match with errors.Is regardless of which store they talk to.
var (
	ErrNotFound            = errors.New("object not found")
	ErrAccessDenied        = errors.New("access denied")
	ErrBucketNotFound      = errors.New("bucket not found")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrThrottled           = errors.New("request throttled")

	// ErrChecksumMismatch means the store rejected an upload whose body did
	// not hash to the checksum sent with it.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// ProviderError records which backend call failed and on what.
type ProviderError struct {
	Op       string
	Provider ProviderType

	// Location is the bucket, API root or base directory the provider is
	// scoped to. Empty when the provider is unscoped.
	Location string
	Key      string

	Err error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Provider, e.Op)
	if target := e.target(); target != "" {
		b.WriteString(" ")
		b.WriteString(target)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *ProviderError) target() string {
	switch {
	case e.Location == "":
		return e.Key
	case e.Key == "":
		return e.Location
	default:
		return strings.TrimSuffix(e.Location, "/") + "/" + e.Key
	}
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsNotFound reports whether err means the object or key is absent.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsThrottled reports whether the backend asked the caller to slow down.
func IsThrottled(err error) bool { return errors.Is(err, ErrThrottled) }
