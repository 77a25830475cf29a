package transfer

import (
	"fmt"

	"github.com/3leaps/nimbusctl/pkg/failure"
)

// SizeMismatchError indicates the source size changed between planning and
// content retrieval.
//
// It does not eliminate TOCTOU races; verification after the copy does.
type SizeMismatchError struct {
	Key      string
	Expected int64
	Got      int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("source size mismatch for %s: expected=%d got=%d", e.Key, e.Expected, e.Got)
}

// Unwrap classifies the mismatch as permanent: retrying reads the same
// changed source.
func (e *SizeMismatchError) Unwrap() error { return failure.ErrPermanent }

// SourceChangedError means the bytes read for a copy no longer hash to the
// planned sha256.
type SourceChangedError struct {
	Key      string
	Expected string
	Got      string
}

func (e *SourceChangedError) Error() string {
	return fmt.Sprintf("source %s changed since planning: expected sha256 %s, read %s", e.Key, e.Expected, e.Got)
}

func (e *SourceChangedError) Unwrap() error { return failure.ErrPermanent }

// IntegrityError reports a destination whose hash still differs from the
// planned source hash after the automatic re-transfer. Got is empty when the
// destination rejected the body itself; Err then holds its response.
type IntegrityError struct {
	Key      string
	Expected string
	Got      string
	Err      error
}

func (e *IntegrityError) Error() string {
	if e.Got == "" && e.Err != nil {
		return fmt.Sprintf("hash mismatch for %s: expected sha256 %s, rejected by destination: %v", e.Key, e.Expected, e.Err)
	}
	return fmt.Sprintf("hash mismatch for %s: expected sha256 %s, got %s", e.Key, e.Expected, e.Got)
}

func (e *IntegrityError) Unwrap() error { return failure.ErrIntegrity }

// UnsupportedEntryError names a filesystem entry the planner refuses, such
// as a symlink under the reject policy, a socket or a device.
type UnsupportedEntryError struct {
	Path   string
	Reason string
}

func (e *UnsupportedEntryError) Error() string {
	return fmt.Sprintf("unsupported entry %s: %s", e.Path, e.Reason)
}

func (e *UnsupportedEntryError) Unwrap() error { return failure.ErrUnsupportedEntry }
