package cmd

import (
	"context"
	"errors"

	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/3leaps/nimbusctl/pkg/failure"
	"github.com/3leaps/nimbusctl/pkg/provider"
	"github.com/3leaps/nimbusctl/pkg/transport"
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// exitCodeFor maps a core error to an exit code.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return foundry.ExitSignalInt
	case errors.Is(err, failure.ErrUnsupportedEntry):
		return foundry.ExitFileReadError
	case transport.IsNotFound(err), provider.IsNotFound(err):
		return foundry.ExitInvalidArgument
	default:
		return foundry.ExitExternalServiceUnavailable
	}
}

func failWith(message string, err error) error {
	return exitError(exitCodeFor(err), message, err)
}
