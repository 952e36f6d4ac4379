// Copyright (c) Flutter DAP Bridge Authors.
// Licensed under the MIT License.

package dap

import (
	"context"
	"errors"
	"io"
	"net"
	"os/exec"
	"strings"

	"github.com/go-logr/logr"
)

var (
	// ErrSessionClosed is returned when attempting to use a session that
	// has been shut down.
	ErrSessionClosed = errors.New("session is closed")

	// ErrCancelled is the failure delivered to every still-pending
	// forwarded request when the session terminates.
	ErrCancelled = errors.New("request cancelled")

	// ErrDebugDisabled is returned immediately by WaitDebuggerInitialized
	// when the session was never configured for debugging. This is a
	// caller bug, not a runtime condition.
	ErrDebugDisabled = errors.New("session is not configured for debugging")

	// ErrUnknownMethod is returned when a forwarded request names a method
	// with no registered handler.
	ErrUnknownMethod = errors.New("unknown forwarded request method")

	// ErrDuplicateRequestID is returned when a forwarded request reuses a
	// correlation id that is still pending.
	ErrDuplicateRequestID = errors.New("duplicate forwarded request id")

	// ErrAlreadyResolved indicates a completion handle was fulfilled twice.
	// This is a programming-error-level fault.
	ErrAlreadyResolved = errors.New("completion already resolved")

	// ErrAlreadyLaunched is returned when Launch is called more than once
	// on the same session.
	ErrAlreadyLaunched = errors.New("session already launched")
)

// IsTerminationError reports whether the error is an expected consequence
// of session teardown rather than a protocol failure.
func IsTerminationError(err error) bool {
	return errors.Is(err, ErrSessionClosed) ||
		errors.Is(err, ErrCancelled)
}

// filterContextError filters out redundant context errors during shutdown.
// If the error is a context.Canceled or context.DeadlineExceeded and the
// context is already done, the error is logged at debug level and nil is
// returned. Errors from a process killed due to context cancellation
// ("signal: killed") and closed-connection errors from a transport torn
// down by shutdown are filtered the same way. Otherwise the original
// error is returned unchanged.
func filterContextError(err error, ctx context.Context, log logr.Logger) error {
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.V(1).Info("Filtering redundant context error", "error", err)
			return nil
		}

		// Shutdown closes the transport under the reader; the resulting
		// closed-connection error is a consequence, not a failure.
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			log.V(1).Info("Filtering closed transport error on context cancellation", "error", err)
			return nil
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && strings.Contains(exitErr.Error(), "signal: killed") {
			log.V(1).Info("Filtering process killed error on context cancellation", "error", err)
			return nil
		}
	}

	return err
}
