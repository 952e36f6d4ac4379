// Copyright (c) Flutter DAP Bridge Authors.
// Licensed under the MIT License.

package process

import (
	"context"
	"os/exec"
)

const (
	// A valid exit code is a non-negative number. UnknownExitCode means the
	// exit code could not be captured.
	UnknownExitCode int32 = -1

	// UnknownPID is used when a process is not started, or fails to start.
	UnknownPID int32 = -1
)

type Executor interface {
	// Starts the process described by the given command instance.
	// When the passed context is cancelled, the process is automatically terminated.
	// Returns the process PID and a function that enables process exit notifications delivered to the exit handler.
	StartProcess(ctx context.Context, cmd *exec.Cmd, exitHandler ExitHandler) (pid int32, startWaitForProcessExit func(), err error)

	// Stops the process with a given PID.
	StopProcess(pid int32) error
}

type ExitHandler interface {
	// Indicates that the process with a given PID has finished execution.
	// If err is nil, the exit code was properly captured and the exitCode value is valid.
	// If err is not nil, there was a problem tracking the process and the exitCode value is not valid.
	OnProcessExited(pid int32, exitCode int32, err error)
}

// Make it easy to supply a function as a process exit handler.
type ExitHandlerFunc func(int32, int32, error)

func (f ExitHandlerFunc) OnProcessExited(pid int32, exitCode int32, err error) {
	f(pid, exitCode, err)
}
