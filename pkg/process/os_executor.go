// Copyright (c) Flutter DAP Bridge Authors.
// Licensed under the MIT License.

package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Grace period between asking a process to stop and killing it.
var stopGracePeriod = 3 * time.Second

type managedProcess struct {
	cmd *exec.Cmd

	// waitResult delivers the error from cmd.Wait exactly once.
	waitResult chan error

	stopOnce  sync.Once
	startOnce sync.Once
}

// OSExecutor runs processes on the local machine.
type OSExecutor struct {
	log logr.Logger

	mu    sync.Mutex
	procs map[int32]*managedProcess
}

func NewOSExecutor(log logr.Logger) Executor {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &OSExecutor{
		log:   log.WithName("os-executor"),
		procs: make(map[int32]*managedProcess),
	}
}

func (e *OSExecutor) StartProcess(ctx context.Context, cmd *exec.Cmd, exitHandler ExitHandler) (int32, func(), error) {
	if err := cmd.Start(); err != nil {
		return UnknownPID, nil, err
	}

	pid := int32(cmd.Process.Pid)
	mp := &managedProcess{
		cmd:        cmd,
		waitResult: make(chan error, 1),
	}

	e.mu.Lock()
	e.procs[pid] = mp
	e.mu.Unlock()

	// Wait must be called exactly once per started command; every other
	// consumer observes the result through the channel.
	go func() {
		mp.waitResult <- cmd.Wait()
	}()

	startWaitForExit := func() {
		mp.startOnce.Do(func() {
			go e.monitorProcess(ctx, pid, mp, exitHandler)
		})
	}

	return pid, startWaitForExit, nil
}

func (e *OSExecutor) monitorProcess(ctx context.Context, pid int32, mp *managedProcess, exitHandler ExitHandler) {
	var waitErr, ctxErr error

	select {
	case waitErr = <-mp.waitResult:
		// Process exited on its own.

	case <-ctx.Done():
		ctxErr = ctx.Err()
		if err := e.stopManagedProcess(pid, mp); err != nil {
			e.log.Error(err, "Could not stop process on context cancellation", "pid", pid)
		}
		waitErr = <-mp.waitResult
	}

	e.mu.Lock()
	delete(e.procs, pid)
	e.mu.Unlock()

	if exitHandler != nil {
		exitCode, execErr := processExecResult(mp.cmd, waitErr)
		exitHandler.OnProcessExited(pid, exitCode, errors.Join(execErr, ctxErr))
	}
}

func (e *OSExecutor) StopProcess(pid int32) error {
	e.mu.Lock()
	mp, found := e.procs[pid]
	e.mu.Unlock()

	if !found {
		// Already exited (or never started); nothing to stop.
		return nil
	}

	return e.stopManagedProcess(pid, mp)
}

// stopManagedProcess asks the process to exit and kills it if it does not
// comply within the grace period.
func (e *OSExecutor) stopManagedProcess(pid int32, mp *managedProcess) error {
	var stopErr error

	mp.stopOnce.Do(func() {
		e.log.V(1).Info("Stopping process", "pid", pid)

		if err := mp.cmd.Process.Signal(os.Interrupt); err != nil {
			// Signal delivery failed (Windows, or process gone); fall
			// through to Kill.
			e.log.V(1).Info("Could not signal process, killing it", "pid", pid, "error", err)
		}

		select {
		case err := <-mp.waitResult:
			mp.waitResult <- err
			return
		case <-time.After(stopGracePeriod):
		}

		if err := mp.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			stopErr = fmt.Errorf("could not kill process %d: %w", pid, err)
		}
	})

	return stopErr
}

// processExecResult extracts the exit code from a completed command.
func processExecResult(cmd *exec.Cmd, waitErr error) (int32, error) {
	if cmd.ProcessState != nil {
		code := cmd.ProcessState.ExitCode()
		if code >= 0 {
			// A non-zero exit code is a valid result, not a tracking error.
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				return int32(code), nil
			}
			return int32(code), waitErr
		}
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return int32(exitErr.ExitCode()), nil
	}

	return UnknownExitCode, waitErr
}
