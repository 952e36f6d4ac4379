// Copyright (c) Flutter DAP Bridge Authors.
// Licensed under the MIT License.

package process

import (
	"context"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type exitRecord struct {
	pid      int32
	exitCode int32
	err      error
}

func exitRecorder() (ExitHandler, chan exitRecord) {
	ch := make(chan exitRecord, 1)
	handler := ExitHandlerFunc(func(pid int32, exitCode int32, err error) {
		ch <- exitRecord{pid, exitCode, err}
	})
	return handler, ch
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test relies on Unix shell utilities")
	}
}

func TestStartProcessReportsExit(t *testing.T) {
	t.Parallel()
	requireUnix(t)

	handler, exited := exitRecorder()
	executor := NewOSExecutor(logr.Discard())

	cmd := exec.Command("true")
	pid, startWaitForExit, err := executor.StartProcess(context.Background(), cmd, handler)
	require.NoError(t, err)
	require.NotEqual(t, UnknownPID, pid)
	startWaitForExit()

	select {
	case record := <-exited:
		assert.Equal(t, pid, record.pid)
		assert.Equal(t, int32(0), record.exitCode)
		assert.NoError(t, record.err)
	case <-time.After(10 * time.Second):
		t.Fatal("exit handler was not called")
	}
}

func TestStartProcessReportsNonZeroExitCode(t *testing.T) {
	t.Parallel()
	requireUnix(t)

	handler, exited := exitRecorder()
	executor := NewOSExecutor(logr.Discard())

	cmd := exec.Command("sh", "-c", "exit 3")
	_, startWaitForExit, err := executor.StartProcess(context.Background(), cmd, handler)
	require.NoError(t, err)
	startWaitForExit()

	select {
	case record := <-exited:
		assert.Equal(t, int32(3), record.exitCode)
		assert.NoError(t, record.err, "a non-zero exit code is a valid result")
	case <-time.After(10 * time.Second):
		t.Fatal("exit handler was not called")
	}
}

func TestStartProcessFailure(t *testing.T) {
	t.Parallel()

	executor := NewOSExecutor(logr.Discard())
	cmd := exec.Command("/nonexistent/definitely-not-a-binary")
	pid, _, err := executor.StartProcess(context.Background(), cmd, nil)
	require.Error(t, err)
	assert.Equal(t, UnknownPID, pid)
}

func TestStopProcess(t *testing.T) {
	t.Parallel()
	requireUnix(t)

	handler, exited := exitRecorder()
	executor := NewOSExecutor(logr.Discard())

	cmd := exec.Command("sleep", "60")
	pid, startWaitForExit, err := executor.StartProcess(context.Background(), cmd, handler)
	require.NoError(t, err)
	startWaitForExit()

	require.NoError(t, executor.StopProcess(pid))

	select {
	case record := <-exited:
		assert.Equal(t, pid, record.pid)
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit after stop")
	}

	// Stopping an already-exited process is not an error.
	assert.NoError(t, executor.StopProcess(pid))
}

func TestContextCancellationStopsProcess(t *testing.T) {
	t.Parallel()
	requireUnix(t)

	handler, exited := exitRecorder()
	executor := NewOSExecutor(logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.Command("sleep", "60")
	_, startWaitForExit, err := executor.StartProcess(ctx, cmd, handler)
	require.NoError(t, err)
	startWaitForExit()

	cancel()

	select {
	case record := <-exited:
		assert.ErrorIs(t, record.err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit after context cancellation")
	}
}
