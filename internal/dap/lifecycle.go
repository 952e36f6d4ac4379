// Copyright (c) Flutter DAP Bridge Authors.
// Licensed under the MIT License.

package dap

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
)

// AppLifecycleState models the target application's startup lifecycle.
type AppLifecycleState int

const (
	// AppNotStarted is the state before Launch is called.
	AppNotStarted AppLifecycleState = iota

	// AppStarting is the state after launch, before the application has
	// reported start completion.
	AppStarting

	// AppStarted indicates the application reported it is running and
	// ready to be debugged.
	AppStarted

	// AppStopped is terminal. Process exit forces this state regardless of
	// the prior one.
	AppStopped
)

// String returns a human-readable representation of the state.
func (s AppLifecycleState) String() string {
	switch s {
	case AppNotStarted:
		return "notStarted"
	case AppStarting:
		return "starting"
	case AppStarted:
		return "started"
	case AppStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// lifecycleTracker owns the per-session lifecycle state. It is mutated
// only from the event-processing path (and from shutdown) and gates the
// debugger-initialized wait on the Started transition.
type lifecycleTracker struct {
	log logr.Logger

	mu               sync.Mutex
	state            AppLifecycleState
	debugEnabledFlag bool
	appID            string

	// started is closed exactly once when AppStarted is reached.
	started     chan struct{}
	startedOnce sync.Once

	// stopped is closed exactly once when AppStopped is reached;
	// stopCause records why (nil for a regular app stop).
	stopped     chan struct{}
	stoppedOnce sync.Once
	stopCause   error
}

func newLifecycleTracker(log logr.Logger) *lifecycleTracker {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &lifecycleTracker{
		log:     log,
		state:   AppNotStarted,
		started: make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (t *lifecycleTracker) State() AppLifecycleState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *lifecycleTracker) debugEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.debugEnabledFlag
}

// AppID returns the application id reported by the app.start event, or ""
// if none was seen.
func (t *lifecycleTracker) AppID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.appID
}

func (t *lifecycleTracker) setAppID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.appID = id
}

// markStarting records the transition into AppStarting and whether the
// session is configured for debugging. Called once from Launch.
func (t *lifecycleTracker) markStarting(debugEnabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != AppNotStarted {
		return
	}
	t.state = AppStarting
	t.debugEnabledFlag = debugEnabled
}

// markStarted records start completion. Only the Starting state advances;
// a start event after stop is stale and ignored.
func (t *lifecycleTracker) markStarted() {
	t.mu.Lock()
	if t.state != AppStarting {
		t.mu.Unlock()
		t.log.V(1).Info("Ignoring start completion in state", "state", t.state.String())
		return
	}
	t.state = AppStarted
	t.mu.Unlock()

	t.log.V(1).Info("Application started")
	t.startedOnce.Do(func() { close(t.started) })
}

// markStopped forces the terminal state from any prior state. cause is nil
// for a regular application stop and non-nil when the session terminates
// with pending waiters (they observe the cause).
func (t *lifecycleTracker) markStopped(cause error) {
	t.mu.Lock()
	if t.state == AppStopped {
		t.mu.Unlock()
		return
	}
	t.state = AppStopped
	t.mu.Unlock()

	t.log.V(1).Info("Application stopped", "cause", cause)
	t.stoppedOnce.Do(func() {
		t.stopCause = cause
		close(t.stopped)
	})
}

// WaitDebuggerInitialized blocks until debugging is available: the session
// was configured for debugging and the application reached AppStarted.
//
// Calling this on a session that was never configured for debugging is a
// caller bug; it fails synchronously with ErrDebugDisabled rather than
// hanging. Session termination before start completion fails the wait with
// ErrCancelled (or the recorded stop cause).
func (t *lifecycleTracker) WaitDebuggerInitialized(ctx context.Context) error {
	if !t.debugEnabled() {
		return ErrDebugDisabled
	}

	// Started wins over a subsequent stop: if the app started at any
	// point, the debugger was initialized.
	select {
	case <-t.started:
		return nil
	default:
	}

	select {
	case <-t.started:
		return nil
	case <-t.stopped:
		if t.stopCause != nil {
			return t.stopCause
		}
		return ErrCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}
