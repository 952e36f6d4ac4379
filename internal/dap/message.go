// Copyright (c) Flutter DAP Bridge Authors.
// Licensed under the MIT License.

package dap

import (
	"context"
	"sync"

	"github.com/google/go-dap"
)

// completion is a single-assignment result slot. It is created when a
// pending operation is registered and resolved exactly once from the event
// processing path (or from shutdown, with ErrCancelled).
type completion struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newCompletion() *completion {
	return &completion{done: make(chan struct{})}
}

// resolve fulfills the completion with the given error (nil for success).
// Returns ErrAlreadyResolved if the completion was fulfilled before;
// resolving twice is a programming error on the caller's part.
func (c *completion) resolve(err error) error {
	resolved := false
	c.once.Do(func() {
		c.err = err
		close(c.done)
		resolved = true
	})
	if !resolved {
		return ErrAlreadyResolved
	}
	return nil
}

// wait blocks until the completion is resolved or the context is done.
func (c *completion) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolved reports whether the completion has been fulfilled.
func (c *completion) resolved() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// pendingClientRequest tracks a bridge-originated request awaiting the
// client's response.
type pendingClientRequest struct {
	// command is the request command (for diagnostics).
	command string

	// response receives the client's response message. Closed without a
	// value when the session shuts down before the response arrives.
	response chan dap.Message
}

// pendingClientRequestMap tracks bridge-originated requests to the client,
// keyed by the sequence number stamped on the outgoing request.
type pendingClientRequestMap struct {
	mu       sync.Mutex
	requests map[int]*pendingClientRequest
	closed   bool
}

func newPendingClientRequestMap() *pendingClientRequestMap {
	return &pendingClientRequestMap{
		requests: make(map[int]*pendingClientRequest),
	}
}

// Add registers a pending request under the given sequence number.
// Returns false if the map has been drained (session shutting down).
func (m *pendingClientRequestMap) Add(seq int, req *pendingClientRequest) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.requests[seq] = req
	return true
}

// Get retrieves and removes the pending request for the given sequence
// number. Returns nil if no request is pending under that number.
func (m *pendingClientRequestMap) Get(seq int) *pendingClientRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[seq]
	if !ok {
		return nil
	}

	delete(m.requests, seq)
	return req
}

// Len returns the number of pending requests.
func (m *pendingClientRequestMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Drain closes all response channels and marks the map closed so no new
// requests can be added. Used during shutdown to unblock waiting callers.
func (m *pendingClientRequestMap) Drain() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, req := range m.requests {
		close(req.response)
	}

	m.requests = make(map[int]*pendingClientRequest)
	m.closed = true
}

// sequenceCounter provides thread-safe sequence number generation for
// bridge-originated messages. Numbers start at 1, are strictly increasing,
// and are never reused.
type sequenceCounter struct {
	mu  sync.Mutex
	seq int
}

func newSequenceCounter() *sequenceCounter {
	return &sequenceCounter{seq: 0}
}

// Next returns the next sequence number.
func (c *sequenceCounter) Next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Current returns the current sequence number without incrementing.
func (c *sequenceCounter) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// stampSeq assigns a sequence number to any DAP message through the base
// message accessors.
func stampSeq(msg dap.Message, seq int) {
	switch m := msg.(type) {
	case dap.RequestMessage:
		m.GetRequest().Seq = seq
	case dap.ResponseMessage:
		m.GetResponse().Seq = seq
	case dap.EventMessage:
		m.GetEvent().Seq = seq
	}
}
