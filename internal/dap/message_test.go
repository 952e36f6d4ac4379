// Copyright (c) Flutter DAP Bridge Authors.
// Licensed under the MIT License.

package dap

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceCounter(t *testing.T) {
	t.Parallel()

	counter := newSequenceCounter()

	assert.Equal(t, 0, counter.Current(), "initial value should be 0")

	assert.Equal(t, 1, counter.Next(), "first Next() should return 1")
	assert.Equal(t, 1, counter.Current(), "Current() should return 1 after first Next()")

	assert.Equal(t, 2, counter.Next(), "second Next() should return 2")
	assert.Equal(t, 3, counter.Next(), "third Next() should return 3")
	assert.Equal(t, 3, counter.Current(), "Current() should return 3")
}

func TestCompletionResolve(t *testing.T) {
	t.Parallel()

	c := newCompletion()
	assert.False(t, c.resolved())

	require.NoError(t, c.resolve(nil))
	assert.True(t, c.resolved())
	assert.NoError(t, c.wait(context.Background()))

	// Resolving twice is a caller bug and is reported, not honored.
	err := c.resolve(ErrCancelled)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	assert.NoError(t, c.wait(context.Background()), "first resolution wins")
}

func TestCompletionWaitDeliversError(t *testing.T) {
	t.Parallel()

	c := newCompletion()

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = c.resolve(ErrCancelled)
	}()

	err := c.wait(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestCompletionWaitContextCancel(t *testing.T) {
	t.Parallel()

	c := newCompletion()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPendingClientRequestMap(t *testing.T) {
	t.Parallel()

	m := newPendingClientRequestMap()
	assert.Equal(t, 0, m.Len(), "initial map should be empty")

	req1 := &pendingClientRequest{command: "flutter.exposeUrl", response: make(chan dap.Message, 1)}
	req2 := &pendingClientRequest{command: "runInTerminal", response: make(chan dap.Message, 1)}

	assert.True(t, m.Add(10, req1))
	assert.True(t, m.Add(11, req2))
	assert.Equal(t, 2, m.Len(), "map should have 2 entries")

	got := m.Get(10)
	require.NotNil(t, got, "should get request for seq 10")
	assert.Equal(t, req1, got)
	assert.Equal(t, 1, m.Len(), "map should have 1 entry after Get")

	got = m.Get(10)
	assert.Nil(t, got, "second Get for same seq should return nil")

	got = m.Get(999)
	assert.Nil(t, got, "Get for unknown seq should return nil")

	got = m.Get(11)
	require.NotNil(t, got, "should get request for seq 11")
	assert.Equal(t, req2, got)
	assert.Equal(t, 0, m.Len(), "map should be empty")
}

func TestPendingClientRequestMapDrain(t *testing.T) {
	t.Parallel()

	m := newPendingClientRequestMap()

	responseChan := make(chan dap.Message, 1)
	require.True(t, m.Add(10, &pendingClientRequest{command: "flutter.exposeUrl", response: responseChan}))

	m.Drain()
	assert.Equal(t, 0, m.Len())

	// The response channel is closed so waiters unblock.
	_, open := <-responseChan
	assert.False(t, open, "drain should close response channels")

	// New requests are rejected after drain.
	assert.False(t, m.Add(11, &pendingClientRequest{response: make(chan dap.Message, 1)}))
}

func TestStampSeq(t *testing.T) {
	t.Parallel()

	req := &dap.ContinueRequest{}
	stampSeq(req, 5)
	assert.Equal(t, 5, req.GetSeq())

	resp := &dap.ContinueResponse{}
	stampSeq(resp, 6)
	assert.Equal(t, 6, resp.GetSeq())

	ev := newAppEvent("app.started", nil)
	stampSeq(ev, 7)
	assert.Equal(t, 7, ev.GetSeq())
}
