// Copyright (c) Flutter DAP Bridge Authors.
// Licensed under the MIT License.

package vmservice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

// startTestService runs a websocket endpoint that answers requests with
// the given handler.
func startTestService(t *testing.T, handle func(req rpcRequest) rpcResponse) string {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var req rpcRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if err := conn.WriteJSON(handle(req)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func echoService(t *testing.T) string {
	return startTestService(t, func(req rpcRequest) rpcResponse {
		id := req.ID
		result, _ := json.Marshal(map[string]string{"method": req.Method})
		return rpcResponse{JSONRPC: "2.0", ID: &id, Result: result}
	})
}

func TestClientCall(t *testing.T) {
	t.Parallel()

	uri := echoService(t)
	client, err := Dial(context.Background(), uri, logr.Discard())
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := client.Call(ctx, "getVM", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"getVM"}`, string(result))
}

func TestClientCallError(t *testing.T) {
	t.Parallel()

	uri := startTestService(t, func(req rpcRequest) rpcResponse {
		id := req.ID
		return rpcResponse{
			JSONRPC: "2.0",
			ID:      &id,
			Error:   &rpcError{Code: 100, Message: "feature is disabled"},
		}
	})

	client, err := Dial(context.Background(), uri, logr.Discard())
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = client.Call(ctx, "streamListen", map[string]string{"streamId": "Isolate"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feature is disabled")
}

func TestClientConcurrentCalls(t *testing.T) {
	t.Parallel()

	uri := echoService(t)
	client, err := Dial(context.Background(), uri, logr.Discard())
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const callers = 8
	errCh := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := client.Call(ctx, "getVM", nil)
			errCh <- err
		}()
	}

	for i := 0; i < callers; i++ {
		assert.NoError(t, <-errCh)
	}
}

func TestClientCallAfterClose(t *testing.T) {
	t.Parallel()

	uri := echoService(t)
	client, err := Dial(context.Background(), uri, logr.Discard())
	require.NoError(t, err)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close(), "close should be idempotent")

	_, err = client.Call(context.Background(), "getVM", nil)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestClientPendingCallFailsOnClose(t *testing.T) {
	t.Parallel()

	// A service that answers with ids that never match, leaving the call
	// pending forever.
	uri := startTestService(t, func(req rpcRequest) rpcResponse {
		bogus := req.ID + 1000
		return rpcResponse{JSONRPC: "2.0", ID: &bogus}
	})

	client, err := Dial(context.Background(), uri, logr.Discard())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "getVM", nil)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClientClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call did not fail on close")
	}
}

func TestDialFailsWhenContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Dial(ctx, "ws://127.0.0.1:1/ws", logr.Discard())
	require.Error(t, err)
}
