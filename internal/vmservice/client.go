// Copyright (c) Flutter DAP Bridge Authors.
// Licensed under the MIT License.

// Package vmservice implements a minimal JSON-RPC 2.0 client for the
// application's VM service websocket endpoint, announced by the process
// via its debug port event.
package vmservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
)

var (
	// Timeout for individual operations on the websocket connection.
	endpointTimeout = 20 * time.Second

	// The period for sending ping messages to detect stale connections.
	// Must be smaller than endpointTimeout. Zero disables pings.
	pingPeriod = 5 * time.Second

	// Cap on the total time spent retrying the initial connection. The
	// endpoint may not be listening yet when its URI is announced.
	dialTimeout = 30 * time.Second
)

// ErrClientClosed is returned by calls made after Close.
var ErrClientClosed = errors.New("vm service client is closed")

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`

	// Method and Params are set on server-initiated notifications.
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("vm service error %d: %s", e.Code, e.Message)
}

// Client is a JSON-RPC client over a single websocket connection to the
// VM service.
type Client struct {
	log  logr.Logger
	conn *websocket.Conn

	writeMu sync.Mutex

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan *rpcResponse
	closed  bool

	done chan struct{}
}

// Dial connects to the VM service endpoint at uri, retrying with
// exponential backoff until the connection succeeds, ctx is done, or the
// dial timeout elapses.
func Dial(ctx context.Context, uri string, log logr.Logger) (*Client, error) {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	log = log.WithName("vmservice")

	var conn *websocket.Conn
	connect := func() error {
		dialCtx, cancel := context.WithTimeout(ctx, endpointTimeout)
		defer cancel()

		c, _, err := websocket.DefaultDialer.DialContext(dialCtx, uri, nil)
		if err != nil {
			log.V(1).Info("VM service connection attempt failed", "uri", uri, "error", err)
			return err
		}
		conn = c
		return nil
	}

	retryPolicy := backoff.NewExponentialBackOff()
	retryPolicy.MaxElapsedTime = dialTimeout
	if err := backoff.Retry(connect, backoff.WithContext(retryPolicy, ctx)); err != nil {
		return nil, fmt.Errorf("could not connect to VM service at %s: %w", uri, err)
	}

	c := &Client{
		log:     log,
		conn:    conn,
		pending: make(map[int64]chan *rpcResponse),
		done:    make(chan struct{}),
	}

	go c.readLoop()
	if pingPeriod > 0 {
		go c.pingLoop()
	}

	return c, nil
}

// Call invokes a VM service method and waits for its result.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	respCh := make(chan *rpcResponse, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.pending[id] = respCh
	c.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := c.writeJSON(req); err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("failed to send %s request: %w", method, err)
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, ErrClientClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClientClosed
	}
}

func (c *Client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(endpointTimeout))
	return c.conn.WriteJSON(v)
}

func (c *Client) removePending(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// readLoop receives messages until the connection fails, routing responses
// to their callers. Notifications are logged and ignored.
func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.log.V(1).Info("VM service connection closed", "error", err)
			_ = c.Close()
			return
		}

		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			c.log.Error(err, "Failed to parse VM service message")
			continue
		}

		if resp.ID == nil {
			c.log.V(1).Info("VM service notification", "method", resp.Method)
			continue
		}

		c.mu.Lock()
		ch, found := c.pending[*resp.ID]
		if found {
			delete(c.pending, *resp.ID)
		}
		c.mu.Unlock()

		if !found {
			c.log.V(1).Info("VM service response with no matching request", "id", *resp.ID)
			continue
		}
		ch <- &resp
	}
}

// pingLoop sends periodic pings so stale connections are detected even
// when no calls are in flight.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(endpointTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.log.V(1).Info("VM service ping failed", "error", err)
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close shuts the connection down and fails all in-flight calls. Close is
// idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	drained := c.pending
	c.pending = make(map[int64]chan *rpcResponse)
	c.mu.Unlock()

	for _, ch := range drained {
		close(ch)
	}
	close(c.done)

	return c.conn.Close()
}
