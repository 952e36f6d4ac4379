// Copyright (c) Flutter DAP Bridge Authors.
// Licensed under the MIT License.

package dap

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/go-logr/logr"
)

// Handler services a single forwarded request from the application process.
// The returned value is serialized into the reply's result field.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// pendingForwardedRequest tracks one in-flight forwarded request.
type pendingForwardedRequest struct {
	id     json.RawMessage
	method string
	result *completion
}

// requestBroker dispatches forwarded requests from the application process
// to registered handlers and writes exactly one reply per request after the
// handler completes. Requests with no registered handler stay pending until
// the session shuts down; the process never receives a reply for them.
type requestBroker struct {
	log   logr.Logger
	write func(msg any) error

	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[string]*pendingForwardedRequest
	closed   bool
}

func newRequestBroker(write func(msg any) error, log logr.Logger) *requestBroker {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &requestBroker{
		log:      log,
		write:    write,
		handlers: make(map[string]Handler),
		pending:  make(map[string]*pendingForwardedRequest),
	}
}

// RegisterHandler installs h for the given request method, replacing any
// previous handler for that method.
func (b *requestBroker) RegisterHandler(method string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[method] = h
}

// PendingCount returns the number of forwarded requests awaiting completion.
func (b *requestBroker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// HandleForwardedRequest registers req and, if a handler is known for its
// method, dispatches it asynchronously. The reply to the process is written
// only after the handler returns, exactly once per request id.
func (b *requestBroker) HandleForwardedRequest(ctx context.Context, req ForwardedRequest) error {
	if len(req.ID) == 0 {
		return errors.New("forwarded request has no id")
	}
	key := string(req.ID)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrSessionClosed
	}
	if _, found := b.pending[key]; found {
		b.mu.Unlock()
		return ErrDuplicateRequestID
	}
	p := &pendingForwardedRequest{
		id:     req.ID,
		method: req.Method,
		result: newCompletion(),
	}
	b.pending[key] = p
	handler, known := b.handlers[req.Method]
	b.mu.Unlock()

	if !known {
		// Kept pending so shutdown accounts for it; the process side is
		// expected to tolerate requests that never complete.
		b.log.Info("No handler registered for forwarded request", "method", req.Method, "id", key)
		return ErrUnknownMethod
	}

	go b.dispatch(ctx, p, handler, req.Params)
	return nil
}

func (b *requestBroker) dispatch(ctx context.Context, p *pendingForwardedRequest, handler Handler, params json.RawMessage) {
	result, err := handler(ctx, params)

	reply := forwardedReply{ID: p.id}
	if err != nil {
		reply.Error = err.Error()
	} else {
		reply.Result = result
	}

	// The reply must reach the process before the request is considered
	// complete; resolving first would let shutdown race a second reply in.
	if werr := b.write(reply); werr != nil {
		b.log.Error(werr, "Failed to write forwarded request reply", "method", p.method, "id", string(p.id))
	}

	stillPending := b.remove(p)
	if rerr := p.result.resolve(err); rerr != nil {
		if stillPending {
			b.log.Error(rerr, "Forwarded request completed more than once", "method", p.method, "id", string(p.id))
		} else {
			// The request was drained while its handler was running; the
			// drain cause stands and the late completion is expected.
			b.log.V(1).Info("Forwarded request completed after cancellation", "method", p.method, "id", string(p.id))
		}
	}
}

// remove reports whether the request was still tracked, i.e. not yet
// drained by shutdown.
func (b *requestBroker) remove(p *pendingForwardedRequest) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := string(p.id)
	_, found := b.pending[key]
	delete(b.pending, key)
	return found
}

// DrainWithError fails every pending forwarded request with cause and
// rejects all future requests. No replies are written for drained requests.
func (b *requestBroker) DrainWithError(cause error) {
	b.mu.Lock()
	drained := make([]*pendingForwardedRequest, 0, len(b.pending))
	for _, p := range b.pending {
		drained = append(drained, p)
	}
	b.pending = make(map[string]*pendingForwardedRequest)
	b.closed = true
	b.mu.Unlock()

	for _, p := range drained {
		b.log.V(1).Info("Cancelling pending forwarded request", "method", p.method, "id", string(p.id))
		_ = p.result.resolve(cause)
	}
}
