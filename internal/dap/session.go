// Copyright (c) Flutter DAP Bridge Authors.
// Licensed under the MIT License.

package dap

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/google/uuid"

	"github.com/Faiznurullah/flutter/internal/vmservice"
	"github.com/Faiznurullah/flutter/pkg/process"
)

// LaunchSpec describes the application process to run. It doubles as the
// arguments payload of the client's launch request.
type LaunchSpec struct {
	// Program is the tool executable to run. Empty is allowed only with
	// SimulateAppStart, for driving the session without a real process.
	Program string `json:"program,omitempty"`

	// Args are passed to the program verbatim.
	Args []string `json:"args,omitempty"`

	// Cwd is the working directory for the program.
	Cwd string `json:"cwd,omitempty"`

	// Env entries are added to the program environment.
	Env map[string]string `json:"env,omitempty"`

	// Debug configures the session for debugging. WaitDebuggerInitialized
	// only makes sense when this is set.
	Debug bool `json:"debug,omitempty"`

	// SimulateAppStart injects synthetic start events immediately after
	// launch, for targets that do not emit them on their own.
	SimulateAppStart bool `json:"simulateAppStart,omitempty"`
}

// SessionConfig carries the collaborators a Session needs.
type SessionConfig struct {
	// Client is the transport connected to the DAP client.
	Client Transport

	// Executor starts and stops the application process. Defaults to the
	// OS executor.
	Executor process.Executor

	// Logger for session diagnostics. Defaults to a no-op logger.
	Logger logr.Logger
}

// Session bridges one DAP client connection to one application process.
// It decodes the process's machine-protocol stdout, tracks the application
// lifecycle, dispatches forwarded requests to registered handlers, and
// relays DAP traffic in both directions.
type Session struct {
	id       string
	log      logr.Logger
	client   Transport
	executor process.Executor

	clientSeq     *sequenceCounter
	pendingClient *pendingClientRequestMap
	broker        *requestBroker
	tracker       *lifecycleTracker
	decoder       *outputDecoder

	// sendMu serializes sequence stamping with transport writes so the
	// client observes strictly increasing sequence numbers.
	sendMu sync.Mutex

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	vmMu sync.Mutex
	vm   *vmservice.Client

	launchMu sync.Mutex
	launched bool
	spec     LaunchSpec
	pid      int32

	ctx           context.Context
	cancel        context.CancelFunc
	terminateOnce sync.Once
	shutdownOnce  sync.Once
	done          chan struct{}
}

// NewSession creates a session over the given client transport. The
// session does nothing until Serve is called or Launch is invoked
// directly.
func NewSession(cfg SessionConfig) *Session {
	log := cfg.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	executor := cfg.Executor
	if executor == nil {
		executor = process.NewOSExecutor(log)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:            uuid.NewString(),
		client:        cfg.Client,
		executor:      executor,
		clientSeq:     newSequenceCounter(),
		pendingClient: newPendingClientRequestMap(),
		tracker:       newLifecycleTracker(log),
		pid:           process.UnknownPID,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	s.log = log.WithValues("session", s.id)
	s.broker = newRequestBroker(s.SendToProcess, s.log)
	s.decoder = newOutputDecoder(s.dispatchEvent, s.forwardRawOutput, s.log)
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the application lifecycle state.
func (s *Session) State() AppLifecycleState {
	return s.tracker.State()
}

// AppID returns the application id reported by the process, or "" if the
// application has not announced itself yet.
func (s *Session) AppID() string {
	return s.tracker.AppID()
}

// RegisterHandler installs a handler for forwarded requests with the given
// method. Registration after launch is allowed; requests that arrived
// before registration are not retried.
func (s *Session) RegisterHandler(method string, h Handler) {
	s.broker.RegisterHandler(method, h)
}

// WaitDebuggerInitialized blocks until the application is started and
// debugging is available. See lifecycleTracker.WaitDebuggerInitialized.
func (s *Session) WaitDebuggerInitialized(ctx context.Context) error {
	return s.tracker.WaitDebuggerInitialized(ctx)
}

// Launch starts the application process described by spec. It may be
// called at most once per session, either directly or via the client's
// launch request.
func (s *Session) Launch(ctx context.Context, spec LaunchSpec) error {
	s.launchMu.Lock()
	if s.launched {
		s.launchMu.Unlock()
		return ErrAlreadyLaunched
	}
	s.launched = true
	s.spec = spec
	s.launchMu.Unlock()

	s.tracker.markStarting(spec.Debug)

	if spec.Program == "" {
		if !spec.SimulateAppStart {
			return errors.New("launch spec has no program")
		}
		// Simulation-only session: no process, events are injected below.
		s.simulateAppStart()
		return nil
	}

	cmd := exec.Command(spec.Program, spec.Args...)
	cmd.Dir = spec.Cwd
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	exitHandler := process.ExitHandlerFunc(func(pid int32, exitCode int32, exitErr error) {
		s.log.V(1).Info("Application process exited", "pid", pid, "exitCode", exitCode, "error", exitErr)
		s.terminate(nil)
	})

	pid, startWaitForExit, err := s.executor.StartProcess(s.ctx, cmd, exitHandler)
	if err != nil {
		s.tracker.markStopped(err)
		return fmt.Errorf("failed to start application process: %w", err)
	}

	s.launchMu.Lock()
	s.pid = pid
	s.launchMu.Unlock()

	s.stdinMu.Lock()
	s.stdin = stdin
	s.stdinMu.Unlock()

	s.log.Info("Application process started", "pid", pid, "program", spec.Program)

	// Synthetic start events must go in before the stdout reader exists:
	// the decoder has exactly one feeder at any time.
	if spec.SimulateAppStart {
		s.simulateAppStart()
	}

	go s.readProcessOutput(stdout)
	go s.readProcessErrors(stderr)
	startWaitForExit()

	return nil
}

// simulateAppStart feeds synthetic start events through the decoder, as if
// the process had emitted them.
func (s *Session) simulateAppStart() {
	appID := uuid.NewString()
	s.decoder.Feed([]byte(
		`[{"event":"app.start","params":{"appId":"` + appID + `"}}]` + "\n" +
			`[{"event":"app.started"}]` + "\n"))
}

// readProcessOutput pumps process stdout into the decoder until EOF.
func (s *Session) readProcessOutput(stdout io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			s.decoder.Feed(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.V(1).Info("Application stdout closed", "error", err)
			}
			s.decoder.Flush()
			return
		}
	}
}

// readProcessErrors relays process stderr lines to the client as output
// events.
func (s *Session) readProcessErrors(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		ev := newOutputEvent("stderr", scanner.Text()+"\n")
		if err := s.SendMessageToClient(ev); err != nil {
			return
		}
	}
}

// dispatchEvent routes one decoded machine-protocol event.
func (s *Session) dispatchEvent(ev MachineEvent) {
	switch ev.Event {
	case eventAppStart:
		var params appStartParams
		if err := json.Unmarshal(ev.Params, &params); err != nil {
			s.log.Error(err, "Failed to parse app start params")
		} else {
			s.tracker.setAppID(params.AppID)
		}
		s.forwardEvent(ev)

	case eventAppStarted:
		s.tracker.markStarted()
		s.forwardEvent(ev)

	case eventAppStop, eventAppDetach:
		s.tracker.markStopped(nil)
		s.forwardEvent(ev)

	case eventAppDebugPort:
		var params debugPortParams
		if err := json.Unmarshal(ev.Params, &params); err != nil {
			s.log.Error(err, "Failed to parse debug port params")
		} else if params.WSURI != "" && s.tracker.debugEnabled() {
			go s.attachVMService(params.WSURI)
		}
		s.forwardEvent(ev)

	case eventAppProgress:
		var params progressParams
		if err := json.Unmarshal(ev.Params, &params); err != nil {
			s.log.Error(err, "Failed to parse progress params")
			return
		}
		if params.Message != "" {
			out := newOutputEvent("console", params.Message+"\n")
			if err := s.SendMessageToClient(out); err != nil {
				s.log.V(1).Info("Failed to forward progress message", "error", err)
			}
		}

	case eventForwardedRequest:
		var req ForwardedRequest
		if err := json.Unmarshal(ev.Body, &req); err != nil {
			s.log.Error(err, "Failed to parse forwarded request")
			return
		}
		if err := s.broker.HandleForwardedRequest(s.ctx, req); err != nil && !errors.Is(err, ErrUnknownMethod) {
			s.log.Error(err, "Failed to accept forwarded request", "method", req.Method)
		}

	default:
		if ev.Event == "" {
			// Elements without an event name are process-originated
			// requests; only the forwarded-request wrapper is serviced.
			s.log.V(1).Info("Ignoring unhandled process request", "method", ev.Method)
			return
		}
		s.forwardEvent(ev)
	}
}

// forwardEvent relays a machine-protocol event to the client as a DAP
// event named after the event kind.
func (s *Session) forwardEvent(ev MachineEvent) {
	if ev.Event == "" {
		return
	}
	if err := s.SendMessageToClient(newAppEvent(ev.Event, ev.Params)); err != nil {
		s.log.V(1).Info("Failed to forward event to client", "event", ev.Event, "error", err)
	}
}

// forwardRawOutput relays a non-protocol stdout line to the client.
func (s *Session) forwardRawOutput(line string) {
	ev := newOutputEvent("stdout", line+"\n")
	if err := s.SendMessageToClient(ev); err != nil {
		s.log.V(1).Info("Failed to forward output to client", "error", err)
	}
}

// attachVMService connects to the application's VM service endpoint.
func (s *Session) attachVMService(uri string) {
	client, err := vmservice.Dial(s.ctx, uri, s.log)
	if err != nil {
		s.log.Error(err, "Failed to connect to VM service", "uri", uri)
		return
	}

	s.vmMu.Lock()
	if s.vm != nil {
		s.vmMu.Unlock()
		_ = client.Close()
		return
	}
	s.vm = client
	s.vmMu.Unlock()

	s.log.Info("Connected to VM service", "uri", uri)
}

// VMService returns the connected VM service client, or nil if the
// application has not reported a debug port yet.
func (s *Session) VMService() *vmservice.Client {
	s.vmMu.Lock()
	defer s.vmMu.Unlock()
	return s.vm
}

// SendMessageToClient stamps a fresh sequence number on msg and writes it
// to the client transport.
func (s *Session) SendMessageToClient(msg dap.Message) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	stampSeq(msg, s.clientSeq.Next())
	return s.client.WriteMessage(msg)
}

// SendToProcess writes msg to the application's stdin as a single JSON
// line.
func (s *Session) SendToProcess(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message for process: %w", err)
	}

	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()
	if s.stdin == nil {
		return ErrSessionClosed
	}
	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write to process stdin: %w", err)
	}
	return nil
}

// SendRequestToClient sends a reverse request to the DAP client and blocks
// until the client responds, the context is done, or the session shuts
// down. On success it returns the raw response body.
func (s *Session) SendRequestToClient(ctx context.Context, command string, args any) (json.RawMessage, error) {
	var arguments json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize request arguments: %w", err)
		}
		arguments = data
	}

	req := &ClientRequest{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Type: "request"},
			Command:         command,
		},
		Arguments: arguments,
	}
	pending := &pendingClientRequest{
		command:  command,
		response: make(chan dap.Message, 1),
	}

	s.sendMu.Lock()
	seq := s.clientSeq.Next()
	req.Seq = seq
	if !s.pendingClient.Add(seq, pending) {
		s.sendMu.Unlock()
		return nil, ErrSessionClosed
	}
	err := s.client.WriteMessage(req)
	s.sendMu.Unlock()
	if err != nil {
		s.pendingClient.Get(seq)
		return nil, fmt.Errorf("failed to send request to client: %w", err)
	}

	select {
	case msg, ok := <-pending.response:
		if !ok {
			return nil, ErrSessionClosed
		}
		return clientResponseBody(msg)
	case <-ctx.Done():
		s.pendingClient.Get(seq)
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSessionClosed
	}
}

// clientResponseBody extracts the body from a client response, converting
// failure responses into errors.
func clientResponseBody(msg dap.Message) (json.RawMessage, error) {
	resp, ok := msg.(dap.ResponseMessage)
	if !ok {
		return nil, fmt.Errorf("unexpected message type %T for response", msg)
	}
	base := resp.GetResponse()
	if !base.Success {
		if base.Message != "" {
			return nil, fmt.Errorf("client rejected %s request: %s", base.Command, base.Message)
		}
		return nil, fmt.Errorf("client rejected %s request", base.Command)
	}
	if custom, ok := msg.(*ClientResponse); ok {
		return custom.Body, nil
	}
	return nil, nil
}

// Serve reads client messages until the transport fails or ctx is done,
// then shuts the session down. It is the session's main loop.
func (s *Session) Serve(ctx context.Context) error {
	defer func() {
		if err := s.Shutdown(); err != nil {
			s.log.Error(err, "Error during session shutdown")
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.client.Close()
		case <-s.done:
		}
	}()

	for {
		msg, err := s.client.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.V(1).Info("Client disconnected")
				return nil
			}
			return filterContextError(err, ctx, s.log)
		}

		switch m := msg.(type) {
		case dap.ResponseMessage:
			s.deliverClientResponse(m)
		case dap.RequestMessage:
			s.handleClientRequest(ctx, m)
		default:
			s.log.V(1).Info("Ignoring unexpected client message", "seq", msg.GetSeq())
		}
	}
}

// deliverClientResponse routes a client response to the request that is
// waiting for it.
func (s *Session) deliverClientResponse(msg dap.ResponseMessage) {
	resp := msg.GetResponse()
	pending := s.pendingClient.Get(resp.RequestSeq)
	if pending == nil {
		s.log.V(1).Info("Received response with no matching request", "requestSeq", resp.RequestSeq, "command", resp.Command)
		return
	}
	pending.response <- msg
}

// handleClientRequest services one DAP request from the client.
func (s *Session) handleClientRequest(ctx context.Context, msg dap.RequestMessage) {
	req := msg.GetRequest()
	log := s.log.WithValues("command", req.Command, "seq", req.Seq)

	switch r := msg.(type) {
	case *dap.InitializeRequest:
		resp := &dap.InitializeResponse{
			Response: newSuccessResponse(req),
			Body: dap.Capabilities{
				SupportsConfigurationDoneRequest: true,
				SupportsTerminateRequest:         true,
			},
		}
		s.respond(log, resp)
		if err := s.SendMessageToClient(&dap.InitializedEvent{
			Event: dap.Event{ProtocolMessage: dap.ProtocolMessage{Type: "event"}, Event: "initialized"},
		}); err != nil {
			log.Error(err, "Failed to send initialized event")
		}

	case *dap.LaunchRequest:
		var spec LaunchSpec
		if err := json.Unmarshal(r.Arguments, &spec); err != nil {
			s.respond(log, newErrorResponse(req, fmt.Sprintf("invalid launch arguments: %v", err)))
			return
		}
		if err := s.Launch(ctx, spec); err != nil {
			s.respond(log, newErrorResponse(req, err.Error()))
			return
		}
		s.respond(log, &dap.LaunchResponse{Response: newSuccessResponse(req)})

	case *dap.ConfigurationDoneRequest:
		s.respond(log, &dap.ConfigurationDoneResponse{Response: newSuccessResponse(req)})

	case *dap.DisconnectRequest:
		s.respond(log, &dap.DisconnectResponse{Response: newSuccessResponse(req)})
		go func() { _ = s.Shutdown() }()

	case *dap.TerminateRequest:
		s.respond(log, &dap.TerminateResponse{Response: newSuccessResponse(req)})
		go func() { _ = s.Shutdown() }()

	default:
		s.respond(log, newErrorResponse(req, fmt.Sprintf("unsupported command %q", req.Command)))
	}
}

func (s *Session) respond(log logr.Logger, msg dap.Message) {
	if err := s.SendMessageToClient(msg); err != nil {
		log.Error(err, "Failed to send response to client")
	}
}

// terminate moves the session to the stopped state and fails everything
// still pending. Runs at most once, whether triggered by process exit or
// by Shutdown.
func (s *Session) terminate(cause error) {
	s.terminateOnce.Do(func() {
		s.tracker.markStopped(cause)
		s.broker.DrainWithError(ErrCancelled)
		s.pendingClient.Drain()

		if err := s.SendMessageToClient(&dap.TerminatedEvent{
			Event: dap.Event{ProtocolMessage: dap.ProtocolMessage{Type: "event"}, Event: "terminated"},
		}); err != nil {
			s.log.V(1).Info("Failed to send terminated event", "error", err)
		}
	})
}

// Shutdown tears the session down: the application process is stopped,
// pending forwarded requests and client requests fail, and the client
// transport is closed. Shutdown is idempotent.
func (s *Session) Shutdown() error {
	var errs []error

	s.shutdownOnce.Do(func() {
		s.log.V(1).Info("Shutting down session")

		s.terminate(ErrCancelled)
		s.cancel()

		s.stdinMu.Lock()
		if s.stdin != nil {
			if err := s.stdin.Close(); err != nil {
				errs = append(errs, err)
			}
			s.stdin = nil
		}
		s.stdinMu.Unlock()

		s.launchMu.Lock()
		pid := s.pid
		s.launchMu.Unlock()
		if pid != process.UnknownPID {
			if err := s.executor.StopProcess(pid); err != nil {
				errs = append(errs, err)
			}
		}

		s.vmMu.Lock()
		if s.vm != nil {
			if err := s.vm.Close(); err != nil {
				errs = append(errs, err)
			}
			s.vm = nil
		}
		s.vmMu.Unlock()

		if err := s.client.Close(); err != nil {
			errs = append(errs, err)
		}

		close(s.done)
	})

	return errors.Join(errs...)
}

// newSuccessResponse builds the base response for a successful request.
func newSuccessResponse(req *dap.Request) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Type: "response"},
		RequestSeq:      req.Seq,
		Success:         true,
		Command:         req.Command,
	}
}

// newErrorResponse builds a failure response carrying the given message.
func newErrorResponse(req *dap.Request, message string) *dap.ErrorResponse {
	return &dap.ErrorResponse{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Type: "response"},
			RequestSeq:      req.Seq,
			Success:         false,
			Command:         req.Command,
			Message:         message,
		},
		Body: dap.ErrorResponseBody{
			Error: &dap.ErrorMessage{Format: message},
		},
	}
}

// newOutputEvent builds a DAP output event with the given category.
func newOutputEvent(category, output string) *dap.OutputEvent {
	return &dap.OutputEvent{
		Event: dap.Event{ProtocolMessage: dap.ProtocolMessage{Type: "event"}, Event: "output"},
		Body: dap.OutputEventBody{
			Category: category,
			Output:   output,
		},
	}
}
