// Copyright (c) Flutter DAP Bridge Authors.
// Licensed under the MIT License.

package dap

import (
	"encoding/json"
	"fmt"

	"github.com/google/go-dap"
)

// Machine-protocol event kinds the bridge recognizes. Event names are
// opaque string constants defined by the target process protocol.
const (
	// eventAppStart reports that the application is launching. Its params
	// carry the application id.
	eventAppStart = "app.start"

	// eventAppStarted reports that the application has finished starting
	// and is ready to be debugged.
	eventAppStarted = "app.started"

	// eventAppStop reports that the application has stopped.
	eventAppStop = "app.stop"

	// eventAppDetach reports that the tool detached from the application.
	eventAppDetach = "app.detach"

	// eventAppDebugPort reports the VM service websocket URI of the
	// running application.
	eventAppDebugPort = "app.debugPort"

	// eventAppProgress reports human-readable progress messages.
	eventAppProgress = "app.progress"

	// eventForwardedRequest wraps a reverse request the process relays to
	// the bridge. Its body carries {id, method, params}.
	eventForwardedRequest = "flutter.forwardedRequest"
)

// MachineEvent is one decoded element of a machine-protocol output array.
// Events carry an event name with params; requests originated by the
// process carry a method instead.
type MachineEvent struct {
	Event  string          `json:"event,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// ForwardedRequest is the body of an eventForwardedRequest wrapper.
// The ID is minted by the process and treated as opaque bytes.
type ForwardedRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// forwardedReply is the single JSON object written to the process stdin to
// answer a forwarded request. Exactly one reply is produced per request.
type forwardedReply struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// appStartParams is the params payload of an eventAppStart event.
type appStartParams struct {
	AppID string `json:"appId"`
}

// debugPortParams is the params payload of an eventAppDebugPort event.
type debugPortParams struct {
	WSURI string `json:"wsUri"`
	Port  int    `json:"port,omitempty"`
}

// progressParams is the params payload of an eventAppProgress event.
type progressParams struct {
	Message  string `json:"message,omitempty"`
	Finished bool   `json:"finished,omitempty"`
}

// AppEvent carries a machine-protocol event toward the DAP client as a DAP
// event named after the event kind, with the raw params as body. go-dap
// has no concrete type for adapter-specific events, so the bridge defines
// its own; embedding dap.Event keeps it a well-formed EventMessage.
type AppEvent struct {
	dap.Event
	Body json.RawMessage `json:"body,omitempty"`
}

// ClientRequest is a bridge-originated DAP request with adapter-specific
// arguments, used for reverse requests relayed to the client.
type ClientRequest struct {
	dap.Request
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ClientResponse is a DAP response whose command is not part of the DAP
// specification, e.g. the client's answer to a ClientRequest.
type ClientResponse struct {
	dap.Response
	Body json.RawMessage `json:"body,omitempty"`
}

// newAppEvent builds an AppEvent with the given name and raw body. The
// sequence number is stamped at send time.
func newAppEvent(name string, body json.RawMessage) *AppEvent {
	return &AppEvent{
		Event: dap.Event{
			ProtocolMessage: dap.ProtocolMessage{Type: "event"},
			Event:           name,
		},
		Body: body,
	}
}

// decodeCustomMessage decodes a DAP message whose command or event name is
// unknown to go-dap. The base shape (request/response/event) still applies;
// bodies are preserved as raw JSON.
func decodeCustomMessage(data []byte) (dap.Message, error) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("failed to parse message type: %w", err)
	}

	switch base.Type {
	case "request":
		var req ClientRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("failed to parse custom request: %w", err)
		}
		return &req, nil
	case "response":
		var resp ClientResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse custom response: %w", err)
		}
		return &resp, nil
	case "event":
		var ev AppEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("failed to parse custom event: %w", err)
		}
		return &ev, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", base.Type)
	}
}
