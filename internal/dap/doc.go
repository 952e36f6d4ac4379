// Copyright (c) Flutter DAP Bridge Authors.
// Licensed under the MIT License.

/*
Package dap implements a Debug Adapter Protocol bridge for Flutter-style
application processes.

# Architecture Overview

The bridge sits between a DAP client (an IDE or test harness) and a target
application process started with a machine-readable output protocol
(`flutter run --machine` or compatible). The process reports events as
newline-delimited JSON arrays on stdout; the bridge translates those into
DAP events for the client, tracks the application startup lifecycle, and
brokers reverse requests the process sends through the event stream.

# Key Components

  - Session: the façade owning launch parameters, sequence numbering, and
    the wiring between the components below
  - outputDecoder: reassembles stdout chunks into lines and decodes the
    JSON-array machine protocol
  - lifecycleTracker: NotStarted → Starting → Started → Stopped state model
    gating the debugger-initialized wait
  - requestBroker: correlation engine for forwarded requests
    (flutter.forwardedRequest), dispatching to registered capability
    handlers and answering the process on stdin
  - Transport: DAP message framing over stdio or TCP, delegated to
    github.com/google/go-dap

# Forwarded Requests

The target process can ask the bridge (and transitively the client) to
perform an action it cannot do itself, e.g. exposing a URL. It emits a
flutter.forwardedRequest event whose body carries an opaque correlation id,
a method name, and optional parameters. The broker dispatches the method to
a registered handler and writes exactly one newline-terminated JSON object
back to the process stdin:

	{"id": <opaque>, "result": <any>}

The correlation id is minted by the process and round-tripped byte for
byte; the bridge never interprets it. Handlers may themselves be remote:
Session.SendRequestToClient relays a question to the DAP client and awaits
the matching response, so a capability can be served by the client without
changing the correlation contract toward the process.
*/
package dap
