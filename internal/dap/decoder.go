// Copyright (c) Flutter DAP Bridge Authors.
// Licensed under the MIT License.

package dap

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/go-logr/logr"
)

// outputDecoder consumes raw stdout chunks from the target process and
// recovers discrete machine-protocol events. The process writes each batch
// of events as a single JSON array per line; anything else on stdout is
// ordinary tool output and is routed to the raw callback instead.
//
// A logical line may arrive split across multiple Feed calls; the decoder
// buffers only the trailing partial line between calls. Decoding is
// chunk-boundary invariant: any sequence of Feed calls that reassembles to
// the same lines produces the same event sequence.
//
// outputDecoder is not safe for concurrent Feed calls; the session feeds
// it from a single stdout reading goroutine.
type outputDecoder struct {
	log logr.Logger

	// sink receives decoded events in array order.
	sink func(ev MachineEvent)

	// raw receives non-protocol output lines. May be nil.
	raw func(line string)

	// partial holds an incomplete trailing line between Feed calls.
	partial bytes.Buffer
}

func newOutputDecoder(sink func(ev MachineEvent), raw func(line string), log logr.Logger) *outputDecoder {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &outputDecoder{
		log:  log,
		sink: sink,
		raw:  raw,
	}
}

// Feed consumes one chunk of process stdout. Complete lines are decoded
// immediately; a trailing partial line is retained until completed by a
// later chunk. Malformed protocol lines are dropped with a diagnostic and
// never fail the session.
func (d *outputDecoder) Feed(chunk []byte) {
	d.partial.Write(chunk)

	for {
		data := d.partial.Bytes()
		newline := bytes.IndexByte(data, '\n')
		if newline < 0 {
			return
		}

		line := string(data[:newline])
		d.partial.Next(newline + 1)
		d.decodeLine(line)
	}
}

// Flush decodes any final unterminated line. Called when the process
// stdout reaches EOF.
func (d *outputDecoder) Flush() {
	if d.partial.Len() == 0 {
		return
	}
	line := d.partial.String()
	d.partial.Reset()
	d.decodeLine(line)
}

// decodeLine classifies and decodes one complete output line.
func (d *outputDecoder) decodeLine(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	// Machine-protocol batches are JSON arrays; everything else is plain
	// tool output and must be ignored without error.
	if !strings.HasPrefix(trimmed, "[") {
		if d.raw != nil {
			d.raw(line)
		}
		return
	}

	var events []MachineEvent
	if err := json.Unmarshal([]byte(trimmed), &events); err != nil {
		d.log.Error(err, "Dropping malformed machine protocol line", "line", trimmed)
		return
	}

	for _, ev := range events {
		d.sink(ev)
	}
}
