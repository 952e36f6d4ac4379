// Copyright (c) Flutter DAP Bridge Authors.
// Licensed under the MIT License.

package dap

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/go-dap"
)

// Transport reads and writes Debug Adapter Protocol messages over some
// underlying byte stream.
type Transport interface {
	// ReadMessage reads the next message from the transport. It blocks
	// until a message is available or the transport fails.
	ReadMessage() (dap.Message, error)

	// WriteMessage writes a message to the transport. Safe for concurrent
	// use.
	WriteMessage(msg dap.Message) error

	// Close closes the transport, failing any blocked ReadMessage call.
	Close() error
}

// connTransport is a Transport over a single network connection.
type connTransport struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex

	closeMu sync.Mutex
	closed  bool
}

// NewConnTransport returns a Transport that exchanges messages over conn.
func NewConnTransport(conn net.Conn) Transport {
	return &connTransport{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

func (t *connTransport) ReadMessage() (dap.Message, error) {
	return readProtocolMessage(t.reader)
}

func (t *connTransport) WriteMessage(msg dap.Message) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return dap.WriteProtocolMessage(t.conn, msg)
}

func (t *connTransport) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

// stdioTransport is a Transport over a reader/writer pair, typically the
// process's own standard input and output.
type stdioTransport struct {
	in     io.Reader
	reader *bufio.Reader
	writer io.Writer

	writeMu sync.Mutex

	closeMu sync.Mutex
	closed  bool
}

// NewStdioTransport returns a Transport that reads messages from in and
// writes them to out.
func NewStdioTransport(in io.Reader, out io.Writer) Transport {
	return &stdioTransport{
		in:     in,
		reader: bufio.NewReader(in),
		writer: out,
	}
}

// NewOSStdioTransport returns a Transport over the process's standard
// input and output streams.
func NewOSStdioTransport() Transport {
	return NewStdioTransport(os.Stdin, os.Stdout)
}

func (t *stdioTransport) ReadMessage() (dap.Message, error) {
	return readProtocolMessage(t.reader)
}

func (t *stdioTransport) WriteMessage(msg dap.Message) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return dap.WriteProtocolMessage(t.writer, msg)
}

func (t *stdioTransport) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if closer, ok := t.in.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// readProtocolMessage reads one message, falling back to the custom
// message decoder for commands and events the base protocol does not know.
func readProtocolMessage(r *bufio.Reader) (dap.Message, error) {
	data, err := dap.ReadBaseMessage(r)
	if err != nil {
		return nil, err
	}

	msg, err := dap.DecodeProtocolMessage(data)
	if err != nil {
		var fieldErr *dap.DecodeProtocolMessageFieldError
		if errors.As(err, &fieldErr) {
			return decodeCustomMessage(data)
		}
		return nil, err
	}
	return msg, nil
}
