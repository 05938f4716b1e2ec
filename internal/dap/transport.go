/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/go-dap"
)

// ErrTransportClosed is returned by ReadMessage and WriteMessage after Close.
var ErrTransportClosed = errors.New("DAP transport is closed")

// Transport carries DAP messages between the IDE and the adapter.
// ReadMessage must only be called from one goroutine; WriteMessage may be called concurrently.
type Transport interface {
	// ReadMessage blocks until a complete message is available.
	ReadMessage() (dap.Message, error)

	WriteMessage(msg dap.Message) error

	// Close unblocks pending reads and writes. It is safe to call more than once.
	Close() error
}

// streamTransport frames DAP messages with Content-Length headers over any byte stream.
type streamTransport struct {
	reader  *bufio.Reader
	writer  *bufio.Writer
	closers []io.Closer

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// NewConnTransport serves DAP over a network connection (a TCP client of `serve --listen`, or net.Pipe in tests).
func NewConnTransport(conn net.Conn) Transport {
	return &streamTransport{
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		closers: []io.Closer{conn},
	}
}

// NewStdioTransport serves DAP over the process standard streams.
func NewStdioTransport(stdin io.ReadCloser, stdout io.WriteCloser) Transport {
	return &streamTransport{
		reader:  bufio.NewReader(stdin),
		writer:  bufio.NewWriter(stdout),
		closers: []io.Closer{stdin, stdout},
	}
}

func (t *streamTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *streamTransport) ReadMessage() (dap.Message, error) {
	if t.isClosed() {
		return nil, ErrTransportClosed
	}

	msg, readErr := dap.ReadProtocolMessage(t.reader)
	if readErr != nil {
		if t.isClosed() {
			return nil, ErrTransportClosed
		}
		if errors.Is(readErr, io.EOF) {
			return nil, readErr
		}
		return nil, fmt.Errorf("failed to read DAP message: %w", readErr)
	}
	return msg, nil
}

func (t *streamTransport) WriteMessage(msg dap.Message) error {
	if t.isClosed() {
		return ErrTransportClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if writeErr := dap.WriteProtocolMessage(t.writer, msg); writeErr != nil {
		return fmt.Errorf("failed to write DAP message: %w", writeErr)
	}
	if flushErr := t.writer.Flush(); flushErr != nil {
		return fmt.Errorf("failed to flush DAP message: %w", flushErr)
	}
	return nil
}

func (t *streamTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	var errs []error
	for _, c := range t.closers {
		if closeErr := c.Close(); closeErr != nil {
			errs = append(errs, closeErr)
		}
	}
	return errors.Join(errs...)
}
