/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package wire implements the framing layer of the QML debug protocol and the
// routing of frames to sub-protocol services.
//
// Every frame on the socket is a little-endian u32 total length (the four length
// bytes included) followed by the payload. The payload starts with a UTF-16
// sub-protocol tag; see Router.
package wire

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/qmlhelper/qmldap/pkg/resiliency"
)

const (
	frameHeaderSize = 4

	// Upper bound for a single frame. Anything larger is treated as stream corruption.
	maxFrameSize = 64 * 1024 * 1024

	readBufferSize = 64 * 1024
)

var (
	ErrNotConnected      = errors.New("not connected to the debug runtime")
	ErrAlreadyConnected  = errors.New("already connected to the debug runtime")
	ErrMalformedFrame    = errors.New("malformed frame length prefix")
	ErrTransportShutdown = errors.New("frame transport was shut down")
)

// FrameSink receives the payload of every complete frame, in arrival order.
// Returning an error closes the connection.
type FrameSink func(payload []byte) error

type FrameTransportConfig struct {
	Logger logr.Logger

	// Receives complete frame payloads. Called from the read goroutine.
	OnFrame FrameSink

	// Called once when the connection ends. The error is nil if Disconnect() initiated the close.
	OnClose func(err error)

	// How long Connect() keeps retrying a refused connection. Zero means a single attempt.
	ConnectTimeout time.Duration
}

// FrameTransport owns the TCP connection to the debug runtime.
type FrameTransport struct {
	log            logr.Logger
	onFrame        FrameSink
	onClose        func(error)
	connectTimeout time.Duration

	connLock sync.Mutex
	conn     net.Conn

	writeLock sync.Mutex

	// Accumulated bytes that do not form a complete frame yet. Only touched by the read goroutine.
	recvBuf []byte

	disconnecting atomic.Bool
	closeOnce     sync.Once
	readDone      chan struct{}
}

func NewFrameTransport(config FrameTransportConfig) *FrameTransport {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	onFrame := config.OnFrame
	if onFrame == nil {
		onFrame = func([]byte) error { return nil }
	}
	onClose := config.OnClose
	if onClose == nil {
		onClose = func(error) {}
	}

	return &FrameTransport{
		log:            log,
		onFrame:        onFrame,
		onClose:        onClose,
		connectTimeout: config.ConnectTimeout,
	}
}

// Connect opens the TCP connection and starts reading frames.
func (t *FrameTransport) Connect(ctx context.Context, host string, port int) error {
	t.connLock.Lock()
	defer t.connLock.Unlock()

	if t.conn != nil {
		return ErrAlreadyConnected
	}
	if t.readDone != nil {
		// A transport is good for one connection.
		return ErrTransportShutdown
	}

	address := net.JoinHostPort(host, strconv.Itoa(port))
	t.log.V(1).Info("Connecting to debug runtime", "address", address)

	conn, dialErr := t.dial(ctx, address)
	if dialErr != nil {
		return fmt.Errorf("failed to connect to %s: %w", address, dialErr)
	}

	t.log.Info("Connected to debug runtime", "address", address)
	t.conn = conn
	t.readDone = make(chan struct{})
	go t.readLoop(conn, t.readDone)
	return nil
}

func (t *FrameTransport) dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := net.Dialer{}
	attempt := func() (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return conn, err
	}

	if t.connectTimeout <= 0 {
		return attempt()
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
		backoff.WithMaxElapsedTime(t.connectTimeout),
	)
	return resiliency.RetryGetWithBackoff(ctx, b, attempt, func(err error, d time.Duration) {
		t.log.V(1).Info("Debug runtime not reachable yet, retrying", "address", address, "delay", d, "error", err.Error())
	})
}

// Connected reports whether a connection is currently open.
func (t *FrameTransport) Connected() bool {
	t.connLock.Lock()
	defer t.connLock.Unlock()
	return t.conn != nil
}

// WriteFrame prefixes the payload with its frame length and writes it to the socket.
func (t *FrameTransport) WriteFrame(payload []byte) error {
	t.connLock.Lock()
	conn := t.conn
	t.connLock.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(frame)))
	copy(frame[frameHeaderSize:], payload)

	if t.log.V(2).Enabled() {
		t.log.V(2).Info("Sending frame", "size", len(frame), "bytes", hex.EncodeToString(frame))
	}

	t.writeLock.Lock()
	defer t.writeLock.Unlock()

	written := 0
	for written < len(frame) {
		n, writeErr := conn.Write(frame[written:])
		written += n
		if writeErr != nil {
			return fmt.Errorf("failed to write frame (%d of %d bytes written): %w", written, len(frame), writeErr)
		}
		if n == 0 {
			return fmt.Errorf("failed to write frame (%d of %d bytes written): %w", written, len(frame), io.ErrShortWrite)
		}
	}
	return nil
}

// Disconnect half-closes the socket, then closes it. It is safe to call multiple times.
func (t *FrameTransport) Disconnect() error {
	t.connLock.Lock()
	conn := t.conn
	t.conn = nil
	readDone := t.readDone
	if conn != nil {
		t.disconnecting.Store(true)
	}
	t.connLock.Unlock()

	if conn == nil {
		return nil
	}

	t.log.V(1).Info("Disconnecting from debug runtime", "address", conn.RemoteAddr().String())

	var closeErr error
	if tcpConn, isTCP := conn.(*net.TCPConn); isTCP {
		if halfCloseErr := tcpConn.CloseWrite(); halfCloseErr != nil && !errors.Is(halfCloseErr, net.ErrClosed) {
			closeErr = halfCloseErr
		}
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		closeErr = errors.Join(closeErr, err)
	}

	if readDone != nil {
		select {
		case <-readDone:
		case <-time.After(time.Second):
			t.log.V(1).Info("Read loop did not finish within the expected time after disconnect")
		}
	}

	return closeErr
}

func (t *FrameTransport) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)

	var loopErr error
	defer func() {
		if panicErr := resiliency.MakePanicError(recover(), t.log); panicErr != nil {
			loopErr = panicErr
			_ = conn.Close()
		}
		t.notifyClosed(conn, loopErr)
	}()

	buf := make([]byte, readBufferSize)
	for {
		n, readErr := conn.Read(buf)
		if n > 0 {
			if recvErr := t.receive(buf[:n]); recvErr != nil {
				t.log.Error(recvErr, "Closing connection to debug runtime")
				loopErr = recvErr
				_ = conn.Close()
				return
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				loopErr = readErr
			}
			return
		}
	}
}

func (t *FrameTransport) notifyClosed(conn net.Conn, err error) {
	t.closeOnce.Do(func() {
		t.connLock.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		t.connLock.Unlock()

		if t.disconnecting.Load() {
			t.log.V(1).Info("Connection to debug runtime closed")
			t.onClose(nil)
			return
		}

		if err == nil {
			err = io.EOF
		}
		t.log.Info("Debug runtime closed the connection", "reason", err.Error())
		t.onClose(err)
	})
}

// receive appends newly read bytes and delivers every complete frame they finish.
func (t *FrameTransport) receive(data []byte) error {
	t.recvBuf = append(t.recvBuf, data...)

	for len(t.recvBuf) >= frameHeaderSize {
		frameLen := binary.LittleEndian.Uint32(t.recvBuf)
		if frameLen < frameHeaderSize || frameLen > maxFrameSize {
			return fmt.Errorf("%w: %d", ErrMalformedFrame, frameLen)
		}
		if uint32(len(t.recvBuf)) < frameLen {
			return nil
		}

		// Copy the payload out so handlers may keep it while the buffer is reused.
		payload := make([]byte, frameLen-frameHeaderSize)
		copy(payload, t.recvBuf[frameHeaderSize:frameLen])
		t.recvBuf = t.recvBuf[frameLen:]

		if t.log.V(2).Enabled() {
			t.log.V(2).Info("Received frame", "size", frameLen, "bytes", hex.EncodeToString(payload))
		}

		if sinkErr := t.onFrame(payload); sinkErr != nil {
			return sinkErr
		}
	}

	if len(t.recvBuf) == 0 {
		t.recvBuf = nil
	}
	return nil
}
