/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qmlhelper/qmldap/internal/packet"
	"github.com/qmlhelper/qmldap/internal/service"
)

// v8Command is a V8Debugger request as the runtime received it.
type v8Command struct {
	Command   string
	Arguments json.RawMessage
}

type v8Reply struct {
	Success bool
	Message string
	Body    any
}

// fakeRuntime is a QML debug runtime that speaks the wire protocol over a loopback listener.
type fakeRuntime struct {
	t        *testing.T
	listener net.Listener

	mu               sync.Mutex
	conn             net.Conn
	plugins          []string
	handlers         map[string]func(args json.RawMessage) v8Reply
	afterReply       map[string]func()
	commands         []v8Command
	nextBreakpointId int

	writeMu   sync.Mutex
	connected chan struct{}
	closed    chan struct{}
}

func newFakeRuntime(t *testing.T) *fakeRuntime {
	listener, listenErr := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, listenErr)

	rt := &fakeRuntime{
		t:                t,
		listener:         listener,
		plugins:          []string{service.V8DebuggerName, service.QmlDebuggerName, service.DebugMessagesName},
		handlers:         map[string]func(json.RawMessage) v8Reply{},
		afterReply:       map[string]func(){},
		nextBreakpointId: 3,
		connected:        make(chan struct{}),
		closed:           make(chan struct{}),
	}
	t.Cleanup(func() {
		_ = listener.Close()
		rt.closeConnection()
	})

	go rt.serve()
	return rt
}

func (rt *fakeRuntime) port() int {
	return rt.listener.Addr().(*net.TCPAddr).Port
}

// handle replaces the reply to a V8Debugger command.
func (rt *fakeRuntime) handle(command string, handler func(args json.RawMessage) v8Reply) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.handlers[command] = handler
}

// then schedules fn to run on the connection goroutine right after the reply to command is written.
func (rt *fakeRuntime) then(command string, fn func()) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.afterReply[command] = fn
}

func (rt *fakeRuntime) setPlugins(plugins ...string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.plugins = plugins
}

// received returns the V8Debugger commands received so far, optionally only those with the given name.
func (rt *fakeRuntime) received(names ...string) []v8Command {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var result []v8Command
	for _, c := range rt.commands {
		if len(names) == 0 {
			result = append(result, c)
			continue
		}
		for _, name := range names {
			if c.Command == name {
				result = append(result, c)
				break
			}
		}
	}
	return result
}

func (rt *fakeRuntime) closeConnection() {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (rt *fakeRuntime) waitClosed(ctx context.Context) error {
	select {
	case <-rt.closed:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("the debug adapter did not close the runtime connection: %w", ctx.Err())
	}
}

func (rt *fakeRuntime) serve() {
	defer close(rt.closed)

	conn, acceptErr := rt.listener.Accept()
	if acceptErr != nil {
		return
	}
	rt.mu.Lock()
	rt.conn = conn
	rt.mu.Unlock()
	close(rt.connected)

	for {
		payload, readErr := readFrame(conn)
		if readErr != nil {
			return
		}
		rt.dispatch(payload)
	}
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(header[:])
	if size < 4 {
		return nil, fmt.Errorf("invalid frame length %d", size)
	}
	payload := make([]byte, size-4)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (rt *fakeRuntime) dispatch(payload []byte) {
	p := packet.FromBytes(payload)
	tag, tagErr := p.ReadStringUTF16()
	if tagErr != nil {
		return
	}
	inner, innerErr := p.ReadPacket()
	if innerErr != nil {
		return
	}
	op, opErr := inner.ReadString()
	if opErr != nil {
		return
	}
	seq, seqErr := inner.ReadUint32()
	if seqErr != nil {
		return
	}

	switch tag {
	case service.DeclarativeClientName:
		rt.mu.Lock()
		plugins := rt.plugins
		rt.mu.Unlock()
		reply := packet.New().WriteInt32(service.ProtocolVersion).WriteUint32(uint32(len(plugins)))
		for _, plugin := range plugins {
			reply.WriteStringUTF16(plugin)
		}
		rt.send(tag, op, seq, reply)

	case service.QmlDebuggerName:
		if op == "LIST_ENGINES" {
			rt.send(tag, op, seq, packet.New().WriteUint32(1).WriteString("main").WriteUint32(0))
		}

	case service.V8DebuggerName:
		switch op {
		case "connect":
			rt.send(tag, op, seq, nil)
		case "disconnect":
			rt.record(v8Command{Command: "disconnect"})
			rt.send(tag, op, seq, nil)
		case "v8request":
			raw, rawErr := inner.ReadString()
			if rawErr != nil {
				return
			}
			var req struct {
				Command   string          `json:"command"`
				Arguments json.RawMessage `json:"arguments"`
			}
			if err := json.Unmarshal([]byte(raw), &req); err != nil {
				return
			}
			cmd := v8Command{Command: req.Command, Arguments: req.Arguments}
			reply := rt.reply(cmd)
			rt.record(cmd)

			resp := map[string]any{
				"type":    "response",
				"command": cmd.Command,
				"success": reply.Success,
				"running": cmd.Command == "continue",
				"body":    reply.Body,
			}
			if reply.Message != "" {
				resp["message"] = reply.Message
			}
			data, _ := json.Marshal(resp)
			rt.send(tag, "v8message", seq, packet.New().WriteString(string(data)))

			rt.mu.Lock()
			next := rt.afterReply[cmd.Command]
			rt.mu.Unlock()
			if next != nil {
				next()
			}
		}
	}
}

func (rt *fakeRuntime) record(cmd v8Command) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.commands = append(rt.commands, cmd)
}

func (rt *fakeRuntime) reply(cmd v8Command) v8Reply {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if handler, found := rt.handlers[cmd.Command]; found {
		return handler(cmd.Arguments)
	}
	if cmd.Command == "setbreakpoint" {
		id := rt.nextBreakpointId
		rt.nextBreakpointId++
		return v8Reply{Success: true, Body: map[string]any{"type": "scriptRegExp", "breakpoint": id}}
	}
	return v8Reply{Success: true}
}

func (rt *fakeRuntime) send(tag, op string, seq uint32, fields *packet.Packet) {
	inner := packet.New().WriteString(op).WriteUint32(seq).Append(fields)
	payload := packet.New().WriteStringUTF16(tag).WritePacket(inner).Bytes()
	frame := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(frame)))
	copy(frame[4:], payload)

	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()
	if conn == nil {
		return
	}

	rt.writeMu.Lock()
	defer rt.writeMu.Unlock()
	_, _ = conn.Write(frame)
}

// sendBreak reports that execution stopped at a runtime (zero-based) line.
func (rt *fakeRuntime) sendBreak(script string, line int) {
	rt.sendBreakAt(script, line, 0)
}

func (rt *fakeRuntime) sendBreakAt(script string, line, column int) {
	event := map[string]any{
		"type":  "event",
		"event": "break",
		"body": map[string]any{
			"sourceLine":   line,
			"sourceColumn": column,
			"script":       map[string]any{"name": script},
		},
	}
	data, _ := json.Marshal(event)
	rt.send(service.V8DebuggerName, "event", 0, packet.New().WriteString(string(data)))
}

func (rt *fakeRuntime) sendConsoleMessage(msgType service.MessageType, message, file string, line int) {
	fields := packet.New().
		WriteInt32(int32(msgType)).
		WriteString(message).
		WriteString(file).
		WriteInt32(int32(line)).
		WriteString("")
	rt.send(service.DebugMessagesName, "MESSAGE", 0, fields)
}

// jsonReply answers a command with a fixed body.
func jsonReply(body any) func(json.RawMessage) v8Reply {
	return func(json.RawMessage) v8Reply {
		return v8Reply{Success: true, Body: body}
	}
}
