/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/qmlhelper/qmldap/internal/packet"
)

const (
	V8DebuggerName = "V8Debugger"

	v8OpConnect    = "connect"
	v8OpRequest    = "v8request"
	v8OpDisconnect = "disconnect"
	v8OpMessage    = "v8message"
	v8OpEvent      = "event"
)

// Step actions accepted by Continue.
const (
	StepIn   = "in"
	StepOut  = "out"
	StepNext = "next"
)

type v8Request struct {
	Type      string `json:"type"`
	Command   string `json:"command"`
	Arguments any    `json:"arguments,omitempty"`
}

type v8Response struct {
	Type    string          `json:"type"`
	Command string          `json:"command"`
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Running bool            `json:"running"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// V8Event is an unsolicited notification of the execution-control service.
type V8Event struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Body  json.RawMessage `json:"body,omitempty"`
}

type ScriptRef struct {
	Name string `json:"name"`
}

// BreakEvent is the body of the "break" event.
type BreakEvent struct {
	SourceLine     int       `json:"sourceLine"`
	SourceColumn   int       `json:"sourceColumn"`
	InvocationText string    `json:"invocationText,omitempty"`
	Script         ScriptRef `json:"script"`
	Breakpoints    []int     `json:"breakpoints,omitempty"`
}

type ScopeRef struct {
	Type  int `json:"type"`
	Index int `json:"index"`
}

type Frame struct {
	Index         int        `json:"index"`
	Func          string     `json:"func"`
	Script        string     `json:"script"`
	Line          int        `json:"line"`
	DebuggerFrame bool       `json:"debuggerFrame"`
	Scopes        []ScopeRef `json:"scopes,omitempty"`
}

type Backtrace struct {
	FromFrame int     `json:"fromFrame"`
	ToFrame   int     `json:"toFrame"`
	Frames    []Frame `json:"frames"`
}

// Value is a remote value. For objects Value holds the member count (nil for null objects).
type Value struct {
	Handle     int        `json:"handle"`
	Type       string     `json:"type"`
	Value      any        `json:"value"`
	Ref        int        `json:"ref,omitempty"`
	Properties []Property `json:"properties,omitempty"`
}

type Property struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value any    `json:"value"`
	Ref   int    `json:"ref,omitempty"`
}

type Scope struct {
	Type       int    `json:"type"`
	Index      int    `json:"index"`
	FrameIndex int    `json:"frameIndex"`
	Object     *Value `json:"object,omitempty"`
}

type setBreakpointArgs struct {
	Type    string `json:"type"`
	Target  string `json:"target"`
	Line    int    `json:"line"`
	Enabled bool   `json:"enabled"`
}

type setBreakpointResult struct {
	Type       string `json:"type"`
	Breakpoint int    `json:"breakpoint"`
}

type clearBreakpointArgs struct {
	Breakpoint int `json:"breakpoint"`
}

type exceptionBreakArgs struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

type continueArgs struct {
	StepAction string `json:"stepaction"`
	StepCount  int    `json:"stepcount"`
}

type numberArgs struct {
	Number int `json:"number"`
}

type lookupArgs struct {
	Handles []int `json:"handles"`
}

type evaluateArgs struct {
	Expression string `json:"expression"`
	Frame      int    `json:"frame"`
}

// V8Debugger drives execution control and inspection of the QML engine.
type V8Debugger struct {
	*Service
	onEvent func(V8Event)
}

// NewV8Debugger creates the service. onEvent receives every unsolicited event on the read goroutine.
func NewV8Debugger(opts Options, onEvent func(V8Event)) *V8Debugger {
	v := &V8Debugger{onEvent: onEvent}
	v.Service = New(Config{
		Options: opts,
		Name:    V8DebuggerName,
		IsEvent: isV8Event,
		OnEvent: v.handleEvent,
	})
	return v
}

// Events normally use their own operation, but an event carried by a v8message is accepted as well.
func isV8Event(operation string, seq uint32, fields *packet.Packet) bool {
	switch operation {
	case v8OpEvent:
		return true
	case v8OpMessage:
		if seq != 0 {
			return false
		}
		raw, readErr := fields.ReadString()
		if readErr != nil {
			return false
		}
		var probe struct {
			Type string `json:"type"`
		}
		return json.Unmarshal([]byte(raw), &probe) == nil && probe.Type == "event"
	default:
		return false
	}
}

func (v *V8Debugger) handleEvent(_ string, _ uint32, fields *packet.Packet) error {
	raw, readErr := fields.ReadString()
	if readErr != nil {
		return readErr
	}
	var event V8Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if v.onEvent != nil {
		v.onEvent(event)
	}
	return nil
}

// Handshake announces the client to the V8 service.
func (v *V8Debugger) Handshake(ctx context.Context) error {
	params := `{"redundantRefs":false,"namesAsObjects":false}`
	if _, err := v.Request(ctx, v8OpConnect, packet.New().WriteString(params)); err != nil {
		return fmt.Errorf("V8 debugger handshake failed: %w", err)
	}
	return nil
}

// Disconnect tells the runtime the client is going away.
func (v *V8Debugger) Disconnect(ctx context.Context) error {
	body, marshalErr := json.Marshal(v8Request{Type: "request", Command: v8OpDisconnect})
	if marshalErr != nil {
		return marshalErr
	}
	if _, err := v.Request(ctx, v8OpDisconnect, packet.New().WriteString(string(body))); err != nil {
		return fmt.Errorf("V8 debugger disconnect failed: %w", err)
	}
	return nil
}

func (v *V8Debugger) command(ctx context.Context, command string, args any) (*v8Response, error) {
	body, marshalErr := json.Marshal(v8Request{Type: "request", Command: command, Arguments: args})
	if marshalErr != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", command, marshalErr)
	}

	reply, reqErr := v.Request(ctx, v8OpRequest, packet.New().WriteString(string(body)))
	if reqErr != nil {
		return nil, reqErr
	}

	raw, readErr := reply.ReadString()
	if readErr != nil {
		return nil, fmt.Errorf("%w: %s response: %w", ErrMalformedResponse, command, readErr)
	}
	var resp v8Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("%w: %s response: %w", ErrMalformedResponse, command, err)
	}
	if !resp.Success {
		return nil, &RemoteError{Command: command, Message: resp.Message}
	}
	return &resp, nil
}

// v8call issues a command and decodes the response body into T.
func v8call[T any](ctx context.Context, v *V8Debugger, command string, args any) (T, error) {
	var body T
	resp, err := v.command(ctx, command, args)
	if err != nil {
		return body, err
	}
	if len(resp.Body) == 0 || string(resp.Body) == "null" {
		return body, nil
	}
	if unmarshalErr := json.Unmarshal(resp.Body, &body); unmarshalErr != nil {
		return body, fmt.Errorf("%w: %s body: %w", ErrMalformedResponse, command, unmarshalErr)
	}
	return body, nil
}

// SetBreakpoint returns the runtime-assigned breakpoint id.
func (v *V8Debugger) SetBreakpoint(ctx context.Context, target string, line int) (int, error) {
	res, err := v8call[setBreakpointResult](ctx, v, "setbreakpoint", setBreakpointArgs{
		Type:    "scriptRegExp",
		Target:  target,
		Line:    line,
		Enabled: true,
	})
	return res.Breakpoint, err
}

func (v *V8Debugger) ClearBreakpoint(ctx context.Context, id int) error {
	_, err := v8call[json.RawMessage](ctx, v, "clearbreakpoint", clearBreakpointArgs{Breakpoint: id})
	return err
}

// SetExceptionBreak enables or disables breaking on exceptions ("all" or "uncaught").
func (v *V8Debugger) SetExceptionBreak(ctx context.Context, kind string, enabled bool) error {
	_, err := v8call[json.RawMessage](ctx, v, "setexceptionbreak", exceptionBreakArgs{Type: kind, Enabled: enabled})
	return err
}

func (v *V8Debugger) Backtrace(ctx context.Context) (*Backtrace, error) {
	bt, err := v8call[Backtrace](ctx, v, "backtrace", struct{}{})
	if err != nil {
		return nil, err
	}
	return &bt, nil
}

func (v *V8Debugger) Frame(ctx context.Context, number int) (*Frame, error) {
	f, err := v8call[Frame](ctx, v, "frame", numberArgs{Number: number})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (v *V8Debugger) Scope(ctx context.Context, number int) (*Scope, error) {
	s, err := v8call[Scope](ctx, v, "scope", numberArgs{Number: number})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Lookup returns the objects for the given handles, keyed by handle.
func (v *V8Debugger) Lookup(ctx context.Context, handles ...int) (map[string]Value, error) {
	return v8call[map[string]Value](ctx, v, "lookup", lookupArgs{Handles: handles})
}

func (v *V8Debugger) Evaluate(ctx context.Context, expression string, frame int) (*Value, error) {
	val, err := v8call[Value](ctx, v, "evaluate", evaluateArgs{Expression: expression, Frame: frame})
	if err != nil {
		return nil, err
	}
	return &val, nil
}

// Continue resumes execution. An empty stepAction means run until the next break.
func (v *V8Debugger) Continue(ctx context.Context, stepAction string) error {
	var args any
	if stepAction != "" {
		args = continueArgs{StepAction: stepAction, StepCount: 1}
	}
	_, err := v8call[json.RawMessage](ctx, v, "continue", args)
	return err
}
