/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package session

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qmlhelper/qmldap/internal/config"
	ide "github.com/qmlhelper/qmldap/internal/dap"
	"github.com/qmlhelper/qmldap/internal/service"
	"github.com/qmlhelper/qmldap/pkg/testutil"
)

type harness struct {
	ctx     context.Context
	runtime *fakeRuntime
	session *Session
	client  *ide.TestClient
	runDone chan error
}

func newHarness(t *testing.T, presentation PresentationSource) *harness {
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	t.Cleanup(cancel)

	rt := newFakeRuntime(t)
	adapterEnd, ideEnd := net.Pipe()
	s := New(Config{
		Logger:         testutil.NewLogForTesting(t.Name()),
		Transport:      ide.NewConnTransport(adapterEnd),
		RequestTimeout: 5 * time.Second,
		Presentation:   presentation,
	})

	h := &harness{
		ctx:     ctx,
		runtime: rt,
		session: s,
		client:  ide.NewTestClient(ide.NewConnTransport(ideEnd)),
		runDone: make(chan error, 1),
	}
	go func() { h.runDone <- s.Run(ctx) }()

	t.Cleanup(func() {
		_ = h.client.Close()
		select {
		case <-h.runDone:
		case <-time.After(10 * time.Second):
			t.Error("session did not end after the IDE went away")
		}
	})
	return h
}

func (h *harness) attachArgs(extra map[string]any) map[string]any {
	args := map[string]any{"host": "127.0.0.1", "port": h.runtime.port()}
	for k, v := range extra {
		args[k] = v
	}
	return args
}

// attach initializes the session with one-based lines and attaches to the fake runtime.
func (h *harness) attach(t *testing.T, extra map[string]any) {
	t.Helper()
	_, initErr := h.client.Initialize(h.ctx, true)
	require.NoError(t, initErr)
	require.NoError(t, h.client.Attach(h.ctx, h.attachArgs(extra)))
	_, eventErr := h.client.WaitForEvent(h.ctx, "initialized")
	require.NoError(t, eventErr)
	require.Equal(t, StateAttached, h.session.State())
}

// stopAt makes the runtime report a break and waits for the stopped event.
func (h *harness) stopAt(t *testing.T, script string, remoteLine int) *dap.StoppedEvent {
	t.Helper()
	h.runtime.sendBreak(script, remoteLine)
	stopped, waitErr := h.client.WaitForStoppedEvent(h.ctx)
	require.NoError(t, waitErr)
	return stopped
}

func requireErrorResponse(t *testing.T, msg dap.Message, code int) *dap.ErrorResponse {
	t.Helper()
	errResp, isErr := msg.(*dap.ErrorResponse)
	require.True(t, isErr, "expected an error response, got %T", msg)
	require.NotNil(t, errResp.Body.Error)
	assert.Equal(t, code, errResp.Body.Error.Id)
	assert.True(t, errResp.Body.Error.ShowUser)
	assert.Contains(t, errResp.Body.Error.Format, "QML Debug: ")
	return errResp
}

func TestInitializeDeclaresCapabilities(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	resp, err := h.client.Initialize(h.ctx, true)
	require.NoError(t, err)
	caps := resp.Body
	assert.True(t, caps.SupportsDelayedStackTraceLoading)
	assert.False(t, caps.SupportsConditionalBreakpoints)
	assert.False(t, caps.SupportsFunctionBreakpoints)
	assert.False(t, caps.SupportsSetVariable)
	assert.False(t, caps.SupportsStepBack)
	require.Len(t, caps.ExceptionBreakpointFilters, 1)
	assert.Equal(t, "all", caps.ExceptionBreakpointFilters[0].Filter)
	assert.Equal(t, "All Exceptions", caps.ExceptionBreakpointFilters[0].Label)
	assert.Equal(t, StateInitialized, h.session.State())

	require.NoError(t, h.client.Launch(h.ctx), "launch is accepted without doing anything")
}

func TestBreakpointHitScenario(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.attach(t, nil)

	resp, err := h.client.SetBreakpoints(h.ctx, "main.qml", []int{10})
	require.NoError(t, err)
	require.Len(t, resp.Body.Breakpoints, 1)
	bp := resp.Body.Breakpoints[0]
	assert.Equal(t, 3, bp.Id, "the runtime assigned id is reported")
	assert.Equal(t, 10, bp.Line)
	assert.True(t, bp.Verified)

	sets := h.runtime.received("setbreakpoint")
	require.Len(t, sets, 1)
	assert.JSONEq(t, `{"type":"scriptRegExp","target":"main.qml","line":9,"enabled":true}`, string(sets[0].Arguments))

	stopped := h.stopAt(t, "main.qml", 9)
	assert.Equal(t, "breakpoint", stopped.Body.Reason)
	assert.Equal(t, []int{0}, stopped.Body.HitBreakpointIds)
	assert.Equal(t, 1, stopped.Body.ThreadId)
	assert.Equal(t, "Breakpoint hit at main.qml on line(s) 0.", stopped.Body.Description)
	assert.Equal(t, StateBreaked, h.session.State())

	stepped := h.stopAt(t, "main.qml", 11)
	assert.Equal(t, "step", stepped.Body.Reason)
	assert.Empty(t, stepped.Body.HitBreakpointIds)
}

func TestSetBreakpointsReconciles(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.attach(t, nil)

	first, err := h.client.SetBreakpoints(h.ctx, "/src/main.qml", []int{10, 20})
	require.NoError(t, err)
	require.Len(t, first.Body.Breakpoints, 2)

	second, err := h.client.SetBreakpoints(h.ctx, "/src/main.qml", []int{10, 20})
	require.NoError(t, err)
	assert.Equal(t, first.Body.Breakpoints, second.Body.Breakpoints)
	assert.Len(t, h.runtime.received("setbreakpoint"), 2, "unchanged breakpoints must not be sent again")
	assert.Empty(t, h.runtime.received("clearbreakpoint"))

	_, err = h.client.SetBreakpoints(h.ctx, "/src/Other.qml", []int{10})
	require.NoError(t, err)

	third, err := h.client.SetBreakpoints(h.ctx, "/src/main.qml", []int{20, 30})
	require.NoError(t, err)
	lines := []int{}
	for _, bp := range third.Body.Breakpoints {
		lines = append(lines, bp.Line)
	}
	assert.Equal(t, []int{20, 30}, lines)

	clears := h.runtime.received("clearbreakpoint")
	require.Len(t, clears, 1, "only the removed line is cleared, other files are untouched")
	assert.JSONEq(t, `{"breakpoint":3}`, string(clears[0].Arguments))
	assert.Len(t, h.runtime.received("setbreakpoint"), 4)

	empty, err := h.client.SetBreakpoints(h.ctx, "/src/main.qml", nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Body.Breakpoints)
	assert.Len(t, h.runtime.received("clearbreakpoint"), 3)
}

func TestSetBreakpointsRejectionEndsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.attach(t, nil)

	h.runtime.handle("setbreakpoint", func(json.RawMessage) v8Reply {
		return v8Reply{Success: false, Message: "no such script"}
	})

	msg, sendErr := h.client.Send(h.ctx, ide.SetBreakpointsRequest("main.qml", []int{1}))
	require.NoError(t, sendErr)
	errResp := requireErrorResponse(t, msg, ErrorCodeBreakpoints)
	assert.Contains(t, errResp.Body.Error.Format, "setbreakpoint")
	assert.Contains(t, errResp.Body.Error.Format, "no such script")

	require.NoError(t, h.client.WaitForTerminatedEvent(h.ctx))
}

func TestAttachFailures(t *testing.T) {
	t.Parallel()

	t.Run("nothing listening", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)

		// Grab a port that is certainly closed.
		l, listenErr := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, listenErr)
		port := l.Addr().(*net.TCPAddr).Port
		require.NoError(t, l.Close())

		_, initErr := h.client.Initialize(h.ctx, true)
		require.NoError(t, initErr)
		req, reqErr := ide.AttachRequest(map[string]any{"host": "127.0.0.1", "port": port})
		require.NoError(t, reqErr)
		msg, sendErr := h.client.Send(h.ctx, req)
		require.NoError(t, sendErr)

		errResp := requireErrorResponse(t, msg, ErrorCodeAttach)
		assert.Contains(t, errResp.Body.Error.Format, "Host: 127.0.0.1")
		assert.Contains(t, errResp.Body.Error.Format, "Port: ")
		require.NoError(t, h.client.WaitForTerminatedEvent(h.ctx))
	})

	t.Run("runtime lacks the V8 debugger", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		h.runtime.setPlugins(service.QmlDebuggerName)

		_, initErr := h.client.Initialize(h.ctx, true)
		require.NoError(t, initErr)
		req, reqErr := ide.AttachRequest(h.attachArgs(nil))
		require.NoError(t, reqErr)
		msg, sendErr := h.client.Send(h.ctx, req)
		require.NoError(t, sendErr)

		requireErrorResponse(t, msg, ErrorCodeAttach)
		require.NoError(t, h.client.WaitForTerminatedEvent(h.ctx))
	})

	t.Run("attach before initialize", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)

		req, reqErr := ide.AttachRequest(h.attachArgs(nil))
		require.NoError(t, reqErr)
		msg, sendErr := h.client.Send(h.ctx, req)
		require.NoError(t, sendErr)
		requireErrorResponse(t, msg, ErrorCodeAttach)
	})
}

func TestThreads(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.attach(t, nil)

	resp, err := h.client.Threads(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, []dap.Thread{{Id: 1, Name: "Qml Thread"}}, resp.Body.Threads)
}

func TestStackTraceMapsLocations(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.runtime.handle("backtrace", jsonReply(map[string]any{
		"fromFrame": 0,
		"toFrame":   3,
		"frames": []map[string]any{
			{"index": 0, "func": "onClicked", "script": "qrc:/main.qml", "line": 9},
			{"index": 1, "func": "layout", "script": "qrc:/ui/Button.qml", "line": 19},
			{"index": 2, "func": "", "script": "file:///opt/other.qml", "line": 0},
		},
	}))
	h.attach(t, map[string]any{"paths": map[string]string{"qrc:/": "/home/user/project"}})
	h.runtime.sendBreakAt("qrc:/main.qml", 9, 4)
	_, stopErr := h.client.WaitForStoppedEvent(h.ctx)
	require.NoError(t, stopErr)

	all, err := h.client.StackTrace(h.ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, all.Body.TotalFrames)
	require.Len(t, all.Body.StackFrames, 3)
	top := all.Body.StackFrames[0]
	assert.Equal(t, 0, top.Id)
	assert.Equal(t, "onClicked", top.Name)
	assert.Equal(t, 10, top.Line)
	assert.Equal(t, 5, top.Column, "the stop column is reported on the top frame")
	assert.Equal(t, 1, all.Body.StackFrames[1].Column)
	require.NotNil(t, top.Source)
	assert.Equal(t, "/home/user/project/main.qml", top.Source.Path)
	assert.Equal(t, "main.qml", top.Source.Name)
	assert.Equal(t, "file:///opt/other.qml", all.Body.StackFrames[2].Source.Path, "unmapped paths pass through")

	page, err := h.client.StackTrace(h.ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Body.TotalFrames)
	require.Len(t, page.Body.StackFrames, 1)
	assert.Equal(t, 1, page.Body.StackFrames[0].Id)
	assert.Equal(t, "/home/user/project/ui/Button.qml", page.Body.StackFrames[0].Source.Path)
	assert.Equal(t, 20, page.Body.StackFrames[0].Line)
}

func TestScopesOmitEmptyScopes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.runtime.handle("frame", jsonReply(map[string]any{
		"index": 0,
		"scopes": []map[string]any{
			{"type": 1, "index": 0},
			{"type": 2, "index": 1},
			{"type": 0, "index": 2},
			{"type": 4, "index": 3},
		},
	}))
	h.runtime.handle("scope", func(args json.RawMessage) v8Reply {
		var a struct {
			Number int `json:"number"`
		}
		_ = json.Unmarshal(args, &a)
		switch a.Number {
		case 0:
			return v8Reply{Success: true, Body: map[string]any{"type": 1, "index": 0, "object": map[string]any{"handle": 10, "type": "object", "value": 2}}}
		case 1:
			return v8Reply{Success: true, Body: map[string]any{"type": 2, "index": 1, "object": map[string]any{"handle": 11, "type": "object", "value": 0}}}
		case 3:
			return v8Reply{Success: true, Body: map[string]any{"type": 4, "index": 3, "object": map[string]any{"handle": 12, "type": "object", "value": nil}}}
		default:
			return v8Reply{Success: true, Body: map[string]any{"type": 0, "index": 2}}
		}
	})
	h.attach(t, nil)
	h.stopAt(t, "main.qml", 0)

	resp, err := h.client.Scopes(h.ctx, 0)
	require.NoError(t, err)
	require.Len(t, resp.Body.Scopes, 2, "scopes without an object or with zero members are hidden")
	scope := resp.Body.Scopes[0]
	assert.Equal(t, "Arguments", scope.Name)
	assert.Equal(t, "arguments", scope.PresentationHint)
	assert.Equal(t, 11, scope.VariablesReference)
	assert.Equal(t, 2, scope.NamedVariables)

	unknownSize := resp.Body.Scopes[1]
	assert.Equal(t, "Locals", unknownSize.Name, "a scope with an unknown member count is kept")
	assert.Equal(t, 13, unknownSize.VariablesReference)
	assert.Equal(t, 0, unknownSize.NamedVariables)
	assert.Len(t, h.runtime.received("scope"), 4)
}

func objectLookup(handle int, properties []map[string]any) func(json.RawMessage) v8Reply {
	return jsonReply(map[string]any{
		"5": map[string]any{"handle": handle, "type": "object", "value": len(properties), "properties": properties},
	})
}

var sampleMembers = []map[string]any{
	{"name": "zeta", "type": "number", "value": 1},
	{"name": "onClicked", "type": "function", "value": "function() {}"},
	{"name": "alpha", "type": "string", "value": "hi"},
	{"name": "child", "type": "object", "value": 2, "ref": 7},
	{"name": "empty", "type": "object", "value": nil, "ref": 8},
}

func variableNames(vars []dap.Variable) []string {
	names := make([]string, 0, len(vars))
	for _, v := range vars {
		names = append(names, v.Name)
	}
	return names
}

func TestVariablesPresentation(t *testing.T) {
	t.Parallel()

	t.Run("filtered and sorted", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		h.runtime.handle("lookup", objectLookup(5, sampleMembers))
		h.attach(t, nil)

		resp, err := h.client.Variables(h.ctx, 6, 0, 0)
		require.NoError(t, err)
		lookups := h.runtime.received("lookup")
		require.Len(t, lookups, 1)
		assert.JSONEq(t, `{"handles":[5]}`, string(lookups[0].Arguments))

		vars := resp.Body.Variables
		require.Equal(t, []string{"alpha", "child", "empty", "zeta"}, variableNames(vars))
		assert.Equal(t, `"hi"`, vars[0].Value)
		assert.Equal(t, "object", vars[1].Value)
		assert.Equal(t, 8, vars[1].VariablesReference)
		assert.Equal(t, 2, vars[1].NamedVariables)
		assert.Equal(t, "null", vars[2].Value)
		assert.Equal(t, 0, vars[2].VariablesReference)
		assert.Equal(t, "1", vars[3].Value)
		for _, v := range vars {
			require.NotNil(t, v.PresentationHint)
			assert.Equal(t, "property", v.PresentationHint.Kind)
		}

		page, err := h.client.Variables(h.ctx, 6, 1, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"child", "empty"}, variableNames(page.Body.Variables))
	})

	t.Run("overridden at attach", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		h.runtime.handle("lookup", objectLookup(5, sampleMembers))
		h.attach(t, map[string]any{"filterFunctions": false, "sortMembers": false})

		resp, err := h.client.Variables(h.ctx, 6, 0, 0)
		require.NoError(t, err)
		vars := resp.Body.Variables
		require.Equal(t, []string{"zeta", "onClicked", "alpha", "child", "empty"}, variableNames(vars))
		assert.Equal(t, "function", vars[1].Value)
		assert.Equal(t, "method", vars[1].PresentationHint.Kind)
	})
}

func TestLookupCacheWhileStopped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.runtime.handle("lookup", objectLookup(5, sampleMembers))
	h.attach(t, nil)
	h.stopAt(t, "main.qml", 0)

	for range 2 {
		_, err := h.client.Variables(h.ctx, 6, 0, 0)
		require.NoError(t, err)
	}
	assert.Len(t, h.runtime.received("lookup"), 1, "objects are cached while the program is stopped")

	require.NoError(t, h.client.Continue(h.ctx))
	assert.Equal(t, StateRunning, h.session.State())
	h.stopAt(t, "main.qml", 1)

	_, err := h.client.Variables(h.ctx, 6, 0, 0)
	require.NoError(t, err)
	assert.Len(t, h.runtime.received("lookup"), 2, "resuming drops cached objects")
}

func TestEvaluate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.runtime.handle("evaluate", func(args json.RawMessage) v8Reply {
		var a struct {
			Expression string `json:"expression"`
		}
		_ = json.Unmarshal(args, &a)
		switch a.Expression {
		case "item":
			return v8Reply{Success: true, Body: map[string]any{"handle": 20, "type": "object", "value": 4}}
		case "label":
			return v8Reply{Success: true, Body: map[string]any{"handle": 21, "type": "string", "value": "OK"}}
		default:
			return v8Reply{Success: false, Message: "ReferenceError: " + a.Expression + " is not defined"}
		}
	})
	h.attach(t, nil)
	h.stopAt(t, "main.qml", 0)

	obj, err := h.client.Evaluate(h.ctx, "item", 0)
	require.NoError(t, err)
	assert.Equal(t, "object", obj.Body.Result)
	assert.Equal(t, "object", obj.Body.Type)
	assert.Equal(t, 21, obj.Body.VariablesReference)
	assert.Equal(t, 4, obj.Body.NamedVariables)

	str, err := h.client.Evaluate(h.ctx, "label", 0)
	require.NoError(t, err)
	assert.Equal(t, `"OK"`, str.Body.Result)
	assert.Equal(t, 0, str.Body.VariablesReference)

	msg, sendErr := h.client.Send(h.ctx, &dap.EvaluateRequest{
		Request:   dap.Request{Command: "evaluate"},
		Arguments: dap.EvaluateArguments{Expression: "missing"},
	})
	require.NoError(t, sendErr)
	errResp := requireErrorResponse(t, msg, ErrorCodeRequest)
	assert.Contains(t, errResp.Body.Error.Format, "evaluate")
	require.NoError(t, h.client.WaitForTerminatedEvent(h.ctx))
}

func TestSteppingCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.attach(t, nil)

	h.stopAt(t, "main.qml", 0)
	require.NoError(t, h.client.Next(h.ctx))
	h.stopAt(t, "main.qml", 1)
	require.NoError(t, h.client.StepIn(h.ctx))
	h.stopAt(t, "main.qml", 2)
	require.NoError(t, h.client.StepOut(h.ctx))
	h.stopAt(t, "main.qml", 3)
	require.NoError(t, h.client.Continue(h.ctx))

	continues := h.runtime.received("continue")
	require.Len(t, continues, 4)
	assert.JSONEq(t, `{"stepaction":"next","stepcount":1}`, string(continues[0].Arguments))
	assert.JSONEq(t, `{"stepaction":"in","stepcount":1}`, string(continues[1].Arguments))
	assert.JSONEq(t, `{"stepaction":"out","stepcount":1}`, string(continues[2].Arguments))
	assert.Empty(t, continues[3].Arguments, "plain continue carries no arguments")
	assert.Equal(t, StateRunning, h.session.State())
}

func TestBreakRightAfterStepResponse(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.runtime.handle("lookup", objectLookup(5, sampleMembers))
	h.attach(t, nil)
	h.stopAt(t, "main.qml", 0)

	// A real runtime stops again as soon as the step completes, often before the
	// adapter has finished answering the step request.
	h.runtime.then("continue", func() { h.runtime.sendBreak("main.qml", 1) })

	for _, step := range []func(context.Context) error{h.client.Next, h.client.StepIn, h.client.StepOut, h.client.Continue} {
		require.NoError(t, step(h.ctx))
		stopped, err := h.client.WaitForStoppedEvent(h.ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, stopped.Body.Line)
		require.Equal(t, StateBreaked, h.session.State(), "the break that followed the step must win")
	}

	// Stopped sessions cache lookups.
	for range 2 {
		_, err := h.client.Variables(h.ctx, 6, 0, 0)
		require.NoError(t, err)
	}
	assert.Len(t, h.runtime.received("lookup"), 1)
}

func TestMessagesReachIDEInSeqOrder(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	adapterEnd, ideEnd := net.Pipe()
	s := New(Config{
		Logger:    testutil.NewLogForTesting(t.Name()),
		Transport: ide.NewConnTransport(adapterEnd),
	})
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	raw := ide.NewConnTransport(ideEnd)
	const requests = 20
	go func() {
		for i := 1; i <= requests; i++ {
			_ = raw.WriteMessage(&dap.ThreadsRequest{Request: dap.Request{
				ProtocolMessage: dap.ProtocolMessage{Seq: i, Type: "request"},
				Command:         "threads",
			}})
		}
	}()

	last := 0
	for range requests {
		msg, err := raw.ReadMessage()
		require.NoError(t, err)
		resp, ok := msg.(*dap.ThreadsResponse)
		require.True(t, ok, "unexpected message %T", msg)
		assert.Greater(t, resp.Seq, last, "seq numbers must increase on the wire")
		last = resp.Seq
	}

	require.NoError(t, raw.Close())
	select {
	case <-runDone:
	case <-ctx.Done():
		t.Fatal("session did not end")
	}
}

func TestSetExceptionBreakpoints(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.attach(t, nil)

	require.NoError(t, h.client.SetExceptionBreakpoints(h.ctx, "all"))
	require.NoError(t, h.client.SetExceptionBreakpoints(h.ctx))

	calls := h.runtime.received("setexceptionbreak")
	require.Len(t, calls, 2)
	assert.JSONEq(t, `{"type":"all","enabled":true}`, string(calls[0].Arguments))
	assert.JSONEq(t, `{"type":"all","enabled":false}`, string(calls[1].Arguments))
}

func TestDisconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.attach(t, nil)
	h.stopAt(t, "main.qml", 0)

	require.NoError(t, h.client.Disconnect(h.ctx))

	commands := h.runtime.received("continue", "disconnect")
	require.Len(t, commands, 2)
	assert.Equal(t, "continue", commands[0].Command)
	assert.Equal(t, "disconnect", commands[1].Command)

	require.NoError(t, h.runtime.waitClosed(h.ctx))
	select {
	case runErr := <-h.runDone:
		require.NoError(t, runErr)
		h.runDone <- runErr
	case <-h.ctx.Done():
		t.Fatal("session did not end after disconnect")
	}
	assert.Equal(t, StateDisconnected, h.session.State())
}

func TestRuntimeClosingTerminatesSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.attach(t, nil)

	h.runtime.closeConnection()
	require.NoError(t, h.client.WaitForTerminatedEvent(h.ctx))
	assert.Equal(t, StateDisconnected, h.session.State())

	msg, sendErr := h.client.Send(h.ctx, &dap.StackTraceRequest{
		Request:   dap.Request{Command: "stackTrace"},
		Arguments: dap.StackTraceArguments{ThreadId: 1},
	})
	require.NoError(t, sendErr)
	requireErrorResponse(t, msg, ErrorCodeRequest)

	require.NoError(t, h.client.Disconnect(h.ctx), "disconnect after the runtime went away still succeeds")
}

func TestConsoleMessagesBecomeOutput(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.attach(t, map[string]any{"paths": map[string]string{"qrc:/": "/home/user/project"}})

	h.runtime.sendConsoleMessage(service.MessageWarning, "careful", "qrc:/main.qml", 4)
	msg, err := h.client.WaitForEvent(h.ctx, "output")
	require.NoError(t, err)
	output, ok := msg.(*dap.OutputEvent)
	require.True(t, ok, "unexpected event type %T", msg)
	assert.Equal(t, "stderr", output.Body.Category)
	assert.Equal(t, "careful\n", output.Body.Output)
	require.NotNil(t, output.Body.Source)
	assert.Equal(t, "/home/user/project/main.qml", output.Body.Source.Path)
	assert.Equal(t, 5, output.Body.Line)

	h.runtime.sendConsoleMessage(service.MessageDebug, "hello", "", 0)
	msg, err = h.client.WaitForEvent(h.ctx, "output")
	require.NoError(t, err)
	assert.Equal(t, "console", msg.(*dap.OutputEvent).Body.Category)
}

type fakePresentation struct {
	mu       sync.Mutex
	current  config.Presentation
	callback func(config.Presentation)
}

func (f *fakePresentation) Current() config.Presentation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakePresentation) Subscribe(fn func(config.Presentation)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callback = fn
	return func() {}
}

func (f *fakePresentation) change(p config.Presentation) {
	f.mu.Lock()
	f.current = p
	fn := f.callback
	f.mu.Unlock()
	fn(p)
}

func TestPresentationChangeInvalidatesVariables(t *testing.T) {
	t.Parallel()
	presentation := &fakePresentation{current: config.Default()}
	h := newHarness(t, presentation)
	h.runtime.handle("lookup", objectLookup(5, sampleMembers))
	h.attach(t, nil)
	h.stopAt(t, "main.qml", 0)

	presentation.change(config.Presentation{FilterFunctions: false, SortMembers: true})

	msg, err := h.client.WaitForEvent(h.ctx, "invalidated")
	require.NoError(t, err)
	invalidated, ok := msg.(*dap.InvalidatedEvent)
	require.True(t, ok, "unexpected event type %T", msg)
	assert.Equal(t, []dap.InvalidatedAreas{"variables"}, invalidated.Body.Areas)

	resp, varsErr := h.client.Variables(h.ctx, 6, 0, 0)
	require.NoError(t, varsErr)
	assert.Equal(t, []string{"alpha", "child", "empty", "onClicked", "zeta"}, variableNames(resp.Body.Variables))
}

func TestUnsupportedRequestKeepsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.attach(t, nil)

	msg, sendErr := h.client.Send(h.ctx, &dap.RestartRequest{Request: dap.Request{Command: "restart"}})
	require.NoError(t, sendErr)
	requireErrorResponse(t, msg, ErrorCodeUnsupported)

	_, err := h.client.Threads(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, StateAttached, h.session.State())
}

func TestParseAttachArguments(t *testing.T) {
	t.Parallel()

	defaults, err := parseAttachArguments(nil)
	require.NoError(t, err)
	assert.Equal(t, "localhost", defaults.Host)
	assert.Equal(t, 10222, defaults.Port)

	args, err := parseAttachArguments(json.RawMessage(`{"host":"device","port":3768,"paths":{"qrc:/":"/src"},"sortMembers":false}`))
	require.NoError(t, err)
	assert.Equal(t, "device", args.Host)
	assert.Equal(t, 3768, args.Port)
	assert.Equal(t, map[string]string{"qrc:/": "/src"}, args.Paths)
	assert.Nil(t, args.FilterFunctions)
	require.NotNil(t, args.SortMembers)
	assert.False(t, *args.SortMembers)

	_, err = parseAttachArguments(json.RawMessage(`{"port":70000}`))
	require.Error(t, err)
	_, err = parseAttachArguments(json.RawMessage(`{"port":"x"}`))
	require.Error(t, err)
}
