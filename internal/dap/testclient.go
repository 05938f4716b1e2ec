/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/go-dap"
)

// TestClient plays the IDE side of a DAP conversation in tests.
// Failed requests come back as *dap.ErrorResponse from Send; the typed helpers turn them into errors.
type TestClient struct {
	transport Transport

	seqMu sync.Mutex
	seq   int

	responseMu    sync.Mutex
	responseChans map[int]chan dap.Message

	events chan dap.EventMessage

	done chan struct{}
	wg   sync.WaitGroup
}

func NewTestClient(transport Transport) *TestClient {
	c := &TestClient{
		transport:     transport,
		responseChans: make(map[int]chan dap.Message),
		events:        make(chan dap.EventMessage, 100),
		done:          make(chan struct{}),
	}

	c.wg.Add(1)
	go c.readLoop()
	return c
}

func (c *TestClient) readLoop() {
	defer c.wg.Done()
	defer close(c.done)

	for {
		msg, readErr := c.transport.ReadMessage()
		if readErr != nil {
			return
		}

		switch m := msg.(type) {
		case dap.ResponseMessage:
			resp := m.GetResponse()
			c.responseMu.Lock()
			if ch, found := c.responseChans[resp.RequestSeq]; found {
				ch <- msg
				delete(c.responseChans, resp.RequestSeq)
			}
			c.responseMu.Unlock()

		case dap.EventMessage:
			select {
			case c.events <- m:
			default:
				// Full; drop the oldest event.
				select {
				case <-c.events:
				default:
				}
				c.events <- m
			}
		}
	}
}

func (c *TestClient) nextSeq() int {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.seq++
	return c.seq
}

// Send issues a request and returns whatever response the adapter produces for it.
func (c *TestClient) Send(ctx context.Context, req dap.RequestMessage) (dap.Message, error) {
	request := req.GetRequest()
	seq := c.nextSeq()
	request.Seq = seq
	request.Type = "request"

	respChan := make(chan dap.Message, 1)
	c.responseMu.Lock()
	c.responseChans[seq] = respChan
	c.responseMu.Unlock()

	forget := func() {
		c.responseMu.Lock()
		delete(c.responseChans, seq)
		c.responseMu.Unlock()
	}

	if writeErr := c.transport.WriteMessage(req); writeErr != nil {
		forget()
		return nil, fmt.Errorf("failed to send %s request: %w", request.Command, writeErr)
	}

	select {
	case resp := <-respChan:
		return resp, nil
	case <-c.done:
		forget()
		return nil, fmt.Errorf("connection closed while waiting for %s response", request.Command)
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// call sends a request and expects a successful response of type T.
func call[T dap.ResponseMessage](ctx context.Context, c *TestClient, req dap.RequestMessage) (T, error) {
	var zero T
	msg, sendErr := c.Send(ctx, req)
	if sendErr != nil {
		return zero, sendErr
	}
	if errResp, isErr := msg.(*dap.ErrorResponse); isErr {
		return zero, fmt.Errorf("%s failed: %s", errResp.Command, errorText(errResp))
	}
	typed, ok := msg.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected response type: %T", msg)
	}
	if resp := typed.GetResponse(); !resp.Success {
		return zero, fmt.Errorf("%s failed: %s", resp.Command, resp.Message)
	}
	return typed, nil
}

func errorText(resp *dap.ErrorResponse) string {
	if resp.Body.Error != nil {
		return resp.Body.Error.Format
	}
	return resp.Message
}

func request(command string) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Type: "request"},
		Command:         command,
	}
}

// Initialize negotiates capabilities. linesStartAt1 also sets columnsStartAt1.
func (c *TestClient) Initialize(ctx context.Context, linesStartAt1 bool) (*dap.InitializeResponse, error) {
	return call[*dap.InitializeResponse](ctx, c, &dap.InitializeRequest{
		Request: request("initialize"),
		Arguments: dap.InitializeRequestArguments{
			ClientID:        "test-client",
			ClientName:      "DAP Test Client",
			AdapterID:       "qml",
			Locale:          "en-US",
			LinesStartAt1:   linesStartAt1,
			ColumnsStartAt1: linesStartAt1,
			PathFormat:      "path",
		},
	})
}

func (c *TestClient) Launch(ctx context.Context) error {
	_, err := call[*dap.LaunchResponse](ctx, c, &dap.LaunchRequest{
		Request:   request("launch"),
		Arguments: json.RawMessage(`{}`),
	})
	return err
}

// AttachRequest builds an attach request; args is marshaled as the request arguments.
func AttachRequest(args any) (*dap.AttachRequest, error) {
	raw, marshalErr := json.Marshal(args)
	if marshalErr != nil {
		return nil, fmt.Errorf("failed to marshal attach arguments: %w", marshalErr)
	}
	return &dap.AttachRequest{Request: request("attach"), Arguments: raw}, nil
}

func (c *TestClient) Attach(ctx context.Context, args any) error {
	req, reqErr := AttachRequest(args)
	if reqErr != nil {
		return reqErr
	}
	_, err := call[*dap.AttachResponse](ctx, c, req)
	return err
}

func SetBreakpointsRequest(file string, lines []int) *dap.SetBreakpointsRequest {
	breakpoints := make([]dap.SourceBreakpoint, len(lines))
	for i, line := range lines {
		breakpoints[i] = dap.SourceBreakpoint{Line: line}
	}
	return &dap.SetBreakpointsRequest{
		Request: request("setBreakpoints"),
		Arguments: dap.SetBreakpointsArguments{
			Source:      dap.Source{Path: file},
			Breakpoints: breakpoints,
		},
	}
}

func (c *TestClient) SetBreakpoints(ctx context.Context, file string, lines []int) (*dap.SetBreakpointsResponse, error) {
	return call[*dap.SetBreakpointsResponse](ctx, c, SetBreakpointsRequest(file, lines))
}

func (c *TestClient) SetExceptionBreakpoints(ctx context.Context, filters ...string) error {
	_, err := call[*dap.SetExceptionBreakpointsResponse](ctx, c, &dap.SetExceptionBreakpointsRequest{
		Request:   request("setExceptionBreakpoints"),
		Arguments: dap.SetExceptionBreakpointsArguments{Filters: filters},
	})
	return err
}

func (c *TestClient) Threads(ctx context.Context) (*dap.ThreadsResponse, error) {
	return call[*dap.ThreadsResponse](ctx, c, &dap.ThreadsRequest{Request: request("threads")})
}

func (c *TestClient) StackTrace(ctx context.Context, startFrame, levels int) (*dap.StackTraceResponse, error) {
	return call[*dap.StackTraceResponse](ctx, c, &dap.StackTraceRequest{
		Request:   request("stackTrace"),
		Arguments: dap.StackTraceArguments{ThreadId: 1, StartFrame: startFrame, Levels: levels},
	})
}

func (c *TestClient) Scopes(ctx context.Context, frameID int) (*dap.ScopesResponse, error) {
	return call[*dap.ScopesResponse](ctx, c, &dap.ScopesRequest{
		Request:   request("scopes"),
		Arguments: dap.ScopesArguments{FrameId: frameID},
	})
}

// Variables lists the members of a reference; count 0 means all of them.
func (c *TestClient) Variables(ctx context.Context, reference, start, count int) (*dap.VariablesResponse, error) {
	return call[*dap.VariablesResponse](ctx, c, &dap.VariablesRequest{
		Request:   request("variables"),
		Arguments: dap.VariablesArguments{VariablesReference: reference, Start: start, Count: count},
	})
}

func (c *TestClient) Evaluate(ctx context.Context, expression string, frameID int) (*dap.EvaluateResponse, error) {
	return call[*dap.EvaluateResponse](ctx, c, &dap.EvaluateRequest{
		Request:   request("evaluate"),
		Arguments: dap.EvaluateArguments{Expression: expression, FrameId: frameID},
	})
}

func (c *TestClient) Continue(ctx context.Context) error {
	_, err := call[*dap.ContinueResponse](ctx, c, &dap.ContinueRequest{
		Request:   request("continue"),
		Arguments: dap.ContinueArguments{ThreadId: 1},
	})
	return err
}

func (c *TestClient) Next(ctx context.Context) error {
	_, err := call[*dap.NextResponse](ctx, c, &dap.NextRequest{
		Request:   request("next"),
		Arguments: dap.NextArguments{ThreadId: 1},
	})
	return err
}

func (c *TestClient) StepIn(ctx context.Context) error {
	_, err := call[*dap.StepInResponse](ctx, c, &dap.StepInRequest{
		Request:   request("stepIn"),
		Arguments: dap.StepInArguments{ThreadId: 1},
	})
	return err
}

func (c *TestClient) StepOut(ctx context.Context) error {
	_, err := call[*dap.StepOutResponse](ctx, c, &dap.StepOutRequest{
		Request:   request("stepOut"),
		Arguments: dap.StepOutArguments{ThreadId: 1},
	})
	return err
}

func (c *TestClient) Disconnect(ctx context.Context) error {
	_, err := call[*dap.DisconnectResponse](ctx, c, &dap.DisconnectRequest{
		Request:   request("disconnect"),
		Arguments: &dap.DisconnectArguments{},
	})
	return err
}

// WaitForEvent discards events until one with the given name arrives.
func (c *TestClient) WaitForEvent(ctx context.Context, event string) (dap.EventMessage, error) {
	for {
		select {
		case msg := <-c.events:
			if msg.GetEvent().Event == event {
				return msg, nil
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for event %q: %w", event, ctx.Err())
		}
	}
}

func (c *TestClient) WaitForStoppedEvent(ctx context.Context) (*dap.StoppedEvent, error) {
	msg, waitErr := c.WaitForEvent(ctx, "stopped")
	if waitErr != nil {
		return nil, waitErr
	}
	stopped, ok := msg.(*dap.StoppedEvent)
	if !ok {
		return nil, fmt.Errorf("unexpected event type: %T", msg)
	}
	return stopped, nil
}

func (c *TestClient) WaitForTerminatedEvent(ctx context.Context) error {
	_, waitErr := c.WaitForEvent(ctx, "terminated")
	return waitErr
}

// Close closes the transport and waits for the reader to exit.
func (c *TestClient) Close() error {
	closeErr := c.transport.Close()
	c.wg.Wait()
	return closeErr
}
