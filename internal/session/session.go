/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package session implements one debug session: it answers the IDE's DAP requests by driving
// the QML debug services of a remote runtime, and turns runtime notifications into DAP events.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/smallnest/chanx"

	"github.com/qmlhelper/qmldap/internal/config"
	ide "github.com/qmlhelper/qmldap/internal/dap"
	"github.com/qmlhelper/qmldap/internal/pathmap"
	"github.com/qmlhelper/qmldap/internal/service"
	"github.com/qmlhelper/qmldap/internal/wire"
	"github.com/qmlhelper/qmldap/pkg/resiliency"
)

const (
	// Runtime objects fetched while the program is stopped stay valid until it resumes;
	// the TTL only bounds memory for long pauses.
	lookupCacheTTL = 30 * time.Second

	threadId   = 1
	threadName = "Qml Thread"
)

// PresentationSource provides the variable presentation options and reports changes to them.
type PresentationSource interface {
	Current() config.Presentation
	Subscribe(fn func(config.Presentation)) (unsubscribe func())
}

type Config struct {
	Logger    logr.Logger
	Transport ide.Transport

	// Per-request timeout for the runtime services. Zero means service.DefaultRequestTimeout.
	RequestTimeout time.Duration

	// How long attach keeps retrying a refused connection. Zero means a single attempt.
	ConnectTimeout time.Duration

	// Nil means the default presentation options, never changing.
	Presentation PresentationSource
}

type trackedBreakpoint struct {
	id   int
	path string
	line int
}

// remoteEvent is a runtime notification waiting to be turned into DAP events.
type remoteEvent struct {
	v8      *service.V8Event
	console *service.ConsoleMessage
	closed  error
}

// Session serves one IDE connection.
type Session struct {
	id             string
	log            logr.Logger
	ide            ide.Transport
	presentationIn PresentationSource

	// Seq numbers are assigned under sendMu so they reach the IDE in order.
	sendMu sync.Mutex
	seq    int

	remote      *wire.FrameTransport
	router      *wire.Router
	declarative *service.DeclarativeClient
	v8          *service.V8Debugger
	qml         *service.QmlDebugger
	messages    *service.DebugMessages

	lookupCache *ttlcache.Cache[int, service.Value]

	ctx    context.Context
	cancel context.CancelFunc
	events *chanx.UnboundedChan[remoteEvent]
	wg     sync.WaitGroup

	// Serializes breakpoint reconciliation; the tracked set itself is guarded by stateMu.
	bpMu sync.Mutex

	stateMu          sync.Mutex
	state            State
	zeroBasedLines   bool
	zeroBasedColumns bool
	breakColumn      int
	stopEpoch        uint64 // bumped whenever the program stops or resumes
	host             string
	port             int
	paths            *pathmap.Mapping
	breakpoints      []trackedBreakpoint
	presentation     config.Presentation
	filterOverride   *bool
	sortOverride     *bool

	terminateOnce sync.Once
}

func New(cfg Config) *Session {
	id := uuid.NewString()
	log := cfg.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	log = log.WithValues("session", id)

	presentation := cfg.Presentation
	if presentation == nil {
		presentation = staticPresentation{}
	}

	s := &Session{
		id:             id,
		log:            log,
		ide:            cfg.Transport,
		presentationIn: presentation,
		router:         wire.NewRouter(log.WithName("router")),
		lookupCache: ttlcache.New[int, service.Value](
			ttlcache.WithTTL[int, service.Value](lookupCacheTTL),
			ttlcache.WithDisableTouchOnHit[int, service.Value](),
		),
		paths:        pathmap.NewMapping(nil),
		presentation: presentation.Current(),
	}

	s.remote = wire.NewFrameTransport(wire.FrameTransportConfig{
		Logger:         log.WithName("transport"),
		OnFrame:        s.router.Dispatch,
		OnClose:        s.onRemoteClosed,
		ConnectTimeout: cfg.ConnectTimeout,
	})

	opts := service.Options{
		Sender:         s.remote,
		Logger:         log,
		RequestTimeout: cfg.RequestTimeout,
	}
	s.declarative = service.NewDeclarativeClient(opts)
	s.v8 = service.NewV8Debugger(opts, func(e service.V8Event) { s.post(remoteEvent{v8: &e}) })
	s.qml = service.NewQmlDebugger(opts)
	s.messages = service.NewDebugMessages(opts, func(m service.ConsoleMessage) { s.post(remoteEvent{console: &m}) })
	for _, svc := range s.services() {
		svc.Register(s.router)
	}

	return s
}

// ID identifies the session in logs.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.setStateLocked(state)
}

func (s *Session) setStateLocked(state State) {
	if s.state != state {
		s.log.V(1).Info("Session state changed", "from", s.state.String(), "to", state.String())
		s.state = state
	}
}

// Services in the order they are torn down.
func (s *Session) services() []*service.Service {
	return []*service.Service{s.v8.Service, s.qml.Service, s.messages.Service, s.declarative.Service}
}

// Run serves DAP requests until the IDE disconnects or ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	s.events = chanx.NewUnboundedChan[remoteEvent](s.ctx, 16)
	go s.lookupCache.Start()
	unsubscribe := s.presentationIn.Subscribe(s.onPresentationChanged)

	s.wg.Add(1)
	go s.pumpEvents()

	s.log.Info("Debug session started")

	// Closing the IDE transport is what unblocks the read below when ctx is cancelled.
	stop := context.AfterFunc(s.ctx, func() { _ = s.ide.Close() })
	defer stop()

	var runErr error
	for {
		msg, readErr := s.ide.ReadMessage()
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) && !errors.Is(readErr, ide.ErrTransportClosed) {
				runErr = readErr
			}
			break
		}

		request, isRequest := msg.(dap.RequestMessage)
		if !isRequest {
			s.log.V(1).Info("Ignoring message that is not a request", "type", fmt.Sprintf("%T", msg))
			continue
		}

		s.log.V(1).Info("Received request", "command", request.GetRequest().Command, "seq", request.GetRequest().Seq)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				if panicErr := resiliency.MakePanicError(recover(), s.log); panicErr != nil {
					s.raiseError(request.GetRequest(), ErrorCodeRequest, "Internal error while handling %q. %v", request.GetRequest().Command, panicErr)
				}
			}()
			s.handle(request)
		}()
	}

	s.shutdown()
	s.log.Info("Debug session ended")
	unsubscribe()
	return runErr
}

// shutdown releases the runtime connection when the IDE goes away without a disconnect request.
func (s *Session) shutdown() {
	s.cancel()
	if disconnectErr := s.remote.Disconnect(); disconnectErr != nil {
		s.log.Error(disconnectErr, "Failed to close the connection to the debug runtime")
	}
	for _, svc := range s.services() {
		svc.Close(nil)
	}
	s.wg.Wait()
	s.lookupCache.Stop()
	_ = s.ide.Close()
	s.setState(StateDisconnected)
}

func (s *Session) handle(request dap.RequestMessage) {
	switch req := request.(type) {
	case *dap.InitializeRequest:
		s.onInitialize(req)
	case *dap.LaunchRequest:
		s.send(&dap.LaunchResponse{Response: s.newResponse(&req.Request)})
	case *dap.AttachRequest:
		s.onAttach(req)
	case *dap.ConfigurationDoneRequest:
		s.send(&dap.ConfigurationDoneResponse{Response: s.newResponse(&req.Request)})
	case *dap.SetBreakpointsRequest:
		s.onSetBreakpoints(req)
	case *dap.SetExceptionBreakpointsRequest:
		s.onSetExceptionBreakpoints(req)
	case *dap.ThreadsRequest:
		s.onThreads(req)
	case *dap.StackTraceRequest:
		s.onStackTrace(req)
	case *dap.ScopesRequest:
		s.onScopes(req)
	case *dap.VariablesRequest:
		s.onVariables(req)
	case *dap.EvaluateRequest:
		s.onEvaluate(req)
	case *dap.ContinueRequest:
		s.resume(&req.Request, "", "continue", &dap.ContinueResponse{
			Response: s.newResponse(&req.Request),
			Body:     dap.ContinueResponseBody{AllThreadsContinued: true},
		})
	case *dap.NextRequest:
		s.resume(&req.Request, service.StepNext, "next", &dap.NextResponse{Response: s.newResponse(&req.Request)})
	case *dap.StepInRequest:
		s.resume(&req.Request, service.StepIn, "stepin", &dap.StepInResponse{Response: s.newResponse(&req.Request)})
	case *dap.StepOutRequest:
		s.resume(&req.Request, service.StepOut, "stepout", &dap.StepOutResponse{Response: s.newResponse(&req.Request)})
	case *dap.DisconnectRequest:
		s.onDisconnect(req)
	default:
		r := request.GetRequest()
		s.log.V(1).Info("Unsupported request", "command", r.Command)
		s.sendError(r, ErrorCodeUnsupported, fmt.Sprintf("Unrecognized request %q.", r.Command))
	}
}

func (s *Session) newResponse(req *dap.Request) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Type: "response"},
		Command:         req.Command,
		RequestSeq:      req.Seq,
		Success:         true,
	}
}

func (s *Session) newEvent(event string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Type: "event"},
		Event:           event,
	}
}

func (s *Session) send(msg dap.Message) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.seq++
	switch m := msg.(type) {
	case dap.ResponseMessage:
		m.GetResponse().Seq = s.seq
	case dap.EventMessage:
		m.GetEvent().Seq = s.seq
	}

	if writeErr := s.ide.WriteMessage(msg); writeErr != nil {
		if !errors.Is(writeErr, ide.ErrTransportClosed) {
			s.log.Error(writeErr, "Failed to send DAP message", "type", fmt.Sprintf("%T", msg))
		}
	}
}

func (s *Session) sendError(req *dap.Request, code int, text string) {
	resp := s.newResponse(req)
	resp.Success = false
	resp.Message = text
	s.send(&dap.ErrorResponse{
		Response: resp,
		Body: dap.ErrorResponseBody{
			Error: &dap.ErrorMessage{
				Id:       code,
				Format:   "QML Debug: " + text,
				ShowUser: true,
			},
		},
	})
}

// raiseError fails the request and ends the debug session: after a failed or malformed exchange
// the state of the runtime can no longer be trusted.
func (s *Session) raiseError(req *dap.Request, code int, format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	s.log.Error(errors.New(text), "Request failed", "command", req.Command, "code", code)
	s.sendError(req, code, text)
	s.terminate()
}

// terminate tells the IDE the session is over. Only the first call has an effect.
func (s *Session) terminate() {
	s.terminateOnce.Do(func() {
		s.send(&dap.TerminatedEvent{Event: s.newEvent("terminated")})
	})
}

// post queues a runtime notification. It is called on the transport read goroutine and never blocks it.
func (s *Session) post(e remoteEvent) {
	if s.events == nil {
		return
	}
	select {
	case s.events.In <- e:
	case <-s.ctx.Done():
	}
}

func (s *Session) onRemoteClosed(err error) {
	for _, svc := range s.services() {
		svc.Close(err)
	}
	if err != nil {
		s.post(remoteEvent{closed: err})
	}
}

func (s *Session) pumpEvents() {
	defer s.wg.Done()

	for e := range s.events.Out {
		switch {
		case e.v8 != nil:
			s.onV8Event(*e.v8)
		case e.console != nil:
			s.onConsoleMessage(*e.console)
		case e.closed != nil:
			s.log.Info("Debug runtime went away", "reason", e.closed.Error())
			s.setState(StateDisconnected)
			s.terminate()
		}
	}
}

type staticPresentation struct{}

func (staticPresentation) Current() config.Presentation { return config.Default() }

func (staticPresentation) Subscribe(func(config.Presentation)) func() { return func() {} }
