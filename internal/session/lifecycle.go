/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/go-dap"

	"github.com/qmlhelper/qmldap/internal/pathmap"
)

const (
	defaultHost = "localhost"
	defaultPort = 10222
)

// AttachArguments are the QML specific arguments of the attach request.
type AttachArguments struct {
	Host  string            `json:"host,omitempty"`
	Port  int               `json:"port,omitempty"`
	Paths map[string]string `json:"paths,omitempty"`

	// Override the presentation options for this session.
	FilterFunctions *bool `json:"filterFunctions,omitempty"`
	SortMembers     *bool `json:"sortMembers,omitempty"`
}

func parseAttachArguments(raw json.RawMessage) (AttachArguments, error) {
	var args AttachArguments
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &args); err != nil {
			return args, fmt.Errorf("invalid attach arguments: %w", err)
		}
	}
	if args.Host == "" {
		args.Host = defaultHost
	}
	if args.Port == 0 {
		args.Port = defaultPort
	}
	if args.Port < 0 || args.Port > 65535 {
		return args, fmt.Errorf("invalid attach arguments: port %d is out of range", args.Port)
	}
	return args, nil
}

func capabilities() dap.Capabilities {
	return dap.Capabilities{
		SupportsDelayedStackTraceLoading: true,
		ExceptionBreakpointFilters: []dap.ExceptionBreakpointsFilter{
			{Filter: "all", Label: "All Exceptions"},
		},
	}
}

func (s *Session) onInitialize(req *dap.InitializeRequest) {
	s.stateMu.Lock()
	if s.state != StateUninitialized {
		state := s.state
		s.stateMu.Unlock()
		s.raiseError(&req.Request, ErrorCodeInitialize, "Cannot initialize. Session is %s. %v", state, errInvalidState)
		return
	}
	s.zeroBasedLines = !req.Arguments.LinesStartAt1
	s.zeroBasedColumns = !req.Arguments.ColumnsStartAt1
	s.stateMu.Unlock()

	var initErr error
	for _, svc := range s.services() {
		initErr = errors.Join(initErr, svc.Initialize(s.ctx))
	}
	if initErr != nil {
		s.raiseError(&req.Request, ErrorCodeInitialize, "Cannot initialize. %v", initErr)
		return
	}

	s.setState(StateInitialized)
	s.log.Info("Session initialized", "client", req.Arguments.ClientName, "adapter", req.Arguments.AdapterID)
	s.send(&dap.InitializeResponse{Response: s.newResponse(&req.Request), Body: capabilities()})
}

func (s *Session) onAttach(req *dap.AttachRequest) {
	args, argsErr := parseAttachArguments(req.Arguments)
	if argsErr != nil {
		s.raiseError(&req.Request, ErrorCodeAttach, "Cannot connect to Qml debugger. %v", argsErr)
		return
	}

	s.stateMu.Lock()
	if s.state != StateInitialized {
		state := s.state
		s.stateMu.Unlock()
		s.raiseError(&req.Request, ErrorCodeAttach, "Cannot connect to Qml debugger. Session is %s. %v", state, errInvalidState)
		return
	}
	s.host = args.Host
	s.port = args.Port
	s.paths = pathmap.NewMapping(args.Paths)
	s.filterOverride = args.FilterFunctions
	s.sortOverride = args.SortMembers
	s.presentation = s.presentationIn.Current().Override(args.FilterFunctions, args.SortMembers)
	s.stateMu.Unlock()

	log := s.log.WithValues("host", args.Host, "port", args.Port)
	log.Info("Attaching to debug runtime", "pathMappings", s.paths.Len())

	attachErr := s.remote.Connect(s.ctx, args.Host, args.Port)
	if attachErr == nil {
		_, attachErr = s.declarative.Handshake(s.ctx)
	}
	if attachErr == nil {
		attachErr = s.v8.Handshake(s.ctx)
	}
	if attachErr != nil {
		_ = s.remote.Disconnect()
		s.raiseError(&req.Request, ErrorCodeAttach, "Cannot connect to Qml debugger.\n\tHost: %s\n\tPort: %d\n\t%v", args.Host, args.Port, attachErr)
		return
	}

	s.setState(StateAttached)
	log.Info("Attached to debug runtime")
	s.send(&dap.AttachResponse{Response: s.newResponse(&req.Request)})
	s.send(&dap.InitializedEvent{Event: s.newEvent("initialized")})

	s.wg.Add(1)
	go s.listEngines()
}

// listEngines is informational; a failure does not affect the session.
func (s *Session) listEngines() {
	defer s.wg.Done()

	engines, listErr := s.qml.ListEngines(s.ctx)
	if listErr != nil {
		s.log.Info("Could not enumerate QML engines", "error", listErr.Error())
		return
	}
	for _, engine := range engines {
		s.log.Info("QML engine available", "name", engine.Name, "debugId", engine.DebugId)
	}
}

func (s *Session) onDisconnect(req *dap.DisconnectRequest) {
	s.stateMu.Lock()
	host, port := s.host, s.port
	s.stateMu.Unlock()

	var errs []error
	if s.remote.Connected() {
		// Release the program if it is stopped, then say goodbye.
		if err := s.v8.Continue(s.ctx, ""); err != nil {
			errs = append(errs, fmt.Errorf("continue: %w", err))
		}
		if err := s.v8.Disconnect(s.ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, svc := range s.services() {
		if err := svc.Deinitialize(s.ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", svc.Name(), err))
		}
	}
	if err := s.remote.Disconnect(); err != nil {
		errs = append(errs, err)
	}
	s.lookupCache.DeleteAll()
	s.setState(StateDisconnected)

	if disconnectErr := errors.Join(errs...); disconnectErr != nil {
		s.raiseError(&req.Request, ErrorCodeDisconnect, "Cannot disconnect from Qml debugger.\n\tHost: %s\n\tPort: %d, %v", host, port, disconnectErr)
	} else {
		s.log.Info("Disconnected from debug runtime")
		s.send(&dap.DisconnectResponse{Response: s.newResponse(&req.Request)})
	}

	// The IDE expects the adapter to close its end after a disconnect.
	s.cancel()
}
