/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package session

import (
	"slices"

	"github.com/google/go-dap"

	"github.com/qmlhelper/qmldap/internal/pathmap"
)

// onSetBreakpoints reconciles the breakpoints tracked for one file with the requested set.
// Breakpoints that did not change are never sent to the runtime again.
func (s *Session) onSetBreakpoints(req *dap.SetBreakpointsRequest) {
	s.bpMu.Lock()
	defer s.bpMu.Unlock()

	file := req.Arguments.Source.Path
	desired := desiredLines(req.Arguments)

	s.stateMu.Lock()
	zeroBased := s.zeroBasedLines
	var stale []trackedBreakpoint
	for _, bp := range s.breakpoints {
		if bp.path == file && !slices.Contains(desired, bp.line) {
			stale = append(stale, bp)
		}
	}
	s.stateMu.Unlock()

	for _, bp := range stale {
		if err := s.v8.ClearBreakpoint(s.ctx, bp.id); err != nil {
			s.raiseError(&req.Request, ErrorCodeBreakpoints, "Request failed. Request: \"clearbreakpoint\". %v", err)
			return
		}
		s.untrack(bp)
	}

	for _, line := range desired {
		if s.isTracked(file, line) {
			continue
		}
		id, err := s.v8.SetBreakpoint(s.ctx, pathmap.PathToRemote(file), pathmap.LineToRemote(line, zeroBased))
		if err != nil {
			s.raiseError(&req.Request, ErrorCodeBreakpoints, "Request failed. Request: \"setbreakpoint\". %v", err)
			return
		}
		s.track(trackedBreakpoint{id: id, path: file, line: line})
		s.log.V(1).Info("Breakpoint set", "path", file, "line", line, "id", id)
	}

	source := &dap.Source{Name: pathmap.PathToRemote(file), Path: file}
	breakpoints := []dap.Breakpoint{}
	s.stateMu.Lock()
	for _, bp := range s.breakpoints {
		if bp.path != file {
			continue
		}
		breakpoints = append(breakpoints, dap.Breakpoint{
			Id:       bp.id,
			Verified: true,
			Line:     bp.line,
			Source:   source,
		})
	}
	s.stateMu.Unlock()

	s.send(&dap.SetBreakpointsResponse{
		Response: s.newResponse(&req.Request),
		Body:     dap.SetBreakpointsResponseBody{Breakpoints: breakpoints},
	})
}

// desiredLines returns the requested lines without duplicates, in request order.
func desiredLines(args dap.SetBreakpointsArguments) []int {
	lines := make([]int, 0, len(args.Breakpoints))
	for _, bp := range args.Breakpoints {
		lines = append(lines, bp.Line)
	}
	if len(args.Breakpoints) == 0 {
		lines = append(lines, args.Lines...)
	}

	unique := lines[:0]
	for _, line := range lines {
		if !slices.Contains(unique, line) {
			unique = append(unique, line)
		}
	}
	return unique
}

func (s *Session) isTracked(path string, line int) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return slices.ContainsFunc(s.breakpoints, func(bp trackedBreakpoint) bool {
		return bp.path == path && bp.line == line
	})
}

func (s *Session) track(bp trackedBreakpoint) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.breakpoints = append(s.breakpoints, bp)
}

func (s *Session) untrack(bp trackedBreakpoint) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.breakpoints = slices.DeleteFunc(s.breakpoints, func(other trackedBreakpoint) bool {
		return other == bp
	})
}

// hitBreakpoints returns the indices of the tracked breakpoints at the given IDE location.
func (s *Session) hitBreakpoints(path string, line int) []int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	var hits []int
	for i, bp := range s.breakpoints {
		if bp.path == path && bp.line == line {
			hits = append(hits, i)
		}
	}
	return hits
}

func (s *Session) onSetExceptionBreakpoints(req *dap.SetExceptionBreakpointsRequest) {
	// Only "all" is offered; breaking on uncaught exceptions alone is not supported by the runtime.
	enabled := slices.Contains(req.Arguments.Filters, "all")
	if err := s.v8.SetExceptionBreak(s.ctx, "all", enabled); err != nil {
		s.raiseError(&req.Request, ErrorCodeRequest, "Request failed. Request: \"setexceptionbreak\". %v", err)
		return
	}
	s.send(&dap.SetExceptionBreakpointsResponse{Response: s.newResponse(&req.Request)})
}
