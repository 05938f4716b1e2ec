/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package session

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/go-dap"
	"github.com/jellydator/ttlcache/v3"

	"github.com/qmlhelper/qmldap/internal/config"
	"github.com/qmlhelper/qmldap/internal/pathmap"
	"github.com/qmlhelper/qmldap/internal/service"
)

func (s *Session) onThreads(req *dap.ThreadsRequest) {
	s.send(&dap.ThreadsResponse{
		Response: s.newResponse(&req.Request),
		Body:     dap.ThreadsResponseBody{Threads: []dap.Thread{{Id: threadId, Name: threadName}}},
	})
}

func (s *Session) onStackTrace(req *dap.StackTraceRequest) {
	backtrace, err := s.v8.Backtrace(s.ctx)
	if err != nil {
		s.raiseError(&req.Request, ErrorCodeRequest, "Request failed. Request: \"backtrace\". %v", err)
		return
	}

	s.stateMu.Lock()
	paths, zeroBased := s.paths, s.zeroBasedLines
	zeroBasedColumns, breakColumn := s.zeroBasedColumns, s.breakColumn
	s.stateMu.Unlock()

	frames := paginate(backtrace.Frames, req.Arguments.StartFrame, req.Arguments.Levels)
	stackFrames := make([]dap.StackFrame, 0, len(frames))
	for _, frame := range frames {
		physical := paths.PathFromRemote(frame.Script)
		// The runtime reports a column only for the location it stopped at.
		column := 0
		if frame.Index == 0 {
			column = breakColumn
		}
		stackFrames = append(stackFrames, dap.StackFrame{
			Id:     frame.Index,
			Name:   frame.Func,
			Source: &dap.Source{Name: pathmap.PathToRemote(physical), Path: physical},
			Line:   pathmap.LineFromRemote(frame.Line, zeroBased),
			Column: pathmap.ColumnFromRemote(column, zeroBasedColumns),
		})
	}

	s.send(&dap.StackTraceResponse{
		Response: s.newResponse(&req.Request),
		Body: dap.StackTraceResponseBody{
			StackFrames: stackFrames,
			TotalFrames: len(backtrace.Frames),
		},
	})
}

func (s *Session) onScopes(req *dap.ScopesRequest) {
	frame, err := s.v8.Frame(s.ctx, req.Arguments.FrameId)
	if err != nil {
		s.raiseError(&req.Request, ErrorCodeRequest, "Request failed. Request: \"frame\". %v", err)
		return
	}

	scopes := []dap.Scope{}
	for _, ref := range frame.Scopes {
		scope, scopeErr := s.v8.Scope(s.ctx, ref.Index)
		if scopeErr != nil {
			s.raiseError(&req.Request, ErrorCodeRequest, "Request failed. Request: \"scope\". %v", scopeErr)
			return
		}
		if scope.Object == nil {
			continue
		}
		// A null member count is kept; only scopes known to be empty are hidden.
		members := memberCount(scope.Object.Value)
		if scope.Object.Value != nil && members == 0 {
			continue
		}
		scopes = append(scopes, dap.Scope{
			Name:               scopeName(scope.Type),
			PresentationHint:   scopeHint(scope.Type),
			VariablesReference: pathmap.HandleFromRemote(scope.Object.Handle),
			NamedVariables:     members,
		})
	}

	s.send(&dap.ScopesResponse{
		Response: s.newResponse(&req.Request),
		Body:     dap.ScopesResponseBody{Scopes: scopes},
	})
}

func (s *Session) onVariables(req *dap.VariablesRequest) {
	handle := pathmap.HandleToRemote(req.Arguments.VariablesReference)
	object, err := s.lookup(s.ctx, handle)
	if err != nil {
		s.raiseError(&req.Request, ErrorCodeRequest, "Request failed. Request: \"variables\". %v", err)
		return
	}

	s.stateMu.Lock()
	presentation := s.presentation
	s.stateMu.Unlock()

	s.send(&dap.VariablesResponse{
		Response: s.newResponse(&req.Request),
		Body: dap.VariablesResponseBody{
			Variables: formatVariables(object.Properties, presentation, req.Arguments.Start, req.Arguments.Count),
		},
	})
}

// lookup fetches a runtime object, using the values cached since the program stopped.
func (s *Session) lookup(ctx context.Context, handle int) (service.Value, error) {
	s.stateMu.Lock()
	breaked, epoch := s.state == StateBreaked, s.stopEpoch
	s.stateMu.Unlock()
	if breaked {
		if item := s.lookupCache.Get(handle); item != nil {
			return item.Value(), nil
		}
	}

	objects, err := s.v8.Lookup(ctx, handle)
	if err != nil {
		return service.Value{}, err
	}
	object, found := objects[strconv.Itoa(handle)]
	if !found {
		// Some runtimes key the result differently; a single object is unambiguous.
		if len(objects) != 1 {
			return service.Value{}, fmt.Errorf("%w: handle %d", errNoLookupResult, handle)
		}
		for _, only := range objects {
			object = only
		}
	}

	// Only cache if the program has not moved since the lookup started.
	s.stateMu.Lock()
	if s.state == StateBreaked && s.stopEpoch == epoch {
		s.lookupCache.Set(handle, object, ttlcache.DefaultTTL)
	}
	s.stateMu.Unlock()
	return object, nil
}

func (s *Session) onEvaluate(req *dap.EvaluateRequest) {
	value, err := s.v8.Evaluate(s.ctx, req.Arguments.Expression, req.Arguments.FrameId)
	// The expression may have changed any object.
	s.lookupCache.DeleteAll()
	if err != nil {
		s.raiseError(&req.Request, ErrorCodeRequest, "Request failed. Request: \"evaluate\". %v", err)
		return
	}

	body := dap.EvaluateResponseBody{
		Result:           formatValue(value.Type, value.Value),
		Type:             value.Type,
		PresentationHint: &dap.VariablePresentationHint{Kind: "property"},
	}
	switch value.Type {
	case "object":
		body.VariablesReference = pathmap.HandleFromRemote(value.Handle)
		body.NamedVariables = memberCount(value.Value)
	case "function":
		body.PresentationHint.Kind = "method"
	}

	s.send(&dap.EvaluateResponse{Response: s.newResponse(&req.Request), Body: body})
}

// formatVariables converts object members to DAP variables. Functions are filtered and members
// sorted before start/count select the page, so that pages are stable.
func formatVariables(properties []service.Property, presentation config.Presentation, start, count int) []dap.Variable {
	members := make([]service.Property, 0, len(properties))
	for _, p := range properties {
		if presentation.FilterFunctions && p.Type == "function" {
			continue
		}
		members = append(members, p)
	}
	if presentation.SortMembers {
		sort.SliceStable(members, func(i, j int) bool { return members[i].Name < members[j].Name })
	}

	members = paginate(members, start, count)
	variables := make([]dap.Variable, 0, len(members))
	for _, p := range members {
		v := dap.Variable{
			Name:             p.Name,
			Type:             p.Type,
			Value:            formatValue(p.Type, p.Value),
			PresentationHint: &dap.VariablePresentationHint{Kind: "property"},
		}
		switch p.Type {
		case "object":
			v.NamedVariables = memberCount(p.Value)
			if v.NamedVariables != 0 {
				v.VariablesReference = pathmap.HandleFromRemote(p.Ref)
			}
		case "function":
			v.PresentationHint.Kind = "method"
		}
		variables = append(variables, v)
	}
	return variables
}

func formatValue(valueType string, value any) string {
	switch valueType {
	case "object":
		if value == nil {
			return "null"
		}
		return "object"
	case "function":
		return "function"
	case "undefined":
		return "undefined"
	case "string":
		return fmt.Sprintf("\"%v\"", value)
	}
	if value == nil {
		return "null"
	}
	return fmt.Sprint(value)
}

// memberCount reads the member count the runtime reports as the value of objects.
func memberCount(value any) int {
	switch n := value.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

// paginate skips start items and keeps at most count of the rest; count 0 keeps all.
func paginate[T any](items []T, start, count int) []T {
	if start > 0 {
		if start >= len(items) {
			return nil
		}
		items = items[start:]
	}
	if count > 0 && count < len(items) {
		items = items[:count]
	}
	return items
}

func scopeName(scopeType int) string {
	switch scopeType {
	case 0:
		return "Globals"
	case 1:
		return "Arguments"
	case 2, 4:
		return "Locals"
	default:
		return "Qml Context"
	}
}

func scopeHint(scopeType int) string {
	switch scopeType {
	case 1:
		return "arguments"
	case 2, 4:
		return "locals"
	default:
		return "globals"
	}
}
