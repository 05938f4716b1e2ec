/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package session

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/go-dap"

	"github.com/qmlhelper/qmldap/internal/config"
	"github.com/qmlhelper/qmldap/internal/pathmap"
	"github.com/qmlhelper/qmldap/internal/service"
)

// resume sends a continue or step command and answers the request with resp.
// The session is marked Running before the command goes out: the runtime may report the next
// break right after its response, and that break must be the last state change.
// A failed command ends the session, so there is nothing to roll back.
func (s *Session) resume(req *dap.Request, stepAction, name string, resp dap.Message) {
	s.stateMu.Lock()
	if s.state == StateBreaked || s.state == StateAttached {
		s.setStateLocked(StateRunning)
	}
	s.stopEpoch++
	s.lookupCache.DeleteAll()
	s.stateMu.Unlock()

	if err := s.v8.Continue(s.ctx, stepAction); err != nil {
		s.raiseError(req, ErrorCodeRequest, "Request failed. Request: %q. %v", name, err)
		return
	}

	s.send(resp)
}

func (s *Session) onV8Event(e service.V8Event) {
	switch e.Event {
	case "break":
		var body service.BreakEvent
		if err := json.Unmarshal(e.Body, &body); err != nil {
			s.log.Error(err, "Ignoring malformed break event")
			return
		}
		s.onBreak(body)
	default:
		s.log.V(1).Info("Ignoring runtime event", "event", e.Event)
	}
}

func (s *Session) onBreak(e service.BreakEvent) {
	s.stateMu.Lock()
	path := s.paths.PathFromRemote(e.Script.Name)
	line := pathmap.LineFromRemote(e.SourceLine, s.zeroBasedLines)
	if s.state == StateDisconnected {
		s.stateMu.Unlock()
		return
	}
	s.setStateLocked(StateBreaked)
	s.breakColumn = e.SourceColumn
	s.stopEpoch++
	s.lookupCache.DeleteAll()
	s.stateMu.Unlock()
	hits := s.hitBreakpoints(path, line)
	s.log.V(1).Info("Program stopped", "path", path, "line", line, "breakpoints", hits)

	stopped := &dap.StoppedEvent{
		Event: s.newEvent("stopped"),
		Body:  dap.StoppedEventBody{Reason: "step", ThreadId: threadId, AllThreadsStopped: true},
	}
	if len(hits) > 0 {
		ids := make([]string, len(hits))
		for i, hit := range hits {
			ids[i] = strconv.Itoa(hit)
		}
		stopped.Body.Reason = "breakpoint"
		stopped.Body.HitBreakpointIds = hits
		stopped.Body.Description = fmt.Sprintf("Breakpoint hit at %s on line(s) %s.", path, strings.Join(ids, ","))
	}
	s.send(stopped)
}

func (s *Session) onConsoleMessage(m service.ConsoleMessage) {
	s.stateMu.Lock()
	paths, zeroBased := s.paths, s.zeroBasedLines
	s.stateMu.Unlock()

	category := "console"
	if m.Type.IsError() {
		category = "stderr"
	}
	output := &dap.OutputEvent{
		Event: s.newEvent("output"),
		Body: dap.OutputEventBody{
			Category: category,
			Output:   m.Message + "\n",
		},
	}
	if m.File != "" {
		physical := paths.PathFromRemote(m.File)
		output.Body.Source = &dap.Source{Name: pathmap.PathToRemote(physical), Path: physical}
		output.Body.Line = pathmap.LineFromRemote(m.Line, zeroBased)
	}
	s.send(output)
}

// onPresentationChanged applies new presentation options; variables already shown while
// stopped are invalidated so the IDE fetches them again.
func (s *Session) onPresentationChanged(updated config.Presentation) {
	s.stateMu.Lock()
	effective := updated.Override(s.filterOverride, s.sortOverride)
	changed := effective != s.presentation
	s.presentation = effective
	breaked := s.state == StateBreaked
	s.stateMu.Unlock()

	if !changed {
		return
	}
	s.log.V(1).Info("Presentation options applied", "filterFunctions", effective.FilterFunctions, "sortMembers", effective.SortMembers)
	if breaked {
		s.send(&dap.InvalidatedEvent{
			Event: s.newEvent("invalidated"),
			Body:  dap.InvalidatedEventBody{Areas: []dap.InvalidatedAreas{"variables"}},
		})
	}
}
