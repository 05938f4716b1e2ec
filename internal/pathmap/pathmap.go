/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package pathmap converts locations and handles between the IDE's conventions and the debug runtime's.
//
// The runtime counts lines and columns from zero and identifies scripts by file name;
// the IDE may count from one and uses physical paths. Handles are shifted by one so that
// runtime handle 0 never becomes the "no children" reference 0 on the IDE side.
package pathmap

import (
	"path"
	"sort"
	"strings"
)

// LineToRemote converts an IDE line to a runtime line.
func LineToRemote(line int, zeroBased bool) int {
	if zeroBased {
		return line
	}
	return line - 1
}

// LineFromRemote converts a runtime line to an IDE line.
func LineFromRemote(line int, zeroBased bool) int {
	if zeroBased {
		return line
	}
	return line + 1
}

func ColumnToRemote(column int, zeroBased bool) int {
	return LineToRemote(column, zeroBased)
}

func ColumnFromRemote(column int, zeroBased bool) int {
	return LineFromRemote(column, zeroBased)
}

// HandleToRemote converts an IDE variables reference to a runtime handle.
func HandleToRemote(reference int) int {
	return reference - 1
}

// HandleFromRemote converts a runtime handle to an IDE variables reference.
func HandleFromRemote(handle int) int {
	return handle + 1
}

// PathToRemote returns the name the runtime uses for a script: its base name.
func PathToRemote(idePath string) string {
	p := toSlash(idePath)
	if p == "" {
		return ""
	}
	return path.Base(p)
}

type entry struct {
	virtual  string
	physical string
}

// Mapping translates runtime (virtual) script locations back to physical IDE paths.
// It is immutable after construction.
type Mapping struct {
	// Sorted by descending virtual prefix length.
	entries []entry
}

// NewMapping builds a mapping from virtual prefixes (as the runtime reports them) to physical directories.
func NewMapping(paths map[string]string) *Mapping {
	m := &Mapping{entries: make([]entry, 0, len(paths))}
	for virtual, physical := range paths {
		virtual = toSlash(virtual)
		if virtual == "" {
			continue
		}
		m.entries = append(m.entries, entry{virtual: virtual, physical: physical})
	}
	sort.Slice(m.entries, func(i, j int) bool {
		if len(m.entries[i].virtual) != len(m.entries[j].virtual) {
			return len(m.entries[i].virtual) > len(m.entries[j].virtual)
		}
		return m.entries[i].virtual < m.entries[j].virtual
	})
	return m
}

// Len returns the number of mapping entries.
func (m *Mapping) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// PathFromRemote maps a runtime script path to a physical path. The longest virtual prefix that
// ends on a path segment boundary wins. Paths no entry matches are returned unchanged.
func (m *Mapping) PathFromRemote(remotePath string) string {
	if m.Len() == 0 {
		return remotePath
	}

	normalized := toSlash(remotePath)
	for _, e := range m.entries {
		rest, found := strings.CutPrefix(normalized, e.virtual)
		if !found {
			continue
		}
		// "/virtual/app" must not match "/virtual/application/Main.qml".
		if rest != "" && rest[0] != '/' && !strings.HasSuffix(e.virtual, "/") {
			continue
		}
		return joinPhysical(e.physical, rest)
	}
	return remotePath
}

func joinPhysical(physical, rest string) string {
	rest = strings.TrimLeft(rest, "/")
	if rest == "" {
		return physical
	}
	sep := "/"
	if strings.Contains(physical, "\\") && !strings.Contains(physical, "/") {
		// Keep Windows-style physical paths consistent.
		sep = "\\"
		rest = strings.ReplaceAll(rest, "/", sep)
	}
	return strings.TrimRight(physical, "/\\") + sep + rest
}

func toSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}
