/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package config loads the variable presentation options and keeps them current
// while the options file changes.
//
// The options file is TOML:
//
//	[debug]
//	filterFunctions = true
//	sortMembers = true
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Presentation controls how variables are shown to the IDE.
type Presentation struct {
	// Hide members whose type is "function".
	FilterFunctions bool `toml:"filterFunctions" json:"filterFunctions"`

	// Sort members by name.
	SortMembers bool `toml:"sortMembers" json:"sortMembers"`
}

type file struct {
	Debug Presentation `toml:"debug"`
}

func Default() Presentation {
	return Presentation{FilterFunctions: true, SortMembers: true}
}

var ErrUnknownKeys = errors.New("unknown configuration keys")

// Load reads the options file. An empty path, or a file that does not exist, yields the defaults.
// Keys missing from the file keep their default values.
func Load(path string) (Presentation, error) {
	f := file{Debug: Default()}
	if path == "" {
		return f.Debug, nil
	}

	md, decodeErr := toml.DecodeFile(path, &f)
	if errors.Is(decodeErr, fs.ErrNotExist) {
		return Default(), nil
	}
	if decodeErr != nil {
		return Default(), fmt.Errorf("failed to read presentation options from '%s': %w", path, decodeErr)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		// The recognized options are still applied.
		return f.Debug, fmt.Errorf("%w in '%s': %s", ErrUnknownKeys, path, strings.Join(keys, ", "))
	}

	return f.Debug, nil
}

// Override applies optional per-session values on top of the options.
func (p Presentation) Override(filterFunctions, sortMembers *bool) Presentation {
	if filterFunctions != nil {
		p.FilterFunctions = *filterFunctions
	}
	if sortMembers != nil {
		p.SortMembers = *sortMembers
	}
	return p
}
