/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package syncmap is a type-safe generic wrapper over standard library sync.Map.
// The zero value is ready to use.
package syncmap

import "sync"

type Map[Key comparable, Value any] struct {
	m sync.Map
}

func (m *Map[Key, Value]) Store(key Key, value Value) {
	m.m.Store(key, value)
}

// Returns the value stored in the map (if found), and a boolean indicating whether the value was found.
func (m *Map[Key, Value]) Load(key Key) (Value, bool) {
	v, found := m.m.Load(key)
	return cast[Value](v), found
}

// Deletes the value for the passed key.
func (m *Map[Key, Value]) Delete(key Key) {
	m.m.Delete(key)
}

// Loads and deletes the value for the passed key.
// Only one of several concurrent callers for the same key gets found == true,
// which makes the method suitable for "whoever removes it owns it" hand-offs.
func (m *Map[Key, Value]) LoadAndDelete(key Key) (Value, bool) {
	v, found := m.m.LoadAndDelete(key)
	return cast[Value](v), found
}

// Calls passed function for each key-value pair in the map. If the function returns false, the iteration stops.
func (m *Map[Key, Value]) Range(f func(key Key, value Value) bool) {
	m.m.Range(func(key, value any) bool {
		return f(key.(Key), cast[Value](value))
	})
}

// Returns the number of entries. This is a point-in-time count.
func (m *Map[Key, Value]) Len() int {
	n := 0
	m.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func cast[T any](v any) T {
	if v == nil {
		return *new(T)
	}
	return v.(T)
}
