/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package session

import "errors"

// State is the lifecycle stage of a debug session.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateAttached
	StateRunning
	StateBreaked
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateInitialized:
		return "Initialized"
	case StateAttached:
		return "Attached"
	case StateRunning:
		return "Running"
	case StateBreaked:
		return "Breaked"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Error codes carried by DAP error responses, one per request family.
const (
	ErrorCodeInitialize  = 1001
	ErrorCodeAttach      = 1002
	ErrorCodeBreakpoints = 1003
	ErrorCodeDisconnect  = 1004
	ErrorCodeRequest     = 1005

	// Requests the adapter does not implement. These do not end the session.
	ErrorCodeUnsupported = 1014
)

var (
	errInvalidState   = errors.New("request is not valid in the current session state")
	errNoLookupResult = errors.New("lookup returned no object")
)
