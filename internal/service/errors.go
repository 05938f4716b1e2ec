/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package service

import (
	"errors"
	"fmt"
)

var (
	// ErrRequestTimeout is returned when the runtime does not answer a request in time.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrServiceClosed is returned for requests that were pending (or issued) after the service was closed.
	ErrServiceClosed = errors.New("service is closed")

	// ErrRemoteRejected is matched by every *RemoteError.
	ErrRemoteRejected = errors.New("request rejected by the debug runtime")

	// ErrMalformedResponse is returned when a response cannot be decoded.
	ErrMalformedResponse = errors.New("malformed response")
)

// RemoteError reports a request the runtime answered with a failure.
type RemoteError struct {
	Command string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%q was rejected by the debug runtime", e.Command)
	}
	return fmt.Sprintf("%q was rejected by the debug runtime: %s", e.Command, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return ErrRemoteRejected
}
