/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"fmt"
	"runtime/debug"

	"github.com/go-logr/logr"
)

// PanicError is a recovered panic value together with the stack of the panicking goroutine.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	if err, isError := e.Value.(error); isError {
		return err.Error()
	}
	return fmt.Sprintf("%v", e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, isError := e.Value.(error); isError {
		return err
	}
	return nil
}

// MakePanicError logs a value returned by recover() and returns it as a permanent error,
// so that retry loops do not repeat an operation that panicked. It returns nil for a nil value.
func MakePanicError(panicVal any, log logr.Logger) error {
	if panicVal == nil {
		return nil
	}

	panicErr := &PanicError{Value: panicVal, Stack: debug.Stack()}
	log.Error(panicErr, "A goroutine ended prematurely due to panic", "stack", string(panicErr.Stack))
	return Permanent(panicErr)
}
