/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Permanent wraps an error so that retry helpers stop immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// RetryGetWithBackoff calls factory until it succeeds, the back-off gives up, or the context is done.
// The notify callback (optional) is invoked before every retry.
func RetryGetWithBackoff[T any](
	ctx context.Context,
	b backoff.BackOff,
	factory func() (T, error),
	notify func(err error, d time.Duration),
) (T, error) {
	var lastAttemptErr error

	retval, err := backoff.RetryNotifyWithData(
		func() (T, error) {
			v, attemptErr := factory()
			if attemptErr != nil {
				lastAttemptErr = attemptErr
			}
			return v, attemptErr
		},
		backoff.WithContext(b, ctx),
		func(err error, d time.Duration) {
			if notify != nil {
				notify(err, d)
			}
		},
	)

	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded) && lastAttemptErr != nil:
		// Inform the caller about the timeout AND the last attempt error.
		return *new(T), errors.Join(lastAttemptErr, err)
	case err != nil:
		return *new(T), err
	default:
		return retval, nil
	}
}
