/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package testutil

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"
)

// Set to a number of minutes to override every test context timeout (useful when stepping through tests in a debugger).
const testContextTimeoutEnvVar = "QMLDAP_TEST_CONTEXT_TIMEOUT"

// GetTestContext returns a context that expires after testTimeout, or at the test deadline if that comes first.
// A zero testTimeout means "until the test deadline, if any".
func GetTestContext(t *testing.T, testTimeout time.Duration) (context.Context, context.CancelFunc) {
	if timeoutStr, found := os.LookupEnv(testContextTimeoutEnvVar); found {
		minutes, err := strconv.ParseUint(timeoutStr, 10, 16)
		if err != nil {
			panic(fmt.Sprintf("Context timeout value '%s' is invalid: %s", timeoutStr, err.Error()))
		}
		return context.WithTimeout(context.Background(), time.Duration(minutes)*time.Minute)
	}

	deadline, haveDeadline := t.Deadline()
	if testTimeout == 0 {
		if haveDeadline {
			return context.WithDeadline(context.Background(), deadline)
		}
		return context.WithCancel(context.Background())
	}

	testDeadline := time.Now().Add(testTimeout)
	if haveDeadline && deadline.Before(testDeadline) {
		testDeadline = deadline
	}
	return context.WithDeadline(context.Background(), testDeadline)
}
