/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"fmt"
	"os"
	"runtime"

	"github.com/qmlhelper/qmldap/pkg/logger"
)

func WithNewline(b []byte) []byte {
	if runtime.GOOS == "windows" {
		b = append(b, '\r')
	}
	return append(b, '\n')
}

// ErrorExit reports err on stderr, flushes the log and terminates the process.
func ErrorExit(log *logger.Logger, err error, exitCode int) {
	fmt.Fprintln(os.Stderr, err.Error())
	log.Error(err, "Exiting", "exitCode", exitCode)
	log.Flush()
	os.Exit(exitCode)
}
