/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/qmlhelper/qmldap/internal/service"
	"github.com/qmlhelper/qmldap/internal/version"
)

func NewVersionCommand(log logr.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints version information",
		Long:  `Prints version information as JSON.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			versionStr, err := versionString()
			if err != nil {
				log.WithName("version").Error(err, "Could not serialize version information")
				return err
			}
			_, writeErr := cmd.OutOrStdout().Write(WithNewline([]byte(versionStr)))
			return writeErr
		},
	}
}

// LogVersion logs the binary and its invocation once the command line has been parsed.
func LogVersion(log logr.Logger, programStartMsg string) func(*cobra.Command, []string) {
	return func(_ *cobra.Command, _ []string) {
		versionStr, err := versionString()
		if err != nil {
			versionStr = fmt.Sprintf("unknown: %v", err)
		}

		launchPath, pathErr := os.Executable()
		if pathErr != nil {
			launchPath = os.Args[0]
		}

		log.V(1).Info(programStartMsg,
			"PID", os.Getpid(),
			"Exe", launchPath,
			"Args", os.Args[1:],
			"Version", versionStr,
		)
	}
}

func versionString() (string, error) {
	data, err := json.Marshal(version.Current(service.ProtocolVersion))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
