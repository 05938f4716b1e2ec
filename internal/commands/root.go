/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qmlhelper/qmldap/pkg/logger"
)

func NewRootCommand(log *logger.Logger) (*cobra.Command, error) {
	if _, levelErr := logger.GetDiagnosticsLogLevel(); levelErr != nil && !logger.IsDiagnosticsLogDisabled(levelErr) {
		return nil, fmt.Errorf("invalid %s: %w", logger.QMLDAP_DIAGNOSTICS_LOG_LEVEL, levelErr)
	}

	rootCmd := &cobra.Command{
		Use:   "qmldap",
		Short: "Debug adapter for QML applications",
		Long: `Debug adapter for QML applications.

	Speaks the Debug Adapter Protocol with the IDE and the QML debugging protocol with the application,
	which must run with the QML debug server enabled (-qmljsdebugger=port:<port>).`,
		SilenceErrors:    true,
		SilenceUsage:     true,
		PersistentPreRun: LogVersion(log.Logger, "Starting qmldap..."),
	}
	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	log.AddLevelFlag(rootCmd.PersistentFlags())

	rootCmd.AddCommand(NewVersionCommand(log.Logger))
	rootCmd.AddCommand(NewServeCommand(log.Logger))

	return rootCmd, nil
}
