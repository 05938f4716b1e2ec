/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/qmlhelper/qmldap/internal/commands"
	"github.com/qmlhelper/qmldap/pkg/logger"
	"github.com/qmlhelper/qmldap/pkg/resiliency"
)

const (
	errCommandError = 1
	errSetup        = 2
	errPanic        = 3
)

func main() {
	log := logger.New("qmldap").WithName("qmldap")
	defer func() {
		panicErr := resiliency.MakePanicError(recover(), log.Logger)
		if panicErr != nil {
			_, _ = os.Stderr.Write(commands.WithNewline([]byte(panicErr.Error())))
			log.Flush()
			os.Exit(errPanic)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, setupErr := commands.NewRootCommand(log)
	if setupErr != nil {
		commands.ErrorExit(log, setupErr, errSetup)
	}

	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		commands.ErrorExit(log, err, errCommandError)
	}
	log.Flush()
}
