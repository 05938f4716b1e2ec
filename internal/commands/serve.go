/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/qmlhelper/qmldap/internal/config"
	ide "github.com/qmlhelper/qmldap/internal/dap"
	"github.com/qmlhelper/qmldap/internal/session"
	"github.com/qmlhelper/qmldap/pkg/resiliency"
)

const defaultRequestTimeout = 10 * time.Second

type serveFlags struct {
	listen         string
	requestTimeout time.Duration
	connectTimeout time.Duration
	configPath     string
}

func NewServeCommand(log logr.Logger) *cobra.Command {
	flags := &serveFlags{}

	serveCmd := &cobra.Command{
		Use:   "serve [--listen address] [--request-timeout duration] [--connect-timeout duration] [--config file]",
		Short: "Runs the debug adapter",
		Long: `Runs the debug adapter.

	Without --listen, a single debug session is served over standard input and output.
	With --listen, every TCP connection accepted on the given address gets its own debug session.`,
		Args: cobra.NoArgs,
		RunE: runServe(log, flags),
	}

	serveCmd.Flags().StringVar(&flags.listen, "listen", "", "Address (host:port) to accept DAP clients on. If empty, the adapter talks DAP over stdin/stdout.")
	serveCmd.Flags().DurationVar(&flags.requestTimeout, "request-timeout", defaultRequestTimeout, "How long to wait for the debug runtime to answer a request.")
	serveCmd.Flags().DurationVar(&flags.connectTimeout, "connect-timeout", 0, "Keep retrying the connection to the debug runtime for this long when attaching. Zero means a single attempt.")
	serveCmd.Flags().StringVar(&flags.configPath, "config", "", "TOML file with presentation options. The file is watched for changes.")

	return serveCmd
}

func runServe(log logr.Logger, flags *serveFlags) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		log = log.WithName("serve")

		if flags.requestTimeout <= 0 {
			return fmt.Errorf("--request-timeout must be positive, got %s", flags.requestTimeout)
		}
		if flags.connectTimeout < 0 {
			return fmt.Errorf("--connect-timeout must not be negative, got %s", flags.connectTimeout)
		}

		watcher, watcherErr := config.NewWatcher(flags.configPath, log.WithName("config"))
		if watcherErr != nil {
			log.Error(watcherErr, "Could not load presentation options", "path", flags.configPath)
			return watcherErr
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		var watcherDone sync.WaitGroup
		watcherDone.Add(1)
		go func() {
			defer watcherDone.Done()
			if err := watcher.Run(ctx); err != nil {
				log.Error(err, "Presentation options will not be reloaded")
			}
		}()
		defer func() {
			cancel()
			watcherDone.Wait()
		}()

		cfg := session.Config{
			Logger:         log,
			RequestTimeout: flags.requestTimeout,
			ConnectTimeout: flags.connectTimeout,
			Presentation:   watcher,
		}

		if flags.listen == "" {
			cfg.Transport = ide.NewStdioTransport(os.Stdin, os.Stdout)
			return session.New(cfg).Run(ctx)
		}

		lc := net.ListenConfig{}
		listener, listenErr := lc.Listen(ctx, "tcp", flags.listen)
		if listenErr != nil {
			log.Error(listenErr, "Could not listen for DAP clients", "address", flags.listen)
			return listenErr
		}
		log.Info("Listening for DAP clients", "address", listener.Addr().String())
		return serveListener(ctx, listener, cfg, log)
	}
}

// serveListener runs one session per accepted connection until ctx is done or the listener fails.
// It waits for running sessions before returning.
func serveListener(ctx context.Context, listener net.Listener, cfg session.Config, log logr.Logger) error {
	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()
	defer func() { _ = listener.Close() }()

	var sessions sync.WaitGroup
	defer sessions.Wait()

	for {
		conn, acceptErr := listener.Accept()
		if acceptErr != nil {
			if ctx.Err() != nil || errors.Is(acceptErr, net.ErrClosed) {
				return nil
			}
			log.Error(acceptErr, "Could not accept DAP client")
			return acceptErr
		}

		sessionCfg := cfg
		sessionCfg.Transport = ide.NewConnTransport(conn)
		s := session.New(sessionCfg)
		log.Info("DAP client connected", "remoteAddress", conn.RemoteAddr().String(), "session", s.ID())

		sessions.Add(1)
		go func() {
			defer sessions.Done()
			defer func() {
				if panicErr := resiliency.MakePanicError(recover(), log); panicErr != nil {
					_ = conn.Close()
				}
			}()

			if runErr := s.Run(ctx); runErr != nil {
				log.Error(runErr, "Debug session ended with an error", "session", s.ID())
			} else {
				log.Info("DAP client disconnected", "session", s.ID())
			}
		}()
	}
}
