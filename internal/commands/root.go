// Copyright (c) Flutter DAP Bridge Authors.
// Licensed under the MIT License.

package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/Faiznurullah/flutter/internal/dap"
	"github.com/Faiznurullah/flutter/pkg/logger"
	"github.com/Faiznurullah/flutter/pkg/process"
)

type serveOptions struct {
	// listen is the TCP address to accept client connections on. Empty
	// means a single session over stdin/stdout.
	listen string

	program          string
	args             []string
	cwd              string
	debug            bool
	simulateAppStart bool
}

func NewRootCmd(log *logger.Logger) (*cobra.Command, error) {
	opts := &serveOptions{}

	rootCmd := &cobra.Command{
		Use:              "flutter-dap",
		Short:            "Debug adapter bridge for machine-protocol application tools",
		Long:             "flutter-dap runs an application tool process and bridges its machine protocol to Debug Adapter Protocol clients.",
		SilenceUsage:     true,
		SilenceErrors:    true,
		PersistentPreRun: LogVersion(log.Logger, "flutter-dap starting"),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.args = args
			return runServe(cmd.Context(), opts, log)
		},
	}

	log.AddLevelFlag(rootCmd.PersistentFlags())
	rootCmd.Flags().StringVar(&opts.listen, "listen", "", "TCP address to listen on for client connections (default: serve one session over stdin/stdout)")
	rootCmd.Flags().StringVar(&opts.program, "program", "", "Application tool executable to launch (default: taken from the client's launch request)")
	rootCmd.Flags().StringVar(&opts.cwd, "cwd", "", "Working directory for the application tool")
	rootCmd.Flags().BoolVar(&opts.debug, "debug", false, "Configure launched sessions for debugging")
	rootCmd.Flags().BoolVar(&opts.simulateAppStart, "simulate-app-start", false, "Inject synthetic application start events after launch")

	versionCmd, err := NewVersionCommand(log.Logger)
	if err != nil {
		return nil, err
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd, nil
}

func runServe(ctx context.Context, opts *serveOptions, log *logger.Logger) error {
	executor := process.NewOSExecutor(log.Logger)

	if opts.listen == "" {
		session := newSession(dap.NewOSStdioTransport(), executor, opts, log)
		return session.Serve(ctx)
	}

	listener, err := net.Listen("tcp", opts.listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", opts.listen, err)
	}
	defer listener.Close()

	log.Info("Listening for client connections", "address", listener.Addr().String())

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept client connection: %w", err)
		}

		log.V(1).Info("Client connected", "remote", conn.RemoteAddr().String())
		session := newSession(dap.NewConnTransport(conn), executor, opts, log)
		go func() {
			if err := session.Serve(ctx); err != nil && !dap.IsTerminationError(err) {
				log.Error(err, "Session ended with error", "session", session.ID())
			}
		}()
	}
}

func newSession(transport dap.Transport, executor process.Executor, opts *serveOptions, log *logger.Logger) *dap.Session {
	session := dap.NewSession(dap.SessionConfig{
		Client:   transport,
		Executor: executor,
		Logger:   log.Logger,
	})
	registerDefaultHandlers(session)

	// A program given on the command line starts the session immediately,
	// without waiting for a launch request.
	if opts.program != "" || opts.simulateAppStart {
		spec := dap.LaunchSpec{
			Program:          opts.program,
			Args:             opts.args,
			Cwd:              opts.cwd,
			Debug:            opts.debug,
			SimulateAppStart: opts.simulateAppStart,
		}
		if err := session.Launch(context.Background(), spec); err != nil {
			log.Error(err, "Failed to launch application", "session", session.ID())
		}
	}

	return session
}

// registerDefaultHandlers installs handlers for the forwarded request
// methods the bridge answers on behalf of the client.
func registerDefaultHandlers(session *dap.Session) {
	session.RegisterHandler("app.exposeUrl", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid exposeUrl params: %w", err)
		}

		// Ask the client to map the URL; fall back to the original when
		// the client has no mapping for it.
		body, err := session.SendRequestToClient(ctx, "flutter.exposeUrl", p)
		if err != nil {
			return nil, err
		}

		var result struct {
			URL string `json:"url"`
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &result); err != nil {
				return nil, fmt.Errorf("invalid exposeUrl response: %w", err)
			}
		}
		if result.URL == "" {
			return p.URL, nil
		}
		return result.URL, nil
	})
}
