package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/njoerd114/watchledger/internal/command"
)

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP command API and run auto-sync",
		Long: `Serve exposes every command at POST /api/v1/commands/<name> and a
health probe at GET /healthz. Auto-sync resumes if it was enabled
before, or starts when sync.auto_start is set in the config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			cmd.SetContext(ctx)

			return withApp(cmd, func(ctx context.Context, a *app) error {
				return serve(ctx, a, listen)
			})
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "address to listen on (default from config server.listen)")
	return cmd
}

func serve(ctx context.Context, a *app, listen string) error {
	if listen == "" {
		listen = a.cfg.Server.Listen
	}

	if err := a.engine.Restore(); err != nil {
		return fmt.Errorf("restoring sync state: %w", err)
	}
	if a.cfg.Sync.AutoStart && !a.engine.Status().AutoSyncEnabled {
		if err := a.engine.StartAutoSync(a.cfg.Sync.Interval); err != nil {
			return fmt.Errorf("starting auto-sync: %w", err)
		}
	}

	router := command.NewRouter(a.dispatcher, version, a.log)
	a.log.Info("serving", "listen", listen, "provider", a.providers.Status().Kind)
	return command.Serve(ctx, listen, router, a.log)
}
