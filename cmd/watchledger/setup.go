package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/njoerd114/watchledger/internal/config"
	"github.com/njoerd114/watchledger/internal/credentials"
	"github.com/njoerd114/watchledger/internal/provider/remote"
	"github.com/njoerd114/watchledger/internal/settings"
	"github.com/njoerd114/watchledger/internal/setup"
)

// envRemoteDSN supplies the Postgres DSN for remote-schema when --dsn is absent.
const envRemoteDSN = "WATCHLEDGER_REMOTE_DSN"

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive wizard for remote credentials and preferences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := configFrom(cmd)
			if err != nil {
				return err
			}
			// Keep the wizard output readable: warnings and up only.
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			kv, err := settings.Open(l.cfg.SettingsPath())
			if err != nil {
				return err
			}
			defer func() { _ = kv.Close() }()

			wiz := setup.NewWizard(cmd.InOrStdin(), cmd.OutOrStdout(),
				credentials.New(kv), kv, verifyRemote(l.cfg.Remote, logger), l.path, logger)
			return wiz.Run(ctx)
		},
	}
}

// verifyRemote returns a check that connects to the remote table once.
func verifyRemote(rc config.RemoteConfig, logger *slog.Logger) setup.VerifyFunc {
	return func(ctx context.Context, c credentials.Credentials) error {
		p := remote.New(remote.Config{
			Endpoint:    c.Endpoint,
			APIKey:      c.APIKey,
			Table:       rc.Table,
			PageSize:    rc.PageSize,
			Timeout:     rc.Timeout,
			MaxAttempts: 1,
		}, logger)
		defer func() { _ = p.Close() }()
		return p.Init(ctx)
	}
}

func newCredentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage the stored remote credentials",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Forget the stored remote credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := configFrom(cmd)
			if err != nil {
				return err
			}
			kv, err := settings.Open(l.cfg.SettingsPath())
			if err != nil {
				return err
			}
			defer func() { _ = kv.Close() }()

			if err := credentials.New(kv).Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Credentials cleared")
			if os.Getenv(credentials.EnvRemoteURL) != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s is still set in the environment\n", credentials.EnvRemoteURL)
			}
			return nil
		},
	})
	return cmd
}

func newRemoteSchemaCmd() *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:   "remote-schema",
		Short: "Create or upgrade the remote table directly in Postgres",
		Long: `Remote-schema connects to the Postgres database behind the PostgREST
endpoint and applies the table, merge trigger and row-level security
migrations. It needs a direct database DSN, not the REST endpoint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dsn == "" {
				dsn = os.Getenv(envRemoteDSN)
			}
			if dsn == "" {
				return fmt.Errorf("--dsn or %s is required", envRemoteDSN)
			}
			l, err := configFrom(cmd)
			if err != nil {
				return err
			}
			logger := buildLogger(l.cfg, os.Stderr)

			n, err := remote.ApplySchema(cmd.Context(), dsn, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Remote schema up to date (%d migration(s) applied)\n", n)
			return nil
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres connection string (default $"+envRemoteDSN+")")
	return cmd
}
