package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/njoerd114/watchledger/internal/config"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// Global flags bound by the root command.
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// cfgKey carries the loaded configuration from PersistentPreRunE to the
// subcommands through the command context.
type cfgKey struct{}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watchledger",
		Short: "Watch history ledger with local and remote storage",
		Long: `watchledger records which items were watched, how often and when,
in an embedded SQLite store, and keeps it in sync with a remote
PostgREST table.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if flagVerbose && flagQuiet {
				return fmt.Errorf("--verbose and --quiet are mutually exclusive")
			}
			path := flagConfigPath
			if path == "" {
				p, err := config.DefaultPath()
				if err != nil {
					return err
				}
				path = p
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("loading config from %q: %w", path, err)
			}
			cmd.SetContext(withConfig(cmd.Context(), &loaded{cfg: cfg, path: path}))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to config.yaml (default ~/.config/watchledger/config.yaml)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "print machine-readable JSON")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "log errors only")

	cmd.AddCommand(
		newServeCmd(),
		newSyncOnceCmd(),
		newStatusCmd(),
		newSwitchCmd(),
		newMigrateCmd(),
		newExportCmd(),
		newImportCmd(),
		newSearchCmd(),
		newStatsCmd(),
		newResetCmd(),
		newCallCmd(),
		newSetupCmd(),
		newCredentialsCmd(),
		newRemoteSchemaCmd(),
		newServiceCmd(),
		newVersionCmd(),
	)

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// Skip config loading; version must work with a broken config.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "watchledger", version)
			return nil
		},
	}
}

// buildLogger creates the process logger. The configured level applies
// unless --verbose or --quiet override it. Terminals get the text handler,
// everything else JSON lines.
func buildLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level := parseLevel(cfg.LogLevel)
	switch {
	case flagVerbose:
		level = slog.LevelDebug
	case flagQuiet:
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
