package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/njoerd114/watchledger/internal/credentials"
	"github.com/njoerd114/watchledger/internal/factory"
	"github.com/njoerd114/watchledger/internal/provider"
	syncp "github.com/njoerd114/watchledger/internal/sync"
)

var errNoRemote = fmt.Errorf("no remote credentials; run 'watchledger setup' or set %s and %s",
	credentials.EnvRemoteURL, credentials.EnvRemoteAPIKey)

// statusReport is the --json form of the status command.
type statusReport struct {
	Config    string                 `json:"config"`
	DataDir   string                 `json:"dataDir"`
	Provider  factory.Status         `json:"provider"`
	Available []factory.Availability `json:"available"`
	Sync      syncp.Status           `json:"sync"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current provider and sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := configFrom(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, func(_ context.Context, a *app) error {
				rep := statusReport{
					Config:    l.path,
					DataDir:   a.cfg.DataDir,
					Provider:  a.providers.Status(),
					Available: a.providers.AvailableProviders(),
					Sync:      a.engine.Status(),
				}
				if flagJSON {
					return printJSON(cmd.OutOrStdout(), rep)
				}
				printStatus(cmd.OutOrStdout(), rep)
				return nil
			})
		},
	}
}

func printStatus(w io.Writer, rep statusReport) {
	fmt.Fprintln(w, "watchledger status")
	fmt.Fprintln(w, "──────────────────")
	fmt.Fprintf(w, "  Config:     %s\n", rep.Config)
	fmt.Fprintf(w, "  Data dir:   %s\n", rep.DataDir)

	conn := "disconnected"
	if rep.Provider.Connected {
		conn = "connected"
	}
	fmt.Fprintf(w, "  Provider:   %s (%s)\n", rep.Provider.Kind, conn)
	for _, av := range rep.Available {
		mark := "✗"
		if av.Available {
			mark = "✓"
		}
		fmt.Fprintf(w, "    %s %s\n", mark, av.Kind)
	}

	interval := time.Duration(rep.Sync.IntervalMs) * time.Millisecond
	if rep.Sync.AutoSyncEnabled {
		fmt.Fprintf(w, "  Auto-sync:  every %s\n", interval)
	} else {
		fmt.Fprintf(w, "  Auto-sync:  off\n")
	}
	if rep.Sync.LastSyncAt == 0 {
		fmt.Fprintf(w, "  Last sync:  never\n")
	} else {
		fmt.Fprintf(w, "  Last sync:  %s\n", formatMillis(rep.Sync.LastSyncAt))
	}
}

func newSwitchCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "switch <local|remote>",
		Short:     "Change the provider used at startup and for record commands",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(provider.KindLocal), string(provider.KindRemote)},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := provider.ParseKind(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if kind == provider.KindRemote && !a.creds.Has() {
					return errNoRemote
				}
				active, err := a.providers.SwitchTo(ctx, kind)
				if errors.Is(err, factory.ErrFallback) {
					fmt.Fprintf(cmd.OutOrStdout(), "⚠ %s unavailable, using %s\n", kind, active)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Now using %s\n", active)
				return nil
			})
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <source> <target>",
		Short: "Copy every record from one provider into another",
		Long: `Migrate imports every record of the source into the target. Records
already in the target are merged, never overwritten wholesale.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := provider.ParseKind(args[0])
			if err != nil {
				return err
			}
			dst, err := provider.ParseKind(args[1])
			if err != nil {
				return err
			}
			if src == dst {
				return fmt.Errorf("source and target are both %s", src)
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if (src == provider.KindRemote || dst == provider.KindRemote) && !a.creds.Has() {
					return errNoRemote
				}
				n, err := a.providers.Migrate(ctx, src, dst)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Migrated %d record(s) from %s to %s\n", n, src, dst)
				return nil
			})
		},
	}
}

// formatMillis renders epoch milliseconds in local time.
func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}
