package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/njoerd114/watchledger/internal/provider"
	syncp "github.com/njoerd114/watchledger/internal/sync"
)

func newSyncOnceCmd() *cobra.Command {
	var (
		yes      bool
		from, to string
	)

	cmd := &cobra.Command{
		Use:   "sync-once",
		Short: "Run a single sync pass between two providers",
		Long: `Sync-once merges the records of two providers so both hold the same
set. Before the very first pass a summary is shown and confirmation is
requested; --yes skips it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ka, err := provider.ParseKind(from)
			if err != nil {
				return err
			}
			kb, err := provider.ParseKind(to)
			if err != nil {
				return err
			}
			if ka == kb {
				return fmt.Errorf("cannot sync %s with itself", ka)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			cmd.SetContext(ctx)

			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, ran, err := syncOnce(ctx, cmd, a, ka, kb, yes)
				if err != nil {
					return err
				}
				if !ran {
					fmt.Fprintln(cmd.OutOrStdout(), "Sync cancelled; nothing was written.")
					return nil
				}
				if flagJSON {
					return printJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Synced %d record(s), %d conflict(s) resolved.\n", res.Synced, res.Conflicts)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the first-sync confirmation")
	cmd.Flags().StringVar(&from, "from", string(provider.KindLocal), "first provider")
	cmd.Flags().StringVar(&to, "to", string(provider.KindRemote), "second provider")
	return cmd
}

// syncOnce runs the first-run preview when no pass has succeeded yet and
// confirmation was not waived; otherwise it syncs directly.
func syncOnce(ctx context.Context, cmd *cobra.Command, a *app, ka, kb provider.Kind, yes bool) (syncp.Result, bool, error) {
	if !yes && a.engine.Status().LastSyncAt == 0 {
		fr := syncp.NewFirstRun(a.engine, a.log, cmd.InOrStdin(), cmd.OutOrStdout())
		ran, res, err := fr.Run(ctx, ka, kb)
		return res, ran, err
	}
	res, err := a.engine.SyncProviders(ctx, ka, kb)
	return res, err == nil, err
}
