package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/njoerd114/watchledger/internal/model"
	"github.com/njoerd114/watchledger/internal/provider"
)

// dispatch runs one named command with payload encoded as its JSON body.
func dispatch(ctx context.Context, a *app, name string, payload any) (any, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", name, err)
		}
		raw = b
	}
	return a.dispatcher.Dispatch(ctx, name, raw)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newExportCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every record of the current provider as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				recs, err := dispatch(ctx, a, "db.export", nil)
				if err != nil {
					return err
				}
				if out == "" || out == "-" {
					return printJSON(cmd.OutOrStdout(), recs)
				}

				f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
				if err != nil {
					return fmt.Errorf("creating %s: %w", out, err)
				}
				if err := printJSON(f, recs); err != nil {
					_ = f.Close()
					return fmt.Errorf("writing %s: %w", out, err)
				}
				if err := f.Close(); err != nil {
					return fmt.Errorf("writing %s: %w", out, err)
				}
				a.log.Info("export written", "path", out, "records", len(recs.([]model.WatchRecord)))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|->",
		Short: "Import records from a JSON export into the current provider",
		Long: `Import reads a JSON array of records. Records already present are
merged: the later lastSeenAt and the higher viewCount win.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				raw []byte
				err error
			)
			if args[0] == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("reading import: %w", err)
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.dispatcher.Dispatch(ctx, "db.import", raw)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func newSearchCmd() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Find records whose id or title contains the query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := dispatch(ctx, a, "record.search", map[string]any{
					"query":  args[0],
					"limit":  limit,
					"offset": offset,
				})
				if err != nil {
					return err
				}
				if flagJSON {
					return printJSON(cmd.OutOrStdout(), res)
				}
				printRecords(cmd.OutOrStdout(), res.([]model.WatchRecord))
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of results")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of results to skip")
	return cmd
}

func printRecords(w io.Writer, recs []model.WatchRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No records found.")
		return
	}
	for _, r := range recs {
		fmt.Fprintf(w, "%-24s %5d view(s)  %s  %s\n", r.ID, r.ViewCount, formatMillis(r.LastSeenAt), r.Title)
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarise the records of the current provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := dispatch(ctx, a, "db.stats", nil)
				if err != nil {
					return err
				}
				if flagJSON {
					return printJSON(cmd.OutOrStdout(), res)
				}
				st := res.(provider.Statistics)
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "  Records:      %d\n", st.Count)
				fmt.Fprintf(w, "  Total views:  %d (%.2f per record)\n", st.TotalViews, st.AvgViewsPerRecord)
				if st.Count > 0 {
					fmt.Fprintf(w, "  Oldest seen:  %s\n", formatMillis(st.OldestSeenAt))
					fmt.Fprintf(w, "  Newest seen:  %s\n", formatMillis(st.NewestSeenAt))
				}
				return nil
			})
		},
	}
}

func newResetCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every record of the current provider and reset sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				kind := a.providers.Status().Kind
				if !yes && !confirm(cmd, fmt.Sprintf("Delete every record in the %s store?", kind)) {
					fmt.Fprintln(cmd.OutOrStdout(), "Reset cancelled.")
					return nil
				}
				if _, err := dispatch(ctx, a, "db.reset", nil); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ %s store cleared, sync state reset.\n", kind)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

// confirm asks a y/N question on the command's streams.
func confirm(cmd *cobra.Command, question string) bool {
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N] ", question)
	var answer string
	if _, err := fmt.Fscanln(cmd.InOrStdin(), &answer); err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func newCallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "call <command> [json]",
		Short: "Run any API command and print its JSON reply",
		Long: `Call runs a command exactly as POST /api/v1/commands/<command> would,
without starting the server. Run "watchledger call list" for the names.`,
		Example: `  watchledger call record.put '{"id":"tt0111161","title":"The Shawshank Redemption"}'
  watchledger call record.range '{"start":0,"end":1735689600000}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if args[0] == "list" {
					return printJSON(cmd.OutOrStdout(), a.dispatcher.Commands())
				}
				var raw json.RawMessage
				if len(args) == 2 {
					raw = json.RawMessage(args[1])
				}
				res, err := a.dispatcher.Dispatch(ctx, args[0], raw)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}
