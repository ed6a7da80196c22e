package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/njoerd114/watchledger/internal/setup"
)

// newService builds the unit manager for the current user and config.
// Tests replace it to avoid touching systemd.
var newService = func(cmd *cobra.Command) (*setup.Service, error) {
	l, err := configFrom(cmd)
	if err != nil {
		return nil, err
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolving home directory: %w", err)
	}
	bin, err := setup.Executable()
	if err != nil {
		return nil, err
	}
	return &setup.Service{HomeDir: home, BinaryPath: bin, ConfigPath: l.path, Run: setup.Systemctl}, nil
}

func newServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Run `watchledger serve` as a systemd user service",
	}
	cmd.AddCommand(newServiceInstallCmd(), newServiceUninstallCmd(), newServiceStatusCmd())
	return cmd
}

func newServiceInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install, enable and start the user service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := newService(cmd)
			if err != nil {
				return err
			}
			if err := svc.Install(cmd.Context()); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "✓ Unit written to %s\n", setup.UnitPath(svc.HomeDir))
			fmt.Fprintf(w, "✓ %s enabled and started\n", setup.UnitName)
			fmt.Fprintf(w, "  Logs: journalctl --user -u %s -f\n", setup.UnitName)
			return nil
		},
	}
}

func newServiceUninstallCmd() *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop the user service and remove its unit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := configFrom(cmd)
			if err != nil {
				return err
			}
			svc, err := newService(cmd)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if err := svc.Uninstall(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(w, "✓ Service removed")

			if !purge {
				fmt.Fprintln(w, "  Config and data preserved. Run with --purge to remove them.")
				return nil
			}
			if err := setup.PurgeUserData(l.path, l.cfg.DataDir); err != nil {
				return err
			}
			fmt.Fprintln(w, "✓ Config and data purged")
			return nil
		},
	}

	cmd.Flags().BoolVar(&purge, "purge", false, "also remove the config directory and data directory")
	return cmd
}

func newServiceStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the user service is installed and running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := newService(cmd)
			if err != nil {
				return err
			}
			state := "not installed"
			if svc.Installed() {
				state = "installed, stopped"
				if svc.Active(cmd.Context()) {
					state = "installed, running"
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", setup.UnitName, state)
			return nil
		},
	}
}
