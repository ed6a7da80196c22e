package setup

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
)

//go:embed watchledger.service.tmpl
var unitTemplateStr string

// UnitName is the systemd user unit that runs `watchledger serve`.
const UnitName = "watchledger.service"

// Runner runs one `systemctl --user` invocation and returns its combined output.
type Runner func(ctx context.Context, args ...string) ([]byte, error)

// Systemctl is the Runner used outside tests.
func Systemctl(ctx context.Context, args ...string) ([]byte, error) {
	//nolint:gosec // fixed binary, arguments built by this package
	return exec.CommandContext(ctx, "systemctl", append([]string{"--user"}, args...)...).CombinedOutput()
}

// unitData holds values injected into the unit template.
type unitData struct {
	BinaryPath string
	ConfigPath string
}

// Service installs and removes the background unit.
type Service struct {
	HomeDir    string
	BinaryPath string
	ConfigPath string
	Run        Runner
}

// UnitPath returns the unit file destination under the user's systemd directory.
func UnitPath(homeDir string) string {
	return filepath.Join(homeDir, ".config", "systemd", "user", UnitName)
}

// Executable resolves the running binary, following symlinks so the unit
// keeps working when a package manager swaps the link.
func Executable() (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolving current executable path: %w", err)
	}
	self, err = filepath.EvalSymlinks(self)
	if err != nil {
		return "", fmt.Errorf("resolving executable symlinks: %w", err)
	}
	return self, nil
}

// WriteUnit renders the unit from the embedded template.
func (s *Service) WriteUnit() error {
	tmpl, err := template.New("unit").Parse(unitTemplateStr)
	if err != nil {
		return fmt.Errorf("parsing unit template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, unitData{BinaryPath: s.BinaryPath, ConfigPath: s.ConfigPath}); err != nil {
		return fmt.Errorf("executing unit template: %w", err)
	}

	dest := UnitPath(s.HomeDir)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating systemd user directory: %w", err)
	}
	if err := os.WriteFile(dest, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing unit to %s: %w", dest, err)
	}
	return nil
}

// Install writes the unit, reloads systemd and starts the service now and
// at every login.
func (s *Service) Install(ctx context.Context) error {
	if s.BinaryPath == "" || s.ConfigPath == "" {
		return errors.New("binary and config paths are required")
	}
	if err := s.WriteUnit(); err != nil {
		return err
	}
	if err := s.systemctl(ctx, "daemon-reload"); err != nil {
		return err
	}
	return s.systemctl(ctx, "enable", "--now", UnitName)
}

// Uninstall stops and disables the service and removes the unit. A missing
// unit is not an error.
func (s *Service) Uninstall(ctx context.Context) error {
	if !s.Installed() {
		return nil
	}
	if err := s.systemctl(ctx, "disable", "--now", UnitName); err != nil {
		return err
	}
	if err := os.Remove(UnitPath(s.HomeDir)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing unit: %w", err)
	}
	return s.systemctl(ctx, "daemon-reload")
}

// Installed reports whether the unit file exists.
func (s *Service) Installed() bool {
	_, err := os.Stat(UnitPath(s.HomeDir))
	return err == nil
}

// Active reports whether systemd considers the service running.
func (s *Service) Active(ctx context.Context) bool {
	_, err := s.Run(ctx, "is-active", "--quiet", UnitName)
	return err == nil
}

func (s *Service) systemctl(ctx context.Context, args ...string) error {
	out, err := s.Run(ctx, args...)
	if err != nil {
		return fmt.Errorf("systemctl --user %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return nil
}

// PurgeUserData removes the directory holding the config file and the data
// directory.
func PurgeUserData(configPath, dataDir string) error {
	for _, dir := range []string{filepath.Dir(configPath), dataDir} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("removing %s: %w", dir, err)
		}
	}
	return nil
}
