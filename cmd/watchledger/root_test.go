package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njoerd114/watchledger/internal/command"
	"github.com/njoerd114/watchledger/internal/config"
	"github.com/njoerd114/watchledger/internal/credentials"
	"github.com/njoerd114/watchledger/internal/model"
	"github.com/njoerd114/watchledger/internal/provider"
	"github.com/njoerd114/watchledger/internal/setup"
)

func resetFlags(t *testing.T) {
	t.Helper()
	reset := func() { flagConfigPath, flagJSON, flagVerbose, flagQuiet = "", false, false, false }
	reset()
	t.Cleanup(reset)
}

// newTestConfig writes a config whose data lives in a temp dir and hides any
// remote credentials from the environment.
func newTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(credentials.EnvRemoteURL, "")
	t.Setenv(credentials.EnvRemoteAPIKey, "")

	path := filepath.Join(dir, "config.yaml")
	body := "data_dir: " + filepath.Join(dir, "data") + "\nlog_level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func runCLI(t *testing.T, cfgPath, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags(t)

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", cfgPath, "--quiet"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCmd_RegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{
		"serve", "sync-once", "status", "switch", "migrate", "export", "import",
		"search", "stats", "reset", "call", "setup", "credentials", "remote-schema", "service", "version",
	} {
		assert.Contains(t, names, want)
	}
}

func TestBuildLogger_Levels(t *testing.T) {
	resetFlags(t)
	ctx := context.Background()
	var buf bytes.Buffer

	l := buildLogger(&config.Config{LogLevel: "warn"}, &buf)
	assert.False(t, l.Enabled(ctx, slog.LevelInfo))
	assert.True(t, l.Enabled(ctx, slog.LevelWarn))

	flagVerbose = true
	l = buildLogger(&config.Config{LogLevel: "warn"}, &buf)
	assert.True(t, l.Enabled(ctx, slog.LevelDebug))

	flagVerbose, flagQuiet = false, true
	l = buildLogger(&config.Config{LogLevel: "debug"}, &buf)
	assert.False(t, l.Enabled(ctx, slog.LevelWarn))
	assert.True(t, l.Enabled(ctx, slog.LevelError))
}

func TestBuildLogger_NonTerminalWritesJSON(t *testing.T) {
	resetFlags(t)
	var buf bytes.Buffer
	buildLogger(&config.Config{LogLevel: "info"}, &buf).Info("hello", "k", "v")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "v", line["k"])
}

func TestVersion_SkipsConfig(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("nonsense_key: 1\n"), 0o600))

	out, err := runCLI(t, bad, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "watchledger dev\n", out)
}

func TestCLI_InvalidConfig(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("nonsense_key: 1\n"), 0o600))

	_, err := runCLI(t, bad, "", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config")
}

func TestCLI_ExportResetImport(t *testing.T) {
	cfg := newTestConfig(t)

	_, err := runCLI(t, cfg, "", "call", "record.put", `{"id":"tt0001","title":"First","observedAt":1700000000000}`)
	require.NoError(t, err)
	_, err = runCLI(t, cfg, "", "call", "record.put", `{"id":"tt0002","title":"Second","observedAt":1700000100000}`)
	require.NoError(t, err)

	backup := filepath.Join(t.TempDir(), "backup.json")
	_, err = runCLI(t, cfg, "", "export", "--out", backup)
	require.NoError(t, err)

	raw, err := os.ReadFile(backup)
	require.NoError(t, err)
	var exported []model.WatchRecord
	require.NoError(t, json.Unmarshal(raw, &exported))
	require.Len(t, exported, 2)

	out, err := runCLI(t, cfg, "", "reset", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "cleared")

	out, err = runCLI(t, cfg, "", "call", "db.export")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)

	out, err = runCLI(t, cfg, "", "import", backup)
	require.NoError(t, err)
	assert.JSONEq(t, `{"imported":2,"errors":0}`, out)

	out, err = runCLI(t, cfg, "", "search", "tt0001", "--json")
	require.NoError(t, err)
	var found []model.WatchRecord
	require.NoError(t, json.Unmarshal([]byte(out), &found))
	require.Len(t, found, 1)
	assert.Equal(t, "First", found[0].Title)
	assert.Equal(t, 1, found[0].ViewCount)

	out, err = runCLI(t, cfg, "", "stats", "--json")
	require.NoError(t, err)
	var st provider.Statistics
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 2, st.Count)
	assert.Equal(t, int64(2), st.TotalViews)
}

func TestCLI_ImportFromStdin(t *testing.T) {
	cfg := newTestConfig(t)

	in := `[{"id":"tt0009","lastSeenAt":1700000000000,"title":"Nine","viewCount":3},{"id":"","viewCount":1}]`
	out, err := runCLI(t, cfg, in, "import", "-")
	require.NoError(t, err)
	assert.JSONEq(t, `{"imported":1,"errors":1}`, out)

	out, err = runCLI(t, cfg, "", "search", "nine")
	require.NoError(t, err)
	assert.Contains(t, out, "tt0009")
	assert.Contains(t, out, "3 view(s)")
}

func TestCLI_ResetDeclined(t *testing.T) {
	cfg := newTestConfig(t)
	_, err := runCLI(t, cfg, "", "call", "record.put", `{"id":"tt0001","title":"First"}`)
	require.NoError(t, err)

	out, err := runCLI(t, cfg, "n\n", "reset")
	require.NoError(t, err)
	assert.Contains(t, out, "Reset cancelled.")

	out, err = runCLI(t, cfg, "", "search", "tt0001")
	require.NoError(t, err)
	assert.Contains(t, out, "First")
}

func TestCLI_StatusJSON(t *testing.T) {
	cfg := newTestConfig(t)

	out, err := runCLI(t, cfg, "", "status", "--json")
	require.NoError(t, err)

	var rep statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, cfg, rep.Config)
	assert.Equal(t, provider.KindLocal, rep.Provider.Kind)
	assert.True(t, rep.Provider.Connected)
	assert.Zero(t, rep.Sync.LastSyncAt)
	assert.False(t, rep.Sync.AutoSyncEnabled)
	require.Len(t, rep.Available, 2)
	assert.True(t, rep.Available[0].Available)
	assert.False(t, rep.Available[1].Available, "remote must be unavailable without credentials")
}

func TestCLI_StatusText(t *testing.T) {
	cfg := newTestConfig(t)

	out, err := runCLI(t, cfg, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Provider:   local (connected)")
	assert.Contains(t, out, "Auto-sync:  off")
	assert.Contains(t, out, "Last sync:  never")
}

func TestCLI_RemoteNeedsCredentials(t *testing.T) {
	cfg := newTestConfig(t)

	_, err := runCLI(t, cfg, "", "switch", "remote")
	assert.ErrorIs(t, err, errNoRemote)

	_, err = runCLI(t, cfg, "", "migrate", "local", "remote")
	assert.ErrorIs(t, err, errNoRemote)
}

func TestCLI_ArgumentErrors(t *testing.T) {
	cfg := newTestConfig(t)

	_, err := runCLI(t, cfg, "", "switch", "floppy")
	assert.ErrorIs(t, err, provider.ErrProvider)

	_, err = runCLI(t, cfg, "", "sync-once", "--from", "local", "--to", "local")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "itself")

	_, err = runCLI(t, cfg, "", "migrate", "remote", "remote")
	require.Error(t, err)

	_, err = runCLI(t, cfg, "", "call", "record.nope")
	assert.ErrorIs(t, err, command.ErrUnknownCommand)

	_, err = runCLI(t, cfg, "", "call", "record.search", `{"query":"x","offset":-1}`)
	assert.ErrorIs(t, err, provider.ErrValidation)
}

func TestCLI_CallList(t *testing.T) {
	cfg := newTestConfig(t)

	out, err := runCLI(t, cfg, "", "call", "list")
	require.NoError(t, err)
	var names []string
	require.NoError(t, json.Unmarshal([]byte(out), &names))
	assert.Contains(t, names, "record.put")
	assert.Contains(t, names, "sync.now")
}

func TestCLI_RemoteSchemaRequiresDSN(t *testing.T) {
	cfg := newTestConfig(t)
	t.Setenv(envRemoteDSN, "")

	_, err := runCLI(t, cfg, "", "remote-schema")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--dsn")
}

func TestCLI_CredentialsClear(t *testing.T) {
	cfg := newTestConfig(t)

	out, err := runCLI(t, cfg, "", "credentials", "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "Credentials cleared")
}

func TestCLI_ServiceLifecycle(t *testing.T) {
	cfg := newTestConfig(t)
	home := t.TempDir()
	var calls []string
	orig := newService
	t.Cleanup(func() { newService = orig })
	newService = func(*cobra.Command) (*setup.Service, error) {
		return &setup.Service{
			HomeDir:    home,
			BinaryPath: "/usr/bin/watchledger",
			ConfigPath: cfg,
			Run: func(_ context.Context, args ...string) ([]byte, error) {
				calls = append(calls, strings.Join(args, " "))
				return nil, nil
			},
		}, nil
	}

	out, err := runCLI(t, cfg, "", "service", "install")
	require.NoError(t, err)
	assert.Contains(t, out, "enabled and started")
	assert.FileExists(t, setup.UnitPath(home))

	out, err = runCLI(t, cfg, "", "service", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "installed, running")

	out, err = runCLI(t, cfg, "", "service", "uninstall")
	require.NoError(t, err)
	assert.Contains(t, out, "preserved")
	assert.NoFileExists(t, setup.UnitPath(home))
	assert.FileExists(t, cfg)

	assert.Equal(t, []string{
		"daemon-reload",
		"enable --now " + setup.UnitName,
		"is-active --quiet " + setup.UnitName,
		"disable --now " + setup.UnitName,
		"daemon-reload",
	}, calls)
}
