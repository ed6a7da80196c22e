package setup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/njoerd114/watchledger/internal/config"
	"github.com/njoerd114/watchledger/internal/credentials"
	"github.com/njoerd114/watchledger/internal/provider"
)

// CredentialStore reads and saves the remote credentials.
type CredentialStore interface {
	Get() (*credentials.Credentials, error)
	Save(c credentials.Credentials) error
}

// Preferences persists the provider chosen at startup.
type Preferences interface {
	ProviderKind() (string, error)
	SetProviderKind(kind string) error
}

// VerifyFunc checks that the remote endpoint accepts the credentials.
type VerifyFunc func(ctx context.Context, c credentials.Credentials) error

// Wizard guides the user through connecting a remote store.
type Wizard struct {
	prompt  *Prompter
	logger  *slog.Logger
	w       io.Writer
	creds   CredentialStore
	prefs   Preferences
	verify  VerifyFunc
	cfgPath string
}

// NewWizard creates a Wizard wired to the given I/O. cfgPath is where a
// starter config is offered when none exists yet.
func NewWizard(r io.Reader, w io.Writer, creds CredentialStore, prefs Preferences, verify VerifyFunc, cfgPath string, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt:  NewPrompter(r, w),
		logger:  logger,
		w:       w,
		creds:   creds,
		prefs:   prefs,
		verify:  verify,
		cfgPath: cfgPath,
	}
}

// Run executes the wizard: remote connection, preferred provider, config file.
func (wiz *Wizard) Run(ctx context.Context) error {
	fmt.Fprintf(wiz.w, "\nwatchledger setup\n\n")

	// Step 1: remote connection.
	fmt.Fprintf(wiz.w, "Step 1/3: Remote store\n")
	connected, err := wiz.connectRemote(ctx)
	if err != nil {
		return err
	}

	// Step 2: preferred provider.
	fmt.Fprintf(wiz.w, "Step 2/3: Preferred provider\n")
	if err := wiz.choosePreferred(connected); err != nil {
		return err
	}

	// Step 3: config file.
	fmt.Fprintf(wiz.w, "Step 3/3: Configuration file\n")
	if err := wiz.offerConfig(); err != nil {
		return err
	}

	fmt.Fprintf(wiz.w, "Setup complete.\n")
	fmt.Fprintf(wiz.w, "  Sync once:  watchledger sync-once\n")
	fmt.Fprintf(wiz.w, "  Serve:      watchledger serve\n\n")
	return nil
}

// connectRemote asks for and verifies the remote credentials. It reports
// whether a working remote is configured after the step.
func (wiz *Wizard) connectRemote(ctx context.Context) (bool, error) {
	current, err := wiz.creds.Get()
	if err != nil {
		return false, fmt.Errorf("reading stored credentials: %w", err)
	}

	if current != nil {
		fmt.Fprintf(wiz.w, "  Credentials found for %s\n", current.Endpoint)
		if !wiz.prompt.Confirm("Replace them?", false) {
			fmt.Fprintf(wiz.w, "\n")
			return true, nil
		}
	} else if !wiz.prompt.Confirm("Connect a remote PostgREST store?", true) {
		fmt.Fprintf(wiz.w, "  Skipping; records stay local.\n\n")
		return false, nil
	}

	var endpoint, key string
	if current != nil {
		endpoint, key = current.Endpoint, current.APIKey
	}
	endpoint = wiz.prompt.String("Endpoint (e.g. https://example.supabase.co/rest/v1)", endpoint)
	key = wiz.prompt.Secret("Service key", key)

	c := credentials.Credentials{Endpoint: endpoint, APIKey: key}
	if err := c.Validate(); err != nil {
		return false, err
	}

	fmt.Fprintf(wiz.w, "  Connecting...")
	if err := wiz.verify(ctx, c); err != nil {
		fmt.Fprintf(wiz.w, " failed\n")
		return false, fmt.Errorf("cannot reach remote store: %w\n\n  Check the endpoint and key, then try again", err)
	}
	fmt.Fprintf(wiz.w, " ok\n")

	if err := wiz.creds.Save(c); err != nil {
		return false, fmt.Errorf("saving credentials: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Credentials saved\n\n")
	return true, nil
}

func (wiz *Wizard) choosePreferred(remoteReady bool) error {
	if !remoteReady {
		fmt.Fprintf(wiz.w, "  Using the local store.\n\n")
		return wiz.prefs.SetProviderKind(string(provider.KindLocal))
	}

	current, err := wiz.prefs.ProviderKind()
	if err != nil {
		return fmt.Errorf("reading provider preference: %w", err)
	}
	options := []string{
		"local (embedded SQLite, works offline)",
		"remote (PostgREST, shared between devices)",
	}
	def := 0
	if current == string(provider.KindRemote) {
		def = 1
	}
	idx, err := wiz.prompt.Select("Provider to use at startup", options, def)
	if err != nil {
		return fmt.Errorf("selecting provider: %w", err)
	}

	kind := provider.Kinds[idx]
	if err := wiz.prefs.SetProviderKind(string(kind)); err != nil {
		return fmt.Errorf("saving provider preference: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Starting with %s\n\n", kind)
	return nil
}

// offerConfig writes a starter config file when none exists yet.
func (wiz *Wizard) offerConfig() error {
	if _, err := os.Stat(wiz.cfgPath); err == nil {
		fmt.Fprintf(wiz.w, "  Keeping existing config at %s\n\n", wiz.cfgPath)
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("checking %s: %w", wiz.cfgPath, err)
	}

	if !wiz.prompt.Confirm(fmt.Sprintf("Write a config file to %s?", wiz.cfgPath), true) {
		fmt.Fprintf(wiz.w, "  Skipping; built-in defaults apply.\n\n")
		return nil
	}

	cfg, err := config.Default()
	if err != nil {
		return err
	}
	cfg.Sync.Interval = wiz.prompt.Duration("Auto-sync interval", cfg.Sync.Interval, config.MinSyncInterval)
	cfg.Sync.AutoStart = wiz.prompt.Confirm("Start auto-sync with `serve`?", false)

	if err := cfg.Write(wiz.cfgPath); err != nil {
		return err
	}
	wiz.logger.Debug("config written", "path", wiz.cfgPath)
	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n\n", wiz.cfgPath)
	return nil
}
