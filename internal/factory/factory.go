// Package factory owns provider selection. Exactly one provider is current at
// a time; a second handle of the other kind may be opened on demand for sync
// and migration. Switching to remote falls back to local when the remote
// cannot be reached.
package factory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/njoerd114/watchledger/internal/credentials"
	"github.com/njoerd114/watchledger/internal/provider"
	"github.com/njoerd114/watchledger/internal/provider/local"
	"github.com/njoerd114/watchledger/internal/provider/remote"
)

const (
	otelScope       = "watchledger/factory"
	metricFallbacks = "watchledger.provider.fallbacks"
)

// ErrFallback is returned when a requested provider could not be used and the
// local provider was activated instead. It wraps the original cause.
var ErrFallback = errors.New("fell back to local provider")

// Builder creates an uninitialised provider of the given kind. creds is nil
// for the local kind.
type Builder func(kind provider.Kind, creds *credentials.Credentials) (provider.Provider, error)

// DefaultBuilder returns a Builder for the local store at localPath and remote
// endpoints configured by rc. Endpoint and key in rc are taken from creds.
func DefaultBuilder(localPath string, rc remote.Config, logger *slog.Logger) Builder {
	return func(kind provider.Kind, creds *credentials.Credentials) (provider.Provider, error) {
		switch kind {
		case provider.KindLocal:
			return local.New(localPath, logger.With("provider", "local")), nil
		case provider.KindRemote:
			if creds == nil {
				return nil, provider.Wrap(provider.ErrProvider, "build", errors.New("remote credentials missing"))
			}
			cfg := rc
			cfg.Endpoint = creds.Endpoint
			cfg.APIKey = creds.APIKey
			return remote.New(cfg, logger.With("provider", "remote")), nil
		default:
			return nil, provider.Wrap(provider.ErrProvider, "build", fmt.Errorf("unknown provider kind %q", kind))
		}
	}
}

// Status describes the current provider.
type Status struct {
	Kind        provider.Kind `json:"kind"`
	Connected   bool          `json:"connected"`
	Initialized bool          `json:"initialized"`
}

// Availability is one entry of [Factory.AvailableProviders].
type Availability struct {
	Kind      provider.Kind `json:"kind"`
	Available bool          `json:"available"`
	Current   bool          `json:"current"`
}

// Factory holds the current provider. Create one with [New] and call
// [Factory.Init] before use.
type Factory struct {
	creds CredentialSource
	prefs Preferences
	build Builder
	log   *slog.Logger

	fallbacks metric.Int64Counter

	// mu guards current. Provider use holds the read lock; switching and
	// closing hold the write lock.
	mu          sync.RWMutex
	current     provider.Provider
	kind        provider.Kind
	initialized bool

	// secMu guards the secondary handle, which readers open lazily.
	secMu     sync.Mutex
	secondary provider.Provider
	secKind   provider.Kind
}

// New creates a Factory. Nothing is opened until [Factory.Init].
func New(creds CredentialSource, prefs Preferences, build Builder, logger *slog.Logger) *Factory {
	meter := otel.Meter(otelScope)
	fallbacks, err := meter.Int64Counter(metricFallbacks,
		metric.WithDescription("Number of times a provider switch fell back to local"))
	if err != nil {
		logger.Error("creating OTel counter", "name", metricFallbacks, "error", err)
		fallbacks = noop.Int64Counter{}
	}
	return &Factory{
		creds:     creds,
		prefs:     prefs,
		build:     build,
		log:       logger,
		fallbacks: fallbacks,
	}
}

// Init activates the persisted provider preference, defaulting to local. Any
// failure to activate the preferred provider falls back to local; only a
// local failure is returned.
func (f *Factory) Init(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	kind := provider.KindLocal
	stored, err := f.prefs.ProviderKind()
	switch {
	case err != nil:
		f.log.Warn("reading provider preference, using local", "error", err)
	case stored != "":
		if k, perr := provider.ParseKind(stored); perr == nil {
			kind = k
		} else {
			f.log.Warn("ignoring unknown provider preference", "kind", stored)
		}
	}

	if _, err := f.switchLocked(ctx, kind, false); err != nil {
		if errors.Is(err, ErrFallback) {
			f.log.Warn("preferred provider unavailable, using local", "preferred", kind, "error", err)
		} else if kind == provider.KindLocal {
			return fmt.Errorf("initialising local provider: %w", err)
		} else {
			f.log.Warn("preferred provider unavailable, using local", "preferred", kind, "error", err)
			if _, err := f.switchLocked(ctx, provider.KindLocal, false); err != nil {
				return fmt.Errorf("initialising local provider: %w", err)
			}
		}
	}
	if f.current == nil {
		return errors.New("initialising providers: no provider could be opened")
	}
	f.initialized = true
	return nil
}

// SwitchTo makes kind the current provider and persists the choice. It
// returns the kind that is current afterwards: on [ErrFallback] that is local.
// Switching to remote without credentials fails with provider.ErrProvider and
// leaves the current provider untouched.
func (f *Factory) SwitchTo(ctx context.Context, kind provider.Kind) (provider.Kind, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.switchLocked(ctx, kind, true)
}

func (f *Factory) switchLocked(ctx context.Context, kind provider.Kind, persist bool) (provider.Kind, error) {
	if f.current != nil && f.kind == kind && f.current.Info().Connected {
		if persist {
			f.persist(kind)
		}
		return kind, nil
	}

	var creds *credentials.Credentials
	if kind == provider.KindRemote {
		c, err := f.creds.Get()
		if err != nil || c == nil {
			if err == nil {
				err = errors.New("no remote credentials configured")
			}
			return f.kind, provider.Wrap(provider.ErrProvider, "switch", err)
		}
		creds = c
	}

	f.closeSecondary()

	next, err := f.open(ctx, kind, creds, true)
	if err != nil {
		if kind == provider.KindLocal {
			return f.kind, err
		}
		f.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("provider.kind", string(kind))))
		if f.kind != provider.KindLocal || f.current == nil {
			localP, lerr := f.open(ctx, provider.KindLocal, nil, false)
			if lerr != nil {
				// Not a fallback: nothing usable is active.
				return f.kind, fmt.Errorf("opening local provider after %s failed (%v): %w", kind, err, lerr)
			}
			f.replace(localP, provider.KindLocal)
		}
		return provider.KindLocal, fmt.Errorf("%w: %w", ErrFallback, err)
	}

	f.replace(next, kind)
	if persist {
		f.persist(kind)
	}
	f.log.Info("provider active", "kind", kind, "name", next.Info().Name)
	return kind, nil
}

// open builds and initialises a provider. With check set it also issues a
// Count as connectivity test.
func (f *Factory) open(ctx context.Context, kind provider.Kind, creds *credentials.Credentials, check bool) (provider.Provider, error) {
	p, err := f.build(kind, creds)
	if err != nil {
		return nil, err
	}
	if err := p.Init(ctx); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("initialising %s provider: %w", kind, err)
	}
	if check {
		if _, err := p.Count(ctx); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("testing %s provider: %w", kind, err)
		}
	}
	return p, nil
}

func (f *Factory) replace(p provider.Provider, kind provider.Kind) {
	if f.current != nil {
		if err := f.current.Close(); err != nil {
			f.log.Warn("closing previous provider", "kind", f.kind, "error", err)
		}
	}
	f.current = p
	f.kind = kind
}

func (f *Factory) persist(kind provider.Kind) {
	if err := f.prefs.SetProviderKind(string(kind)); err != nil {
		f.log.Warn("persisting provider preference", "kind", kind, "error", err)
	}
}

func (f *Factory) closeSecondary() {
	f.secMu.Lock()
	defer f.secMu.Unlock()
	if f.secondary != nil {
		_ = f.secondary.Close()
		f.secondary = nil
	}
}

// handle returns the provider of the given kind: the current one when it
// matches, otherwise the lazily opened secondary. Callers hold the read lock.
func (f *Factory) handle(ctx context.Context, kind provider.Kind) (provider.Provider, error) {
	if f.current != nil && f.kind == kind {
		return f.current, nil
	}

	f.secMu.Lock()
	defer f.secMu.Unlock()
	if f.secondary != nil && f.secKind == kind {
		return f.secondary, nil
	}
	if f.secondary != nil {
		_ = f.secondary.Close()
		f.secondary = nil
	}

	var creds *credentials.Credentials
	if kind == provider.KindRemote {
		c, err := f.creds.Get()
		if err != nil || c == nil {
			if err == nil {
				err = errors.New("no remote credentials configured")
			}
			return nil, provider.Wrap(provider.ErrProvider, "open "+string(kind), err)
		}
		creds = c
	}
	p, err := f.open(ctx, kind, creds, false)
	if err != nil {
		return nil, err
	}
	f.secondary = p
	f.secKind = kind
	return p, nil
}

// Do runs fn against the current provider.
func (f *Factory) Do(ctx context.Context, fn func(ctx context.Context, p provider.Provider) error) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.current == nil {
		return provider.Wrap(provider.ErrProvider, "do", errors.New("no provider initialised"))
	}
	return fn(ctx, f.current)
}

// WithProviders borrows the providers of kinds a and b for the duration of
// fn. No switch can happen while fn runs.
func (f *Factory) WithProviders(ctx context.Context, a, b provider.Kind, fn func(ctx context.Context, pa, pb provider.Provider) error) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	pa, err := f.handle(ctx, a)
	if err != nil {
		return err
	}
	pb, err := f.handle(ctx, b)
	if err != nil {
		return err
	}
	return fn(ctx, pa, pb)
}

// Migrate copies every record from src into dst, reconciling with what dst
// already holds. It returns the number of records written.
func (f *Factory) Migrate(ctx context.Context, src, dst provider.Kind) (int, error) {
	if src == dst {
		return 0, nil
	}
	var n int
	err := f.WithProviders(ctx, src, dst, func(ctx context.Context, from, to provider.Provider) error {
		recs, err := from.GetAll(ctx)
		if err != nil {
			return fmt.Errorf("reading %s records: %w", src, err)
		}
		n, err = to.ImportBatch(ctx, recs)
		if err != nil {
			return fmt.Errorf("writing %s records: %w", dst, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	f.log.Info("migration complete", "from", src, "to", dst, "records", n)
	return n, nil
}

// AvailableProviders lists every kind. Local is always available; remote only
// when credentials are configured.
func (f *Factory) AvailableProviders() []Availability {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]Availability, 0, len(provider.Kinds))
	for _, k := range provider.Kinds {
		out = append(out, Availability{
			Kind:      k,
			Available: k == provider.KindLocal || f.creds.Has(),
			Current:   f.current != nil && f.kind == k,
		})
	}
	return out
}

// Status reports the current provider.
func (f *Factory) Status() Status {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st := Status{Kind: f.kind, Initialized: f.initialized}
	if f.current != nil {
		st.Connected = f.current.Info().Connected
	}
	return st
}

// Close closes the current and secondary providers.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	f.secMu.Lock()
	if f.secondary != nil {
		errs = append(errs, f.secondary.Close())
		f.secondary = nil
	}
	f.secMu.Unlock()
	if f.current != nil {
		errs = append(errs, f.current.Close())
		f.current = nil
	}
	f.initialized = false
	return errors.Join(errs...)
}
