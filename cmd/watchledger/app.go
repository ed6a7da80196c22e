package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/njoerd114/watchledger/internal/command"
	"github.com/njoerd114/watchledger/internal/config"
	"github.com/njoerd114/watchledger/internal/credentials"
	"github.com/njoerd114/watchledger/internal/factory"
	"github.com/njoerd114/watchledger/internal/notify"
	"github.com/njoerd114/watchledger/internal/provider/remote"
	"github.com/njoerd114/watchledger/internal/settings"
	syncp "github.com/njoerd114/watchledger/internal/sync"
	"github.com/njoerd114/watchledger/internal/telemetry"
)

const telemetryFlushTimeout = 5 * time.Second

// loaded is the configuration resolved by the root command.
type loaded struct {
	cfg  *config.Config
	path string
}

func withConfig(ctx context.Context, l *loaded) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, cfgKey{}, l)
}

func configFrom(cmd *cobra.Command) (*loaded, error) {
	l, ok := cmd.Context().Value(cfgKey{}).(*loaded)
	if !ok || l == nil {
		return nil, errors.New("configuration not loaded")
	}
	return l, nil
}

// app holds every long-lived component of one invocation.
type app struct {
	cfg        *config.Config
	log        *slog.Logger
	settings   *settings.Store
	creds      *credentials.Store
	providers  *factory.Factory
	engine     *syncp.Engine
	dispatcher *command.Dispatcher

	// closers run in reverse order on Close.
	closers []func() error
}

// remoteConfig maps the YAML remote block onto the client settings. Endpoint
// and key come from the credential store at build time.
func remoteConfig(cfg *config.Config) remote.Config {
	return remote.Config{
		Table:       cfg.Remote.Table,
		PageSize:    cfg.Remote.PageSize,
		Timeout:     cfg.Remote.Timeout,
		MaxAttempts: cfg.Remote.MaxAttempts,
	}
}

// openApp wires settings, providers, publishers and the sync engine.
// The caller must Close the result.
func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		shutdown, telErr := telemetry.Setup(ctx, telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Headers:        cfg.Telemetry.Headers,
		})
		if telErr != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", telErr)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			a.closers = append(a.closers, func() error {
				flushCtx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
				defer cancel()
				return shutdown(flushCtx)
			})
		}
	}

	// --- Settings & credentials ----------------------------------------------

	a.settings, err = settings.Open(cfg.SettingsPath())
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.settings.Close)
	a.creds = credentials.New(a.settings)

	// --- Providers -----------------------------------------------------------

	build := factory.DefaultBuilder(cfg.Local.Path, remoteConfig(cfg), logger)
	a.providers = factory.New(a.creds, a.settings, build, logger)
	if err := a.providers.Init(ctx); err != nil {
		return nil, fmt.Errorf("opening local store at %q: %w", cfg.Local.Path, err)
	}
	a.closers = append(a.closers, a.providers.Close)
	st := a.providers.Status()
	logger.Debug("provider ready", "kind", st.Kind, "connected", st.Connected)

	// --- Notifications -------------------------------------------------------

	pubs := notify.Multi{notify.NewLog(logger)}
	if cfg.AMQP != nil {
		mq, mqErr := notify.NewAMQP(notify.AMQPConfig{
			URL:        cfg.AMQP.URL,
			Exchange:   cfg.AMQP.Exchange,
			RoutingKey: cfg.AMQP.RoutingKey,
			QueueName:  cfg.AMQP.Queue,
		}, logger)
		if mqErr != nil {
			logger.Warn("amqp unavailable, sync events are logged only", "error", mqErr)
		} else {
			pubs = append(pubs, mq)
		}
	}
	a.closers = append(a.closers, pubs.Close)

	// --- Sync engine & commands ----------------------------------------------

	a.engine = syncp.NewEngine(syncp.NewReconciler(logger), a.providers, a.settings, pubs, logger)
	a.closers = append(a.closers, func() error {
		a.engine.Shutdown()
		return nil
	})
	if err := a.engine.Load(); err != nil {
		return nil, err
	}
	a.dispatcher = command.NewDispatcher(a.providers, a.engine, cfg.Observe.Cooldown, logger)

	return a, nil
}

// Close releases everything openApp acquired, newest first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Error("shutdown", "error", err)
		}
	}
	a.closers = nil
}

// withApp loads the config, builds the logger and app, and runs fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	l, err := configFrom(cmd)
	if err != nil {
		return err
	}
	logger := buildLogger(l.cfg, os.Stderr)
	slog.SetDefault(logger)

	ctx := cmd.Context()
	a, err := openApp(ctx, l.cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
