package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/watchledger/internal/notify"
	"github.com/njoerd114/watchledger/internal/provider"
	"github.com/njoerd114/watchledger/internal/settings"
)

const (
	otelScope       = "watchledger/sync"
	spanPass        = "sync.pass"
	metricSynced    = "watchledger.sync.records.synced"
	metricConflicts = "watchledger.sync.conflicts"
	metricErrors    = "watchledger.sync.errors"

	stateKey = "state"
)

// DefaultInterval is the auto-sync interval used when none is given.
const DefaultInterval = 5 * time.Minute

// MinInterval is the shortest accepted auto-sync interval.
const MinInterval = time.Second

// ErrInProgress is returned when a pass is requested while another runs.
// Requests are never queued.
var ErrInProgress = errors.New("sync already in progress")

// State is the persisted sync configuration and bookkeeping.
type State struct {
	AutoSyncEnabled bool  `json:"autoSyncEnabled"`
	IntervalMs      int64 `json:"intervalMs"`
	LastSyncAt      int64 `json:"lastSyncAt"`
	// InProgress is runtime only and always stored as false.
	InProgress bool `json:"inProgress"`
}

func defaultState() State {
	return State{IntervalMs: DefaultInterval.Milliseconds()}
}

// Status is [State] plus the progress of the current pass and the outcome
// of the last one.
type Status struct {
	State
	Phase      Phase   `json:"phase"`
	LastResult *Result `json:"lastResult,omitempty"`
	LastError  string  `json:"lastError,omitempty"`
}

// Engine runs sync passes between providers. Create one with [NewEngine],
// then call [Engine.Restore] to load state and resume auto-sync.
type Engine struct {
	reconciler *Reconciler
	providers  ProviderSource
	store      StateStore
	pub        Publisher
	log        *slog.Logger
	now        func() time.Time

	running atomic.Bool

	mu         sync.Mutex
	state      State
	phase      Phase
	lastResult *Result
	lastErr    error

	// loopMu serialises starting and stopping the auto-sync loop.
	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// OTel instruments; no-op when telemetry is disabled.
	tracer       trace.Tracer
	cntSynced    metric.Int64Counter
	cntConflicts metric.Int64Counter
	cntErrors    metric.Int64Counter
}

// NewEngine creates an Engine. pub may be nil.
func NewEngine(reconciler *Reconciler, providers ProviderSource, store StateStore, pub Publisher, logger *slog.Logger) *Engine {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		reconciler: reconciler,
		providers:  providers,
		store:      store,
		pub:        pub,
		log:        logger,
		now:        time.Now,
		state:      defaultState(),
		phase:      PhaseIdle,

		tracer:       tracer,
		cntSynced:    mustCounter(metricSynced, "Number of records changed by sync"),
		cntConflicts: mustCounter(metricConflicts, "Number of records that differed between providers"),
		cntErrors:    mustCounter(metricErrors, "Number of failed sync passes"),
	}
}

// Load reads the persisted state. Missing state yields the defaults.
func (e *Engine) Load() error {
	st := defaultState()
	if _, err := e.store.Get(settings.BucketSync, stateKey, &st); err != nil {
		return fmt.Errorf("loading sync state: %w", err)
	}
	st.InProgress = false
	if st.IntervalMs <= 0 {
		st.IntervalMs = DefaultInterval.Milliseconds()
	}

	e.mu.Lock()
	e.state = st
	e.mu.Unlock()
	return nil
}

func (e *Engine) saveLocked() error {
	st := e.state
	st.InProgress = false
	if err := e.store.Put(settings.BucketSync, stateKey, st); err != nil {
		return fmt.Errorf("saving sync state: %w", err)
	}
	return nil
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

// SyncNow syncs the local and remote providers.
func (e *Engine) SyncNow(ctx context.Context) (Result, error) {
	return e.SyncProviders(ctx, provider.KindLocal, provider.KindRemote)
}

// SyncProviders runs one pass between the providers of kinds a and b. It
// fails fast with [ErrInProgress] if a pass is already running.
func (e *Engine) SyncProviders(ctx context.Context, a, b provider.Kind) (Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		return Result{}, ErrInProgress
	}
	defer e.running.Store(false)

	runID := uuid.NewString()
	started := e.now()

	ctx, span := e.tracer.Start(ctx, spanPass, trace.WithAttributes(
		attribute.String("sync.run_id", runID),
		attribute.String("sync.source", string(a)),
		attribute.String("sync.target", string(b)),
	))
	defer span.End()

	e.mu.Lock()
	e.state.InProgress = true
	e.mu.Unlock()

	var res Result
	err := e.providers.WithProviders(ctx, a, b, func(ctx context.Context, pa, pb provider.Provider) error {
		var runErr error
		res, runErr = e.reconciler.Run(ctx, pa, pb, e.setPhase)
		return runErr
	})
	if err != nil && !errors.Is(err, provider.ErrSync) {
		// Opening either side failed before the reconciler ran.
		err = fmt.Errorf("%w: %w", provider.ErrSync, err)
	}

	if res.Synced > 0 {
		e.cntSynced.Add(ctx, int64(res.Synced))
	}
	if res.Conflicts > 0 {
		e.cntConflicts.Add(ctx, int64(res.Conflicts))
	}
	span.SetAttributes(
		attribute.Int("sync.synced", res.Synced),
		attribute.Int("sync.conflicts", res.Conflicts),
	)

	e.mu.Lock()
	e.phase = PhaseIdle
	e.state.InProgress = false
	e.lastErr = err
	if err == nil {
		e.lastResult = &res
		e.state.LastSyncAt = e.now().UnixMilli()
		if serr := e.saveLocked(); serr != nil {
			e.log.Warn("persisting sync state", "error", serr)
		}
	}
	e.mu.Unlock()

	ev := notify.Event{
		RunID:      runID,
		Source:     string(a),
		Target:     string(b),
		Synced:     res.Synced,
		Conflicts:  res.Conflicts,
		StartedAt:  started.UTC(),
		DurationMs: e.now().Sub(started).Milliseconds(),
	}
	if err != nil {
		ev.Error = err.Error()
		e.cntErrors.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "sync failed")
	}
	if e.pub != nil {
		if perr := e.pub.Publish(ctx, ev); perr != nil {
			e.log.Warn("publishing sync event", "run_id", runID, "error", perr)
		}
	}

	if err != nil {
		return res, err
	}
	e.log.Info("sync complete", "run_id", runID, "synced", res.Synced, "conflicts", res.Conflicts)
	return res, nil
}

// Preview merges the providers of kinds a and b without writing anything.
func (e *Engine) Preview(ctx context.Context, a, b provider.Kind) (Plan, error) {
	var plan Plan
	err := e.providers.WithProviders(ctx, a, b, func(ctx context.Context, pa, pb provider.Provider) error {
		var perr error
		plan, perr = e.reconciler.Plan(ctx, pa, pb)
		return perr
	})
	return plan, err
}

// StartAutoSync starts (or restarts) the periodic loop and persists the
// setting. A zero interval selects [DefaultInterval].
func (e *Engine) StartAutoSync(interval time.Duration) error {
	if interval == 0 {
		interval = DefaultInterval
	}
	if interval < MinInterval {
		return provider.Wrap(provider.ErrValidation, "start auto-sync",
			fmt.Errorf("interval %v is shorter than %v", interval, MinInterval))
	}

	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	e.stopLoop()

	e.mu.Lock()
	e.state.AutoSyncEnabled = true
	e.state.IntervalMs = interval.Milliseconds()
	err := e.saveLocked()
	e.mu.Unlock()

	e.startLoop(interval)
	return err
}

// StopAutoSync stops the loop immediately and persists the setting.
func (e *Engine) StopAutoSync() error {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	e.stopLoop()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.AutoSyncEnabled = false
	return e.saveLocked()
}

// Restore loads the persisted state and resumes the loop when enabled.
func (e *Engine) Restore() error {
	if err := e.Load(); err != nil {
		return err
	}
	e.mu.Lock()
	st := e.state
	e.mu.Unlock()
	if !st.AutoSyncEnabled {
		return nil
	}

	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	e.stopLoop()
	e.startLoop(time.Duration(st.IntervalMs) * time.Millisecond)
	e.log.Info("auto-sync resumed", "interval", time.Duration(st.IntervalMs)*time.Millisecond)
	return nil
}

// Shutdown stops the loop without changing the persisted setting, so the
// next [Engine.Restore] resumes it.
func (e *Engine) Shutdown() {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	e.stopLoop()
}

// Reset stops the loop and persists the default state.
func (e *Engine) Reset() error {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	e.stopLoop()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = defaultState()
	e.lastResult = nil
	e.lastErr = nil
	return e.saveLocked()
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{State: e.state, Phase: e.phase}
	st.InProgress = e.running.Load()
	if e.lastResult != nil {
		r := *e.lastResult
		st.LastResult = &r
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st
}

// startLoop launches the ticker goroutine. Callers hold loopMu.
func (e *Engine) startLoop(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.cancel = cancel
	e.done = done
	go e.loop(ctx, interval, done)
}

// stopLoop cancels the loop and waits for it to exit. Callers hold loopMu.
func (e *Engine) stopLoop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel = nil
	e.done = nil
}

func (e *Engine) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Debug("auto-sync stopped")
			return
		case <-ticker.C:
			if e.running.Load() {
				e.log.Debug("skipping auto-sync tick, pass in progress")
				continue
			}
			if _, err := e.SyncNow(ctx); err != nil && !errors.Is(err, ErrInProgress) && ctx.Err() == nil {
				e.log.Error("auto-sync failed", "error", err)
			}
		}
	}
}
