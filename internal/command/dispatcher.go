// Package command exposes the provider factory and sync engine through named
// commands with JSON payloads. [Dispatcher] is transport agnostic; [NewRouter]
// serves it over HTTP.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/njoerd114/watchledger/internal/factory"
	"github.com/njoerd114/watchledger/internal/model"
	"github.com/njoerd114/watchledger/internal/provider"
	syncp "github.com/njoerd114/watchledger/internal/sync"
)

// ErrUnknownCommand is returned by [Dispatcher.Dispatch] for unregistered names.
var ErrUnknownCommand = errors.New("unknown command")

// Providers is the subset of [factory.Factory] the commands use.
type Providers interface {
	SwitchTo(ctx context.Context, kind provider.Kind) (provider.Kind, error)
	Status() factory.Status
	AvailableProviders() []factory.Availability
	Migrate(ctx context.Context, src, dst provider.Kind) (int, error)
	Do(ctx context.Context, fn func(ctx context.Context, p provider.Provider) error) error
}

// SyncEngine is the subset of [syncp.Engine] the commands use.
type SyncEngine interface {
	SyncProviders(ctx context.Context, a, b provider.Kind) (syncp.Result, error)
	StartAutoSync(interval time.Duration) error
	StopAutoSync() error
	Reset() error
	Status() syncp.Status
}

type handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Dispatcher routes command names to handlers.
type Dispatcher struct {
	providers Providers
	engine    SyncEngine
	cooldown  time.Duration
	log       *slog.Logger
	now       func() time.Time

	handlers map[string]handler
}

// NewDispatcher registers every command. cooldown is the minimum gap between
// two counted views for record.put.
func NewDispatcher(providers Providers, engine SyncEngine, cooldown time.Duration, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		providers: providers,
		engine:    engine,
		cooldown:  cooldown,
		log:       logger,
		now:       time.Now,
	}
	d.handlers = map[string]handler{
		"provider.switch":  d.providerSwitch,
		"provider.status":  d.providerStatus,
		"provider.list":    d.providerList,
		"provider.migrate": d.providerMigrate,
		"sync.now":         d.syncNow,
		"sync.autostart":   d.syncAutoStart,
		"sync.autostop":    d.syncAutoStop,
		"sync.status":      d.syncStatus,
		"record.put":       d.recordPut,
		"record.get":       d.recordGet,
		"record.search":    d.recordSearch,
		"record.range":     d.recordRange,
		"record.delete":    d.recordDelete,
		"db.stats":         d.dbStats,
		"db.export":        d.dbExport,
		"db.import":        d.dbImport,
		"db.reset":         d.dbReset,
	}
	return d
}

// Commands returns the registered command names, sorted.
func (d *Dispatcher) Commands() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the named command with a JSON payload. An empty payload is
// treated as an empty object.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, payload json.RawMessage) (any, error) {
	h, ok := d.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	start := time.Now()
	out, err := h(ctx, payload)
	if err != nil {
		d.log.Warn("command failed", "command", name, "error", err)
		return nil, err
	}
	d.log.Debug("command done", "command", name, "duration", time.Since(start))
	return out, nil
}

// decode unmarshals payload into v, rejecting unknown fields.
func decode(op string, payload json.RawMessage, v any) error {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return provider.Wrap(provider.ErrValidation, op, fmt.Errorf("decoding payload: %w", err))
	}
	return nil
}

type successReply struct {
	Success bool `json:"success"`
}

// --- provider.* --------------------------------------------------------------

type switchRequest struct {
	Kind string `json:"kind"`
}

type switchReply struct {
	Success bool          `json:"success"`
	Kind    provider.Kind `json:"kind"`
}

func (d *Dispatcher) providerSwitch(ctx context.Context, payload json.RawMessage) (any, error) {
	var req switchRequest
	if err := decode("provider.switch", payload, &req); err != nil {
		return nil, err
	}
	kind, err := provider.ParseKind(req.Kind)
	if err != nil {
		return nil, err
	}
	active, err := d.providers.SwitchTo(ctx, kind)
	if err != nil {
		return nil, err
	}
	return switchReply{Success: true, Kind: active}, nil
}

func (d *Dispatcher) providerStatus(context.Context, json.RawMessage) (any, error) {
	return d.providers.Status(), nil
}

func (d *Dispatcher) providerList(context.Context, json.RawMessage) (any, error) {
	return d.providers.AvailableProviders(), nil
}

type migrateRequest struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

type migrateReply struct {
	Migrated int `json:"migrated"`
}

func (d *Dispatcher) providerMigrate(ctx context.Context, payload json.RawMessage) (any, error) {
	var req migrateRequest
	if err := decode("provider.migrate", payload, &req); err != nil {
		return nil, err
	}
	src, err := provider.ParseKind(req.Source)
	if err != nil {
		return nil, err
	}
	dst, err := provider.ParseKind(req.Target)
	if err != nil {
		return nil, err
	}
	n, err := d.providers.Migrate(ctx, src, dst)
	if err != nil {
		return nil, err
	}
	return migrateReply{Migrated: n}, nil
}

// --- sync.* ------------------------------------------------------------------

type syncRequest struct {
	KindA string `json:"kindA"`
	KindB string `json:"kindB"`
}

func (d *Dispatcher) syncNow(ctx context.Context, payload json.RawMessage) (any, error) {
	req := syncRequest{KindA: string(provider.KindLocal), KindB: string(provider.KindRemote)}
	if err := decode("sync.now", payload, &req); err != nil {
		return nil, err
	}
	a, err := provider.ParseKind(req.KindA)
	if err != nil {
		return nil, err
	}
	b, err := provider.ParseKind(req.KindB)
	if err != nil {
		return nil, err
	}
	if a == b {
		return nil, provider.Wrap(provider.ErrValidation, "sync.now", fmt.Errorf("cannot sync %s with itself", a))
	}
	return d.engine.SyncProviders(ctx, a, b)
}

type autoStartRequest struct {
	IntervalMs int64 `json:"intervalMs"`
}

func (d *Dispatcher) syncAutoStart(_ context.Context, payload json.RawMessage) (any, error) {
	var req autoStartRequest
	if err := decode("sync.autostart", payload, &req); err != nil {
		return nil, err
	}
	if err := d.engine.StartAutoSync(time.Duration(req.IntervalMs) * time.Millisecond); err != nil {
		return nil, err
	}
	return successReply{Success: true}, nil
}

func (d *Dispatcher) syncAutoStop(_ context.Context, payload json.RawMessage) (any, error) {
	var req autoStartRequest
	if err := decode("sync.autostop", payload, &req); err != nil {
		return nil, err
	}
	if err := d.engine.StopAutoSync(); err != nil {
		return nil, err
	}
	return successReply{Success: true}, nil
}

func (d *Dispatcher) syncStatus(context.Context, json.RawMessage) (any, error) {
	return d.engine.Status(), nil
}

// --- record.* ----------------------------------------------------------------

type putRequest struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	ObservedAt int64  `json:"observedAt"`
}

func (d *Dispatcher) recordPut(ctx context.Context, payload json.RawMessage) (any, error) {
	var req putRequest
	if err := decode("record.put", payload, &req); err != nil {
		return nil, err
	}
	if !model.ValidID(req.ID) {
		return nil, provider.Wrap(provider.ErrValidation, "record.put", fmt.Errorf("invalid id %q", req.ID))
	}
	if req.ObservedAt == 0 {
		req.ObservedAt = d.now().UnixMilli()
	}

	var merged model.WatchRecord
	err := d.providers.Do(ctx, func(ctx context.Context, p provider.Provider) error {
		existing, err := p.Get(ctx, req.ID)
		if err != nil {
			return err
		}
		next := model.Observe(existing, model.Sighting{
			ID:         req.ID,
			Title:      req.Title,
			ObservedAt: req.ObservedAt,
			Cooldown:   d.cooldown,
		})
		if err := p.Put(ctx, next); err != nil {
			return err
		}
		merged = model.Reconcile(next, existing)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

type idRequest struct {
	ID string `json:"id"`
}

func (d *Dispatcher) recordGet(ctx context.Context, payload json.RawMessage) (any, error) {
	var req idRequest
	if err := decode("record.get", payload, &req); err != nil {
		return nil, err
	}
	var rec *model.WatchRecord
	err := d.providers.Do(ctx, func(ctx context.Context, p provider.Provider) error {
		var err error
		rec, err = p.Get(ctx, req.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

type searchRequest struct {
	Query  string `json:"query"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

func (d *Dispatcher) recordSearch(ctx context.Context, payload json.RawMessage) (any, error) {
	var req searchRequest
	if err := decode("record.search", payload, &req); err != nil {
		return nil, err
	}
	if req.Offset < 0 {
		return nil, provider.Wrap(provider.ErrValidation, "record.search", fmt.Errorf("negative offset %d", req.Offset))
	}
	return d.records(ctx, func(ctx context.Context, p provider.Provider) ([]model.WatchRecord, error) {
		return p.Search(ctx, req.Query, req.Limit, req.Offset)
	})
}

type rangeRequest struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (d *Dispatcher) recordRange(ctx context.Context, payload json.RawMessage) (any, error) {
	var req rangeRequest
	if err := decode("record.range", payload, &req); err != nil {
		return nil, err
	}
	return d.records(ctx, func(ctx context.Context, p provider.Provider) ([]model.WatchRecord, error) {
		return p.DateRange(ctx, req.Start, req.End)
	})
}

func (d *Dispatcher) recordDelete(ctx context.Context, payload json.RawMessage) (any, error) {
	var req idRequest
	if err := decode("record.delete", payload, &req); err != nil {
		return nil, err
	}
	err := d.providers.Do(ctx, func(ctx context.Context, p provider.Provider) error {
		return p.Delete(ctx, req.ID)
	})
	if err != nil {
		return nil, err
	}
	return successReply{Success: true}, nil
}

// records runs fn against the current provider and never returns a nil slice,
// so empty results encode as [].
func (d *Dispatcher) records(ctx context.Context, fn func(ctx context.Context, p provider.Provider) ([]model.WatchRecord, error)) ([]model.WatchRecord, error) {
	var out []model.WatchRecord
	err := d.providers.Do(ctx, func(ctx context.Context, p provider.Provider) error {
		var err error
		out, err = fn(ctx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.WatchRecord{}
	}
	return out, nil
}

// --- db.* --------------------------------------------------------------------

func (d *Dispatcher) dbStats(ctx context.Context, _ json.RawMessage) (any, error) {
	var st provider.Statistics
	err := d.providers.Do(ctx, func(ctx context.Context, p provider.Provider) error {
		var err error
		st, err = p.Statistics(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (d *Dispatcher) dbExport(ctx context.Context, _ json.RawMessage) (any, error) {
	return d.records(ctx, func(ctx context.Context, p provider.Provider) ([]model.WatchRecord, error) {
		return p.GetAll(ctx)
	})
}

type importReply struct {
	Imported int `json:"imported"`
	Errors   int `json:"errors"`
}

func (d *Dispatcher) dbImport(ctx context.Context, payload json.RawMessage) (any, error) {
	var recs []model.WatchRecord
	if err := decode("db.import", payload, &recs); err != nil {
		return nil, err
	}
	for i := range recs {
		recs[i] = model.Normalize(recs[i])
	}

	var n int
	err := d.providers.Do(ctx, func(ctx context.Context, p provider.Provider) error {
		var err error
		n, err = p.ImportBatch(ctx, recs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return importReply{Imported: n, Errors: len(recs) - n}, nil
}

type resetReply struct {
	Count int `json:"count"`
}

func (d *Dispatcher) dbReset(ctx context.Context, _ json.RawMessage) (any, error) {
	err := d.providers.Do(ctx, func(ctx context.Context, p provider.Provider) error {
		return p.Clear(ctx)
	})
	if err != nil {
		return nil, err
	}
	if err := d.engine.Reset(); err != nil {
		return nil, fmt.Errorf("resetting sync state: %w", err)
	}
	return resetReply{Count: 0}, nil
}
