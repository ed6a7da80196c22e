// Package remote implements the storage provider backed by a
// PostgREST-compatible REST endpoint. It provides a [Provider] that speaks the
// PostgREST filter syntax, a transient-only retry helper, and [ApplySchema],
// which installs the server-side table and merge trigger.
package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/njoerd114/watchledger/internal/model"
	"github.com/njoerd114/watchledger/internal/provider"
)

// Defaults applied by [New] to zero-valued [Config] fields.
const (
	DefaultTable    = "watch_history"
	DefaultPageSize = 1000
	DefaultTimeout  = 30 * time.Second

	batchSize = 100
)

// Config describes one remote endpoint.
type Config struct {
	// Endpoint is the PostgREST base URL, e.g. https://xyz.supabase.co/rest/v1.
	Endpoint string
	APIKey   string

	Table       string
	PageSize    int
	Timeout     time.Duration
	MaxAttempts int
}

// Provider talks to the remote table over HTTP. Create one with [New].
type Provider struct {
	cfg   Config
	base  string
	hc    *http.Client
	log   *slog.Logger
	sleep sleepFunc

	mu    sync.Mutex
	state provider.State
}

var _ provider.Provider = (*Provider)(nil)

// New returns an uninitialised provider. No request is made until
// [Provider.Init].
func New(cfg Config, logger *slog.Logger) *Provider {
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &Provider{
		cfg:   cfg,
		base:  strings.TrimRight(cfg.Endpoint, "/") + "/" + url.PathEscape(cfg.Table),
		hc:    &http.Client{Timeout: cfg.Timeout},
		log:   logger,
		sleep: sleepCtx,
	}
}

// request is one PostgREST call.
type request struct {
	method    string
	query     url.Values
	body      io.Reader
	prefer    string
	anonymous bool // omit credentials; used by the access-control probe
}

// response carries what callers need from a successful reply.
type response struct {
	header http.Header
	body   []byte
}

// send performs a single attempt.
func (p *Provider) send(ctx context.Context, r request) (*response, error) {
	target := p.base
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, r.method, target, r.body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.prefer != "" {
		req.Header.Set("Prefer", r.prefer)
	}
	if !r.anonymous {
		req.Header.Set("apikey", p.cfg.APIKey)
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newStatusError(resp.StatusCode, body)
	}
	return &response{header: resp.Header, body: body}, nil
}

// call sends r with retry and classifies the final failure. Bodies are
// rebuilt per attempt by the mk function.
func (p *Provider) call(ctx context.Context, op string, mk func() (request, error)) (*response, error) {
	var out *response
	err := retry(ctx, p.cfg.MaxAttempts, p.sleep, func() error {
		r, err := mk()
		if err != nil {
			return err
		}
		out, err = p.send(ctx, r)
		return err
	})
	if err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func (p *Provider) get(ctx context.Context, op string, q url.Values) (*response, error) {
	return p.call(ctx, op, func() (request, error) {
		return request{method: http.MethodGet, query: q}, nil
	})
}

func (p *Provider) connected(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != provider.StateConnected {
		return provider.Wrap(provider.ErrNetwork, op, provider.ErrClosed)
	}
	return nil
}

// Init verifies that the table is reachable with the configured key, then
// probes whether it is also readable without one. The probe only warns.
func (p *Provider) Init(ctx context.Context) error {
	p.mu.Lock()
	if p.state == provider.StateConnected {
		p.mu.Unlock()
		return nil
	}
	p.state = provider.StateInitializing
	p.mu.Unlock()

	if p.cfg.Endpoint == "" || p.cfg.APIKey == "" {
		p.setState(provider.StateUninitialized)
		return provider.Wrap(provider.ErrProvider, "init", fmt.Errorf("remote endpoint and API key are required"))
	}

	q := url.Values{"select": {"id"}, "limit": {"1"}}
	if _, err := p.get(ctx, "init", q); err != nil {
		p.setState(provider.StateUninitialized)
		return err
	}

	p.probeAccessControl(ctx)
	p.setState(provider.StateConnected)
	p.log.Debug("remote store ready", "endpoint", p.cfg.Endpoint, "table", p.cfg.Table)
	return nil
}

func (p *Provider) probeAccessControl(ctx context.Context) {
	r := request{
		method:    http.MethodGet,
		query:     url.Values{"select": {"id"}, "limit": {"1"}},
		anonymous: true,
	}
	if _, err := p.send(ctx, r); err != nil {
		p.log.Debug("anonymous read rejected", "error", err)
		return
	}
	p.log.Warn("remote table is readable without credentials; enable row-level security",
		"table", p.cfg.Table)
}

func (p *Provider) setState(s provider.State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Close marks the provider closed and drops idle connections.
func (p *Provider) Close() error {
	p.setState(provider.StateClosed)
	p.hc.CloseIdleConnections()
	return nil
}

// Info describes this provider.
func (p *Provider) Info() provider.Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	name := "postgrest:" + p.cfg.Table
	if u, err := url.Parse(p.cfg.Endpoint); err == nil && u.Host != "" {
		name = "postgrest:" + u.Host + "/" + p.cfg.Table
	}
	return provider.Info{
		Name:      name,
		Kind:      provider.KindRemote,
		Connected: p.state == provider.StateConnected,
	}
}

// Get returns the record with the given id, or (nil, nil) if none exists.
func (p *Provider) Get(ctx context.Context, id string) (*model.WatchRecord, error) {
	if err := p.connected("get"); err != nil {
		return nil, err
	}
	q := url.Values{
		"select": {selectColumns},
		"id":     {"eq." + id},
		"limit":  {"1"},
	}
	resp, err := p.get(ctx, "get", q)
	if err != nil {
		return nil, err
	}
	recs, err := decodeRows(resp.body)
	if err != nil {
		return nil, provider.Wrap(provider.ErrProvider, "get", err)
	}
	if len(recs) == 0 {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	return &recs[0], nil
}

// Put reconciles rec with the stored row client-side and upserts the result.
// The server-side merge trigger keeps concurrent writers from lowering values.
func (p *Provider) Put(ctx context.Context, rec model.WatchRecord) error {
	if err := model.Validate(rec); err != nil {
		return provider.Wrap(provider.ErrValidation, "put", err)
	}
	current, err := p.Get(ctx, rec.ID)
	if err != nil {
		return err
	}
	merged := model.Reconcile(rec, current)
	if current != nil && model.Equal(*current, merged) {
		return nil
	}
	return p.upsert(ctx, "put", []model.WatchRecord{merged})
}

func (p *Provider) upsert(ctx context.Context, op string, recs []model.WatchRecord) error {
	_, err := p.call(ctx, op, func() (request, error) {
		body, err := encodeRows(recs)
		if err != nil {
			return request{}, err
		}
		return request{method: http.MethodPost, body: body, prefer: preferUpsert}, nil
	})
	return err
}

// ImportBatch writes recs in chunks of 100. Each chunk is reconciled against
// the rows already stored before it is upserted. Chunks are not atomic as a
// whole, but repeating an import is safe.
func (p *Provider) ImportBatch(ctx context.Context, recs []model.WatchRecord) (int, error) {
	if err := p.connected("import"); err != nil {
		return 0, err
	}

	// Fold duplicates first: one upsert may not touch the same row twice.
	valid := 0
	folded := make(map[string]model.WatchRecord, len(recs))
	order := make([]string, 0, len(recs))
	for _, rec := range recs {
		if model.Validate(rec) != nil {
			continue
		}
		valid++
		if prev, ok := folded[rec.ID]; ok {
			folded[rec.ID] = model.Reconcile(rec, &prev)
			continue
		}
		folded[rec.ID] = rec
		order = append(order, rec.ID)
	}
	if skipped := len(recs) - valid; skipped > 0 {
		p.log.Debug("dropped invalid records during import", "skipped", skipped)
	}

	for start := 0; start < len(order); start += batchSize {
		ids := order[start:min(start+batchSize, len(order))]
		if err := p.importChunk(ctx, ids, folded); err != nil {
			return 0, fmt.Errorf("importing records %d-%d: %w", start, start+len(ids)-1, err)
		}
	}
	return valid, nil
}

func (p *Provider) importChunk(ctx context.Context, ids []string, incoming map[string]model.WatchRecord) error {
	q := url.Values{
		"select": {selectColumns},
		"id":     {inFilter(ids)},
	}
	resp, err := p.get(ctx, "import", q)
	if err != nil {
		return err
	}
	existing, err := decodeRows(resp.body)
	if err != nil {
		return provider.Wrap(provider.ErrProvider, "import", err)
	}
	current := make(map[string]model.WatchRecord, len(existing))
	for _, rec := range existing {
		current[rec.ID] = rec
	}

	changed := make([]model.WatchRecord, 0, len(ids))
	for _, id := range ids {
		cur, ok := current[id]
		if !ok {
			changed = append(changed, incoming[id])
			continue
		}
		merged := model.Reconcile(incoming[id], &cur)
		if !model.Equal(cur, merged) {
			changed = append(changed, merged)
		}
	}
	if len(changed) == 0 {
		return nil
	}
	return p.upsert(ctx, "import", changed)
}

// GetAll pages through the whole table newest first.
func (p *Provider) GetAll(ctx context.Context) ([]model.WatchRecord, error) {
	return p.fetchAll(ctx, "get all", url.Values{})
}

// DateRange returns records last seen within [start, end], newest first.
func (p *Provider) DateRange(ctx context.Context, start, end int64) ([]model.WatchRecord, error) {
	if start > end {
		return nil, provider.Wrap(provider.ErrValidation, "date range", fmt.Errorf("start %d is after end %d", start, end))
	}
	filter := url.Values{"last_seen_at": {
		"gte." + strconv.FormatInt(start, 10),
		"lte." + strconv.FormatInt(end, 10),
	}}
	return p.fetchAll(ctx, "date range", filter)
}

// fetchAll walks limit/offset pages until a short page. Rows that shift
// between pages while paging are dropped by id.
func (p *Provider) fetchAll(ctx context.Context, op string, filter url.Values) ([]model.WatchRecord, error) {
	if err := p.connected(op); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	out := []model.WatchRecord{}
	for offset := 0; ; offset += p.cfg.PageSize {
		q := url.Values{
			"select": {selectColumns},
			"order":  {orderNewest},
			"limit":  {strconv.Itoa(p.cfg.PageSize)},
			"offset": {strconv.Itoa(offset)},
		}
		for k, v := range filter {
			q[k] = v
		}

		resp, err := p.get(ctx, op, q)
		if err != nil {
			return nil, err
		}
		page, err := decodeRows(resp.body)
		if err != nil {
			return nil, provider.Wrap(provider.ErrProvider, op, err)
		}
		for _, rec := range page {
			if _, dup := seen[rec.ID]; dup {
				continue
			}
			seen[rec.ID] = struct{}{}
			out = append(out, rec)
		}
		if len(page) < p.cfg.PageSize {
			return out, nil
		}
	}
}

// Search matches query against id and title, ignoring case, newest first.
func (p *Provider) Search(ctx context.Context, query string, limit, offset int) ([]model.WatchRecord, error) {
	if err := p.connected("search"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return p.fetchAll(ctx, "search", url.Values{"or": {ilikeOr(query)}})
	}

	q := url.Values{
		"select": {selectColumns},
		"or":     {ilikeOr(query)},
		"order":  {orderNewest},
		"limit":  {strconv.Itoa(limit)},
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	resp, err := p.get(ctx, "search", q)
	if err != nil {
		return nil, err
	}
	recs, err := decodeRows(resp.body)
	if err != nil {
		return nil, provider.Wrap(provider.ErrProvider, "search", err)
	}
	return recs, nil
}

// Count asks the server for an exact row count.
func (p *Provider) Count(ctx context.Context) (int, error) {
	if err := p.connected("count"); err != nil {
		return 0, err
	}
	resp, err := p.call(ctx, "count", func() (request, error) {
		return request{
			method: http.MethodHead,
			query:  url.Values{"select": {"id"}, "limit": {"1"}},
			prefer: preferCount,
		}, nil
	})
	if err != nil {
		return 0, err
	}
	n, err := parseContentRange(resp.header.Get("Content-Range"))
	if err != nil {
		return 0, provider.Wrap(provider.ErrProvider, "count", err)
	}
	return n, nil
}

// Delete removes the row with the given id.
func (p *Provider) Delete(ctx context.Context, id string) error {
	return p.remove(ctx, "delete", url.Values{"id": {"eq." + id}})
}

// Clear removes every row.
func (p *Provider) Clear(ctx context.Context) error {
	// PostgREST refuses unfiltered deletes.
	return p.remove(ctx, "clear", url.Values{"id": {"not.is.null"}})
}

func (p *Provider) remove(ctx context.Context, op string, q url.Values) error {
	if err := p.connected(op); err != nil {
		return err
	}
	_, err := p.call(ctx, op, func() (request, error) {
		return request{method: http.MethodDelete, query: q, prefer: "return=minimal"}, nil
	})
	return err
}

// Statistics is computed client-side from one full scan.
func (p *Provider) Statistics(ctx context.Context) (provider.Statistics, error) {
	recs, err := p.GetAll(ctx)
	if err != nil {
		return provider.Statistics{}, err
	}
	return provider.ComputeStatistics(recs), nil
}
