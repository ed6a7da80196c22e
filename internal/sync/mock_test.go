package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/njoerd114/watchledger/internal/model"
	"github.com/njoerd114/watchledger/internal/notify"
	"github.com/njoerd114/watchledger/internal/provider"
)

// --- Mock Provider -----------------------------------------------------------

type mockProvider struct {
	mu        sync.Mutex
	name      string
	kind      provider.Kind
	recs      map[string]model.WatchRecord
	getAllErr error
	importErr error
	block     chan struct{} // GetAll waits on it when non-nil
	imports   int
}

func newMockProvider(kind provider.Kind, recs ...model.WatchRecord) *mockProvider {
	m := &mockProvider{name: "mock-" + string(kind), kind: kind, recs: make(map[string]model.WatchRecord)}
	for _, r := range recs {
		m.recs[r.ID] = r
	}
	return m
}

func (m *mockProvider) snapshot() map[string]model.WatchRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.WatchRecord, len(m.recs))
	for k, v := range m.recs {
		out[k] = v
	}
	return out
}

func (m *mockProvider) Init(context.Context) error { return nil }
func (m *mockProvider) Close() error                { return nil }

func (m *mockProvider) Info() provider.Info {
	return provider.Info{Name: m.name, Kind: m.kind, Connected: true}
}

func (m *mockProvider) Get(_ context.Context, id string) (*model.WatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *mockProvider) Put(_ context.Context, rec model.WatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(rec)
	return nil
}

func (m *mockProvider) putLocked(rec model.WatchRecord) {
	if cur, ok := m.recs[rec.ID]; ok {
		m.recs[rec.ID] = model.Reconcile(rec, &cur)
		return
	}
	m.recs[rec.ID] = rec
}

func (m *mockProvider) GetAll(ctx context.Context) ([]model.WatchRecord, error) {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getAllErr != nil {
		return nil, m.getAllErr
	}
	return m.sortedLocked(), nil
}

func (m *mockProvider) sortedLocked() []model.WatchRecord {
	out := make([]model.WatchRecord, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeenAt != out[j].LastSeenAt {
			return out[i].LastSeenAt > out[j].LastSeenAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *mockProvider) Count(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs), nil
}

func (m *mockProvider) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = make(map[string]model.WatchRecord)
	return nil
}

func (m *mockProvider) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, id)
	return nil
}

func (m *mockProvider) ImportBatch(_ context.Context, recs []model.WatchRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.importErr != nil {
		return 0, m.importErr
	}
	m.imports++
	n := 0
	for _, r := range recs {
		if model.Validate(r) != nil {
			continue
		}
		m.putLocked(r)
		n++
	}
	return n, nil
}

func (m *mockProvider) Search(_ context.Context, q string, limit, offset int) ([]model.WatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.WatchRecord
	for _, r := range m.sortedLocked() {
		if strings.Contains(strings.ToLower(r.Title), strings.ToLower(q)) {
			out = append(out, r)
		}
	}
	out = out[min(offset, len(out)):]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockProvider) DateRange(_ context.Context, start, end int64) ([]model.WatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.WatchRecord
	for _, r := range m.sortedLocked() {
		if r.LastSeenAt >= start && r.LastSeenAt <= end {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockProvider) Statistics(context.Context) (provider.Statistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return provider.ComputeStatistics(m.sortedLocked()), nil
}

// --- Mock Provider Source ----------------------------------------------------

type mockSource struct {
	providers map[provider.Kind]provider.Provider
	openErr   error
}

func newMockSource(local, remote provider.Provider) *mockSource {
	return &mockSource{providers: map[provider.Kind]provider.Provider{
		provider.KindLocal:  local,
		provider.KindRemote: remote,
	}}
}

func (s *mockSource) WithProviders(ctx context.Context, a, b provider.Kind, fn func(ctx context.Context, pa, pb provider.Provider) error) error {
	if s.openErr != nil {
		return s.openErr
	}
	pa, ok := s.providers[a]
	if !ok {
		return provider.Wrap(provider.ErrProvider, "borrow", fmt.Errorf("no %s provider", a))
	}
	pb, ok := s.providers[b]
	if !ok {
		return provider.Wrap(provider.ErrProvider, "borrow", fmt.Errorf("no %s provider", b))
	}
	return fn(ctx, pa, pb)
}

// --- Mock State Store --------------------------------------------------------

type mockStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMockStore() *mockStore {
	return &mockStore{data: make(map[string][]byte)}
}

func (s *mockStore) Get(bucket, key string, v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data[bucket+"/"+key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, v)
}

func (s *mockStore) Put(bucket, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[bucket+"/"+key] = b
	return nil
}

func (s *mockStore) state() (State, bool) {
	var st State
	found, _ := s.Get("sync", stateKey, &st)
	return st, found
}

// --- Mock Publisher ----------------------------------------------------------

type mockPublisher struct {
	mu     sync.Mutex
	events []notify.Event
	signal chan struct{}
}

func newMockPublisher() *mockPublisher {
	return &mockPublisher{signal: make(chan struct{}, 100)}
}

func (p *mockPublisher) Publish(_ context.Context, ev notify.Event) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}
	return nil
}

func (p *mockPublisher) all() []notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notify.Event(nil), p.events...)
}
