// Package local implements the embedded SQLite storage provider.
//
// Only this package may open or query the local database. Records live in a
// single table keyed by id with a descending last-seen index; every read that
// returns more than one record walks that index newest first.
package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/watchledger/internal/model"
	"github.com/njoerd114/watchledger/internal/provider"
)

const (
	selectColumns = `id, last_seen_at, title, view_count`
	orderNewest   = `ORDER BY last_seen_at DESC, id ASC`

	upsertQuery = `
		INSERT INTO watch_history (id, last_seen_at, title, view_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    last_seen_at = excluded.last_seen_at,
		    title        = excluded.title,
		    view_count   = excluded.view_count,
		    updated_at   = excluded.updated_at`
)

// Provider is the SQLite-backed provider. Create one with [New]; it does not
// touch the file system until [Provider.Init].
type Provider struct {
	path string
	log  *slog.Logger
	now  func() time.Time

	mu    sync.Mutex
	db    *sqlx.DB
	state provider.State
}

var _ provider.Provider = (*Provider)(nil)

// New returns an uninitialised provider for the database file at path.
func New(path string, logger *slog.Logger) *Provider {
	return &Provider{path: path, log: logger, now: time.Now}
}

// Init opens (or creates) the database, configures WAL mode and applies any
// pending schema upgrades.
func (p *Provider) Init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == provider.StateConnected {
		return nil
	}
	p.state = provider.StateInitializing

	db, err := p.open(ctx)
	if err != nil {
		p.state = provider.StateUninitialized
		return provider.Wrap(provider.ErrDatabase, "init", err)
	}

	p.db = db
	p.state = provider.StateConnected
	p.log.Debug("local store ready", "path", p.path)
	return nil
}

func (p *Provider) open(ctx context.Context) (*sqlx.DB, error) {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sqlx.Open("sqlite3", p.path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", p.path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening database %q: %w", p.path, err)
	}
	if err := migrate(ctx, db.DB, p.log); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return db, nil
}

// Close releases the database connection.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.db == nil {
		p.state = provider.StateClosed
		return nil
	}
	err := p.db.Close()
	p.db = nil
	p.state = provider.StateClosed
	return provider.Wrap(provider.ErrDatabase, "close", err)
}

// Info describes this provider.
func (p *Provider) Info() provider.Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return provider.Info{
		Name:      "sqlite:" + filepath.Base(p.path),
		Kind:      provider.KindLocal,
		Connected: p.state == provider.StateConnected,
	}
}

func (p *Provider) conn() (*sqlx.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != provider.StateConnected {
		return nil, provider.ErrClosed
	}
	return p.db, nil
}

// Get returns the record with the given id, or (nil, nil) if none exists.
func (p *Provider) Get(ctx context.Context, id string) (*model.WatchRecord, error) {
	db, err := p.conn()
	if err != nil {
		return nil, provider.Wrap(provider.ErrDatabase, "get", err)
	}
	rec, err := getRecord(ctx, db, id)
	if err != nil {
		return nil, provider.Wrap(provider.ErrDatabase, "get", err)
	}
	return rec, nil
}

// Put reconciles rec with the stored record inside one transaction.
func (p *Provider) Put(ctx context.Context, rec model.WatchRecord) error {
	if err := model.Validate(rec); err != nil {
		return provider.Wrap(provider.ErrValidation, "put", err)
	}
	db, err := p.conn()
	if err != nil {
		return provider.Wrap(provider.ErrDatabase, "put", err)
	}

	err = p.inTx(ctx, db, func(tx *sqlx.Tx) error {
		return p.putTx(ctx, tx, rec)
	})
	return provider.Wrap(provider.ErrDatabase, "put", err)
}

// ImportBatch reconciles every valid record in a single transaction, so a
// failure leaves the store untouched.
func (p *Provider) ImportBatch(ctx context.Context, recs []model.WatchRecord) (int, error) {
	db, err := p.conn()
	if err != nil {
		return 0, provider.Wrap(provider.ErrDatabase, "import", err)
	}

	var imported int
	err = p.inTx(ctx, db, func(tx *sqlx.Tx) error {
		for _, rec := range recs {
			if model.Validate(rec) != nil {
				continue
			}
			if err := p.putTx(ctx, tx, rec); err != nil {
				return err
			}
			imported++
		}
		return nil
	})
	if err != nil {
		return 0, provider.Wrap(provider.ErrDatabase, "import", err)
	}
	if skipped := len(recs) - imported; skipped > 0 {
		p.log.Debug("dropped invalid records during import", "skipped", skipped)
	}
	return imported, nil
}

func (p *Provider) inTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// putTx is the read-modify-write step shared by Put and ImportBatch.
func (p *Provider) putTx(ctx context.Context, tx *sqlx.Tx, rec model.WatchRecord) error {
	current, err := getRecord(ctx, tx, rec.ID)
	if err != nil {
		return err
	}
	merged := model.Reconcile(rec, current)
	if current != nil && model.Equal(*current, merged) {
		return nil
	}

	_, err = tx.ExecContext(ctx, upsertQuery,
		merged.ID,
		merged.LastSeenAt,
		merged.Title,
		merged.ViewCount,
		p.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upserting record %s: %w", merged.ID, err)
	}
	return nil
}

// GetAll returns every record, newest first.
func (p *Provider) GetAll(ctx context.Context) ([]model.WatchRecord, error) {
	db, err := p.conn()
	if err != nil {
		return nil, provider.Wrap(provider.ErrDatabase, "get all", err)
	}
	recs := []model.WatchRecord{}
	q := `SELECT ` + selectColumns + ` FROM watch_history ` + orderNewest
	if err := db.SelectContext(ctx, &recs, q); err != nil {
		return nil, provider.Wrap(provider.ErrDatabase, "get all", fmt.Errorf("querying records: %w", err))
	}
	return recs, nil
}

// Count returns the number of stored records.
func (p *Provider) Count(ctx context.Context) (int, error) {
	db, err := p.conn()
	if err != nil {
		return 0, provider.Wrap(provider.ErrDatabase, "count", err)
	}
	var n int
	if err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM watch_history`); err != nil {
		return 0, provider.Wrap(provider.ErrDatabase, "count", fmt.Errorf("counting records: %w", err))
	}
	return n, nil
}

// Clear removes every record.
func (p *Provider) Clear(ctx context.Context) error {
	db, err := p.conn()
	if err != nil {
		return provider.Wrap(provider.ErrDatabase, "clear", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM watch_history`); err != nil {
		return provider.Wrap(provider.ErrDatabase, "clear", fmt.Errorf("deleting records: %w", err))
	}
	return nil
}

// Delete removes the record with the given id. Deleting a missing id is not
// an error.
func (p *Provider) Delete(ctx context.Context, id string) error {
	db, err := p.conn()
	if err != nil {
		return provider.Wrap(provider.ErrDatabase, "delete", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM watch_history WHERE id = ?`, id); err != nil {
		return provider.Wrap(provider.ErrDatabase, "delete", fmt.Errorf("deleting record %s: %w", id, err))
	}
	return nil
}

// Search walks the last-seen index newest first and keeps records whose id or
// title contains query, ignoring case. It stops reading once limit matches
// past offset have been collected.
func (p *Provider) Search(ctx context.Context, query string, limit, offset int) ([]model.WatchRecord, error) {
	db, err := p.conn()
	if err != nil {
		return nil, provider.Wrap(provider.ErrDatabase, "search", err)
	}

	rows, err := db.QueryxContext(ctx, `SELECT `+selectColumns+` FROM watch_history `+orderNewest)
	if err != nil {
		return nil, provider.Wrap(provider.ErrDatabase, "search", fmt.Errorf("querying records: %w", err))
	}
	defer func() { _ = rows.Close() }()

	needle := strings.ToLower(query)
	results := []model.WatchRecord{}
	skipped := 0
	for rows.Next() {
		var rec model.WatchRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, provider.Wrap(provider.ErrDatabase, "search", fmt.Errorf("scanning record row: %w", err))
		}
		if !matches(rec, needle) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		results = append(results, rec)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, provider.Wrap(provider.ErrDatabase, "search", err)
	}
	return results, nil
}

func matches(rec model.WatchRecord, needle string) bool {
	return strings.Contains(strings.ToLower(rec.ID), needle) ||
		strings.Contains(strings.ToLower(rec.Title), needle)
}

// DateRange returns records last seen within [start, end], newest first.
func (p *Provider) DateRange(ctx context.Context, start, end int64) ([]model.WatchRecord, error) {
	if start > end {
		return nil, provider.Wrap(provider.ErrValidation, "date range", fmt.Errorf("start %d is after end %d", start, end))
	}
	db, err := p.conn()
	if err != nil {
		return nil, provider.Wrap(provider.ErrDatabase, "date range", err)
	}

	recs := []model.WatchRecord{}
	q := `SELECT ` + selectColumns + ` FROM watch_history WHERE last_seen_at BETWEEN ? AND ? ` + orderNewest
	if err := db.SelectContext(ctx, &recs, q, start, end); err != nil {
		return nil, provider.Wrap(provider.ErrDatabase, "date range", fmt.Errorf("querying records: %w", err))
	}
	return recs, nil
}

// Statistics aggregates the whole table in one scan.
func (p *Provider) Statistics(ctx context.Context) (provider.Statistics, error) {
	db, err := p.conn()
	if err != nil {
		return provider.Statistics{}, provider.Wrap(provider.ErrDatabase, "statistics", err)
	}

	var row struct {
		Count  int   `db:"count"`
		Oldest int64 `db:"oldest"`
		Newest int64 `db:"newest"`
		Total  int64 `db:"total"`
	}
	const q = `
		SELECT COUNT(*)                      AS count,
		       COALESCE(MIN(last_seen_at), 0) AS oldest,
		       COALESCE(MAX(last_seen_at), 0) AS newest,
		       COALESCE(SUM(view_count), 0)   AS total
		FROM watch_history`
	if err := db.GetContext(ctx, &row, q); err != nil {
		return provider.Statistics{}, provider.Wrap(provider.ErrDatabase, "statistics", fmt.Errorf("aggregating records: %w", err))
	}

	st := provider.Statistics{
		Count:        row.Count,
		OldestSeenAt: row.Oldest,
		NewestSeenAt: row.Newest,
		TotalViews:   row.Total,
	}
	if st.Count > 0 {
		st.AvgViewsPerRecord = float64(st.TotalViews) / float64(st.Count)
	}
	return st, nil
}

// --- helpers -----------------------------------------------------------------

// getRecord works on both *sqlx.DB and *sqlx.Tx.
func getRecord(ctx context.Context, q sqlx.QueryerContext, id string) (*model.WatchRecord, error) {
	var rec model.WatchRecord
	err := sqlx.GetContext(ctx, q, &rec, `SELECT `+selectColumns+` FROM watch_history WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("reading record %s: %w", id, err)
	}
	return &rec, nil
}
