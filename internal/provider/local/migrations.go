package local

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func newMigrationProvider(db *sql.DB) (*goose.Provider, error) {
	// Strip the "migrations/" prefix so goose sees files at the root of the FS.
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("creating migration sub-filesystem: %w", err)
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return nil, fmt.Errorf("creating migration provider: %w", err)
	}
	return p, nil
}

// migrate applies all pending schema versions. Stores written by older
// releases are upgraded in place; existing rows are kept.
func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	p, err := newMigrationProvider(db)
	if err != nil {
		return err
	}

	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}
	return nil
}
