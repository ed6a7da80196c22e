package remote

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // Postgres driver
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const mergeTrigger = "watch_history_merge"

// ApplySchema installs or upgrades the server-side table behind a PostgREST
// endpoint by connecting to its Postgres database directly. It returns the
// number of migrations applied.
func ApplySchema(ctx context.Context, dsn string, logger *slog.Logger) (int, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return 0, fmt.Errorf("connecting to postgres: %w", err)
	}
	defer func() { _ = db.Close() }()

	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("creating migration sub-filesystem: %w", err)
	}
	p, err := goose.NewProvider(goose.DialectPostgres, db.DB, subFS)
	if err != nil {
		return 0, fmt.Errorf("creating migration provider: %w", err)
	}

	results, err := p.Up(ctx)
	if err != nil {
		return 0, fmt.Errorf("running migrations: %w", err)
	}
	for _, r := range results {
		logger.Info("applied remote migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	var triggers int
	err = db.GetContext(ctx, &triggers,
		`SELECT COUNT(*) FROM pg_trigger WHERE tgname = $1 AND NOT tgisinternal`, mergeTrigger)
	if err != nil {
		return 0, fmt.Errorf("checking merge trigger: %w", err)
	}
	if triggers == 0 {
		return 0, fmt.Errorf("merge trigger %s missing after migration", mergeTrigger)
	}
	return len(results), nil
}
