// Package notify announces finished sync passes. The default publisher only
// logs; when an AMQP broker is configured, events are also published there as
// JSON messages.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Event describes one sync pass.
type Event struct {
	RunID      string    `json:"runId"`
	Source     string    `json:"source"`
	Target     string    `json:"target"`
	Synced     int       `json:"synced"`
	Conflicts  int       `json:"conflicts"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	DurationMs int64     `json:"durationMs"`
}

// OK reports whether the pass succeeded.
func (e Event) OK() bool { return e.Error == "" }

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Log writes every event to a logger.
type Log struct {
	log *slog.Logger
}

// NewLog returns a publisher that logs at info level, or warn for failed
// passes.
func NewLog(logger *slog.Logger) *Log {
	return &Log{log: logger}
}

func (l *Log) Publish(ctx context.Context, ev Event) error {
	level := slog.LevelInfo
	if !ev.OK() {
		level = slog.LevelWarn
	}
	l.log.Log(ctx, level, "sync event",
		"run_id", ev.RunID,
		"source", ev.Source,
		"target", ev.Target,
		"synced", ev.Synced,
		"conflicts", ev.Conflicts,
		"duration_ms", ev.DurationMs,
		"error", ev.Error,
	)
	return nil
}

func (l *Log) Close() error { return nil }

// Multi fans an event out to several publishers. Every publisher is tried;
// errors are joined.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.Publish(ctx, ev))
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}
