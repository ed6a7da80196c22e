// Package provider defines the capability set every storage backend
// implements, together with the error taxonomy shared by the backends, the
// provider factory and the sync engine.
//
// Two implementations exist:
//
//   - [local.Provider] stores records in an embedded SQLite file.
//   - [remote.Provider] stores records in a PostgREST-compatible table.
package provider

import (
	"context"
	"fmt"

	"github.com/njoerd114/watchledger/internal/model"
)

// Kind names a provider implementation.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// Kinds lists every known provider kind in display order.
var Kinds = []Kind{KindLocal, KindRemote}

// ParseKind converts user input into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindLocal, KindRemote:
		return Kind(s), nil
	default:
		return "", Wrap(ErrProvider, "parse kind", fmt.Errorf("unknown provider kind %q", s))
	}
}

// State is the connection lifecycle of a provider.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "uninitialized"
	}
}

// Info describes a provider instance.
type Info struct {
	Name      string `json:"name"`
	Kind      Kind   `json:"kind"`
	Connected bool   `json:"connected"`
}

// Statistics summarises the stored records.
type Statistics struct {
	Count             int     `json:"count"`
	OldestSeenAt      int64   `json:"oldestSeenAt"`
	NewestSeenAt      int64   `json:"newestSeenAt"`
	TotalViews        int64   `json:"totalViews"`
	AvgViewsPerRecord float64 `json:"avgViewsPerRecord"`
}

// Provider is a storage backend for watch records. Implementations are safe
// for concurrent use; each call is a single round trip to the backing store.
type Provider interface {
	// Init opens the connection. Calling it on a connected provider is a no-op.
	Init(ctx context.Context) error

	// Get returns the record for id, or (nil, nil) if it does not exist.
	Get(ctx context.Context, id string) (*model.WatchRecord, error)

	// Put reconciles rec with the stored record and persists the result, so
	// stored values never move backwards. Invalid records fail with
	// ErrValidation.
	Put(ctx context.Context, rec model.WatchRecord) error

	// GetAll returns every record exactly once, newest first.
	GetAll(ctx context.Context) ([]model.WatchRecord, error)

	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	Delete(ctx context.Context, id string) error

	// ImportBatch applies Put semantics to every record and returns how many
	// were persisted. Invalid records are skipped silently. The first storage
	// error aborts the batch.
	ImportBatch(ctx context.Context, recs []model.WatchRecord) (int, error)

	// Search returns records whose id or title contains query, ignoring case,
	// newest first. A limit <= 0 means no limit.
	Search(ctx context.Context, query string, limit, offset int) ([]model.WatchRecord, error)

	// DateRange returns records last seen within [start, end] (ms), newest first.
	DateRange(ctx context.Context, start, end int64) ([]model.WatchRecord, error)

	Statistics(ctx context.Context) (Statistics, error)
	Close() error
	Info() Info
}

// ComputeStatistics derives Statistics from a full record scan.
func ComputeStatistics(recs []model.WatchRecord) Statistics {
	var st Statistics
	for i, r := range recs {
		if i == 0 || r.LastSeenAt < st.OldestSeenAt {
			st.OldestSeenAt = r.LastSeenAt
		}
		if r.LastSeenAt > st.NewestSeenAt {
			st.NewestSeenAt = r.LastSeenAt
		}
		st.TotalViews += int64(r.ViewCount)
	}
	st.Count = len(recs)
	if st.Count > 0 {
		st.AvgViewsPerRecord = float64(st.TotalViews) / float64(st.Count)
	}
	return st
}
