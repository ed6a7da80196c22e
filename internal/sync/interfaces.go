// Package sync keeps two storage providers converged. It merges the full
// record sets of both sides with [model.Reconcile] and writes back only what
// each side is missing.
//
// The package contains three main components:
//
//   - [Reconciler] runs one stateless merge pass over two providers.
//   - [Engine] guards passes against overlap, runs the auto-sync loop and
//     persists [State].
//   - [FirstRun] previews the very first pass and asks for confirmation.
package sync

import (
	"context"

	"github.com/njoerd114/watchledger/internal/notify"
	"github.com/njoerd114/watchledger/internal/provider"
)

// ProviderSource lends two providers for the duration of one pass.
// Implemented by [factory.Factory].
type ProviderSource interface {
	WithProviders(ctx context.Context, a, b provider.Kind, fn func(ctx context.Context, pa, pb provider.Provider) error) error
}

// StateStore persists [State] as JSON. Implemented by [settings.Store].
type StateStore interface {
	Get(bucket, key string, v any) (bool, error)
	Put(bucket, key string, v any) error
}

// Publisher receives one event per finished pass. Implemented by the
// publishers in package notify.
type Publisher interface {
	Publish(ctx context.Context, ev notify.Event) error
}
