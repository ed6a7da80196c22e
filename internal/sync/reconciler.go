package sync

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/watchledger/internal/model"
	"github.com/njoerd114/watchledger/internal/provider"
)

// Phase is the step a running pass is in.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseFetching Phase = "fetching"
	PhaseMerging  Phase = "merging"
	PhaseWriting  Phase = "writing"
)

// Result summarises one pass.
type Result struct {
	// Synced counts ids that changed on at least one side.
	Synced int `json:"synced"`
	// Conflicts counts ids present on both sides with differing values.
	Conflicts int `json:"conflicts"`
}

// Plan is the outcome of merging two record sets: what each side must
// receive to hold the reconciled union.
type Plan struct {
	ToA []model.WatchRecord
	ToB []model.WatchRecord
	Result
}

// Merge builds the reconciled union of a and b. Where both sides hold an id,
// a's title wins the tie-break.
func Merge(a, b []model.WatchRecord) Plan {
	byA := make(map[string]model.WatchRecord, len(a))
	for _, r := range a {
		byA[r.ID] = r
	}
	byB := make(map[string]model.WatchRecord, len(b))
	for _, r := range b {
		byB[r.ID] = r
	}

	var plan Plan
	for _, ra := range a {
		rb, ok := byB[ra.ID]
		if !ok {
			plan.ToB = append(plan.ToB, ra)
			plan.Synced++
			continue
		}
		if model.Equal(ra, rb) {
			continue
		}
		plan.Conflicts++
		merged := model.Reconcile(ra, &rb)
		changed := false
		if !model.Equal(merged, ra) {
			plan.ToA = append(plan.ToA, merged)
			changed = true
		}
		if !model.Equal(merged, rb) {
			plan.ToB = append(plan.ToB, merged)
			changed = true
		}
		if changed {
			plan.Synced++
		}
	}
	for _, rb := range b {
		if _, ok := byA[rb.ID]; !ok {
			plan.ToA = append(plan.ToA, rb)
			plan.Synced++
		}
	}
	return plan
}

// Reconciler performs a single merge pass between two providers. It is
// stateless between calls.
type Reconciler struct {
	log *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(logger *slog.Logger) *Reconciler {
	return &Reconciler{log: logger}
}

// Plan fetches both sides concurrently and merges them without writing.
func (r *Reconciler) Plan(ctx context.Context, pa, pb provider.Provider) (Plan, error) {
	var recsA, recsB []model.WatchRecord

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := pa.Init(gctx); err != nil {
			return fmt.Errorf("initialising %s: %w", pa.Info().Name, err)
		}
		recs, err := pa.GetAll(gctx)
		if err != nil {
			return fmt.Errorf("fetching %s: %w", pa.Info().Name, err)
		}
		recsA = recs
		return nil
	})
	g.Go(func() error {
		if err := pb.Init(gctx); err != nil {
			return fmt.Errorf("initialising %s: %w", pb.Info().Name, err)
		}
		recs, err := pb.GetAll(gctx)
		if err != nil {
			return fmt.Errorf("fetching %s: %w", pb.Info().Name, err)
		}
		recsB = recs
		return nil
	})
	if err := g.Wait(); err != nil {
		return Plan{}, fmt.Errorf("%w: %w", provider.ErrSync, err)
	}

	r.log.Debug("fetched both sides", "a", len(recsA), "b", len(recsB))
	return Merge(recsA, recsB), nil
}

// Run merges pa and pb and writes the differences back to each side.
// progress, if non-nil, is told about each phase. A failure part-way leaves
// whatever was already written; the next pass completes it.
func (r *Reconciler) Run(ctx context.Context, pa, pb provider.Provider, progress func(Phase)) (Result, error) {
	report := func(p Phase) {
		if progress != nil {
			progress(p)
		}
	}

	report(PhaseFetching)
	plan, err := r.Plan(ctx, pa, pb)
	if err != nil {
		return Result{}, err
	}

	report(PhaseMerging)
	r.log.Debug("merged record sets",
		"to_a", len(plan.ToA),
		"to_b", len(plan.ToB),
		"conflicts", plan.Conflicts,
	)

	report(PhaseWriting)
	if len(plan.ToA) > 0 {
		if _, err := pa.ImportBatch(ctx, plan.ToA); err != nil {
			return plan.Result, fmt.Errorf("%w: writing %s: %w", provider.ErrSync, pa.Info().Name, err)
		}
	}
	if len(plan.ToB) > 0 {
		if _, err := pb.ImportBatch(ctx, plan.ToB); err != nil {
			return plan.Result, fmt.Errorf("%w: writing %s: %w", provider.ErrSync, pb.Info().Name, err)
		}
	}
	return plan.Result, nil
}
