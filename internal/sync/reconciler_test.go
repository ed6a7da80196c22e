package sync

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/njoerd114/watchledger/internal/model"
	"github.com/njoerd114/watchledger/internal/provider"
)

var testLogger = slog.New(slog.DiscardHandler)

func rec(id string, seen int64, title string, views int) model.WatchRecord {
	return model.WatchRecord{ID: id, LastSeenAt: seen, Title: title, ViewCount: views}
}

// ---------------------------------------------------------------------------
// Merge
// ---------------------------------------------------------------------------

func TestMerge_DisjointSets(t *testing.T) {
	a := []model.WatchRecord{rec("aaaaaaaaaaa", 1, "A", 1)}
	b := []model.WatchRecord{rec("bbbbbbbbbbb", 2, "B", 1)}

	plan := Merge(a, b)
	if plan.Synced != 2 || plan.Conflicts != 0 {
		t.Errorf("Result = %+v, want 2 synced, 0 conflicts", plan.Result)
	}
	if len(plan.ToA) != 1 || plan.ToA[0].ID != "bbbbbbbbbbb" {
		t.Errorf("ToA = %+v, want only bbbbbbbbbbb", plan.ToA)
	}
	if len(plan.ToB) != 1 || plan.ToB[0].ID != "aaaaaaaaaaa" {
		t.Errorf("ToB = %+v, want only aaaaaaaaaaa", plan.ToB)
	}
}

func TestMerge_IdenticalRecordsAreNotConflicts(t *testing.T) {
	r := rec("aaaaaaaaaaa", 1, "A", 1)
	plan := Merge([]model.WatchRecord{r}, []model.WatchRecord{r})
	if plan.Synced != 0 || plan.Conflicts != 0 || len(plan.ToA) != 0 || len(plan.ToB) != 0 {
		t.Errorf("plan = %+v, want empty", plan)
	}
}

func TestMerge_ConflictTakesMaxima(t *testing.T) {
	a := []model.WatchRecord{rec("aaaaaaaaaaa", 100, "Local title", 5)}
	b := []model.WatchRecord{rec("aaaaaaaaaaa", 200, "Remote title", 2)}

	plan := Merge(a, b)
	want := rec("aaaaaaaaaaa", 200, "Local title", 5)
	if plan.Conflicts != 1 || plan.Synced != 1 {
		t.Errorf("Result = %+v, want 1 synced, 1 conflict", plan.Result)
	}
	if len(plan.ToA) != 1 || plan.ToA[0] != want {
		t.Errorf("ToA = %+v, want [%+v]", plan.ToA, want)
	}
	if len(plan.ToB) != 1 || plan.ToB[0] != want {
		t.Errorf("ToB = %+v, want [%+v]", plan.ToB, want)
	}
}

func TestMerge_OneSideAlreadyDominates(t *testing.T) {
	a := []model.WatchRecord{rec("aaaaaaaaaaa", 200, "Title", 5)}
	b := []model.WatchRecord{rec("aaaaaaaaaaa", 100, "Title", 2)}

	plan := Merge(a, b)
	if len(plan.ToA) != 0 {
		t.Errorf("ToA = %+v, want nothing (a already holds the maxima)", plan.ToA)
	}
	if len(plan.ToB) != 1 {
		t.Errorf("ToB = %+v, want one update", plan.ToB)
	}
}

// ---------------------------------------------------------------------------
// Reconciler
// ---------------------------------------------------------------------------

func TestReconciler_Converges(t *testing.T) {
	local := newMockProvider(provider.KindLocal,
		rec("aaaaaaaaaaa", 100, "A", 1),
		rec("bbbbbbbbbbb", 200, "B", 2),
	)
	remote := newMockProvider(provider.KindRemote,
		rec("bbbbbbbbbbb", 300, "B remote", 1),
		rec("ccccccccccc", 50, "C", 1),
	)

	r := NewReconciler(testLogger)
	var phases []Phase
	res, err := r.Run(context.Background(), local, remote, func(p Phase) { phases = append(phases, p) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Synced != 3 {
		t.Errorf("Synced = %d, want 3", res.Synced)
	}
	if res.Conflicts != 1 {
		t.Errorf("Conflicts = %d, want 1", res.Conflicts)
	}
	if len(phases) != 3 || phases[0] != PhaseFetching || phases[2] != PhaseWriting {
		t.Errorf("phases = %v, want fetching, merging, writing", phases)
	}

	want := map[string]model.WatchRecord{
		"aaaaaaaaaaa": rec("aaaaaaaaaaa", 100, "A", 1),
		"bbbbbbbbbbb": rec("bbbbbbbbbbb", 300, "B", 2),
		"ccccccccccc": rec("ccccccccccc", 50, "C", 1),
	}
	for name, got := range map[string]map[string]model.WatchRecord{"local": local.snapshot(), "remote": remote.snapshot()} {
		if len(got) != len(want) {
			t.Fatalf("%s holds %d records, want %d", name, len(got), len(want))
		}
		for id, w := range want {
			if got[id] != w {
				t.Errorf("%s[%s] = %+v, want %+v", name, id, got[id], w)
			}
		}
	}

	// A second pass finds nothing to do.
	res, err = r.Run(context.Background(), local, remote, nil)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if res != (Result{}) {
		t.Errorf("second pass Result = %+v, want zero", res)
	}
}

func TestReconciler_WritesOnlyDifferences(t *testing.T) {
	local := newMockProvider(provider.KindLocal, rec("aaaaaaaaaaa", 100, "A", 1))
	remote := newMockProvider(provider.KindRemote, rec("bbbbbbbbbbb", 100, "B", 1))

	if _, err := NewReconciler(testLogger).Run(context.Background(), local, remote, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := NewReconciler(testLogger).Run(context.Background(), local, remote, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if local.imports != 1 || remote.imports != 1 {
		t.Errorf("imports = %d/%d, want one write per side in total", local.imports, remote.imports)
	}
}

func TestReconciler_FetchFailureIsSyncError(t *testing.T) {
	cause := provider.Wrap(provider.ErrNetwork, "get all", errors.New("connection reset"))
	local := newMockProvider(provider.KindLocal, rec("aaaaaaaaaaa", 100, "A", 1))
	remote := newMockProvider(provider.KindRemote)
	remote.getAllErr = cause

	_, err := NewReconciler(testLogger).Run(context.Background(), local, remote, nil)
	if !errors.Is(err, provider.ErrSync) {
		t.Errorf("error = %v, want ErrSync", err)
	}
	if !errors.Is(err, provider.ErrNetwork) {
		t.Errorf("error = %v, want the network cause preserved", err)
	}
	if remote.imports != 0 || local.imports != 0 {
		t.Error("nothing may be written when a fetch fails")
	}
}

func TestReconciler_WriteFailureKeepsEarlierWrites(t *testing.T) {
	local := newMockProvider(provider.KindLocal, rec("aaaaaaaaaaa", 100, "A", 1))
	remote := newMockProvider(provider.KindRemote, rec("bbbbbbbbbbb", 100, "B", 1))
	remote.importErr = errors.New("quota exceeded")

	_, err := NewReconciler(testLogger).Run(context.Background(), local, remote, nil)
	if !errors.Is(err, provider.ErrSync) {
		t.Fatalf("error = %v, want ErrSync", err)
	}
	if _, ok := local.snapshot()["bbbbbbbbbbb"]; !ok {
		t.Error("local write before the failure was rolled back")
	}
}
