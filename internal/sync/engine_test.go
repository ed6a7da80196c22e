package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/njoerd114/watchledger/internal/provider"
)

func newTestEngine(local, remote *mockProvider) (*Engine, *mockStore, *mockPublisher) {
	store := newMockStore()
	pub := newMockPublisher()
	e := NewEngine(NewReconciler(testLogger), newMockSource(local, remote), store, pub, testLogger)
	return e, store, pub
}

func waitForEvent(t *testing.T, pub *mockPublisher) {
	t.Helper()
	select {
	case <-pub.signal:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a sync pass")
	}
}

// ---------------------------------------------------------------------------
// SyncNow
// ---------------------------------------------------------------------------

func TestSyncNow_RecordsSuccess(t *testing.T) {
	local := newMockProvider(provider.KindLocal, rec("aaaaaaaaaaa", 100, "A", 1))
	remote := newMockProvider(provider.KindRemote)
	e, store, pub := newTestEngine(local, remote)

	fixed := time.UnixMilli(1_700_000_000_000)
	e.now = func() time.Time { return fixed }

	res, err := e.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Synced != 1 {
		t.Errorf("Synced = %d, want 1", res.Synced)
	}

	st := e.Status()
	if st.LastSyncAt != fixed.UnixMilli() {
		t.Errorf("LastSyncAt = %d, want %d", st.LastSyncAt, fixed.UnixMilli())
	}
	if st.InProgress || st.Phase != PhaseIdle {
		t.Errorf("status = %+v, want idle and not in progress", st)
	}
	if st.LastResult == nil || *st.LastResult != res {
		t.Errorf("LastResult = %v, want %+v", st.LastResult, res)
	}

	stored, found := store.state()
	if !found || stored.LastSyncAt != fixed.UnixMilli() {
		t.Errorf("stored state = %+v (found=%v), want LastSyncAt persisted", stored, found)
	}
	if stored.InProgress {
		t.Error("InProgress must never be persisted as true")
	}

	events := pub.all()
	if len(events) != 1 {
		t.Fatalf("published %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.RunID == "" || !ev.OK() || ev.Synced != 1 || ev.Source != "local" || ev.Target != "remote" {
		t.Errorf("event = %+v, want a successful local→remote pass", ev)
	}
}

func TestSyncNow_FailureLeavesLastSyncUntouched(t *testing.T) {
	local := newMockProvider(provider.KindLocal, rec("aaaaaaaaaaa", 100, "A", 1))
	remote := newMockProvider(provider.KindRemote)
	remote.getAllErr = provider.Wrap(provider.ErrNetwork, "get all", errors.New("timeout"))
	e, store, pub := newTestEngine(local, remote)

	_, err := e.SyncNow(context.Background())
	if !errors.Is(err, provider.ErrSync) {
		t.Fatalf("error = %v, want ErrSync", err)
	}

	st := e.Status()
	if st.LastSyncAt != 0 {
		t.Errorf("LastSyncAt = %d, want 0 after a failed pass", st.LastSyncAt)
	}
	if st.LastError == "" {
		t.Error("LastError should describe the failure")
	}
	if _, found := store.state(); found {
		t.Error("a failed pass must not persist state")
	}

	events := pub.all()
	if len(events) != 1 || events[0].OK() {
		t.Errorf("events = %+v, want one failed event", events)
	}
}

func TestSyncNow_RejectsConcurrentPass(t *testing.T) {
	local := newMockProvider(provider.KindLocal)
	remote := newMockProvider(provider.KindRemote)
	local.block = make(chan struct{})
	e, _, _ := newTestEngine(local, remote)

	done := make(chan error, 1)
	go func() {
		_, err := e.SyncNow(context.Background())
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !e.Status().InProgress {
		if time.Now().After(deadline) {
			t.Fatal("first pass never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := e.SyncNow(context.Background()); !errors.Is(err, ErrInProgress) {
		t.Errorf("second pass error = %v, want ErrInProgress", err)
	}

	close(local.block)
	if err := <-done; err != nil {
		t.Errorf("first pass failed: %v", err)
	}
	if e.Status().InProgress {
		t.Error("InProgress still set after the pass finished")
	}
}

func TestSyncNow_UnknownProvider(t *testing.T) {
	store := newMockStore()
	src := &mockSource{providers: map[provider.Kind]provider.Provider{
		provider.KindLocal: newMockProvider(provider.KindLocal),
	}}
	e := NewEngine(NewReconciler(testLogger), src, store, nil, testLogger)

	_, err := e.SyncNow(context.Background())
	if !errors.Is(err, provider.ErrProvider) {
		t.Errorf("error = %v, want ErrProvider", err)
	}
	if !errors.Is(err, provider.ErrSync) {
		t.Errorf("error = %v, want ErrSync", err)
	}
}

func TestSyncNow_OpenFailureIsSyncError(t *testing.T) {
	src := newMockSource(newMockProvider(provider.KindLocal), newMockProvider(provider.KindRemote))
	src.openErr = provider.Wrap(provider.ErrNetwork, "init", errors.New("connection refused"))
	pub := newMockPublisher()
	e := NewEngine(NewReconciler(testLogger), src, newMockStore(), pub, testLogger)

	_, err := e.SyncNow(context.Background())
	if !errors.Is(err, provider.ErrSync) {
		t.Fatalf("error = %v, want ErrSync", err)
	}
	if !errors.Is(err, provider.ErrNetwork) {
		t.Errorf("error = %v, want the ErrNetwork cause kept", err)
	}
	if got := provider.ClassOf(err); got != provider.ErrNetwork {
		t.Errorf("ClassOf = %v, want ErrNetwork", got)
	}
	if st := e.Status(); st.LastError == "" || st.LastSyncAt != 0 {
		t.Errorf("status = %+v, want a recorded failure and no last sync", st)
	}
	if events := pub.all(); len(events) != 1 || events[0].OK() {
		t.Errorf("events = %+v, want one failed event", events)
	}
}

func TestPreview_WritesNothing(t *testing.T) {
	local := newMockProvider(provider.KindLocal, rec("aaaaaaaaaaa", 100, "A", 1))
	remote := newMockProvider(provider.KindRemote, rec("bbbbbbbbbbb", 100, "B", 1))
	e, store, pub := newTestEngine(local, remote)

	plan, err := e.Preview(context.Background(), provider.KindLocal, provider.KindRemote)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.ToA) != 1 || len(plan.ToB) != 1 {
		t.Errorf("plan = %+v, want one record each way", plan)
	}
	if local.imports != 0 || remote.imports != 0 {
		t.Error("Preview wrote to a provider")
	}
	if _, found := store.state(); found || len(pub.all()) != 0 {
		t.Error("Preview must not persist state or publish events")
	}
}

// ---------------------------------------------------------------------------
// Auto-sync
// ---------------------------------------------------------------------------

func TestStartAutoSync_RejectsShortInterval(t *testing.T) {
	e, store, _ := newTestEngine(newMockProvider(provider.KindLocal), newMockProvider(provider.KindRemote))

	err := e.StartAutoSync(500 * time.Millisecond)
	if !errors.Is(err, provider.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
	if _, found := store.state(); found {
		t.Error("a rejected interval must not be persisted")
	}
}

func TestStartStopAutoSync_Persists(t *testing.T) {
	e, store, _ := newTestEngine(newMockProvider(provider.KindLocal), newMockProvider(provider.KindRemote))
	defer e.Shutdown()

	if err := e.StartAutoSync(0); err != nil {
		t.Fatalf("StartAutoSync: %v", err)
	}
	st, _ := store.state()
	if !st.AutoSyncEnabled || st.IntervalMs != DefaultInterval.Milliseconds() {
		t.Errorf("stored state = %+v, want enabled with the default interval", st)
	}

	if err := e.StartAutoSync(2 * time.Minute); err != nil {
		t.Fatalf("restart: %v", err)
	}
	st, _ = store.state()
	if st.IntervalMs != (2 * time.Minute).Milliseconds() {
		t.Errorf("IntervalMs = %d, want 120000", st.IntervalMs)
	}

	if err := e.StopAutoSync(); err != nil {
		t.Fatalf("StopAutoSync: %v", err)
	}
	st, _ = store.state()
	if st.AutoSyncEnabled {
		t.Error("AutoSyncEnabled still true after StopAutoSync")
	}
	if st.IntervalMs != (2 * time.Minute).Milliseconds() {
		t.Errorf("StopAutoSync changed the interval to %d", st.IntervalMs)
	}
}

func TestLoop_RunsPasses(t *testing.T) {
	local := newMockProvider(provider.KindLocal, rec("aaaaaaaaaaa", 100, "A", 1))
	remote := newMockProvider(provider.KindRemote)
	e, _, pub := newTestEngine(local, remote)

	e.loopMu.Lock()
	e.startLoop(10 * time.Millisecond)
	e.loopMu.Unlock()

	waitForEvent(t, pub)
	waitForEvent(t, pub)
	e.Shutdown()

	if _, ok := remote.snapshot()["aaaaaaaaaaa"]; !ok {
		t.Error("auto-sync did not copy the record to remote")
	}
	n := len(pub.all())
	time.Sleep(50 * time.Millisecond)
	if len(pub.all()) != n {
		t.Error("passes kept running after Shutdown")
	}
}

func TestRestore_ResumesEnabledLoop(t *testing.T) {
	local := newMockProvider(provider.KindLocal, rec("aaaaaaaaaaa", 100, "A", 1))
	remote := newMockProvider(provider.KindRemote)
	e, store, pub := newTestEngine(local, remote)

	if err := store.Put("sync", stateKey, State{AutoSyncEnabled: true, IntervalMs: 20, LastSyncAt: 42}); err != nil {
		t.Fatal(err)
	}

	if err := e.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	waitForEvent(t, pub)
	e.Shutdown()

	st, _ := store.state()
	if !st.AutoSyncEnabled {
		t.Error("Shutdown must leave the persisted setting enabled")
	}
}

func TestRestore_DefaultsWithoutState(t *testing.T) {
	e, _, pub := newTestEngine(newMockProvider(provider.KindLocal), newMockProvider(provider.KindRemote))

	if err := e.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	st := e.Status()
	if st.AutoSyncEnabled || st.IntervalMs != DefaultInterval.Milliseconds() || st.LastSyncAt != 0 {
		t.Errorf("status = %+v, want defaults", st)
	}

	time.Sleep(30 * time.Millisecond)
	if len(pub.all()) != 0 {
		t.Error("no loop should run when auto-sync is disabled")
	}
}

func TestReset(t *testing.T) {
	local := newMockProvider(provider.KindLocal, rec("aaaaaaaaaaa", 100, "A", 1))
	remote := newMockProvider(provider.KindRemote)
	e, store, _ := newTestEngine(local, remote)

	if _, err := e.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	if err := e.StartAutoSync(time.Minute); err != nil {
		t.Fatalf("StartAutoSync: %v", err)
	}

	if err := e.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	st := e.Status()
	if st.LastSyncAt != 0 || st.AutoSyncEnabled || st.LastResult != nil {
		t.Errorf("status = %+v, want defaults", st)
	}
	stored, _ := store.state()
	if stored != defaultState() {
		t.Errorf("stored state = %+v, want %+v", stored, defaultState())
	}
}
