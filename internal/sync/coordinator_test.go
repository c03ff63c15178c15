package sync

import (
	"context"
	"encoding/json"
	gosync "sync"
	"testing"
	"time"

	"github.com/kimhsiao/syncbox/internal/config"
	"github.com/kimhsiao/syncbox/internal/errors"
	"github.com/kimhsiao/syncbox/internal/models"
	"github.com/kimhsiao/syncbox/internal/netmon"
	"github.com/kimhsiao/syncbox/internal/remote"
	"github.com/kimhsiao/syncbox/internal/store"
	"github.com/kimhsiao/syncbox/internal/sync/events"
	"github.com/kimhsiao/syncbox/internal/sync/queue"
)

// fakeBackend scripts the remote side. Records live in a map keyed by
// collection/key.
type fakeBackend struct {
	mu      gosync.Mutex
	records map[string]*remote.Record
	applies int
	// applyErr, when set, is returned by Apply before touching records.
	applyErr error
	getErr   error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{records: map[string]*remote.Record{}}
}

func (f *fakeBackend) put(collection, key, payload string, revision, modifiedAt int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[collection+"/"+key] = &remote.Record{
		Key: key, Payload: json.RawMessage(payload), Revision: revision, ModifiedAt: modifiedAt,
	}
}

func (f *fakeBackend) Get(ctx context.Context, collection, key string) (*remote.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	rec, ok := f.records[collection+"/"+key]
	if !ok {
		return nil, errors.New(errors.ErrNotFound, "no record")
	}
	copied := *rec
	return &copied, nil
}

func (f *fakeBackend) List(ctx context.Context, collection string) ([]remote.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	var out []remote.Record
	for k, rec := range f.records {
		if len(k) > len(collection) && k[:len(collection)+1] == collection+"/" {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeBackend) Apply(ctx context.Context, req *remote.MutationRequest) (*remote.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applies++
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	if req.Kind == models.MutationDelete {
		delete(f.records, req.Collection+"/"+req.Key)
		return nil, nil
	}
	rev := int64(1)
	if existing, ok := f.records[req.Collection+"/"+req.Key]; ok {
		rev = existing.Revision + 1
	}
	rec := &remote.Record{Key: req.Key, Payload: req.Payload, Revision: rev, ModifiedAt: time.Now().Unix()}
	f.records[req.Collection+"/"+req.Key] = rec
	copied := *rec
	return &copied, nil
}

// testRig bundles a coordinator over real store and queue with a
// toggleable fake network.
type testRig struct {
	coord   *Coordinator
	backend *fakeBackend
	monitor *netmon.Monitor
	online  *gosync.Map
	store   store.Store
}

func newRig(t *testing.T, cfg config.Config) *testRig {
	rig := newRigAutoDrain(t, cfg)
	// Detach the reconnect-triggered background drain so tests control
	// every drain explicitly.
	rig.coord.unsubscribe()
	rig.coord.unsubscribe = nil
	return rig
}

func newRigAutoDrain(t *testing.T, cfg config.Config) *testRig {
	t.Helper()

	st, err := store.OpenSQLite(t.TempDir(), store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	backend := newFakeBackend()

	var onlineFlag gosync.Map
	onlineFlag.Store("online", false)
	prober := netmon.ProberFunc(func(ctx context.Context) bool {
		v, _ := onlineFlag.Load("online")
		return v.(bool)
	})
	monitor := netmon.NewMonitor(prober, &netmon.Config{Debounce: 0, ProbeInterval: time.Hour})

	q := queue.NewSyncQueue(st, backend, &queue.Config{
		BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 3, Jitter: 0, MaxSize: 100,
	})
	if err := q.Load(); err != nil {
		t.Fatal(err)
	}

	coord := NewCoordinator(st, backend, q, monitor, cfg)
	t.Cleanup(coord.Close)

	return &testRig{coord: coord, backend: backend, monitor: monitor, online: &onlineFlag, store: st}
}

func (r *testRig) setOnline(t *testing.T, online bool) {
	t.Helper()
	r.online.Store("online", online)
	r.monitor.Check(context.Background())
}

func lwwConfig() config.Config {
	cfg := config.Default()
	cfg.Collections = map[string]config.CollectionConfig{
		"projects": {TTLClass: config.TTLMedium, Strategy: "last_write_wins", Priority: "normal"},
		"reports":  {TTLClass: config.TTLMedium, Strategy: "manual", Priority: "high"},
	}
	return cfg
}

// TestOfflineReadServesCache verifies cached data answers reads while
// offline and a cold cache is a distinct unavailability error.
func TestOfflineReadServesCache(t *testing.T) {
	rig := newRig(t, lwwConfig())
	ctx := context.Background()

	rig.backend.put("projects", "p-1", `{"name":"Foo"}`, 3, 100)

	// Warm the cache online.
	rig.setOnline(t, true)
	if _, err := rig.coord.Read(ctx, "projects", "p-1"); err != nil {
		t.Fatalf("Online read failed: %v", err)
	}

	// Offline: cached copy answers.
	rig.setOnline(t, false)
	entry, err := rig.coord.Read(ctx, "projects", "p-1")
	if err != nil {
		t.Fatalf("Offline read failed: %v", err)
	}
	if string(entry.Payload) != `{"name":"Foo"}` || entry.Version != 3 {
		t.Errorf("Cached entry = %+v", entry)
	}

	// Never-fetched key: unavailability, not a network error.
	_, err = rig.coord.Read(ctx, "projects", "never-seen")
	if !errors.Is(err, errors.ErrDataUnavailable) {
		t.Errorf("Cold offline read = %v, want DATA_UNAVAILABLE", err)
	}
}

// TestFetchFailureFallsBackToCache verifies a reachable-but-broken
// remote degrades to cached data instead of erroring.
func TestFetchFailureFallsBackToCache(t *testing.T) {
	rig := newRig(t, lwwConfig())
	ctx := context.Background()

	rig.backend.put("projects", "p-1", `{"name":"Foo"}`, 3, 100)
	rig.setOnline(t, true)
	if _, err := rig.coord.Read(ctx, "projects", "p-1"); err != nil {
		t.Fatal(err)
	}

	rig.backend.getErr = errors.New(errors.ErrTransientNetwork, "remote melting")
	entry, err := rig.coord.Read(ctx, "projects", "p-1")
	if err != nil {
		t.Fatalf("Read should fall back to cache: %v", err)
	}
	if string(entry.Payload) != `{"name":"Foo"}` {
		t.Errorf("Fallback payload = %s", entry.Payload)
	}
}

// TestOfflineWriteThenDrain verifies the optimistic write plus queued
// delivery on reconnect, and that the pending marker clears.
func TestOfflineWriteThenDrain(t *testing.T) {
	rig := newRig(t, lwwConfig())
	ctx := context.Background()

	rig.setOnline(t, false)
	m, err := rig.coord.Write(ctx, "projects", "p-1", models.MutationCreate, json.RawMessage(`{"name":"Draft"}`))
	if err != nil {
		t.Fatalf("Offline write failed: %v", err)
	}

	// Optimistic entry is visible and flagged pending.
	entry, err := rig.coord.Read(ctx, "projects", "p-1")
	if err != nil {
		t.Fatalf("Read-own-write failed: %v", err)
	}
	if !entry.Pending {
		t.Error("Optimistic entry should be flagged pending")
	}

	state := rig.coord.State()
	if state.Online || state.PendingCount != 1 {
		t.Errorf("State = %+v", state)
	}

	// Reconnect and drain.
	var seen []events.Event
	rig.coord.Events().Subscribe(func(e events.Event) { seen = append(seen, e) })

	rig.setOnline(t, true)
	report, err := rig.coord.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Succeeded != 1 {
		t.Fatalf("Drain report = %+v", report)
	}

	// The drain announced per-mutation progress, not just the summary.
	var sawProgress bool
	for _, e := range seen {
		if e.Type == events.SyncProgress {
			sawProgress = true
			if e.Detail["succeeded"] != 1 || e.Detail["remaining"] != 0 {
				t.Errorf("Progress detail = %v", e.Detail)
			}
		}
	}
	if !sawProgress {
		t.Error("Drain published no sync.progress event")
	}
	if rig.backend.records["projects/p-1"] == nil {
		t.Fatal("Mutation never reached the backend")
	}

	// The pending marker is gone and the version is the remote's.
	entry, err = rig.coord.Read(ctx, "projects", "p-1")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Pending {
		t.Error("Entry should be confirmed after drain")
	}
	if entry.Version != 1 {
		t.Errorf("Version = %d, want remote revision 1", entry.Version)
	}
	if m.ID == "" {
		t.Error("Write should return the mutation with its ID")
	}
}

// TestOnlineReadKeepsUndeliveredCreate verifies a remote NOT_FOUND does
// not wipe the optimistic entry of a create still waiting in the queue.
func TestOnlineReadKeepsUndeliveredCreate(t *testing.T) {
	rig := newRig(t, lwwConfig())
	ctx := context.Background()

	rig.setOnline(t, false)
	if _, err := rig.coord.Write(ctx, "projects", "p-1", models.MutationCreate, json.RawMessage(`{"name":"Draft"}`)); err != nil {
		t.Fatal(err)
	}

	// Back online, read before the queue drains: the backend answers
	// NOT_FOUND because the create has not landed yet.
	rig.setOnline(t, true)
	entry, err := rig.coord.Read(ctx, "projects", "p-1")
	if err != nil {
		t.Fatalf("Read before drain failed: %v", err)
	}
	if !entry.Pending || string(entry.Payload) != `{"name":"Draft"}` {
		t.Errorf("Entry = %+v, want the pending optimistic write", entry)
	}
	if _, err := rig.store.GetEntry("projects", "p-1"); err != nil {
		t.Errorf("Optimistic entry was dropped from the cache: %v", err)
	}

	// Once confirmed absent with nothing queued, absence wins.
	if report, _ := rig.coord.Drain(ctx); report.Succeeded != 1 {
		t.Fatalf("Drain = %+v", report)
	}
	rig.backend.mu.Lock()
	delete(rig.backend.records, "projects/p-1")
	rig.backend.mu.Unlock()
	if _, err := rig.coord.Read(ctx, "projects", "p-1"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Read of remotely deleted record = %v, want NOT_FOUND", err)
	}
	if _, err := rig.store.GetEntry("projects", "p-1"); !errors.Is(err, errors.ErrNotFound) {
		t.Error("Confirmed entry should be dropped once the remote says gone")
	}
}

// TestRejectionSurfacesImmediately verifies a rejected online write is
// not queued and not cached.
func TestRejectionSurfacesImmediately(t *testing.T) {
	rig := newRig(t, lwwConfig())
	ctx := context.Background()

	rig.setOnline(t, true)
	rig.backend.applyErr = errors.New(errors.ErrRejectedMutation, "schema says no")

	_, err := rig.coord.Write(ctx, "projects", "p-1", models.MutationCreate, json.RawMessage(`{}`))
	if !errors.Is(err, errors.ErrRejectedMutation) {
		t.Fatalf("Write = %v, want REJECTED_MUTATION", err)
	}
	if rig.coord.State().PendingCount != 0 {
		t.Error("Rejected write must not be queued")
	}
	if _, err := rig.store.GetEntry("projects", "p-1"); !errors.Is(err, errors.ErrNotFound) {
		t.Error("Rejected write must not leave an optimistic entry")
	}
}

// TestConflictLastWriteWins verifies a queued mutation that conflicts
// resolves automatically: newer local edit wins and is redelivered.
func TestConflictLastWriteWins(t *testing.T) {
	rig := newRig(t, lwwConfig())
	ctx := context.Background()

	// Both sides start from revision 3.
	rig.backend.put("projects", "p-1", `{"v":"base"}`, 3, 100)
	rig.setOnline(t, true)
	rig.coord.Read(ctx, "projects", "p-1")

	// Local edits offline; remote moves on meanwhile.
	rig.setOnline(t, false)
	if _, err := rig.coord.Write(ctx, "projects", "p-1", models.MutationUpdate, json.RawMessage(`{"v":"local"}`)); err != nil {
		t.Fatal(err)
	}
	rig.backend.put("projects", "p-1", `{"v":"remote"}`, 5, 50) // older timestamp than local edit

	// The backend refuses the stale base.
	rig.backend.applyErr = errors.New(errors.ErrConflict, "revision moved")

	var seen []events.Type
	rig.coord.Events().Subscribe(func(e events.Event) { seen = append(seen, e.Type) })

	rig.setOnline(t, true)
	report, err := rig.coord.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Retried != 1 {
		t.Fatalf("First drain = %+v, want conflict retry", report)
	}

	rig.backend.applyErr = nil
	report, err = rig.coord.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Succeeded != 1 {
		t.Fatalf("Second drain = %+v", report)
	}
	if got := string(rig.backend.records["projects/p-1"].Payload); got != `{"v":"local"}` {
		t.Errorf("Backend payload = %s, local edit should have won", got)
	}

	var sawDetected, sawResolved bool
	for _, typ := range seen {
		if typ == events.ConflictDetected {
			sawDetected = true
		}
		if typ == events.ConflictResolved {
			sawResolved = true
		}
	}
	if !sawDetected || !sawResolved {
		t.Errorf("Events = %v, want conflict.detected and conflict.resolved", seen)
	}
}

// TestManualConflictAndResolution verifies the manual strategy freezes
// the mutation and ApplyResolution settles it either way.
func TestManualConflictAndResolution(t *testing.T) {
	rig := newRig(t, lwwConfig())
	ctx := context.Background()

	rig.backend.put("reports", "r-1", `{"v":"base"}`, 3, 100)
	rig.setOnline(t, true)
	rig.coord.Read(ctx, "reports", "r-1")

	rig.setOnline(t, false)
	rig.coord.Write(ctx, "reports", "r-1", models.MutationUpdate, json.RawMessage(`{"v":"local"}`))
	rig.backend.put("reports", "r-1", `{"v":"remote"}`, 5, 999)

	rig.backend.applyErr = errors.New(errors.ErrConflict, "revision moved")
	rig.setOnline(t, true)
	report, err := rig.coord.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Failed != 1 {
		t.Fatalf("Drain = %+v, want frozen mutation", report)
	}

	conflicts, err := rig.coord.Conflicts()
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 1 || !conflicts[0].ManualPending() {
		t.Fatalf("Conflicts = %+v", conflicts)
	}
	conflictID := conflicts[0].ID

	// Choosing local retries the frozen mutation with the local payload.
	rig.backend.applyErr = nil
	if err := rig.coord.ApplyResolution(ctx, conflictID, models.ResolutionLocal); err != nil {
		t.Fatalf("ApplyResolution failed: %v", err)
	}
	report, _ = rig.coord.Drain(ctx)
	if report.Succeeded != 1 {
		t.Fatalf("Post-resolution drain = %+v", report)
	}
	if got := string(rig.backend.records["reports/r-1"].Payload); got != `{"v":"local"}` {
		t.Errorf("Backend payload = %s", got)
	}

	// Applying the same resolution again is a warned no-op.
	if err := rig.coord.ApplyResolution(ctx, conflictID, models.ResolutionRemote); err != nil {
		t.Errorf("Second ApplyResolution should no-op, got %v", err)
	}
}

// TestApplyResolutionRemote verifies choosing the remote side discards
// the local mutation and adopts the remote payload.
func TestApplyResolutionRemote(t *testing.T) {
	rig := newRig(t, lwwConfig())
	ctx := context.Background()

	rig.backend.put("reports", "r-1", `{"v":"base"}`, 3, 100)
	rig.setOnline(t, true)
	rig.coord.Read(ctx, "reports", "r-1")

	rig.setOnline(t, false)
	rig.coord.Write(ctx, "reports", "r-1", models.MutationUpdate, json.RawMessage(`{"v":"local"}`))
	rig.backend.put("reports", "r-1", `{"v":"remote"}`, 5, 999)

	rig.backend.applyErr = errors.New(errors.ErrConflict, "revision moved")
	rig.setOnline(t, true)
	rig.coord.Drain(ctx)

	conflicts, _ := rig.coord.Conflicts()
	if len(conflicts) != 1 {
		t.Fatal("Expected one conflict")
	}

	rig.backend.applyErr = nil
	if err := rig.coord.ApplyResolution(ctx, conflicts[0].ID, models.ResolutionRemote); err != nil {
		t.Fatal(err)
	}

	// Local mutation is gone, cache holds the remote payload.
	if pending, failed := rig.coord.State().PendingCount, rig.coord.State().FailedCount; pending+failed != 0 {
		t.Errorf("Queue not empty after adopting remote: pending=%d failed=%d", pending, failed)
	}
	entry, err := rig.store.GetEntry("reports", "r-1")
	if err != nil {
		t.Fatal(err)
	}
	if string(entry.Payload) != `{"v":"remote"}` || entry.Version != 5 {
		t.Errorf("Cache entry = %+v", entry)
	}
}

// TestReconnectTriggersDrain verifies the online transition drains the
// backlog without an explicit call.
func TestReconnectTriggersDrain(t *testing.T) {
	rig := newRigAutoDrain(t, lwwConfig())
	ctx := context.Background()

	rig.setOnline(t, false)
	rig.coord.Write(ctx, "projects", "p-1", models.MutationCreate, json.RawMessage(`{"v":1}`))

	rig.setOnline(t, true)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rig.backend.mu.Lock()
		applied := rig.backend.applies
		rig.backend.mu.Unlock()
		if applied > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Reconnect never triggered a drain")
}

// TestDownloadLifecycle verifies RequestDownload caches the collection
// and reports progress and completion.
func TestDownloadLifecycle(t *testing.T) {
	rig := newRig(t, lwwConfig())
	ctx := context.Background()

	for _, key := range []string{"p-1", "p-2", "p-3"} {
		rig.backend.put("projects", key, `{"k":"`+key+`"}`, 1, 100)
	}
	rig.setOnline(t, true)

	id, err := rig.coord.RequestDownload(ctx, "projects")
	if err != nil {
		t.Fatalf("RequestDownload failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		scope, err := rig.coord.DownloadStatus(id)
		if err != nil {
			t.Fatal(err)
		}
		if scope.Status == models.ScopeComplete {
			if scope.Progress != 100 {
				t.Errorf("Progress = %d at completion", scope.Progress)
			}
			// Three records of 11 payload bytes each.
			if scope.BytesEstimate != 33 {
				t.Errorf("BytesEstimate = %d, want 33", scope.BytesEstimate)
			}
			break
		}
		if scope.Status == models.ScopeError {
			t.Fatalf("Download errored: %s", scope.LastError)
		}
		if time.Now().After(deadline) {
			t.Fatal("Download never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Everything is readable offline now.
	rig.setOnline(t, false)
	for _, key := range []string{"p-1", "p-2", "p-3"} {
		if _, err := rig.coord.Read(ctx, "projects", key); err != nil {
			t.Errorf("Offline read of %s after download: %v", key, err)
		}
	}

	// Offline download requests are refused.
	if _, err := rig.coord.RequestDownload(ctx, "projects"); !errors.Is(err, errors.ErrDataUnavailable) {
		t.Errorf("Offline RequestDownload = %v", err)
	}
}

// TestOfflineListColdCache verifies List distinguishes empty-but-known
// from never-fetched.
func TestOfflineListColdCache(t *testing.T) {
	rig := newRig(t, lwwConfig())
	ctx := context.Background()

	rig.setOnline(t, false)
	if _, err := rig.coord.List(ctx, "projects"); !errors.Is(err, errors.ErrDataUnavailable) {
		t.Errorf("Cold offline list = %v, want DATA_UNAVAILABLE", err)
	}

	rig.backend.put("projects", "p-1", `{"v":1}`, 1, 100)
	rig.setOnline(t, true)
	if _, err := rig.coord.List(ctx, "projects"); err != nil {
		t.Fatal(err)
	}

	rig.setOnline(t, false)
	entries, err := rig.coord.List(ctx, "projects")
	if err != nil {
		t.Fatalf("Warm offline list failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Offline list = %d entries, want 1", len(entries))
	}
}
