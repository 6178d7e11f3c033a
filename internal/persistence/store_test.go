package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taskpilotlabs/taskpilot/internal/breakpoint"
	"github.com/taskpilotlabs/taskpilot/internal/quality"
	"github.com/taskpilotlabs/taskpilot/internal/scheduler"
	"github.com/taskpilotlabs/taskpilot/internal/session"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestSaveAndGetTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	task := &scheduler.Task{
		ID:         "task-1",
		ProjectID:  "proj-1",
		Priority:   7,
		Status:     scheduler.StatusBlocked,
		DependsOn:  []string{"dep-1", "dep-2"},
		MaxRetries: 3,
		Critical:   true,
		Deadline:   now.Add(24 * time.Hour),
		Context:    map[string]string{"component": "parser"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("failed to save task: %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.ProjectID != "proj-1" || got.Priority != 7 || !got.Critical {
		t.Errorf("task fields lost: %+v", got)
	}
	if got.Status != scheduler.StatusBlocked {
		t.Errorf("Status = %v, want %v", got.Status, scheduler.StatusBlocked)
	}
	if len(got.DependsOn) != 2 || got.DependsOn[0] != "dep-1" || got.DependsOn[1] != "dep-2" {
		t.Errorf("DependsOn = %v", got.DependsOn)
	}
	if !got.Deadline.Equal(task.Deadline) {
		t.Errorf("Deadline = %v, want %v", got.Deadline, task.Deadline)
	}
	if got.Context["component"] != "parser" {
		t.Errorf("Context = %v", got.Context)
	}
}

func TestSaveTaskIsIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	task := &scheduler.Task{
		ID:        "task-1",
		ProjectID: "proj-1",
		Status:    scheduler.StatusReady,
		DependsOn: []string{"dep-1"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("first save: %v", err)
	}

	// Second save transitions status, drops the edge, and records an error.
	task.Status = scheduler.StatusFailed
	task.DependsOn = nil
	task.Err = errors.New("compile failed")
	task.RetryCount = 1
	task.UpdatedAt = now.Add(time.Minute)
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != scheduler.StatusFailed || got.RetryCount != 1 {
		t.Errorf("update lost: %+v", got)
	}
	if len(got.DependsOn) != 0 {
		t.Errorf("stale dependencies: %v", got.DependsOn)
	}
	if got.Err == nil || got.Err.Error() != "compile failed" {
		t.Errorf("Err = %v", got.Err)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.GetTask(context.Background(), "missing")
	if !errors.Is(err, scheduler.ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestListTasksScopedToProject(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b"} {
		task := &scheduler.Task{
			ID:        id,
			ProjectID: "proj-1",
			Status:    scheduler.StatusReady,
			CreatedAt: now.Add(time.Duration(i) * time.Minute),
			UpdatedAt: now,
		}
		if err := store.SaveTask(ctx, task); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	other := &scheduler.Task{ID: "c", ProjectID: "proj-2", Status: scheduler.StatusReady, CreatedAt: now, UpdatedAt: now}
	if err := store.SaveTask(ctx, other); err != nil {
		t.Fatalf("save c: %v", err)
	}

	tasks, err := store.ListTasks(ctx, "proj-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "a" || tasks[1].ID != "b" {
		t.Errorf("ListTasks = %v", taskIDs(tasks))
	}
}

func taskIDs(tasks []*scheduler.Task) []string {
	ids := make([]string, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}
	return ids
}

func TestSessionLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	rec := &session.Record{
		ID:        "sess-1",
		TaskID:    "task-1",
		ProjectID: "proj-1",
		Iteration: 1,
		StartedAt: start,
		Metadata:  map[string]string{"model": "default"},
	}
	if err := store.CreateSession(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	usage := session.Usage{Tokens: 1200, Turns: 4, Cost: 0.36}
	if err := store.CloseSession(ctx, "sess-1", start.Add(90*time.Second), usage); err != nil {
		t.Fatalf("close: %v", err)
	}

	records, err := store.SessionsForTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	got := records[0]
	if got.Open() {
		t.Error("record still open after close")
	}
	if got.Usage != usage {
		t.Errorf("Usage = %+v, want %+v", got.Usage, usage)
	}
	if got.Metadata["model"] != "default" {
		t.Errorf("Metadata = %v", got.Metadata)
	}
}

func TestCloseSessionTwice(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	rec := &session.Record{ID: "sess-1", TaskID: "task-1", ProjectID: "proj-1", Iteration: 1, StartedAt: start}
	if err := store.CreateSession(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CloseSession(ctx, "sess-1", start.Add(time.Minute), session.Usage{}); err != nil {
		t.Fatalf("first close: %v", err)
	}

	err := store.CloseSession(ctx, "sess-1", start.Add(2*time.Minute), session.Usage{})
	if !errors.Is(err, session.ErrSessionClosed) {
		t.Errorf("second close err = %v, want ErrSessionClosed", err)
	}
}

func TestCloseUnknownSession(t *testing.T) {
	store := testStore(t)

	err := store.CloseSession(context.Background(), "missing", time.Now(), session.Usage{})
	if !errors.Is(err, session.ErrSessionClosed) {
		t.Errorf("err = %v, want ErrSessionClosed", err)
	}
}

func TestSessionsForTaskIterationOrder(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	// Insert out of iteration order.
	for _, it := range []int{3, 1, 2} {
		rec := &session.Record{
			ID:        "sess-" + string(rune('0'+it)),
			TaskID:    "task-1",
			ProjectID: "proj-1",
			Iteration: it,
			StartedAt: start.Add(time.Duration(it) * time.Minute),
		}
		if err := store.CreateSession(ctx, rec); err != nil {
			t.Fatalf("create iteration %d: %v", it, err)
		}
	}

	records, err := store.SessionsForTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for i, rec := range records {
		if rec.Iteration != i+1 {
			t.Errorf("records[%d].Iteration = %d, want %d", i, rec.Iteration, i+1)
		}
	}
}

func TestQualitySnapshots(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	scores := []float64{0.62, 0.71, 0.84}
	for i, overall := range scores {
		snap := quality.Snapshot{
			ProjectID: "proj-1",
			TaskID:    "task-1",
			Overall:   overall,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := store.SaveQualitySnapshot(ctx, snap); err != nil {
			t.Fatalf("save snapshot %d: %v", i, err)
		}
	}

	// since filters out the first snapshot.
	snaps, err := store.QualitySnapshots(ctx, "proj-1", base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snaps))
	}
	if snaps[0].Overall != 0.71 || snaps[1].Overall != 0.84 {
		t.Errorf("snapshots = %+v", snaps)
	}
}

func TestBreakpointEventRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	ev := &breakpoint.Event{
		ID:          "bp-1",
		ProjectID:   "proj-1",
		TaskID:      "task-1",
		Type:        breakpoint.TypeBreakingTestFailure,
		Severity:    breakpoint.SeverityCritical,
		Context:     map[string]string{"tests_failing": "true"},
		Status:      breakpoint.StatusPending,
		TriggeredAt: now,
	}
	if err := store.SaveBreakpointEvent(ctx, ev); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.GetBreakpointEvent(ctx, "bp-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Type != breakpoint.TypeBreakingTestFailure || got.Status != breakpoint.StatusPending {
		t.Errorf("event = %+v", got)
	}
	if !got.ResolvedAt.IsZero() {
		t.Errorf("ResolvedAt = %v, want zero", got.ResolvedAt)
	}
	if got.Context["tests_failing"] != "true" {
		t.Errorf("Context = %v", got.Context)
	}

	// Resolution is an update on the same row.
	ev.Status = breakpoint.StatusManualResolved
	ev.Resolution = "reverted the breaking commit"
	ev.ResolvedAt = now.Add(15 * time.Minute)
	if err := store.SaveBreakpointEvent(ctx, ev); err != nil {
		t.Fatalf("resolve save: %v", err)
	}

	got, err = store.GetBreakpointEvent(ctx, "bp-1")
	if err != nil {
		t.Fatalf("get after resolve: %v", err)
	}
	if got.Status != breakpoint.StatusManualResolved || got.Resolution != "reverted the breaking commit" {
		t.Errorf("resolved event = %+v", got)
	}
	if !got.ResolvedAt.Equal(ev.ResolvedAt) {
		t.Errorf("ResolvedAt = %v, want %v", got.ResolvedAt, ev.ResolvedAt)
	}
}

func TestBreakpointEventsScopedToProject(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	for i, proj := range []string{"proj-1", "proj-1", "proj-2"} {
		ev := &breakpoint.Event{
			ID:          "bp-" + string(rune('a'+i)),
			ProjectID:   proj,
			Type:        breakpoint.TypeMilestone,
			Severity:    breakpoint.SeverityInfo,
			Status:      breakpoint.StatusPending,
			TriggeredAt: now.Add(time.Duration(i) * time.Minute),
		}
		if err := store.SaveBreakpointEvent(ctx, ev); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	events, err := store.BreakpointEvents(ctx, "proj-1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if !events[0].TriggeredAt.Before(events[1].TriggeredAt) {
		t.Error("events out of order")
	}
}

func TestGetBreakpointEventNotFound(t *testing.T) {
	store := testStore(t)
	if _, err := store.GetBreakpointEvent(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown event")
	}
}

func TestFileStoreCreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSQLiteStore(context.Background(), dir+"/nested/sub/state.db")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	now := time.Now().UTC().Truncate(time.Second)
	task := &scheduler.Task{ID: "t", ProjectID: "p", Status: scheduler.StatusReady, CreatedAt: now, UpdatedAt: now}
	if err := store.SaveTask(context.Background(), task); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := store.GetTask(context.Background(), "t"); err != nil {
		t.Fatalf("get: %v", err)
	}
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	err := store.WithTx(ctx, func(ctx context.Context) error {
		for _, id := range []string{"a", "b"} {
			task := &scheduler.Task{ID: id, ProjectID: "p", Status: scheduler.StatusReady, CreatedAt: now, UpdatedAt: now}
			if err := store.SaveTask(ctx, task); err != nil {
				return err
			}
		}
		// Reads inside the scope see the scope's writes.
		if _, err := store.GetTask(ctx, "a"); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	tasks, err := store.ListTasks(ctx, "p")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 2 {
		t.Errorf("got %d tasks, want 2", len(tasks))
	}
}

func TestWithTxRollsBackAllOnError(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(ctx context.Context) error {
		task := &scheduler.Task{ID: "a", ProjectID: "p", Status: scheduler.StatusReady, CreatedAt: now, UpdatedAt: now}
		if err := store.SaveTask(ctx, task); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	if _, err := store.GetTask(ctx, "a"); !errors.Is(err, scheduler.ErrTaskNotFound) {
		t.Errorf("task survived rollback: err = %v", err)
	}
}

func TestWithTxNestedScopeRollsBackAlone(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	boom := errors.New("inner boom")
	err := store.WithTx(ctx, func(ctx context.Context) error {
		outer := &scheduler.Task{ID: "outer", ProjectID: "p", Status: scheduler.StatusReady, CreatedAt: now, UpdatedAt: now}
		if err := store.SaveTask(ctx, outer); err != nil {
			return err
		}

		// The failing inner scope must not take the outer write with it.
		innerErr := store.WithTx(ctx, func(ctx context.Context) error {
			inner := &scheduler.Task{ID: "inner", ProjectID: "p", Status: scheduler.StatusReady, CreatedAt: now, UpdatedAt: now}
			if err := store.SaveTask(ctx, inner); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(innerErr, boom) {
			t.Errorf("inner err = %v, want boom", innerErr)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	if _, err := store.GetTask(ctx, "outer"); err != nil {
		t.Errorf("outer write lost: %v", err)
	}
	if _, err := store.GetTask(ctx, "inner"); !errors.Is(err, scheduler.ErrTaskNotFound) {
		t.Errorf("inner write survived savepoint rollback: err = %v", err)
	}
}
