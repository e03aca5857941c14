package stores

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/datamill/datamill/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

// newTestRun builds a run record with sane defaults
func newTestRun(id string, startedAt time.Time) *Run {
	return &Run{
		ID:         id,
		Kind:       engine.RunKindSync,
		Status:     engine.RunStatusRunning,
		ConfigPath: "datamill.yaml",
		StartedAt:  startedAt,
		CreatedAt:  startedAt,
		UpdatedAt:  startedAt,
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreRequiresPath tests that an empty path is rejected
func TestStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty database path")
	}
}

// TestStoreOnDisk tests creating a store under a fresh directory
func TestStoreOnDisk(t *testing.T) {
	path := t.TempDir() + "/history/datamill.db"
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected database file to exist: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	// Check that tables exist by querying them
	tables := []string{"runs", "resource_syncs", "events"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Migrating again is a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("expected repeated migration to succeed: %v", err)
	}
}

// TestRunCRUD tests Run CRUD operations
func TestRunCRUD(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	// Create
	run := newTestRun("run-001", now)
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	// Read
	retrieved, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}

	if retrieved.ID != run.ID {
		t.Errorf("expected ID %s, got %s", run.ID, retrieved.ID)
	}
	if retrieved.Kind != engine.RunKindSync {
		t.Errorf("expected Kind %s, got %s", engine.RunKindSync, retrieved.Kind)
	}
	if retrieved.Status != engine.RunStatusRunning {
		t.Errorf("expected Status %s, got %s", engine.RunStatusRunning, retrieved.Status)
	}
	if retrieved.ConfigPath != run.ConfigPath {
		t.Errorf("expected ConfigPath %s, got %s", run.ConfigPath, retrieved.ConfigPath)
	}
	if retrieved.CompletedAt != nil {
		t.Errorf("expected CompletedAt to be nil, got %v", retrieved.CompletedAt)
	}

	// Finish
	errMsg := "portal unreachable"
	if err := store.FinishRun(ctx, run.ID, engine.RunStatusFailed, &errMsg, nil); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}

	updated, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get updated run: %v", err)
	}

	if updated.Status != engine.RunStatusFailed {
		t.Errorf("expected Status %s, got %s", engine.RunStatusFailed, updated.Status)
	}
	if updated.Error == nil || *updated.Error != errMsg {
		t.Errorf("expected Error %s, got %v", errMsg, updated.Error)
	}
	if updated.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}

	// List
	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}

	if len(runs) != 1 {
		t.Errorf("expected 1 run, got %d", len(runs))
	}

	// Delete
	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	_, err = store.GetRun(ctx, run.ID)
	if err == nil {
		t.Error("expected error when getting deleted run")
	}
}

// TestFinishRunWithReport tests that report counters land on the run row
func TestFinishRunWithReport(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	run := newTestRun("run-report-001", now)
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	report := &engine.SyncReport{
		StartedAt:   now,
		CompletedAt: now.Add(90 * time.Second),
		Outcomes: []engine.ResourceOutcome{
			{Path: "/data/a.xlsx", Status: engine.ResourceStatusSynced, Attempts: 1},
			{Path: "/data/b.xlsx", Status: engine.ResourceStatusExhausted, Attempts: 5},
			{Path: "/data/c.xlsx", Status: engine.ResourceStatusMissing},
			{Path: "/data/d.xlsx", Status: engine.ResourceStatusSynced, Attempts: 2},
		},
		Launches:  2,
		Teardowns: 2,
	}

	if err := store.FinishRun(ctx, run.ID, engine.RunStatusPartial, nil, report); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}

	updated, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}

	if updated.Status != engine.RunStatusPartial {
		t.Errorf("expected Status %s, got %s", engine.RunStatusPartial, updated.Status)
	}
	if updated.Synced != 2 || updated.Missing != 1 || updated.Exhausted != 1 {
		t.Errorf("expected counts 2/1/1, got %d/%d/%d", updated.Synced, updated.Missing, updated.Exhausted)
	}
	if updated.Launches != 2 || updated.Teardowns != 2 {
		t.Errorf("expected 2 launches and 2 teardowns, got %d and %d", updated.Launches, updated.Teardowns)
	}
	if updated.CompletedAt == nil || !updated.CompletedAt.Equal(report.CompletedAt) {
		t.Errorf("expected CompletedAt %v, got %v", report.CompletedAt, updated.CompletedAt)
	}
	if updated.Error != nil {
		t.Errorf("expected Error to be nil, got %v", *updated.Error)
	}
}

// TestFinishRunNotFound tests finishing an unknown run
func TestFinishRunNotFound(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	err := store.FinishRun(context.Background(), "run-missing", engine.RunStatusFailed, nil, nil)
	if err == nil {
		t.Fatal("expected error when finishing unknown run")
	}
}

// TestRecordOutcomes tests persisting resource outcomes for a run
func TestRecordOutcomes(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	run := newTestRun("run-002", now)
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	outcomes := []engine.ResourceOutcome{
		{Path: "/data/a.xlsx", Status: engine.ResourceStatusSynced, Attempts: 1, Duration: 1200 * time.Millisecond},
		{Path: "/data/b.xlsx", Status: engine.ResourceStatusExhausted, Attempts: 5, AppRestarted: true, Err: errors.New("refresh failed")},
		{Path: "/data/c.xlsx", Status: engine.ResourceStatusMissing},
	}

	if err := store.RecordOutcomes(ctx, run.ID, outcomes); err != nil {
		t.Fatalf("failed to record outcomes: %v", err)
	}

	// Recording nothing is a no-op
	if err := store.RecordOutcomes(ctx, run.ID, nil); err != nil {
		t.Fatalf("expected empty record to succeed: %v", err)
	}

	syncs, err := store.ListResourceSyncs(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list resource syncs: %v", err)
	}

	if len(syncs) != 3 {
		t.Fatalf("expected 3 resource syncs, got %d", len(syncs))
	}

	for i, rs := range syncs {
		if rs.Position != i {
			t.Errorf("expected position %d, got %d", i, rs.Position)
		}
		if rs.Path != outcomes[i].Path {
			t.Errorf("expected path %s, got %s", outcomes[i].Path, rs.Path)
		}
		if rs.Status != outcomes[i].Status {
			t.Errorf("expected status %s, got %s", outcomes[i].Status, rs.Status)
		}
	}

	if syncs[0].DurationMS != 1200 {
		t.Errorf("expected DurationMS 1200, got %d", syncs[0].DurationMS)
	}
	if !syncs[1].AppRestarted {
		t.Error("expected AppRestarted for exhausted resource")
	}
	if syncs[1].Error == nil || *syncs[1].Error != "refresh failed" {
		t.Errorf("expected error 'refresh failed', got %v", syncs[1].Error)
	}
	if syncs[2].Error != nil {
		t.Errorf("expected no error for missing resource, got %v", *syncs[2].Error)
	}
}

// TestLatestResourceSyncs tests the per-path latest outcome view
func TestLatestResourceSyncs(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	first := newTestRun("run-old", now)
	if err := store.CreateRun(ctx, first); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	second := newTestRun("run-new", now.Add(time.Hour))
	if err := store.CreateRun(ctx, second); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	if err := store.RecordOutcomes(ctx, first.ID, []engine.ResourceOutcome{
		{Path: "/data/a.xlsx", Status: engine.ResourceStatusSynced, Attempts: 1},
		{Path: "/data/b.xlsx", Status: engine.ResourceStatusExhausted, Attempts: 5},
	}); err != nil {
		t.Fatalf("failed to record first outcomes: %v", err)
	}

	if err := store.RecordOutcomes(ctx, second.ID, []engine.ResourceOutcome{
		{Path: "/data/a.xlsx", Status: engine.ResourceStatusMissing},
		{Path: "/data/c.xlsx", Status: engine.ResourceStatusSynced, Attempts: 2},
	}); err != nil {
		t.Fatalf("failed to record second outcomes: %v", err)
	}

	latest, err := store.LatestResourceSyncs(ctx)
	if err != nil {
		t.Fatalf("failed to list latest resource syncs: %v", err)
	}

	if len(latest) != 3 {
		t.Fatalf("expected 3 paths, got %d", len(latest))
	}

	want := map[string]struct {
		runID  string
		status engine.ResourceStatus
	}{
		"/data/a.xlsx": {second.ID, engine.ResourceStatusMissing},
		"/data/b.xlsx": {first.ID, engine.ResourceStatusExhausted},
		"/data/c.xlsx": {second.ID, engine.ResourceStatusSynced},
	}

	for _, rs := range latest {
		expect, ok := want[rs.Path]
		if !ok {
			t.Errorf("unexpected path %s", rs.Path)
			continue
		}
		if rs.RunID != expect.runID {
			t.Errorf("path %s: expected run %s, got %s", rs.Path, expect.runID, rs.RunID)
		}
		if rs.Status != expect.status {
			t.Errorf("path %s: expected status %s, got %s", rs.Path, expect.status, rs.Status)
		}
	}
}

// TestEventOperations tests Event operations
func TestEventOperations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	run := newTestRun("run-003", now)
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	resource := "/data/report.xlsx"
	events := []*Event{
		{
			RunID:     run.ID,
			Level:     engine.EventLevelInfo,
			Message:   "application launched",
			Timestamp: now,
		},
		{
			RunID:     run.ID,
			Level:     engine.EventLevelWarn,
			Resource:  &resource,
			Message:   "sync attempt 1/5 failed: timeout",
			Timestamp: now.Add(1 * time.Second),
		},
		{
			RunID:     run.ID,
			Level:     engine.EventLevelError,
			Resource:  &resource,
			Message:   "abandoned after 5 attempts: timeout",
			Timestamp: now.Add(2 * time.Second),
		},
	}

	for _, event := range events {
		if err := store.AppendEvent(ctx, event); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if event.ID == 0 {
			t.Error("expected event ID to be set after insert")
		}
	}

	// Get all events for run, chronological
	retrieved, err := store.GetEvents(ctx, &run.ID, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}

	if len(retrieved) != 3 {
		t.Fatalf("expected 3 events, got %d", len(retrieved))
	}
	if retrieved[0].Message != "application launched" {
		t.Errorf("expected first event to be the launch, got %s", retrieved[0].Message)
	}
	if retrieved[0].Resource != nil {
		t.Errorf("expected run-level event to have no resource, got %v", *retrieved[0].Resource)
	}
	if retrieved[1].Resource == nil || *retrieved[1].Resource != resource {
		t.Errorf("expected resource %s, got %v", resource, retrieved[1].Resource)
	}

	// Filter by level
	errorLevel := engine.EventLevelError
	filtered, err := store.GetEvents(ctx, nil, &errorLevel, 10, 0)
	if err != nil {
		t.Fatalf("failed to get filtered events: %v", err)
	}

	if len(filtered) != 1 {
		t.Errorf("expected 1 error event, got %d", len(filtered))
	}

	// Pagination
	paged, err := store.GetEvents(ctx, &run.ID, nil, 2, 1)
	if err != nil {
		t.Fatalf("failed to get paged events: %v", err)
	}

	if len(paged) != 2 {
		t.Errorf("expected 2 paged events, got %d", len(paged))
	}
	if len(paged) > 0 && paged[0].Level != engine.EventLevelWarn {
		t.Errorf("expected first paged event at warn level, got %s", paged[0].Level)
	}

	// Unknown run has no events
	unknown := "run-unknown"
	none, err := store.GetEvents(ctx, &unknown, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to query unknown run events: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected 0 events for unknown run, got %d", len(none))
	}
}

// TestRunEventSink tests the engine event sink adapter
func TestRunEventSink(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	run := newTestRun("run-sink-001", now)
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	var sink engine.EventSink = NewRunEventSink(store, run.ID, nil)

	sink.Publish(ctx, engine.Event{
		Time:    now,
		Level:   engine.EventLevelInfo,
		Message: "application launched",
	})
	sink.Publish(ctx, engine.Event{
		Time:     now.Add(time.Second),
		Level:    engine.EventLevelWarn,
		Resource: "/data/a.xlsx",
		Message:  "sync attempt 1/5 failed: timeout",
	})

	events, err := store.GetEvents(ctx, &run.ID, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Resource != nil {
		t.Errorf("expected run-level event to have no resource, got %v", *events[0].Resource)
	}
	if events[1].Resource == nil || *events[1].Resource != "/data/a.xlsx" {
		t.Errorf("expected resource /data/a.xlsx, got %v", events[1].Resource)
	}
	if events[1].RunID != run.ID {
		t.Errorf("expected run ID %s, got %s", run.ID, events[1].RunID)
	}
}

// TestPruneRuns tests trimming old runs from history
func TestPruneRuns(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		run := newTestRun(
			"run-prune-"+string(rune('a'+i)),
			now.Add(time.Duration(i)*time.Minute),
		)
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("failed to create run %d: %v", i, err)
		}
	}

	deleted, err := store.PruneRuns(ctx, 2)
	if err != nil {
		t.Fatalf("failed to prune runs: %v", err)
	}

	if deleted != 3 {
		t.Errorf("expected 3 runs deleted, got %d", deleted)
	}

	remaining, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}

	if len(remaining) != 2 {
		t.Fatalf("expected 2 runs remaining, got %d", len(remaining))
	}
	if remaining[0].ID != "run-prune-e" || remaining[1].ID != "run-prune-d" {
		t.Errorf("expected newest runs to survive, got %s and %s", remaining[0].ID, remaining[1].ID)
	}
}

// TestCascadeDelete tests foreign key cascading
func TestCascadeDelete(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	run := newTestRun("run-cascade-001", now)
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	if err := store.RecordOutcomes(ctx, run.ID, []engine.ResourceOutcome{
		{Path: "/data/a.xlsx", Status: engine.ResourceStatusSynced, Attempts: 1},
	}); err != nil {
		t.Fatalf("failed to record outcomes: %v", err)
	}

	event := &Event{
		RunID:     run.ID,
		Level:     engine.EventLevelInfo,
		Message:   "resource synced on attempt 1",
		Timestamp: now,
	}
	if err := store.AppendEvent(ctx, event); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}

	// Delete run (should cascade to resource_syncs and events)
	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	syncs, err := store.ListResourceSyncs(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list resource syncs: %v", err)
	}
	if len(syncs) != 0 {
		t.Errorf("expected 0 resource syncs after cascade delete, got %d", len(syncs))
	}

	events, err := store.GetEvents(ctx, &run.ID, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected 0 events after cascade delete, got %d", len(events))
	}
}

// TestTransactions tests transaction support
func TestTransactions(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	tx, err := store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}

	query := `
		INSERT INTO runs (id, kind, status, config_path, started_at,
			synced, missing, exhausted, launches, teardowns, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, 0, 0, 0, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query, "run-tx-001", "sync", "running", "datamill.yaml", now, now, now)
	if err != nil {
		_ = store.RollbackTx(tx)
		t.Fatalf("failed to insert run in transaction: %v", err)
	}

	// Rollback
	if err := store.RollbackTx(tx); err != nil {
		t.Fatalf("failed to rollback transaction: %v", err)
	}

	_, err = store.GetRun(ctx, "run-tx-001")
	if err == nil {
		t.Error("expected error when getting rolled back run")
	}

	// Begin new transaction and commit
	tx, err = store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin second transaction: %v", err)
	}

	_, err = tx.ExecContext(ctx, query, "run-tx-001", "sync", "running", "datamill.yaml", now, now, now)
	if err != nil {
		_ = store.RollbackTx(tx)
		t.Fatalf("failed to insert run in second transaction: %v", err)
	}

	if err := store.CommitTx(tx); err != nil {
		t.Fatalf("failed to commit transaction: %v", err)
	}

	retrieved, err := store.GetRun(ctx, "run-tx-001")
	if err != nil {
		t.Fatalf("failed to get committed run: %v", err)
	}

	if retrieved.ID != "run-tx-001" {
		t.Errorf("expected ID run-tx-001, got %s", retrieved.ID)
	}
}

// TestMain sets up and tears down test environment
func TestMain(m *testing.M) {
	code := m.Run()
	os.Exit(code)
}
