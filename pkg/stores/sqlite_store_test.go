package stores

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/shipyard/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), MemoryPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testReport(id, entry string, started time.Time) *engine.Report {
	return &engine.Report{
		RunID:     id,
		Entry:     entry,
		Schedule:  []string{"deploy:prepare", "deploy:release"},
		Status:    engine.RunStatusRunning,
		StartedAt: started,
		User:      "alice",
	}
}

func hostResult(host string, status engine.HostStatus, tasks ...string) *engine.HostResult {
	r := &engine.HostResult{Host: host, Status: status, StartedAt: time.Now(), Duration: time.Second}
	for _, name := range tasks {
		r.Tasks = append(r.Tasks, &engine.TaskResult{
			Task: name, Host: host, Depth: 1, Status: engine.TaskStatusSucceeded,
			StartedAt: time.Now(), Duration: 10 * time.Millisecond,
		})
	}
	return r
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: MemoryPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"runs", "host_runs", "task_results", "events"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("failed to re-run migrations: %v", err)
	}
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "journal.db")
	ctx := context.Background()

	store, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store.RunStarted(ctx, testReport("run-1", "deploy", time.Now())); err != nil {
		t.Fatalf("failed to record run: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetRun(ctx, "run-1"); err != nil {
		t.Errorf("expected run to survive reopening: %v", err)
	}
}

func TestRecorder_RunLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	report := testReport("run-1", "deploy", time.Now().Add(-time.Minute))
	if err := store.RunStarted(ctx, report); err != nil {
		t.Fatalf("failed to record run start: %v", err)
	}

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Status != engine.RunStatusRunning || run.CompletedAt != nil {
		t.Errorf("expected running run without completion, got %+v", run)
	}
	if strings.Join(run.Schedule, ",") != "deploy:prepare,deploy:release" || run.User != "alice" {
		t.Errorf("unexpected run fields: %+v", run)
	}

	web1 := hostResult("web1", engine.HostStatusSucceeded, "deploy:prepare", "deploy:release")
	web2 := hostResult("web2", engine.HostStatusFailed, "deploy:prepare")
	web2.FailedTask = "deploy:prepare"
	web2.Err = errors.New("exit status 1")
	web2.Tasks[0].Status = engine.TaskStatusFailed
	web2.Tasks[0].Error = "exit status 1"

	if err := store.HostFinished(ctx, "run-1", web1); err != nil {
		t.Fatalf("failed to record web1: %v", err)
	}
	if err := store.HostFinished(ctx, "run-1", web2); err != nil {
		t.Fatalf("failed to record web2: %v", err)
	}

	report.Hosts = []*engine.HostResult{web1, web2}
	report.Status = engine.RunStatusPartial
	report.CompletedAt = time.Now()
	report.Duration = time.Minute
	if err := store.RunFinished(ctx, report); err != nil {
		t.Fatalf("failed to record run result: %v", err)
	}

	run, err = store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Status != engine.RunStatusPartial || run.CompletedAt == nil || run.Duration != time.Minute {
		t.Errorf("expected finished partial run, got %+v", run)
	}
	if run.Hosts != 2 || run.Failed != 1 {
		t.Errorf("expected 2 hosts with 1 failure, got %d/%d", run.Hosts, run.Failed)
	}

	hosts, err := store.ListHostRuns(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list host runs: %v", err)
	}
	if len(hosts) != 2 {
		t.Fatalf("expected 2 host runs without duplicates, got %d", len(hosts))
	}
	if hosts[1].FailedTask == nil || *hosts[1].FailedTask != "deploy:prepare" {
		t.Errorf("expected failed task on web2, got %+v", hosts[1])
	}
	if hosts[1].Error == nil || *hosts[1].Error != "exit status 1" {
		t.Errorf("expected error on web2, got %+v", hosts[1])
	}
	if hosts[0].Error != nil {
		t.Errorf("expected no error on web1, got %q", *hosts[0].Error)
	}

	tasks, err := store.ListTaskResults(ctx, "run-1", "")
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 task results, got %d", len(tasks))
	}

	tasks, err = store.ListTaskResults(ctx, "run-1", "web1")
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if len(tasks) != 2 || tasks[0].Task != "deploy:prepare" || tasks[1].Position != 1 {
		t.Errorf("unexpected web1 tasks: %+v", tasks)
	}
}

func TestRecorder_RunFailedBeforeHosts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	report := testReport("run-denied", "deploy", time.Now())
	if err := store.RunStarted(ctx, report); err != nil {
		t.Fatalf("failed to record run start: %v", err)
	}

	report.RunErr = errors.New("run denied by policy")
	report.Status = engine.RunStatusFailed
	report.Hosts = []*engine.HostResult{hostResult("web1", engine.HostStatusSkipped)}
	if err := store.RunFinished(ctx, report); err != nil {
		t.Fatalf("failed to record run result: %v", err)
	}

	run, err := store.GetRun(ctx, "run-denied")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Error == nil || *run.Error != "run denied by policy" {
		t.Errorf("expected run error, got %+v", run.Error)
	}

	hosts, err := store.ListHostRuns(ctx, "run-denied")
	if err != nil {
		t.Fatalf("failed to list host runs: %v", err)
	}
	if len(hosts) != 1 || hosts[0].Status != engine.HostStatusSkipped {
		t.Errorf("expected skipped host recorded by RunFinished, got %+v", hosts)
	}

	if err := store.RunFinished(ctx, testReport("missing", "deploy", time.Now())); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown run, got %v", err)
	}
}

func TestGetRun_Prefix(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"abc123", "abd456", "a_c999"} {
		if err := store.RunStarted(ctx, testReport(id, "deploy", time.Now())); err != nil {
			t.Fatalf("failed to record run: %v", err)
		}
	}

	tests := []struct {
		id       string
		expected string
		err      error
	}{
		{"abc123", "abc123", nil},
		{"abc", "abc123", nil},
		{"ab", "", ErrAmbiguousID},
		{"a_", "a_c999", nil},
		{"zzz", "", ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			run, err := store.GetRun(ctx, tt.id)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Errorf("expected %v, got %v", tt.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("failed to get run: %v", err)
			}
			if run.ID != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, run.ID)
			}
		})
	}
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	runs := []struct {
		id     string
		entry  string
		status engine.RunStatus
	}{
		{"run-1", "deploy", engine.RunStatusSucceeded},
		{"run-2", "rollback", engine.RunStatusFailed},
		{"run-3", "deploy", engine.RunStatusFailed},
	}
	for i, r := range runs {
		report := testReport(r.id, r.entry, base.Add(time.Duration(i)*time.Minute))
		if err := store.RunStarted(ctx, report); err != nil {
			t.Fatalf("failed to record run: %v", err)
		}
		report.Status = r.status
		if err := store.RunFinished(ctx, report); err != nil {
			t.Fatalf("failed to finish run: %v", err)
		}
	}

	tests := []struct {
		name     string
		filter   RunFilter
		expected string
	}{
		{"all newest first", RunFilter{}, "run-3,run-2,run-1"},
		{"by entry", RunFilter{Entry: "deploy"}, "run-3,run-1"},
		{"by status", RunFilter{Status: engine.RunStatusFailed}, "run-3,run-2"},
		{"limit", RunFilter{Limit: 1}, "run-3"},
		{"offset", RunFilter{Limit: 2, Offset: 1}, "run-2,run-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := store.ListRuns(ctx, tt.filter)
			if err != nil {
				t.Fatalf("failed to list runs: %v", err)
			}
			ids := make([]string, len(list))
			for i, r := range list {
				ids[i] = r.ID
			}
			if got := strings.Join(ids, ","); got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	events := []*engine.Event{
		{ID: "e1", Type: engine.EventTypeRunStarted, RunID: "run-1", Message: "Run deploy started", Level: "info",
			Details: map[string]interface{}{"user": "alice"}},
		{ID: "e2", Type: engine.EventTypeTaskFailed, RunID: "run-1", Host: "web1", Task: "deploy:release",
			Message: "Task failed", Level: "error"},
		{ID: "e3", Type: engine.EventTypeHostCompleted, RunID: "run-1", Host: "web2", Message: "Host done", Level: "info"},
		{ID: "e4", Type: engine.EventTypePolicyDenied, RunID: "run-2", Message: "denied", Level: "error"},
	}
	for _, e := range events {
		e.Timestamp = time.Now()
		if err := store.Publish(ctx, e); err != nil {
			t.Fatalf("failed to publish event: %v", err)
		}
	}

	tests := []struct {
		name     string
		filter   EventFilter
		expected string
	}{
		{"all in order", EventFilter{}, "e1,e2,e3,e4"},
		{"by run", EventFilter{RunID: "run-1"}, "e1,e2,e3"},
		{"by host", EventFilter{RunID: "run-1", Host: "web1"}, "e2"},
		{"by level", EventFilter{Level: EventLevelError}, "e2,e4"},
		{"paged", EventFilter{Limit: 2, Offset: 1}, "e2,e3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := store.ListEvents(ctx, tt.filter)
			if err != nil {
				t.Fatalf("failed to list events: %v", err)
			}
			ids := make([]string, len(list))
			for i, e := range list {
				ids[i] = e.ID
			}
			if got := strings.Join(ids, ","); got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}

	list, err := store.ListEvents(ctx, EventFilter{RunID: "run-1", Limit: 2})
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if list[0].Details == nil || *list[0].Details != `{"user":"alice"}` {
		t.Errorf("expected JSON details, got %v", list[0].Details)
	}
	if list[1].Task == nil || *list[1].Task != "deploy:release" || list[0].Host != nil {
		t.Errorf("expected nullable host and task, got %+v %+v", list[0], list[1])
	}
}

func TestAppendEvent_Defaults(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	event := &Event{Type: "note", Message: "manual unlock"}
	if err := store.AppendEvent(ctx, event); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}
	if event.ID == "" || event.Level != EventLevelInfo || event.Timestamp.IsZero() {
		t.Errorf("expected generated id, level and timestamp, got %+v", event)
	}

	bad := &Event{Type: "note", Message: "x", Level: "fatal"}
	if err := store.AppendEvent(ctx, bad); err == nil {
		t.Error("expected check constraint to reject unknown level")
	}
}

func TestDeleteAndPruneRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"run-1", "run-2", "run-3", "run-4"} {
		report := testReport(id, "deploy", base.Add(time.Duration(i)*time.Minute))
		if err := store.RunStarted(ctx, report); err != nil {
			t.Fatalf("failed to record run: %v", err)
		}
		if err := store.HostFinished(ctx, id, hostResult("web1", engine.HostStatusSucceeded, "deploy")); err != nil {
			t.Fatalf("failed to record host: %v", err)
		}
		if err := store.Publish(ctx, &engine.Event{ID: "e-" + id, RunID: id, Type: engine.EventTypeRunStarted, Level: "info", Timestamp: time.Now()}); err != nil {
			t.Fatalf("failed to publish event: %v", err)
		}
	}

	if err := store.DeleteRun(ctx, "run-4"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	if err := store.DeleteRun(ctx, "run-4"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if tasks, _ := store.ListTaskResults(ctx, "run-4", ""); len(tasks) != 0 {
		t.Errorf("expected tasks to be deleted with the run, got %d", len(tasks))
	}

	deleted, err := store.PruneRuns(ctx, 1)
	if err != nil {
		t.Fatalf("failed to prune runs: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 pruned runs, got %d", deleted)
	}

	runs, err := store.ListRuns(ctx, RunFilter{})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-3" {
		t.Errorf("expected only run-3 to remain, got %+v", runs)
	}
	events, err := store.ListEvents(ctx, EventFilter{})
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 1 || events[0].ID != "e-run-3" {
		t.Errorf("expected only the events of run-3, got %d", len(events))
	}

	if _, err := store.PruneRuns(ctx, -1); err == nil {
		t.Error("expected error for negative keep")
	}
}
