package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/openfroyo/shipyard/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory journal.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens its own database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
	}, nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if s.path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate&_time_format=sqlite", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// withTx runs fn in a transaction.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RunStarted implements engine.Recorder.
func (s *SQLiteStore) RunStarted(ctx context.Context, report *engine.Report) error {
	schedule, err := json.Marshal(nonNil(report.Schedule))
	if err != nil {
		return fmt.Errorf("failed to encode schedule: %w", err)
	}

	query := `
		INSERT INTO runs (id, entry, schedule, status, username, dry_run, started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, query,
		report.RunID,
		report.Entry,
		string(schedule),
		engine.RunStatusRunning,
		report.User,
		report.DryRun,
		report.StartedAt.UTC(),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// HostFinished implements engine.Recorder.
func (s *SQLiteStore) HostFinished(ctx context.Context, runID string, result *engine.HostResult) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertHostResult(ctx, tx, runID, result)
	})
}

// RunFinished implements engine.Recorder. Hosts that were not recorded
// through HostFinished, e.g. when the run failed before starting, are added.
func (s *SQLiteStore) RunFinished(ctx context.Context, report *engine.Report) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE runs
			SET status = ?, error = ?, completed_at = ?, duration_ns = ?, updated_at = ?
			WHERE id = ?
		`

		completedAt := report.CompletedAt
		if completedAt.IsZero() {
			completedAt = time.Now()
		}

		result, err := tx.ExecContext(ctx, query,
			report.Status,
			nullString(reportError(report)),
			completedAt.UTC(),
			int64(report.Duration),
			time.Now().UTC(),
			report.RunID,
		)
		if err != nil {
			return fmt.Errorf("failed to update run: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("run %s: %w", report.RunID, ErrNotFound)
		}

		for _, h := range report.Hosts {
			if err := insertHostResult(ctx, tx, report.RunID, h); err != nil {
				return err
			}
		}
		return nil
	})
}

// insertHostResult stores a host and its tasks once; later calls for the same
// host are ignored.
func insertHostResult(ctx context.Context, tx *sql.Tx, runID string, h *engine.HostResult) error {
	query := `
		INSERT INTO host_runs (run_id, host, status, failed_task, error, started_at, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, host) DO NOTHING
	`

	result, err := tx.ExecContext(ctx, query,
		runID,
		h.Host,
		h.Status,
		nullString(h.FailedTask),
		nullString(hostError(h)),
		h.StartedAt.UTC(),
		int64(h.Duration),
	)
	if err != nil {
		return fmt.Errorf("failed to record host %s: %w", h.Host, err)
	}
	if rows, err := result.RowsAffected(); err != nil || rows == 0 {
		return err
	}

	taskQuery := `
		INSERT INTO task_results (run_id, host, exec_host, task, depth, position, status, error, started_at, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for i, t := range h.Tasks {
		execHost := t.Host
		if execHost == "" {
			execHost = h.Host
		}
		_, err := tx.ExecContext(ctx, taskQuery,
			runID,
			h.Host,
			execHost,
			t.Task,
			t.Depth,
			i,
			t.Status,
			nullString(t.Error),
			t.StartedAt.UTC(),
			int64(t.Duration),
		)
		if err != nil {
			return fmt.Errorf("failed to record task %s on %s: %w", t.Task, h.Host, err)
		}
	}
	return nil
}

const runColumns = `
	id, entry, schedule, status, username, dry_run, error, started_at, completed_at, duration_ns, created_at, updated_at,
	(SELECT COUNT(*) FROM host_runs h WHERE h.run_id = runs.id),
	(SELECT COUNT(*) FROM host_runs h WHERE h.run_id = runs.id AND h.status != 'succeeded')
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var schedule string
	var duration int64
	err := row.Scan(
		&run.ID,
		&run.Entry,
		&schedule,
		&run.Status,
		&run.User,
		&run.DryRun,
		&run.Error,
		&run.StartedAt,
		&run.CompletedAt,
		&duration,
		&run.CreatedAt,
		&run.UpdatedAt,
		&run.Hosts,
		&run.Failed,
	)
	if err != nil {
		return nil, err
	}
	run.Duration = time.Duration(duration)
	if err := json.Unmarshal([]byte(schedule), &run.Schedule); err != nil {
		return nil, fmt.Errorf("failed to decode schedule of run %s: %w", run.ID, err)
	}
	return run, nil
}

// GetRun retrieves a run by ID or by a unique ID prefix.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	if id == "" {
		return nil, fmt.Errorf("run id is required")
	}

	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ? OR id LIKE ? ESCAPE '\' ORDER BY started_at DESC LIMIT 2`

	rows, err := s.db.QueryContext(ctx, query, id, escapeLike(id)+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if run.ID == id {
			return run, nil
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	switch len(runs) {
	case 0:
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	case 1:
		return runs[0], nil
	default:
		return nil, fmt.Errorf("run %s: %w", id, ErrAmbiguousID)
	}
}

// ListRuns lists runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT ` + runColumns + `
		FROM runs
		WHERE (? = '' OR entry = ?)
		  AND (? = '' OR status = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.Entry, filter.Entry,
		filter.Status, filter.Status,
		limit(filter.Limit), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run with its hosts and tasks.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete run: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("run %s: %w", id, ErrNotFound)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE run_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete events: %w", err)
		}
		return nil
	})
}

// PruneRuns deletes all but the newest keep runs and returns how many were
// deleted.
func (s *SQLiteStore) PruneRuns(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative")
	}

	var deleted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stale := `SELECT id FROM runs ORDER BY started_at DESC LIMIT -1 OFFSET ?`

		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE run_id IN (`+stale+`)`, keep); err != nil {
			return fmt.Errorf("failed to prune events: %w", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id IN (`+stale+`)`, keep)
		if err != nil {
			return fmt.Errorf("failed to prune runs: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// ListHostRuns lists the hosts of a run in the order they were recorded.
func (s *SQLiteStore) ListHostRuns(ctx context.Context, runID string) ([]*HostRun, error) {
	query := `
		SELECT id, run_id, host, status, failed_task, error, started_at, duration_ns
		FROM host_runs
		WHERE run_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list host runs: %w", err)
	}
	defer rows.Close()

	hosts := []*HostRun{}
	for rows.Next() {
		h := &HostRun{}
		var duration int64
		err := rows.Scan(
			&h.ID,
			&h.RunID,
			&h.Host,
			&h.Status,
			&h.FailedTask,
			&h.Error,
			&h.StartedAt,
			&duration,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan host run: %w", err)
		}
		h.Duration = time.Duration(duration)
		hosts = append(hosts, h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating host runs: %w", err)
	}

	return hosts, nil
}

// ListTaskResults lists the tasks of a run in execution order. An empty host
// lists every host.
func (s *SQLiteStore) ListTaskResults(ctx context.Context, runID, host string) ([]*TaskRecord, error) {
	query := `
		SELECT id, run_id, host, exec_host, task, depth, position, status, error, started_at, duration_ns
		FROM task_results
		WHERE run_id = ?
		  AND (? = '' OR host = ?)
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, runID, host, host)
	if err != nil {
		return nil, fmt.Errorf("failed to list task results: %w", err)
	}
	defer rows.Close()

	tasks := []*TaskRecord{}
	for rows.Next() {
		t := &TaskRecord{}
		var duration int64
		err := rows.Scan(
			&t.ID,
			&t.RunID,
			&t.Host,
			&t.ExecHost,
			&t.Task,
			&t.Depth,
			&t.Position,
			&t.Status,
			&t.Error,
			&t.StartedAt,
			&duration,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task result: %w", err)
		}
		t.Duration = time.Duration(duration)
		tasks = append(tasks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task results: %w", err)
	}

	return tasks, nil
}

// Publish implements engine.EventPublisher by appending the event to the
// journal.
func (s *SQLiteStore) Publish(ctx context.Context, event *engine.Event) error {
	e := &Event{
		ID:        event.ID,
		RunID:     nullString(event.RunID),
		Type:      string(event.Type),
		Host:      nullString(event.Host),
		Task:      nullString(event.Task),
		Level:     EventLevel(event.Level),
		Message:   event.Message,
		Timestamp: event.Timestamp,
	}
	if len(event.Details) > 0 {
		details, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
		d := string(details)
		e.Details = &d
	}
	return s.AppendEvent(ctx, e)
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	query := `
		INSERT INTO events (id, run_id, type, host, task, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.RunID,
		event.Type,
		event.Host,
		event.Task,
		event.Level,
		event.Message,
		event.Details,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// ListEvents retrieves events in the order they were appended.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	query := `
		SELECT id, run_id, type, host, task, level, message, details, timestamp
		FROM events
		WHERE (? = '' OR run_id = ?)
		  AND (? = '' OR host = ?)
		  AND (? = '' OR level = ?)
		ORDER BY seq
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.RunID, filter.RunID,
		filter.Host, filter.Host,
		filter.Level, filter.Level,
		limit(filter.Limit), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Type,
			&event.Host,
			&event.Task,
			&event.Level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func reportError(r *engine.Report) string {
	if r.RunError != "" {
		return r.RunError
	}
	if r.RunErr != nil {
		return r.RunErr.Error()
	}
	return ""
}

func hostError(h *engine.HostResult) string {
	if h.Error != "" {
		return h.Error
	}
	if h.Err != nil {
		return h.Err.Error()
	}
	return ""
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// limit maps a zero limit to SQLite's "no limit".
func limit(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}

func escapeLike(s string) string {
	var out []rune
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
