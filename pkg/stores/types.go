package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/shipyard/pkg/engine"
)

var (
	// ErrNotFound is returned when a run does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAmbiguousID is returned when a run ID prefix matches several runs.
	ErrAmbiguousID = errors.New("ambiguous run id")
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run is one recorded run.
type Run struct {
	ID          string           `json:"id"`
	Entry       string           `json:"entry"`
	Schedule    []string         `json:"schedule"`
	Status      engine.RunStatus `json:"status"`
	User        string           `json:"user,omitempty"`
	DryRun      bool             `json:"dry_run"`
	Error       *string          `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Duration    time.Duration    `json:"duration"`
	Hosts       int              `json:"hosts"`
	Failed      int              `json:"failed"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// HostRun is the recorded outcome of one host of a run.
type HostRun struct {
	ID         int64             `json:"id"`
	RunID      string            `json:"run_id"`
	Host       string            `json:"host"`
	Status     engine.HostStatus `json:"status"`
	FailedTask *string           `json:"failed_task,omitempty"`
	Error      *string           `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	Duration   time.Duration     `json:"duration"`
}

// TaskRecord is one recorded task execution.
type TaskRecord struct {
	ID        int64             `json:"id"`
	RunID     string            `json:"run_id"`
	Host      string            `json:"host"`      // host of the sequence
	ExecHost  string            `json:"exec_host"` // where the body ran
	Task      string            `json:"task"`
	Depth     int               `json:"depth"`
	Position  int               `json:"position"`
	Status    engine.TaskStatus `json:"status"`
	Error     *string           `json:"error,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Duration  time.Duration     `json:"duration"`
}

// Event is an append-only journal event.
type Event struct {
	ID        string     `json:"id"`
	RunID     *string    `json:"run_id,omitempty"`
	Type      string     `json:"type"`
	Host      *string    `json:"host,omitempty"`
	Task      *string    `json:"task,omitempty"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// RunFilter selects runs for ListRuns. Zero fields match everything.
type RunFilter struct {
	Entry  string
	Status engine.RunStatus
	Limit  int
	Offset int
}

// EventFilter selects events for ListEvents. Zero fields match everything.
type EventFilter struct {
	RunID  string
	Host   string
	Level  EventLevel
	Limit  int
	Offset int
}

// Store defines the interface for the run journal.
type Store interface {
	engine.Recorder
	engine.EventPublisher

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Runs
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, keep int) (int64, error)

	// Hosts and tasks
	ListHostRuns(ctx context.Context, runID string) ([]*HostRun, error)
	ListTaskResults(ctx context.Context, runID, host string) ([]*TaskRecord, error)

	// Events
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
