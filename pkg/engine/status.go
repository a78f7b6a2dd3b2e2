package engine

import (
	"errors"
	"fmt"
	"time"
)

// RunStatus represents the overall status of a deployment run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every host succeeded.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates no host succeeded, or the run could not start.
	RunStatusFailed RunStatus = "failed"

	// RunStatusPartial indicates some hosts succeeded and some did not.
	RunStatusPartial RunStatus = "partial"

	// RunStatusCancelled indicates the run was cancelled by the user.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusPartial
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed,
		RunStatusPartial, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// HostStatus represents the outcome of one host's sequence.
type HostStatus string

const (
	// HostStatusPending indicates the host has not been processed yet.
	HostStatusPending HostStatus = "pending"

	// HostStatusSucceeded indicates every scheduled task succeeded.
	HostStatusSucceeded HostStatus = "succeeded"

	// HostStatusFailed indicates a task failed or the lock could not be acquired.
	HostStatusFailed HostStatus = "failed"

	// HostStatusSkipped indicates the host was never started.
	HostStatusSkipped HostStatus = "skipped"

	// HostStatusCancelled indicates the run was cancelled while the host was running.
	HostStatusCancelled HostStatus = "cancelled"
)

// IsTerminal returns true if the host status represents a final state.
func (s HostStatus) IsTerminal() bool {
	return s != HostStatusPending
}

// TaskStatus represents the outcome of a single task.
type TaskStatus string

const (
	// TaskStatusSucceeded indicates the task body completed.
	TaskStatusSucceeded TaskStatus = "succeeded"

	// TaskStatusFailed indicates the task body returned an error.
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusCancelled indicates the task was interrupted by cancellation.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// TaskResult is the outcome of one task on one host.
type TaskResult struct {
	// Task is the task name.
	Task string `json:"task"`

	// Host is where the body ran; the local pseudo-host for local-only tasks.
	Host string `json:"host"`

	// Depth is 1 for scheduled tasks and greater for nested invocations.
	Depth int `json:"depth"`

	Status    TaskStatus    `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// HostResult is the outcome of one host.
type HostResult struct {
	// Host is the deployed host's name.
	Host string `json:"host"`

	Status HostStatus `json:"status"`

	// FailedTask names the task that stopped the sequence, if any.
	FailedTask string `json:"failed_task,omitempty"`

	// Err is the error that stopped the sequence.
	Err error `json:"-"`

	// Error is Err rendered for serialization.
	Error string `json:"error,omitempty"`

	Tasks     []*TaskResult `json:"tasks"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Report is the outcome of a run across all hosts.
type Report struct {
	RunID       string        `json:"run_id"`
	Entry       string        `json:"entry"`
	Schedule    []string      `json:"schedule"`
	Status      RunStatus     `json:"status"`
	Hosts       []*HostResult `json:"hosts"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
	DryRun      bool          `json:"dry_run,omitempty"`
	User        string        `json:"user,omitempty"`

	// RunErr is set when the run failed before any host started, e.g. on
	// expansion errors or a policy denial.
	RunErr error `json:"-"`

	// RunError is RunErr rendered for serialization.
	RunError string `json:"run_error,omitempty"`
}

// Succeeded returns true when every host succeeded.
func (r *Report) Succeeded() bool {
	if r.RunErr != nil {
		return false
	}
	for _, h := range r.Hosts {
		if h.Status != HostStatusSucceeded {
			return false
		}
	}
	return true
}

// Failed returns the hosts that did not succeed.
func (r *Report) Failed() []*HostResult {
	failed := make([]*HostResult, 0)
	for _, h := range r.Hosts {
		if h.Status != HostStatusSucceeded {
			failed = append(failed, h)
		}
	}
	return failed
}

// Host returns the result of the named host.
func (r *Report) Host(name string) (*HostResult, bool) {
	for _, h := range r.Hosts {
		if h.Host == name {
			return h, true
		}
	}
	return nil, false
}

// Err joins the failures of the run, naming host and task for each.
func (r *Report) Err() error {
	if r.RunErr != nil {
		return r.RunErr
	}
	var errs []error
	for _, h := range r.Hosts {
		switch {
		case h.Err != nil && h.FailedTask != "":
			errs = append(errs, fmt.Errorf("host %s: task %s: %w", h.Host, h.FailedTask, h.Err))
		case h.Err != nil:
			errs = append(errs, fmt.Errorf("host %s: %w", h.Host, h.Err))
		case h.Status != HostStatusSucceeded:
			errs = append(errs, fmt.Errorf("host %s: %s", h.Host, h.Status))
		}
	}
	return errors.Join(errs...)
}

// finish computes the final run status.
func (r *Report) finish() {
	r.CompletedAt = time.Now()
	r.Duration = r.CompletedAt.Sub(r.StartedAt)
	if r.RunErr != nil {
		r.RunError = r.RunErr.Error()
		r.Status = RunStatusFailed
		return
	}

	var succeeded, cancelled int
	for _, h := range r.Hosts {
		if h.Err != nil {
			h.Error = h.Err.Error()
		}
		switch h.Status {
		case HostStatusSucceeded:
			succeeded++
		case HostStatusCancelled:
			cancelled++
		}
	}

	switch {
	case succeeded == len(r.Hosts):
		r.Status = RunStatusSucceeded
	case cancelled > 0:
		r.Status = RunStatusCancelled
	case succeeded > 0:
		r.Status = RunStatusPartial
	default:
		r.Status = RunStatusFailed
	}
}

// EventType identifies an execution event.
type EventType string

// Event types published during a run.
const (
	EventTypeRunStarted    EventType = "run.started"
	EventTypeRunCompleted  EventType = "run.completed"
	EventTypeRunFailed     EventType = "run.failed"
	EventTypeHostStarted   EventType = "host.started"
	EventTypeHostCompleted EventType = "host.completed"
	EventTypeHostFailed    EventType = "host.failed"
	EventTypeHostSkipped   EventType = "host.skipped"
	EventTypeTaskStarted   EventType = "task.started"
	EventTypeTaskCompleted EventType = "task.completed"
	EventTypeTaskFailed    EventType = "task.failed"
	EventTypeLockAcquired  EventType = "lock.acquired"
	EventTypeLockReleased  EventType = "lock.released"
	EventTypePolicyDenied  EventType = "policy.denied"
)

// Event represents a timeline event during execution.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the ID of the run this event belongs to.
	RunID string `json:"run_id"`

	// Host is the deployed host, if applicable.
	Host string `json:"host,omitempty"`

	// Task is the task name, if applicable.
	Task string `json:"task,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`

	// Details contains additional event-specific data.
	Details map[string]interface{} `json:"details,omitempty"`
}
