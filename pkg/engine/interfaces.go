package engine

import (
	"context"
	"time"

	"github.com/openfroyo/shipyard/pkg/transports"
)

// Dialer opens the transport used to reach a host. Local hosts get a transport
// that runs on the control machine.
type Dialer interface {
	// Dial connects to host. The engine closes the transport when the host's
	// sequence is done.
	Dial(ctx context.Context, host *Host) (transports.Transport, error)
}

// Locker guards a host against concurrent deployments.
type Locker interface {
	// Acquire creates the lock record for the scope's host, failing with an
	// AlreadyLockedError when one exists.
	Acquire(s *Scope) error

	// Release removes the lock record. Releasing an unlocked host is a no-op.
	Release(s *Scope) error
}

// EventPublisher publishes execution events to subscribers.
type EventPublisher interface {
	// Publish publishes an event.
	Publish(ctx context.Context, event *Event) error
}

// Recorder persists run history.
type Recorder interface {
	// RunStarted records a new run before any host is touched.
	RunStarted(ctx context.Context, report *Report) error

	// HostFinished records the outcome of one host.
	HostFinished(ctx context.Context, runID string, result *HostResult) error

	// RunFinished records the final report.
	RunFinished(ctx context.Context, report *Report) error
}

// Metrics records execution metrics.
type Metrics interface {
	// RecordRun records a finished run.
	RecordRun(status string, duration time.Duration)

	// RecordHostRun records a finished host sequence.
	RecordHostRun(host, status string, duration time.Duration)

	// RecordTask records a finished task.
	RecordTask(host, task, status string, duration time.Duration)

	// RecordCommand records an executed command.
	RecordCommand(host string, exitCode int, duration time.Duration)

	// RecordLockContention records a failed lock acquisition.
	RecordLockContention(host string)
}

// Tracer creates spans around runs, hosts and tasks.
type Tracer interface {
	// Start starts a span and returns the derived context and the function that ends it.
	Start(ctx context.Context, name string, attrs map[string]string) (context.Context, func(err error))
}

// PolicyGate decides whether a run may start.
type PolicyGate interface {
	// Evaluate returns a non-nil error when the run must not start.
	Evaluate(ctx context.Context, input *RunInput) error
}

// RunInput describes a run to the policy gate.
type RunInput struct {
	Entry    string          `json:"entry"`
	Schedule []ScheduledTask `json:"schedule"`
	Hosts    []HostInput     `json:"hosts"`
	Options  RunOptions      `json:"options"`
}

// ScheduledTask is one step of an expanded schedule.
type ScheduledTask struct {
	Task  string `json:"task"`
	Local bool   `json:"local"`
}

// HostInput is a host as seen by the policy gate.
type HostInput struct {
	Name   string            `json:"name"`
	Kind   HostKind          `json:"kind"`
	Labels map[string]string `json:"labels,omitempty"`
}

type noopMetrics struct{}

func (noopMetrics) RecordRun(string, time.Duration)                  {}
func (noopMetrics) RecordHostRun(string, string, time.Duration)      {}
func (noopMetrics) RecordTask(string, string, string, time.Duration) {}
func (noopMetrics) RecordCommand(string, int, time.Duration)         {}
func (noopMetrics) RecordLockContention(string)                      {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string, _ map[string]string) (context.Context, func(error)) {
	return ctx, func(error) {}
}
