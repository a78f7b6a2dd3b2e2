package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// RunOptions controls how a run processes its hosts.
type RunOptions struct {
	// Parallel processes hosts concurrently. Each host keeps its own context stack,
	// lock and config cache.
	Parallel bool `json:"parallel"`

	// MaxParallel bounds the number of hosts processed at once. Zero means no bound.
	MaxParallel int `json:"max_parallel,omitempty"`

	// StopOnHostFailure stops scheduling further hosts after the first host fails.
	// Hosts that never started are reported as skipped.
	StopOnHostFailure bool `json:"stop_on_host_failure"`

	// DryRun resolves and logs every command and transfer without executing them.
	// Locks are not taken.
	DryRun bool `json:"dry_run"`

	// User is recorded in the run history.
	User string `json:"user,omitempty"`
}

// Engine holds the config store and task registry of one process, together with
// the collaborators used to reach hosts. Independent engines never share state.
type Engine struct {
	// Store holds global config entries.
	Store *Store

	// Tasks holds task definitions and hooks.
	Tasks *Registry

	localhost *Host
	dialer    Dialer
	locker    Locker
	events    EventPublisher
	recorder  Recorder
	metrics   Metrics
	tracer    Tracer
	policy    PolicyGate
}

// Option configures an Engine.
type Option func(*Engine)

// WithDialer sets how hosts are reached.
func WithDialer(d Dialer) Option {
	return func(e *Engine) { e.dialer = d }
}

// WithLocker sets the deployment lock. Without one, hosts are not locked.
func WithLocker(l Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithEventPublisher sets the event sink.
func WithEventPublisher(p EventPublisher) Option {
	return func(e *Engine) { e.events = p }
}

// WithRecorder sets the run history recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithTracer sets the span factory.
func WithTracer(t Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithPolicy sets the gate evaluated before every run.
func WithPolicy(p PolicyGate) Option {
	return func(e *Engine) { e.policy = p }
}

// WithLocalhost replaces the local pseudo-host used by local-only tasks.
func WithLocalhost(h *Host) Option {
	return func(e *Engine) {
		if h != nil {
			e.localhost = h
		}
	}
}

// New creates an engine with an empty store and registry.
func New(opts ...Option) *Engine {
	e := &Engine{
		Store:     NewStore(),
		Tasks:     NewRegistry(),
		localhost: Localhost(),
		metrics:   noopMetrics{},
		tracer:    noopTracer{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Set registers a global config entry.
func (e *Engine) Set(key string, value interface{}) {
	e.Store.Set(key, value)
}

// Task registers a task.
func (e *Engine) Task(name string, body Body, opts ...TaskOption) (*Task, error) {
	return e.Tasks.Task(name, body, opts...)
}

// Before registers hook to run before target.
func (e *Engine) Before(target, hook string) {
	e.Tasks.Before(target, hook)
}

// After registers hook to run after target.
func (e *Engine) After(target, hook string) {
	e.Tasks.After(target, hook)
}

// Desc documents a task.
func (e *Engine) Desc(name, text string) {
	e.Tasks.Desc(name, text)
}

// Localhost returns the local pseudo-host. Config set on it applies to local-only tasks.
func (e *Engine) Localhost() *Host {
	return e.localhost
}

// Locker returns the configured deployment lock, if any.
func (e *Engine) Locker() Locker {
	return e.locker
}

// Run expands entry and executes the resulting schedule on every host.
//
// Hosts run in order unless opts.Parallel is set. On each host the first failing
// task stops the remaining sequence and the host lock is released; other hosts are
// not affected unless opts.StopOnHostFailure is set.
//
// Run never rolls back: when a host fails, the commands that already ran on it
// stay applied. A failed host may be left partially deployed.
//
// The returned report is never nil. The error is the joined failures of the run.
func (e *Engine) Run(ctx context.Context, entry string, hosts []*Host, opts RunOptions) (*Report, error) {
	report := &Report{
		RunID:     uuid.New().String(),
		Entry:     entry,
		Status:    RunStatusRunning,
		Hosts:     make([]*HostResult, 0, len(hosts)),
		StartedAt: time.Now(),
		DryRun:    opts.DryRun,
		User:      opts.User,
	}

	ctx, end := e.tracer.Start(ctx, "run "+entry, map[string]string{"run_id": report.RunID, "entry": entry})

	schedule, err := e.prepare(ctx, report.RunID, entry, hosts, opts)
	report.Schedule = ScheduleNames(schedule)
	if e.recorder != nil {
		if recErr := e.recorder.RunStarted(ctx, report); recErr != nil {
			log.Warn().Err(recErr).Str("run_id", report.RunID).Msg("failed to record run start")
		}
	}

	if err != nil {
		report.RunErr = err
		for _, h := range hosts {
			report.Hosts = append(report.Hosts, e.skipHost(ctx, report.RunID, h))
		}
	} else {
		log.Info().Str("run_id", report.RunID).Str("entry", entry).Int("hosts", len(hosts)).
			Strs("schedule", report.Schedule).Msg("run started")
		e.publish(ctx, &Event{
			Type: EventTypeRunStarted, RunID: report.RunID,
			Message: fmt.Sprintf("Run %s started", entry), Level: "info",
			Details: map[string]interface{}{"schedule": report.Schedule, "user": opts.User},
		})
		report.Hosts = e.runHosts(ctx, report.RunID, hosts, schedule, opts)
	}

	report.finish()
	runErr := report.Err()
	end(runErr)
	e.metrics.RecordRun(string(report.Status), report.Duration)

	if runErr != nil {
		e.publish(ctx, &Event{
			Type: EventTypeRunFailed, RunID: report.RunID,
			Message: fmt.Sprintf("Run %s finished with status %s", entry, report.Status), Level: "error",
		})
	} else {
		e.publish(ctx, &Event{
			Type: EventTypeRunCompleted, RunID: report.RunID,
			Message: fmt.Sprintf("Run %s completed", entry), Level: "info",
		})
	}
	log.Info().Str("run_id", report.RunID).Str("status", string(report.Status)).Dur("duration", report.Duration).Msg("run finished")

	if e.recorder != nil {
		if recErr := e.recorder.RunFinished(context.WithoutCancel(ctx), report); recErr != nil {
			log.Warn().Err(recErr).Str("run_id", report.RunID).Msg("failed to record run result")
		}
	}
	return report, runErr
}

// prepare expands entry and checks everything that does not need a host connection.
func (e *Engine) prepare(ctx context.Context, runID, entry string, hosts []*Host, opts RunOptions) ([]*Task, error) {
	schedule, err := e.Tasks.Expand(entry)
	if err != nil {
		return nil, err
	}

	for _, task := range schedule {
		if task.LocalOnly {
			if err := e.Store.Validate(e.localhost); err != nil {
				return schedule, err
			}
			break
		}
	}

	if e.policy != nil {
		input := e.RunInput(entry, schedule, hosts, opts)
		if err := e.policy.Evaluate(ctx, input); err != nil {
			e.publish(ctx, &Event{
				Type: EventTypePolicyDenied, RunID: runID, Message: err.Error(), Level: "error",
			})
			return schedule, NewPermanentError("run denied by policy", err).
				WithCode(ErrCodePolicyDenied).WithResource(entry)
		}
	}
	return schedule, nil
}

// RunInput builds the policy input of a run.
func (e *Engine) RunInput(entry string, schedule []*Task, hosts []*Host, opts RunOptions) *RunInput {
	input := &RunInput{
		Entry:    entry,
		Schedule: make([]ScheduledTask, len(schedule)),
		Hosts:    make([]HostInput, len(hosts)),
		Options:  opts,
	}
	for i, t := range schedule {
		input.Schedule[i] = ScheduledTask{Task: t.Name, Local: t.LocalOnly}
	}
	for i, h := range hosts {
		input.Hosts[i] = HostInput{Name: h.Name, Kind: h.Kind, Labels: h.Labels}
	}
	return input
}

// Unlock removes the lock record of host, e.g. after a crashed run.
func (e *Engine) Unlock(ctx context.Context, host *Host) error {
	if e.locker == nil {
		return nil
	}
	x := newExecution(e, "", host, RunOptions{})
	defer x.close()
	if err := e.locker.Release(x.scope(ctx)); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", host.Name, err)
	}
	log.Info().Str("host", host.Name).Msg("lock released")
	return nil
}

func (e *Engine) publish(ctx context.Context, event *Event) {
	if e.events == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := e.events.Publish(ctx, event); err != nil {
		log.Warn().Err(err).Str("type", string(event.Type)).Msg("failed to publish event")
	}
}
