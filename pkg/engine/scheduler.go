package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/shipyard/pkg/transports"
)

// lockReleaseTimeout bounds lock release after a cancelled run.
const lockReleaseTimeout = 30 * time.Second

// execution is the state of one host's sequence: its context stack, open
// transports and task results. Nothing in it is shared with other hosts.
type execution struct {
	engine *Engine
	runID  string
	target *Host
	stack  *Stack
	opts   RunOptions

	mu      sync.Mutex
	conns   map[string]transports.Transport
	homes   map[string]string
	results []*TaskResult
}

func newExecution(e *Engine, runID string, target *Host, opts RunOptions) *execution {
	return &execution{
		engine: e,
		runID:  runID,
		target: target,
		stack:  NewStack(),
		opts:   opts,
		conns:  make(map[string]transports.Transport),
		homes:  make(map[string]string),
	}
}

// scope returns a frameless scope bound to the deployed host.
func (x *execution) scope(ctx context.Context) *Scope {
	return &Scope{ctx: ctx, store: x.engine.Store, host: x.target, exec: x}
}

func (x *execution) transport(ctx context.Context, host *Host) (transports.Transport, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if t, ok := x.conns[host.Name]; ok {
		return t, nil
	}
	if x.engine.dialer == nil {
		return nil, NewPermanentError("no dialer configured", nil).
			WithCode(ErrCodeInternal).WithResource(host.Name)
	}
	t, err := x.engine.dialer.Dial(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", host.Name, err)
	}
	x.conns[host.Name] = t
	return t, nil
}

// run executes cmd on host without requiring an active frame.
func (x *execution) run(ctx context.Context, host *Host, cmd string, opts transports.ExecOptions) (*transports.ExecResult, error) {
	if x.opts.DryRun {
		log.Info().Str("host", host.Name).Str("command", cmd).Msg("dry-run: command not executed")
		return &transports.ExecResult{}, nil
	}

	t, err := x.transport(ctx, host)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := t.Exec(ctx, cmd, opts)
	duration := time.Since(start)
	if err != nil {
		log.Debug().Str("host", host.Name).Str("command", cmd).Dur("duration", duration).Err(err).Msg("command failed to run")
		return nil, fmt.Errorf("failed to run command on %s: %w", host.Name, err)
	}

	x.engine.metrics.RecordCommand(host.Name, res.ExitCode, duration)
	log.Debug().
		Str("host", host.Name).
		Str("command", cmd).
		Int("exit_code", res.ExitCode).
		Dur("duration", duration).
		Msg("command executed")
	return res, nil
}

func (x *execution) transfer(ctx context.Context, host *Host, upload bool, src, dst string, opts transports.TransferOptions) error {
	op := "upload"
	if !upload {
		op = "download"
	}
	if x.opts.DryRun {
		log.Info().Str("host", host.Name).Str("source", src).Str("destination", dst).Msgf("dry-run: %s skipped", op)
		return nil
	}

	t, err := x.transport(ctx, host)
	if err != nil {
		return err
	}

	var res *transports.TransferResult
	if upload {
		res, err = t.Upload(ctx, src, dst, opts)
	} else {
		res, err = t.Download(ctx, src, dst, opts)
	}
	if err != nil {
		return err
	}
	log.Debug().
		Str("host", host.Name).
		Str("source", src).
		Str("destination", dst).
		Int64("bytes", res.BytesTransferred).
		Dur("duration", res.Duration).
		Msgf("%s completed", op)
	return nil
}

// home returns the home directory of host, probing it once.
func (x *execution) home(ctx context.Context, host *Host) (string, error) {
	x.mu.Lock()
	home, ok := x.homes[host.Name]
	x.mu.Unlock()
	if ok {
		return home, nil
	}

	res, err := x.run(ctx, host, "echo $HOME", transports.ExecOptions{})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", &RemoteCommandError{Host: host.Name, Command: "echo $HOME", ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}
	home = strings.TrimSpace(res.Stdout)

	x.mu.Lock()
	x.homes[host.Name] = home
	x.mu.Unlock()
	return home, nil
}

func (x *execution) close() {
	x.mu.Lock()
	defer x.mu.Unlock()
	for name, t := range x.conns {
		if err := t.Close(); err != nil {
			log.Warn().Err(err).Str("host", name).Msg("failed to close transport")
		}
	}
	x.conns = make(map[string]transports.Transport)
}

func (x *execution) record(result *TaskResult) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.results = append(x.results, result)
}

// runTask pushes a frame for task, runs its body and pops the frame.
func (x *execution) runTask(ctx context.Context, task *Task) error {
	if i := x.stack.indexOf(task.Name); i >= 0 {
		chain := append(x.stack.Tasks()[i:], task.Name)
		return newCyclicPipelineError(chain)
	}

	host := x.target
	if task.LocalOnly {
		host = x.engine.localhost
	}

	frame, pop := x.stack.Push(task, host)
	defer pop()

	ctx, end := x.engine.tracer.Start(ctx, "task "+task.Name, map[string]string{
		"task":   task.Name,
		"host":   host.Name,
		"target": x.target.Name,
	})

	log.Info().Str("host", x.target.Name).Str("task", task.Name).Int("depth", frame.Depth).Msg("task started")
	x.engine.publish(ctx, &Event{
		Type: EventTypeTaskStarted, RunID: x.runID, Host: x.target.Name, Task: task.Name,
		Message: fmt.Sprintf("Task %s started", task.Name), Level: "info",
	})

	s := &Scope{ctx: ctx, store: x.engine.Store, host: host, exec: x, frame: frame}
	err := x.runBody(s, task)

	result := &TaskResult{
		Task:      task.Name,
		Host:      host.Name,
		Depth:     frame.Depth,
		StartedAt: frame.StartedAt,
		Duration:  time.Since(frame.StartedAt),
		Status:    TaskStatusSucceeded,
	}
	switch {
	case err == nil:
	case ctx.Err() != nil:
		result.Status = TaskStatusCancelled
		result.Error = err.Error()
	default:
		result.Status = TaskStatusFailed
		result.Error = err.Error()
	}
	x.record(result)
	end(err)
	x.engine.metrics.RecordTask(x.target.Name, task.Name, string(result.Status), result.Duration)

	if err != nil {
		log.Error().Err(err).Str("host", x.target.Name).Str("task", task.Name).Dur("duration", result.Duration).Msg("task failed")
		x.engine.publish(ctx, &Event{
			Type: EventTypeTaskFailed, RunID: x.runID, Host: x.target.Name, Task: task.Name,
			Message: fmt.Sprintf("Task %s failed: %v", task.Name, err), Level: "error",
		})
		return err
	}

	log.Info().Str("host", x.target.Name).Str("task", task.Name).Dur("duration", result.Duration).Msg("task completed")
	x.engine.publish(ctx, &Event{
		Type: EventTypeTaskCompleted, RunID: x.runID, Host: x.target.Name, Task: task.Name,
		Message: fmt.Sprintf("Task %s completed", task.Name), Level: "info",
		Details: map[string]interface{}{"duration": result.Duration.Seconds()},
	})
	return nil
}

// runBody executes a command or native body. Groups never get here: Expand and
// Invoke flatten them into their members. A panicking body fails its task
// instead of the process.
func (x *execution) runBody(s *Scope, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("host", x.target.Name).
				Str("task", task.Name).
				Interface("panic", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("task panic recovered")
			err = NewPermanentError(fmt.Sprintf("task %s panicked: %v", task.Name, r), nil).
				WithCode(ErrCodeInternal).WithResource(task.Name)
		}
	}()

	switch body := task.Body.(type) {
	case Command:
		out, err := s.Run(string(body))
		if out != "" {
			log.Debug().Str("host", s.Host().Name).Str("task", task.Name).Msg(out)
		}
		return err
	case Func:
		return body(s)
	default:
		return NewPermanentError(fmt.Sprintf("unsupported task body %T", task.Body), nil).
			WithCode(ErrCodeInternal).WithResource(task.Name)
	}
}

// Invoke runs the expansion of task name on the current host, as a nested call.
// Invoking a task that is already running on this host fails with a
// CyclicPipelineError.
func (s *Scope) Invoke(name string) error {
	if _, err := s.Current(); err != nil {
		return err
	}
	schedule, err := s.exec.engine.Tasks.Expand(name)
	if err != nil {
		return err
	}
	for _, task := range schedule {
		if err := s.exec.runTask(s.Context(), task); err != nil {
			return err
		}
	}
	return nil
}

// runHost runs schedule on one host: lock, tasks in order, unlock.
// The first failing task stops the sequence; the lock is released in every case.
func (e *Engine) runHost(ctx context.Context, runID string, target *Host, schedule []*Task, opts RunOptions) *HostResult {
	result := &HostResult{
		Host:      target.Name,
		Status:    HostStatusPending,
		StartedAt: time.Now(),
		Tasks:     make([]*TaskResult, 0),
	}

	ctx, end := e.tracer.Start(ctx, "host "+target.Name, map[string]string{"host": target.Name, "run_id": runID})
	x := newExecution(e, runID, target, opts)
	defer x.close()

	e.Store.forget(target.Name)

	log.Info().Str("host", target.Name).Int("tasks", len(schedule)).Msg("host started")
	e.publish(ctx, &Event{
		Type: EventTypeHostStarted, RunID: runID, Host: target.Name,
		Message: fmt.Sprintf("Host %s started", target.Name), Level: "info",
	})

	if err := e.Store.Validate(target); err != nil {
		result.Status = HostStatusFailed
		result.Err = err
	} else {
		e.runLocked(ctx, x, schedule, result)
	}

	result.Tasks = x.results
	result.Duration = time.Since(result.StartedAt)
	if result.Status == HostStatusPending {
		result.Status = HostStatusSucceeded
	}
	end(result.Err)
	e.metrics.RecordHostRun(target.Name, string(result.Status), result.Duration)

	switch result.Status {
	case HostStatusSucceeded:
		log.Info().Str("host", target.Name).Dur("duration", result.Duration).Msg("host completed")
		e.publish(ctx, &Event{
			Type: EventTypeHostCompleted, RunID: runID, Host: target.Name,
			Message: fmt.Sprintf("Host %s completed", target.Name), Level: "info",
		})
	default:
		log.Error().Err(result.Err).Str("host", target.Name).Str("task", result.FailedTask).
			Str("status", string(result.Status)).Msg("host failed")
		e.publish(ctx, &Event{
			Type: EventTypeHostFailed, RunID: runID, Host: target.Name, Task: result.FailedTask,
			Message: fmt.Sprintf("Host %s %s: %v", target.Name, result.Status, result.Err), Level: "error",
		})
	}
	return result
}

func (e *Engine) runLocked(ctx context.Context, x *execution, schedule []*Task, result *HostResult) {
	if e.locker != nil && !x.opts.DryRun {
		if err := e.locker.Acquire(x.scope(ctx)); err != nil {
			if IsConflict(err) {
				e.metrics.RecordLockContention(x.target.Name)
			}
			result.Status = HostStatusFailed
			result.Err = err
			return
		}
		e.publish(ctx, &Event{
			Type: EventTypeLockAcquired, RunID: x.runID, Host: x.target.Name,
			Message: fmt.Sprintf("Lock acquired on %s", x.target.Name), Level: "info",
		})

		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseTimeout)
			defer cancel()
			if err := e.locker.Release(x.scope(releaseCtx)); err != nil {
				log.Error().Err(err).Str("host", x.target.Name).Msg("failed to release lock")
				if result.Err == nil {
					result.Status = HostStatusFailed
					result.Err = fmt.Errorf("failed to release lock: %w", err)
				}
				return
			}
			e.publish(releaseCtx, &Event{
				Type: EventTypeLockReleased, RunID: x.runID, Host: x.target.Name,
				Message: fmt.Sprintf("Lock released on %s", x.target.Name), Level: "info",
			})
		}()
	}

	for _, task := range schedule {
		if err := ctx.Err(); err != nil {
			result.Status = HostStatusCancelled
			result.Err = err
			return
		}
		if err := x.runTask(ctx, task); err != nil {
			result.FailedTask = task.Name
			result.Err = err
			result.Status = HostStatusFailed
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				result.Status = HostStatusCancelled
			}
			return
		}
	}
}

// runHosts processes every host, sequentially or in parallel.
func (e *Engine) runHosts(ctx context.Context, runID string, hosts []*Host, schedule []*Task, opts RunOptions) []*HostResult {
	results := make([]*HostResult, len(hosts))

	finished := func(r *HostResult) {
		if e.recorder == nil {
			return
		}
		if err := e.recorder.HostFinished(context.WithoutCancel(ctx), runID, r); err != nil {
			log.Warn().Err(err).Str("host", r.Host).Msg("failed to record host result")
		}
	}

	if !opts.Parallel || len(hosts) < 2 {
		stop := false
		for i, h := range hosts {
			if stop || ctx.Err() != nil {
				results[i] = e.skipHost(ctx, runID, h)
				finished(results[i])
				continue
			}
			results[i] = e.runHost(ctx, runID, h, schedule, opts)
			finished(results[i])
			if opts.StopOnHostFailure && results[i].Status != HostStatusSucceeded {
				stop = true
			}
		}
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	limit := opts.MaxParallel
	if limit <= 0 || limit > len(hosts) {
		limit = len(hosts)
	}
	g.SetLimit(limit)

	for i, h := range hosts {
		g.Go(func() error {
			if gctx.Err() != nil {
				results[i] = e.skipHost(gctx, runID, h)
				finished(results[i])
				return nil
			}
			results[i] = e.runHost(gctx, runID, h, schedule, opts)
			finished(results[i])
			if opts.StopOnHostFailure && results[i].Status != HostStatusSucceeded {
				return fmt.Errorf("host %s failed", h.Name)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Engine) skipHost(ctx context.Context, runID string, h *Host) *HostResult {
	log.Warn().Str("host", h.Name).Msg("host skipped")
	e.publish(ctx, &Event{
		Type: EventTypeHostSkipped, RunID: runID, Host: h.Name,
		Message: fmt.Sprintf("Host %s skipped", h.Name), Level: "warning",
	})
	return &HostResult{Host: h.Name, Status: HostStatusSkipped, Tasks: make([]*TaskResult, 0), StartedAt: time.Now()}
}
