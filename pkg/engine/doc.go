// Package engine provides the orchestration core of shipyard.
//
// # Overview
//
// A deployment is a named entry task run against an explicit list of hosts. The
// engine does not know what tasks do; it knows how to template, schedule and run
// them. A run goes through these steps:
//
//  1. Expand - Flatten the entry task, its hooks and group members into a schedule (Registry.Expand)
//  2. Gate - Evaluate the optional policy gate against the schedule (PolicyGate)
//  3. Validate - Check each host's effective config for reference cycles (Store.Validate)
//  4. Lock - Take the host's deployment lock (Locker)
//  5. Execute - Run the schedule task by task, failing fast (Scope)
//  6. Report - Record per-host and per-task outcomes (Report, Recorder)
//
// # Core Domain Types
//
//   - Store: Global config entries, literal or lazily produced, with {{key}} templates
//   - Host: A deployment target with its own config overlay
//   - Task: A named unit of work whose Body is a Command, a Group or a Func
//   - Registry: Task definitions plus accumulated before/after hooks
//   - Stack, Frame: The per-host execution context
//   - Scope: The handle a task body uses to resolve config, run commands and move files
//   - Report: The outcome of a run
//
// # Config Resolution
//
// Values are resolved against the host of the active frame: the host overlay first,
// then the global entry. Producers run at most once per (key, host) per run. A key
// that reaches itself through templates or producers fails with a
// CyclicReferenceError instead of recursing.
//
//	e := engine.New(engine.WithDialer(dialer))
//	e.Set("deploy_path", "~/apps/shop")
//	e.Set("release_path", "{{deploy_path}}/current")
//	e.Set("bin/php", engine.Producer(func(s *engine.Scope) (interface{}, error) {
//	    return s.LocateBinaryPath("php")
//	}))
//
// # Hooks
//
// Hooks are registered independently of the task they attach to and may be
// registered first:
//
//	e.Before("deploy", "deploy:lock")
//	e.After("deploy", "deploy:unlock")
//
// The schedule of a task is its before-hooks, the task itself (or each group member),
// then its after-hooks, applied recursively.
//
// # Error Handling
//
// Errors are classified into three categories:
//
//   - Transient: Temporary failures such as a dropped connection
//   - Conflict: A host locked by another deployment
//   - Permanent: Everything else, including non-zero command exits
//
// Use errors.Is with the sentinels (ErrMissingKey, ErrCyclicPipeline, ...) to test
// for a specific failure.
//
// # No Rollback
//
// The executor only sequences and stops. When a task fails, the commands that ran
// before it stay applied and the host may be left partially deployed.
package engine
