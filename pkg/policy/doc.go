// Package policy provides Open Policy Agent (OPA) integration for shipyard.
//
// Engine implements engine.PolicyGate: before a run touches any host, the
// engine hands it an engine.RunInput (entry task, expanded schedule, selected
// hosts and run options) and every enabled Rego policy is evaluated against it.
//
// # Writing policies
//
// A policy is a Rego module that defines a "deny" set and optionally a "warn"
// set. Entries are plain strings or objects:
//
//	package shipyard.policies.freeze
//
//	import rego.v1
//
//	deny contains violation if {
//	    some host in input.hosts
//	    host.labels.env == "production"
//	    not input.options.dry_run
//	    violation := {
//	        "message": "production is frozen",
//	        "host": host.name,
//	    }
//	}
//
// A "deny" entry takes the policy's severity unless it carries its own.
// Entries with severity error or critical deny the run and are returned as a
// DeniedError; everything else, including every "warn" entry, is logged.
//
// # Loading
//
// Loader reads .rego files and .json policy definitions from files or
// directories. A .rego policy is named after its file; its leading comment is
// the description and may carry directives:
//
//	# Warn about deploys on Fridays.
//	# severity: warning
//	# tags: calendar
//	# enabled: true
//
// Without a severity directive a .rego policy has severity error.
// Loader.Watch reloads policies through fsnotify when they change:
//
//	loader := policy.NewLoader(logger)
//	err := loader.Watch(ctx, paths, func(p []policy.Policy) error {
//	    return eng.Replace(ctx, p)
//	})
//
// # Built-in Policies
//
//   - non-empty-schedule: denies entries that expand to no task
//   - unlock-after-lock: denies deploy:unlock scheduled before deploy:lock
//   - production-serial: warns when several production hosts run in parallel
//   - local-only-schedule: warns when only local tasks run against remote hosts
package policy
