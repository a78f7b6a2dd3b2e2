package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		nonEmptySchedulePolicy(),
		unlockAfterLockPolicy(),
		productionSerialPolicy(),
		localOnlyHostsPolicy(),
	}
}

// nonEmptySchedulePolicy rejects runs whose entry expands to nothing.
func nonEmptySchedulePolicy() Policy {
	return Policy{
		Name:        "non-empty-schedule",
		Description: "Denies runs whose entry task expands to an empty schedule",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"schedule"},
		Rego: `package shipyard.policies.schedule

import rego.v1

has_steps if count(input.schedule) > 0

deny contains violation if {
	not has_steps
	violation := {
		"message": sprintf("task %s expands to an empty schedule", [input.entry]),
		"task": input.entry,
	}
}
`,
	}
}

// unlockAfterLockPolicy checks the order of explicit lock tasks in a schedule.
func unlockAfterLockPolicy() Policy {
	return Policy{
		Name:        "unlock-after-lock",
		Description: "Denies schedules that run deploy:unlock before deploy:lock",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"schedule", "lock"},
		Rego: `package shipyard.policies.lock

import rego.v1

lock_indices contains i if {
	some i, step in input.schedule
	step.task == "deploy:lock"
}

unlock_indices contains i if {
	some i, step in input.schedule
	step.task == "deploy:unlock"
}

deny contains violation if {
	some u in unlock_indices
	some l in lock_indices
	u < l
	violation := {
		"message": "deploy:unlock is scheduled before deploy:lock",
		"task": "deploy:unlock",
	}
}

deny contains violation if {
	count(unlock_indices) > 0
	count(lock_indices) == 0
	violation := {
		"message": "deploy:unlock is scheduled without deploy:lock",
		"severity": "warning",
		"task": "deploy:unlock",
	}
}
`,
	}
}

// productionSerialPolicy warns about parallel runs across production hosts.
func productionSerialPolicy() Policy {
	return Policy{
		Name:        "production-serial",
		Description: "Warns when several production hosts are deployed in parallel",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"hosts", "production"},
		Rego: `package shipyard.policies.production

import rego.v1

production_envs := {"production", "prod"}

production_hosts contains host.name if {
	some host in input.hosts
	host.labels.env in production_envs
}

warn contains violation if {
	input.options.parallel
	count(production_hosts) > 1
	not input.options.dry_run
	violation := {
		"message": sprintf("%d production hosts are deployed in parallel: %s", [count(production_hosts), concat(", ", sort(production_hosts))]),
	}
}
`,
	}
}

// localOnlyHostsPolicy flags runs where every step is local but remote hosts
// are selected.
func localOnlyHostsPolicy() Policy {
	return Policy{
		Name:        "local-only-schedule",
		Description: "Warns when a schedule of local-only tasks is run against remote hosts",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"schedule", "hosts"},
		Rego: `package shipyard.policies.local

import rego.v1

remote_hosts contains host.name if {
	some host in input.hosts
	host.kind == "remote"
}

warn contains violation if {
	count(input.schedule) > 0
	every step in input.schedule {
		step.local
	}
	count(remote_hosts) > 0
	violation := {
		"message": sprintf("every task of %s runs locally; %d remote hosts are selected", [input.entry, count(remote_hosts)]),
		"task": input.entry,
	}
}
`,
	}
}
