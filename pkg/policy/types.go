package policy

import (
	"fmt"
	"strings"
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies the run.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
//
// A policy module defines a "deny" set and optionally a "warn" set. Entries are
// strings or objects with "message", "severity", "task" and "host" fields.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity of "deny" entries.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Task is the scheduled task the violation is about, if any.
	Task string `json:"task,omitempty"`

	// Host is the host the violation is about, if any.
	Host string `json:"host,omitempty"`
}

func (v PolicyViolation) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", v.Policy, v.Message)
	if v.Host != "" {
		fmt.Fprintf(&sb, " (host %s)", v.Host)
	}
	if v.Task != "" {
		fmt.Fprintf(&sb, " (task %s)", v.Task)
	}
	return sb.String()
}

// PolicyResult represents the result of policy evaluation.
type PolicyResult struct {
	// Allowed indicates if the run may start.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists the non-blocking ones.
	Warnings []PolicyViolation `json:"warnings,omitempty"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// DeniedError is returned by Engine.Evaluate when a run violates a policy.
type DeniedError struct {
	Violations []PolicyViolation
}

func (e *DeniedError) Error() string {
	if len(e.Violations) == 1 {
		return "policy violation: " + e.Violations[0].String()
	}
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.String()
	}
	return fmt.Sprintf("%d policy violations: %s", len(e.Violations), strings.Join(msgs, "; "))
}
