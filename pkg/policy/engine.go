package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/shipyard/pkg/engine"
)

// Engine evaluates Rego policies against a run before any host is touched.
// It implements engine.PolicyGate.
type Engine struct {
	mu              sync.RWMutex
	policies        map[string]*compiledPolicy
	store           storage.Store
	logger          zerolog.Logger
	builtinPolicies []Policy
}

var _ engine.PolicyGate = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies:        make(map[string]*compiledPolicy),
		store:           inmem.New(),
		logger:          logger.With().Str("component", "policy-engine").Logger(),
		builtinPolicies: GetBuiltinPolicies(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Evaluate implements engine.PolicyGate. Blocking violations are returned as a
// DeniedError; warnings are logged.
func (e *Engine) Evaluate(ctx context.Context, input *engine.RunInput) error {
	result, err := e.Check(ctx, input)
	if err != nil {
		return err
	}

	for _, w := range result.Warnings {
		e.logger.Warn().Str("policy", w.Policy).Str("entry", input.Entry).Msg(w.Message)
	}
	if !result.Allowed {
		return &DeniedError{Violations: result.Violations}
	}
	return nil
}

// Check evaluates every enabled policy against input. A policy that fails to
// evaluate denies the run.
func (e *Engine) Check(ctx context.Context, input *engine.RunInput) (*PolicyResult, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &PolicyResult{Allowed: true}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		deny, warn, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", name).Msg("Policy evaluation failed")
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}

		for _, v := range deny {
			if v.Severity.Blocks() {
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
		result.Warnings = append(result.Warnings, warn...)
	}

	result.Allowed = len(result.Violations) == 0
	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(startTime)

	e.logger.Debug().
		Str("entry", input.Entry).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Run policy evaluation completed")

	return result, nil
}

// LoadPolicies loads .rego and .json policy files.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.Apply(ctx, policies)
}

// Apply compiles policies and adds them, replacing policies of the same name.
func (e *Engine) Apply(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *engine.RunInput) ([]PolicyViolation, []PolicyViolation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, nil, fmt.Errorf("policy evaluation error: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil, nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return nil, nil, nil
	}

	var deny, warn []PolicyViolation
	if set, ok := doc["deny"].([]interface{}); ok {
		for _, d := range set {
			deny = append(deny, e.createViolation(cp.policy, d, cp.policy.Severity))
		}
	}
	if set, ok := doc["warn"].([]interface{}); ok {
		for _, w := range set {
			warn = append(warn, e.createViolation(cp.policy, w, SeverityWarning))
		}
	}
	sortViolations(deny)
	sortViolations(warn)
	return deny, warn, nil
}

// createViolation creates a PolicyViolation from a deny or warn entry.
func (e *Engine) createViolation(policy *Policy, result interface{}, severity Severity) PolicyViolation {
	violation := PolicyViolation{
		Policy:   policy.Name,
		Severity: severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		} else if msg, ok := v["msg"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if task, ok := v["task"].(string); ok {
			violation.Task = task
		}
		if host, ok := v["host"].(string); ok {
			violation.Host = host
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

func sortViolations(vs []PolicyViolation) {
	sort.SliceStable(vs, func(i, j int) bool { return vs[i].Message < vs[j].Message })
}

// compileAndStorePolicy compiles a policy and stores it. The prepared query
// returns the whole package document, so deny and warn come back in one
// evaluation.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return fmt.Errorf("failed to parse policy: empty module")
	}

	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", strings.TrimPrefix(module.Package.Path.String(), "data.")).
		Msg("Policy compiled successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	for i := range e.builtinPolicies {
		if err := e.compileAndStorePolicy(ctx, &e.builtinPolicies[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", e.builtinPolicies[i].Name, err)
		}
	}

	e.logger.Debug().
		Int("count", len(e.builtinPolicies)).
		Msg("Built-in policies loaded")

	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// ReloadPolicies drops every loaded policy, restores the built-ins and loads
// paths again.
func (e *Engine) ReloadPolicies(ctx context.Context, paths []string) error {
	var policies []Policy
	if len(paths) > 0 {
		var err error
		policies, err = NewLoader(e.logger).LoadFromPaths(ctx, paths)
		if err != nil {
			return fmt.Errorf("failed to load policies: %w", err)
		}
	}
	return e.Replace(ctx, policies)
}

// Replace swaps every non built-in policy for policies. On a compile error the
// previous set stays in place.
func (e *Engine) Replace(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.policies
	e.policies = make(map[string]*compiledPolicy)
	e.builtinPolicies = GetBuiltinPolicies()
	if err := e.loadBuiltinPolicies(ctx); err != nil {
		e.policies = previous
		return err
	}
	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			e.policies = previous
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().Int("count", len(e.policies)).Msg("Policies replaced")
	return nil
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	e.logger.Info().Str("policy", name).Msgf("Policy %s", state)

	return nil
}
