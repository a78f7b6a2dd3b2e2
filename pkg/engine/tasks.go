package engine

import (
	"fmt"
	"sort"
	"sync"
)

// BodyKind identifies a task body variant.
type BodyKind string

const (
	// BodyKindCommand is a shell command template.
	BodyKindCommand BodyKind = "command"

	// BodyKindGroup is an ordered list of task names.
	BodyKindGroup BodyKind = "group"

	// BodyKindFunc is a native step.
	BodyKindFunc BodyKind = "func"
)

// Body is the unit of work of a task. It is one of Command, Group or Func.
type Body interface {
	Kind() BodyKind
}

// Command is a shell command template run on the task's host.
type Command string

// Kind implements Body.
func (Command) Kind() BodyKind { return BodyKindCommand }

// Group is a composite task. Running it runs each member in order.
type Group []string

// Kind implements Body.
func (Group) Kind() BodyKind { return BodyKindGroup }

// Func is a native step with full access to the scope API.
type Func func(s *Scope) error

// Kind implements Body.
func (Func) Kind() BodyKind { return BodyKindFunc }

// Task is a named unit of work.
type Task struct {
	// Name is unique within a registry.
	Name string `json:"name"`

	// Body is what the task does.
	Body Body `json:"-"`

	// LocalOnly tasks run on the control machine regardless of the deployed host.
	LocalOnly bool `json:"local_only,omitempty"`

	// Description is shown by tooling only.
	Description string `json:"description,omitempty"`
}

// IsGroup returns true for composite tasks.
func (t *Task) IsGroup() bool {
	_, ok := t.Body.(Group)
	return ok
}

// TaskOption configures a task at registration.
type TaskOption func(*Task)

// LocalOnly restricts a task to the control machine.
func LocalOnly() TaskOption {
	return func(t *Task) { t.LocalOnly = true }
}

// WithDescription sets the task description.
func WithDescription(text string) TaskOption {
	return func(t *Task) { t.Description = text }
}

// Registry holds task definitions and their before/after hooks.
// Hooks may be registered before the target task is defined.
type Registry struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	order  []string
	before map[string][]string
	after  map[string][]string
	descs  map[string]string
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks:  make(map[string]*Task),
		before: make(map[string][]string),
		after:  make(map[string][]string),
		descs:  make(map[string]string),
	}
}

// Task registers a task. Registering a name twice fails with a DuplicateTaskError.
func (r *Registry) Task(name string, body Body, opts ...TaskOption) (*Task, error) {
	if name == "" {
		return nil, NewPermanentError("task has empty name", nil).WithCode(ErrCodeValidation)
	}
	if body == nil {
		return nil, NewPermanentError("task has no body", nil).
			WithCode(ErrCodeValidation).WithResource(name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[name]; exists {
		return nil, NewPermanentError(fmt.Sprintf("task %q is already defined", name), nil).
			WithCode(ErrCodeDuplicateTask).WithResource(name)
	}

	t := &Task{Name: name, Body: body, Description: r.descs[name]}
	for _, opt := range opts {
		opt(t)
	}
	r.tasks[name] = t
	r.order = append(r.order, name)
	return t, nil
}

// Get returns the task registered under name.
func (r *Registry) Get(name string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	return t, ok
}

// Tasks returns every task in registration order.
func (r *Registry) Tasks() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tasks := make([]*Task, 0, len(r.order))
	for _, name := range r.order {
		tasks = append(tasks, r.tasks[name])
	}
	return tasks
}

// Names returns the task names sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// Before runs hook immediately before target. Hooks accumulate in registration order
// and are never deduplicated.
func (r *Registry) Before(target, hook string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.before[target] = append(r.before[target], hook)
}

// After runs hook immediately after target.
func (r *Registry) After(target, hook string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.after[target] = append(r.after[target], hook)
}

// BeforeHooks returns the hooks registered before target.
func (r *Registry) BeforeHooks(target string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.before[target]...)
}

// AfterHooks returns the hooks registered after target.
func (r *Registry) AfterHooks(target string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.after[target]...)
}

// Desc attaches a description to a task, defined now or later.
func (r *Registry) Desc(name, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descs[name] = text
	if t, ok := r.tasks[name]; ok {
		t.Description = text
	}
}
