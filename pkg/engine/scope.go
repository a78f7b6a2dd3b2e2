package engine

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Scope is the handle a task body uses to reach the engine. It carries the active
// frame, so config resolution and command execution always target the frame's host.
// A Scope is only valid for the duration of the body it was handed to.
type Scope struct {
	ctx   context.Context
	store *Store
	host  *Host
	exec  *execution
	frame *Frame
	chain []string
}

// Context returns the run context. It is cancelled when the run is cancelled.
func (s *Scope) Context() context.Context {
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// Host returns the host commands run on: the frame's host when a task is running.
func (s *Scope) Host() *Host {
	if s.frame != nil {
		return s.frame.Host
	}
	return s.host
}

// Target returns the host being deployed. It differs from Host inside local-only tasks.
func (s *Scope) Target() *Host {
	if s.exec != nil {
		return s.exec.target
	}
	return s.Host()
}

// Current returns the active frame.
func (s *Scope) Current() (*Frame, error) {
	if s.frame == nil {
		return nil, NewPermanentError("no task is running", nil).WithCode(ErrCodeNoActiveContext)
	}
	return s.frame, nil
}

// RunID returns the ID of the current run, or an empty string outside a run.
func (s *Scope) RunID() string {
	if s.exec == nil {
		return ""
	}
	return s.exec.runID
}

// Get returns the resolved value of key.
func (s *Scope) Get(key string) (interface{}, error) {
	return s.store.Get(s, key)
}

// GetString returns the resolved value of key rendered as a string.
func (s *Scope) GetString(key string) (string, error) {
	return s.store.GetString(s, key)
}

// Has reports whether key is defined for the current host.
func (s *Scope) Has(key string) bool {
	return s.store.Has(s, key)
}

// Parse substitutes every {{key}} placeholder in template.
func (s *Scope) Parse(template string) (string, error) {
	return s.store.Parse(s, template)
}

// Logger returns a logger tagged with the current host and task.
func (s *Scope) Logger() zerolog.Logger {
	ctx := log.With()
	if h := s.Host(); h != nil {
		ctx = ctx.Str("host", h.Name)
	}
	if s.frame != nil {
		ctx = ctx.Str("task", s.frame.Task.Name)
	}
	return ctx.Logger()
}

// withChain returns a copy of the scope carrying a config resolution chain.
func (s *Scope) withChain(chain []string) *Scope {
	c := *s
	c.chain = chain
	return &c
}

// withFrame returns a copy of the scope bound to frame.
func (s *Scope) withFrame(frame *Frame) *Scope {
	c := *s
	c.frame = frame
	c.chain = nil
	return &c
}
