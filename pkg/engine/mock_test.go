package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/openfroyo/shipyard/pkg/transports"
)

// execHandler decides the outcome of a command on a host.
type execHandler func(host, cmd string) (*transports.ExecResult, error)

// mockDialer hands out one mockTransport per host and records every command.
type mockDialer struct {
	mu       sync.Mutex
	handler  execHandler
	commands map[string][]string
	uploads  map[string][]string
	dials    []string
	closed   map[string]int

	uploadErr error
	dialErr   error
}

func newMockDialer(handler execHandler) *mockDialer {
	return &mockDialer{
		handler:  handler,
		commands: make(map[string][]string),
		uploads:  make(map[string][]string),
		closed:   make(map[string]int),
	}
}

func (d *mockDialer) Dial(ctx context.Context, host *Host) (transports.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	d.dials = append(d.dials, host.Name)
	return &mockTransport{dialer: d, host: host.Name}, nil
}

func (d *mockDialer) commandsFor(host string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands[host]...)
}

func (d *mockDialer) uploadsFor(host string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.uploads[host]...)
}

// ran reports whether any command on host contains fragment.
func (d *mockDialer) ran(host, fragment string) bool {
	for _, cmd := range d.commandsFor(host) {
		if strings.Contains(cmd, fragment) {
			return true
		}
	}
	return false
}

type mockTransport struct {
	dialer *mockDialer
	host   string
}

func (t *mockTransport) Exec(ctx context.Context, cmd string, opts transports.ExecOptions) (*transports.ExecResult, error) {
	t.dialer.mu.Lock()
	t.dialer.commands[t.host] = append(t.dialer.commands[t.host], cmd)
	handler := t.dialer.handler
	t.dialer.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, transports.NewTransportError("exec", err)
	}
	if cmd == "echo $HOME" {
		return &transports.ExecResult{Stdout: "/home/deploy\n"}, nil
	}
	if handler != nil {
		return handler(t.host, cmd)
	}
	return &transports.ExecResult{}, nil
}

func (t *mockTransport) Upload(ctx context.Context, src, dst string, opts transports.TransferOptions) (*transports.TransferResult, error) {
	t.dialer.mu.Lock()
	defer t.dialer.mu.Unlock()
	t.dialer.uploads[t.host] = append(t.dialer.uploads[t.host], fmt.Sprintf("%s -> %s", src, dst))
	if t.dialer.uploadErr != nil {
		return nil, t.dialer.uploadErr
	}
	return &transports.TransferResult{}, nil
}

func (t *mockTransport) Download(ctx context.Context, src, dst string, opts transports.TransferOptions) (*transports.TransferResult, error) {
	return t.Upload(ctx, src, dst, opts)
}

func (t *mockTransport) Close() error {
	t.dialer.mu.Lock()
	defer t.dialer.mu.Unlock()
	t.dialer.closed[t.host]++
	return nil
}

// failOn returns a handler failing every command containing fragment.
func failOn(fragment string, exitCode int) execHandler {
	return func(host, cmd string) (*transports.ExecResult, error) {
		if strings.Contains(cmd, fragment) {
			return &transports.ExecResult{ExitCode: exitCode, Stderr: fragment + ": failed\n"}, nil
		}
		return &transports.ExecResult{Stdout: "ok\n"}, nil
	}
}

type mockEventPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (m *mockEventPublisher) Publish(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

func (m *mockEventPublisher) count(eventType EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type mockRecorder struct {
	mu       sync.Mutex
	started  []string
	hosts    map[string]HostStatus
	finished []RunStatus
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{hosts: make(map[string]HostStatus)}
}

func (m *mockRecorder) RunStarted(ctx context.Context, report *Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, report.RunID)
	return nil
}

func (m *mockRecorder) HostFinished(ctx context.Context, runID string, result *HostResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hosts[result.Host] = result.Status
	return nil
}

func (m *mockRecorder) RunFinished(ctx context.Context, report *Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, report.Status)
	return nil
}

type denyAllPolicy struct{}

func (denyAllPolicy) Evaluate(ctx context.Context, input *RunInput) error {
	return fmt.Errorf("deploys are frozen")
}

func mustTask(t testing.TB, e *Engine, name string, body Body, opts ...TaskOption) {
	t.Helper()
	if _, err := e.Task(name, body, opts...); err != nil {
		t.Fatalf("failed to register task %s: %v", name, err)
	}
}
