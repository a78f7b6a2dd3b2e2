package engine

import (
	"sync"
	"time"
)

// Frame is one (task, host) pair on an execution stack.
type Frame struct {
	// Task is the task whose body is running.
	Task *Task

	// Host is the host commands of this frame run on. For local-only tasks this is
	// the local pseudo-host, not the host being deployed.
	Host *Host

	// StartedAt is when the frame was pushed.
	StartedAt time.Time

	// Depth is the stack depth of the frame, starting at 1.
	Depth int
}

// Stack is the execution context stack of one deployed host.
// Stacks are never shared between hosts.
type Stack struct {
	mu     sync.Mutex
	frames []*Frame
}

// NewStack creates an empty stack.
func NewStack() *Stack {
	return &Stack{}
}

// Push pushes a frame and returns it together with the function that pops it.
// Callers defer the pop function so the frame is removed even when the body fails.
func (s *Stack) Push(task *Task, host *Host) (*Frame, func()) {
	s.mu.Lock()
	frame := &Frame{
		Task:      task,
		Host:      host,
		StartedAt: time.Now(),
		Depth:     len(s.frames) + 1,
	}
	s.frames = append(s.frames, frame)
	s.mu.Unlock()

	var once sync.Once
	return frame, func() {
		once.Do(func() { s.pop(frame) })
	}
}

// pop removes frame and anything pushed above it.
func (s *Stack) pop(frame *Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i] == frame {
			s.frames = s.frames[:i]
			return
		}
	}
}

// Current returns the top frame.
func (s *Stack) Current() (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil, NewPermanentError("no task is running", nil).WithCode(ErrCodeNoActiveContext)
	}
	return s.frames[len(s.frames)-1], nil
}

// Depth returns the number of frames on the stack.
func (s *Stack) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Tasks returns the names of the tasks on the stack, bottom first.
func (s *Stack) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.frames))
	for i, f := range s.frames {
		names[i] = f.Task.Name
	}
	return names
}

// indexOf returns the position of the first frame running task, or -1.
func (s *Stack) indexOf(task string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.frames {
		if f.Task.Name == task {
			return i
		}
	}
	return -1
}
