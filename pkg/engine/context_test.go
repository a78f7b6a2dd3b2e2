package engine

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func TestStack_PushPop(t *testing.T) {
	stack := NewStack()
	host := NewHost("web1")
	deploy := &Task{Name: "deploy", Body: Command("true")}
	migrate := &Task{Name: "database:migrate", Body: Command("true")}

	if _, err := stack.Current(); !errors.Is(err, ErrNoActiveContext) {
		t.Fatalf("expected ErrNoActiveContext on empty stack, got %v", err)
	}

	outer, popOuter := stack.Push(deploy, host)
	inner, popInner := stack.Push(migrate, host)

	if inner.Depth != 2 || outer.Depth != 1 {
		t.Errorf("expected depths 1 and 2, got %d and %d", outer.Depth, inner.Depth)
	}

	current, err := stack.Current()
	if err != nil {
		t.Fatalf("failed to get current frame: %v", err)
	}
	if current != inner {
		t.Errorf("expected inner frame on top, got %s", current.Task.Name)
	}

	if got := stack.Tasks(); !reflect.DeepEqual(got, []string{"deploy", "database:migrate"}) {
		t.Errorf("unexpected stack: %v", got)
	}

	popInner()
	popInner()
	if stack.Depth() != 1 {
		t.Errorf("expected pop to be idempotent, depth %d", stack.Depth())
	}

	popOuter()
	if stack.Depth() != 0 {
		t.Errorf("expected empty stack, depth %d", stack.Depth())
	}
}

func TestStack_PopOnFailure(t *testing.T) {
	stack := NewStack()
	host := NewHost("web1")

	run := func(name string, fail bool) (err error) {
		_, pop := stack.Push(&Task{Name: name, Body: Command("true")}, host)
		defer pop()
		if fail {
			return fmt.Errorf("%s failed", name)
		}
		return nil
	}

	if err := run("deploy:docker:setup", true); err == nil {
		t.Fatal("expected failure")
	}
	if stack.Depth() != 0 {
		t.Errorf("expected failed body to leave no frame, depth %d", stack.Depth())
	}

	func() {
		defer func() { _ = recover() }()
		_, pop := stack.Push(&Task{Name: "panics", Body: Command("true")}, host)
		defer pop()
		panic("boom")
	}()
	if stack.Depth() != 0 {
		t.Errorf("expected panicking body to leave no frame, depth %d", stack.Depth())
	}
}

func TestStack_PopOuterRemovesInner(t *testing.T) {
	stack := NewStack()
	host := NewHost("web1")

	_, popOuter := stack.Push(&Task{Name: "outer", Body: Command("true")}, host)
	stack.Push(&Task{Name: "inner", Body: Command("true")}, host)

	popOuter()
	if stack.Depth() != 0 {
		t.Errorf("expected frames above the popped frame to be removed, depth %d", stack.Depth())
	}
}
