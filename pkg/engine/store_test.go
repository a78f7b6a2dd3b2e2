package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestStore_ParseNestedTemplates(t *testing.T) {
	store := NewStore()
	store.Set("deploy_path", "/srv/shop")
	store.Set("release_path", "{{deploy_path}}/current")
	store.Set("docker-compose.yml", "{{release_path}}/docker-compose.yml")

	s := store.ScopeFor(context.Background(), NewHost("web1"))
	got, err := s.Parse("cp {{ docker-compose.yml }} {{release_path}}/backup")
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}

	expected := "cp /srv/shop/current/docker-compose.yml /srv/shop/current/backup"
	if got != expected {
		t.Errorf("expected %q, got %q", expected, got)
	}
}

func TestStore_ParseWithoutPlaceholders(t *testing.T) {
	store := NewStore()
	s := store.ScopeFor(context.Background(), nil)

	got, err := s.Parse("echo {not a placeholder}")
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if got != "echo {not a placeholder}" {
		t.Errorf("expected template unchanged, got %q", got)
	}
}

func TestStore_MissingKey(t *testing.T) {
	store := NewStore()
	store.Set("release_path", "{{deploy_path}}/current")
	s := store.ScopeFor(context.Background(), NewHost("web1"))

	_, err := s.Parse("cd {{release_path}}")
	if !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}

	var engineErr *EngineError
	if !errors.As(err, &engineErr) {
		t.Fatalf("expected EngineError, got %T", err)
	}
	if engineErr.Resource != "deploy_path" {
		t.Errorf("expected resource deploy_path, got %s", engineErr.Resource)
	}
}

func TestStore_CyclicReference(t *testing.T) {
	tests := []struct {
		name    string
		entries map[string]string
		parse   string
	}{
		{
			name:    "self reference",
			entries: map[string]string{"a": "{{a}}"},
			parse:   "{{a}}",
		},
		{
			name:    "mutual reference",
			entries: map[string]string{"a": "x{{b}}", "b": "y{{a}}"},
			parse:   "{{a}}",
		},
		{
			name:    "transitive reference",
			entries: map[string]string{"a": "{{b}}", "b": "{{c}}", "c": "{{a}}"},
			parse:   "prefix {{b}}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewStore()
			for k, v := range tt.entries {
				store.Set(k, v)
			}
			s := store.ScopeFor(context.Background(), NewHost("web1"))

			if _, err := s.Parse(tt.parse); !errors.Is(err, ErrCyclicReference) {
				t.Errorf("expected ErrCyclicReference from Parse, got %v", err)
			}
			if err := store.Validate(NewHost("web1")); !errors.Is(err, ErrCyclicReference) {
				t.Errorf("expected ErrCyclicReference from Validate, got %v", err)
			}
		})
	}
}

func TestStore_ProducerMemoizedPerHost(t *testing.T) {
	store := NewStore()
	calls := make(map[string]int)
	store.Set("release_name", Producer(func(s *Scope) (interface{}, error) {
		calls[s.Host().Name]++
		return "release-" + s.Host().Name, nil
	}))
	store.Set("release_path", "/srv/{{release_name}}")

	web1 := NewHost("web1")
	web2 := NewHost("web2")

	for i := 0; i < 3; i++ {
		for _, h := range []*Host{web1, web2} {
			s := store.ScopeFor(context.Background(), h)
			if _, err := s.Get("release_name"); err != nil {
				t.Fatalf("failed to get: %v", err)
			}
			got, err := s.Parse("{{release_path}}")
			if err != nil {
				t.Fatalf("failed to parse: %v", err)
			}
			if got != "/srv/release-"+h.Name {
				t.Errorf("expected per-host value, got %q", got)
			}
		}
	}

	if calls["web1"] != 1 || calls["web2"] != 1 {
		t.Errorf("expected one evaluation per host, got %v", calls)
	}
}

func TestStore_FailedProducerNotCached(t *testing.T) {
	store := NewStore()
	calls := 0
	store.Set("flaky", Producer(func(s *Scope) (interface{}, error) {
		calls++
		if calls == 1 {
			return nil, fmt.Errorf("not yet")
		}
		return "ready", nil
	}))

	s := store.ScopeFor(context.Background(), NewHost("web1"))
	if _, err := s.Get("flaky"); err == nil {
		t.Fatal("expected first evaluation to fail")
	}
	got, err := s.GetString("flaky")
	if err != nil {
		t.Fatalf("expected second evaluation to succeed, got %v", err)
	}
	if got != "ready" || calls != 2 {
		t.Errorf("expected ready after 2 calls, got %q after %d", got, calls)
	}
}

func TestStore_ReentrantProducerFails(t *testing.T) {
	store := NewStore()
	store.Set("a", Producer(func(s *Scope) (interface{}, error) {
		return s.Parse("{{b}}")
	}))
	store.Set("b", "{{a}}")

	s := store.ScopeFor(context.Background(), NewHost("web1"))
	if _, err := s.Get("a"); !errors.Is(err, ErrCyclicReference) {
		t.Errorf("expected ErrCyclicReference, got %v", err)
	}
}

func TestStore_HostOverlayPrecedence(t *testing.T) {
	store := NewStore()
	store.Set("x", "G")

	h := NewHost("h").Set("x", "H")
	other := NewHost("other")

	got, err := store.ScopeFor(context.Background(), h).GetString("x")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if got != "H" {
		t.Errorf("expected H for overlay host, got %q", got)
	}

	got, err = store.ScopeFor(context.Background(), other).GetString("x")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if got != "G" {
		t.Errorf("expected G for other host, got %q", got)
	}

	// The overlay masks, it never mutates the global entry.
	got, err = store.ScopeFor(context.Background(), nil).GetString("x")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if got != "G" {
		t.Errorf("expected global entry untouched, got %q", got)
	}
}

func TestStore_OverlayReferencesGlobal(t *testing.T) {
	store := NewStore()
	store.Set("deploy_path", "/srv/app")
	store.Set("release_path", "{{deploy_path}}/current")

	h := NewHost("staging").Set("deploy_path", "/srv/staging")

	got, err := store.ScopeFor(context.Background(), h).GetString("release_path")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if got != "/srv/staging/current" {
		t.Errorf("expected overlay to apply through global templates, got %q", got)
	}
}

func TestStore_SetDropsMemo(t *testing.T) {
	store := NewStore()
	store.Set("v", Producer(func(s *Scope) (interface{}, error) { return "first", nil }))

	s := store.ScopeFor(context.Background(), NewHost("web1"))
	if got, _ := s.GetString("v"); got != "first" {
		t.Fatalf("expected first, got %q", got)
	}

	store.Set("v", Producer(func(s *Scope) (interface{}, error) { return "second", nil }))
	if got, _ := s.GetString("v"); got != "second" {
		t.Errorf("expected last writer to win, got %q", got)
	}
}

func TestStore_ListsAndBooleans(t *testing.T) {
	store := NewStore()
	store.Set("app", "shop")
	store.Set("shared_dirs", []string{"var/log", "var/{{app}}"})
	store.Set("enabled", true)
	store.Set("port", 8080)

	s := store.ScopeFor(context.Background(), nil)
	got, err := s.Parse("{{shared_dirs}} {{enabled}} {{port}}")
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if got != "var/log var/shop true 8080" {
		t.Errorf("unexpected rendering: %q", got)
	}

	v, err := s.Get("shared_dirs")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	list, ok := v.([]string)
	if !ok || len(list) != 2 || list[1] != "var/shop" {
		t.Errorf("expected resolved list, got %#v", v)
	}
}

func TestStore_Has(t *testing.T) {
	store := NewStore()
	store.Set("global", "1")
	h := NewHost("web1").Set("local", "2")
	s := store.ScopeFor(context.Background(), h)

	if !s.Has("global") || !s.Has("local") {
		t.Error("expected global and overlay keys to be visible")
	}
	if s.Has("missing") {
		t.Error("expected missing key to be absent")
	}
	if keys := store.Keys(); len(keys) != 1 || keys[0] != "global" {
		t.Errorf("expected only global keys, got %v", keys)
	}
}

func TestScope_RunWithoutFrame(t *testing.T) {
	store := NewStore()
	s := store.ScopeFor(context.Background(), NewHost("web1"))

	if _, err := s.Run("true"); !errors.Is(err, ErrNoActiveContext) {
		t.Errorf("expected ErrNoActiveContext, got %v", err)
	}
	if err := s.Upload("a", "b"); !errors.Is(err, ErrNoActiveContext) {
		t.Errorf("expected ErrNoActiveContext, got %v", err)
	}
}
