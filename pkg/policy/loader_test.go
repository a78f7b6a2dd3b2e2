package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/shipyard/pkg/engine"
)

const testRego = `package shipyard.test

import rego.v1

deny contains "rollback is disabled" if {
	input.entry == "rollback"
}
`

func writePolicy(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	return path
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	content := "# Blocks rollbacks\n" + testRego
	policyFile := writePolicy(t, t.TempDir(), "no-rollback.rego", content)

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("failed to load policy: %v", err)
	}

	if policy.Name != "no-rollback" {
		t.Errorf("expected name 'no-rollback', got '%s'", policy.Name)
	}
	if policy.Rego != content {
		t.Error("rego content doesn't match")
	}
	if policy.Description != "Blocks rollbacks" {
		t.Errorf("expected description from comment, got '%s'", policy.Description)
	}
	if !policy.Enabled || policy.Severity != SeverityError {
		t.Errorf("expected enabled error policy, got %+v", policy)
	}
	if policy.Source != policyFile {
		t.Errorf("expected source %s, got %s", policyFile, policy.Source)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	tests := []struct {
		name           string
		content        string
		expectName     string
		expectSeverity Severity
		expectEnabled  bool
		wantErr        bool
	}{
		{
			name:           "full definition",
			content:        `{"name": "freeze", "rego": "package f", "severity": "critical", "enabled": false, "tags": ["prod"]}`,
			expectName:     "freeze",
			expectSeverity: SeverityCritical,
		},
		{
			name:           "defaults",
			content:        `{"rego": "package f"}`,
			expectName:     "policy",
			expectSeverity: SeverityError,
			expectEnabled:  true,
		},
		{
			name:    "missing rego",
			content: `{"name": "empty"}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			content: "invalid json",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
			policyFile := writePolicy(t, t.TempDir(), "policy.json", tt.content)

			loaded, err := loader.loadFromFile(context.Background(), policyFile)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("failed to load policy: %v", err)
			}

			if loaded.Name != tt.expectName {
				t.Errorf("expected name '%s', got '%s'", tt.expectName, loaded.Name)
			}
			if loaded.Severity != tt.expectSeverity {
				t.Errorf("expected severity '%s', got '%s'", tt.expectSeverity, loaded.Severity)
			}
			if loaded.Enabled != tt.expectEnabled {
				t.Errorf("expected enabled=%v, got %v", tt.expectEnabled, loaded.Enabled)
			}
		})
	}
}

func TestLoadFromFile_JSONRoundTrip(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	policy := Policy{
		Name:        "test-json-policy",
		Description: "A test policy",
		Rego:        testRego,
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"test"},
	}
	data, err := json.Marshal(policy)
	if err != nil {
		t.Fatalf("failed to marshal policy: %v", err)
	}
	policyFile := writePolicy(t, t.TempDir(), "test-policy.json", string(data))

	loaded, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("failed to load policy: %v", err)
	}
	if loaded.Description != policy.Description || loaded.Severity != policy.Severity {
		t.Errorf("expected %+v, got %+v", policy, loaded)
	}
}

func TestLoadFromDirectory(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	tmpDir := t.TempDir()
	subDir := filepath.Join(tmpDir, "subdir")
	if err := os.Mkdir(subDir, 0o755); err != nil {
		t.Fatalf("failed to create subdirectory: %v", err)
	}

	writePolicy(t, tmpDir, "policy1.rego", "package p1\n")
	writePolicy(t, tmpDir, "policy2.json", `{"name": "p2", "rego": "package p2"}`)
	writePolicy(t, subDir, "policy3.rego", "package p3\n")
	writePolicy(t, tmpDir, "README.md", "# Test")
	writePolicy(t, tmpDir, "broken.json", "{")

	loaded, err := loader.loadFromDirectory(context.Background(), tmpDir)
	if err != nil {
		t.Fatalf("failed to load directory: %v", err)
	}

	if len(loaded) != 3 {
		t.Errorf("expected 3 policies (including subdirectory), got %d", len(loaded))
	}
}

func TestLoadFromPaths(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	tmpDir := t.TempDir()
	dir1 := filepath.Join(tmpDir, "dir1")
	if err := os.Mkdir(dir1, 0o755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	writePolicy(t, dir1, "policy1.rego", "package p1\n")
	file1 := writePolicy(t, tmpDir, "policy2.rego", "package p2\n")

	loaded, err := loader.LoadFromPaths(context.Background(), []string{dir1, file1})
	if err != nil {
		t.Fatalf("failed to load paths: %v", err)
	}
	if len(loaded) != 2 {
		t.Errorf("expected 2 policies, got %d", len(loaded))
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{"/nonexistent/path"}); err == nil {
		t.Error("expected error for non-existent path")
	}
}

func TestEngine_LoadPolicies(t *testing.T) {
	eng, err := NewEngine(zerolog.New(nil).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	dir := t.TempDir()
	writePolicy(t, dir, "no-rollback.rego", testRego)

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("failed to load policies: %v", err)
	}

	err = eng.Evaluate(context.Background(), &engine.RunInput{
		Entry:    "rollback",
		Schedule: []engine.ScheduledTask{{Task: "rollback"}},
	})
	if err == nil {
		t.Fatal("expected rollback to be denied")
	}
}

func TestParseRegoHeader(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		description string
		severity    Severity
		tags        []string
		enabled     bool
		wantErr     bool
	}{
		{
			name:        "single line comment",
			content:     "# This is a test policy\npackage test",
			description: "This is a test policy",
			severity:    SeverityError,
			enabled:     true,
		},
		{
			name:        "multi line comments",
			content:     "# This is a test policy\n# that spans multiple lines\npackage test",
			description: "This is a test policy that spans multiple lines",
			severity:    SeverityError,
			enabled:     true,
		},
		{
			name:     "no comments",
			content:  "package test\n",
			severity: SeverityError,
			enabled:  true,
		},
		{
			name:        "comments with empty lines",
			content:     "# First line\n#\n# Second line\npackage test",
			description: "First line Second line",
			severity:    SeverityError,
			enabled:     true,
		},
		{
			name:        "directives",
			content:     "# Warn about Friday deploys\n# severity: warning\n# tags: schedule, calendar\npackage test",
			description: "Warn about Friday deploys",
			severity:    SeverityWarning,
			tags:        []string{"schedule", "calendar"},
			enabled:     true,
		},
		{
			name:     "disabled",
			content:  "# enabled: false\npackage test",
			severity: SeverityError,
			enabled:  false,
		},
		{
			name:    "bad severity",
			content: "# severity: loud\npackage test",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := parseRegoHeader(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("failed to parse header: %v", err)
			}
			if h.description != tt.description {
				t.Errorf("expected description '%s', got '%s'", tt.description, h.description)
			}
			if h.severity != tt.severity {
				t.Errorf("expected severity %s, got %s", tt.severity, h.severity)
			}
			if h.enabled != tt.enabled {
				t.Errorf("expected enabled %v, got %v", tt.enabled, h.enabled)
			}
			if strings.Join(h.tags, ",") != strings.Join(tt.tags, ",") {
				t.Errorf("expected tags %v, got %v", tt.tags, h.tags)
			}
		})
	}
}

func TestClearCache(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	policyFile := writePolicy(t, t.TempDir(), "test.rego", "package test\n")

	if _, err := loader.loadFromFile(context.Background(), policyFile); err != nil {
		t.Fatalf("failed to load policy: %v", err)
	}
	if len(loader.cache) != 1 {
		t.Errorf("expected 1 cache entry, got %d", len(loader.cache))
	}

	loader.ClearCache()

	if len(loader.cache) != 0 {
		t.Errorf("expected 0 cache entries after clear, got %d", len(loader.cache))
	}
}

func TestLoadFromFile_UnsupportedType(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	policyFile := writePolicy(t, t.TempDir(), "test.txt", "not a policy")

	if _, err := loader.loadFromFile(context.Background(), policyFile); err == nil {
		t.Error("expected error for unsupported file type")
	}
}

func TestWatch(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()
	writePolicy(t, dir, "first.rego", "package first\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 4)
	err := loader.Watch(ctx, []string{dir}, func(p []Policy) error {
		reloaded <- p
		return nil
	})
	if err != nil {
		t.Fatalf("failed to watch: %v", err)
	}
	defer func() { _ = loader.StopWatching() }()

	writePolicy(t, dir, "second.rego", "package second\n")

	select {
	case p := <-reloaded:
		if len(p) != 2 {
			t.Errorf("expected 2 policies after reload, got %d", len(p))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}
