package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testRecipe = `
set("out_dir", %q)
set("release", "v1")
set("marker", "{{out_dir}}/{{release}}.txt")

task("build", "echo built > {{marker}}", desc = "Build the release")
task("notify", "echo notified >> {{out_dir}}/notify.log")
after("build", "notify")

task("broken", "exit 3")
task("deploy", ["build"], desc = "Deploy everything")
`

const testInventory = `
hosts:
  - name: control
    local: true
    labels:
      env: dev
`

// workspace creates a settings file, recipe and inventory in a temp dir and
// returns the settings path.
func workspace(t *testing.T) (dir, settings string) {
	t.Helper()
	dir = t.TempDir()

	files := map[string]string{
		"deploy.star":    fmt.Sprintf(testRecipe, dir),
		"inventory.yaml": testInventory,
		"shipyard.yaml": fmt.Sprintf(`recipe: %s
inventory: %s
store: %s
lock:
  strategy: memory
logging:
  level: error
  format: json
  output: stderr
`, filepath.Join(dir, "deploy.star"), filepath.Join(dir, "inventory.yaml"), filepath.Join(dir, "journal.db")),
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
	return dir, filepath.Join(dir, "shipyard.yaml")
}

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "unknown")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunCommand(t *testing.T) {
	dir, settings := workspace(t)

	out, err := execute(t, "-c", settings, "run", "deploy")
	if err != nil {
		t.Fatalf("failed to run deploy: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Run deploy: succeeded") {
		t.Errorf("expected success summary, got:\n%s", out)
	}
	if !strings.Contains(out, "[control] task build") {
		t.Errorf("expected progress output, got:\n%s", out)
	}

	data, err := os.ReadFile(filepath.Join(dir, "v1.txt"))
	if err != nil {
		t.Fatalf("failed to read marker: %v", err)
	}
	if strings.TrimSpace(string(data)) != "built" {
		t.Errorf("expected marker content built, got %q", data)
	}
	if _, err := os.Stat(filepath.Join(dir, "notify.log")); err != nil {
		t.Errorf("expected after hook to run: %v", err)
	}
}

func TestRunCommand_Failure(t *testing.T) {
	_, settings := workspace(t)

	out, err := execute(t, "-c", settings, "run", "broken")
	if err == nil {
		t.Fatalf("expected error, got success:\n%s", out)
	}
	if ExitCode(err) != 1 {
		t.Errorf("expected exit code 1, got %d", ExitCode(err))
	}
	if !strings.Contains(out, "task broken") {
		t.Errorf("expected failed task in summary, got:\n%s", out)
	}
}

func TestRunCommand_JSON(t *testing.T) {
	_, settings := workspace(t)

	out, err := execute(t, "-c", settings, "--json", "run", "deploy", "--set", "release=v2")
	if err != nil {
		t.Fatalf("failed to run deploy: %v\n%s", err, out)
	}

	var report struct {
		Status   string   `json:"status"`
		Schedule []string `json:"schedule"`
		Hosts    []struct {
			Host   string `json:"host"`
			Status string `json:"status"`
		} `json:"hosts"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("failed to decode report: %v\n%s", err, out)
	}
	if report.Status != "succeeded" {
		t.Errorf("expected status succeeded, got %s", report.Status)
	}
	if strings.Join(report.Schedule, ",") != "build,notify" {
		t.Errorf("expected schedule build,notify, got %v", report.Schedule)
	}
	if len(report.Hosts) != 1 || report.Hosts[0].Host != "control" {
		t.Errorf("expected one control host, got %+v", report.Hosts)
	}
}

func TestRunCommand_DryRun(t *testing.T) {
	dir, settings := workspace(t)

	out, err := execute(t, "-c", settings, "run", "deploy", "--dry-run")
	if err != nil {
		t.Fatalf("failed to run deploy: %v\n%s", err, out)
	}
	if _, err := os.Stat(filepath.Join(dir, "v1.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected no marker after dry run, got %v", err)
	}
}

func TestRunCommand_UnknownHost(t *testing.T) {
	_, settings := workspace(t)

	if _, err := execute(t, "-c", settings, "run", "deploy", "--hosts", "nope"); err == nil {
		t.Fatal("expected error for unknown host")
	}
}

func TestHistoryCommand(t *testing.T) {
	_, settings := workspace(t)

	if out, err := execute(t, "-c", settings, "run", "deploy"); err != nil {
		t.Fatalf("failed to run deploy: %v\n%s", err, out)
	}
	if _, err := execute(t, "-c", settings, "run", "broken"); err == nil {
		t.Fatal("expected broken run to fail")
	}

	out, err := execute(t, "-c", settings, "--json", "history")
	if err != nil {
		t.Fatalf("failed to list history: %v", err)
	}
	var runs []struct {
		ID     string `json:"id"`
		Entry  string `json:"entry"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("failed to decode runs: %v\n%s", err, out)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}

	statuses := map[string]string{}
	for _, r := range runs {
		statuses[r.Entry] = r.Status
	}
	if statuses["deploy"] != "succeeded" || statuses["broken"] != "failed" {
		t.Errorf("unexpected statuses %v", statuses)
	}

	var deployID string
	for _, r := range runs {
		if r.Entry == "deploy" {
			deployID = r.ID
		}
	}

	tests := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "show by prefix",
			args: []string{"history", "show", deployID[:8]},
			want: []string{"Entry:    deploy", "succeeded", "build", "notify"},
		},
		{
			name: "events",
			args: []string{"history", "events", deployID},
			want: []string{"run.started", "task.completed", "run.completed"},
		},
		{
			name: "filter by status",
			args: []string{"history", "--status", "failed"},
			want: []string{"broken"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, append([]string{"-c", settings}, tt.args...)...)
			if err != nil {
				t.Fatalf("failed to execute %v: %v", tt.args, err)
			}
			for _, want := range tt.want {
				if !strings.Contains(out, want) {
					t.Errorf("expected output to contain %q, got:\n%s", want, out)
				}
			}
		})
	}

	t.Run("prune", func(t *testing.T) {
		out, err := execute(t, "-c", settings, "history", "prune", "--keep", "1")
		if err != nil {
			t.Fatalf("failed to prune: %v", err)
		}
		if !strings.Contains(out, "Deleted 1 run(s)") {
			t.Errorf("expected one pruned run, got %q", out)
		}
	})
}

func TestTasksCommand(t *testing.T) {
	_, settings := workspace(t)

	tests := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "list",
			args: []string{"tasks"},
			want: []string{"TASK", "build", "command", "Build the release", "deploy", "group"},
		},
		{
			name: "expand",
			args: []string{"tasks", "--expand", "deploy"},
			want: []string{"  1. build\n", "  2. notify\n"},
		},
		{
			name: "dot",
			args: []string{"tasks", "--dot", "deploy"},
			want: []string{"digraph Pipeline", `"deploy" -> "build"`, `"build" -> "notify"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, append([]string{"-c", settings}, tt.args...)...)
			if err != nil {
				t.Fatalf("failed to execute %v: %v", tt.args, err)
			}
			for _, want := range tt.want {
				if !strings.Contains(out, want) {
					t.Errorf("expected output to contain %q, got:\n%s", want, out)
				}
			}
		})
	}

	if _, err := execute(t, "-c", settings, "tasks", "--expand", "missing"); err == nil {
		t.Error("expected error expanding unknown task")
	}
}

func TestHostsCommand(t *testing.T) {
	_, settings := workspace(t)

	out, err := execute(t, "-c", settings, "hosts", "--selector", "env=dev")
	if err != nil {
		t.Fatalf("failed to list hosts: %v", err)
	}
	if !strings.Contains(out, "control") || !strings.Contains(out, "local") {
		t.Errorf("expected control host, got:\n%s", out)
	}

	if _, err := execute(t, "-c", settings, "hosts", "--selector", "env=prod"); err == nil {
		t.Error("expected error for selector matching nothing")
	}
}

func TestValidateCommand(t *testing.T) {
	dir, settings := workspace(t)

	out, err := execute(t, "-c", settings, "validate", "--task", "deploy")
	if err != nil {
		t.Fatalf("expected valid workspace: %v\n%s", err, out)
	}
	if !strings.Contains(out, "OK") {
		t.Errorf("expected OK, got:\n%s", out)
	}

	broken := `
task("deploy", ["build", "missing"])
task("build", "true")
set("a", "{{b}}")
set("b", "{{a}}")
`
	if err := os.WriteFile(filepath.Join(dir, "deploy.star"), []byte(broken), 0o644); err != nil {
		t.Fatalf("failed to write recipe: %v", err)
	}

	out, err = execute(t, "-c", settings, "--json", "validate")
	if err == nil {
		t.Fatalf("expected validation error, got:\n%s", out)
	}
	var v validation
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("failed to decode validation: %v\n%s", err, out)
	}
	if v.Tasks != 2 {
		t.Errorf("expected 2 tasks, got %d", v.Tasks)
	}

	var sawTask, sawConfig bool
	for _, e := range v.Errors {
		if strings.HasPrefix(e, "task deploy:") {
			sawTask = true
		}
		if strings.HasPrefix(e, "config:") {
			sawConfig = true
		}
	}
	if !sawTask || !sawConfig {
		t.Errorf("expected task and config errors, got %v", v.Errors)
	}
}

func TestUnlockCommand(t *testing.T) {
	_, settings := workspace(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "memory", args: []string{"unlock", "control"}, want: "Unlocked control"},
		{name: "disabled", args: []string{"unlock", "control", "--lock", "none"}, want: "nothing to unlock"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, append([]string{"-c", settings}, tt.args...)...)
			if err != nil {
				t.Fatalf("failed to unlock: %v", err)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("expected %q, got %q", tt.want, out)
			}
		})
	}
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	out, err := execute(t, "init", "--key")
	if err != nil {
		t.Fatalf("failed to init: %v\n%s", err, out)
	}

	for _, name := range []string{
		"shipyard.yaml",
		"deploy.star",
		"inventory.yaml",
		".shipyard/journal.db",
		".shipyard/deploy_ed25519",
		".shipyard/deploy_ed25519.pub",
	} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}

	out, err = execute(t, "init")
	if err != nil {
		t.Fatalf("failed to re-init: %v", err)
	}
	if !strings.Contains(out, "Kept existing") {
		t.Errorf("expected existing files to be kept, got:\n%s", out)
	}

	out, err = execute(t, "validate")
	if err != nil {
		t.Fatalf("expected scaffolded workspace to validate: %v\n%s", err, out)
	}

	out, err = execute(t, "run", "check")
	if err != nil {
		t.Fatalf("failed to run scaffolded recipe: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Run check: succeeded") {
		t.Errorf("expected success summary, got:\n%s", out)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: 0},
		{name: "cancelled", err: fmt.Errorf("run: %w", context.Canceled), want: 130},
		{name: "failure", err: errors.New("boom"), want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}
