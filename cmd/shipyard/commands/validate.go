package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/shipyard/pkg/config"
	"github.com/openfroyo/shipyard/pkg/engine"
)

// watchDebounce groups the bursts of events editors produce on save.
const watchDebounce = 500 * time.Millisecond

// validation is the outcome of checking a workspace.
type validation struct {
	Recipe    string   `json:"recipe"`
	Inventory string   `json:"inventory"`
	Hosts     int      `json:"hosts"`
	Tasks     int      `json:"tasks"`
	Policies  int      `json:"policies"`
	Warnings  []string `json:"warnings,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// OK reports whether no errors were found.
func (v *validation) OK() bool {
	return len(v.Errors) == 0
}

func (v *validation) errorf(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

func newValidateCommand(version string) *cobra.Command {
	var (
		entry string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the recipe, inventory and policies",
		Long: `Load the recipe, the inventory and the run policies without connecting to any host.

This command checks:
  - Inventory syntax and schema (YAML or CUE)
  - Recipe evaluation (Starlark)
  - Every task expands: hooks and group members exist, no cycles
  - No config entry references itself through placeholders, per host
  - Policy files compile

With --task, the run policies are also evaluated for that task against every
host of the inventory.

With --watch, validation runs again every time one of the files changes.`,
		Example: `  # Validate the workspace
  shipyard validate

  # Also check the policies of a deploy to every host
  shipyard validate --task deploy

  # Re-validate on every change
  shipyard validate --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			s, err := loadSettings()
			if err != nil {
				return err
			}
			tel, err := newTelemetry(s, version)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = tel.Shutdown(sctx)
			}()

			if !watch {
				v := validateWorkspace(ctx, s, entry)
				if err := printValidation(out, v); err != nil {
					return err
				}
				if !v.OK() {
					return fmt.Errorf("validation failed with %d error(s)", len(v.Errors))
				}
				return nil
			}

			return watchWorkspace(ctx, s, func() {
				if err := printValidation(out, validateWorkspace(ctx, s, entry)); err != nil {
					log.Error().Err(err).Msg("failed to print validation")
				}
			})
		},
	}

	cmd.Flags().StringVar(&entry, "task", "", "evaluate run policies for this task against every host")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-validate when a file changes")

	return cmd
}

// validateWorkspace checks everything that can be checked without a host
// connection and collects every problem found.
func validateWorkspace(ctx context.Context, s *config.Settings, entry string) *validation {
	v := &validation{Recipe: s.Recipe, Inventory: s.Inventory}
	e := engine.New()

	inv, err := config.LoadInventory(ctx, s.Inventory)
	if err != nil {
		v.errorf("inventory: %v", err)
	} else {
		v.Hosts = inv.Hosts.Len()
		inv.Apply(e)
	}

	if _, err := config.NewRecipeLoader(e).LoadFile(ctx, s.Recipe); err != nil {
		v.errorf("recipe: %v", err)
		return v
	}
	v.Tasks = len(e.Tasks.Tasks())

	for _, name := range e.Tasks.Names() {
		if _, err := e.Tasks.Expand(name); err != nil {
			v.errorf("task %s: %v", name, err)
		}
	}

	if err := e.Store.Validate(e.Localhost()); err != nil {
		v.errorf("config: %v", err)
	}
	var hosts []*engine.Host
	if inv != nil {
		hosts = inv.Hosts.All()
		for _, h := range hosts {
			if err := e.Store.Validate(h); err != nil {
				v.errorf("host %s: %v", h.Name, err)
			}
		}
	}

	if !s.Policy.Enabled {
		return v
	}
	pe, err := newPolicyEngine(ctx, s.Policy.Paths)
	if err != nil {
		v.errorf("policy: %v", err)
		return v
	}
	v.Policies = len(pe.ListPolicies())

	if entry == "" || inv == nil {
		return v
	}
	schedule, err := e.Tasks.Expand(entry)
	if err != nil {
		v.errorf("task %s: %v", entry, err)
		return v
	}
	opts := engine.RunOptions{
		Parallel:          s.Run.Parallel,
		MaxParallel:       s.Run.MaxParallel,
		StopOnHostFailure: s.Run.StopOnFailure,
	}
	result, err := pe.Check(ctx, e.RunInput(entry, schedule, hosts, opts))
	if err != nil {
		v.errorf("policy: %v", err)
		return v
	}
	for _, w := range result.Warnings {
		v.Warnings = append(v.Warnings, w.String())
	}
	for _, violation := range result.Violations {
		v.errorf("policy: %s", violation.String())
	}
	return v
}

func printValidation(w io.Writer, v *validation) error {
	if jsonOutput {
		return writeJSON(w, v)
	}

	fmt.Fprintf(w, "Recipe:    %s (%d tasks)\n", v.Recipe, v.Tasks)
	fmt.Fprintf(w, "Inventory: %s (%d hosts)\n", v.Inventory, v.Hosts)
	fmt.Fprintf(w, "Policies:  %d\n", v.Policies)
	for _, warning := range v.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
	if v.OK() {
		fmt.Fprintln(w, "OK")
		return nil
	}
	for _, e := range v.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
	return nil
}

// watchWorkspace calls validate once, then again after every change to the
// recipe, the inventory or the policy files, until ctx is cancelled.
func watchWorkspace(ctx context.Context, s *config.Settings, validate func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	for _, dir := range watchDirs(s) {
		if err := watcher.Add(dir); err != nil {
			log.Warn().Err(err).Str("path", dir).Msg("failed to watch directory")
		}
	}
	if len(watcher.WatchList()) == 0 {
		return errors.New("nothing to watch")
	}
	log.Info().Strs("paths", watcher.WatchList()).Msg("watching for changes")

	validate()

	var timer *time.Timer
	changed := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !watchedFile(event.Name) {
				continue
			}
			log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("file changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case changed <- struct{}{}:
				default:
				}
			})

		case <-changed:
			validate()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("watcher error")
		}
	}
}

// watchDirs returns the directories holding the workspace files. Directories are
// watched instead of files so editors replacing files on save are noticed.
func watchDirs(s *config.Settings) []string {
	seen := make(map[string]bool)
	add := func(path string) {
		if path == "" {
			return
		}
		dir := path
		if info, err := os.Stat(path); err != nil || !info.IsDir() {
			dir = filepath.Dir(path)
		}
		if abs, err := filepath.Abs(dir); err == nil {
			seen[abs] = true
		}
	}

	add(s.Recipe)
	add(s.Inventory)
	if s.Policy.Enabled {
		for _, p := range s.Policy.Paths {
			add(p)
		}
	}

	dirs := make([]string, 0, len(seen))
	for dir := range seen {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

func watchedFile(name string) bool {
	switch filepath.Ext(name) {
	case ".star", ".yaml", ".yml", ".cue", ".rego", ".json":
		return true
	default:
		return false
	}
}
