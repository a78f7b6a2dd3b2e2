package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay debounces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// Loader reads policies from .rego and .json files. Parsed files are cached
// by path until they change on disk or ClearCache is called.
type Loader struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	cache   map[string]*Policy
	watcher *fsnotify.Watcher
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]*Policy),
	}
}

// LoadFromPaths loads policies from files and directories, in path order.
// Unreadable files inside a directory are skipped with a warning; an explicit
// path that cannot be loaded is an error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		if info.IsDir() {
			loaded, err := l.loadFromDirectory(ctx, path)
			if err != nil {
				return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
			}
			policies = append(policies, loaded...)
			continue
		}
		p, err := l.loadFromFile(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		policies = append(policies, *p)
	}

	l.logger.Debug().
		Int("total", len(policies)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return policies, nil
}

func isPolicyFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".rego" || ext == ".json"
}

func (l *Loader) loadFromDirectory(ctx context.Context, dir string) ([]Policy, error) {
	var policies []Policy
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}
		p, err := l.loadFromFile(ctx, path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
			return nil
		}
		policies = append(policies, *p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return policies, nil
}

func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	l.mu.RLock()
	cached, ok := l.cache[path]
	l.mu.RUnlock()
	if ok {
		return cached, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var p *Policy
	switch filepath.Ext(path) {
	case ".rego":
		p, err = parseRegoFile(path, data)
	case ".json":
		p, err = parseJSONFile(path, data)
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[path] = p
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", path).
		Str("policy", p.Name).
		Str("severity", string(p.Severity)).
		Msg("Policy loaded from file")

	return p, nil
}

// regoHeader is the metadata read from the leading comment block of a .rego
// file. Lines of the form "# key: value" with a known key are directives, every
// other comment line is description.
type regoHeader struct {
	description string
	severity    Severity
	tags        []string
	enabled     bool
}

func parseRegoHeader(content string) (regoHeader, error) {
	h := regoHeader{severity: SeverityError, enabled: true}
	var desc []string
	inHeader := false

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed != "" && inHeader {
				break
			}
			continue
		}
		inHeader = true
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if comment == "" || strings.HasPrefix(comment, "package") {
			continue
		}

		key, value, found := strings.Cut(comment, ":")
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch {
		case found && key == "severity":
			switch s := Severity(strings.ToLower(value)); s {
			case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
				h.severity = s
			default:
				return h, fmt.Errorf("invalid severity %q", value)
			}
		case found && key == "tags":
			for _, tag := range strings.Split(value, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					h.tags = append(h.tags, tag)
				}
			}
		case found && key == "enabled":
			enabled, err := strconv.ParseBool(value)
			if err != nil {
				return h, fmt.Errorf("invalid enabled value %q", value)
			}
			h.enabled = enabled
		default:
			desc = append(desc, comment)
		}
	}

	h.description = strings.Join(desc, " ")
	return h, nil
}

// parseRegoFile parses a .rego file into a Policy named after the file.
func parseRegoFile(path string, data []byte) (*Policy, error) {
	h, err := parseRegoHeader(string(data))
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	tags := h.tags
	if tags == nil {
		tags = []string{}
	}
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: h.description,
		Rego:        string(data),
		Severity:    h.severity,
		Enabled:     h.enabled,
		Tags:        tags,
		Source:      path,
	}, nil
}

// parseJSONFile parses a JSON policy definition. Enabled defaults to true.
func parseJSONFile(path string, data []byte) (*Policy, error) {
	var raw struct {
		Policy
		Enabled *bool `json:"enabled"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}

	p := raw.Policy
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if p.Rego == "" {
		return nil, fmt.Errorf("policy %s has no rego source", p.Name)
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	p.Enabled = raw.Enabled == nil || *raw.Enabled
	p.Source = path
	return &p, nil
}

// Watch reloads the policies under paths whenever a policy file changes and
// hands them to apply. It returns once the watcher is set up; watching stops
// when ctx is cancelled or StopWatching is called.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Not watching missing policy path")
			continue
		}
		if !info.IsDir() {
			// Editors replace files on save, so the parent directory is watched.
			path = filepath.Dir(path)
		}
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return err
			}
			return watcher.Add(p)
		})
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch policy path")
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.watch(ctx, watcher, func() {
		policies, err := l.LoadFromPaths(ctx, paths)
		if err != nil {
			l.logger.Error().Err(err).Msg("Failed to reload policies")
			return
		}
		if err := apply(policies); err != nil {
			l.logger.Error().Err(err).Msg("Failed to apply reloaded policies")
			return
		}
		l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
	})

	l.logger.Info().Int("paths", len(paths)).Msg("Watching policy paths")
	return nil
}

func (l *Loader) watch(ctx context.Context, watcher *fsnotify.Watcher, reload func()) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		_ = watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isPolicyFile(event.Name) || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}

// ClearCache clears the policy cache.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]*Policy)
}
