package config

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/shipyard/pkg/engine"
)

//go:embed recipes/*.star
var builtinRecipes embed.FS

// Thread-local keys.
const (
	scopeKey = "shipyard.scope"
	dirKey   = "shipyard.dir"
	ctxKey   = "shipyard.ctx"
)

// RecipeLoader executes Starlark recipes against an engine. Top-level statements
// register config and tasks; functions handed to task() and set() run later, once
// per task execution or producer evaluation, with access to the running host.
type RecipeLoader struct {
	engine  *engine.Engine
	timeout time.Duration
	recipes fs.FS

	mu       sync.Mutex
	included map[string]bool
	files    []string

	predeclared starlark.StringDict
}

// RecipeOption configures a RecipeLoader.
type RecipeOption func(*RecipeLoader)

// WithLoadTimeout bounds the evaluation of each recipe file.
func WithLoadTimeout(d time.Duration) RecipeOption {
	return func(l *RecipeLoader) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithRecipes replaces the recipes available to include(). Files are looked up as
// "recipes/<name>.star".
func WithRecipes(fsys fs.FS) RecipeOption {
	return func(l *RecipeLoader) { l.recipes = fsys }
}

// NewRecipeLoader creates a loader registering into e.
func NewRecipeLoader(e *engine.Engine, opts ...RecipeOption) *RecipeLoader {
	l := &RecipeLoader{
		engine:   e,
		timeout:  DefaultLoadTimeout,
		recipes:  builtinRecipes,
		included: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(l)
	}

	l.predeclared = starlark.StringDict{
		"struct":             starlark.NewBuiltin("struct", starlarkstruct.Make),
		"set":                starlark.NewBuiltin("set", l.builtinSet),
		"get":                starlark.NewBuiltin("get", l.builtinGet),
		"has":                starlark.NewBuiltin("has", l.builtinHas),
		"parse":              starlark.NewBuiltin("parse", l.builtinParse),
		"task":               starlark.NewBuiltin("task", l.builtinTask),
		"before":             starlark.NewBuiltin("before", l.builtinHook),
		"after":              starlark.NewBuiltin("after", l.builtinHook),
		"desc":               starlark.NewBuiltin("desc", l.builtinDesc),
		"run":                starlark.NewBuiltin("run", l.builtinRun),
		"test":               starlark.NewBuiltin("test", l.builtinTest),
		"upload":             starlark.NewBuiltin("upload", l.builtinTransfer),
		"download":           starlark.NewBuiltin("download", l.builtinTransfer),
		"invoke":             starlark.NewBuiltin("invoke", l.builtinInvoke),
		"locate_binary_path": starlark.NewBuiltin("locate_binary_path", l.builtinLocateBinaryPath),
		"command_exist":      starlark.NewBuiltin("command_exist", l.builtinCommandExist),
		"host":               starlark.NewBuiltin("host", l.builtinHost),
		"info":               starlark.NewBuiltin("info", l.builtinLog),
		"warning":            starlark.NewBuiltin("warning", l.builtinLog),
		"dirname":            starlark.NewBuiltin("dirname", builtinDirname),
		"include":            starlark.NewBuiltin("include", l.builtinInclude),
	}
	return l
}

// BuiltinRecipes lists the names accepted by include() besides file paths.
func (l *RecipeLoader) BuiltinRecipes() []string {
	entries, err := fs.ReadDir(l.recipes, "recipes")
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".star"); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// LoadFile executes the recipe at path.
func (l *RecipeLoader) LoadFile(ctx context.Context, path string) (*RecipeResult, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve recipe path: %w", err)
	}
	src, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipe: %w", err)
	}
	return l.load(ctx, abs, src, filepath.Dir(abs))
}

// LoadSource executes recipe source held in memory. Relative includes resolve
// against the working directory.
func (l *RecipeLoader) LoadSource(ctx context.Context, name, src string) (*RecipeResult, error) {
	dir, err := os.Getwd()
	if err != nil {
		dir = "."
	}
	return l.load(ctx, name, []byte(src), dir)
}

func (l *RecipeLoader) load(ctx context.Context, filename string, src []byte, dir string) (*RecipeResult, error) {
	start := time.Now()
	before := len(l.engine.Tasks.Tasks())

	if err := l.exec(ctx, filename, src, dir); err != nil {
		return nil, err
	}

	l.mu.Lock()
	files := append([]string(nil), l.files...)
	l.mu.Unlock()

	result := &RecipeResult{
		Files:    files,
		Tasks:    len(l.engine.Tasks.Tasks()) - before,
		LoadTime: time.Since(start),
	}
	log.Debug().Str("recipe", filename).Int("tasks", result.Tasks).Dur("duration", result.LoadTime).Msg("recipe loaded")
	return result, nil
}

// exec runs one file at top level. Its globals are frozen afterwards so the
// functions it defines may be called from several hosts at once.
func (l *RecipeLoader) exec(ctx context.Context, filename string, src []byte, dir string) error {
	l.mu.Lock()
	if l.included[filename] {
		l.mu.Unlock()
		return nil
	}
	l.included[filename] = true
	l.mu.Unlock()

	loadCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	thread := newThread(filename)
	thread.SetLocal(dirKey, dir)
	thread.SetLocal(ctxKey, loadCtx)

	done := cancelOnDone(loadCtx, thread)
	globals, err := starlark.ExecFile(thread, filename, src, l.predeclared)
	done()
	if err != nil {
		if loadCtx.Err() != nil {
			return fmt.Errorf("recipe %s: evaluation timeout after %v", filename, l.timeout)
		}
		return fmt.Errorf("recipe %s: %w", filename, err)
	}
	globals.Freeze()

	l.mu.Lock()
	l.files = append(l.files, filename)
	l.mu.Unlock()
	return nil
}

// scope returns the scope of the running task or producer.
func scopeOf(thread *starlark.Thread) *engine.Scope {
	s, _ := thread.Local(scopeKey).(*engine.Scope)
	return s
}

// runtimeScope is scopeOf for builtins that only make sense while a task runs.
func runtimeScope(thread *starlark.Thread, b *starlark.Builtin) (*engine.Scope, error) {
	if s := scopeOf(thread); s != nil {
		return s, nil
	}
	return nil, fmt.Errorf("%s: only available inside a task or config function", b.Name())
}

// configScope resolves config at load time against global entries only.
func (l *RecipeLoader) configScope(thread *starlark.Thread) *engine.Scope {
	if s := scopeOf(thread); s != nil {
		return s
	}
	ctx, _ := thread.Local(ctxKey).(context.Context)
	if ctx == nil {
		ctx = context.Background()
	}
	return l.engine.Store.ScopeFor(ctx, nil)
}

func (l *RecipeLoader) producer(key string, fn starlark.Callable) engine.Producer {
	return func(s *engine.Scope) (interface{}, error) {
		thread := newThread("set " + key)
		thread.SetLocal(scopeKey, s)
		v, err := callWithContext(s.Context(), thread, fn, nil)
		if err != nil {
			return nil, err
		}
		return fromStarlarkValue(v)
	}
}

func (l *RecipeLoader) body(name string, fn starlark.Callable) engine.Func {
	return func(s *engine.Scope) error {
		thread := newThread("task " + name)
		thread.SetLocal(scopeKey, s)
		_, err := callWithContext(s.Context(), thread, fn, nil)
		return err
	}
}

// set(key, value) registers a literal, or a producer when value is callable.
func (l *RecipeLoader) builtinSet(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var value starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &key, &value); err != nil {
		return nil, err
	}

	if fn, ok := value.(starlark.Callable); ok {
		l.engine.Set(key, l.producer(key, fn))
		return starlark.None, nil
	}

	goVal, err := fromStarlarkValue(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", b.Name(), key, err)
	}
	l.engine.Set(key, goVal)
	return starlark.None, nil
}

// get(key, default) resolves key; default is returned when key is undefined.
func (l *RecipeLoader) builtinGet(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var def starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "default?", &def); err != nil {
		return nil, err
	}

	s := l.configScope(thread)
	if def != nil && !s.Has(key) {
		return def, nil
	}
	v, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	return toStarlarkValue(v)
}

func (l *RecipeLoader) builtinHas(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &key); err != nil {
		return nil, err
	}
	return starlark.Bool(l.configScope(thread).Has(key)), nil
}

func (l *RecipeLoader) builtinParse(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var template string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &template); err != nil {
		return nil, err
	}
	out, err := l.configScope(thread).Parse(template)
	if err != nil {
		return nil, err
	}
	return starlark.String(out), nil
}

// task(name, body, local=False, desc="") registers a task. body is a command
// string, a list of task names or a function.
func (l *RecipeLoader) builtinTask(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name  string
		body  starlark.Value
		local bool
		text  string
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "body", &body, "local?", &local, "desc?", &text); err != nil {
		return nil, err
	}

	var taskBody engine.Body
	switch v := body.(type) {
	case starlark.String:
		taskBody = engine.Command(string(v))
	case *starlark.List, starlark.Tuple:
		members, err := stringList(b.Name(), v)
		if err != nil {
			return nil, err
		}
		taskBody = engine.Group(members)
	case starlark.Callable:
		taskBody = l.body(name, v)
	default:
		return nil, fmt.Errorf("%s: %s: body must be a command, a list of tasks or a function, got %s", b.Name(), name, body.Type())
	}

	var opts []engine.TaskOption
	if local {
		opts = append(opts, engine.LocalOnly())
	}
	if text != "" {
		opts = append(opts, engine.WithDescription(text))
	}
	if _, err := l.engine.Task(name, taskBody, opts...); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

// before(target, hook) and after(target, hook).
func (l *RecipeLoader) builtinHook(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var target, hook string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &target, &hook); err != nil {
		return nil, err
	}
	if b.Name() == "before" {
		l.engine.Before(target, hook)
	} else {
		l.engine.After(target, hook)
	}
	return starlark.None, nil
}

func (l *RecipeLoader) builtinDesc(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, text string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &name, &text); err != nil {
		return nil, err
	}
	l.engine.Desc(name, text)
	return starlark.None, nil
}

func runOptions(b *starlark.Builtin, cwd string, timeout, env starlark.Value) ([]engine.RunOption, error) {
	var opts []engine.RunOption
	if cwd != "" {
		opts = append(opts, engine.WithCwd(cwd))
	}
	d, err := seconds(b.Name(), timeout)
	if err != nil {
		return nil, err
	}
	if d > 0 {
		opts = append(opts, engine.WithTimeout(d))
	}
	vars, err := stringDict(b.Name(), env)
	if err != nil {
		return nil, err
	}
	if len(vars) > 0 {
		opts = append(opts, engine.WithEnv(vars))
	}
	return opts, nil
}

// run(command, cwd="", timeout=None, env=None) returns the trimmed output.
func (l *RecipeLoader) builtinRun(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		command      string
		cwd          string
		timeout, env starlark.Value
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "command", &command, "cwd?", &cwd, "timeout?", &timeout, "env?", &env); err != nil {
		return nil, err
	}
	s, err := runtimeScope(thread, b)
	if err != nil {
		return nil, err
	}
	opts, err := runOptions(b, cwd, timeout, env)
	if err != nil {
		return nil, err
	}

	out, err := s.Run(command, opts...)
	if err != nil {
		return nil, err
	}
	return starlark.String(out), nil
}

// test(command, cwd="", timeout=None, env=None) reports whether command exits 0.
func (l *RecipeLoader) builtinTest(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		command      string
		cwd          string
		timeout, env starlark.Value
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "command", &command, "cwd?", &cwd, "timeout?", &timeout, "env?", &env); err != nil {
		return nil, err
	}
	s, err := runtimeScope(thread, b)
	if err != nil {
		return nil, err
	}
	opts, err := runOptions(b, cwd, timeout, env)
	if err != nil {
		return nil, err
	}

	ok, err := s.Test(command, opts...)
	if err != nil {
		return nil, err
	}
	return starlark.Bool(ok), nil
}

// upload(src, dst, options=[]) and download(src, dst, options=[]).
func (l *RecipeLoader) builtinTransfer(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		src, dst string
		options  starlark.Value = starlark.NewList(nil)
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "src", &src, "dst", &dst, "options?", &options); err != nil {
		return nil, err
	}
	s, err := runtimeScope(thread, b)
	if err != nil {
		return nil, err
	}
	flags, err := stringList(b.Name(), options)
	if err != nil {
		return nil, err
	}

	var opts []engine.TransferOption
	if len(flags) > 0 {
		opts = append(opts, engine.WithTransferOptions(flags...))
	}
	if b.Name() == "upload" {
		err = s.Upload(src, dst, opts...)
	} else {
		err = s.Download(src, dst, opts...)
	}
	if err != nil {
		return nil, err
	}
	return starlark.None, nil
}

func (l *RecipeLoader) builtinInvoke(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
		return nil, err
	}
	s, err := runtimeScope(thread, b)
	if err != nil {
		return nil, err
	}
	if err := s.Invoke(name); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

func (l *RecipeLoader) builtinLocateBinaryPath(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
		return nil, err
	}
	s, err := runtimeScope(thread, b)
	if err != nil {
		return nil, err
	}
	p, err := s.LocateBinaryPath(name)
	if err != nil {
		return nil, err
	}
	return starlark.String(p), nil
}

func (l *RecipeLoader) builtinCommandExist(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var command string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &command); err != nil {
		return nil, err
	}
	s, err := runtimeScope(thread, b)
	if err != nil {
		return nil, err
	}
	ok, err := s.CommandExist(command)
	if err != nil {
		return nil, err
	}
	return starlark.Bool(ok), nil
}

// host() describes the host the current task runs on.
func (l *RecipeLoader) builtinHost(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	s, err := runtimeScope(thread, b)
	if err != nil {
		return nil, err
	}

	h := s.Host()
	labels, err := toStarlarkValue(h.Labels)
	if err != nil {
		return nil, err
	}
	return starlarkstruct.FromStringDict(starlark.String("host"), starlark.StringDict{
		"name":     starlark.String(h.Name),
		"hostname": starlark.String(h.Hostname),
		"user":     starlark.String(h.User),
		"become":   starlark.String(h.Become),
		"local":    starlark.Bool(h.IsLocal()),
		"labels":   labels,
	}), nil
}

// info(message) and warning(message) log through the task's logger.
func (l *RecipeLoader) builtinLog(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &message); err != nil {
		return nil, err
	}

	s := l.configScope(thread)
	if parsed, err := s.Parse(message); err == nil {
		message = parsed
	}
	logger := s.Logger()
	if b.Name() == "warning" {
		logger.Warn().Msg(message)
	} else {
		logger.Info().Msg(message)
	}
	return starlark.None, nil
}

func builtinDirname(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var p string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &p); err != nil {
		return nil, err
	}
	return starlark.String(path.Dir(p)), nil
}

// include(name) executes a builtin recipe ("docker") or a recipe file relative to
// the including one. Each recipe is executed at most once.
func (l *RecipeLoader) builtinInclude(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
		return nil, err
	}
	if scopeOf(thread) != nil {
		return nil, fmt.Errorf("%s: only available at the top level of a recipe", b.Name())
	}

	ctx, _ := thread.Local(ctxKey).(context.Context)
	if ctx == nil {
		ctx = context.Background()
	}

	if !strings.HasSuffix(name, ".star") && !strings.ContainsRune(name, '/') {
		src, err := fs.ReadFile(l.recipes, "recipes/"+name+".star")
		if err != nil {
			return nil, fmt.Errorf("%s: unknown recipe %q (available: %s)", b.Name(), name, strings.Join(l.BuiltinRecipes(), ", "))
		}
		dir, _ := thread.Local(dirKey).(string)
		if err := l.exec(ctx, "builtin:"+name, src, dir); err != nil {
			return nil, err
		}
		return starlark.None, nil
	}

	p := name
	if !filepath.IsAbs(p) {
		dir, _ := thread.Local(dirKey).(string)
		p = filepath.Join(dir, p)
	}
	src, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if err := l.exec(ctx, p, src, filepath.Dir(p)); err != nil {
		return nil, err
	}
	return starlark.None, nil
}
