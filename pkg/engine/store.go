package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Producer computes a config value on first access. It is evaluated at most once per
// (key, host) pair; failed evaluations are not cached.
type Producer func(s *Scope) (interface{}, error)

// entry is a single config registration.
type entry struct {
	key      string
	value    interface{}
	producer Producer
}

func newEntry(key string, value interface{}) *entry {
	e := &entry{key: key}
	switch v := value.(type) {
	case Producer:
		e.producer = v
	case func(*Scope) (interface{}, error):
		e.producer = v
	default:
		e.value = value
	}
	return e
}

// memo caches one producer result for one host.
type memo struct {
	mu    sync.Mutex
	done  bool
	value interface{}
}

// Store is the deployment parameter registry. Global entries are shared; each host
// may shadow them through its overlay (see Host.Set). Producer results are cached
// per host.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	memos   map[string]map[string]*memo
}

// NewStore creates an empty config store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]*entry),
		memos:   make(map[string]map[string]*memo),
	}
}

// Set registers or overwrites a global entry. value is a literal (string, []string,
// bool, int) or a Producer. Overwriting a key drops its cached producer results.
func (s *Store) Set(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = newEntry(key, value)
	for _, hostMemos := range s.memos {
		delete(hostMemos, key)
	}
}

// Keys returns the global keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether key resolves for the scope's host.
func (s *Store) Has(sc *Scope, key string) bool {
	_, ok := s.lookup(sc.Host(), key)
	return ok
}

// Get returns the resolved value of key for the scope's host.
// String values are parsed as templates.
func (s *Store) Get(sc *Scope, key string) (interface{}, error) {
	return s.get(sc, key, sc.chain)
}

// GetString returns the resolved value of key rendered as a string.
func (s *Store) GetString(sc *Scope, key string) (string, error) {
	v, err := s.Get(sc, key)
	if err != nil {
		return "", err
	}
	return Render(v), nil
}

// Parse substitutes every {{key}} placeholder in template.
func (s *Store) Parse(sc *Scope, template string) (string, error) {
	return s.parse(sc, template, sc.chain)
}

// ScopeFor returns a scope bound to host that can resolve config but has no active
// task frame. Commands run through it fail with ErrNoActiveContext.
func (s *Store) ScopeFor(ctx context.Context, host *Host) *Scope {
	return &Scope{ctx: ctx, store: s, host: host}
}

func (s *Store) lookup(host *Host, key string) (*entry, bool) {
	if host != nil {
		if e, ok := host.config[key]; ok {
			return e, true
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

func (s *Store) get(sc *Scope, key string, chain []string) (interface{}, error) {
	for i, k := range chain {
		if k == key {
			cycle := append(append([]string(nil), chain[i:]...), key)
			return nil, newCyclicReferenceError(cycle)
		}
	}
	next := append(append(make([]string, 0, len(chain)+1), chain...), key)

	host := sc.Host()
	e, ok := s.lookup(host, key)
	if !ok {
		return nil, newMissingKeyError(key, hostName(host))
	}

	value := e.value
	if e.producer != nil {
		v, err := s.produce(sc.withChain(next), host, e)
		if err != nil {
			return nil, err
		}
		value = v
	}
	return s.resolveValue(sc, value, next)
}

func (s *Store) produce(sc *Scope, host *Host, e *entry) (interface{}, error) {
	m := s.memoFor(memoHost(sc.Target(), host), e.key)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		return m.value, nil
	}
	v, err := e.producer(sc)
	if err != nil {
		return nil, fmt.Errorf("evaluating %q: %w", e.key, err)
	}
	m.value = v
	m.done = true
	return v, nil
}

func (s *Store) memoFor(host, key string) *memo {
	s.mu.Lock()
	defer s.mu.Unlock()
	hostMemos, ok := s.memos[host]
	if !ok {
		hostMemos = make(map[string]*memo)
		s.memos[host] = hostMemos
	}
	m, ok := hostMemos[key]
	if !ok {
		m = &memo{}
		hostMemos[key] = m
	}
	return m
}

func (s *Store) resolveValue(sc *Scope, value interface{}, chain []string) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return s.parse(sc, v, chain)
	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			parsed, err := s.parse(sc, item, chain)
			if err != nil {
				return nil, err
			}
			out[i] = parsed
		}
		return out, nil
	default:
		return value, nil
	}
}

func (s *Store) parse(sc *Scope, template string, chain []string) (string, error) {
	if !strings.Contains(template, "{{") {
		return template, nil
	}
	var sb strings.Builder
	last := 0
	for _, loc := range placeholderPattern.FindAllStringSubmatchIndex(template, -1) {
		sb.WriteString(template[last:loc[0]])
		key := template[loc[2]:loc[3]]
		v, err := s.get(sc, key, chain)
		if err != nil {
			return "", err
		}
		sb.WriteString(Render(v))
		last = loc[1]
	}
	sb.WriteString(template[last:])
	return sb.String(), nil
}

// Render converts a resolved config value to its string form.
// Lists are joined with a single space.
func Render(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []string:
		return strings.Join(val, " ")
	case []interface{}:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = Render(item)
		}
		return strings.Join(parts, " ")
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func hostName(h *Host) string {
	if h == nil {
		return ""
	}
	return h.Name
}

// memoHost names the cache that values resolved on host belong to. Values
// resolved on another host on behalf of target, such as inside local-only
// tasks, are cached per target so deployments never share them.
func memoHost(target, host *Host) string {
	if target == nil || target == host || hostName(target) == hostName(host) {
		return hostName(host)
	}
	return hostName(target) + memoSeparator + hostName(host)
}

const memoSeparator = "\x00"

// forget drops the cached producer results of host, including those resolved
// on other hosts on its behalf.
func (s *Store) forget(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.memos {
		if name == host || strings.HasPrefix(name, host+memoSeparator) {
			delete(s.memos, name)
		}
	}
}
