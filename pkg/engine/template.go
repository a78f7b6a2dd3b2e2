package engine

import (
	"regexp"
	"sort"
)

// placeholderPattern matches {{key}} placeholders. Keys may contain any character
// except braces and whitespace, so "bin/docker-compose" and "docker-compose.yml" are
// valid keys.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)

// Placeholders returns the keys referenced by template, in order of appearance.
// A key referenced more than once is returned once.
func Placeholders(template string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(template, -1)
	keys := make([]string, 0, len(matches))
	seen := make(map[string]bool, len(matches))
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			keys = append(keys, m[1])
		}
	}
	return keys
}

// KeyGraph is the dependency graph between config keys as seen by one host.
// An edge a -> b means the literal value of a references {{b}}. Producers
// contribute no edges since their dependencies are only known at evaluation time.
type KeyGraph struct {
	edges map[string][]string
}

// Graph builds the key-dependency graph for host (nil for global entries only).
func (s *Store) Graph(host *Host) *KeyGraph {
	g := &KeyGraph{edges: make(map[string][]string)}

	s.mu.RLock()
	for key, e := range s.entries {
		g.edges[key] = entryDeps(e)
	}
	s.mu.RUnlock()

	if host != nil {
		for key, e := range host.config {
			g.edges[key] = entryDeps(e)
		}
	}
	return g
}

// Dependencies returns the keys referenced by key.
func (g *KeyGraph) Dependencies(key string) []string {
	return g.edges[key]
}

// Validate checks the effective config of host for reference cycles before anything
// is resolved. The first cycle found is returned as a CyclicReferenceError.
func (s *Store) Validate(host *Host) error {
	return s.Graph(host).detectCycles()
}

func entryDeps(e *entry) []string {
	switch v := e.value.(type) {
	case string:
		return Placeholders(v)
	case []string:
		var deps []string
		for _, item := range v {
			deps = append(deps, Placeholders(item)...)
		}
		return deps
	default:
		return nil
	}
}

// detectCycles uses depth-first search to detect reference cycles.
// Keys are visited in sorted order so the reported cycle is stable.
func (g *KeyGraph) detectCycles() error {
	keys := make([]string, 0, len(g.edges))
	for k := range g.edges {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, key := range keys {
		if !visited[key] {
			if cycle := g.detectCyclesUtil(key, visited, recStack, nil); cycle != nil {
				return newCyclicReferenceError(cycle)
			}
		}
	}
	return nil
}

func (g *KeyGraph) detectCyclesUtil(
	key string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[key] = true
	recStack[key] = true
	path = append(path, key)

	for _, dep := range g.edges[key] {
		if !visited[dep] {
			if cycle := g.detectCyclesUtil(dep, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dep] {
			for i, k := range path {
				if k == dep {
					return append(append([]string(nil), path[i:]...), dep)
				}
			}
		}
	}

	recStack[key] = false
	return nil
}
