package engine

import (
	"fmt"
	"strings"
)

// Expand flattens entry into the linear schedule executed on every host:
// before-hooks, then the task itself (or, for a group, each member), then
// after-hooks, applied recursively. Group tasks never appear in the schedule.
//
// A task reachable from itself through hooks or group members fails with a
// CyclicPipelineError. The same task may appear more than once when it is reached
// through unrelated paths.
func (r *Registry) Expand(entry string) ([]*Task, error) {
	schedule := make([]*Task, 0)
	if err := r.expand(entry, nil, func(t *Task) { schedule = append(schedule, t) }); err != nil {
		return nil, err
	}
	return schedule, nil
}

// ScheduleNames returns the task names of an expanded schedule.
func ScheduleNames(schedule []*Task) []string {
	names := make([]string, len(schedule))
	for i, t := range schedule {
		names[i] = t.Name
	}
	return names
}

func (r *Registry) expand(name string, path []string, emit func(*Task)) error {
	for i, p := range path {
		if p == name {
			cycle := append(append([]string(nil), path[i:]...), name)
			return newCyclicPipelineError(cycle)
		}
	}

	task, ok := r.Get(name)
	if !ok {
		err := newTaskNotFoundError(name)
		if len(path) > 0 {
			err.WithDetail("referenced_by", path[len(path)-1])
		}
		return err
	}

	path = append(path, name)

	for _, hook := range r.BeforeHooks(name) {
		if err := r.expand(hook, path, emit); err != nil {
			return err
		}
	}

	if group, ok := task.Body.(Group); ok {
		for _, member := range group {
			if err := r.expand(member, path, emit); err != nil {
				return err
			}
		}
	} else {
		emit(task)
	}

	for _, hook := range r.AfterHooks(name) {
		if err := r.expand(hook, path, emit); err != nil {
			return err
		}
	}

	return nil
}

// EdgeType describes why one task is reached from another.
type EdgeType string

const (
	// EdgeBefore links a task to one of its before-hooks.
	EdgeBefore EdgeType = "before"

	// EdgeAfter links a task to one of its after-hooks.
	EdgeAfter EdgeType = "after"

	// EdgeMember links a group to one of its members.
	EdgeMember EdgeType = "member"
)

// PipelineEdge is an edge of a pipeline graph.
type PipelineEdge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Type EdgeType `json:"type"`
}

// PipelineGraph is the hook and group structure reachable from an entry task,
// together with its expanded schedule.
type PipelineGraph struct {
	Entry    string          `json:"entry"`
	Nodes    []*Task         `json:"nodes"`
	Edges    []PipelineEdge  `json:"edges"`
	Schedule []string        `json:"schedule"`
	index    map[string]bool
}

// Graph builds the pipeline graph of entry. It fails like Expand.
func (r *Registry) Graph(entry string) (*PipelineGraph, error) {
	schedule, err := r.Expand(entry)
	if err != nil {
		return nil, err
	}

	g := &PipelineGraph{
		Entry:    entry,
		Nodes:    make([]*Task, 0),
		Edges:    make([]PipelineEdge, 0),
		Schedule: ScheduleNames(schedule),
		index:    make(map[string]bool),
	}
	r.walk(g, entry)
	return g, nil
}

// walk visits each node once; Expand has already ruled out cycles.
func (r *Registry) walk(g *PipelineGraph, name string) {
	if g.index[name] {
		return
	}
	g.index[name] = true
	task, _ := r.Get(name)
	g.Nodes = append(g.Nodes, task)

	for _, hook := range r.BeforeHooks(name) {
		g.Edges = append(g.Edges, PipelineEdge{From: name, To: hook, Type: EdgeBefore})
		r.walk(g, hook)
	}
	if group, ok := task.Body.(Group); ok {
		for _, member := range group {
			g.Edges = append(g.Edges, PipelineEdge{From: name, To: member, Type: EdgeMember})
			r.walk(g, member)
		}
	}
	for _, hook := range r.AfterHooks(name) {
		g.Edges = append(g.Edges, PipelineEdge{From: name, To: hook, Type: EdgeAfter})
		r.walk(g, hook)
	}
}

// ToDOT generates a DOT format representation of the pipeline for visualization.
// The output can be rendered with Graphviz tools.
func (g *PipelineGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Pipeline {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	position := make(map[string][]int)
	for i, name := range g.Schedule {
		position[name] = append(position[name], i+1)
	}

	for _, task := range g.Nodes {
		label := task.Name
		if steps := position[task.Name]; len(steps) > 0 {
			label = fmt.Sprintf("%s\\n#%s", task.Name, joinInts(steps))
		}
		style := "filled,rounded"
		if task.LocalOnly {
			style = "filled,rounded,dashed"
		}
		sb.WriteString(fmt.Sprintf("  \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"%s\"];\n",
			task.Name, label, getBodyColor(task.Body.Kind()), style))
	}

	sb.WriteString("\n")
	for _, edge := range g.Edges {
		sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [%s];\n",
			edge.From, edge.To, getEdgeStyle(edge.Type)))
	}

	sb.WriteString("}\n")
	return sb.String()
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ",")
}

// getBodyColor returns a color for visualizing body kinds.
func getBodyColor(kind BodyKind) string {
	switch kind {
	case BodyKindCommand:
		return "lightblue"
	case BodyKindFunc:
		return "lightgreen"
	case BodyKindGroup:
		return "lightgray"
	default:
		return "white"
	}
}

// getEdgeStyle returns a DOT style string for edge types.
func getEdgeStyle(edgeType EdgeType) string {
	switch edgeType {
	case EdgeBefore:
		return "style=dashed, color=blue, label=\"before\""
	case EdgeAfter:
		return "style=dotted, color=gray, label=\"after\""
	default:
		return "style=solid, color=black"
	}
}
