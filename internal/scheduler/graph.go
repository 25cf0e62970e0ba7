package scheduler

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/openretail-dev/heron/internal/domain"
)

var (
	ErrInvalidGraph = errors.New("invalid task graph")
	ErrCycleFound   = errors.New("cycle detected")
)

// GraphError wraps deterministic graph validation failures.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidGraph, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(path []string) error {
	msg := "cycle"
	if len(path) > 0 {
		msg = "cycle: " + strings.Join(path, " -> ")
	}
	return &GraphError{Kind: ErrCycleFound, Msg: msg}
}

// Graph is an immutable, validated DAG of tasks. Nodes are held in name
// order, which makes every traversal below deterministic. A Graph is
// safe for concurrent read access; tasks must not be mutated after
// construction.
type Graph struct {
	nodes    []*Task
	index    map[string]int
	outgoing [][]int // dependents by node index, sorted ascending
	incoming [][]int // dependencies by node index, sorted ascending
	indeg    []int
}

// NewGraph builds and validates a Graph from task definitions. Edges
// are derived from each task's Deps list. Validation rejects:
//   - empty task sets, unnamed tasks, duplicate names, nil actions
//   - dependencies on unknown tasks, on the task itself, or listed twice
//   - any cycle, direct or indirect
func NewGraph(tasks []*Task) (*Graph, error) {
	if len(tasks) == 0 {
		return nil, invalidf("no tasks")
	}

	nodes := make([]*Task, 0, len(tasks))
	byName := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		if t == nil {
			return nil, invalidf("nil task")
		}
		if t.Name == "" {
			return nil, invalidf("task name is required")
		}
		if _, exists := byName[t.Name]; exists {
			return nil, invalidf("duplicate task name: %q", t.Name)
		}
		if t.Action == nil {
			return nil, invalidf("task %q has no action", t.Name)
		}
		byName[t.Name] = t
		nodes = append(nodes, t)
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		index[n.Name] = i
	}

	outgoing := make([][]int, len(nodes))
	incoming := make([][]int, len(nodes))
	indeg := make([]int, len(nodes))
	for i, n := range nodes {
		seen := make(map[string]struct{}, len(n.Deps))
		for _, dep := range n.Deps {
			from, ok := index[dep]
			if !ok {
				return nil, invalidf("task %q depends on unknown task %q", n.Name, dep)
			}
			if dep == n.Name {
				return nil, invalidf("task %q depends on itself", n.Name)
			}
			if _, dup := seen[dep]; dup {
				return nil, invalidf("task %q lists dependency %q twice", n.Name, dep)
			}
			seen[dep] = struct{}{}
			outgoing[from] = append(outgoing[from], i)
			incoming[i] = append(incoming[i], from)
			indeg[i]++
		}
	}
	for i := range outgoing {
		sort.Ints(outgoing[i])
	}
	for i := range incoming {
		sort.Ints(incoming[i])
	}

	g := &Graph{
		nodes:    nodes,
		index:    index,
		outgoing: outgoing,
		incoming: incoming,
		indeg:    indeg,
	}
	if order := g.topoOrderIndices(); len(order) != len(nodes) {
		return nil, cycleError(g.findCycle())
	}
	return g, nil
}

// Len returns the number of tasks.
func (g *Graph) Len() int { return len(g.nodes) }

// Task returns a task by name.
func (g *Graph) Task(name string) (*Task, bool) {
	i, ok := g.index[name]
	if !ok {
		return nil, false
	}
	return g.nodes[i], true
}

// Names returns all task names in name order.
func (g *Graph) Names() []string {
	out := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = n.Name
	}
	return out
}

// TopologicalOrder returns a deterministic topological ordering of task
// names. The graph is validated on construction, so this cannot fail.
func (g *Graph) TopologicalOrder() []string {
	order := g.topoOrderIndices()
	names := make([]string, 0, len(order))
	for _, idx := range order {
		names = append(names, g.nodes[idx].Name)
	}
	return names
}

// Downstream returns the names of all transitive dependents of the
// given task, sorted by name. Unknown names yield nil.
func (g *Graph) Downstream(name string) []string {
	start, ok := g.index[name]
	if !ok {
		return nil
	}

	visited := make([]bool, len(g.nodes))
	visited[start] = true
	queue := append([]int(nil), g.outgoing[start]...)
	var out []string
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		if visited[u] {
			continue
		}
		visited[u] = true
		out = append(out, g.nodes[u].Name)
		queue = append(queue, g.outgoing[u]...)
	}
	sort.Strings(out)
	return out
}

// Ready returns the names of tasks that are eligible to start: PENDING
// with every dependency SUCCEEDED. The result is in name order. Ready
// is pure; it mutates neither the graph nor the state map.
func (g *Graph) Ready(states map[string]domain.TaskState) []string {
	var out []string
	for i, n := range g.nodes {
		if states[n.Name] != domain.TaskPending {
			continue
		}
		ok := true
		for _, dep := range g.incoming[i] {
			if states[g.nodes[dep].Name] != domain.TaskSucceeded {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, n.Name)
		}
	}
	return out
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrderIndices returns a deterministic topological ordering of node
// indices via Kahn's algorithm with a min-heap ready queue. A short
// result means the graph has a cycle.
func (g *Graph) topoOrderIndices() []int {
	indeg := make([]int, len(g.indeg))
	copy(indeg, g.indeg)

	ready := &intMinHeap{}
	heap.Init(ready)
	for i := range indeg {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// findCycle extracts one cycle path as a stable witness for error
// reporting. It does not attempt to list every cycle.
func (g *Graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make([]int, len(g.nodes))
	parent := make([]int, len(g.nodes))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.outgoing[u] {
			if color[v] == white {
				parent[v] = u
				if dfs(v) {
					return true
				}
				continue
			}
			if color[v] == gray {
				cycle = append(cycle, v)
				cur := u
				for cur != -1 && cur != v {
					cycle = append(cycle, cur)
					cur = parent[cur]
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := 0; i < len(g.nodes); i++ {
		if color[i] != white {
			continue
		}
		if dfs(i) {
			break
		}
	}
	if len(cycle) == 0 {
		return nil
	}

	out := make([]string, 0, len(cycle))
	for i := len(cycle) - 1; i >= 0; i-- {
		out = append(out, g.nodes[cycle[i]].Name)
	}
	return out
}
