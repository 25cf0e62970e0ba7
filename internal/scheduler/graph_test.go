package scheduler

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/openretail-dev/heron/internal/domain"
)

func noop(ctx context.Context) error { return nil }

func task(name string, deps ...string) *Task {
	return &Task{Name: name, Deps: deps, Action: noop}
}

func TestNewGraphValidation(t *testing.T) {
	tests := []struct {
		name    string
		tasks   []*Task
		wantMsg string
	}{
		{
			name:    "NoTasks",
			tasks:   nil,
			wantMsg: "no tasks",
		},
		{
			name:    "UnnamedTask",
			tasks:   []*Task{{Name: "", Action: noop}},
			wantMsg: "task name is required",
		},
		{
			name:    "DuplicateName",
			tasks:   []*Task{task("a"), task("a")},
			wantMsg: "duplicate task name",
		},
		{
			name:    "NilAction",
			tasks:   []*Task{{Name: "a"}},
			wantMsg: "has no action",
		},
		{
			name:    "UnknownDependency",
			tasks:   []*Task{task("a", "ghost")},
			wantMsg: "unknown task",
		},
		{
			name:    "SelfDependency",
			tasks:   []*Task{task("a", "a")},
			wantMsg: "depends on itself",
		},
		{
			name:    "DuplicateDependency",
			tasks:   []*Task{task("a"), task("b", "a", "a")},
			wantMsg: "twice",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGraph(tt.tasks)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrInvalidGraph) {
				t.Errorf("expected ErrInvalidGraph, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestCycleDetection(t *testing.T) {
	_, err := NewGraph([]*Task{
		task("a", "c"),
		task("b", "a"),
		task("c", "b"),
	})
	if err == nil {
		t.Fatal("expected cycle error, got nil")
	}
	if !errors.Is(err, ErrCycleFound) {
		t.Fatalf("expected ErrCycleFound, got %v", err)
	}
	if !strings.Contains(err.Error(), " -> ") {
		t.Errorf("cycle error %q does not show the cycle path", err.Error())
	}
}

func TestTopologicalOrderDiamond(t *testing.T) {
	g, err := NewGraph([]*Task{
		task("d", "b", "c"),
		task("b", "a"),
		task("c", "a"),
		task("a"),
	})
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}

	got := g.TopologicalOrder()
	want := []string{"a", "b", "c", "d"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("topological order = %v, want %v", got, want)
	}
}

func TestNamesSorted(t *testing.T) {
	g, err := NewGraph([]*Task{task("z"), task("a"), task("m")})
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	want := []string{"a", "m", "z"}
	if !reflect.DeepEqual(g.Names(), want) {
		t.Errorf("Names() = %v, want %v", g.Names(), want)
	}
}

func TestDownstreamTransitive(t *testing.T) {
	g, err := NewGraph([]*Task{
		task("a"),
		task("b", "a"),
		task("c", "b"),
		task("d", "a"),
	})
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}

	if got, want := g.Downstream("a"), []string{"b", "c", "d"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Downstream(a) = %v, want %v", got, want)
	}
	if got, want := g.Downstream("b"), []string{"c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Downstream(b) = %v, want %v", got, want)
	}
	if got := g.Downstream("c"); len(got) != 0 {
		t.Errorf("Downstream(c) = %v, want empty", got)
	}
	if got := g.Downstream("ghost"); got != nil {
		t.Errorf("Downstream(ghost) = %v, want nil", got)
	}
}

func TestReadyGating(t *testing.T) {
	g, err := NewGraph([]*Task{
		task("a"),
		task("b", "a"),
		task("c", "a"),
		task("d", "b", "c"),
	})
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}

	states := map[string]domain.TaskState{
		"a": domain.TaskPending,
		"b": domain.TaskPending,
		"c": domain.TaskPending,
		"d": domain.TaskPending,
	}
	if got, want := g.Ready(states), []string{"a"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ready = %v, want %v", got, want)
	}

	states["a"] = domain.TaskSucceeded
	if got, want := g.Ready(states), []string{"b", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ready = %v, want %v", got, want)
	}

	// d needs both parents.
	states["b"] = domain.TaskSucceeded
	if got, want := g.Ready(states), []string{"c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ready = %v, want %v", got, want)
	}

	states["c"] = domain.TaskSucceeded
	if got, want := g.Ready(states), []string{"d"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ready = %v, want %v", got, want)
	}

	states["b"] = domain.TaskFailed
	if got := g.Ready(states); len(got) != 0 {
		t.Errorf("ready = %v, want empty when a parent failed", got)
	}
}
