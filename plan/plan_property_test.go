package plan_test

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"delegate.run/engine/plan"
)

// forwardOnlyPlan builds n tasks where task i only depends on tasks with a
// lower index, per the edges bitmap (edges[i] selects which j < i task i
// depends on). This is acyclic by construction.
func forwardOnlyPlan(n int, edges []uint64) *plan.Plan {
	p := &plan.Plan{ID: "plan_1"}
	for i := 0; i < n; i++ {
		t := plan.Task{ID: fmt.Sprintf("task_%d", i)}
		if i > 0 {
			mask := edges[i%len(edges)]
			for j := 0; j < i; j++ {
				if mask&(1<<uint(j%64)) != 0 {
					t.Dependencies = append(t.Dependencies, fmt.Sprintf("task_%d", j))
				}
			}
		}
		p.Tasks = append(p.Tasks, t)
	}
	return p
}

func TestTopoSort_ForwardOnlyGraphsAreAlwaysAcyclic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("a graph whose edges only point to lower-indexed tasks always sorts", prop.ForAll(
		func(n int, edges []uint64) bool {
			if len(edges) == 0 {
				edges = []uint64{0}
			}
			p := forwardOnlyPlan(n, edges)
			ordered, err := p.TopoSort()
			if err != nil {
				return false
			}
			if len(ordered) != n {
				return false
			}
			position := make(map[string]int, n)
			for i, task := range ordered {
				position[task.ID] = i
			}
			for _, task := range ordered {
				for _, dep := range task.Dependencies {
					if position[dep] >= position[task.ID] {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(1, 12),
		gen.SliceOf(gen.UInt64Range(0, 1<<20)),
	))

	properties.TestingRun(t)
}

// ringPlan builds n tasks in a pure cycle: task i depends on task
// (i+1)%n, so every task participates in exactly one cycle when n > 1.
func ringPlan(n int) *plan.Plan {
	p := &plan.Plan{ID: "plan_1"}
	for i := 0; i < n; i++ {
		dep := fmt.Sprintf("task_%d", (i+1)%n)
		p.Tasks = append(p.Tasks, plan.Task{ID: fmt.Sprintf("task_%d", i), Dependencies: []string{dep}})
	}
	return p
}

func TestTopoSort_RingGraphsAreAlwaysCyclic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("a ring of any size greater than one is always detected as cyclic", prop.ForAll(
		func(n int) bool {
			p := ringPlan(n)
			return p.HasCycle()
		},
		gen.IntRange(2, 20),
	))

	properties.TestingRun(t)
}

func TestReady_NeverReturnsATaskWithAnIncompleteDependency(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Ready only names tasks whose dependencies are all COMPLETED", prop.ForAll(
		func(n int, edges []uint64, completedMask uint64) bool {
			if len(edges) == 0 {
				edges = []uint64{0}
			}
			p := forwardOnlyPlan(n, edges)
			for i := range p.Tasks {
				if completedMask&(1<<uint(i%64)) != 0 {
					p.Tasks[i].Status = plan.StatusCompleted
				} else {
					p.Tasks[i].Status = plan.StatusPending
				}
			}
			ready := p.Ready()
			for _, id := range ready {
				task := p.TaskByID(id)
				for _, dep := range task.Dependencies {
					if p.TaskByID(dep).Status != plan.StatusCompleted {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(1, 12),
		gen.SliceOf(gen.UInt64Range(0, 1<<20)),
		gen.UInt64Range(0, 1<<20),
	))

	properties.TestingRun(t)
}
