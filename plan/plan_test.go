package plan_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"delegate.run/engine/plan"
)

func linearPlan() *plan.Plan {
	return &plan.Plan{
		ID:    "plan_1",
		Query: "test",
		Tasks: []plan.Task{
			{ID: "task_1", Role: "READER"},
			{ID: "task_2", Role: "CODER", Dependencies: []string{"task_1"}},
			{ID: "task_3", Role: "AGGREGATOR", Dependencies: []string{"task_1", "task_2"}},
		},
	}
}

func TestTopoSort_OrdersDependenciesFirst(t *testing.T) {
	p := linearPlan()
	ordered, err := p.TopoSort()
	require.NoError(t, err)
	ids := make([]string, len(ordered))
	for i, t := range ordered {
		ids[i] = t.ID
	}
	require.Equal(t, []string{"task_1", "task_2", "task_3"}, ids)
}

func TestTopoSort_DetectsCycle(t *testing.T) {
	p := &plan.Plan{Tasks: []plan.Task{
		{ID: "task_1", Dependencies: []string{"task_2"}},
		{ID: "task_2", Dependencies: []string{"task_1"}},
	}}
	_, err := p.TopoSort()
	require.Error(t, err)
	require.True(t, p.HasCycle())
}

func TestTopoSort_DetectsUnknownDependency(t *testing.T) {
	p := &plan.Plan{Tasks: []plan.Task{
		{ID: "task_1", Dependencies: []string{"task_missing"}},
	}}
	_, err := p.TopoSort()
	require.ErrorContains(t, err, "task_missing")
}

func TestReady_OnlyPendingWithSatisfiedDeps(t *testing.T) {
	p := linearPlan()
	for i := range p.Tasks {
		p.Tasks[i].Status = plan.StatusPending
	}
	require.Equal(t, []string{"task_1"}, p.Ready())

	p.TaskByID("task_1").Status = plan.StatusCompleted
	require.Equal(t, []string{"task_2"}, p.Ready())
}

func TestSkipDescendants_CascadesTransitively(t *testing.T) {
	p := linearPlan()
	for i := range p.Tasks {
		p.Tasks[i].Status = plan.StatusPending
	}
	p.TaskByID("task_1").Status = plan.StatusFailed

	skipped := p.SkipDescendants("task_1")

	require.Equal(t, []string{"task_2", "task_3"}, skipped)
	require.Equal(t, plan.StatusSkipped, p.TaskByID("task_2").Status)
	require.Equal(t, plan.StatusSkipped, p.TaskByID("task_3").Status)
}
