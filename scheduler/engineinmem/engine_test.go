package engineinmem_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"delegate.run/engine/plan"
	"delegate.run/engine/scheduler"
	"delegate.run/engine/scheduler/engineinmem"
)

func TestRunPlan_RunsIndependentTasksToCompletion(t *testing.T) {
	e, err := engineinmem.New(engineinmem.Options{})
	require.NoError(t, err)

	p := &plan.Plan{ID: "plan_1", Tasks: []plan.Task{
		{ID: "task_1", Status: plan.StatusPending},
		{ID: "task_2", Status: plan.StatusPending},
	}}

	runner := scheduler.RunnerFunc(func(_ context.Context, task plan.Task) plan.Task {
		task.Status = plan.StatusCompleted
		task.Result = "done:" + task.ID
		return task
	})

	err = e.RunPlan(context.Background(), p, runner)
	require.NoError(t, err)
	require.Equal(t, plan.StatusCompleted, p.TaskByID("task_1").Status)
	require.Equal(t, plan.StatusCompleted, p.TaskByID("task_2").Status)
}

func TestRunPlan_SkipsDescendantsOfFailedTask(t *testing.T) {
	e, err := engineinmem.New(engineinmem.Options{})
	require.NoError(t, err)

	p := &plan.Plan{ID: "plan_1", Tasks: []plan.Task{
		{ID: "task_1", Status: plan.StatusPending},
		{ID: "task_2", Status: plan.StatusPending, Dependencies: []string{"task_1"}},
	}}

	runner := scheduler.RunnerFunc(func(_ context.Context, task plan.Task) plan.Task {
		if task.ID == "task_1" {
			task.Status = plan.StatusFailed
			task.Error = "boom"
		} else {
			task.Status = plan.StatusCompleted
		}
		return task
	})

	err = e.RunPlan(context.Background(), p, runner)
	require.NoError(t, err)
	require.Equal(t, plan.StatusFailed, p.TaskByID("task_1").Status)
	require.Equal(t, plan.StatusSkipped, p.TaskByID("task_2").Status)
}

func TestRunPlan_RespectsMaxConcurrency(t *testing.T) {
	e, err := engineinmem.New(engineinmem.Options{MaxConcurrency: 2})
	require.NoError(t, err)

	var mu sync.Mutex
	current, peak := 0, 0

	p := &plan.Plan{ID: "plan_1", Tasks: []plan.Task{
		{ID: "task_1", Status: plan.StatusPending},
		{ID: "task_2", Status: plan.StatusPending},
		{ID: "task_3", Status: plan.StatusPending},
		{ID: "task_4", Status: plan.StatusPending},
	}}

	runner := scheduler.RunnerFunc(func(_ context.Context, task plan.Task) plan.Task {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		current--
		mu.Unlock()
		task.Status = plan.StatusCompleted
		return task
	})

	err = e.RunPlan(context.Background(), p, runner)
	require.NoError(t, err)
	require.LessOrEqual(t, peak, 2)
}

func TestRunPlan_CancellationSkipsUndispatchedTasks(t *testing.T) {
	e, err := engineinmem.New(engineinmem.Options{MaxConcurrency: 1})
	require.NoError(t, err)

	p := &plan.Plan{ID: "plan_1", Tasks: []plan.Task{
		{ID: "task_1", Status: plan.StatusPending},
		{ID: "task_2", Status: plan.StatusPending},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	runner := scheduler.RunnerFunc(func(ctx context.Context, task plan.Task) plan.Task {
		cancel()
		<-ctx.Done()
		task.Status = plan.StatusFailed
		task.Error = "cancelled"
		return task
	})

	err = e.RunPlan(ctx, p, runner)
	require.Error(t, err)
	require.Equal(t, plan.StatusSkipped, p.TaskByID("task_2").Status)
}
