// Package scheduler defines TaskScheduler's contract: walk a Plan's DAG to
// completion, dispatching each dependency-satisfied task to a Runner under
// a bounded-concurrency, cancellation-aware Engine. Two Engine backends
// live in sibling packages: engineinmem (goroutines, single process) and
// enginetemporal (a durable Temporal workflow, one activity per task).
package scheduler

import (
	"context"
	"time"

	"delegate.run/engine/plan"
)

// Runner executes one Task to a terminal Status (COMPLETED or FAILED),
// filling in Result/Error/ModelUsed/ToolCalls/LoopIterations/Attempts. It
// is the seam through which AgentExecutor, QualityValidator, and
// EscalationManager are wired into the scheduler by the orchestrator.
type Runner interface {
	RunTask(ctx context.Context, task plan.Task) plan.Task
}

// RunnerFunc adapts a plain function to Runner.
type RunnerFunc func(ctx context.Context, task plan.Task) plan.Task

// RunTask implements Runner.
func (f RunnerFunc) RunTask(ctx context.Context, task plan.Task) plan.Task { return f(ctx, task) }

// Engine walks p's dependency graph to completion, dispatching every
// dependency-satisfied task to runner. Implementations mutate p.Tasks in
// place (updating Status/Result/Error/etc.) and must respect §5's
// cancellation semantics: a cancelled in-flight task becomes FAILED with
// error "cancelled", and PENDING tasks never dispatched become SKIPPED.
// RunPlan returns ctx.Err() when the run did not reach a terminal state
// for every task because ctx was cancelled first.
type Engine interface {
	RunPlan(ctx context.Context, p *plan.Plan, runner Runner) error
}

// DefaultMaxConcurrency is the scheduler's fallback pool-capacity cap
// (§5: min(pool_capacity, 4)) when the caller does not size it off the
// ModelRouter's own concurrency limits.
const DefaultMaxConcurrency = 4

// DefaultTaskTimeout is the per-task wall-clock budget (§6 task.wall_timeout_ms).
const DefaultTaskTimeout = 300 * time.Second
