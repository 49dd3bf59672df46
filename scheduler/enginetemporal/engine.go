// Package enginetemporal provides a durable scheduler.Engine backed by
// Temporal: one workflow execution per Plan, one activity invocation per
// Task. Adapts the teacher's Temporal adapter (runtime/agent/engine/temporal)
// — Options shape, Client/ClientOptions split, auto-starting per-queue
// workers — to this engine's narrower contract (a single RunPlan call
// instead of a generic workflow/activity registry).
package enginetemporal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"delegate.run/engine/plan"
	"delegate.run/engine/scheduler"
	"delegate.run/engine/telemetry"
)

const (
	workflowName = "delegate.RunPlan"
	activityName = "delegate.ExecuteTask"
)

var _ scheduler.Engine = (*Engine)(nil)

// Options configures an Engine.
type Options struct {
	// Client is a pre-configured Temporal client. Required.
	Client client.Client

	// TaskQueue is the queue the engine's worker listens on and the queue
	// every RunPlan workflow is started against. Required.
	TaskQueue string

	// TaskTimeout bounds each activity's (task's) execution, forwarded as
	// the activity's StartToCloseTimeout. Defaults to scheduler.DefaultTaskTimeout.
	TaskTimeout time.Duration

	// DisableWorkerAutoStart skips starting the worker in New, for callers
	// that want to register additional activities before Run().
	DisableWorkerAutoStart bool

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// Engine implements scheduler.Engine against a Temporal cluster. Every
// RunPlan call starts one workflow execution; the workflow function itself
// walks the Plan's DAG deterministically, dispatching ready tasks as
// concurrent activity calls via workflow.ExecuteActivity/workflow.Selector.
// Unlike engineinmem, which refills free slots under a concurrency cap as
// each task finishes, it works in waves: every ready task starts at once,
// with no cap, and the next wave starts only when the whole wave is done.
type Engine struct {
	client      client.Client
	taskQueue   string
	taskTimeout time.Duration
	worker      worker.Worker

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	mu      sync.Mutex
	runner  scheduler.Runner
	started bool
}

// New builds an Engine, registers its workflow and activity, and (unless
// DisableWorkerAutoStart) starts the worker. runner is invoked from inside
// the activity handler for every task; it is bound once at construction,
// standard practice for Temporal workers since activities must be
// registered before the worker starts, not per call.
func New(opts Options, runner scheduler.Runner) (*Engine, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("enginetemporal: client is required")
	}
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("enginetemporal: task queue is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("enginetemporal: runner is required")
	}
	taskTimeout := opts.TaskTimeout
	if taskTimeout == 0 {
		taskTimeout = scheduler.DefaultTaskTimeout
	}
	logger, metrics, tracer := telemetry.Defaulted(opts.Logger, opts.Metrics, opts.Tracer)

	e := &Engine{
		client:      opts.Client,
		taskQueue:   opts.TaskQueue,
		taskTimeout: taskTimeout,
		runner:      runner,
		logger:      logger,
		metrics:     metrics,
		tracer:      tracer,
	}

	w := worker.New(opts.Client, opts.TaskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(e.runPlanWorkflow, workflow.RegisterOptions{Name: workflowName})
	w.RegisterActivityWithOptions(e.executeTaskActivity, activity.RegisterOptions{Name: activityName})
	e.worker = w

	if !opts.DisableWorkerAutoStart {
		if err := w.Start(); err != nil {
			return nil, fmt.Errorf("enginetemporal: starting worker: %w", err)
		}
		e.started = true
	}
	return e, nil
}

// Close stops the worker if it was auto-started.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		e.worker.Stop()
		e.started = false
	}
}

// planInput is the serializable payload handed to the RunPlan workflow.
type planInput struct {
	Plan plan.Plan
}

// planOutput is the serializable result a RunPlan workflow returns.
type planOutput struct {
	Plan plan.Plan
}

// RunPlan implements scheduler.Engine by starting one workflow execution
// per call and blocking until it completes, then copying the returned
// Plan's task states back into p.
func (e *Engine) RunPlan(ctx context.Context, p *plan.Plan, _ scheduler.Runner) error {
	run, err := e.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        "plan-" + p.ID,
		TaskQueue: e.taskQueue,
	}, workflowName, planInput{Plan: *p})
	if err != nil {
		return fmt.Errorf("enginetemporal: starting workflow: %w", err)
	}

	var out planOutput
	if err := run.Get(ctx, &out); err != nil {
		return fmt.Errorf("enginetemporal: workflow run failed: %w", err)
	}
	*p = out.Plan
	return nil
}

// runPlanWorkflow is the deterministic workflow body: a wave-by-wave DAG
// walk using plan.Ready()/SkipDescendants (pure functions over workflow
// input, safe to call during replay) and workflow.ExecuteActivity for each
// ready task, fanned out with workflow.Go + workflow.Selector the way a
// Temporal workflow must express concurrency (raw goroutines are not
// replay-safe).
func (e *Engine) runPlanWorkflow(ctx workflow.Context, in planInput) (planOutput, error) {
	p := in.Plan
	ao := workflow.ActivityOptions{StartToCloseTimeout: e.taskTimeout}
	ctx = workflow.WithActivityOptions(ctx, ao)

	for {
		ready := p.Ready()
		if len(ready) == 0 {
			break
		}
		selector := workflow.NewSelector(ctx)
		resultsByID := make(map[string]plan.Task, len(ready))
		pending := len(ready)

		for _, id := range ready {
			id := id
			task := *p.TaskByID(id)
			task.Status = plan.StatusRunning
			*p.TaskByID(id) = task
			future := workflow.ExecuteActivity(ctx, activityName, task)
			selector.AddFuture(future, func(f workflow.Future) {
				var out plan.Task
				if err := f.Get(ctx, &out); err != nil {
					out = task
					out.Status = plan.StatusFailed
					out.Error = err.Error()
				}
				resultsByID[id] = out
				pending--
			})
		}
		for pending > 0 {
			selector.Select(ctx)
		}
		for id, out := range resultsByID {
			*p.TaskByID(id) = out
			if out.Status == plan.StatusFailed {
				p.SkipDescendants(id)
			}
		}
	}
	return planOutput{Plan: p}, nil
}

// executeTaskActivity is the single registered activity: it runs exactly
// one Task through the bound Runner. Activities may perform I/O and are
// not subject to the workflow's determinism constraints.
func (e *Engine) executeTaskActivity(ctx context.Context, task plan.Task) (plan.Task, error) {
	return e.runner.RunTask(ctx, task), nil
}
