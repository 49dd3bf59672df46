// Package engineinmem provides a single-process scheduler.Engine backed by
// goroutines and a counting semaphore. It adapts the teacher's in-memory
// workflow engine (runtime/agent/engine/inmem) from a generic
// workflow/activity registry down to this engine's narrower need: walk one
// Plan's DAG to completion under a concurrency cap.
package engineinmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"delegate.run/engine/plan"
	"delegate.run/engine/scheduler"
	"delegate.run/engine/telemetry"
)

// Options configures an Engine.
type Options struct {
	// MaxConcurrency bounds tasks in flight at once. Defaults to
	// scheduler.DefaultMaxConcurrency.
	MaxConcurrency int

	// TaskTimeout bounds each task's wall-clock execution. Zero means
	// scheduler.DefaultTaskTimeout; a negative value disables the per-task
	// timeout.
	TaskTimeout time.Duration

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// Engine is a goroutine-based scheduler.Engine: not durable, not
// replay-safe, suitable for a single-process deployment or tests.
type Engine struct {
	maxConcurrency int
	taskTimeout    time.Duration

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// New builds an Engine.
func New(opts Options) (*Engine, error) {
	maxConcurrency := opts.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = scheduler.DefaultMaxConcurrency
	}
	taskTimeout := opts.TaskTimeout
	if taskTimeout == 0 {
		taskTimeout = scheduler.DefaultTaskTimeout
	}
	logger, metrics, tracer := telemetry.Defaulted(opts.Logger, opts.Metrics, opts.Tracer)
	return &Engine{
		maxConcurrency: maxConcurrency,
		taskTimeout:    taskTimeout,
		logger:         logger,
		metrics:        metrics,
		tracer:         tracer,
	}, nil
}

type taskResult struct {
	id   string
	task plan.Task
}

// RunPlan implements scheduler.Engine.
func (e *Engine) RunPlan(ctx context.Context, p *plan.Plan, runner scheduler.Runner) error {
	if p.HasCycle() {
		return fmt.Errorf("engineinmem: plan %s has a cyclic or unresolved dependency graph", p.ID)
	}

	var mu sync.Mutex
	results := make(chan taskResult)
	inflight := 0

	dispatch := func(id string) {
		mu.Lock()
		t := *p.TaskByID(id)
		t.Status = plan.StatusRunning
		*p.TaskByID(id) = t
		mu.Unlock()
		inflight++

		go func() {
			taskCtx := ctx
			var cancel context.CancelFunc
			if e.taskTimeout > 0 {
				taskCtx, cancel = context.WithTimeout(ctx, e.taskTimeout)
				defer cancel()
			}
			start := time.Now()
			out := runner.RunTask(taskCtx, t)
			out.DurationMS = time.Since(start).Milliseconds()
			results <- taskResult{id: id, task: out}
		}()
	}

	fillSlots := func() {
		for inflight < e.maxConcurrency {
			ready := p.Ready()
			if len(ready) == 0 {
				return
			}
			dispatch(ready[0])
		}
	}

	fillSlots()
	for inflight > 0 {
		select {
		case <-ctx.Done():
			e.cancelRemaining(p)
			e.drain(results, &inflight, p)
			return ctx.Err()
		case res := <-results:
			inflight--
			mu.Lock()
			*p.TaskByID(res.id) = res.task
			mu.Unlock()
			if res.task.Status == plan.StatusFailed {
				p.SkipDescendants(res.id)
				e.metrics.IncCounter("scheduler.task_failed", 1, "task_id", res.id)
			} else {
				e.metrics.IncCounter("scheduler.task_completed", 1, "task_id", res.id)
			}
			if ctx.Err() == nil {
				fillSlots()
			}
		}
	}
	if ctx.Err() != nil {
		e.cancelRemaining(p)
		return ctx.Err()
	}
	return nil
}

// drain waits for every already-dispatched goroutine to finish sending its
// result (or time out on its own context) so RunPlan never leaks
// goroutines blocked on an unread channel send.
func (e *Engine) drain(results chan taskResult, inflight *int, p *plan.Plan) {
	for *inflight > 0 {
		res := <-results
		*inflight--
		if t := p.TaskByID(res.id); t != nil {
			*t = res.task
		}
	}
}

// cancelRemaining marks every task that never got dispatched as SKIPPED,
// per §5: "PENDING tasks never dispatched become SKIPPED" on cancellation.
func (e *Engine) cancelRemaining(p *plan.Plan) {
	for i := range p.Tasks {
		if p.Tasks[i].Status == plan.StatusPending {
			p.Tasks[i].Status = plan.StatusSkipped
			p.Tasks[i].Error = "cancelled"
		}
	}
}
