// Package engine wires AgentCatalogue, ModelRouter, ToolGateway, Planner,
// TaskScheduler, AgentExecutor, QualityValidator, EscalationManager, and
// Aggregator into the full Query -> Answer control flow: Query ->
// PromptContextBuilder -> Planner -> PlanValidator (inside Planner) ->
// TaskScheduler -> per task: AgentExecutor -> QualityValidator ->
// EscalationManager (on failure) -> Aggregator -> Answer.
package engine

import (
	"context"
	"fmt"

	"delegate.run/engine/aggregator"
	"delegate.run/engine/catalogue"
	"delegate.run/engine/escalation"
	"delegate.run/engine/executor"
	"delegate.run/engine/plan"
	"delegate.run/engine/planner"
	"delegate.run/engine/promptctx"
	"delegate.run/engine/quality"
	"delegate.run/engine/scheduler"
	"delegate.run/engine/scheduler/engineinmem"
	"delegate.run/engine/telemetry"
	"delegate.run/engine/trace"
)

func defaultScheduler() (scheduler.Engine, error) {
	return engineinmem.New(engineinmem.Options{})
}

// Options configures an Engine. Every sub-component is already constructed
// and wired with its own telemetry; Engine only orchestrates the calls
// between them.
type Options struct {
	Catalogue  *catalogue.Catalogue
	Planner    *planner.Planner
	Executor   *executor.Executor
	Quality    *quality.Validator   // optional; nil disables post-hoc critique
	Escalation *escalation.Manager  // optional; nil disables remote fallback
	Aggregator *aggregator.Aggregator
	Scheduler  scheduler.Engine // optional; defaults to engineinmem.New(default Options)
	Trace      *trace.Logger    // optional

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// Engine is the delegation engine's top-level entry point.
type Engine struct {
	catalogue  *catalogue.Catalogue
	planner    *planner.Planner
	executor   *executor.Executor
	quality    *quality.Validator
	escalation *escalation.Manager
	aggregator *aggregator.Aggregator
	scheduler  scheduler.Engine
	trace      *trace.Logger

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// New builds an Engine from pre-constructed components.
func New(opts Options) (*Engine, error) {
	if opts.Catalogue == nil {
		return nil, fmt.Errorf("engine: catalogue is required")
	}
	if opts.Planner == nil {
		return nil, fmt.Errorf("engine: planner is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("engine: executor is required")
	}
	if opts.Aggregator == nil {
		return nil, fmt.Errorf("engine: aggregator is required")
	}
	sched := opts.Scheduler
	if sched == nil {
		s, err := defaultScheduler()
		if err != nil {
			return nil, err
		}
		sched = s
	}
	logger, metrics, tracer := telemetry.Defaulted(opts.Logger, opts.Metrics, opts.Tracer)
	return &Engine{
		catalogue:  opts.Catalogue,
		planner:    opts.Planner,
		executor:   opts.Executor,
		quality:    opts.Quality,
		escalation: opts.Escalation,
		aggregator: opts.Aggregator,
		scheduler:  sched,
		trace:      opts.Trace,
		logger:     logger,
		metrics:    metrics,
		tracer:     tracer,
	}, nil
}

// Result is the outcome of one Answer call: the final text plus the Plan
// that produced it, for callers that want the full task-by-task trace.
type Result struct {
	Answer string
	Plan   *plan.Plan
}

// Answer runs the full delegation pipeline for one user query: produces a
// validated Plan, executes its DAG with bounded parallelism, runs each
// completed task's result through QualityValidator and, on failure,
// EscalationManager, then synthesizes a final answer via Aggregator.
func (e *Engine) Answer(ctx context.Context, query string, env promptctx.Environment) (Result, error) {
	ctx, span := e.tracer.StartSpan(ctx, "engine.answer")
	defer span.End()

	pl, err := e.planner.Produce(ctx, query, env)
	if err != nil {
		span.RecordError(err)
		if e.trace != nil {
			e.trace.Log(trace.EventPlanRejected, "", "", "", map[string]any{"query": query, "error": err.Error()})
		}
		return Result{}, err
	}
	if e.trace != nil {
		e.trace.Log(trace.EventPlanValidated, "", "", "", map[string]any{
			"plan_id": pl.ID, "task_count": len(pl.Tasks), "generation_attempt": pl.GenerationAttempt,
		})
	}
	e.metrics.IncCounter("engine.plan_produced", 1)

	runner := scheduler.RunnerFunc(func(ctx context.Context, task plan.Task) plan.Task {
		return e.runTask(ctx, task, env)
	})
	if err := e.scheduler.RunPlan(ctx, pl, runner); err != nil {
		span.RecordError(err)
		return Result{Plan: pl}, err
	}

	answer, err := e.aggregator.Aggregate(ctx, *pl)
	if err != nil {
		span.RecordError(err)
		return Result{Plan: pl}, err
	}
	if e.trace != nil {
		e.trace.Log(trace.EventAggregation, "", "", "", map[string]any{"plan_id": pl.ID})
	}
	return Result{Answer: answer, Plan: pl}, nil
}

// runTask drives one task from PENDING to a terminal state: AgentExecutor,
// then (for critical roles, on a COMPLETED result) QualityValidator's
// retry-with-feedback loop, then EscalationManager once local attempts are
// exhausted and still FAILED.
func (e *Engine) runTask(ctx context.Context, task plan.Task, env promptctx.Environment) plan.Task {
	def, err := e.catalogue.Get(task.Role)
	if err != nil {
		task.Status = plan.StatusFailed
		task.Error = err.Error()
		return task
	}

	originalDescription := task.Description
	qualityAttempts := 0
	failedLocalAttempts := 0

	for {
		outcome := e.executor.Execute(ctx, def, task, env)
		applyOutcome(&task, outcome)

		if task.Status == plan.StatusCompleted {
			if e.quality != nil && e.quality.Applies(task.Role) {
				review, rerr := e.quality.Review(ctx, def, task, task.Result)
				if rerr == nil && review.Verdict == quality.VerdictRetry && qualityAttempts < e.quality.MaxRetries() {
					qualityAttempts++
					e.metrics.IncCounter("engine.quality_retry", 1, "role", task.Role)
					task.Description = fmt.Sprintf("%s\n\nYour previous attempt was rejected on review: %s",
						originalDescription, review.Feedback)
					continue
				}
			}
			return task
		}

		failedLocalAttempts += task.Attempts
		if e.escalation != nil && e.escalation.ShouldEscalate(failedLocalAttempts) {
			esc, eerr := e.escalation.Escalate(ctx, def, task, env)
			applyOutcome(&task, esc)
			if eerr != nil {
				task.Status = plan.StatusFailed
				task.Error = eerr.Error()
			}
		}
		return task
	}
}

func applyOutcome(task *plan.Task, outcome executor.Outcome) {
	task.Status = outcome.Status
	task.Result = outcome.Result
	task.Attempts = outcome.Attempts
	task.LoopIterations = outcome.LoopIterations
	task.ToolCalls = outcome.ToolCalls
	if outcome.Err != nil {
		task.Error = outcome.Err.Error()
	} else {
		task.Error = ""
	}
	if len(outcome.ModelsUsed) > 0 {
		task.ModelUsed = outcome.ModelsUsed[len(outcome.ModelsUsed)-1]
	}
}
