// Package aggregator implements Aggregator: turns a Plan's per-task
// results into the single final answer returned to the user.
package aggregator

import (
	"context"
	"fmt"
	"strings"

	"delegate.run/engine/catalogue"
	"delegate.run/engine/errs"
	"delegate.run/engine/modelrouter"
	"delegate.run/engine/plan"
	"delegate.run/engine/telemetry"
)

// artifactFence marks a task result as carrying a verbatim artifact block
// that must never be paraphrased by a synthesis call.
const artifactFence = "```artifact:"

// Options configures an Aggregator.
type Options struct {
	Router         *modelrouter.Router
	PreferredModel string

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// Aggregator implements the §4.10 rules.
type Aggregator struct {
	router         *modelrouter.Router
	preferredModel string

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// New builds an Aggregator.
func New(opts Options) (*Aggregator, error) {
	if opts.Router == nil {
		return nil, fmt.Errorf("aggregator: router is required")
	}
	logger, metrics, tracer := telemetry.Defaulted(opts.Logger, opts.Metrics, opts.Tracer)
	return &Aggregator{
		router:         opts.Router,
		preferredModel: opts.PreferredModel,
		logger:         logger,
		metrics:        metrics,
		tracer:         tracer,
	}, nil
}

// Aggregate produces the final answer from p's completed tasks, in plan
// order. Tasks that did not complete (FAILED/SKIPPED) are excluded.
func (a *Aggregator) Aggregate(ctx context.Context, p plan.Plan) (string, error) {
	ctx, span := a.tracer.StartSpan(ctx, "aggregator.aggregate")
	defer span.End()

	completed := completedTasks(p)
	if len(completed) == 0 {
		return "", errs.Errorf(errs.KindAggregationFailed, "plan %s produced no completed tasks to aggregate", p.ID)
	}
	if len(completed) == 1 {
		a.metrics.IncCounter("aggregator.mode", 1, "mode", "single_task")
		return completed[0].Result, nil
	}

	artifacts := artifactTasks(completed)
	if len(artifacts) > 0 {
		a.metrics.IncCounter("aggregator.mode", 1, "mode", "artifact_passthrough")
		return concatenate(artifacts), nil
	}

	a.metrics.IncCounter("aggregator.mode", 1, "mode", "synthesis")
	answer, err := a.synthesize(ctx, p, completed)
	if err != nil {
		span.RecordError(err)
		a.logger.Warn(ctx, "aggregation call failed, falling back to concatenation", "plan_id", p.ID, "error", err)
		a.metrics.IncCounter("aggregator.fallback", 1, "plan_id", p.ID)
		return concatenateWithFraming(completed), nil
	}
	return answer, nil
}

func completedTasks(p plan.Plan) []plan.Task {
	var out []plan.Task
	for _, t := range p.Tasks {
		if t.Status == plan.StatusCompleted {
			out = append(out, t)
		}
	}
	return out
}

func artifactTasks(tasks []plan.Task) []plan.Task {
	var out []plan.Task
	for _, t := range tasks {
		if strings.Contains(t.Result, artifactFence) {
			out = append(out, t)
		}
	}
	return out
}

func concatenate(tasks []plan.Task) string {
	parts := make([]string, 0, len(tasks))
	for _, t := range tasks {
		parts = append(parts, t.Result)
	}
	return strings.Join(parts, "\n\n")
}

// concatenateWithFraming is the failure-mode fallback: minimal per-task
// headers instead of the LLM-synthesized prose.
func concatenateWithFraming(tasks []plan.Task) string {
	var b strings.Builder
	for i, t := range tasks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "### %s\n%s", t.ID, t.Result)
	}
	return b.String()
}

func (a *Aggregator) synthesize(ctx context.Context, p plan.Plan, tasks []plan.Task) (string, error) {
	var body strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&body, "Task %s: %s\nResult: %s\n\n", t.ID, t.Description, t.Result)
	}

	def := catalogue.AgentDef{AgentType: "AGGREGATOR", Temperature: 0.1}
	req := modelrouter.Request{
		Messages: []modelrouter.Message{
			{Role: "system", Content: "You synthesize several task results into one coherent answer to the " +
				"user's original query. Preserve every citation, file path, and quoted value exactly as given; " +
				"never invent new ones. Do not mention the tasks themselves, only answer the query."},
			{Role: "user", Content: fmt.Sprintf("Original query: %s\n\n%s", p.Query, body.String())},
		},
		Temperature: 0.1,
	}
	if a.preferredModel != "" {
		def.PreferredModel = a.preferredModel
	}

	resp, _, err := a.router.Complete(ctx, def, req)
	if err != nil {
		return "", errs.Wrap(errs.KindAggregationFailed, err)
	}
	return resp.Text, nil
}
