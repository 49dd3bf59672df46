// Package escalation implements EscalationManager: the last-resort path
// that re-runs a task against a high-capability remote provider once
// local-model attempts are exhausted, subject to a rolling hourly spend
// budget and a per-request token ceiling.
package escalation

import (
	"context"
	"fmt"
	"time"

	"delegate.run/engine/catalogue"
	"delegate.run/engine/errs"
	"delegate.run/engine/executor"
	"delegate.run/engine/plan"
	"delegate.run/engine/promptctx"
	"delegate.run/engine/telemetry"
)

const (
	defaultHourlyBudgetUSD     = 5.0
	defaultMaxTokensPerRequest = 8192
	defaultThreshold           = 1
	defaultCostPerThousand     = 0.015
)

// Options configures a Manager.
type Options struct {
	// Executor runs the actual agent loop against the remote provider.
	// It must already be wired to a ModelRouter whose pool contains only
	// the remote high-capability model(s) — EscalationManager does not
	// itself choose which model to call, only whether and how much.
	Executor *executor.Executor

	// Journal records usage. Defaults to an in-memory journal.
	Journal Journal

	// HourlyBudgetUSD bounds rolling-hour spend. Defaults to 5.00.
	HourlyBudgetUSD float64

	// MaxTokensPerRequest caps a single escalation call's MaxContextTokens.
	// Defaults to 8192.
	MaxTokensPerRequest int

	// Threshold is the number of failed local attempts required before
	// escalation triggers. Defaults to 1 (escalate after the first local
	// failure), matching §5's "exactly once" guarantee.
	Threshold int

	// CostPerThousandTokens estimates USD cost when the provider's own
	// usage accounting is unavailable. Defaults to 0.015.
	CostPerThousandTokens float64

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// Manager runs the escalation path.
type Manager struct {
	executor   *executor.Executor
	journal    Journal
	budget     float64
	maxTokens  int
	threshold  int
	costPerK   float64

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// New builds a Manager.
func New(opts Options) (*Manager, error) {
	if opts.Executor == nil {
		return nil, fmt.Errorf("escalation: executor is required")
	}
	journal := opts.Journal
	if journal == nil {
		journal = NewInMemoryJournal()
	}
	budget := opts.HourlyBudgetUSD
	if budget <= 0 {
		budget = defaultHourlyBudgetUSD
	}
	maxTokens := opts.MaxTokensPerRequest
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokensPerRequest
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	costPerK := opts.CostPerThousandTokens
	if costPerK <= 0 {
		costPerK = defaultCostPerThousand
	}
	logger, metrics, tracer := telemetry.Defaulted(opts.Logger, opts.Metrics, opts.Tracer)
	return &Manager{
		executor:  opts.Executor,
		journal:   journal,
		budget:    budget,
		maxTokens: maxTokens,
		threshold: threshold,
		costPerK:  costPerK,
		logger:    logger,
		metrics:   metrics,
		tracer:    tracer,
	}, nil
}

// ShouldEscalate reports whether failedLocalAttempts meets the configured
// threshold and escalation should be attempted next.
func (m *Manager) ShouldEscalate(failedLocalAttempts int) bool {
	return failedLocalAttempts >= m.threshold
}

// Escalate runs task against the remote provider, subject to the hourly
// budget. Returns errs.KindBudgetExceeded without calling the model at
// all if the rolling-hour spend already meets or exceeds the budget.
func (m *Manager) Escalate(ctx context.Context, def catalogue.AgentDef, task plan.Task, env promptctx.Environment) (executor.Outcome, error) {
	ctx, span := m.tracer.StartSpan(ctx, "escalation.escalate")
	defer span.End()

	since := time.Now().Add(-time.Hour)
	spent, err := m.journal.SpentSince(ctx, since)
	if err != nil {
		m.logger.Warn(ctx, "escalation journal read failed, proceeding without budget check", "error", err)
	} else if spent >= m.budget {
		m.metrics.IncCounter("escalation.budget_exceeded", 1, "role", def.AgentType)
		return executor.Outcome{Status: plan.StatusFailed}, errs.Errorf(errs.KindBudgetExceeded,
			"escalation budget of $%.2f/hour exhausted (spent $%.2f)", m.budget, spent)
	}

	capped := def
	if capped.MaxContextTokens <= 0 || capped.MaxContextTokens > m.maxTokens {
		capped.MaxContextTokens = m.maxTokens
	}

	m.metrics.IncCounter("escalation.attempt", 1, "role", def.AgentType)
	out := m.executor.Execute(ctx, capped, task, env)

	modelTag := ""
	if len(out.ModelsUsed) > 0 {
		modelTag = out.ModelsUsed[len(out.ModelsUsed)-1]
	}
	tokens := estimateTokens(task.Description, out.Result)
	cost := float64(tokens) / 1000.0 * m.costPerK
	if recErr := m.journal.Record(ctx, Entry{
		Timestamp:       time.Now(),
		Role:            def.AgentType,
		ModelTag:        modelTag,
		EstimatedTokens: tokens,
		CostEstimateUSD: cost,
		TaskID:          task.ID,
	}); recErr != nil {
		m.logger.Warn(ctx, "escalation journal write failed", "error", recErr)
	}

	span.SetAttribute("model_tag", modelTag)
	span.SetAttribute("estimated_cost_usd", cost)
	if out.Status != plan.StatusCompleted && out.Err != nil {
		span.RecordError(out.Err)
	}
	m.logger.Info(ctx, "escalation completed", "task_id", task.ID, "status", out.Status, "cost_estimate_usd", cost)
	return out, nil
}

// estimateTokens is a rough chars/4 heuristic, used only when the
// provider adapter does not surface real usage counts back through
// executor.Outcome.
func estimateTokens(strs ...string) int {
	total := 0
	for _, s := range strs {
		total += len(s)
	}
	n := total / 4
	if n < 1 {
		n = 1
	}
	return n
}
