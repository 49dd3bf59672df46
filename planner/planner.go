// Package planner implements Planner: turns a user query plus an
// ExecutionContext into a validated Plan, retrying against PlanValidator's
// feedback and tolerating parse failures up to a configurable budget.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"delegate.run/engine/catalogue"
	"delegate.run/engine/errs"
	"delegate.run/engine/modelrouter"
	"delegate.run/engine/plan"
	"delegate.run/engine/promptctx"
	"delegate.run/engine/telemetry"
	"delegate.run/engine/validator"
)

const (
	defaultPlanMaxRetries  = 2 // PLAN_MAX_RETRIES: 2 validator-feedback retries, 3 attempts total
	defaultParseMaxRetries = 2 // M parse retries before PlanProductionFailed
)

// Options configures a Planner.
type Options struct {
	Router    *modelrouter.Router
	Catalogue *catalogue.Catalogue

	// PlanMaxRetries is PLAN_MAX_RETRIES: the number of times the Planner
	// re-runs after a PlanValidator rejection. Defaults to 2.
	PlanMaxRetries int

	// ParseMaxRetries is M: the number of times the Planner re-runs after
	// the model's reply fails to parse as Plan JSON. Defaults to 2.
	ParseMaxRetries int

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// Planner produces validated Plans from a user query.
type Planner struct {
	router    *modelrouter.Router
	catalogue *catalogue.Catalogue

	planMaxRetries  int
	parseMaxRetries int

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// New builds a Planner.
func New(opts Options) (*Planner, error) {
	if opts.Router == nil {
		return nil, fmt.Errorf("planner: router is required")
	}
	if opts.Catalogue == nil {
		return nil, fmt.Errorf("planner: catalogue is required")
	}
	planMaxRetries := opts.PlanMaxRetries
	if planMaxRetries <= 0 {
		planMaxRetries = defaultPlanMaxRetries
	}
	parseMaxRetries := opts.ParseMaxRetries
	if parseMaxRetries <= 0 {
		parseMaxRetries = defaultParseMaxRetries
	}
	logger, metrics, tracer := telemetry.Defaulted(opts.Logger, opts.Metrics, opts.Tracer)
	return &Planner{
		router:          opts.Router,
		catalogue:       opts.Catalogue,
		planMaxRetries:  planMaxRetries,
		parseMaxRetries: parseMaxRetries,
		logger:          logger,
		metrics:         metrics,
		tracer:          tracer,
	}, nil
}

// Produce builds a validated Plan for query, retrying internally against
// both JSON-parse failures and PlanValidator rejections.
func (p *Planner) Produce(ctx context.Context, query string, env promptctx.Environment) (*plan.Plan, error) {
	ctx, span := p.tracer.StartSpan(ctx, "planner.produce")
	defer span.End()

	var lastFeedback string
	for attempt := 0; attempt <= p.planMaxRetries; attempt++ {
		raw, err := p.generate(ctx, query, env, lastFeedback)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}

		pl, err := toPlan(query, raw)
		if err != nil {
			p.metrics.IncCounter("planner.rejected", 1, "reason", "unparseable")
			p.logger.Warn(ctx, "planner reply unparseable", "attempt", attempt, "error", err)
			lastFeedback = fmt.Sprintf("Your previous reply could not be parsed as the required JSON shape: %v. Reply with ONLY the JSON object, no prose.", err)
			continue
		}
		pl.GenerationAttempt = attempt

		if verr := validator.Validate(pl, p.catalogue); verr != nil {
			p.metrics.IncCounter("planner.rejected", 1, "reason", string(verr.Kind))
			p.logger.Info(ctx, "plan rejected by validator", "attempt", attempt, "kind", verr.Kind, "message", verr.Message)
			lastFeedback = verr.Error()
			continue
		}

		p.metrics.IncCounter("planner.accepted", 1)
		return pl, nil
	}

	return nil, errs.Errorf(errs.KindPlanValidationFailed,
		"plan for query %q still rejected after %d retries: %s", query, p.planMaxRetries, lastFeedback)
}

// generate makes one model call and returns its raw text, retrying within
// itself up to ParseMaxRetries when the reply carries no extractable JSON
// object at all (a harder failure than a validator rejection: the model
// didn't even attempt the requested shape).
func (p *Planner) generate(ctx context.Context, query string, env promptctx.Environment, feedback string) (string, error) {
	def := catalogue.AgentDef{AgentType: "PLANNER", Temperature: 0.1}
	messages := buildMessages(query, env, p.catalogue.All(), feedback)

	var lastErr error
	for attempt := 0; attempt <= p.parseMaxRetries; attempt++ {
		resp, _, err := p.router.Complete(ctx, def, modelrouter.Request{Messages: messages, Temperature: 0.1})
		if err != nil {
			return "", errs.Wrap(errs.KindPlanProductionFailed, err)
		}
		if extractJSONObject(resp.Text) != "" {
			return resp.Text, nil
		}
		lastErr = fmt.Errorf("no JSON object found in reply")
		messages = append(messages, modelrouter.Message{Role: "assistant", Content: resp.Text})
		messages = append(messages, modelrouter.Message{Role: "user", Content: "Reply with ONLY a JSON object of the required shape, no prose, no code fence."})
	}
	return "", errs.Wrap(errs.KindPlanProductionFailed, lastErr)
}

func buildMessages(query string, env promptctx.Environment, roles []catalogue.AgentDef, feedback string) []modelrouter.Message {
	var sys strings.Builder
	sys.WriteString("You are the planning component of an agent delegation engine. ")
	sys.WriteString("Given a user query, produce a Plan: a JSON object with a \"tasks\" array. ")
	sys.WriteString("Each task has \"id\", \"description\", \"agent_type\", \"dependencies\" (list of task ids), ")
	sys.WriteString("and \"expected_output\".\n\n")
	sys.WriteString("Rules:\n")
	sys.WriteString("1. Every path in a description is absolute, resolved against cwd. Never write a placeholder like \"/path/to/\".\n")
	sys.WriteString("2. Each task's description is self-contained: repeat literal filenames/ids a dependency produced, never say \"the file from task_1\".\n")
	sys.WriteString("3. Create only tasks the user explicitly asked for. Never add memory-update or progress-log tasks unsolicited.\n")
	sys.WriteString("4. If the query means \"enumerate items then apply an operation to each\" and the items are not named explicitly, ")
	sys.WriteString("emit exactly one SHELL_EXECUTOR task containing an inline Python loop over tools.call(...); never split enumeration from the per-item operation.\n")
	sys.WriteString("5. If the user names items explicitly, create one task per named item instead of an \"each\" task.\n")
	sys.WriteString("6. Route a generic form request to ARTIFACT_AGENT, a form for one specific tool to TOOL_FORM_AGENT, and author-style analysis to RESEARCHER.\n\n")
	sys.WriteString("Available roles:\n")
	for _, r := range roles {
		fmt.Fprintf(&sys, "- %s: %s\n", r.AgentType, r.PlanningHints)
	}
	if env.Cwd != "" {
		fmt.Fprintf(&sys, "\ncwd: %s\n", env.Cwd)
	}

	messages := []modelrouter.Message{{Role: "system", Content: sys.String()}}
	if feedback != "" {
		messages = append(messages, modelrouter.Message{Role: "user", Content: fmt.Sprintf(
			"Query: %s\n\nYour previous plan was rejected: %s\nProduce a corrected plan.", query, feedback)})
	} else {
		messages = append(messages, modelrouter.Message{Role: "user", Content: fmt.Sprintf("Query: %s", query)})
	}
	return messages
}

type wireTask struct {
	ID             string   `json:"id"`
	Description    string   `json:"description"`
	AgentType      string   `json:"agent_type"`
	Dependencies   []string `json:"dependencies"`
	ExpectedOutput string   `json:"expected_output"`
}

type wirePlan struct {
	Tasks []wireTask `json:"tasks"`
}

func toPlan(query, raw string) (*plan.Plan, error) {
	obj := extractJSONObject(raw)
	if obj == "" {
		return nil, fmt.Errorf("no JSON object found in planner reply")
	}
	var w wirePlan
	if err := json.Unmarshal([]byte(obj), &w); err != nil {
		return nil, fmt.Errorf("decoding plan JSON: %w", err)
	}
	if len(w.Tasks) == 0 {
		return nil, fmt.Errorf("plan JSON declares no tasks")
	}
	tasks := make([]plan.Task, 0, len(w.Tasks))
	for _, t := range w.Tasks {
		tasks = append(tasks, plan.Task{
			ID:             t.ID,
			Role:           t.AgentType,
			Description:    t.Description,
			Dependencies:   t.Dependencies,
			ExpectedOutput: t.ExpectedOutput,
			Status:         plan.StatusPending,
		})
	}
	return &plan.Plan{ID: uuid.NewString(), Query: query, Tasks: tasks}, nil
}

// extractJSONObject returns the first balanced top-level {...} span in
// text (skipping any surrounding prose or a ```json code fence), or "" if
// none is found.
func extractJSONObject(text string) string {
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}
