// Package quality implements QualityValidator: a post-hoc critique pass
// over a completed task's result, run only for a configurable set of
// critical roles, using a cheap remote model against a role-specific
// rubric. A RETRY verdict sends the task back to the Executor with the
// critique appended as extra guidance; OK lets it pass through unchanged.
package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"delegate.run/engine/catalogue"
	"delegate.run/engine/errs"
	"delegate.run/engine/modelrouter"
	"delegate.run/engine/plan"
	"delegate.run/engine/telemetry"
)

// Verdict is QualityValidator's judgment on a task result.
type Verdict string

const (
	VerdictOK    Verdict = "OK"
	VerdictRetry Verdict = "RETRY"
)

// defaultMaxRetries is QV_MAX_RETRIES: the number of RETRY verdicts a
// task may receive before the caller must stop re-running it and
// escalate instead.
const defaultMaxRetries = 3

// Review is QualityValidator's judgment plus the feedback text to feed
// back into the next Executor attempt as extra prompt guidance.
type Review struct {
	Verdict  Verdict
	Feedback string
}

// Options configures a Validator.
type Options struct {
	Router *modelrouter.Router

	// CriticalRoles lists the AgentDef.AgentType values QualityValidator
	// reviews. Roles not in this set always pass with an implicit OK and
	// never spend a model call. Defaults to the roles named in §4.8:
	// CODER, FILE_EXECUTOR, SHELL_EXECUTOR, PLANNER.
	CriticalRoles []string

	// MaxRetries is QV_MAX_RETRIES. Defaults to 3.
	MaxRetries int

	// PreferredModel, if set, is tried first for the critique call. The
	// rubric is cheap to answer so a small/fast model is preferred over
	// the role's own model.
	PreferredModel string

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// Validator runs the §4.8 critique loop.
type Validator struct {
	router         *modelrouter.Router
	criticalRoles  map[string]bool
	maxRetries     int
	preferredModel string

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// New builds a Validator.
func New(opts Options) (*Validator, error) {
	if opts.Router == nil {
		return nil, fmt.Errorf("quality: router is required")
	}
	roles := opts.CriticalRoles
	if len(roles) == 0 {
		roles = []string{"CODER", "FILE_EXECUTOR", "SHELL_EXECUTOR", "PLANNER"}
	}
	set := make(map[string]bool, len(roles))
	for _, r := range roles {
		set[strings.ToUpper(strings.TrimSpace(r))] = true
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	logger, metrics, tracer := telemetry.Defaulted(opts.Logger, opts.Metrics, opts.Tracer)
	return &Validator{
		router:         opts.Router,
		criticalRoles:  set,
		maxRetries:     maxRetries,
		preferredModel: opts.PreferredModel,
		logger:         logger,
		metrics:        metrics,
		tracer:         tracer,
	}, nil
}

// MaxRetries returns QV_MAX_RETRIES.
func (v *Validator) MaxRetries() int { return v.maxRetries }

// Applies reports whether role is in the critical-role set and therefore
// subject to review. Non-critical roles should skip straight to OK
// without calling Review.
func (v *Validator) Applies(role string) bool {
	return v.criticalRoles[strings.ToUpper(strings.TrimSpace(role))]
}

// Review critiques a completed task's result against a role-specific
// rubric and returns a verdict plus feedback. Callers should only invoke
// this when Applies(task.Role) is true; Review itself does not check.
func (v *Validator) Review(ctx context.Context, def catalogue.AgentDef, task plan.Task, result string) (Review, error) {
	ctx, span := v.tracer.StartSpan(ctx, "quality.review")
	defer span.End()

	prompt := rubricFor(def.AgentType)
	req := modelrouter.Request{
		Messages: []modelrouter.Message{
			{Role: "system", Content: prompt},
			{Role: "user", Content: fmt.Sprintf(
				"Task: %s\n\nExpected output: %s\n\nResult to review:\n%s\n\n"+
					"Reply with a single JSON object: {\"verdict\":\"OK\"|\"RETRY\",\"feedback\":\"...\"}. "+
					"feedback explains what is wrong when verdict is RETRY, otherwise leave it empty.",
				task.Description, task.ExpectedOutput, result,
			)},
		},
		Temperature: 0,
	}

	agentDef := catalogue.AgentDef{AgentType: "CRITIC", PreferredModel: v.preferredModel, Temperature: 0}
	resp, tag, err := v.router.Complete(ctx, agentDef, req)
	if err != nil {
		span.RecordError(err)
		v.metrics.IncCounter("quality.call_failed", 1, "role", def.AgentType)
		return Review{}, errs.Wrap(errs.KindModelUnavailable, err)
	}
	span.SetAttribute("model_tag", tag)

	review := parseReview(resp.Text)
	v.metrics.IncCounter("quality.verdict", 1, "role", def.AgentType, "verdict", string(review.Verdict))
	v.logger.Info(ctx, "quality review", "task_id", task.ID, "role", def.AgentType, "verdict", review.Verdict)
	return review, nil
}

type reviewPayload struct {
	Verdict  string `json:"verdict"`
	Feedback string `json:"feedback"`
}

// parseReview extracts a verdict/feedback pair from the critique model's
// free-form reply. It tries a direct JSON object first and falls back to
// a keyword heuristic so a model that ignores the requested shape still
// produces a usable verdict rather than silently passing bad output.
func parseReview(text string) Review {
	if obj := extractJSONObject(text); obj != "" {
		var p reviewPayload
		if err := json.Unmarshal([]byte(obj), &p); err == nil && p.Verdict != "" {
			v := VerdictOK
			if strings.EqualFold(p.Verdict, "RETRY") {
				v = VerdictRetry
			}
			return Review{Verdict: v, Feedback: p.Feedback}
		}
	}
	upper := strings.ToUpper(text)
	if strings.Contains(upper, "RETRY") {
		return Review{Verdict: VerdictRetry, Feedback: strings.TrimSpace(text)}
	}
	return Review{Verdict: VerdictOK}
}

// extractJSONObject returns the first balanced {...} span in text, or ""
// if none is found.
func extractJSONObject(text string) string {
	depth := 0
	start := -1
	for i, r := range text {
		switch r {
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

func rubricFor(role string) string {
	base := "You are a strict reviewer for an automated task-execution pipeline. " +
		"You receive one task's description, expected output, and the result " +
		"produced by a worker agent. Judge only whether the result actually " +
		"satisfies the task; do not rewrite it yourself."

	switch strings.ToUpper(role) {
	case "CODER":
		return base + " For code results: reject if the code does not compile conceptually, " +
			"leaves the requested change unfinished, or omits error handling the task required."
	case "FILE_EXECUTOR":
		return base + " For file-operation results: reject if a referenced path is not absolute, " +
			"if the stated operation was not actually performed, or if the result contradicts the task."
	case "SHELL_EXECUTOR":
		return base + " For shell-command results: reject if the command's reported exit status " +
			"indicates failure, or if the result does not show the command that was actually run."
	case "PLANNER":
		return base + " For a produced plan: reject if any task description is not self-contained " +
			"(uses a pronoun or refers to another task's output instead of a literal value), or if " +
			"the plan does not address the original query."
	default:
		return base
	}
}
