// Package executor implements AgentExecutor: the per-task state machine
// that drives a single role through a build-context/call-model/parse/invoke
// loop to a terminal state, applying the response-quality detectors and
// artifact-passthrough rule along the way.
package executor

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"delegate.run/engine/catalogue"
	"delegate.run/engine/errs"
	"delegate.run/engine/modelrouter"
	"delegate.run/engine/plan"
	"delegate.run/engine/promptctx"
	"delegate.run/engine/telemetry"
	"delegate.run/engine/toolgateway"
	"delegate.run/engine/trace"
)

// Outcome is the result of one Execute call: either a DONE task with its
// result, or a FAILED task with a tagged error (loop limit, output-unusable,
// or a model/tool failure), plus bookkeeping for the trace and for
// EscalationManager's decision whether to take over.
type Outcome struct {
	Status         plan.Status
	Result         string
	Err            *errs.Error
	Attempts       int
	LoopIterations int
	ModelsUsed     []string
	ToolCalls      []plan.ToolCallRecord
}

// Options configures an Executor.
type Options struct {
	Router      *modelrouter.Router
	Gateway     *toolgateway.Gateway
	Builder     *promptctx.Builder
	Trace       *trace.Logger
	MaxAttempts int

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// Executor runs one task's agent loop, retrying onto the next ModelRouter
// rung whenever a response-quality detector fires.
type Executor struct {
	router      *modelrouter.Router
	gateway     *toolgateway.Gateway
	builder     *promptctx.Builder
	trace       *trace.Logger
	maxAttempts int

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// New builds an Executor. MaxAttempts defaults to 2 (§4.7 MAX_ATTEMPTS).
func New(opts Options) (*Executor, error) {
	if opts.Router == nil {
		return nil, fmt.Errorf("executor: router is required")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("executor: gateway is required")
	}
	builder := opts.Builder
	if builder == nil {
		builder = promptctx.New()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 2
	}
	logger, metrics, tracer := telemetry.Defaulted(opts.Logger, opts.Metrics, opts.Tracer)
	return &Executor{
		router:      opts.Router,
		gateway:     opts.Gateway,
		builder:     builder,
		trace:       opts.Trace,
		maxAttempts: maxAttempts,
		logger:      logger,
		metrics:     metrics,
		tracer:      tracer,
	}, nil
}

// Execute drives task through the agent loop until DONE or FAILED,
// restarting on the next ModelRouter rung each time a response-quality
// detector fires, up to MaxAttempts.
func (e *Executor) Execute(ctx context.Context, def catalogue.AgentDef, task plan.Task, env promptctx.Environment) Outcome {
	if e.trace != nil {
		e.trace.TaskStart(task.ID, def.AgentType)
	}
	excluded := make(map[string]bool)
	var modelsUsed []string
	var out Outcome

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		var modelTag string
		out, modelTag = e.runAttempt(ctx, def, task, env, excluded)
		out.Attempts = attempt
		if modelTag != "" {
			excluded[modelTag] = true
			modelsUsed = append(modelsUsed, modelTag)
		}
		if out.Status == plan.StatusCompleted {
			break
		}
		if out.Err != nil && out.Err.Kind == errs.KindCancelled {
			break
		}
	}
	out.ModelsUsed = modelsUsed
	if e.trace != nil {
		status := string(out.Status)
		e.trace.TaskEnd(task.ID, def.AgentType, status, 0)
	}
	return out
}

func (e *Executor) runAttempt(ctx context.Context, def catalogue.AgentDef, task plan.Task, env promptctx.Environment, excluded map[string]bool) (Outcome, string) {
	tools := e.gateway.Resolve(def)
	messages := e.builder.Build(def, task, env, tools, "")

	loopLimit := def.LoopLimit
	if loopLimit <= 0 {
		loopLimit = 1
	}

	var toolCalls []plan.ToolCallRecord
	var tracker consecutiveEmptyTracker
	modelTag := ""

	for iter := 1; iter <= loopLimit; iter++ {
		resp, tag, err := e.router.CompleteExcluding(ctx, def, modelrouter.Request{
			Messages:    messages,
			Temperature: def.Temperature,
			MaxTokens:   def.MaxContextTokens,
		}, excluded)
		if err != nil {
			return Outcome{Status: plan.StatusFailed, Err: errs.Wrap(errs.KindModelUnavailable, err), ToolCalls: toolCalls, LoopIterations: iter}, modelTag
		}
		modelTag = tag

		calls := ExtractToolCalls(resp.Text)
		q := classifyResponse(resp.Text, len(calls) > 0)
		forceTerm := tracker.Observe(q.empty)

		if q.empty || q.thinkingOnly || q.corruptLang || forceTerm {
			reason := errs.ReasonEmpty
			switch {
			case forceTerm:
				reason = errs.ReasonConsecutiveEmpty
			case q.thinkingOnly:
				reason = errs.ReasonThinkingOnly
			case q.corruptLang:
				reason = errs.ReasonCorruptLang
			}
			e.metrics.IncCounter("executor.output_unusable", 1, "role", def.AgentType, "reason", string(reason))
			return Outcome{
				Status:         plan.StatusFailed,
				Err:            errs.Errorf(errs.KindModelOutputUnusable, "response from %s was unusable", tag).WithReason(reason),
				ToolCalls:      toolCalls,
				LoopIterations: iter,
			}, modelTag
		}

		messages = append(messages, modelrouter.Message{Role: "assistant", Content: resp.Text})

		if len(calls) == 0 {
			result := resp.Text
			if isArtifactRole(def) {
				result = extractArtifact(result, toolCalls)
			}
			return Outcome{Status: plan.StatusCompleted, Result: result, ToolCalls: toolCalls, LoopIterations: iter}, modelTag
		}

		for _, call := range calls {
			start := time.Now()
			res := e.gateway.Invoke(ctx, def, call.Name, call.Arguments)
			duration := time.Since(start)
			rec := plan.ToolCallRecord{Tool: call.Name, Args: string(call.Arguments), Duration: duration}

			var toolText string
			success := true
			switch res.Kind {
			case toolgateway.ResultArtifact:
				toolText = string(res.Artifact)
				rec.Result = toolText
			case toolgateway.ResultError:
				toolText = res.Err.Error()
				rec.Err = toolText
				success = false
			default:
				toolText = res.Text
				rec.Result = toolText
			}
			toolCalls = append(toolCalls, rec)
			if e.trace != nil {
				e.trace.ToolCall(task.ID, def.AgentType, call.Name, string(call.Arguments), success, duration.Milliseconds())
			}
			messages = append(messages, modelrouter.Message{Role: "tool", Content: fmt.Sprintf("%s result: %s", call.Name, toolText)})
		}

		if iter == loopLimit {
			return Outcome{
				Status:         plan.StatusFailed,
				Err:            errs.Errorf(errs.KindLoopLimitReached, "role %s reached loop_limit=%d without a terminal response", def.AgentType, loopLimit),
				ToolCalls:      toolCalls,
				LoopIterations: iter,
			}, modelTag
		}
	}
	return Outcome{Status: plan.StatusFailed, Err: errs.Errorf(errs.KindLoopLimitReached, "role %s exhausted its loop without output", def.AgentType), ToolCalls: toolCalls}, modelTag
}

func isArtifactRole(def catalogue.AgentDef) bool {
	return def.AgentType == "ARTIFACT_AGENT" || def.AgentType == "TOOL_FORM_AGENT"
}

var malformedArtifactFence = regexp.MustCompile("```\\s*\\n\\s*artifact:(\\w+)")

// extractArtifact implements §4.7 step 6: normalize a malformed artifact
// fence header, and if the final response still carries no artifact block,
// fall back to the most recent tool result that did produce one.
func extractArtifact(result string, toolCalls []plan.ToolCallRecord) string {
	normalized := malformedArtifactFence.ReplaceAllString(result, "```artifact:$1")
	if strings.Contains(normalized, "```artifact:") {
		return normalized
	}
	for i := len(toolCalls) - 1; i >= 0; i-- {
		if strings.Contains(toolCalls[i].Result, "```artifact:") {
			return toolCalls[i].Result
		}
	}
	return normalized
}
