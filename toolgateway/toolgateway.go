// Package toolgateway is the sole boundary through which AgentExecutor
// invokes external tools (ToolGateway in the delegation engine design). It
// owns permission checks, JSON-schema argument validation, and per-call
// timeouts; the actual transport to MCP servers is behind the opaque Invoker
// interface. This package's own Invokers are BuiltinInvoker (the engine's
// builtin tools) and MCPInvoker (an adapter over a caller-supplied
// MCPCaller); it implements no MCP wire transport.
package toolgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"delegate.run/engine/catalogue"
	"delegate.run/engine/errs"
	"delegate.run/engine/telemetry"
	"delegate.run/engine/toolerrors"
)

type (
	// ResultKind tags the shape of a ToolResult's payload.
	ResultKind string

	// ToolDescriptor is the gateway's view of one callable tool: its
	// fully-qualified name, category, and the JSON schema its arguments must
	// satisfy. Descriptors come from the Invoker's tool listing and are
	// snapshotted once per plan so mid-plan server changes never affect a
	// running plan.
	ToolDescriptor struct {
		// Name is "server.tool", the lookup key used in
		// AgentDef.DefaultTools/ForbiddenTools.
		Name string
		// Category groups tools for AgentDef.AllowedToolCategories checks
		// ("filesystem", "shell", "document", "web", "artifact", "memory",
		// "general").
		Category string
		// Description is surfaced to the model in the tool-call prompt.
		Description string
		// ArgSchema is the raw JSON schema document constraining arguments; nil
		// or empty means no argument validation is performed.
		ArgSchema json.RawMessage
		// ProducesArtifact marks tools whose Result is rendered as a UI
		// artifact block rather than plain text (forms, charts, spreadsheets).
		ProducesArtifact bool
	}

	// ToolResult is the tagged union returned from Invoke. Exactly one of
	// Text, Artifact, or Err is meaningful, selected by Kind.
	ToolResult struct {
		Kind     ResultKind
		Text     string
		Artifact json.RawMessage
		Err      *errs.Error
	}

	// Invoker is the opaque transport boundary to external tool servers
	// (MCP or otherwise). Implementations own connection lifecycle, wire
	// encoding, and retries; Gateway only sees ListTools/Call.
	Invoker interface {
		// ListTools returns every tool the transport currently exposes.
		ListTools(ctx context.Context) ([]ToolDescriptor, error)
		// Call invokes name with the given JSON-encoded arguments and returns
		// the raw result payload, or an error if the transport itself failed
		// (argument validation happens in Gateway, before Call is reached).
		// For a tool whose ToolDescriptor sets ProducesArtifact, the payload
		// must be the fenced artifact block form
		// ("```artifact:<kind>\n<json>\n```"), not bare JSON, so it can flow
		// verbatim through aggregator's artifact-passthrough path; every
		// other tool returns a JSON-encoded payload.
		Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
	}

	// Options configures a Gateway.
	Options struct {
		// Invoker is the transport used to list and call tools. Required.
		Invoker Invoker
		// CallTimeout bounds a single tool invocation for ordinary tool
		// categories. Zero means 60s.
		CallTimeout time.Duration
		// LongRunningTimeout bounds invocations of tools whose category is
		// listed in LongRunningCategories. Zero means 600s.
		LongRunningTimeout time.Duration
		// LongRunningCategories lists tool categories (e.g. "shell") that get
		// LongRunningTimeout instead of CallTimeout.
		LongRunningCategories []string
		Logger                telemetry.Logger
		Metrics               telemetry.Metrics
		Tracer                telemetry.Tracer
	}

	// Gateway is the permission-checked, schema-validated front door to tool
	// invocation. A Gateway snapshots the tool catalogue once, at plan start,
	// via Snapshot; all subsequent Invoke calls for that plan use the frozen
	// snapshot so a tool server that changes its offering mid-plan cannot
	// affect tasks already underway.
	Gateway struct {
		invoker            Invoker
		callTimeout        time.Duration
		longRunningTimeout time.Duration
		longRunning        map[string]bool
		logger             telemetry.Logger
		metrics            telemetry.Metrics
		tracer             telemetry.Tracer

		tools map[string]ToolDescriptor
	}
)

const (
	ResultText     ResultKind = "text"
	ResultArtifact ResultKind = "artifact"
	ResultError    ResultKind = "error"
)

// New constructs a Gateway. Snapshot must be called before the first Invoke.
func New(opts Options) (*Gateway, error) {
	if opts.Invoker == nil {
		return nil, fmt.Errorf("toolgateway: Invoker is required")
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	longTimeout := opts.LongRunningTimeout
	if longTimeout <= 0 {
		longTimeout = 600 * time.Second
	}
	longRunning := make(map[string]bool, len(opts.LongRunningCategories))
	for _, c := range opts.LongRunningCategories {
		longRunning[c] = true
	}
	logger, metrics, tracer := telemetry.Defaulted(opts.Logger, opts.Metrics, opts.Tracer)
	return &Gateway{
		invoker:            opts.Invoker,
		callTimeout:        timeout,
		longRunningTimeout: longTimeout,
		longRunning:        longRunning,
		logger:             logger,
		metrics:            metrics,
		tracer:             tracer,
	}, nil
}

func (g *Gateway) timeoutFor(category string) time.Duration {
	if g.longRunning[category] {
		return g.longRunningTimeout
	}
	return g.callTimeout
}

// Snapshot refreshes the gateway's tool listing from the Invoker. Call once
// per plan, before dispatching any task, so every task in the plan sees the
// same tool surface regardless of later changes upstream.
func (g *Gateway) Snapshot(ctx context.Context) error {
	descs, err := g.invoker.ListTools(ctx)
	if err != nil {
		return errs.Wrap(errs.KindToolInvocationFailed, fmt.Errorf("list tools: %w", err))
	}
	tools := make(map[string]ToolDescriptor, len(descs))
	for _, d := range descs {
		tools[d.Name] = d
	}
	g.tools = tools
	g.logger.Info(ctx, "toolgateway snapshot taken", "tool_count", len(tools))
	return nil
}

// Describe returns the descriptor for name from the current snapshot.
func (g *Gateway) Describe(name string) (ToolDescriptor, bool) {
	d, ok := g.tools[name]
	return d, ok
}

// Allowed reports whether def may invoke name, per its DefaultTools,
// AllowedToolCategories, and ForbiddenTools.
func (g *Gateway) Allowed(def catalogue.AgentDef, name string) bool {
	for _, forbidden := range def.ForbiddenTools {
		if forbidden == name {
			return false
		}
	}
	for _, allowed := range def.DefaultTools {
		if allowed == name {
			return true
		}
	}
	desc, ok := g.tools[name]
	if !ok {
		return false
	}
	for _, category := range def.AllowedToolCategories {
		if category == desc.Category {
			return true
		}
	}
	return false
}

// Resolve resolves the role's effective tool surface: DefaultTools plus every
// snapshotted tool whose category is in AllowedToolCategories, minus
// ForbiddenTools, sorted by name.
func (g *Gateway) Resolve(def catalogue.AgentDef) []ToolDescriptor {
	forbidden := make(map[string]bool, len(def.ForbiddenTools))
	for _, name := range def.ForbiddenTools {
		forbidden[name] = true
	}
	categories := make(map[string]bool, len(def.AllowedToolCategories))
	for _, c := range def.AllowedToolCategories {
		categories[c] = true
	}
	seen := make(map[string]bool)
	out := make([]ToolDescriptor, 0, len(def.DefaultTools))
	for _, name := range def.DefaultTools {
		if forbidden[name] || seen[name] {
			continue
		}
		if desc, ok := g.tools[name]; ok {
			out = append(out, desc)
			seen[name] = true
		}
	}
	for name, desc := range g.tools {
		if forbidden[name] || seen[name] || !categories[desc.Category] {
			continue
		}
		out = append(out, desc)
		seen[name] = true
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke checks def's permission to call name, validates args against the
// tool's schema, then invokes it through the Invoker under CallTimeout (or
// LongRunningTimeout for a long-running category). A
// failure at any stage is returned as a ToolResult of Kind ResultError, never
// as a Go error, so AgentExecutor's loop can feed the failure back to the
// model as a tool result instead of aborting the task.
func (g *Gateway) Invoke(ctx context.Context, def catalogue.AgentDef, name string, args json.RawMessage) ToolResult {
	ctx, span := g.tracer.StartSpan(ctx, "toolgateway.invoke")
	defer span.End()
	span.SetAttribute("tool", name)

	desc, ok := g.tools[name]
	if !ok {
		return errResult(errs.Errorf(errs.KindUnknownTool, "unknown tool %q", name))
	}
	if !g.Allowed(def, name) {
		return errResult(errs.Errorf(errs.KindToolForbidden, "role %q may not invoke %q", def.AgentType, name).
			WithEvidence(map[string]any{"tool": name, "role": def.AgentType}))
	}
	coerced, err := validateArgs(desc, args)
	if err != nil {
		g.metrics.IncCounter("toolgateway.arg_invalid", 1, "tool", name)
		return errResult(errs.Wrap(errs.KindToolArgInvalid, err).WithEvidence(map[string]any{"tool": name, "args": string(args)}))
	}
	args = coerced

	timeout := g.timeoutFor(desc.Category)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	raw, err := g.invoker.Call(callCtx, name, args)
	elapsed := time.Since(start)
	g.metrics.RecordHistogram("toolgateway.call_duration_ms", float64(elapsed.Milliseconds()), "tool", name)

	if err != nil {
		if callCtx.Err() != nil {
			span.RecordError(err)
			return errResult(errs.Errorf(errs.KindToolTimeout, "tool %q timed out after %s", name, timeout))
		}
		span.RecordError(err)
		// Fold the transport error into a ToolError first so its cause
		// chain survives in a form tool-facing code (retry hints, MCP
		// error translation) can walk with errors.As, independent of the
		// engine-wide Kind taxonomy errs.Wrap attaches on top.
		te := toolerrors.NewWithCause("", err)
		return errResult(errs.Wrap(errs.KindToolInvocationFailed, te).WithEvidence(map[string]any{"tool": name}))
	}

	if desc.ProducesArtifact {
		return ToolResult{Kind: ResultArtifact, Artifact: raw}
	}
	return ToolResult{Kind: ResultText, Text: string(raw)}
}

// validateArgs parses desc.ArgSchema and args, coerces array-typed
// properties (accepting a comma-separated string or an empty value in
// addition to a JSON array, per the schema's declared default or []),
// validates the coerced document against the schema, and returns the
// re-encoded, coerced argument payload the Invoker should actually receive.
func validateArgs(desc ToolDescriptor, args json.RawMessage) (json.RawMessage, error) {
	if len(desc.ArgSchema) == 0 {
		return args, nil
	}
	var schemaDoc any
	if err := json.Unmarshal(desc.ArgSchema, &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal tool schema: %w", err)
	}
	argsDoc := map[string]any{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argsDoc); err != nil {
			return nil, fmt.Errorf("unmarshal tool args: %w", err)
		}
	}
	coerceArrayFields(schemaDoc, argsDoc)

	compiler := jsonschema.NewCompiler()
	resource := "tool://" + strings.ReplaceAll(desc.Name, ".", "/")
	if err := compiler.AddResource(resource, schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile tool schema: %w", err)
	}
	if err := schema.Validate(argsDoc); err != nil {
		return nil, err
	}
	coerced, err := json.Marshal(argsDoc)
	if err != nil {
		return nil, fmt.Errorf("marshal coerced args: %w", err)
	}
	return coerced, nil
}

// coerceArrayFields mutates argsDoc in place: any property the schema
// declares as type "array" is, if currently a comma-separated string,
// split into a []any of strings; if an empty string or an explicit null,
// set to the schema's "default" (when present) or an empty array. A field
// absent from argsDoc is left absent.
func coerceArrayFields(schemaDoc any, argsDoc map[string]any) {
	schema, ok := schemaDoc.(map[string]any)
	if !ok {
		return
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return
	}
	for field, rawProp := range props {
		prop, ok := rawProp.(map[string]any)
		if !ok || prop["type"] != "array" {
			continue
		}
		val, present := argsDoc[field]
		switch v := val.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				argsDoc[field] = defaultOrEmptyArray(prop)
				continue
			}
			parts := strings.Split(v, ",")
			out := make([]any, len(parts))
			for i, p := range parts {
				out[i] = strings.TrimSpace(p)
			}
			argsDoc[field] = out
		case nil:
			if present {
				argsDoc[field] = defaultOrEmptyArray(prop)
			}
		}
	}
}

func defaultOrEmptyArray(prop map[string]any) any {
	if def, ok := prop["default"]; ok {
		return def
	}
	return []any{}
}

func errResult(e *errs.Error) ToolResult {
	return ToolResult{Kind: ResultError, Err: e}
}
