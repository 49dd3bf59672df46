// Package modelrouter implements ModelRouter: the fallback ladder that turns
// a role's preferred model tag into a bound, concurrency-limited call
// against one of several locally-hosted or remote Client pools, escalating
// down the ladder by CapabilityScore when a pool is exhausted or its Client
// fails.
package modelrouter

import (
	"context"
	"sort"
	"time"

	"delegate.run/engine/catalogue"
	"delegate.run/engine/errs"
	"delegate.run/engine/modelrouter/limiter"
	"delegate.run/engine/telemetry"
)

type (
	// Message is one turn of a model conversation. Role is "system", "user",
	// or "assistant".
	Message struct {
		Role    string
		Content string
	}

	// Request is a provider-agnostic completion request. ModelRouter fills
	// in Model from the routing decision before handing it to a Client.
	Request struct {
		Model       string
		Messages    []Message
		MaxTokens   int
		Temperature float64
	}

	// Response is a provider-agnostic completion result.
	Response struct {
		Text             string
		PromptTokens     int
		CompletionTokens int
	}

	// Client is the boundary every provider adapter implements. ModelRouter
	// never imports a provider SDK directly; it only calls Client.
	Client interface {
		Complete(ctx context.Context, req Request) (Response, error)
	}

	// PoolEntry is one entry on the fallback ladder: a named model tag bound
	// to a Client, a relative capability score used to order the ladder, and
	// a hard concurrency cap enforced by a counting semaphore.
	PoolEntry struct {
		ModelTag        string
		Client          Client
		CapabilityScore float64
		MaxConcurrent   int
		Limiter         limiter.Limiter
	}

	// RouteDecision is the outcome of Route: which pool entry to call, at
	// what timeout, with what concurrency ceiling already reserved.
	RouteDecision struct {
		ModelTag      string
		Timeout       time.Duration
		MaxConcurrent int
	}
)

// Router holds an ordered fallback ladder of PoolEntry and dispatches
// Complete calls through it, escalating to the next-best entry when the
// current one's call fails (rate-limited, timed out, or any other error).
// A saturated entry is waited on for a free slot, not skipped.
type Router struct {
	entries     []PoolEntry
	sem         map[string]chan struct{}
	callTimeout time.Duration

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// Options configures a Router.
type Options struct {
	Pool        []PoolEntry
	CallTimeout time.Duration

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// New builds a Router from a pool of entries, sorted by descending
// CapabilityScore so Route always tries the most capable model first.
func New(opts Options) (*Router, error) {
	if len(opts.Pool) == 0 {
		return nil, errs.Errorf(errs.KindModelUnavailable, "model router pool is empty")
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 120 * time.Second
	}
	entries := make([]PoolEntry, len(opts.Pool))
	copy(entries, opts.Pool)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CapabilityScore > entries[j].CapabilityScore
	})
	sem := make(map[string]chan struct{}, len(entries))
	for _, e := range entries {
		n := e.MaxConcurrent
		if n <= 0 {
			n = 1
		}
		sem[e.ModelTag] = make(chan struct{}, n)
	}
	logger, metrics, tracer := telemetry.Defaulted(opts.Logger, opts.Metrics, opts.Tracer)
	return &Router{
		entries:     entries,
		sem:         sem,
		callTimeout: callTimeout,
		logger:      logger,
		metrics:     metrics,
		tracer:      tracer,
	}, nil
}

// ladder returns the ordering Route should try: def.PreferredModel first (if
// present in the pool and it meets MinCapabilityScore), then every other
// entry meeting MinCapabilityScore in descending capability order, skipping
// attempt-many already-tried tags.
func (r *Router) ladder(def catalogue.AgentDef, tried map[string]bool) []PoolEntry {
	var preferred *PoolEntry
	var rest []PoolEntry
	for i := range r.entries {
		e := r.entries[i]
		if tried[e.ModelTag] {
			continue
		}
		if e.CapabilityScore < def.MinCapabilityScore {
			continue
		}
		if def.PreferredModel != "" && e.ModelTag == def.PreferredModel {
			preferred = &e
			continue
		}
		rest = append(rest, e)
	}
	if preferred == nil {
		return rest
	}
	return append([]PoolEntry{*preferred}, rest...)
}

// Route picks the next pool entry to try for def, given the set of model
// tags already attempted for this task. It reports errs.KindModelUnavailable
// when the ladder is exhausted.
func (r *Router) Route(def catalogue.AgentDef, tried map[string]bool) (RouteDecision, *PoolEntry, error) {
	for _, e := range r.ladder(def, tried) {
		return RouteDecision{ModelTag: e.ModelTag, Timeout: r.callTimeout, MaxConcurrent: cap(r.sem[e.ModelTag])}, &e, nil
	}
	return RouteDecision{}, nil, errs.Errorf(errs.KindModelUnavailable, "no eligible model for role %s (tried %d entries)", def.AgentType, len(tried))
}

// Complete runs the fallback ladder end to end: it acquires the chosen
// entry's concurrency slot, waits on its rate limiter, calls its Client, and
// on failure marks that tag tried and retries the next rung. It returns the
// last error once every rung has been exhausted.
func (r *Router) Complete(ctx context.Context, def catalogue.AgentDef, req Request) (Response, string, error) {
	return r.CompleteExcluding(ctx, def, req, nil)
}

// CompleteExcluding behaves like Complete but treats every tag in exclude as
// already tried, so a caller that rejected a prior rung's output (e.g. an
// AgentExecutor response-quality detector) can force the next attempt onto a
// different model without re-trying the one that just produced unusable
// output.
func (r *Router) CompleteExcluding(ctx context.Context, def catalogue.AgentDef, req Request, exclude map[string]bool) (Response, string, error) {
	tried := make(map[string]bool, len(exclude))
	for k := range exclude {
		tried[k] = true
	}
	var lastErr error
	for {
		decision, entry, err := r.Route(def, tried)
		if err != nil {
			if lastErr != nil {
				return Response{}, "", errs.Wrap(errs.KindModelUnavailable, lastErr)
			}
			return Response{}, "", err
		}
		tried[entry.ModelTag] = true

		resp, callErr := r.callEntry(ctx, *entry, decision, req)
		if callErr == nil {
			return resp, entry.ModelTag, nil
		}
		lastErr = callErr
		r.logger.Warn(ctx, "model call failed, trying next rung",
			"model_tag", entry.ModelTag, "error", callErr.Error())
		r.metrics.IncCounter("modelrouter.fallback", 1, "model_tag", entry.ModelTag)
	}
}

func (r *Router) callEntry(ctx context.Context, entry PoolEntry, decision RouteDecision, req Request) (Response, error) {
	sem := r.sem[entry.ModelTag]
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return Response{}, errs.Wrap(errs.KindCancelled, ctx.Err())
	}

	if entry.Limiter != nil {
		if err := entry.Limiter.Wait(ctx, estimateTokens(req)); err != nil {
			return Response{}, err
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, decision.Timeout)
	defer cancel()

	spanCtx, span := r.tracer.StartSpan(callCtx, "modelrouter.complete")
	defer span.End()
	span.SetAttribute("model_tag", entry.ModelTag)

	req.Model = entry.ModelTag
	resp, err := entry.Client.Complete(spanCtx, req)
	if entry.Limiter != nil {
		entry.Limiter.Observe(err)
	}
	if err != nil {
		span.RecordError(err)
		if callCtx.Err() != nil {
			return Response{}, errs.Wrap(errs.KindModelTimeout, callCtx.Err())
		}
		return Response{}, errs.Wrap(errs.KindModelUnavailable, err)
	}
	return resp, nil
}

// estimateTokens is a cheap heuristic (character count over three, plus a
// fixed buffer) used to size rate-limiter reservations before a response's
// actual usage is known.
func estimateTokens(req Request) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	tokens := chars/3 + 500
	if req.MaxTokens > 0 {
		tokens += req.MaxTokens
	}
	return tokens
}
