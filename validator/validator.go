// Package validator implements PlanValidator: a pure function over a Plan
// that rejects anything violating the delegation engine's planning
// invariants before a single task is scheduled.
package validator

import (
	"fmt"
	"regexp"
	"strings"

	"delegate.run/engine/catalogue"
	"delegate.run/engine/plan"
)

type (
	// Kind enumerates the specific invariant a ValidationError reports.
	Kind string

	// ValidationError is PlanValidator's sole failure type. Message is
	// prescriptive (it is appended verbatim to the Planner's retry prompt),
	// and Evidence carries the offending task id/text for traces.
	ValidationError struct {
		Kind     Kind
		Message  string
		Evidence map[string]any
	}
)

const (
	KindPlanAntipattern   Kind = "PLAN_ANTIPATTERN"
	KindUndefinedParam    Kind = "UNDEFINED_PARAMETER"
	KindPlaceholderPath   Kind = "PLACEHOLDER_PATH"
	KindExcessMemoryTasks Kind = "EXCESS_MEMORY_TASKS"
	KindUnknownRole       Kind = "UNKNOWN_ROLE"
	KindCyclicDependency  Kind = "CYCLIC_DEPENDENCY"
	KindAggregateInvalid  Kind = "AGGREGATE_INVALID"
)

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

var (
	placeholderPatterns = []string{
		"/path/to/",
		"/absolute/path/to/",
		"example.pdf",
		"<placeholder>",
	}

	listFileNouns  = regexp.MustCompile(`(?i)\b(list|get|find)\b.*\b(file|files|document|documents)\b`)
	eachWords      = regexp.MustCompile(`(?i)\b(each|every|all)\b`)
	absolutePath   = regexp.MustCompile(`(^|[\s"'(])/[^\s"')]+`)
	quotedOrEquals = regexp.MustCompile(`=\s*\S|"[^"]*"|'[^']*'`)
	toolCallToken  = regexp.MustCompile(`\b([a-zA-Z_][a-zA-Z0-9_.]*)\(([a-zA-Z_][a-zA-Z0-9_]*)\)`)

	memoryIntentPhrases = []string{
		"mark complete", "mark it complete", "mark as complete",
		"update memory", "log progress", "run tests",
	}
)

// Validate checks p against every PlanValidator invariant and returns the
// first violation found, or nil if p is valid. cat resolves Task.Role to
// confirm it is a known AgentCatalogue entry.
func Validate(p *plan.Plan, cat *catalogue.Catalogue) *ValidationError {
	if err := checkRoles(p, cat); err != nil {
		return err
	}
	if err := checkDAG(p); err != nil {
		return err
	}
	if err := checkAntipattern(p); err != nil {
		return err
	}
	if err := checkPlaceholders(p); err != nil {
		return err
	}
	if err := checkUndefinedParameters(p); err != nil {
		return err
	}
	if err := checkExcessMemoryTasks(p); err != nil {
		return err
	}
	return nil
}

func checkRoles(p *plan.Plan, cat *catalogue.Catalogue) *ValidationError {
	for _, t := range p.Tasks {
		if !cat.Has(t.Role) {
			return &ValidationError{
				Kind:     KindUnknownRole,
				Message:  fmt.Sprintf("task %q is assigned unknown role %q; roles must come from AgentCatalogue.All()", t.ID, t.Role),
				Evidence: map[string]any{"task_id": t.ID, "role": t.Role},
			}
		}
	}
	return nil
}

func checkDAG(p *plan.Plan) *ValidationError {
	seen := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		if seen[t.ID] {
			return &ValidationError{
				Kind:     KindCyclicDependency,
				Message:  fmt.Sprintf("duplicate task id %q", t.ID),
				Evidence: map[string]any{"task_id": t.ID},
			}
		}
		seen[t.ID] = true
	}
	if _, err := p.TopoSort(); err != nil {
		return &ValidationError{
			Kind:     KindCyclicDependency,
			Message:  err.Error(),
			Evidence: map[string]any{"plan_id": p.ID},
		}
	}
	return nil
}

// checkAntipattern rejects the "list files then process each" split across
// two tasks that should be one SHELL_EXECUTOR task with an inline loop.
func checkAntipattern(p *plan.Plan) *ValidationError {
	if len(p.Tasks) < 2 {
		return nil
	}
	first, second := p.Tasks[0], p.Tasks[1]
	if !listFileNouns.MatchString(first.Description) {
		return nil
	}
	if !eachWords.MatchString(second.Description) {
		return nil
	}
	if absolutePath.MatchString(second.Description) {
		return nil
	}
	return &ValidationError{
		Kind: KindPlanAntipattern,
		Message: "Merge into a single SHELL_EXECUTOR task with inline Python: " +
			"enumerate the items and call tools.call(...) in a loop, instead of " +
			"splitting enumeration and per-item processing across two tasks.",
		Evidence: map[string]any{"task_ids": []string{first.ID, second.ID}},
	}
}

func checkPlaceholders(p *plan.Plan) *ValidationError {
	for _, t := range p.Tasks {
		lower := strings.ToLower(t.Description)
		for _, ph := range placeholderPatterns {
			if strings.Contains(lower, ph) {
				return &ValidationError{
					Kind:     KindPlaceholderPath,
					Message:  fmt.Sprintf("task %q contains placeholder text %q; every path and filename must be a literal, concrete value", t.ID, ph),
					Evidence: map[string]any{"task_id": t.ID, "placeholder": ph},
				}
			}
		}
	}
	return nil
}

func checkUndefinedParameters(p *plan.Plan) *ValidationError {
	for _, t := range p.Tasks {
		matches := toolCallToken.FindAllStringSubmatch(t.Description, -1)
		for _, m := range matches {
			arg := m[2]
			if quotedOrEquals.MatchString(arg) {
				continue
			}
			return &ValidationError{
				Kind:     KindUndefinedParam,
				Message:  fmt.Sprintf("task %q references %s(%s) without a literal value; supply =value or a quoted literal", t.ID, m[1], arg),
				Evidence: map[string]any{"task_id": t.ID, "token": m[0]},
			}
		}
	}
	return nil
}

func checkExcessMemoryTasks(p *plan.Plan) *ValidationError {
	var memoryTasks []string
	for _, t := range p.Tasks {
		if t.Role == "MEMORY_EXECUTOR" {
			memoryTasks = append(memoryTasks, t.ID)
		}
	}
	if len(memoryTasks) == 0 {
		return nil
	}
	lower := strings.ToLower(p.Query)
	for _, phrase := range memoryIntentPhrases {
		if strings.Contains(lower, phrase) {
			return nil
		}
	}
	return &ValidationError{
		Kind:     KindExcessMemoryTasks,
		Message:  "the query did not ask for a memory/progress update; remove the MEMORY_EXECUTOR task(s) " + strings.Join(memoryTasks, ", "),
		Evidence: map[string]any{"task_ids": memoryTasks},
	}
}
