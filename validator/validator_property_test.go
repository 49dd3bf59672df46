package validator_test

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"delegate.run/engine/plan"
	"delegate.run/engine/validator"
)

// TestValidate_RoleClosure checks that Validate rejects exactly the plans
// whose roles all fall outside the catalogue, never flagging a role that
// is actually registered.
func TestValidate_RoleClosure(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	knownRoles := []string{"READER", "SHELL_EXECUTOR", "MEMORY_EXECUTOR"}

	properties.Property("an unregistered role is always rejected with KindUnknownRole", prop.ForAll(
		func(suffix string) bool {
			role := "GHOST_" + suffix
			p := &plan.Plan{Tasks: []plan.Task{
				{ID: "task_1", Role: role, Description: fmt.Sprintf("Read /data/%s.txt.", suffix)},
			}}
			err := validator.Validate(p, testCatalogue(t))
			return err != nil && err.Kind == validator.KindUnknownRole
		},
		gen.AlphaString(),
	))

	properties.Property("a task using a registered role is never rejected for KindUnknownRole", prop.ForAll(
		func(n int, suffix string) bool {
			role := knownRoles[n%len(knownRoles)]
			p := &plan.Plan{Tasks: []plan.Task{
				{ID: "task_1", Role: role, Description: fmt.Sprintf("Read /data/%s.txt.", suffix)},
			}}
			err := validator.Validate(p, testCatalogue(t))
			return err == nil || err.Kind != validator.KindUnknownRole
		},
		gen.IntRange(0, 1000),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestValidate_PlaceholderClosure checks that every description containing
// one of the known placeholder path stems is always rejected, regardless of
// surrounding text.
func TestValidate_PlaceholderClosure(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	stems := []string{"/path/to/", "/absolute/path/to/", "example.pdf", "<placeholder>"}

	properties.Property("a description naming a placeholder path is always rejected", prop.ForAll(
		func(n int, prefix string) bool {
			stem := stems[n%len(stems)]
			p := &plan.Plan{Tasks: []plan.Task{
				{ID: "task_1", Role: "READER", Description: fmt.Sprintf("%s Read the file %s.", prefix, stem)},
			}}
			err := validator.Validate(p, testCatalogue(t))
			return err != nil && err.Kind == validator.KindPlaceholderPath
		},
		gen.IntRange(0, 1000),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestValidate_SelfContainmentClosure checks plan self-containment: a task
// description that references a tool-like call with a bare, unquoted
// identifier argument (e.g. "summarize(f)") is always rejected, since that
// identifier cannot resolve to anything inside the description itself.
// Rewriting the same call with a quoted literal argument makes it
// self-contained, and Validate never flags it as an undefined parameter.
func TestValidate_SelfContainmentClosure(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	alphabet := "abcdefghijklmnopqrstuvwxyz"
	ident := func(n, length int) string {
		s := make([]byte, length)
		for i := range s {
			s[i] = alphabet[(n+i)%len(alphabet)]
		}
		return string(s)
	}

	properties.Property("a bare identifier argument is always rejected as undefined", prop.ForAll(
		func(fnSeed, argSeed, length int) bool {
			fn, arg := ident(fnSeed, length), ident(argSeed, length)
			p := &plan.Plan{Tasks: []plan.Task{
				{ID: "task_1", Role: "READER", Description: fmt.Sprintf("Call %s(%s) to finish the job.", fn, arg)},
			}}
			err := validator.Validate(p, testCatalogue(t))
			return err != nil && err.Kind == validator.KindUndefinedParam
		},
		gen.IntRange(0, 1000),
		gen.IntRange(0, 1000),
		gen.IntRange(1, 8),
	))

	properties.Property("the same call with a quoted literal argument is never flagged as undefined", prop.ForAll(
		func(fnSeed, argSeed, length int) bool {
			fn, arg := ident(fnSeed, length), ident(argSeed, length)
			p := &plan.Plan{Tasks: []plan.Task{
				{ID: "task_1", Role: "READER", Description: fmt.Sprintf(`Call %s("%s") to finish the job.`, fn, arg)},
			}}
			err := validator.Validate(p, testCatalogue(t))
			return err == nil || err.Kind != validator.KindUndefinedParam
		},
		gen.IntRange(0, 1000),
		gen.IntRange(0, 1000),
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}
