package executor_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"delegate.run/engine/errs"
	"delegate.run/engine/executor"
	"delegate.run/engine/modelrouter"
	"delegate.run/engine/plan"
	"delegate.run/engine/promptctx"
	"delegate.run/engine/toolgateway"
)

// infiniteToolCaller always asks to invoke the same tool and never emits a
// terminal text-only response, so a run can only end via loop_limit.
type infiniteToolCaller struct{}

func (infiniteToolCaller) Complete(context.Context, modelrouter.Request) (modelrouter.Response, error) {
	return modelrouter.Response{Text: `{"name": "fs.read_file", "arguments": {"path": "/a.txt"}}`}, nil
}

// TestExecute_LoopIterationsNeverExceedLoopLimit checks the loop-limit
// closure: whatever loop_limit a role is configured with, a model that
// never stops calling tools is cut off at exactly that many iterations.
func TestExecute_LoopIterationsNeverExceedLoopLimit(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("loop_iterations never exceeds the role's configured loop_limit", prop.ForAll(
		func(loopLimit int) bool {
			inv := &fakeInvoker{
				tools: []toolgateway.ToolDescriptor{{Name: "fs.read_file", Category: "filesystem"}},
				reply: json.RawMessage(`{"content":"hello"}`),
			}
			def := readerDef()
			def.DefaultTools = []string{"fs.read_file"}
			def.LoopLimit = loopLimit

			e, err := executor.New(executor.Options{
				Router:      newTestRouter(t, infiniteToolCaller{}),
				Gateway:     newTestGateway(t, inv),
				MaxAttempts: 1,
			})
			if err != nil {
				return false
			}

			out := e.Execute(context.Background(), def, plan.Task{ID: "task_1", Description: "Summarize /a.txt"}, promptctx.Environment{Cwd: "/"})

			if out.Status != plan.StatusFailed {
				return false
			}
			if out.LoopIterations > loopLimit {
				return false
			}
			return out.Err != nil && out.Err.Kind == errs.KindLoopLimitReached
		},
		gen.IntRange(1, 6),
	))

	properties.TestingRun(t)
}
