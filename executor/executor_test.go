package executor_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"delegate.run/engine/catalogue"
	"delegate.run/engine/executor"
	"delegate.run/engine/modelrouter"
	"delegate.run/engine/plan"
	"delegate.run/engine/promptctx"
	"delegate.run/engine/toolgateway"
)

type scriptedClient struct {
	responses []modelrouter.Response
	i         int
}

func (c *scriptedClient) Complete(context.Context, modelrouter.Request) (modelrouter.Response, error) {
	if c.i >= len(c.responses) {
		return modelrouter.Response{}, nil
	}
	r := c.responses[c.i]
	c.i++
	return r, nil
}

type fakeInvoker struct {
	tools []toolgateway.ToolDescriptor
	reply json.RawMessage
}

func (f *fakeInvoker) ListTools(context.Context) ([]toolgateway.ToolDescriptor, error) {
	return f.tools, nil
}

func (f *fakeInvoker) Call(context.Context, string, json.RawMessage) (json.RawMessage, error) {
	return f.reply, nil
}

func newTestRouter(t *testing.T, client modelrouter.Client) *modelrouter.Router {
	t.Helper()
	r, err := modelrouter.New(modelrouter.Options{Pool: []modelrouter.PoolEntry{
		{ModelTag: "local-model", Client: client, CapabilityScore: 1, MaxConcurrent: 2},
	}})
	require.NoError(t, err)
	return r
}

func newTestGateway(t *testing.T, inv toolgateway.Invoker) *toolgateway.Gateway {
	t.Helper()
	gw, err := toolgateway.New(toolgateway.Options{Invoker: inv})
	require.NoError(t, err)
	require.NoError(t, gw.Snapshot(context.Background()))
	return gw
}

func readerDef() catalogue.AgentDef {
	return catalogue.AgentDef{
		AgentType:    "READER",
		SystemPrompt: "You read files.",
		LoopLimit:    3,
		Temperature:  0.1,
	}
}

func TestExecute_TerminatesOnTextOnlyResponse(t *testing.T) {
	client := &scriptedClient{responses: []modelrouter.Response{{Text: "The file contains configuration values and nothing else of note."}}}
	e, err := executor.New(executor.Options{Router: newTestRouter(t, client), Gateway: newTestGateway(t, &fakeInvoker{})})
	require.NoError(t, err)

	out := e.Execute(context.Background(), readerDef(), plan.Task{ID: "task_1", Description: "Summarize /a.txt"}, promptctx.Environment{Cwd: "/"})

	require.Equal(t, plan.StatusCompleted, out.Status)
	require.Contains(t, out.Result, "configuration values")
	require.Equal(t, 1, out.Attempts)
}

func TestExecute_InvokesToolThenTerminates(t *testing.T) {
	client := &scriptedClient{responses: []modelrouter.Response{
		{Text: `{"name": "fs.read_file", "arguments": {"path": "/a.txt"}}`},
		{Text: "Based on the file contents, here is a complete summary answer for the user."},
	}}
	inv := &fakeInvoker{
		tools: []toolgateway.ToolDescriptor{{Name: "fs.read_file", Category: "filesystem"}},
		reply: json.RawMessage(`{"content":"hello world"}`),
	}
	def := readerDef()
	def.DefaultTools = []string{"fs.read_file"}
	e, err := executor.New(executor.Options{Router: newTestRouter(t, client), Gateway: newTestGateway(t, inv)})
	require.NoError(t, err)

	out := e.Execute(context.Background(), def, plan.Task{ID: "task_1", Description: "Summarize /a.txt"}, promptctx.Environment{Cwd: "/"})

	require.Equal(t, plan.StatusCompleted, out.Status)
	require.Len(t, out.ToolCalls, 1)
	require.Equal(t, "fs.read_file", out.ToolCalls[0].Tool)
}

func TestExecute_EmptyResponseEscalatesAfterMaxAttempts(t *testing.T) {
	client := &scriptedClient{responses: []modelrouter.Response{{Text: ""}, {Text: ""}}}
	e, err := executor.New(executor.Options{Router: newTestRouter(t, client), Gateway: newTestGateway(t, &fakeInvoker{}), MaxAttempts: 2})
	require.NoError(t, err)

	out := e.Execute(context.Background(), readerDef(), plan.Task{ID: "task_1", Description: "Summarize /a.txt"}, promptctx.Environment{Cwd: "/"})

	require.Equal(t, plan.StatusFailed, out.Status)
	require.Equal(t, 2, out.Attempts)
	require.NotNil(t, out.Err)
}

func TestExecute_LoopLimitReachedWhenToolCallsNeverStop(t *testing.T) {
	client := &scriptedClient{responses: []modelrouter.Response{
		{Text: `{"name": "fs.read_file", "arguments": {"path": "/a.txt"}}`},
		{Text: `{"name": "fs.read_file", "arguments": {"path": "/a.txt"}}`},
	}}
	inv := &fakeInvoker{
		tools: []toolgateway.ToolDescriptor{{Name: "fs.read_file", Category: "filesystem"}},
		reply: json.RawMessage(`{"content":"hello"}`),
	}
	def := readerDef()
	def.DefaultTools = []string{"fs.read_file"}
	def.LoopLimit = 2
	e, err := executor.New(executor.Options{Router: newTestRouter(t, client), Gateway: newTestGateway(t, inv), MaxAttempts: 1})
	require.NoError(t, err)

	out := e.Execute(context.Background(), def, plan.Task{ID: "task_1", Description: "Summarize /a.txt"}, promptctx.Environment{Cwd: "/"})

	require.Equal(t, plan.StatusFailed, out.Status)
	require.NotNil(t, out.Err)
}
