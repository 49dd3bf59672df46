package escalation_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"delegate.run/engine/catalogue"
	"delegate.run/engine/errs"
	"delegate.run/engine/escalation"
	"delegate.run/engine/executor"
	"delegate.run/engine/modelrouter"
	"delegate.run/engine/plan"
	"delegate.run/engine/promptctx"
	"delegate.run/engine/toolgateway"
)

type fakeClient struct {
	text string
}

func (f *fakeClient) Complete(context.Context, modelrouter.Request) (modelrouter.Response, error) {
	return modelrouter.Response{Text: f.text}, nil
}

func newExecutor(t *testing.T, text string) *executor.Executor {
	t.Helper()
	router, err := modelrouter.New(modelrouter.Options{Pool: []modelrouter.PoolEntry{
		{ModelTag: "remote-high-cap", Client: &fakeClient{text: text}, CapabilityScore: 10, MaxConcurrent: 1},
	}})
	require.NoError(t, err)
	gw, err := toolgateway.New(toolgateway.Options{Invoker: &noopInvoker{}})
	require.NoError(t, err)
	require.NoError(t, gw.Snapshot(context.Background()))
	e, err := executor.New(executor.Options{Router: router, Gateway: gw})
	require.NoError(t, err)
	return e
}

type noopInvoker struct{}

func (noopInvoker) ListTools(context.Context) ([]toolgateway.ToolDescriptor, error) {
	return nil, nil
}

func (noopInvoker) Call(context.Context, string, json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}

func task() plan.Task {
	return plan.Task{ID: "task_1", Description: "Summarize /a.txt"}
}

func def() catalogue.AgentDef {
	return catalogue.AgentDef{AgentType: "READER"}
}

func TestShouldEscalate_RespectsThreshold(t *testing.T) {
	m, err := escalation.New(escalation.Options{Executor: newExecutor(t, "answer"), Threshold: 2})
	require.NoError(t, err)

	require.False(t, m.ShouldEscalate(1))
	require.True(t, m.ShouldEscalate(2))
}

func TestEscalate_RunsExecutorAndRecordsUsage(t *testing.T) {
	journal := escalation.NewInMemoryJournal()
	m, err := escalation.New(escalation.Options{Executor: newExecutor(t, "a full remote answer"), Journal: journal})
	require.NoError(t, err)

	out, err := m.Escalate(context.Background(), def(), task(), promptctx.Environment{Cwd: "/"})
	require.NoError(t, err)
	require.Equal(t, plan.StatusCompleted, out.Status)

	spent, err := journal.SpentSince(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Greater(t, spent, 0.0)
}

func TestEscalate_FailsFastWhenBudgetExhausted(t *testing.T) {
	journal := escalation.NewInMemoryJournal()
	require.NoError(t, journal.Record(context.Background(), escalation.Entry{
		Timestamp:       time.Now(),
		CostEstimateUSD: 100,
	}))
	m, err := escalation.New(escalation.Options{Executor: newExecutor(t, "answer"), Journal: journal, HourlyBudgetUSD: 1})
	require.NoError(t, err)

	_, err = m.Escalate(context.Background(), def(), task(), promptctx.Environment{Cwd: "/"})
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.KindBudgetExceeded, e.Kind)
}
