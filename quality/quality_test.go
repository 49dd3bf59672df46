package quality_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"delegate.run/engine/catalogue"
	"delegate.run/engine/modelrouter"
	"delegate.run/engine/plan"
	"delegate.run/engine/quality"
)

type fakeClient struct {
	text string
}

func (f *fakeClient) Complete(context.Context, modelrouter.Request) (modelrouter.Response, error) {
	return modelrouter.Response{Text: f.text}, nil
}

func newRouter(t *testing.T, text string) *modelrouter.Router {
	t.Helper()
	r, err := modelrouter.New(modelrouter.Options{Pool: []modelrouter.PoolEntry{
		{ModelTag: "critic-model", Client: &fakeClient{text: text}, CapabilityScore: 1, MaxConcurrent: 1},
	}})
	require.NoError(t, err)
	return r
}

func TestApplies_OnlyCriticalRolesReviewed(t *testing.T) {
	v, err := quality.New(quality.Options{Router: newRouter(t, `{"verdict":"OK"}`)})
	require.NoError(t, err)

	require.True(t, v.Applies("coder"))
	require.True(t, v.Applies("SHELL_EXECUTOR"))
	require.False(t, v.Applies("READER"))
}

func TestReview_ParsesJSONVerdict(t *testing.T) {
	v, err := quality.New(quality.Options{Router: newRouter(t, `{"verdict":"RETRY","feedback":"missing error handling"}`)})
	require.NoError(t, err)

	review, err := v.Review(context.Background(), catalogue.AgentDef{AgentType: "CODER"}, plan.Task{ID: "task_1", Description: "write a function"}, "func f() {}")
	require.NoError(t, err)
	require.Equal(t, quality.VerdictRetry, review.Verdict)
	require.Contains(t, review.Feedback, "missing error handling")
}

func TestReview_FallsBackToKeywordHeuristicOnNonJSONReply(t *testing.T) {
	v, err := quality.New(quality.Options{Router: newRouter(t, "This looks incomplete, please RETRY with proper error handling.")})
	require.NoError(t, err)

	review, err := v.Review(context.Background(), catalogue.AgentDef{AgentType: "CODER"}, plan.Task{ID: "task_1"}, "result")
	require.NoError(t, err)
	require.Equal(t, quality.VerdictRetry, review.Verdict)
}

func TestReview_DefaultsToOKWhenReplyIsUnparseableAndHasNoRetryKeyword(t *testing.T) {
	v, err := quality.New(quality.Options{Router: newRouter(t, "Looks good to me.")})
	require.NoError(t, err)

	review, err := v.Review(context.Background(), catalogue.AgentDef{AgentType: "FILE_EXECUTOR"}, plan.Task{ID: "task_1"}, "result")
	require.NoError(t, err)
	require.Equal(t, quality.VerdictOK, review.Verdict)
}

func TestNew_DefaultsMaxRetriesToThree(t *testing.T) {
	v, err := quality.New(quality.Options{Router: newRouter(t, `{"verdict":"OK"}`)})
	require.NoError(t, err)
	require.Equal(t, 3, v.MaxRetries())
}
