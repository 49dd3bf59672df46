package modelrouter_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"delegate.run/engine/catalogue"
	"delegate.run/engine/errs"
	"delegate.run/engine/modelrouter"
)

type fakeClient struct {
	calls int
	err   error
	resp  modelrouter.Response
}

func (f *fakeClient) Complete(context.Context, modelrouter.Request) (modelrouter.Response, error) {
	f.calls++
	if f.err != nil {
		return modelrouter.Response{}, f.err
	}
	return f.resp, nil
}

func def() catalogue.AgentDef {
	return catalogue.AgentDef{AgentType: "CODER"}
}

func TestRoute_PreferredModelTriedFirst(t *testing.T) {
	strong := &fakeClient{resp: modelrouter.Response{Text: "strong"}}
	weak := &fakeClient{resp: modelrouter.Response{Text: "weak"}}
	r, err := modelrouter.New(modelrouter.Options{Pool: []modelrouter.PoolEntry{
		{ModelTag: "weak-model", Client: weak, CapabilityScore: 1, MaxConcurrent: 1},
		{ModelTag: "strong-model", Client: strong, CapabilityScore: 10, MaxConcurrent: 1},
	}})
	require.NoError(t, err)

	d := def()
	d.PreferredModel = "weak-model"
	resp, tag, err := r.Complete(context.Background(), d, modelrouter.Request{Messages: []modelrouter.Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	require.Equal(t, "weak-model", tag)
	require.Equal(t, "weak", resp.Text)
	require.Equal(t, 1, weak.calls)
	require.Equal(t, 0, strong.calls)
}

func TestComplete_FallsBackToNextRungOnFailure(t *testing.T) {
	failing := &fakeClient{err: errors.New("boom")}
	ok := &fakeClient{resp: modelrouter.Response{Text: "ok"}}
	r, err := modelrouter.New(modelrouter.Options{Pool: []modelrouter.PoolEntry{
		{ModelTag: "primary", Client: failing, CapabilityScore: 10, MaxConcurrent: 1},
		{ModelTag: "secondary", Client: ok, CapabilityScore: 5, MaxConcurrent: 1},
	}})
	require.NoError(t, err)

	resp, tag, err := r.Complete(context.Background(), def(), modelrouter.Request{})
	require.NoError(t, err)
	require.Equal(t, "secondary", tag)
	require.Equal(t, "ok", resp.Text)
	require.Equal(t, 1, failing.calls)
	require.Equal(t, 1, ok.calls)
}

func TestComplete_ExhaustedLadderReturnsModelUnavailable(t *testing.T) {
	failing := &fakeClient{err: errors.New("boom")}
	r, err := modelrouter.New(modelrouter.Options{Pool: []modelrouter.PoolEntry{
		{ModelTag: "only", Client: failing, CapabilityScore: 1, MaxConcurrent: 1},
	}})
	require.NoError(t, err)

	_, _, err = r.Complete(context.Background(), def(), modelrouter.Request{})
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.KindModelUnavailable, e.Kind)
}

func TestRoute_MinCapabilityScoreExcludesWeakerModels(t *testing.T) {
	weak := &fakeClient{resp: modelrouter.Response{Text: "weak"}}
	r, err := modelrouter.New(modelrouter.Options{Pool: []modelrouter.PoolEntry{
		{ModelTag: "weak-model", Client: weak, CapabilityScore: 1, MaxConcurrent: 1},
	}})
	require.NoError(t, err)

	d := def()
	d.MinCapabilityScore = 5
	_, _, err = r.Complete(context.Background(), d, modelrouter.Request{})
	require.Error(t, err)
	require.Equal(t, 0, weak.calls)
}
