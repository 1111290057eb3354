package activities

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"atlas/internal/apperr"
	"atlas/internal/models"
	"atlas/internal/progress"
	"atlas/internal/schema"
	"atlas/internal/staging"
	"atlas/internal/storage"
	"atlas/internal/strategy"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
)

type fakeProjects map[string]models.Project

func (f fakeProjects) Get(_ context.Context, id string) (models.Project, error) {
	p, ok := f[id]
	if !ok {
		return models.Project{}, eris.Wrapf(apperr.ErrNotFound, "project %s", id)
	}
	return p, nil
}

type fakeResolver map[string]map[string]any

func (f fakeResolver) LookupContainer(string) (map[string]any, bool) { return nil, false }

func (f fakeResolver) Resolve(_ context.Context, ids []string) ([]schema.Feature, error) {
	out := make([]schema.Feature, 0, len(ids))
	for _, id := range ids {
		frag, ok := f[id]
		if !ok {
			return nil, eris.Wrapf(apperr.ErrMissingFeature, "%s", id)
		}
		out = append(out, schema.Feature{ID: id, Fragment: frag})
	}
	return out, nil
}

type fakeStrategy struct {
	out strategy.Output
	err error
	got strategy.Request
}

func (f *fakeStrategy) Name() string { return strategy.NameStructured }

func (f *fakeStrategy) Extract(_ context.Context, req strategy.Request) (strategy.Output, error) {
	f.got = req
	return f.out, f.err
}

type fakeStrategies struct{ s strategy.Strategy }

func (f fakeStrategies) New(name string) (strategy.Strategy, error) {
	if !strategy.Known(name) {
		return nil, apperr.Invalid("strategy", "unknown strategy "+name)
	}
	return f.s, nil
}

type recordingAudit struct{ recs []storage.ExtractionCall }

func (r *recordingAudit) Insert(_ context.Context, rec storage.ExtractionCall) error {
	r.recs = append(r.recs, rec)
	return nil
}

func registryFixture() fakeResolver {
	return fakeResolver{"experiments.name": {"type": "string", "description": "name"}}
}

func requireNonRetryable(t *testing.T, err error) {
	t.Helper()
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.True(t, appErr.NonRetryable())
}

func TestCompileSchemaActivity(t *testing.T) {
	a := New(Deps{Registry: registryFixture()})
	out, err := a.CompileSchemaActivity(context.Background(), CompileSchemaInput{
		ProjectID: "p1", FeatureIDs: []string{"experiments.name"},
	})
	require.NoError(t, err)
	assert.Empty(t, out.Warnings)
}

func TestCompileSchemaActivityMissingFeatureIsNonRetryable(t *testing.T) {
	a := New(Deps{Registry: registryFixture()})
	_, err := a.CompileSchemaActivity(context.Background(), CompileSchemaInput{
		ProjectID: "p1", FeatureIDs: []string{"unknown.feature"},
	})
	requireNonRetryable(t, err)
}

type recordingResults struct {
	begun []storage.BeginInput
}

func (r *recordingResults) Begin(_ context.Context, in storage.BeginInput) (models.Result, error) {
	r.begun = append(r.begun, in)
	prev := "res-1"
	return models.Result{ID: "res-2", Version: 2, PreviousVersion: &prev, FeaturesUsed: in.FeaturesUsed}, nil
}

func (r *recordingResults) Finalize(context.Context, storage.FinalizeInput) error { return nil }

func TestBeginResultActivityRecordsProjectSelection(t *testing.T) {
	results := &recordingResults{}
	a := New(Deps{
		Projects: fakeProjects{"p1": {ID: "p1", FeatureIDs: []string{"unknown.feature", "experiments.name"}, Prompt: "custom"}},
		Results:  results,
	})
	out, err := a.BeginResultActivity(context.Background(), BeginResultInput{
		TaskID: "t1", PaperID: "paper-1", ProjectID: "p1", Strategy: strategy.NameStructured,
	})
	require.NoError(t, err)
	assert.Equal(t, BeginResultOutput{
		ResultID: "res-2", Version: 2, PreviousVersion: "res-1",
		FeatureIDs: []string{"unknown.feature", "experiments.name"}, Prompt: "custom",
	}, out)
	require.Len(t, results.begun, 1)
	assert.Equal(t, []string{"unknown.feature", "experiments.name"}, results.begun[0].FeaturesUsed)

	_, err = a.BeginResultActivity(context.Background(), BeginResultInput{TaskID: "t2", PaperID: "paper-1", ProjectID: "missing"})
	requireNonRetryable(t, err)
	assert.Len(t, results.begun, 1)
}

func TestExtractActivityAuditsAttempts(t *testing.T) {
	fs := &fakeStrategy{out: strategy.Output{Result: json.RawMessage(`{"experiments":[]}`), PromptTokens: 10, CompletionTokens: 4}}
	audit := &recordingAudit{}
	a := New(Deps{Registry: registryFixture(), Strategies: fakeStrategies{fs}, Audit: audit})

	out, err := a.ExtractActivity(context.Background(), ExtractInput{
		TaskID: "t1", Strategy: strategy.NameStructured, LocalPath: "/tmp/p.pdf",
		FeatureIDs: []string{"experiments.name"}, Prompt: "custom", Temperature: 0.8, Attempt: 2,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"experiments":[]}`, string(out.Result))
	assert.Equal(t, "custom", fs.got.CustomInstructions)
	assert.InDelta(t, 0.8, fs.got.Temperature, 1e-9)
	require.NotNil(t, fs.got.Schema)

	require.Len(t, audit.recs, 1)
	assert.Equal(t, "ok", audit.recs[0].Status)
	assert.Equal(t, 2, audit.recs[0].Attempt)

	fs.err = apperr.Extraction(strategy.NameStructured, "format check failed", nil)
	_, err = a.ExtractActivity(context.Background(), ExtractInput{TaskID: "t1", Strategy: strategy.NameStructured, FeatureIDs: []string{"experiments.name"}})
	require.Error(t, err)
	assert.True(t, apperr.IsExtraction(err))
	require.Len(t, audit.recs, 2)
	assert.Equal(t, "error", audit.recs[1].Status)
	assert.Equal(t, "output", audit.recs[1].ErrorType)
}

type emittingStrategy struct{ fakeStrategy }

func (e *emittingStrategy) Extract(ctx context.Context, req strategy.Request) (strategy.Output, error) {
	req.Emitter.Emit(ctx, progress.Checkpoint{Name: "start", Progress: 0})
	req.Emitter.Emit(ctx, progress.Checkpoint{Name: "cleanup", Progress: 70})
	return e.fakeStrategy.Extract(ctx, req)
}

type recordingSink struct{ events []progress.Event }

func (r *recordingSink) Publish(_ context.Context, _ string, ev progress.Event) error {
	r.events = append(r.events, ev)
	return nil
}

func TestExtractActivityRetryReportsHigherProgress(t *testing.T) {
	sink := &recordingSink{}
	fs := &emittingStrategy{fakeStrategy{out: strategy.Output{Result: json.RawMessage(`{}`)}}}
	a := New(Deps{Registry: registryFixture(), Strategies: fakeStrategies{fs}, Sink: sink})

	for attempt := 1; attempt <= 2; attempt++ {
		_, err := a.ExtractActivity(context.Background(), ExtractInput{
			TaskID: "t1", SessionID: "sess", Strategy: strategy.NameStructured,
			FeatureIDs: []string{"experiments.name"}, Attempt: attempt,
		})
		require.NoError(t, err)
	}

	var got []int
	for _, ev := range sink.events {
		got = append(got, ev.Progress)
	}
	assert.Equal(t, []int{0, 35, 50, 85}, got)
}

func TestExtractActivityUnknownStrategy(t *testing.T) {
	a := New(Deps{Registry: registryFixture(), Strategies: fakeStrategies{}})
	_, err := a.ExtractActivity(context.Background(), ExtractInput{Strategy: "bogus"})
	requireNonRetryable(t, err)
}

func TestCleanupStagedFilesActivity(t *testing.T) {
	dir, err := staging.New(t.TempDir())
	require.NoError(t, err)
	p, err := dir.Stage("t1", "paper.pdf", []byte("x"))
	require.NoError(t, err)

	a := New(Deps{Staging: dir})
	out, err := a.CleanupStagedFilesActivity(context.Background(), CleanupStagedFilesInput{Paths: []string{p, p, ""}})
	require.NoError(t, err)
	assert.Equal(t, []string{p}, out.Removed)
}

func TestNonRetryablePassesTransientErrorsThrough(t *testing.T) {
	transient := errors.New("connection reset")
	assert.Same(t, transient, nonRetryable(transient))
	assert.Nil(t, nonRetryable(nil))
}
