package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"atlas/internal/apperr"
	"atlas/internal/config"
	"atlas/internal/models"
	"atlas/internal/staging"
	"atlas/internal/workflows"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/converter"
)

type mockWorkflows struct{ mock.Mock }

func (m *mockWorkflows) ExecuteWorkflow(_ context.Context, opts client.StartWorkflowOptions, _ interface{}, args ...interface{}) (client.WorkflowRun, error) {
	ret := m.Called(opts, args[0])
	return nil, ret.Error(0)
}

func (m *mockWorkflows) QueryWorkflow(_ context.Context, workflowID, _ string, queryType string, _ ...interface{}) (converter.EncodedValue, error) {
	ret := m.Called(workflowID, queryType)
	v, _ := ret.Get(0).(converter.EncodedValue)
	return v, ret.Error(1)
}

type jsonValue struct{ v any }

func (j jsonValue) HasValue() bool { return j.v != nil }

func (j jsonValue) Get(ptr interface{}) error {
	b, err := json.Marshal(j.v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ptr)
}

type fakeProjects map[string]models.Project

func (f fakeProjects) Get(_ context.Context, id string) (models.Project, error) {
	p, ok := f[id]
	if !ok {
		return models.Project{}, eris.Wrapf(apperr.ErrNotFound, "project %s", id)
	}
	return p, nil
}

type fakePapers struct {
	byID      map[string]models.Paper
	inProject map[string][]models.Paper
}

func (f fakePapers) Get(_ context.Context, id string) (models.Paper, error) {
	p, ok := f.byID[id]
	if !ok {
		return models.Paper{}, eris.Wrapf(apperr.ErrNotFound, "paper %s", id)
	}
	return p, nil
}

func (f fakePapers) ListByProject(_ context.Context, projectID string) ([]models.Paper, error) {
	return f.inProject[projectID], nil
}

type fakeResults struct {
	byTask map[string]models.Result
	latest map[string]models.Result
}

func (f fakeResults) GetByTask(_ context.Context, taskID string) (models.Result, error) {
	r, ok := f.byTask[taskID]
	if !ok {
		return models.Result{}, eris.Wrapf(apperr.ErrNotFound, "result for task %s", taskID)
	}
	return r, nil
}

func (f fakeResults) Latest(_ context.Context, paperID, _ string) (models.Result, error) {
	r, ok := f.latest[paperID]
	if !ok {
		return models.Result{}, eris.Wrapf(apperr.ErrNotFound, "latest result for paper %s", paperID)
	}
	return r, nil
}

func (f fakeResults) Versions(_ context.Context, paperID, _ string) ([]models.Result, error) {
	if r, ok := f.latest[paperID]; ok {
		return []models.Result{r}, nil
	}
	return nil, nil
}

func testConfig() config.Config {
	return config.Config{
		TemporalTaskQueue: "atlas",
		DefaultStrategy:   "assistant_api",
		Temperature:       0.7,
		TemperatureNudge:  0.1,
		RetryBackoff:      5 * time.Second,
		PollInterval:      10 * time.Second,
		MaxPollIterations: 90,
	}
}

func newService(t *testing.T, wf *mockWorkflows, papers fakePapers, results fakeResults) (*Service, *staging.Dir) {
	t.Helper()
	dir, err := staging.New(t.TempDir())
	require.NoError(t, err)
	svc := New(Deps{
		Config:    testConfig(),
		Workflows: wf,
		Projects: fakeProjects{"proj-1": {
			ID:         "proj-1",
			FeatureIDs: []string{"experiments.name", "experiments.conditions.name"},
		}},
		Papers:  papers,
		Results: results,
		Staging: dir,
	})
	return svc, dir
}

func TestSubmitStagesAndStartsWorkflow(t *testing.T) {
	wf := &mockWorkflows{}
	svc, dir := newService(t, wf, fakePapers{}, fakeResults{})

	var started workflows.PaperExtractInput
	wf.On("ExecuteWorkflow", mock.MatchedBy(func(o client.StartWorkflowOptions) bool {
		return o.TaskQueue == "atlas" && o.ID != ""
	}), mock.MatchedBy(func(in workflows.PaperExtractInput) bool {
		started = in
		return true
	})).Return(nil).Once()

	sub, err := svc.Submit(context.Background(), SubmitInput{
		ProjectID: "proj-1",
		UserID:    "user-1",
		SessionID: "sess-1",
		Filename:  "../paper.pdf",
		Data:      []byte("%PDF-1.4"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, sub.TaskID)

	assert.Equal(t, sub.TaskID, started.TaskID)
	assert.Equal(t, "assistant_api", started.Strategy)
	assert.Equal(t, "paper.pdf", started.Filename)
	assert.Equal(t, dir.Path(sub.TaskID, "paper.pdf"), started.StagedPath)
	assert.Equal(t, 20*time.Minute, started.Settings.ExtractTimeout)
	assert.InDelta(t, 0.1, started.Settings.TemperatureNudge, 1e-9)

	data, err := os.ReadFile(started.StagedPath)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(data))
	wf.AssertExpectations(t)
}

func TestSubmitValidation(t *testing.T) {
	wf := &mockWorkflows{}
	svc, _ := newService(t, wf, fakePapers{}, fakeResults{})
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitInput{Filename: "p.pdf", Data: []byte("x")})
	assert.True(t, apperr.IsValidation(err))

	_, err = svc.Submit(ctx, SubmitInput{ProjectID: "proj-1", Filename: "p.pdf"})
	assert.True(t, apperr.IsValidation(err))

	_, err = svc.Submit(ctx, SubmitInput{ProjectID: "proj-1", Filename: "p.pdf", Data: []byte("x"), Strategy: "carrier_pigeon"})
	assert.True(t, apperr.IsValidation(err))

	_, err = svc.Submit(ctx, SubmitInput{ProjectID: "missing", Filename: "p.pdf", Data: []byte("x")})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	wf.AssertNotCalled(t, "ExecuteWorkflow", mock.Anything, mock.Anything)
}

func TestSubmitRemovesStagedFileWhenStartFails(t *testing.T) {
	wf := &mockWorkflows{}
	svc, dir := newService(t, wf, fakePapers{}, fakeResults{})
	wf.On("ExecuteWorkflow", mock.Anything, mock.Anything).Return(errors.New("temporal unavailable"))

	_, err := svc.Submit(context.Background(), SubmitInput{ProjectID: "proj-1", Filename: "p.pdf", Data: []byte("x")})
	require.Error(t, err)

	entries, err := os.ReadDir(dir.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReprocessSkipsWhenFeaturesUnchanged(t *testing.T) {
	wf := &mockWorkflows{}
	papers := fakePapers{byID: map[string]models.Paper{"paper-1": {ID: "paper-1"}}}
	results := fakeResults{latest: map[string]models.Result{"paper-1": {
		ID:           "res-1",
		Version:      1,
		Finished:     true,
		FeaturesUsed: []string{"experiments.conditions.name", "experiments.name"},
	}}}
	svc, _ := newService(t, wf, papers, results)

	sub, err := svc.Reprocess(context.Background(), ReprocessInput{PaperID: "paper-1", ProjectID: "proj-1"})
	require.NoError(t, err)
	assert.True(t, sub.Skipped)
	assert.Equal(t, "res-1", sub.ResultID)
	wf.AssertNotCalled(t, "ExecuteWorkflow", mock.Anything, mock.Anything)
}

func TestReprocessStartsWhenFeaturesChangedOrLastRunFailed(t *testing.T) {
	wf := &mockWorkflows{}
	papers := fakePapers{byID: map[string]models.Paper{
		"paper-1": {ID: "paper-1"},
		"paper-2": {ID: "paper-2"},
	}}
	results := fakeResults{latest: map[string]models.Result{
		"paper-1": {ID: "res-1", Finished: true, FeaturesUsed: []string{"experiments.name"}},
		"paper-2": {ID: "res-2", Finished: true, Error: "boom", FeaturesUsed: []string{"experiments.name", "experiments.conditions.name"}},
	}}
	svc, _ := newService(t, wf, papers, results)
	wf.On("ExecuteWorkflow", mock.Anything, mock.MatchedBy(func(in workflows.PaperExtractInput) bool {
		return in.StagedPath == "" && in.PaperID != ""
	})).Return(nil).Twice()

	for _, id := range []string{"paper-1", "paper-2"} {
		sub, err := svc.Reprocess(context.Background(), ReprocessInput{PaperID: id, ProjectID: "proj-1"})
		require.NoError(t, err)
		assert.False(t, sub.Skipped)
		assert.NotEmpty(t, sub.TaskID)
	}
	wf.AssertExpectations(t)
}

func TestReprocessProjectContinuesPastMissingPaper(t *testing.T) {
	wf := &mockWorkflows{}
	papers := fakePapers{
		byID:      map[string]models.Paper{"paper-1": {ID: "paper-1"}},
		inProject: map[string][]models.Paper{"proj-1": {{ID: "gone"}, {ID: "paper-1"}}},
	}
	svc, _ := newService(t, wf, papers, fakeResults{})
	wf.On("ExecuteWorkflow", mock.Anything, mock.Anything).Return(nil).Once()

	subs, err := svc.ReprocessProject(context.Background(), ReprocessInput{ProjectID: "proj-1"})
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "paper-1", subs[0].PaperID)
	wf.AssertExpectations(t)
}

func TestStatusFromFinishedResult(t *testing.T) {
	wf := &mockWorkflows{}
	results := fakeResults{byTask: map[string]models.Result{
		"t-ok":   {ID: "r1", PaperID: "p", Version: 2, Finished: true, Output: json.RawMessage(`{"a":1}`)},
		"t-fail": {ID: "r2", PaperID: "p", Version: 3, Finished: true, Error: "extraction timed out"},
	}}
	svc, _ := newService(t, wf, fakePapers{}, results)

	st, err := svc.Status(context.Background(), "t-ok")
	require.NoError(t, err)
	assert.Equal(t, workflows.StateDone, st.State)
	assert.JSONEq(t, `{"a":1}`, string(st.Result))

	st, err = svc.Status(context.Background(), "t-fail")
	require.NoError(t, err)
	assert.Equal(t, workflows.StateFailed, st.State)
	assert.Equal(t, "extraction timed out", st.Error)
	wf.AssertNotCalled(t, "QueryWorkflow", mock.Anything, mock.Anything)
}

func TestStatusFromWorkflowQuery(t *testing.T) {
	wf := &mockWorkflows{}
	results := fakeResults{byTask: map[string]models.Result{"t-run": {ID: "r1", PaperID: "p", Version: 1}}}
	svc, _ := newService(t, wf, fakePapers{}, results)

	wf.On("QueryWorkflow", "t-run", workflows.QueryGetTaskState).
		Return(jsonValue{workflows.TaskState{TaskID: "t-run", State: workflows.StateExtracting, Attempt: 2}}, nil)
	wf.On("QueryWorkflow", "t-early", workflows.QueryGetTaskState).
		Return(jsonValue{workflows.TaskState{TaskID: "t-early", State: workflows.StateFailed, Error: "intake failed: paper not found"}}, nil)
	wf.On("QueryWorkflow", "t-none", workflows.QueryGetTaskState).
		Return(nil, errors.New("workflow not found"))

	st, err := svc.Status(context.Background(), "t-run")
	require.NoError(t, err)
	assert.Equal(t, workflows.StateExtracting, st.State)
	assert.Equal(t, 2, st.Attempt)
	assert.Equal(t, "r1", st.ResultID)

	st, err = svc.Status(context.Background(), "t-early")
	require.NoError(t, err)
	assert.True(t, st.State.Terminal())
	assert.Contains(t, st.Error, "intake failed")

	_, err = svc.Status(context.Background(), "t-none")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSameFeaturesIgnoresOrder(t *testing.T) {
	assert.True(t, sameFeatures([]string{"a", "b"}, []string{"b", "a"}))
	assert.False(t, sameFeatures([]string{"a"}, []string{"a", "b"}))
	assert.False(t, sameFeatures([]string{"a", "c"}, []string{"a", "b"}))
}
