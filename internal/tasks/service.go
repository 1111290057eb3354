// Package tasks is the submission and status boundary in front of the
// extraction workflow. The HTTP layer and the CLI only talk to this package.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"atlas/internal/apperr"
	"atlas/internal/config"
	"atlas/internal/models"
	"atlas/internal/staging"
	"atlas/internal/strategy"
	"atlas/internal/workflows"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/converter"
	"go.uber.org/zap"
)

// extractMargin is added on top of the worst-case poll budget.
const extractMargin = 5 * time.Minute

// Workflows is the subset of client.Client the service needs.
type Workflows interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
	QueryWorkflow(ctx context.Context, workflowID, runID, queryType string, args ...interface{}) (converter.EncodedValue, error)
}

type Projects interface {
	Get(ctx context.Context, id string) (models.Project, error)
}

type Papers interface {
	Get(ctx context.Context, id string) (models.Paper, error)
	ListByProject(ctx context.Context, projectID string) ([]models.Paper, error)
}

type Results interface {
	GetByTask(ctx context.Context, taskID string) (models.Result, error)
	Latest(ctx context.Context, paperID, projectID string) (models.Result, error)
	Versions(ctx context.Context, paperID, projectID string) ([]models.Result, error)
}

type Deps struct {
	Config    config.Config
	Workflows Workflows
	Projects  Projects
	Papers    Papers
	Results   Results
	Staging   *staging.Dir
	Logger    *zap.Logger
}

type Service struct {
	cfg       config.Config
	workflows Workflows
	projects  Projects
	papers    Papers
	results   Results
	staging   *staging.Dir
	logger    *zap.Logger
}

func New(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:       d.Config,
		workflows: d.Workflows,
		projects:  d.Projects,
		papers:    d.Papers,
		results:   d.Results,
		staging:   d.Staging,
		logger:    logger,
	}
}

type SubmitInput struct {
	ProjectID string
	UserID    string
	SessionID string
	Strategy  string
	Filename  string
	Data      []byte
}

type ReprocessInput struct {
	PaperID   string
	ProjectID string
	UserID    string
	SessionID string
	Strategy  string
}

// Submission describes a started task, or a reprocess request that was
// skipped because the latest result already used the project's features.
type Submission struct {
	TaskID   string `json:"task_id,omitempty"`
	PaperID  string `json:"paper_id,omitempty"`
	Skipped  bool   `json:"skipped,omitempty"`
	ResultID string `json:"result_id,omitempty"`
}

type Status struct {
	TaskID   string          `json:"task_id"`
	State    workflows.State `json:"state"`
	PaperID  string          `json:"paper_id,omitempty"`
	ResultID string          `json:"result_id,omitempty"`
	Version  int             `json:"version,omitempty"`
	Attempt  int             `json:"attempt,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Submit stages the upload and starts one extraction workflow for it.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (Submission, error) {
	if strings.TrimSpace(in.ProjectID) == "" {
		return Submission{}, apperr.Invalid("project_id", "is required")
	}
	if len(in.Data) == 0 {
		return Submission{}, apperr.Invalid("file", "is empty")
	}
	filename := filepath.Base(strings.TrimSpace(in.Filename))
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		return Submission{}, apperr.Invalid("filename", "is required")
	}
	name, err := s.strategyName(in.Strategy)
	if err != nil {
		return Submission{}, err
	}
	if _, err := s.projects.Get(ctx, in.ProjectID); err != nil {
		return Submission{}, err
	}

	taskID := uuid.NewString()
	staged, err := s.staging.Stage(taskID, filename, in.Data)
	if err != nil {
		return Submission{}, eris.Wrap(err, "stage upload")
	}
	err = s.start(ctx, workflows.PaperExtractInput{
		TaskID:     taskID,
		ProjectID:  in.ProjectID,
		UserID:     in.UserID,
		SessionID:  in.SessionID,
		Strategy:   name,
		StagedPath: staged,
		Filename:   filename,
	})
	if err != nil {
		if _, rmErr := s.staging.Remove(staged); rmErr != nil {
			s.logger.Warn("remove staged upload", zap.String("task_id", taskID), zap.Error(rmErr))
		}
		return Submission{}, err
	}
	return Submission{TaskID: taskID}, nil
}

// Reprocess re-runs extraction for a stored paper. It is a no-op when the
// latest successful result was produced with the project's current features.
func (s *Service) Reprocess(ctx context.Context, in ReprocessInput) (Submission, error) {
	if strings.TrimSpace(in.PaperID) == "" {
		return Submission{}, apperr.Invalid("paper_id", "is required")
	}
	if strings.TrimSpace(in.ProjectID) == "" {
		return Submission{}, apperr.Invalid("project_id", "is required")
	}
	name, err := s.strategyName(in.Strategy)
	if err != nil {
		return Submission{}, err
	}
	project, err := s.projects.Get(ctx, in.ProjectID)
	if err != nil {
		return Submission{}, err
	}
	if _, err := s.papers.Get(ctx, in.PaperID); err != nil {
		return Submission{}, err
	}

	latest, err := s.results.Latest(ctx, in.PaperID, in.ProjectID)
	switch {
	case err == nil:
		if latest.Finished && !latest.Failed() && sameFeatures(latest.FeaturesUsed, project.FeatureIDs) {
			s.logger.Info("reprocess skipped, features unchanged",
				zap.String("paper_id", in.PaperID), zap.String("project_id", in.ProjectID), zap.Int("version", latest.Version))
			return Submission{PaperID: in.PaperID, Skipped: true, ResultID: latest.ID}, nil
		}
	case !errors.Is(err, apperr.ErrNotFound):
		return Submission{}, err
	}

	taskID := uuid.NewString()
	err = s.start(ctx, workflows.PaperExtractInput{
		TaskID:    taskID,
		ProjectID: in.ProjectID,
		UserID:    in.UserID,
		SessionID: in.SessionID,
		Strategy:  name,
		PaperID:   in.PaperID,
	})
	if err != nil {
		return Submission{}, err
	}
	return Submission{TaskID: taskID, PaperID: in.PaperID}, nil
}

// ReprocessProject reprocesses every paper that has a result in the project.
// A failure for one paper is logged and does not stop the batch.
func (s *Service) ReprocessProject(ctx context.Context, in ReprocessInput) ([]Submission, error) {
	papers, err := s.papers.ListByProject(ctx, in.ProjectID)
	if err != nil {
		return nil, err
	}
	out := make([]Submission, 0, len(papers))
	for _, p := range papers {
		req := in
		req.PaperID = p.ID
		sub, err := s.Reprocess(ctx, req)
		if err != nil {
			if apperr.IsValidation(err) {
				return nil, err
			}
			s.logger.Warn("reprocess paper", zap.String("paper_id", p.ID), zap.Error(err))
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}

// Status returns the finished result when one exists, otherwise the live
// workflow state.
func (s *Service) Status(ctx context.Context, taskID string) (Status, error) {
	st := Status{TaskID: taskID}
	res, err := s.results.GetByTask(ctx, taskID)
	switch {
	case err == nil:
		st.PaperID = res.PaperID
		st.ResultID = res.ID
		st.Version = res.Version
		if res.Finished {
			if res.Failed() {
				st.State = workflows.StateFailed
				st.Error = res.Error
			} else {
				st.State = workflows.StateDone
				st.Result = res.Output
			}
			return st, nil
		}
	case !errors.Is(err, apperr.ErrNotFound):
		return Status{}, err
	}

	val, err := s.workflows.QueryWorkflow(ctx, taskID, "", workflows.QueryGetTaskState)
	if err != nil {
		if st.ResultID != "" {
			st.State = workflows.StateExtracting
			return st, nil
		}
		return Status{}, eris.Wrapf(apperr.ErrNotFound, "task %s: %v", taskID, err)
	}
	var ts workflows.TaskState
	if err := val.Get(&ts); err != nil {
		return Status{}, eris.Wrap(err, "decode task state")
	}
	st.State = ts.State
	st.Attempt = ts.Attempt
	st.Error = ts.Error
	if st.PaperID == "" {
		st.PaperID = ts.PaperID
	}
	if st.ResultID == "" {
		st.ResultID = ts.ResultID
		st.Version = ts.Version
	}
	return st, nil
}

func (s *Service) Versions(ctx context.Context, paperID, projectID string) ([]models.Result, error) {
	if paperID == "" || projectID == "" {
		return nil, apperr.Invalid("project_id", "paper and project are required")
	}
	return s.results.Versions(ctx, paperID, projectID)
}

func (s *Service) start(ctx context.Context, in workflows.PaperExtractInput) error {
	in.Settings = s.settings()
	_, err := s.workflows.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                                       in.TaskID,
		TaskQueue:                                s.cfg.TemporalTaskQueue,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}, workflows.PaperExtractWorkflow, in)
	if err != nil {
		return eris.Wrapf(err, "start workflow %s", in.TaskID)
	}
	s.logger.Info("task submitted",
		zap.String("task_id", in.TaskID),
		zap.String("project_id", in.ProjectID),
		zap.String("strategy", in.Strategy),
		zap.Bool("reprocess", in.PaperID != ""))
	return nil
}

func (s *Service) settings() workflows.Settings {
	return workflows.Settings{
		Temperature:      s.cfg.Temperature,
		TemperatureNudge: s.cfg.TemperatureNudge,
		RetryBackoff:     s.cfg.RetryBackoff,
		ExtractTimeout:   s.cfg.PollInterval*time.Duration(s.cfg.MaxPollIterations) + extractMargin,
	}
}

func (s *Service) strategyName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = s.cfg.DefaultStrategy
	}
	if !strategy.Known(name) {
		return "", apperr.Invalid("strategy", "unknown strategy "+name)
	}
	return name, nil
}

// sameFeatures compares feature sets regardless of order.
func sameFeatures(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := slices.Clone(a)
	y := slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}
