package activities

import (
	"context"
	"errors"
	"time"

	"atlas/internal/apperr"
	"atlas/internal/config"
	"atlas/internal/intake"
	"atlas/internal/metrics"
	"atlas/internal/models"
	"atlas/internal/progress"
	"atlas/internal/providers"
	"atlas/internal/schema"
	"atlas/internal/staging"
	"atlas/internal/storage"
	"atlas/internal/strategy"

	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"
)

type Intaker interface {
	Intake(ctx context.Context, in intake.Input) (intake.Outcome, error)
}

type Projects interface {
	Get(ctx context.Context, id string) (models.Project, error)
}

type Results interface {
	Begin(ctx context.Context, in storage.BeginInput) (models.Result, error)
	Finalize(ctx context.Context, in storage.FinalizeInput) error
}

// Resolver turns feature ids into schema features and container fragments.
type Resolver interface {
	schema.ContainerLookup
	Resolve(ctx context.Context, ids []string) ([]schema.Feature, error)
}

type Strategies interface {
	New(name string) (strategy.Strategy, error)
}

type CallAuditor interface {
	Insert(ctx context.Context, rec storage.ExtractionCall) error
}

type Deps struct {
	Config     config.Config
	Intake     Intaker
	Projects   Projects
	Results    Results
	Registry   Resolver
	Strategies Strategies
	Audit      CallAuditor
	Sink       progress.Sink
	Staging    *staging.Dir
	Logger     *zap.Logger
}

type Activities struct {
	cfg        config.Config
	intake     Intaker
	projects   Projects
	results    Results
	registry   Resolver
	strategies Strategies
	audit      CallAuditor
	sink       progress.Sink
	staging    *staging.Dir
	logger     *zap.Logger
}

func New(d Deps) *Activities {
	if d.Sink == nil {
		d.Sink = progress.Discard{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Activities{
		cfg:        d.Config,
		intake:     d.Intake,
		projects:   d.Projects,
		results:    d.Results,
		registry:   d.Registry,
		strategies: d.Strategies,
		audit:      d.Audit,
		sink:       d.Sink,
		staging:    d.Staging,
		logger:     d.Logger,
	}
}

// nonRetryable stops the activity retry policy for errors no retry can fix.
func nonRetryable(err error) error {
	if err == nil || !apperr.Permanent(err) {
		return err
	}
	errType := "NotFound"
	switch {
	case apperr.IsValidation(err):
		errType = "ValidationError"
	case errors.Is(err, apperr.ErrMissingFeature):
		errType = "MissingFeature"
	}
	return temporal.NewNonRetryableApplicationError(err.Error(), errType, err)
}

func (a *Activities) IntakePaperActivity(ctx context.Context, in IntakePaperInput) (IntakePaperOutput, error) {
	out, err := a.intake.Intake(ctx, intake.Input{
		TaskID:     in.TaskID,
		StagedPath: in.StagedPath,
		Filename:   in.Filename,
		UploadedBy: in.UploadedBy,
		PaperID:    in.PaperID,
	})
	if err != nil {
		return IntakePaperOutput{}, nonRetryable(err)
	}
	return IntakePaperOutput{
		PaperID:     out.Paper.ID,
		ContentHash: out.Paper.ContentHash,
		Filename:    out.Paper.Filename,
		LocalPath:   out.LocalPath,
		Created:     out.Created,
		Downloaded:  out.Downloaded,
	}, nil
}

// CompileSchemaActivity compiles the result's feature set once before
// extraction, failing fast on unregistered features.
func (a *Activities) CompileSchemaActivity(ctx context.Context, in CompileSchemaInput) (CompileSchemaOutput, error) {
	tree, err := a.compile(ctx, in.FeatureIDs)
	if err != nil {
		return CompileSchemaOutput{}, nonRetryable(err)
	}
	for _, w := range tree.Warnings {
		a.logger.Warn("schema compile warning", zap.String("project_id", in.ProjectID), zap.String("warning", w))
	}
	return CompileSchemaOutput{Warnings: tree.Warnings}, nil
}

func (a *Activities) compile(ctx context.Context, ids []string) (*schema.Tree, error) {
	features, err := a.registry.Resolve(ctx, ids)
	if err != nil {
		return nil, err
	}
	return schema.Compile(features, a.registry)
}

// BeginResultActivity opens the next result version with the project's
// current selection. A retry of the same task returns the row it opened.
func (a *Activities) BeginResultActivity(ctx context.Context, in BeginResultInput) (BeginResultOutput, error) {
	project, err := a.projects.Get(ctx, in.ProjectID)
	if err != nil {
		return BeginResultOutput{}, nonRetryable(err)
	}
	res, err := a.results.Begin(ctx, storage.BeginInput{
		TaskID:       in.TaskID,
		PaperID:      in.PaperID,
		ProjectID:    in.ProjectID,
		Strategy:     in.Strategy,
		FeaturesUsed: project.FeatureIDs,
	})
	if err != nil {
		return BeginResultOutput{}, nonRetryable(err)
	}
	out := BeginResultOutput{
		ResultID:   res.ID,
		Version:    res.Version,
		FeatureIDs: res.FeaturesUsed,
		Prompt:     project.Prompt,
	}
	if res.PreviousVersion != nil {
		out.PreviousVersion = *res.PreviousVersion
	}
	return out, nil
}

// ExtractActivity runs one extraction attempt. The workflow owns retries.
func (a *Activities) ExtractActivity(ctx context.Context, in ExtractInput) (ExtractOutput, error) {
	s, err := a.strategies.New(in.Strategy)
	if err != nil {
		return ExtractOutput{}, nonRetryable(err)
	}
	tree, err := a.compile(ctx, in.FeatureIDs)
	if err != nil {
		return ExtractOutput{}, nonRetryable(err)
	}
	log := a.logger.With(zap.String("task_id", in.TaskID), zap.String("strategy", s.Name()), zap.Int("attempt", in.Attempt))
	emitter := progress.NewEmitter(a.sink, in.SessionID, in.TaskID, log).Band(attemptBand(in.Attempt))

	start := time.Now()
	out, err := s.Extract(ctx, strategy.Request{
		FilePath:           in.LocalPath,
		Filename:           in.Filename,
		Schema:             tree,
		Temperature:        in.Temperature,
		CustomInstructions: in.Prompt,
		Emitter:            emitter,
	})
	elapsed := time.Since(start)

	m := metrics.Get()
	m.ExtractionDuration.WithLabelValues(s.Name()).Observe(elapsed.Seconds())
	m.TokensTotal.WithLabelValues(s.Name(), "prompt").Add(float64(out.PromptTokens))
	m.TokensTotal.WithLabelValues(s.Name(), "completion").Add(float64(out.CompletionTokens))

	rec := storage.ExtractionCall{
		TaskID:           in.TaskID,
		Attempt:          in.Attempt,
		Strategy:         s.Name(),
		Model:            a.modelFor(s.Name()),
		Status:           "ok",
		PromptTokens:     out.PromptTokens,
		CompletionTokens: out.CompletionTokens,
		DurationMS:       elapsed.Milliseconds(),
	}
	if err != nil {
		rec.Status = "error"
		rec.ErrorType = string(providers.ClassifyError(err))
		m.ExtractionsTotal.WithLabelValues(s.Name(), "error").Inc()
		log.Warn("extraction attempt failed", zap.String("error_type", rec.ErrorType), zap.Error(err))
	} else {
		m.ExtractionsTotal.WithLabelValues(s.Name(), "ok").Inc()
		log.Info("extraction attempt succeeded", zap.Duration("elapsed", elapsed),
			zap.Int64("prompt_tokens", out.PromptTokens), zap.Int64("completion_tokens", out.CompletionTokens))
	}
	if a.audit != nil {
		if aerr := a.audit.Insert(ctx, rec); aerr != nil {
			log.Warn("extraction audit insert failed", zap.Error(aerr))
		}
	}
	if err != nil {
		return ExtractOutput{}, nonRetryable(err)
	}
	return ExtractOutput{Result: out.Result, PromptTokens: out.PromptTokens, CompletionTokens: out.CompletionTokens}, nil
}

// attemptBand gives the retry the upper half of the progress range.
func attemptBand(attempt int) (int, int) {
	if attempt <= 1 {
		return 0, 50
	}
	return 50, 100
}

func (a *Activities) modelFor(name string) string {
	switch name {
	case strategy.NameAssistant:
		return a.cfg.AssistantModel
	case strategy.NameStructured:
		return a.cfg.StructuredOutputModel
	case strategy.NameClaudeTool:
		return a.cfg.ClaudeModel
	}
	return ""
}

func (a *Activities) FinalizeResultActivity(ctx context.Context, in FinalizeResultInput) error {
	err := a.results.Finalize(ctx, storage.FinalizeInput{
		TaskID:           in.TaskID,
		Output:           in.Output,
		PromptTokens:     in.PromptTokens,
		CompletionTokens: in.CompletionTokens,
		Error:            in.Error,
	})
	return nonRetryable(err)
}

// PublishProgressActivity is best-effort: publish failures are logged and
// never fail the workflow.
func (a *Activities) PublishProgressActivity(ctx context.Context, in PublishProgressInput) error {
	emitter := progress.NewEmitter(a.sink, in.SessionID, in.TaskID, a.logger)
	if in.Done {
		emitter.Finish(ctx, in.Success, in.Message)
		return nil
	}
	emitter.Emit(ctx, progress.Checkpoint{Name: "stage", Progress: in.Progress, Message: in.Message})
	return nil
}

func (a *Activities) CleanupStagedFilesActivity(ctx context.Context, in CleanupStagedFilesInput) (CleanupStagedFilesOutput, error) {
	_ = ctx
	removed, err := a.staging.Remove(in.Paths...)
	metrics.Get().StagedFilesRemoved.Add(float64(len(removed)))
	if err != nil {
		a.logger.Warn("staged file cleanup incomplete", zap.Strings("removed", removed), zap.Error(err))
	}
	return CleanupStagedFilesOutput{Removed: removed}, nil
}
