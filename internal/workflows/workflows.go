package workflows

import (
	"errors"
	"math"
	"time"

	"atlas/internal/activities"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	QueryGetTaskState = "GetTaskState"

	// One scheduled retry after the first extraction attempt.
	maxExtractAttempts = 2

	defaultExtractTimeout = 20 * time.Minute
	defaultRetryBackoff   = 5 * time.Second
)

// PaperExtractWorkflow drives one task through intake, result versioning,
// schema compilation and extraction. The workflow id is the task id. It
// always completes with a terminal state rather than an error so status
// queries never see a stuck task.
func PaperExtractWorkflow(ctx workflow.Context, input PaperExtractInput) (PaperExtractResult, error) {
	state := TaskState{
		TaskID:      input.TaskID,
		State:       StateCreated,
		Transitions: []string{string(StateCreated)},
		UpdatedAt:   workflow.Now(ctx),
	}
	if err := workflow.SetQueryHandler(ctx, QueryGetTaskState, func() (TaskState, error) {
		return state, nil
	}); err != nil {
		return PaperExtractResult{}, err
	}
	move := func(s State) {
		state.State = s
		state.Transitions = append(state.Transitions, string(s))
		state.UpdatedAt = workflow.Now(ctx)
	}

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    20 * time.Second,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	logger := workflow.GetLogger(ctx)

	staged := make([]string, 0, 2)
	if input.StagedPath != "" {
		staged = append(staged, input.StagedPath)
	}
	result := PaperExtractResult{TaskID: input.TaskID}

	// finish runs on every exit path: staged copies are removed and exactly
	// one terminal progress event is published.
	finish := func(success bool, message string) (PaperExtractResult, error) {
		if success {
			move(StateDone)
		} else {
			move(StateFailed)
			state.Error = message
			result.Error = message
		}
		result.State = state.State

		dctx, cancel := workflow.NewDisconnectedContext(ctx)
		defer cancel()
		once := workflow.WithActivityOptions(dctx, workflow.ActivityOptions{
			StartToCloseTimeout: 30 * time.Second,
			RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
		})
		if len(staged) > 0 {
			if err := workflow.ExecuteActivity(once, "CleanupStagedFilesActivity", activities.CleanupStagedFilesInput{Paths: staged}).Get(once, nil); err != nil {
				logger.Warn("staged file cleanup failed", "task_id", input.TaskID, "error", err)
			}
		}
		if err := workflow.ExecuteActivity(once, "PublishProgressActivity", activities.PublishProgressInput{
			TaskID:    input.TaskID,
			SessionID: input.SessionID,
			Message:   message,
			Progress:  100,
			Done:      true,
			Success:   success,
		}).Get(once, nil); err != nil {
			logger.Warn("final progress publish failed", "task_id", input.TaskID, "error", err)
		}
		return result, nil
	}

	if input.ProjectID == "" {
		return finish(false, "project_id is required")
	}
	if input.StagedPath == "" && input.PaperID == "" {
		return finish(false, "a file upload or paper id is required")
	}

	move(StateHashing)
	var intakeOut activities.IntakePaperOutput
	if err := workflow.ExecuteActivity(ctx, "IntakePaperActivity", activities.IntakePaperInput{
		TaskID:     input.TaskID,
		StagedPath: input.StagedPath,
		Filename:   input.Filename,
		UploadedBy: input.UserID,
		PaperID:    input.PaperID,
	}).Get(ctx, &intakeOut); err != nil {
		return finish(false, "intake failed: "+errorMessage(err))
	}
	if intakeOut.Downloaded && intakeOut.LocalPath != "" {
		staged = append(staged, intakeOut.LocalPath)
	}
	move(StateDedup)
	state.PaperID = intakeOut.PaperID
	result.PaperID = intakeOut.PaperID
	filename := input.Filename
	if filename == "" {
		filename = intakeOut.Filename
	}

	var begun activities.BeginResultOutput
	if err := workflow.ExecuteActivity(ctx, "BeginResultActivity", activities.BeginResultInput{
		TaskID:    input.TaskID,
		PaperID:   intakeOut.PaperID,
		ProjectID: input.ProjectID,
		Strategy:  input.Strategy,
	}).Get(ctx, &begun); err != nil {
		return finish(false, "could not open result version: "+errorMessage(err))
	}
	state.ResultID = begun.ResultID
	state.Version = begun.Version
	result.ResultID = begun.ResultID
	result.Version = begun.Version

	// From here on every failure leaves a finished result with an error.
	abandon := func(message string) (PaperExtractResult, error) {
		move(StatePersisting)
		if err := workflow.ExecuteActivity(ctx, "FinalizeResultActivity", activities.FinalizeResultInput{
			TaskID: input.TaskID,
			Error:  message,
		}).Get(ctx, nil); err != nil {
			return finish(false, message+"; could not persist result: "+errorMessage(err))
		}
		return finish(false, message)
	}

	move(StateCompiling)
	var compiled activities.CompileSchemaOutput
	if err := workflow.ExecuteActivity(ctx, "CompileSchemaActivity", activities.CompileSchemaInput{
		ProjectID:  input.ProjectID,
		FeatureIDs: begun.FeatureIDs,
	}).Get(ctx, &compiled); err != nil {
		return abandon("schema compilation failed: " + errorMessage(err))
	}
	state.Warnings = compiled.Warnings

	move(StateExtracting)
	extractCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: durationOr(input.Settings.ExtractTimeout, defaultExtractTimeout),
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	var extracted activities.ExtractOutput
	var extractErr error
	for attempt := 1; attempt <= maxExtractAttempts; attempt++ {
		state.Attempt = attempt
		extractErr = workflow.ExecuteActivity(extractCtx, "ExtractActivity", activities.ExtractInput{
			TaskID:      input.TaskID,
			SessionID:   input.SessionID,
			Strategy:    input.Strategy,
			LocalPath:   intakeOut.LocalPath,
			Filename:    filename,
			FeatureIDs:  begun.FeatureIDs,
			Prompt:      begun.Prompt,
			Temperature: attemptTemperature(input.Settings, attempt),
			Attempt:     attempt,
		}).Get(extractCtx, &extracted)
		if extractErr == nil || !retryable(extractErr) || attempt == maxExtractAttempts {
			break
		}
		logger.Warn("extraction attempt failed, retrying", "task_id", input.TaskID, "attempt", attempt, "error", extractErr)
		if err := workflow.Sleep(ctx, durationOr(input.Settings.RetryBackoff, defaultRetryBackoff)); err != nil {
			extractErr = err
			break
		}
	}

	move(StatePersisting)
	finalize := activities.FinalizeResultInput{TaskID: input.TaskID}
	if extractErr != nil {
		finalize.Error = errorMessage(extractErr)
	} else {
		finalize.Output = extracted.Result
		finalize.PromptTokens = extracted.PromptTokens
		finalize.CompletionTokens = extracted.CompletionTokens
	}
	if err := workflow.ExecuteActivity(ctx, "FinalizeResultActivity", finalize).Get(ctx, nil); err != nil {
		return finish(false, "could not persist result: "+errorMessage(err))
	}
	if extractErr != nil {
		return finish(false, "extraction failed: "+finalize.Error)
	}
	result.Output = extracted.Result
	return finish(true, "Extraction complete")
}

// attemptTemperature nudges the temperature upward on retries, capped at 1.
func attemptTemperature(s Settings, attempt int) float64 {
	t := s.Temperature + float64(attempt-1)*s.TemperatureNudge
	return math.Min(t, 1.0)
}

func retryable(err error) bool {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.NonRetryable() {
		return false
	}
	var canceled *temporal.CanceledError
	return !errors.As(err, &canceled)
}

// errorMessage unwraps activity errors to the application message.
func errorMessage(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Error()
	}
	var timeoutErr *temporal.TimeoutError
	if errors.As(err, &timeoutErr) {
		return "extraction timed out"
	}
	return err.Error()
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
