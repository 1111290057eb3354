package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"atlas/internal/apperr"
	"atlas/internal/progress"
	"atlas/internal/providers"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// AssistantAPI is the subset of the OpenAI client the assistant strategy uses.
type AssistantAPI interface {
	UploadFile(ctx context.Context, filename string, data []byte, purpose string) (string, error)
	DeleteFile(ctx context.Context, fileID string) error
	CreateVectorStore(ctx context.Context, name string, fileIDs []string) (string, error)
	VectorStoreStatus(ctx context.Context, id string) (string, error)
	VectorStoreFiles(ctx context.Context, id string) ([]string, error)
	DeleteVectorStore(ctx context.Context, id string) error
	CreateAssistant(ctx context.Context, p providers.AssistantParams) (string, error)
	DeleteAssistant(ctx context.Context, id string) error
	CreateThread(ctx context.Context, userMessage string) (string, error)
	DeleteThread(ctx context.Context, id string) error
	CreateRun(ctx context.Context, threadID, assistantID string) (providers.Run, error)
	GetRun(ctx context.Context, threadID, runID string) (providers.Run, error)
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []providers.ToolOutput) (providers.Run, error)
	LatestMessageText(ctx context.Context, threadID string) (string, error)
}

var (
	cpAssistantStart     = progress.Checkpoint{Name: "start", Progress: 0, Message: "Starting extraction"}
	cpAssistantSchema    = progress.Checkpoint{Name: "schema", Progress: 5, Message: "Feature schema built"}
	cpAssistantFile      = progress.Checkpoint{Name: "file", Progress: 10, Message: "Paper uploaded to provider"}
	cpAssistantRun       = progress.Checkpoint{Name: "run", Progress: 20, Message: "Extraction run started"}
	cpAssistantCompleted = progress.Checkpoint{Name: "completed", Progress: 60, Message: "Extraction run completed"}
	cpAssistantValidated = progress.Checkpoint{Name: "validated", Progress: 65, Message: "Output validated"}
	cpAssistantCleanup   = progress.Checkpoint{Name: "cleanup", Progress: 70, Message: "Provider resources released"}
)

// Assistant runs extraction through a disposable OpenAI assistant with
// file_search over the paper and the schema as a strict function tool.
type Assistant struct {
	api          AssistantAPI
	model        string
	pollInterval time.Duration
	maxPolls     int
	logger       *zap.Logger
}

func (a *Assistant) Name() string { return NameAssistant }

type assistantResources struct {
	fileID      string
	vectorStore string
	assistant   string
	thread      string
}

func (a *Assistant) Extract(ctx context.Context, req Request) (Output, error) {
	req.Emitter.Emit(ctx, cpAssistantStart)
	res := &assistantResources{}
	defer func() {
		a.cleanup(context.WithoutCancel(ctx), res)
		req.Emitter.Emit(ctx, cpAssistantCleanup)
	}()

	if req.Schema == nil {
		return Output{}, apperr.Invalid("schema", "required")
	}
	fn := req.Schema.Function(functionName, functionDescription)
	req.Emitter.Emit(ctx, cpAssistantSchema)

	data, err := os.ReadFile(req.FilePath)
	if err != nil {
		return Output{}, eris.Wrapf(err, "read staged file %s", req.FilePath)
	}
	filename := req.Filename
	if filename == "" {
		filename = filepath.Base(req.FilePath)
	}
	if res.fileID, err = a.api.UploadFile(ctx, filename, data, "assistants"); err != nil {
		return Output{}, eris.Wrap(err, "upload paper")
	}
	if res.vectorStore, err = a.api.CreateVectorStore(ctx, "paper-"+res.fileID, []string{res.fileID}); err != nil {
		return Output{}, eris.Wrap(err, "create vector store")
	}
	polls := 0
	if err := a.waitVectorStore(ctx, res.vectorStore, &polls); err != nil {
		return Output{}, err
	}
	req.Emitter.Emit(ctx, cpAssistantFile)

	if res.assistant, err = a.api.CreateAssistant(ctx, providers.AssistantParams{
		Model:          a.model,
		Name:           "atlas-extractor",
		Instructions:   instructions(req),
		Temperature:    req.Temperature,
		Function:       fn,
		VectorStoreIDs: []string{res.vectorStore},
	}); err != nil {
		return Output{}, eris.Wrap(err, "create assistant")
	}
	if res.thread, err = a.api.CreateThread(ctx, userTurn); err != nil {
		return Output{}, eris.Wrap(err, "create thread")
	}
	run, err := a.api.CreateRun(ctx, res.thread, res.assistant)
	if err != nil {
		return Output{}, eris.Wrap(err, "create run")
	}
	req.Emitter.Emit(ctx, cpAssistantRun)

	run, captured, err := a.poll(ctx, res.thread, run, &polls)
	if err != nil {
		return Output{}, err
	}
	req.Emitter.Emit(ctx, cpAssistantCompleted)

	result, err := a.readResult(ctx, res.thread, captured, req.Schema.RootRequired())
	if err != nil {
		return Output{}, err
	}
	req.Emitter.Emit(ctx, cpAssistantValidated)

	out := Output{Result: result}
	if run.Usage != nil {
		out.PromptTokens = run.Usage.PromptTokens
		out.CompletionTokens = run.Usage.CompletionTokens
	}
	return out, nil
}

func (a *Assistant) waitVectorStore(ctx context.Context, id string, polls *int) error {
	for ; *polls < a.maxPolls; *polls++ {
		status, err := a.api.VectorStoreStatus(ctx, id)
		if err != nil {
			return eris.Wrap(err, "vector store status")
		}
		switch status {
		case "completed":
			return nil
		case "expired", "failed":
			return apperr.Extraction(NameAssistant, "vector store "+status, nil)
		}
		if err := sleepCtx(ctx, a.pollInterval); err != nil {
			return eris.Wrap(err, "wait for vector store")
		}
	}
	return apperr.Extraction(NameAssistant, fmt.Sprintf("poll budget of %d iterations exhausted", a.maxPolls), nil)
}

// poll drives the run to a terminal state. Tool calls are answered with
// their own arguments; the call itself is the extraction.
func (a *Assistant) poll(ctx context.Context, threadID string, run providers.Run, polls *int) (providers.Run, string, error) {
	var captured string
	var err error
	for ; *polls < a.maxPolls; *polls++ {
		switch run.Status {
		case "completed":
			return run, captured, nil
		case "incomplete":
			a.logger.Warn("run ended incomplete", zap.String("run_id", run.ID))
			return run, captured, nil
		case "failed", "expired", "cancelled":
			reason := "run " + run.Status
			if run.LastError != nil {
				reason += ": " + run.LastError.Message
			}
			return run, captured, apperr.Extraction(NameAssistant, reason, nil)
		case "requires_action":
			calls := run.ToolCalls()
			outputs := make([]providers.ToolOutput, 0, len(calls))
			for _, c := range calls {
				if c.Function.Name == functionName {
					captured = c.Function.Arguments
				}
				outputs = append(outputs, providers.ToolOutput{ToolCallID: c.ID, Output: c.Function.Arguments})
			}
			run, err = a.api.SubmitToolOutputs(ctx, threadID, run.ID, outputs)
			if err != nil {
				return run, captured, eris.Wrap(err, "submit tool outputs")
			}
			continue
		}
		if err := sleepCtx(ctx, a.pollInterval); err != nil {
			return run, captured, eris.Wrap(err, "wait for run")
		}
		if run, err = a.api.GetRun(ctx, threadID, run.ID); err != nil {
			return run, captured, eris.Wrap(err, "get run")
		}
	}
	return run, captured, apperr.Extraction(NameAssistant, fmt.Sprintf("poll budget of %d iterations exhausted", a.maxPolls), nil)
}

// readResult prefers the final assistant message and falls back to the
// captured tool-call arguments when the message is not the JSON result.
func (a *Assistant) readResult(ctx context.Context, threadID, captured string, required []string) (json.RawMessage, error) {
	text, err := a.api.LatestMessageText(ctx, threadID)
	if err == nil {
		if result, derr := decodeOutput(NameAssistant, text, required); derr == nil {
			return result, nil
		} else if captured == "" {
			return nil, derr
		}
	} else if captured == "" {
		return nil, apperr.Extraction(NameAssistant, "no output message", err)
	}
	return decodeOutput(NameAssistant, captured, required)
}

func (a *Assistant) cleanup(ctx context.Context, res *assistantResources) {
	logErr := func(what, id string, err error) {
		if err != nil {
			a.logger.Warn("cleanup failed", zap.String("resource", what), zap.String("id", id), zap.Error(err))
		}
	}
	if res.vectorStore != "" {
		files, err := a.api.VectorStoreFiles(ctx, res.vectorStore)
		logErr("vector_store_files", res.vectorStore, err)
		for _, id := range files {
			if id != res.fileID {
				logErr("file", id, a.api.DeleteFile(ctx, id))
			}
		}
		logErr("vector_store", res.vectorStore, a.api.DeleteVectorStore(ctx, res.vectorStore))
	}
	if res.fileID != "" {
		logErr("file", res.fileID, a.api.DeleteFile(ctx, res.fileID))
	}
	if res.thread != "" {
		logErr("thread", res.thread, a.api.DeleteThread(ctx, res.thread))
	}
	if res.assistant != "" {
		logErr("assistant", res.assistant, a.api.DeleteAssistant(ctx, res.assistant))
	}
}
