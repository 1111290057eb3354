package storage

import (
	"context"

	"github.com/rotisserie/eris"
)

// ExtractionCall records one provider attempt for a task.
type ExtractionCall struct {
	TaskID           string
	Attempt          int
	Strategy         string
	Model            string
	Status           string
	ErrorType        string
	PromptTokens     int64
	CompletionTokens int64
	DurationMS       int64
}

type CallAuditRepo struct {
	db *DB
}

func NewCallAuditRepo(db *DB) *CallAuditRepo {
	return &CallAuditRepo{db: db}
}

func (r *CallAuditRepo) Insert(ctx context.Context, rec ExtractionCall) error {
	_, err := r.db.Pool.Exec(ctx, `
INSERT INTO extraction_calls(task_id, attempt, strategy, model, status, error_type, prompt_tokens, completion_tokens, duration_ms)
VALUES ($1, $2, $3, $4, $5, NULLIF($6,''), $7, $8, $9)`,
		rec.TaskID, rec.Attempt, rec.Strategy, rec.Model, rec.Status, rec.ErrorType, rec.PromptTokens, rec.CompletionTokens, rec.DurationMS)
	if err != nil {
		return eris.Wrap(err, "insert extraction call")
	}
	return nil
}
