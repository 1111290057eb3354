package storage

import (
	"context"
	"encoding/json"
	"errors"

	"atlas/internal/apperr"
	"atlas/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

type ResultRepo struct {
	db *DB
}

func NewResultRepo(db *DB) *ResultRepo {
	return &ResultRepo{db: db}
}

const resultColumns = `id::text, task_id, paper_id::text, project_id::text, version, is_latest,
previous_version::text, strategy, features_used, output, prompt_tokens, completion_tokens,
finished, error, created_at, finished_at`

func scanResult(row pgx.Row) (models.Result, error) {
	var res models.Result
	var output []byte
	err := row.Scan(&res.ID, &res.TaskID, &res.PaperID, &res.ProjectID, &res.Version, &res.IsLatest,
		&res.PreviousVersion, &res.Strategy, &res.FeaturesUsed, &output, &res.PromptTokens, &res.CompletionTokens,
		&res.Finished, &res.Error, &res.CreatedAt, &res.FinishedAt)
	if len(output) > 0 {
		res.Output = json.RawMessage(output)
	}
	return res, err
}

type BeginInput struct {
	TaskID       string
	PaperID      string
	ProjectID    string
	Strategy     string
	FeaturesUsed []string
}

// Begin creates the placeholder result for a task. A second call with the
// same task id returns the existing row instead of opening another version.
// The prior latest row is demoted in the same transaction that inserts the
// new one.
func (r *ResultRepo) Begin(ctx context.Context, in BeginInput) (models.Result, error) {
	if existing, err := r.GetByTask(ctx, in.TaskID); err == nil {
		return existing, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return models.Result{}, err
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return models.Result{}, eris.Wrap(err, "begin result tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var prevID *string
	prevVersion := 0
	var id string
	var version int
	err = tx.QueryRow(ctx, `
SELECT id::text, version FROM results
WHERE paper_id=$1 AND project_id=$2 AND is_latest
FOR UPDATE`, in.PaperID, in.ProjectID).Scan(&id, &version)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return models.Result{}, eris.Wrap(err, "find latest result")
	default:
		prevID = &id
		prevVersion = version
		if _, err := tx.Exec(ctx, `UPDATE results SET is_latest=FALSE WHERE id=$1`, id); err != nil {
			return models.Result{}, eris.Wrap(err, "demote latest result")
		}
	}

	features := in.FeaturesUsed
	if features == nil {
		features = []string{}
	}
	res, err := scanResult(tx.QueryRow(ctx, `
INSERT INTO results (task_id, paper_id, project_id, version, is_latest, previous_version, strategy, features_used)
VALUES ($1, $2, $3, $4, TRUE, $5, $6, $7)
RETURNING `+resultColumns,
		in.TaskID, in.PaperID, in.ProjectID, prevVersion+1, prevID, in.Strategy, features))
	if err != nil {
		if isUniqueViolation(err) {
			return models.Result{}, eris.Wrapf(apperr.ErrDuplicate,
				"result version %d for paper %s in project %s (task %s)", prevVersion+1, in.PaperID, in.ProjectID, in.TaskID)
		}
		return models.Result{}, eris.Wrap(err, "insert result")
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Result{}, eris.Wrap(err, "commit result tx")
	}
	return res, nil
}

type FinalizeInput struct {
	TaskID           string
	Output           json.RawMessage
	PromptTokens     int64
	CompletionTokens int64
	Error            string
}

// Finalize marks the task's result finished, with output on success or an
// error marker on failure.
func (r *ResultRepo) Finalize(ctx context.Context, in FinalizeInput) error {
	var output any
	if len(in.Output) > 0 {
		output = []byte(in.Output)
	}
	tag, err := r.db.Pool.Exec(ctx, `
UPDATE results
SET output=$2, prompt_tokens=$3, completion_tokens=$4, error=$5, finished=TRUE, finished_at=NOW()
WHERE task_id=$1`, in.TaskID, output, in.PromptTokens, in.CompletionTokens, in.Error)
	if err != nil {
		return eris.Wrap(err, "finalize result")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(apperr.ErrNotFound, "result for task %s", in.TaskID)
	}
	return nil
}

func (r *ResultRepo) GetByTask(ctx context.Context, taskID string) (models.Result, error) {
	res, err := scanResult(r.db.Pool.QueryRow(ctx, `SELECT `+resultColumns+` FROM results WHERE task_id=$1`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Result{}, eris.Wrapf(apperr.ErrNotFound, "result for task %s", taskID)
	}
	if err != nil {
		return models.Result{}, eris.Wrap(err, "get result by task")
	}
	return res, nil
}

func (r *ResultRepo) Latest(ctx context.Context, paperID, projectID string) (models.Result, error) {
	res, err := scanResult(r.db.Pool.QueryRow(ctx, `
SELECT `+resultColumns+` FROM results WHERE paper_id=$1 AND project_id=$2 AND is_latest`, paperID, projectID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Result{}, eris.Wrapf(apperr.ErrNotFound, "latest result for paper %s", paperID)
	}
	if err != nil {
		return models.Result{}, eris.Wrap(err, "get latest result")
	}
	return res, nil
}

// Versions lists the version chain of a (paper, project) pair, newest first.
func (r *ResultRepo) Versions(ctx context.Context, paperID, projectID string) ([]models.Result, error) {
	rows, err := r.db.Pool.Query(ctx, `
SELECT `+resultColumns+` FROM results
WHERE paper_id=$1 AND project_id=$2
ORDER BY version DESC`, paperID, projectID)
	if err != nil {
		return nil, eris.Wrap(err, "list result versions")
	}
	defer rows.Close()

	out := make([]models.Result, 0)
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, eris.Wrap(err, "scan result")
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "iterate results")
	}
	return out, nil
}

// LatestOutputs returns the latest finished, successful output per paper in a project.
func (r *ResultRepo) LatestOutputs(ctx context.Context, projectID string) (map[string]json.RawMessage, error) {
	rows, err := r.db.Pool.Query(ctx, `
SELECT paper_id::text, output FROM results
WHERE project_id=$1 AND is_latest AND finished AND error='' AND output IS NOT NULL`, projectID)
	if err != nil {
		return nil, eris.Wrap(err, "list latest outputs")
	}
	defer rows.Close()

	out := map[string]json.RawMessage{}
	for rows.Next() {
		var paperID string
		var raw []byte
		if err := rows.Scan(&paperID, &raw); err != nil {
			return nil, eris.Wrap(err, "scan latest output")
		}
		out[paperID] = json.RawMessage(raw)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "iterate latest outputs")
	}
	return out, nil
}
