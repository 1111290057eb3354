package storage

import (
	"context"
	"errors"

	"atlas/internal/apperr"
	"atlas/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

type ProjectRepo struct {
	db *DB
}

func NewProjectRepo(db *DB) *ProjectRepo {
	return &ProjectRepo{db: db}
}

func (r *ProjectRepo) Create(ctx context.Context, p models.Project) (models.Project, error) {
	err := r.db.Pool.QueryRow(ctx, `
INSERT INTO projects (slug, title, owner_id, prompt)
VALUES ($1, $2, $3, $4)
RETURNING id::text, created_at, updated_at`,
		p.Slug, p.Title, p.OwnerID, p.Prompt).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Project{}, eris.Wrapf(apperr.ErrDuplicate, "project slug %q", p.Slug)
		}
		return models.Project{}, eris.Wrap(err, "insert project")
	}
	if len(p.FeatureIDs) > 0 {
		if err := r.SetFeatures(ctx, p.ID, p.FeatureIDs); err != nil {
			return models.Project{}, err
		}
	}
	return p, nil
}

func (r *ProjectRepo) Get(ctx context.Context, id string) (models.Project, error) {
	var p models.Project
	err := r.db.Pool.QueryRow(ctx, `
SELECT id::text, slug, title, owner_id, prompt, created_at, updated_at
FROM projects WHERE id=$1`, id).Scan(&p.ID, &p.Slug, &p.Title, &p.OwnerID, &p.Prompt, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Project{}, eris.Wrapf(apperr.ErrNotFound, "project %q", id)
	}
	if err != nil {
		return models.Project{}, eris.Wrap(err, "get project")
	}
	ids, err := r.FeatureIDs(ctx, id)
	if err != nil {
		return models.Project{}, err
	}
	p.FeatureIDs = ids
	return p, nil
}

// FeatureIDs returns the project's selection in the order it was saved.
func (r *ProjectRepo) FeatureIDs(ctx context.Context, projectID string) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `
SELECT feature_id FROM project_features WHERE project_id=$1 ORDER BY position`, projectID)
	if err != nil {
		return nil, eris.Wrap(err, "list project features")
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "scan project feature")
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "iterate project features")
	}
	return out, nil
}

// SetFeatures replaces the selection atomically.
func (r *ProjectRepo) SetFeatures(ctx context.Context, projectID string, featureIDs []string) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "begin set features")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM project_features WHERE project_id=$1`, projectID); err != nil {
		return eris.Wrap(err, "clear project features")
	}
	for i, fid := range featureIDs {
		if _, err := tx.Exec(ctx, `
INSERT INTO project_features (project_id, feature_id, position) VALUES ($1, $2, $3)`, projectID, fid, i); err != nil {
			return eris.Wrapf(err, "select feature %q", fid)
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE projects SET updated_at=NOW() WHERE id=$1`, projectID); err != nil {
		return eris.Wrap(err, "touch project")
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "commit set features")
	}
	return nil
}

func (r *ProjectRepo) SetPrompt(ctx context.Context, projectID, prompt string) error {
	tag, err := r.db.Pool.Exec(ctx, `UPDATE projects SET prompt=$2, updated_at=NOW() WHERE id=$1`, projectID, prompt)
	if err != nil {
		return eris.Wrap(err, "update project prompt")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(apperr.ErrNotFound, "project %q", projectID)
	}
	return nil
}

// Delete is blocked while any result references the project.
func (r *ProjectRepo) Delete(ctx context.Context, projectID string) error {
	var n int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM results WHERE project_id=$1`, projectID).Scan(&n); err != nil {
		return eris.Wrap(err, "count project results")
	}
	if n > 0 {
		return eris.Wrapf(apperr.ErrProjectHasResults, "project %q has %d result(s)", projectID, n)
	}
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM projects WHERE id=$1`, projectID)
	if err != nil {
		return eris.Wrap(err, "delete project")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(apperr.ErrNotFound, "project %q", projectID)
	}
	return nil
}
