package storage

import (
	"context"
	"errors"

	"atlas/internal/apperr"
	"atlas/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

type PaperRepo struct {
	db *DB
}

func NewPaperRepo(db *DB) *PaperRepo {
	return &PaperRepo{db: db}
}

const paperColumns = `id::text, content_hash, filename, storage_key, title, page_count, uploaded_by, created_at`

func scanPaper(row pgx.Row) (models.Paper, error) {
	var p models.Paper
	err := row.Scan(&p.ID, &p.ContentHash, &p.Filename, &p.StorageKey, &p.Title, &p.PageCount, &p.UploadedBy, &p.CreatedAt)
	return p, err
}

func (r *PaperRepo) GetByHash(ctx context.Context, hash string) (models.Paper, error) {
	p, err := scanPaper(r.db.Pool.QueryRow(ctx, `SELECT `+paperColumns+` FROM papers WHERE content_hash=$1`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Paper{}, eris.Wrapf(apperr.ErrNotFound, "paper with hash %s", hash)
	}
	if err != nil {
		return models.Paper{}, eris.Wrap(err, "get paper by hash")
	}
	return p, nil
}

func (r *PaperRepo) Get(ctx context.Context, id string) (models.Paper, error) {
	p, err := scanPaper(r.db.Pool.QueryRow(ctx, `SELECT `+paperColumns+` FROM papers WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Paper{}, eris.Wrapf(apperr.ErrNotFound, "paper %q", id)
	}
	if err != nil {
		return models.Paper{}, eris.Wrap(err, "get paper")
	}
	return p, nil
}

// Insert creates the paper row. A concurrent writer holding the same hash
// surfaces as ErrDuplicate so the caller can adopt the winner's row.
func (r *PaperRepo) Insert(ctx context.Context, p models.Paper) (models.Paper, error) {
	err := r.db.Pool.QueryRow(ctx, `
INSERT INTO papers (content_hash, filename, storage_key, title, page_count, uploaded_by)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id::text, created_at`,
		p.ContentHash, p.Filename, p.StorageKey, p.Title, p.PageCount, p.UploadedBy).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Paper{}, eris.Wrapf(apperr.ErrDuplicate, "paper with hash %s", p.ContentHash)
		}
		return models.Paper{}, eris.Wrap(err, "insert paper")
	}
	return p, nil
}

// UpdateMetadata touches administrative fields only.
func (r *PaperRepo) UpdateMetadata(ctx context.Context, id, title string, pageCount int) error {
	_, err := r.db.Pool.Exec(ctx, `
UPDATE papers SET title=COALESCE(NULLIF($2,''), title), page_count=GREATEST($3, page_count) WHERE id=$1`, id, title, pageCount)
	if err != nil {
		return eris.Wrap(err, "update paper metadata")
	}
	return nil
}

// StorageKeys returns every storage key referenced by a paper row.
func (r *PaperRepo) StorageKeys(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT storage_key FROM papers`)
	if err != nil {
		return nil, eris.Wrap(err, "list storage keys")
	}
	defer rows.Close()

	out := map[string]struct{}{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "scan storage key")
		}
		out[k] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "iterate storage keys")
	}
	return out, nil
}

// ListByProject returns papers with at least one result in the project.
func (r *PaperRepo) ListByProject(ctx context.Context, projectID string) ([]models.Paper, error) {
	rows, err := r.db.Pool.Query(ctx, `
SELECT `+paperColumns+` FROM papers
WHERE id IN (SELECT paper_id FROM results WHERE project_id=$1)
ORDER BY created_at`, projectID)
	if err != nil {
		return nil, eris.Wrap(err, "list project papers")
	}
	defer rows.Close()

	out := make([]models.Paper, 0)
	for rows.Next() {
		p, err := scanPaper(rows)
		if err != nil {
			return nil, eris.Wrap(err, "scan paper")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "iterate papers")
	}
	return out, nil
}
