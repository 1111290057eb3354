package storage

import (
	"context"
	"errors"

	"atlas/internal/apperr"
	"atlas/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

type FeatureRepo struct {
	db *DB
}

func NewFeatureRepo(db *DB) *FeatureRepo {
	return &FeatureRepo{db: db}
}

const featureColumns = `id, name, parent, kind, description, enum_values, COALESCE(owner_id,''), created_at`

func (r *FeatureRepo) ListAll(ctx context.Context) ([]models.Feature, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+featureColumns+` FROM features ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "list features")
	}
	defer rows.Close()

	out := make([]models.Feature, 0)
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "iterate features")
	}
	return out, nil
}

func (r *FeatureRepo) Get(ctx context.Context, id string) (models.Feature, error) {
	f, err := scanFeature(r.db.Pool.QueryRow(ctx, `SELECT `+featureColumns+` FROM features WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Feature{}, eris.Wrapf(apperr.ErrNotFound, "feature %q", id)
	}
	return f, err
}

// Upsert creates a feature or replaces its definition. Results already stored
// keep the output they were produced with.
func (r *FeatureRepo) Upsert(ctx context.Context, f models.Feature) error {
	enum := f.Enum
	if enum == nil {
		enum = []string{}
	}
	_, err := r.db.Pool.Exec(ctx, `
INSERT INTO features (id, name, parent, kind, description, enum_values, owner_id)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7,''))
ON CONFLICT (id)
DO UPDATE SET
  name = EXCLUDED.name,
  parent = EXCLUDED.parent,
  kind = EXCLUDED.kind,
  description = EXCLUDED.description,
  enum_values = EXCLUDED.enum_values,
  owner_id = EXCLUDED.owner_id`,
		f.ID, f.Name, f.Parent, string(f.Kind), f.Description, enum, f.OwnerID)
	if err != nil {
		return eris.Wrapf(err, "upsert feature %q", f.ID)
	}
	return nil
}

// Delete refuses to remove a feature any project still selects.
func (r *FeatureRepo) Delete(ctx context.Context, id string) error {
	var refs int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM project_features WHERE feature_id=$1`, id).Scan(&refs); err != nil {
		return eris.Wrapf(err, "count references to %q", id)
	}
	if refs > 0 {
		return eris.Wrapf(apperr.ErrFeatureInUse, "feature %q used by %d project(s)", id, refs)
	}
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM features WHERE id=$1`, id)
	if err != nil {
		return eris.Wrapf(err, "delete feature %q", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(apperr.ErrNotFound, "feature %q", id)
	}
	return nil
}

func scanFeature(row pgx.Row) (models.Feature, error) {
	var f models.Feature
	var kind string
	if err := row.Scan(&f.ID, &f.Name, &f.Parent, &kind, &f.Description, &f.Enum, &f.OwnerID, &f.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Feature{}, err
		}
		return models.Feature{}, eris.Wrap(err, "scan feature")
	}
	f.Kind = models.FeatureKind(kind)
	if len(f.Enum) == 0 {
		f.Enum = nil
	}
	return f, nil
}
