package storage

import (
	"context"

	"atlas/internal/models"

	"github.com/rotisserie/eris"
)

type QualityRepo struct {
	db *DB
}

func NewQualityRepo(db *DB) *QualityRepo {
	return &QualityRepo{db: db}
}

// Upsert stores one aggregate score per (feature, project). A nil score is
// persisted as NULL so a feature with no comparable rows stays visible.
func (r *QualityRepo) Upsert(ctx context.Context, q models.FeatureQuality) error {
	_, err := r.db.Pool.Exec(ctx, `
INSERT INTO feature_quality (feature_id, project_id, score)
VALUES ($1, $2, $3)
ON CONFLICT (feature_id, project_id)
DO UPDATE SET score = EXCLUDED.score, updated_at = NOW()`, q.FeatureID, q.ProjectID, q.Score)
	if err != nil {
		return eris.Wrapf(err, "upsert quality for %q", q.FeatureID)
	}
	return nil
}

func (r *QualityRepo) ListByProject(ctx context.Context, projectID string) ([]models.FeatureQuality, error) {
	rows, err := r.db.Pool.Query(ctx, `
SELECT feature_id, project_id::text, score, updated_at FROM feature_quality
WHERE project_id=$1 ORDER BY feature_id`, projectID)
	if err != nil {
		return nil, eris.Wrap(err, "list feature quality")
	}
	defer rows.Close()

	out := make([]models.FeatureQuality, 0)
	for rows.Next() {
		var q models.FeatureQuality
		if err := rows.Scan(&q.FeatureID, &q.ProjectID, &q.Score, &q.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "scan feature quality")
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "iterate feature quality")
	}
	return out, nil
}
