package scoring

import (
	"context"
	"errors"
	"io"

	"atlas/internal/apperr"
	"atlas/internal/models"
	"atlas/internal/registry"

	"go.uber.org/zap"
)

type Definitions interface {
	Lookup(ctx context.Context, id string) (registry.Definition, error)
}

type QualityStore interface {
	Upsert(ctx context.Context, q models.FeatureQuality) error
}

type Service struct {
	engine  *Engine
	defs    Definitions
	quality QualityStore
	logger  *zap.Logger
}

func NewService(engine *Engine, defs Definitions, quality QualityStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{engine: engine, defs: defs, quality: quality, logger: logger}
}

// ScoreProject scores a ground-truth sheet and stores one aggregate per
// feature for the project. Columns for unregistered features are skipped.
func (s *Service) ScoreProject(ctx context.Context, projectID string, r io.Reader) (Report, error) {
	if projectID == "" {
		return Report{}, apperr.Invalid("project_id", "is required")
	}
	t, err := ReadTable(r)
	if err != nil {
		return Report{}, apperr.Invalid("file", err.Error())
	}
	ids := t.Identifiers()
	if len(ids) == 0 {
		return Report{}, apperr.Invalid("file", "no <feature>_truth columns found")
	}

	kinds := make(map[string]models.FeatureKind, len(ids))
	for _, id := range ids {
		d, err := s.defs.Lookup(ctx, id)
		if errors.Is(err, apperr.ErrMissingFeature) {
			s.logger.Warn("score column for unknown feature", zap.String("feature_id", id))
			continue
		}
		if err != nil {
			return Report{}, err
		}
		kinds[id] = d.Kind
	}

	rep, err := s.engine.Score(ctx, t, kinds)
	if err != nil {
		return Report{}, err
	}
	for id, score := range rep.Aggregate {
		if s.quality == nil {
			break
		}
		if err := s.quality.Upsert(ctx, models.FeatureQuality{FeatureID: id, ProjectID: projectID, Score: score}); err != nil {
			return Report{}, err
		}
	}
	s.logger.Info("project scored",
		zap.String("project_id", projectID),
		zap.Int("rows", len(t.Rows)),
		zap.Int("features", len(rep.Aggregate)))
	return rep, nil
}
