// Package registry keeps the catalogue of feature definitions in memory and
// resolves a project's selection into compiler input.
package registry

import (
	"context"
	"sort"
	"sync"

	"atlas/internal/apperr"
	"atlas/internal/models"
	"atlas/internal/schema"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Source loads every persisted feature.
type Source interface {
	ListAll(ctx context.Context) ([]models.Feature, error)
}

// Selection returns a project's chosen feature identifiers in saved order.
type Selection interface {
	FeatureIDs(ctx context.Context, projectID string) ([]string, error)
}

type Registry struct {
	src    Source
	sel    Selection
	logger *zap.Logger

	mu   sync.RWMutex
	defs map[string]Definition
}

func New(src Source, sel Selection, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{src: src, sel: sel, logger: logger, defs: map[string]Definition{}}
}

// Load replaces the snapshot. Rows with an invalid kind are skipped and logged.
func (r *Registry) Load(ctx context.Context) error {
	rows, err := r.src.ListAll(ctx)
	if err != nil {
		return eris.Wrap(err, "registry: load features")
	}
	defs := make(map[string]Definition, len(rows))
	for _, row := range rows {
		d, err := FromModel(row)
		if err != nil {
			r.logger.Warn("registry: skipping feature", zap.String("feature_id", row.ID), zap.Error(err))
			continue
		}
		defs[d.ID] = d
	}
	r.mu.Lock()
	r.defs = defs
	r.mu.Unlock()
	r.logger.Info("registry: loaded", zap.Int("features", len(defs)))
	return nil
}

// Refresh is Load for periodic callers: failures keep the previous snapshot.
func (r *Registry) Refresh(ctx context.Context) {
	if err := r.Load(ctx); err != nil {
		r.logger.Error("registry: refresh failed", zap.Error(err))
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

func (r *Registry) get(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[id]
	return d, ok
}

// Lookup resolves one identifier, reloading the snapshot once on a miss.
func (r *Registry) Lookup(ctx context.Context, id string) (Definition, error) {
	if d, ok := r.get(id); ok {
		return d, nil
	}
	if err := r.Load(ctx); err != nil {
		return Definition{}, err
	}
	if d, ok := r.get(id); ok {
		return d, nil
	}
	return Definition{}, eris.Wrapf(apperr.ErrMissingFeature, "feature %q", id)
}

// LookupContainer returns the registered container fragment for a path prefix.
func (r *Registry) LookupContainer(prefix string) (map[string]any, bool) {
	d, ok := r.get(prefix + ContainerSuffix)
	if !ok || !d.IsContainer() {
		return nil, false
	}
	return d.Fragment(), true
}

// Resolve turns identifiers into compiler input sorted by ascending depth.
// The sort is stable, so features at equal depth keep the caller's order.
func (r *Registry) Resolve(ctx context.Context, ids []string) ([]schema.Feature, error) {
	out := make([]schema.Feature, 0, len(ids))
	for _, id := range ids {
		d, err := r.Lookup(ctx, id)
		if err != nil {
			return nil, err
		}
		if d.IsContainer() {
			continue
		}
		out = append(out, schema.Feature{ID: d.ID, Fragment: d.Fragment()})
	}
	sort.SliceStable(out, func(i, j int) bool { return Depth(out[i].ID) < Depth(out[j].ID) })
	return out, nil
}

// ListSelected resolves a project's selection.
func (r *Registry) ListSelected(ctx context.Context, projectID string) ([]schema.Feature, error) {
	ids, err := r.sel.FeatureIDs(ctx, projectID)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: selection for project %s", projectID)
	}
	return r.Resolve(ctx, ids)
}
