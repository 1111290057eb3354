package objectstore

import (
	"context"

	"go.uber.org/zap"
)

// Prune deletes objects under the paper prefix that no paper row references.
// With dryRun set nothing is deleted. It returns the orphaned keys and keeps
// going past individual delete failures.
func Prune(ctx context.Context, store Store, referenced map[string]struct{}, dryRun bool, logger *zap.Logger) ([]string, error) {
	keys, err := store.List(ctx, KeyPrefix)
	if err != nil {
		return nil, err
	}
	orphans := make([]string, 0)
	for _, k := range keys {
		if _, ok := referenced[k]; ok {
			continue
		}
		orphans = append(orphans, k)
		if dryRun {
			logger.Info("objectstore: would delete orphan", zap.String("key", k))
			continue
		}
		if err := store.Delete(ctx, k); err != nil {
			logger.Error("objectstore: delete orphan failed", zap.String("key", k), zap.Error(err))
			continue
		}
		logger.Info("objectstore: deleted orphan", zap.String("key", k))
	}
	return orphans, nil
}
