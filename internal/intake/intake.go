// Package intake turns an uploaded or stored file into a deduplicated Paper
// and a local copy the extraction step can read.
package intake

import (
	"context"
	"errors"
	"os"
	"time"

	"atlas/internal/apperr"
	"atlas/internal/lock"
	"atlas/internal/metrics"
	"atlas/internal/models"
	"atlas/internal/objectstore"
	"atlas/internal/staging"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Papers is the persistence the intake step needs.
type Papers interface {
	GetByHash(ctx context.Context, hash string) (models.Paper, error)
	Get(ctx context.Context, id string) (models.Paper, error)
	Insert(ctx context.Context, p models.Paper) (models.Paper, error)
}

type Service struct {
	papers   Papers
	store    objectstore.Store
	locker   lock.Locker
	lockWait time.Duration
	staging  *staging.Dir
	logger   *zap.Logger
}

func NewService(papers Papers, store objectstore.Store, locker lock.Locker, lockWait time.Duration, dir *staging.Dir, logger *zap.Logger) *Service {
	if locker == nil {
		locker = lock.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{papers: papers, store: store, locker: locker, lockWait: lockWait, staging: dir, logger: logger}
}

// Input names either a freshly staged upload (StagedPath) or an existing
// paper to reprocess (PaperID).
type Input struct {
	TaskID     string
	StagedPath string
	Filename   string
	UploadedBy string
	PaperID    string
}

type Outcome struct {
	Paper      models.Paper
	Created    bool
	LocalPath  string
	Downloaded bool
}

func (s *Service) Intake(ctx context.Context, in Input) (Outcome, error) {
	switch {
	case in.StagedPath != "":
		return s.fromUpload(ctx, in)
	case in.PaperID != "":
		return s.fromStore(ctx, in)
	}
	return Outcome{}, apperr.Invalid("file", "either a staged upload or a paper id is required")
}

func (s *Service) fromUpload(ctx context.Context, in Input) (Outcome, error) {
	hash, err := staging.HashFile(in.StagedPath)
	if err != nil {
		return Outcome{}, err
	}
	log := s.logger.With(zap.String("task_id", in.TaskID), zap.String("content_hash", hash))

	release, err := s.locker.Acquire(ctx, hash, s.lockWait)
	if err != nil {
		if errors.Is(err, apperr.ErrLockTimeout) {
			metrics.Get().LockTimeoutsTotal.Inc()
		}
		log.Warn("dedup lock not acquired, proceeding", zap.Error(err))
	}
	defer release()

	if existing, err := s.papers.GetByHash(ctx, hash); err == nil {
		log.Info("reusing existing paper", zap.String("paper_id", existing.ID))
		metrics.Get().PapersTotal.WithLabelValues("reused").Inc()
		return Outcome{Paper: existing, LocalPath: in.StagedPath}, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return Outcome{}, err
	}

	data, err := os.ReadFile(in.StagedPath)
	if err != nil {
		return Outcome{}, eris.Wrapf(err, "read staged file %s", in.StagedPath)
	}
	key := objectstore.KeyFor(hash, in.Filename)
	if _, err := s.store.Put(ctx, key, data); err != nil {
		log.Warn("upload failed, checking for a racing writer", zap.String("key", key), zap.Error(err))
		if winner, qerr := s.papers.GetByHash(ctx, hash); qerr == nil {
			return s.adopted(winner, in), nil
		}
		return Outcome{}, err
	}

	meta, err := Inspect(data)
	if err != nil {
		log.Warn("pdf metadata unavailable", zap.Error(err))
	}
	paper, err := s.papers.Insert(ctx, models.Paper{
		ContentHash: hash,
		Filename:    in.Filename,
		StorageKey:  key,
		Title:       meta.Title,
		PageCount:   meta.PageCount,
		UploadedBy:  in.UploadedBy,
	})
	if errors.Is(err, apperr.ErrDuplicate) {
		winner, qerr := s.papers.GetByHash(ctx, hash)
		if qerr != nil {
			return Outcome{}, eris.Wrap(qerr, "re-query paper after duplicate insert")
		}
		log.Info("adopting paper created by a concurrent task", zap.String("paper_id", winner.ID))
		return s.adopted(winner, in), nil
	}
	if err != nil {
		return Outcome{}, err
	}
	metrics.Get().PapersTotal.WithLabelValues("created").Inc()
	log.Info("paper created", zap.String("paper_id", paper.ID), zap.String("key", key))
	return Outcome{Paper: paper, Created: true, LocalPath: in.StagedPath}, nil
}

func (s *Service) adopted(p models.Paper, in Input) Outcome {
	metrics.Get().PapersTotal.WithLabelValues("reused").Inc()
	return Outcome{Paper: p, LocalPath: in.StagedPath}
}

// fromStore re-downloads a stored paper into the staging dir.
func (s *Service) fromStore(ctx context.Context, in Input) (Outcome, error) {
	paper, err := s.papers.Get(ctx, in.PaperID)
	if err != nil {
		return Outcome{}, err
	}
	data, err := s.store.Get(ctx, paper.StorageKey)
	if err != nil {
		return Outcome{}, err
	}
	path, err := s.staging.Stage(in.TaskID, paper.Filename, data)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Paper: paper, LocalPath: path, Downloaded: true}, nil
}
