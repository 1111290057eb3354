package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"atlas/internal/activities"
	"atlas/internal/config"
	"atlas/internal/intake"
	"atlas/internal/lock"
	"atlas/internal/metrics"
	"atlas/internal/objectstore"
	"atlas/internal/progress"
	"atlas/internal/registry"
	"atlas/internal/staging"
	"atlas/internal/storage"
	"atlas/internal/strategy"
	"atlas/internal/workflows"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load(".env")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := config.NewLogger(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handle := storage.NewHandle(cfg.PostgresURL)
	defer handle.Close()
	dbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	db, err := handle.Get(dbCtx)
	cancel()
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	projects := storage.NewProjectRepo(db)
	reg := registry.New(storage.NewFeatureRepo(db), projects, logger)
	if err := reg.Load(ctx); err != nil {
		logger.Fatal("load feature registry", zap.Error(err))
	}

	dir, err := staging.New(cfg.StagingDir)
	if err != nil {
		logger.Fatal("staging dir", zap.Error(err))
	}
	var store objectstore.Store
	if cfg.S3Bucket == "" {
		logger.Warn("ATLAS_S3_BUCKET empty, keeping papers in memory")
		store = objectstore.NewMemory()
	} else {
		s3, err := objectstore.NewS3Store(ctx, cfg)
		if err != nil {
			logger.Fatal("object store", zap.Error(err))
		}
		store = s3
	}

	var sink progress.Sink = progress.Discard{}
	var locker lock.Locker = lock.Noop{}
	nc, err := progress.Connect(cfg.NATSURL, "atlas-worker")
	if err != nil {
		logger.Warn("nats unavailable, progress events and dedup lock disabled", zap.Error(err))
	} else {
		defer func() { _ = nc.Drain() }()
		sink = progress.NewNATSSink(nc, cfg.ProgressSubject)
		kv, err := lock.NewKVLocker(nc, cfg.LockBucket, cfg.LockTTL)
		if err != nil {
			logger.Warn("dedup lock unavailable, relying on unique constraint", zap.Error(err))
		} else {
			locker = kv
		}
	}

	factory := strategy.NewFactory(cfg, logger)
	acts := activities.New(activities.Deps{
		Config:     cfg,
		Intake:     intake.NewService(storage.NewPaperRepo(db), store, locker, cfg.LockWait, dir, logger),
		Projects:   projects,
		Results:    storage.NewResultRepo(db),
		Registry:   reg,
		Strategies: factory,
		Audit:      storage.NewCallAuditRepo(db),
		Sink:       sink,
		Staging:    dir,
		Logger:     logger,
	})

	sched := cron.New()
	if _, err := sched.AddFunc(cfg.RegistryRefreshCron, func() { reg.Refresh(ctx) }); err != nil {
		logger.Fatal("schedule registry refresh", zap.Error(err))
	}
	if _, err := sched.AddFunc(cfg.StagingSweepCron, func() {
		removed, err := dir.Sweep(cfg.StagingMaxAge, time.Now())
		if err != nil {
			logger.Error("staging sweep failed", zap.Error(err))
			return
		}
		metrics.Get().StagedFilesRemoved.Add(float64(len(removed)))
		if len(removed) > 0 {
			logger.Info("staging sweep", zap.Int("removed", len(removed)))
		}
	}); err != nil {
		logger.Fatal("schedule staging sweep", zap.Error(err))
	}
	sched.Start()
	defer sched.Stop()

	c, err := client.Dial(client.Options{HostPort: cfg.TemporalAddress})
	if err != nil {
		logger.Fatal("dial temporal", zap.Error(err))
	}
	defer c.Close()

	w := worker.New(c, cfg.TemporalTaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: cfg.WorkerConcurrency,
	})
	workflows.Register(w)
	activities.Register(w, acts)

	logger.Info("atlas worker listening",
		zap.String("temporal", cfg.TemporalAddress),
		zap.String("queue", cfg.TemporalTaskQueue),
		zap.Strings("strategies", factory.Names()))
	if err := w.Run(worker.InterruptCh()); err != nil {
		logger.Fatal("worker stopped", zap.Error(err))
	}
}
