package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"atlas/internal/api"
	"atlas/internal/config"
	"atlas/internal/providers"
	"atlas/internal/registry"
	"atlas/internal/scoring"
	"atlas/internal/staging"
	"atlas/internal/storage"
	"atlas/internal/tasks"

	"github.com/joho/godotenv"
	"go.temporal.io/sdk/client"
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

	dbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	db, err := storage.NewDB(dbCtx, cfg.PostgresURL)
	cancel()
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()

	projects := storage.NewProjectRepo(db)
	features := storage.NewFeatureRepo(db)
	results := storage.NewResultRepo(db)
	quality := storage.NewQualityRepo(db)
	reg := registry.New(features, projects, logger)
	if err := reg.Load(ctx); err != nil {
		logger.Fatal("load feature registry", zap.Error(err))
	}

	dir, err := staging.New(cfg.StagingDir)
	if err != nil {
		logger.Fatal("staging dir", zap.Error(err))
	}

	tc, err := client.Dial(client.Options{HostPort: cfg.TemporalAddress})
	if err != nil {
		logger.Fatal("dial temporal", zap.Error(err))
	}
	defer tc.Close()

	var judge scoring.Judge = scoring.ExactJudge{}
	if cfg.AnthropicAPIKey != "" {
		judge = scoring.NewAnthropicJudge(providers.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL), cfg.JudgeModel)
	} else {
		logger.Warn("no anthropic key, string scoring falls back to exact match")
	}
	engine := scoring.NewEngine(judge, scoring.EngineOptions{
		Concurrency: cfg.JudgeConcurrency,
		RPS:         cfg.JudgeRPS,
		Logger:      logger,
	})

	srv := api.NewServer(api.Deps{
		Tasks: tasks.New(tasks.Deps{
			Config:    cfg,
			Workflows: tc,
			Projects:  projects,
			Papers:    storage.NewPaperRepo(db),
			Results:   results,
			Staging:   dir,
			Logger:    logger,
		}),
		Projects: projects,
		Features: features,
		Registry: reg,
		Scorer:   scoring.NewService(engine, reg, quality, logger),
		Quality:  quality,
		Logger:   logger,
	})

	httpSrv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
	go func() {
		<-ctx.Done()
		logger.Info("shutting down api")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("atlas api listening", zap.String("addr", cfg.APIAddr), zap.String("queue", cfg.TemporalTaskQueue))
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("api server", zap.Error(err))
	}
}
