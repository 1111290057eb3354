package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"atlas/internal/models"
	"atlas/internal/registry"
	"atlas/internal/scoring"
	"atlas/internal/tasks"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userHeader = "X-User-ID"

	maxUploadBytes = 64 << 20
	maxScoreBytes  = 16 << 20
)

type Tasks interface {
	Submit(ctx context.Context, in tasks.SubmitInput) (tasks.Submission, error)
	Reprocess(ctx context.Context, in tasks.ReprocessInput) (tasks.Submission, error)
	ReprocessProject(ctx context.Context, in tasks.ReprocessInput) ([]tasks.Submission, error)
	Status(ctx context.Context, taskID string) (tasks.Status, error)
	Versions(ctx context.Context, paperID, projectID string) ([]models.Result, error)
}

type Projects interface {
	Create(ctx context.Context, p models.Project) (models.Project, error)
	Get(ctx context.Context, id string) (models.Project, error)
	SetFeatures(ctx context.Context, projectID string, featureIDs []string) error
	SetPrompt(ctx context.Context, projectID, prompt string) error
	Delete(ctx context.Context, projectID string) error
}

type Features interface {
	ListAll(ctx context.Context) ([]models.Feature, error)
	Upsert(ctx context.Context, f models.Feature) error
	Delete(ctx context.Context, id string) error
}

type Registry interface {
	Lookup(ctx context.Context, id string) (registry.Definition, error)
	Refresh(ctx context.Context)
}

type Scorer interface {
	ScoreProject(ctx context.Context, projectID string, r io.Reader) (scoring.Report, error)
}

type Quality interface {
	ListByProject(ctx context.Context, projectID string) ([]models.FeatureQuality, error)
}

type Deps struct {
	Tasks    Tasks
	Projects Projects
	Features Features
	Registry Registry
	Scorer   Scorer
	Quality  Quality
	Logger   *zap.Logger
}

type Server struct {
	tasks    Tasks
	projects Projects
	features Features
	registry Registry
	scorer   Scorer
	quality  Quality
	logger   *zap.Logger
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		tasks:    d.Tasks,
		projects: d.Projects,
		features: d.Features,
		registry: d.Registry,
		scorer:   d.Scorer,
		quality:  d.Quality,
		logger:   logger,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(withCORS)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/features", func(r chi.Router) {
		r.Get("/", s.handleListFeatures)
		r.Post("/", s.handleCreateFeature)
		r.Delete("/{featureID}", s.handleDeleteFeature)
	})

	r.Route("/projects", func(r chi.Router) {
		r.Post("/", s.handleCreateProject)
		r.Route("/{projectID}", func(r chi.Router) {
			r.Get("/", s.handleGetProject)
			r.Delete("/", s.handleDeleteProject)
			r.Put("/features", s.handleSetFeatures)
			r.Put("/prompt", s.handleSetPrompt)
			r.Post("/papers", s.handleSubmitPaper)
			r.Post("/reprocess", s.handleReprocessProject)
			r.Post("/score", s.handleScoreProject)
			r.Get("/quality", s.handleQuality)
		})
	})

	r.Get("/tasks/{taskID}", s.handleTaskStatus)

	r.Route("/papers/{paperID}", func(r chi.Router) {
		r.Post("/reprocess", s.handleReprocessPaper)
		r.Get("/versions", s.handleVersions)
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// requestLogger logs one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+userHeader)
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userID(r *http.Request) string {
	return r.Header.Get(userHeader)
}
