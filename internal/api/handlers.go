package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"atlas/internal/apperr"
	"atlas/internal/models"
	"atlas/internal/registry"
	"atlas/internal/tasks"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
)

func (s *Server) handleListFeatures(w http.ResponseWriter, r *http.Request) {
	features, err := s.features.ListAll(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"features": features})
}

func (s *Server) handleCreateFeature(w http.ResponseWriter, r *http.Request) {
	var in registry.CreateInput
	if !decodeJSON(w, r, &in) {
		return
	}
	in.OwnerID = userID(r)
	def, err := registry.NewDefinition(in)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.features.Upsert(r.Context(), def.Model()); err != nil {
		writeErr(w, err)
		return
	}
	s.registry.Refresh(r.Context())
	writeJSON(w, http.StatusCreated, def.Model())
}

func (s *Server) handleDeleteFeature(w http.ResponseWriter, r *http.Request) {
	if err := s.features.Delete(r.Context(), chi.URLParam(r, "featureID")); err != nil {
		writeErr(w, err)
		return
	}
	s.registry.Refresh(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Slug       string   `json:"slug"`
		Title      string   `json:"title"`
		Prompt     string   `json:"prompt"`
		FeatureIDs []string `json:"feature_ids"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		writeErr(w, apperr.Invalid("title", "is required"))
		return
	}
	if req.Slug == "" {
		req.Slug = slugify(req.Title)
	}
	if !s.checkFeatures(w, r, req.FeatureIDs) {
		return
	}
	p, err := s.projects.Create(r.Context(), models.Project{
		Slug:       req.Slug,
		Title:      req.Title,
		OwnerID:    userID(r),
		Prompt:     req.Prompt,
		FeatureIDs: req.FeatureIDs,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.projects.Get(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.projects.Delete(r.Context(), chi.URLParam(r, "projectID")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetFeatures(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FeatureIDs []string `json:"feature_ids"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	projectID := chi.URLParam(r, "projectID")
	if _, err := s.projects.Get(r.Context(), projectID); err != nil {
		writeErr(w, err)
		return
	}
	if !s.checkFeatures(w, r, req.FeatureIDs) {
		return
	}
	if err := s.projects.SetFeatures(r.Context(), projectID, req.FeatureIDs); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project_id": projectID, "feature_ids": req.FeatureIDs})
}

func (s *Server) handleSetPrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	projectID := chi.URLParam(r, "projectID")
	if err := s.projects.SetPrompt(r.Context(), projectID, req.Prompt); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project_id": projectID})
}

func (s *Server) handleSubmitPaper(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeErr(w, apperr.Invalid("file", "parse multipart: "+err.Error()))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, apperr.Invalid("file", "no file provided"))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeErr(w, eris.Wrap(err, "read upload"))
		return
	}

	sub, err := s.tasks.Submit(r.Context(), tasks.SubmitInput{
		ProjectID: chi.URLParam(r, "projectID"),
		UserID:    userID(r),
		SessionID: r.FormValue("session_id"),
		Strategy:  r.FormValue("strategy"),
		Filename:  header.Filename,
		Data:      data,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

type reprocessRequest struct {
	ProjectID string `json:"project_id"`
	SessionID string `json:"session_id"`
	Strategy  string `json:"strategy"`
}

func (s *Server) handleReprocessPaper(w http.ResponseWriter, r *http.Request) {
	var req reprocessRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sub, err := s.tasks.Reprocess(r.Context(), tasks.ReprocessInput{
		PaperID:   chi.URLParam(r, "paperID"),
		ProjectID: req.ProjectID,
		UserID:    userID(r),
		SessionID: req.SessionID,
		Strategy:  req.Strategy,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	status := http.StatusAccepted
	if sub.Skipped {
		status = http.StatusOK
	}
	writeJSON(w, status, sub)
}

func (s *Server) handleReprocessProject(w http.ResponseWriter, r *http.Request) {
	var req reprocessRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	subs, err := s.tasks.ReprocessProject(r.Context(), tasks.ReprocessInput{
		ProjectID: chi.URLParam(r, "projectID"),
		UserID:    userID(r),
		SessionID: req.SessionID,
		Strategy:  req.Strategy,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"submissions": subs})
}

func (s *Server) handleScoreProject(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxScoreBytes)
	if err := r.ParseMultipartForm(maxScoreBytes); err != nil {
		writeErr(w, apperr.Invalid("file", "parse multipart: "+err.Error()))
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeErr(w, apperr.Invalid("file", "no file provided"))
		return
	}
	defer file.Close()

	rep, err := s.scorer.ScoreProject(r.Context(), chi.URLParam(r, "projectID"), file)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleQuality(w http.ResponseWriter, r *http.Request) {
	rows, err := s.quality.ListByProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"quality": rows})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.tasks.Status(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.tasks.Versions(r.Context(), chi.URLParam(r, "paperID"), r.URL.Query().Get("project_id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

// checkFeatures rejects selections naming unregistered features.
func (s *Server) checkFeatures(w http.ResponseWriter, r *http.Request, ids []string) bool {
	for _, id := range ids {
		if _, err := s.registry.Lookup(r.Context(), id); err != nil {
			writeErr(w, err)
			return false
		}
	}
	return true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErr(w, apperr.Invalid("body", "invalid json: "+err.Error()))
		return false
	}
	return true
}

func slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
