package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"atlas/internal/apperr"

	"go.uber.org/zap"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	apiErr := toAPIError(status, err)
	if status >= 500 {
		zap.L().Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		},
	})
}

func statusFor(err error) int {
	switch {
	case apperr.IsValidation(err), errors.Is(err, apperr.ErrMissingFeature):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrDuplicate), errors.Is(err, apperr.ErrFeatureInUse), errors.Is(err, apperr.ErrProjectHasResults):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type apiError struct {
	Code    string
	Message string
}

// toAPIError keeps 5xx messages generic and passes user-safe detail for 4xx.
func toAPIError(status int, err error) apiError {
	raw := ""
	if err != nil {
		raw = strings.ToLower(err.Error())
	}

	switch {
	case status >= 500:
		switch {
		case strings.Contains(raw, "relation") && strings.Contains(raw, "does not exist"):
			return apiError{
				Code:    "AT-DB-5001",
				Message: "Database schema is not initialized. Run migrations and retry.",
			}
		case strings.Contains(raw, "dial tcp"), strings.Contains(raw, "connection refused"):
			return apiError{
				Code:    "AT-DB-5002",
				Message: "A backing service is unavailable. Check local services and retry.",
			}
		default:
			return apiError{
				Code:    "AT-API-5000",
				Message: "Internal server error. Please retry or check service logs.",
			}
		}
	case status == http.StatusBadRequest:
		msg := "Invalid request. Check inputs and retry."
		var v *apperr.ValidationError
		switch {
		case errors.As(err, &v):
			msg = strings.TrimPrefix(v.Error(), "validation: ")
		case errors.Is(err, apperr.ErrMissingFeature):
			msg = "Unknown feature: " + err.Error()
		}
		return apiError{Code: "AT-API-4001", Message: msg}
	case status == http.StatusNotFound:
		return apiError{Code: "AT-API-4004", Message: "Requested resource was not found."}
	case status == http.StatusConflict:
		msg := "Operation conflicts with current state."
		switch {
		case errors.Is(err, apperr.ErrFeatureInUse):
			msg = "Feature is still selected by a project."
		case errors.Is(err, apperr.ErrProjectHasResults):
			msg = "Project has stored results and cannot be deleted."
		case errors.Is(err, apperr.ErrDuplicate):
			msg = "A record with the same key already exists."
		}
		return apiError{Code: "AT-API-4009", Message: msg}
	}
	return apiError{Code: "AT-API-4000", Message: "Request failed."}
}
