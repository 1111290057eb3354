package providers

import (
	"errors"
	"strings"

	"atlas/internal/apperr"
)

type ErrorType string

const (
	ErrorQuota     ErrorType = "quota"
	ErrorRate      ErrorType = "rate"
	ErrorTransient ErrorType = "transient"
	ErrorPermanent ErrorType = "permanent"
	ErrorContext   ErrorType = "context"
	ErrorOutput    ErrorType = "output"
	ErrorDeadline  ErrorType = "deadline"
)

// ClassifyError buckets a provider failure for audit rows and metrics labels.
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ""
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == 429 && strings.Contains(httpErr.Body, "insufficient_quota"):
			return ErrorQuota
		case httpErr.Status == 429:
			return ErrorRate
		case httpErr.Status >= 500:
			return ErrorTransient
		}
	}
	e := strings.ToLower(err.Error())
	switch {
	case strings.Contains(e, "quota"), strings.Contains(e, "credit"), strings.Contains(e, "insufficient_quota"):
		return ErrorQuota
	case strings.Contains(e, "rate limit"), strings.Contains(e, "429"):
		return ErrorRate
	case strings.Contains(e, "context length"), strings.Contains(e, "too long"):
		return ErrorContext
	case strings.Contains(e, "poll budget"), strings.Contains(e, "deadline exceeded"):
		return ErrorDeadline
	case strings.Contains(e, "timeout"), strings.Contains(e, "temporarily"), strings.Contains(e, "unavailable"):
		return ErrorTransient
	case apperr.IsExtraction(err):
		return ErrorOutput
	default:
		return ErrorPermanent
	}
}
