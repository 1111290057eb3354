// Package apperr holds the error taxonomy shared by the pipeline, the HTTP layer and the CLI.
package apperr

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

var (
	ErrNotFound          = eris.New("not found")
	ErrDuplicate         = eris.New("duplicate record")
	ErrMissingFeature    = eris.New("missing feature")
	ErrFeatureInUse      = eris.New("feature is referenced by a project")
	ErrProjectHasResults = eris.New("project has stored results")
	ErrLockTimeout       = eris.New("lock acquisition timed out")
)

// ValidationError reports a malformed request. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ExtractionError is raised when a provider run ends without usable output.
type ExtractionError struct {
	Strategy string
	Reason   string
	Err      error
}

func (e *ExtractionError) Error() string {
	msg := fmt.Sprintf("extraction (%s): %s", e.Strategy, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExtractionError) Unwrap() error { return e.Err }

func Extraction(strategy, reason string, err error) error {
	return &ExtractionError{Strategy: strategy, Reason: reason, Err: err}
}

// StorageError wraps object storage failures.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsExtraction(err error) bool {
	var x *ExtractionError
	return errors.As(err, &x)
}

// Permanent reports errors that no retry can fix.
func Permanent(err error) bool {
	return IsValidation(err) || errors.Is(err, ErrMissingFeature) || errors.Is(err, ErrNotFound)
}
