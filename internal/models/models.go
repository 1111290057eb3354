package models

import (
	"encoding/json"
	"time"
)

// FeatureKind is the closed set of schema kinds a feature can compile to.
type FeatureKind string

const (
	KindString    FeatureKind = "string"
	KindNumber    FeatureKind = "number"
	KindInteger   FeatureKind = "integer"
	KindEnum      FeatureKind = "enum"
	KindContainer FeatureKind = "array"
)

type Feature struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	Parent      string      `json:"parent,omitempty" yaml:"parent,omitempty"`
	Kind        FeatureKind `json:"kind" yaml:"kind"`
	Description string      `json:"description" yaml:"description"`
	Enum        []string    `json:"enum,omitempty" yaml:"enum,omitempty"`
	OwnerID     string      `json:"owner_id,omitempty" yaml:"owner_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at" yaml:"-"`
}

type Project struct {
	ID         string    `json:"id"`
	Slug       string    `json:"slug"`
	Title      string    `json:"title"`
	OwnerID    string    `json:"owner_id"`
	Prompt     string    `json:"prompt,omitempty"`
	FeatureIDs []string  `json:"feature_ids"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Paper struct {
	ID          string    `json:"id"`
	ContentHash string    `json:"content_hash"`
	Filename    string    `json:"filename"`
	StorageKey  string    `json:"storage_key"`
	Title       string    `json:"title,omitempty"`
	PageCount   int       `json:"page_count,omitempty"`
	UploadedBy  string    `json:"uploaded_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Result struct {
	ID               string          `json:"id"`
	TaskID           string          `json:"task_id"`
	PaperID          string          `json:"paper_id"`
	ProjectID        string          `json:"project_id"`
	Version          int             `json:"version"`
	IsLatest         bool            `json:"is_latest"`
	PreviousVersion  *string         `json:"previous_version,omitempty"`
	Strategy         string          `json:"strategy"`
	FeaturesUsed     []string        `json:"features_used"`
	Output           json.RawMessage `json:"output,omitempty"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	Finished         bool            `json:"finished"`
	Error            string          `json:"error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
}

// Failed reports whether a finished result carries an error marker.
func (r Result) Failed() bool { return r.Finished && r.Error != "" }

type FeatureQuality struct {
	FeatureID string    `json:"feature_id"`
	ProjectID string    `json:"project_id"`
	Score     *float64  `json:"score"`
	UpdatedAt time.Time `json:"updated_at"`
}
