package activities

import "encoding/json"

type IntakePaperInput struct {
	TaskID     string `json:"task_id"`
	StagedPath string `json:"staged_path,omitempty"`
	Filename   string `json:"filename,omitempty"`
	UploadedBy string `json:"uploaded_by,omitempty"`
	PaperID    string `json:"paper_id,omitempty"`
}

type IntakePaperOutput struct {
	PaperID     string `json:"paper_id"`
	ContentHash string `json:"content_hash"`
	Filename    string `json:"filename"`
	LocalPath   string `json:"local_path"`
	Created     bool   `json:"created"`
	Downloaded  bool   `json:"downloaded"`
}

type CompileSchemaInput struct {
	ProjectID  string   `json:"project_id"`
	FeatureIDs []string `json:"feature_ids"`
}

type CompileSchemaOutput struct {
	Warnings []string `json:"warnings,omitempty"`
}

type BeginResultInput struct {
	TaskID    string `json:"task_id"`
	PaperID   string `json:"paper_id"`
	ProjectID string `json:"project_id"`
	Strategy  string `json:"strategy"`
}

// BeginResultOutput carries the feature set recorded on the result so
// compilation and extraction use exactly what the version claims.
type BeginResultOutput struct {
	ResultID        string   `json:"result_id"`
	Version         int      `json:"version"`
	PreviousVersion string   `json:"previous_version,omitempty"`
	FeatureIDs      []string `json:"feature_ids"`
	Prompt          string   `json:"prompt,omitempty"`
}

type ExtractInput struct {
	TaskID      string   `json:"task_id"`
	SessionID   string   `json:"session_id,omitempty"`
	Strategy    string   `json:"strategy"`
	LocalPath   string   `json:"local_path"`
	Filename    string   `json:"filename"`
	FeatureIDs  []string `json:"feature_ids"`
	Prompt      string   `json:"prompt,omitempty"`
	Temperature float64  `json:"temperature"`
	Attempt     int      `json:"attempt"`
}

type ExtractOutput struct {
	Result           json.RawMessage `json:"result"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
}

type FinalizeResultInput struct {
	TaskID           string          `json:"task_id"`
	Output           json.RawMessage `json:"output,omitempty"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	Error            string          `json:"error,omitempty"`
}

type PublishProgressInput struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Progress  int    `json:"progress"`
	Done      bool   `json:"done"`
	Success   bool   `json:"success"`
}

type CleanupStagedFilesInput struct {
	Paths []string `json:"paths"`
}

type CleanupStagedFilesOutput struct {
	Removed []string `json:"removed"`
}
