package workflows

import (
	"encoding/json"
	"time"
)

// State is the pipeline position of one extraction task.
type State string

const (
	StateCreated    State = "created"
	StateHashing    State = "hashing"
	StateDedup      State = "dedup"
	StateCompiling  State = "compiling"
	StateExtracting State = "extracting"
	StatePersisting State = "persisting"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// Settings carries the tunables the workflow needs. They travel in the
// input so replays see the values the task started with.
type Settings struct {
	Temperature      float64       `json:"temperature"`
	TemperatureNudge float64       `json:"temperature_nudge"`
	RetryBackoff     time.Duration `json:"retry_backoff"`
	ExtractTimeout   time.Duration `json:"extract_timeout"`
}

type PaperExtractInput struct {
	TaskID     string   `json:"task_id"`
	ProjectID  string   `json:"project_id"`
	UserID     string   `json:"user_id,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
	Strategy   string   `json:"strategy"`
	StagedPath string   `json:"staged_path,omitempty"`
	Filename   string   `json:"filename,omitempty"`
	PaperID    string   `json:"paper_id,omitempty"`
	Settings   Settings `json:"settings"`
}

type PaperExtractResult struct {
	TaskID   string          `json:"task_id"`
	State    State           `json:"state"`
	PaperID  string          `json:"paper_id,omitempty"`
	ResultID string          `json:"result_id,omitempty"`
	Version  int             `json:"version,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// TaskState is returned by the GetTaskState query.
type TaskState struct {
	TaskID      string    `json:"task_id"`
	State       State     `json:"state"`
	PaperID     string    `json:"paper_id,omitempty"`
	ResultID    string    `json:"result_id,omitempty"`
	Version     int       `json:"version,omitempty"`
	Attempt     int       `json:"attempt"`
	Error       string    `json:"error,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
	Transitions []string  `json:"transitions"`
	UpdatedAt   time.Time `json:"updated_at"`
}
