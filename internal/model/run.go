package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
)

// Outcome is the terminal status of a run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// RunStatus marks whether a run is visible to retrieval and admission scans.
type RunStatus string

const (
	RunStatusActive     RunStatus = "active"
	RunStatusSuperseded RunStatus = "superseded"
)

// Reference type vocabulary. Anything else maps to "unknown".
const (
	RefTypeSchema      = "schema"
	RefTypeDocument    = "document"
	RefTypeAPIResponse = "api_response"
	RefTypePriorRun    = "prior_run"
	RefTypeUnknown     = "unknown"
)

// Artifact type vocabulary. Anything else maps to "unknown".
const (
	ArtifactTypeSchema  = "schema"
	ArtifactTypePlan    = "plan"
	ArtifactTypeReport  = "report"
	ArtifactTypeCode    = "code"
	ArtifactTypeUnknown = "unknown"
)

// IsReferenceType reports whether s belongs to the reference vocabulary
// (excluding "unknown" — the fallback extractor only promotes known types).
func IsReferenceType(s string) bool {
	switch s {
	case RefTypeSchema, RefTypeDocument, RefTypeAPIResponse, RefTypePriorRun:
		return true
	}
	return false
}

// IsArtifactType reports whether s belongs to the artifact vocabulary
// (excluding "unknown").
func IsArtifactType(s string) bool {
	switch s {
	case ArtifactTypeSchema, ArtifactTypePlan, ArtifactTypeReport, ArtifactTypeCode:
		return true
	}
	return false
}

// RunPayload is the input for POST /runs. It accepts both the structured
// run-log shape (user_task, steps, status, timestamps) and the legacy shape
// (task_text, run_tree, outcome, created_at). Accessors below resolve the
// two shapes into one view.
type RunPayload struct {
	// Structured run-log fields.
	ID             string           `json:"id,omitempty"`
	RunID          string           `json:"run_id"`
	AgentID        string           `json:"agent_id"`
	UserID         string           `json:"user_id,omitempty"`
	UserTask       string           `json:"user_task,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	Steps          []map[string]any `json:"steps,omitempty"`
	FinalOutput    any              `json:"final_output,omitempty"`
	Duration       *int64           `json:"duration,omitempty"`
	Status         string           `json:"status,omitempty"`
	AgentPrompt    string           `json:"agent_prompt,omitempty"`
	StartTimestamp string           `json:"start_timestamp,omitempty"`
	EndTimestamp   string           `json:"end_timestamp,omitempty"`

	// Legacy fields.
	TaskText   string         `json:"task_text,omitempty"`
	RunTree    map[string]any `json:"run_tree,omitempty"`
	RawOutcome string         `json:"outcome,omitempty"`
	CreatedAt  *time.Time     `json:"created_at,omitempty"`
}

// Validate checks the fields every ingestion needs.
func (p *RunPayload) Validate() error {
	if strings.TrimSpace(p.RunID) == "" {
		return fmt.Errorf("model: run_id is required")
	}
	if strings.TrimSpace(p.AgentID) == "" {
		return fmt.Errorf("model: agent_id is required")
	}
	if p.GetTaskText() == "" {
		return fmt.Errorf("model: user_task or task_text is required")
	}
	return nil
}

// GetTaskText returns the task description, preferring user_task over task_text.
func (p *RunPayload) GetTaskText() string {
	if t := strings.TrimSpace(p.UserTask); t != "" {
		return t
	}
	return strings.TrimSpace(p.TaskText)
}

// GetOutcome resolves the run outcome. An explicit outcome field wins;
// otherwise it is derived from status ("complete"/"success" → success,
// "failure" → failure, anything else → partial).
func (p *RunPayload) GetOutcome() Outcome {
	switch Outcome(strings.ToLower(p.RawOutcome)) {
	case OutcomeSuccess, OutcomeFailure, OutcomePartial:
		return Outcome(strings.ToLower(p.RawOutcome))
	}
	switch strings.ToLower(p.Status) {
	case "complete", "success":
		return OutcomeSuccess
	case "failure":
		return OutcomeFailure
	case "":
		return OutcomePartial
	default:
		return OutcomePartial
	}
}

// GetRunTree returns the full run record as a tree. The legacy run_tree wins
// when present; otherwise the tree is assembled from the structured fields so
// that the stored snapshot round-trips to the submitted payload.
func (p *RunPayload) GetRunTree() map[string]any {
	if p.RunTree != nil {
		return p.RunTree
	}
	steps := make([]any, len(p.Steps))
	for i, s := range p.Steps {
		steps[i] = s
	}
	tree := map[string]any{
		"id":              p.ID,
		"run_id":          p.RunID,
		"start_timestamp": p.StartTimestamp,
		"agent_id":        p.AgentID,
		"user_task":       p.UserTask,
		"metadata":        p.Metadata,
		"steps":           steps,
		"final_output":    p.FinalOutput,
		"status":          p.Status,
		"agent_prompt":    p.AgentPrompt,
		"end_timestamp":   p.EndTimestamp,
	}
	if p.Duration != nil {
		tree["duration"] = *p.Duration
	}
	return tree
}

// GetCreatedAt resolves the run creation time: created_at, then
// start_timestamp, then zero (callers substitute time.Now).
func (p *RunPayload) GetCreatedAt() time.Time {
	if p.CreatedAt != nil {
		return *p.CreatedAt
	}
	if p.StartTimestamp != "" {
		if t, err := time.Parse(time.RFC3339, p.StartTimestamp); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339Nano, p.StartTimestamp); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Run is the stored form of one completed agent execution.
type Run struct {
	ID           string           `json:"run_id"`
	AgentID      string           `json:"agent_id"`
	UserID       *string          `json:"user_id,omitempty"`
	TaskID       string           `json:"task_id"`
	Summary      string           `json:"summary"`
	ReasonAdded  string           `json:"reason_added"`
	Embedding    *pgvector.Vector `json:"-"`
	RunTree      json.RawMessage  `json:"run_tree,omitempty"`
	Outcome      Outcome          `json:"outcome"`
	Status       RunStatus        `json:"status"`
	SupersededBy *string          `json:"superseded_by,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Reference is an input a run consumed. The id is content-derived.
type Reference struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Embedding pgvector.Vector `json:"-"`
	SourceRef string          `json:"source_ref"`
}

// Artifact is an output a run produced. The id is content-derived and the
// hash is the full sha256 of the canonical content.
type Artifact struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Embedding pgvector.Vector `json:"-"`
	Hash      string          `json:"hash"`
}

// Task is a deduplicated canonical task description.
type Task struct {
	ID        string          `json:"id"`
	Text      string          `json:"text"`
	Embedding pgvector.Vector `json:"-"`
}

// Partition scopes similarity comparisons and retrieval to a
// (user_id, agent_id) pair. Empty fields mean "not supplied".
type Partition struct {
	UserID  string
	AgentID string
}

// RunEmbedding is one row of a label scan: just enough to rank by cosine.
type RunEmbedding struct {
	RunID     string
	Summary   string
	Embedding pgvector.Vector
}

// TaskEmbedding is one row of a Task label scan.
type TaskEmbedding struct {
	TaskID    string
	Embedding pgvector.Vector
}

// RefDescriptor is the light reference view used in run neighborhoods.
type RefDescriptor struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	SourceRef string `json:"source_ref,omitempty"`
}

// ArtifactDescriptor is the light artifact view used in run neighborhoods.
type ArtifactDescriptor struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Hash string `json:"hash,omitempty"`
}

// RunContext is a run expanded to its full neighborhood: the stored fields
// plus references, artifacts, and outcome in one read.
type RunContext struct {
	RunID       string               `json:"run_id"`
	UserID      *string              `json:"user_id,omitempty"`
	AgentID     string               `json:"agent_id"`
	Summary     string               `json:"summary"`
	ReasonAdded string               `json:"reason_added,omitempty"`
	Outcome     string               `json:"outcome"`
	RunTree     map[string]any       `json:"run_tree,omitempty"`
	References  []RefDescriptor      `json:"references"`
	Artifacts   []ArtifactDescriptor `json:"artifacts"`
	CreatedAt   time.Time            `json:"created_at"`
}
