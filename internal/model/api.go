package model

import "time"

// Error codes returned in API error responses.
const (
	ErrCodeInvalidInput = "invalid_input"
	ErrCodeNotFound     = "not_found"
	ErrCodeRateLimited  = "rate_limited"
	ErrCodeStoreError   = "store_unavailable"
	ErrCodeInternal     = "internal_error"
)

// Envelope wraps mutation responses: {status, message?, data}.
// Query endpoints return their payloads directly.
type Envelope struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data"`
}

// APIError is the structured error payload.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorDetail carries a machine-readable code and a human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta carries per-response metadata.
type ResponseMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse is the payload of GET /.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version,omitempty"`
	Postgres       string `json:"postgres"`
	Database       string `json:"database"`
	Provider       string `json:"provider"`
	Dimension      int    `json:"embedding_dimension"`
	RunIndex       string `json:"run_index,omitempty"`
	RunIndexStatus string `json:"run_index_status,omitempty"`
}

// IngestResult is the data payload of POST /runs for ADD/REPLACE/MERGE.
type IngestResult struct {
	Decision        DecisionKind `json:"decision"`
	RunID           string       `json:"run_id"`
	TaskID          string       `json:"task_id"`
	ReferencesCount int          `json:"references_count"`
	ArtifactsCount  int          `json:"artifacts_count"`
	TargetRunID     *string      `json:"target_run_id,omitempty"`
	Reason          string       `json:"reason"`
	Summary         string       `json:"summary"`
	ReasonAdded     string       `json:"reason_added"`
}

// RejectResult is the data payload of POST /runs when the decision is NOT.
type RejectResult struct {
	Decision        DecisionKind `json:"decision"`
	Reason          string       `json:"reason"`
	SimilarityScore *float64     `json:"similarity_score,omitempty"`
	SimilarRuns     []SimilarRun `json:"similar_runs"`
}
