package model

import "time"

// DecisionKind is the admission-control verdict for a new run.
type DecisionKind string

const (
	DecisionAdd     DecisionKind = "ADD"
	DecisionNot     DecisionKind = "NOT"
	DecisionReplace DecisionKind = "REPLACE"
	DecisionMerge   DecisionKind = "MERGE"
)

// ValidDecision reports whether d is one of the four admission verdicts.
func ValidDecision(d DecisionKind) bool {
	switch d {
	case DecisionAdd, DecisionNot, DecisionReplace, DecisionMerge:
		return true
	}
	return false
}

// MemoryDecision is the audit record of one admission-control verdict,
// keyed by the incoming run id. Persisted for every decision, including NOT.
type MemoryDecision struct {
	RunID           string       `json:"run_id"`
	Decision        DecisionKind `json:"decision"`
	TargetRunID     *string      `json:"target_run_id,omitempty"`
	Reason          string       `json:"reason"`
	SimilarityScore *float64     `json:"similarity_score,omitempty"`
	Timestamp       time.Time    `json:"timestamp"`
}

// SimilarRun is a candidate surfaced by the admission similarity scan,
// expanded with its outcome and light reference/artifact descriptors.
type SimilarRun struct {
	RunID      string               `json:"run_id"`
	Summary    string               `json:"summary"`
	Outcome    string               `json:"outcome"`
	Similarity float64              `json:"similarity"`
	References []RefDescriptor      `json:"references"`
	Artifacts  []ArtifactDescriptor `json:"artifacts"`
}
