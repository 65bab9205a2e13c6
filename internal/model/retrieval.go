package model

// RetrievalRequest is the body of POST /retrieve.
type RetrievalRequest struct {
	TaskText string `json:"task_text"`
	UserID   string `json:"user_id,omitempty"`
	AgentID  string `json:"agent_id,omitempty"`
	Context  string `json:"context,omitempty"`
	TopK     int    `json:"top_k,omitempty"`
}

// DefaultTopK is applied when a retrieval request omits top_k.
const DefaultTopK = 5

// RelatedRun is one retrieval survivor with its full expanded context.
type RelatedRun struct {
	RunID           string               `json:"run_id"`
	UserID          *string              `json:"user_id,omitempty"`
	AgentID         string               `json:"agent_id"`
	Summary         string               `json:"summary"`
	ReasonAdded     string               `json:"reason_added,omitempty"`
	Outcome         string               `json:"outcome"`
	RunTree         map[string]any       `json:"run_tree,omitempty"`
	References      []RefDescriptor      `json:"references"`
	Artifacts       []ArtifactDescriptor `json:"artifacts"`
	SimilarityScore float64              `json:"similarity_score"`
}

// RetrievalResponse is the body of the POST /retrieve reply.
type RetrievalResponse struct {
	Observations   []string     `json:"observations"`
	RelatedRuns    []RelatedRun `json:"related_runs"`
	Confidence     float64      `json:"confidence"`
	QueryEmbedding []float32    `json:"query_embedding,omitempty"`
}

// RunDetail is one row of GET /retrieve_all: the same expansion as a
// retrieval survivor plus reason_added and created_at, without a similarity.
type RunDetail struct {
	RunID       string               `json:"run_id"`
	UserID      *string              `json:"user_id,omitempty"`
	AgentID     string               `json:"agent_id"`
	Summary     string               `json:"summary"`
	ReasonAdded string               `json:"reason_added,omitempty"`
	Outcome     string               `json:"outcome"`
	RunTree     map[string]any       `json:"run_tree,omitempty"`
	References  []RefDescriptor      `json:"references"`
	Artifacts   []ArtifactDescriptor `json:"artifacts"`
	CreatedAt   string               `json:"created_at,omitempty"`
}

// RetrieveAllResponse is the body of the GET /retrieve_all reply.
type RetrieveAllResponse struct {
	Runs       []RunDetail `json:"runs"`
	TotalCount int         `json:"total_count"`
}

// Stats summarizes the graph: node counts per label and relationship counts
// per type. Served by GET /stats.
type Stats struct {
	UserCount      int64            `json:"user_count"`
	AgentCount     int64            `json:"agent_count"`
	TaskCount      int64            `json:"task_count"`
	RunCount       int64            `json:"run_count"`
	ReferenceCount int64            `json:"reference_count"`
	ArtifactCount  int64            `json:"artifact_count"`
	OutcomeCount   int64            `json:"outcome_count"`
	DecisionCount  int64            `json:"decision_count"`
	Relationships  map[string]int64 `json:"relationships"`
}
