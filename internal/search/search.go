// Package search provides similarity primitives for run retrieval: an
// in-process cosine ranker over Postgres-stored embeddings, and an optional
// Qdrant index that accelerates partition-scoped queries.
package search

import "math"

// Result is a run matched by a similarity query.
type Result struct {
	RunID string
	Score float32
}

// CosineSimilarity computes cosine similarity between two vectors. Vectors
// of mismatched dimension or zero magnitude score 0, so callers can skip
// candidates embedded under a different model without erroring.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
