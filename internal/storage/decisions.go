package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/kioku-ai/kioku/internal/model"
)

// PutMemoryDecision records the admission decision for a run, replacing any
// prior decision for the same run_id. Every decision is recorded, including
// NOT, where the run itself is never persisted.
func (db *DB) PutMemoryDecision(ctx context.Context, d model.MemoryDecision) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO memory_decisions (run_id, decision, target_run_id, reason, similarity_score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id) DO UPDATE
		SET decision = EXCLUDED.decision,
		    target_run_id = EXCLUDED.target_run_id,
		    reason = EXCLUDED.reason,
		    similarity_score = EXCLUDED.similarity_score,
		    created_at = EXCLUDED.created_at`,
		d.RunID, string(d.Decision), d.TargetRunID, d.Reason, d.SimilarityScore, d.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("storage: put memory decision: %w", err)
	}
	return nil
}

// GetMemoryDecision retrieves the recorded decision for a run.
func (db *DB) GetMemoryDecision(ctx context.Context, runID string) (model.MemoryDecision, error) {
	var (
		d    model.MemoryDecision
		kind string
	)
	err := db.pool.QueryRow(ctx, `
		SELECT run_id, decision, target_run_id, reason, similarity_score, created_at
		FROM memory_decisions WHERE run_id = $1`, runID,
	).Scan(&d.RunID, &kind, &d.TargetRunID, &d.Reason, &d.SimilarityScore, &d.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.MemoryDecision{}, fmt.Errorf("storage: decision for run %s: %w", runID, ErrNotFound)
		}
		return model.MemoryDecision{}, fmt.Errorf("storage: get memory decision: %w", err)
	}
	d.Decision = model.DecisionKind(kind)
	return d, nil
}
