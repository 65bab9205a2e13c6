package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/kioku-ai/kioku/internal/model"
)

// CreateRunParams bundles everything persisted for one admitted run.
type CreateRunParams struct {
	Run       model.Run
	Refs      []model.Reference
	Artifacts []model.Artifact
	// SupersedeRunID, when set, marks that run superseded by the new one
	// in the same transaction.
	SupersedeRunID *string
}

// CreateRun persists a run with its READS/WRITES edges, and optionally
// supersedes a prior run, all in one transaction.
func (db *DB) CreateRun(ctx context.Context, p CreateRunParams) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	run := p.Run
	tree := run.RunTree
	if len(tree) == 0 {
		tree = json.RawMessage("{}")
	}

	// Re-ingesting a run_id refreshes the row instead of erroring, so a
	// retried POST /runs cannot duplicate nodes or edges.
	_, err = tx.Exec(ctx, `
		INSERT INTO runs (id, agent_id, user_id, task_id, outcome, summary, reason_added, embedding, run_tree, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE
		SET outcome = EXCLUDED.outcome, summary = EXCLUDED.summary,
		    reason_added = EXCLUDED.reason_added, embedding = EXCLUDED.embedding,
		    run_tree = EXCLUDED.run_tree, status = EXCLUDED.status`,
		run.ID, run.AgentID, run.UserID, run.TaskID, string(run.Outcome),
		run.Summary, run.ReasonAdded, run.Embedding, tree, string(run.Status), run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert run: %w", err)
	}

	// Refs and artifacts have content-hash IDs, so the same node may already
	// exist from a prior run. Nodes are shared; only the edge is new.
	for _, ref := range p.Refs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO refs (id, type, source_ref, embedding) VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO NOTHING`,
			ref.ID, ref.Type, ref.SourceRef, ref.Embedding,
		); err != nil {
			return fmt.Errorf("storage: insert ref: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO run_reads (run_id, ref_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`,
			run.ID, ref.ID,
		); err != nil {
			return fmt.Errorf("storage: insert reads edge: %w", err)
		}
	}

	for _, art := range p.Artifacts {
		if _, err := tx.Exec(ctx, `
			INSERT INTO artifacts (id, type, hash, embedding) VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO NOTHING`,
			art.ID, art.Type, art.Hash, art.Embedding,
		); err != nil {
			return fmt.Errorf("storage: insert artifact: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO run_writes (run_id, artifact_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`,
			run.ID, art.ID,
		); err != nil {
			return fmt.Errorf("storage: insert writes edge: %w", err)
		}
	}

	if p.SupersedeRunID != nil {
		tag, err := tx.Exec(ctx, `
			UPDATE runs SET status = 'superseded', superseded_by = $1
			WHERE id = $2 AND status = 'active'`,
			run.ID, *p.SupersedeRunID,
		)
		if err != nil {
			return fmt.Errorf("storage: supersede run %s: %w", *p.SupersedeRunID, err)
		}
		if tag.RowsAffected() == 0 {
			db.logger.Warn("supersede target not found or not active", "target_run_id", *p.SupersedeRunID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit tx: %w", err)
	}
	return nil
}

// GetRun retrieves a run row by ID.
func (db *DB) GetRun(ctx context.Context, id string) (model.Run, error) {
	var run model.Run
	err := db.pool.QueryRow(ctx, `
		SELECT id, agent_id, user_id, task_id, outcome, summary, reason_added, run_tree, status, superseded_by, created_at
		FROM runs WHERE id = $1`, id,
	).Scan(
		&run.ID, &run.AgentID, &run.UserID, &run.TaskID, &run.Outcome,
		&run.Summary, &run.ReasonAdded, &run.RunTree, &run.Status,
		&run.SupersededBy, &run.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// ScanRunEmbeddings returns id, summary and embedding for every active run
// in the partition that has an embedding. Similarity is computed in-process
// so that vectors of mismatched dimension can simply be skipped.
func (db *DB) ScanRunEmbeddings(ctx context.Context, p model.Partition) ([]model.RunEmbedding, error) {
	query := `
		SELECT r.id, r.summary, r.embedding
		FROM runs r`
	var args []any

	switch {
	case p.UserID != "" && p.AgentID != "":
		query += `
		JOIN agents a ON a.id = r.agent_id
		WHERE a.user_id = $1 AND r.agent_id = $2`
		args = append(args, p.UserID, p.AgentID)
	case p.AgentID != "":
		query += `
		WHERE r.agent_id = $1`
		args = append(args, p.AgentID)
	default:
		query += `
		WHERE TRUE`
	}
	query += ` AND (r.status = 'active' OR r.status IS NULL) AND r.embedding IS NOT NULL`

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: scan run embeddings: %w", err)
	}
	defer rows.Close()

	var out []model.RunEmbedding
	for rows.Next() {
		var re model.RunEmbedding
		if err := rows.Scan(&re.RunID, &re.Summary, &re.Embedding); err != nil {
			return nil, fmt.Errorf("storage: scan run embedding: %w", err)
		}
		out = append(out, re)
	}
	return out, rows.Err()
}

// GetRunContext loads a run with its references, artifacts and outcome for
// retrieval expansion.
func (db *DB) GetRunContext(ctx context.Context, id string) (model.RunContext, error) {
	var (
		rc      model.RunContext
		rawTree json.RawMessage
	)
	err := db.pool.QueryRow(ctx, `
		SELECT id, user_id, agent_id, summary, reason_added, outcome, run_tree, created_at
		FROM runs WHERE id = $1`, id,
	).Scan(&rc.RunID, &rc.UserID, &rc.AgentID, &rc.Summary, &rc.ReasonAdded, &rc.Outcome, &rawTree, &rc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RunContext{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.RunContext{}, fmt.Errorf("storage: get run context: %w", err)
	}

	if len(rawTree) > 0 {
		if err := json.Unmarshal(rawTree, &rc.RunTree); err != nil {
			db.logger.Warn("run tree not parseable, omitting", "run_id", id, "error", err)
		}
	}

	rc.References = []model.RefDescriptor{}
	rows, err := db.pool.Query(ctx, `
		SELECT f.id, f.type, f.source_ref
		FROM run_reads e JOIN refs f ON f.id = e.ref_id
		WHERE e.run_id = $1
		ORDER BY f.id`, id)
	if err != nil {
		return model.RunContext{}, fmt.Errorf("storage: load refs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d model.RefDescriptor
		if err := rows.Scan(&d.ID, &d.Type, &d.SourceRef); err != nil {
			return model.RunContext{}, fmt.Errorf("storage: scan ref: %w", err)
		}
		rc.References = append(rc.References, d)
	}
	if err := rows.Err(); err != nil {
		return model.RunContext{}, fmt.Errorf("storage: iterate refs: %w", err)
	}

	rc.Artifacts = []model.ArtifactDescriptor{}
	arows, err := db.pool.Query(ctx, `
		SELECT a.id, a.type, a.hash
		FROM run_writes e JOIN artifacts a ON a.id = e.artifact_id
		WHERE e.run_id = $1
		ORDER BY a.id`, id)
	if err != nil {
		return model.RunContext{}, fmt.Errorf("storage: load artifacts: %w", err)
	}
	defer arows.Close()
	for arows.Next() {
		var d model.ArtifactDescriptor
		if err := arows.Scan(&d.ID, &d.Type, &d.Hash); err != nil {
			return model.RunContext{}, fmt.Errorf("storage: scan artifact: %w", err)
		}
		rc.Artifacts = append(rc.Artifacts, d)
	}
	if err := arows.Err(); err != nil {
		return model.RunContext{}, fmt.Errorf("storage: iterate artifacts: %w", err)
	}

	return rc, nil
}

// ListRuns returns runs in the partition ordered newest first. A limit of 0
// means no limit.
func (db *DB) ListRuns(ctx context.Context, p model.Partition, limit int) ([]model.Run, error) {
	query := `
		SELECT r.id, r.agent_id, r.user_id, r.task_id, r.outcome, r.summary, r.reason_added, r.status, r.superseded_by, r.created_at
		FROM runs r`
	var args []any

	switch {
	case p.UserID != "" && p.AgentID != "":
		query += `
		JOIN agents a ON a.id = r.agent_id
		WHERE a.user_id = $1 AND r.agent_id = $2`
		args = append(args, p.UserID, p.AgentID)
	case p.AgentID != "":
		query += `
		WHERE r.agent_id = $1`
		args = append(args, p.AgentID)
	default:
		query += `
		WHERE TRUE`
	}
	query += ` AND (r.status = 'active' OR r.status IS NULL)`
	query += `
		ORDER BY r.created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(`
		LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var out []model.Run
	for rows.Next() {
		var run model.Run
		if err := rows.Scan(
			&run.ID, &run.AgentID, &run.UserID, &run.TaskID, &run.Outcome,
			&run.Summary, &run.ReasonAdded, &run.Status, &run.SupersededBy, &run.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
