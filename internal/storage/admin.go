package storage

import (
	"context"
	"fmt"
)

// vectorIndexTargets maps each embedding column to a named ivfflat index.
// Columns are untyped vectors, so the index is built over a cast to a fixed
// dimension and only covers rows matching that dimension.
var vectorIndexTargets = []struct {
	index  string
	table  string
	column string
}{
	{"idx_runs_embedding_cosine", "runs", "embedding"},
	{"idx_tasks_embedding_cosine", "tasks", "embedding"},
	{"idx_refs_embedding_cosine", "refs", "embedding"},
	{"idx_artifacts_embedding_cosine", "artifacts", "embedding"},
}

// CreateVectorIndexes builds cosine ivfflat indexes over the embedding
// columns for the given dimension. Failures fall back to a plain btree on
// the id so startup never blocks on index support.
func (db *DB) CreateVectorIndexes(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("storage: vector index dimension must be positive, got %d", dim)
	}
	for _, t := range vectorIndexTargets {
		stmt := fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s ON %s USING ivfflat ((%s::vector(%d)) vector_cosine_ops)
			 WHERE vector_dims(%s) = %d`,
			t.index, t.table, t.column, dim, t.column, dim,
		)
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			db.logger.Warn("ivfflat index creation failed, continuing without",
				"index", t.index, "error", err)
		}
	}
	return nil
}

// DropVectorIndexes removes the vector indexes, ahead of a dimension change.
func (db *DB) DropVectorIndexes(ctx context.Context) error {
	for _, t := range vectorIndexTargets {
		if _, err := db.pool.Exec(ctx, fmt.Sprintf(`DROP INDEX IF EXISTS %s`, t.index)); err != nil {
			return fmt.Errorf("storage: drop index %s: %w", t.index, err)
		}
	}
	return nil
}

// ClearAll removes every node, edge and decision. Schema and seeded outcome
// labels stay in place.
func (db *DB) ClearAll(ctx context.Context) error {
	_, err := db.pool.Exec(ctx, `
		TRUNCATE run_reads, run_writes, refs, artifacts, memory_decisions, runs, tasks, agents, users`)
	if err != nil {
		return fmt.Errorf("storage: clear all: %w", err)
	}
	return nil
}

// ClearEmbeddings nulls out stored embeddings so a new embedding model can
// repopulate them, without losing the graph itself.
func (db *DB) ClearEmbeddings(ctx context.Context) error {
	for _, t := range vectorIndexTargets {
		stmt := fmt.Sprintf(`UPDATE %s SET %s = NULL`, t.table, t.column)
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("storage: clear embeddings on %s: %w", t.table, err)
		}
	}
	return nil
}
