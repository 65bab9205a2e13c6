package storage

import (
	"context"
	"fmt"

	"github.com/kioku-ai/kioku/internal/model"
)

// UpsertUser creates the user node if it does not exist.
func (db *DB) UpsertUser(ctx context.Context, id string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id)
	if err != nil {
		return fmt.Errorf("storage: upsert user: %w", err)
	}
	return nil
}

// UpsertAgent creates the agent node if needed and attaches it to a user.
// An agent already owned by a user keeps that owner: a later ingest naming a
// different user never reassigns the agent.
func (db *DB) UpsertAgent(ctx context.Context, id string, userID *string) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO agents (id, user_id) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE
		SET user_id = COALESCE(agents.user_id, EXCLUDED.user_id)`,
		id, userID)
	if err != nil {
		return fmt.Errorf("storage: upsert agent: %w", err)
	}
	return nil
}

// CreateTask inserts a task node with its embedding.
func (db *DB) CreateTask(ctx context.Context, task model.Task) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO tasks (id, text, embedding) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`,
		task.ID, task.Text, task.Embedding)
	if err != nil {
		return fmt.Errorf("storage: create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task node by ID.
func (db *DB) GetTask(ctx context.Context, id string) (model.Task, error) {
	var task model.Task
	err := db.pool.QueryRow(ctx,
		`SELECT id, text FROM tasks WHERE id = $1`, id,
	).Scan(&task.ID, &task.Text)
	if err != nil {
		return model.Task{}, fmt.Errorf("storage: get task: %w", err)
	}
	return task, nil
}

// ListTaskEmbeddings returns every task that has an embedding, for in-process
// similarity matching during task deduplication.
func (db *DB) ListTaskEmbeddings(ctx context.Context) ([]model.TaskEmbedding, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, embedding FROM tasks WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("storage: list task embeddings: %w", err)
	}
	defer rows.Close()

	var out []model.TaskEmbedding
	for rows.Next() {
		var te model.TaskEmbedding
		if err := rows.Scan(&te.TaskID, &te.Embedding); err != nil {
			return nil, fmt.Errorf("storage: scan task embedding: %w", err)
		}
		out = append(out, te)
	}
	return out, rows.Err()
}
