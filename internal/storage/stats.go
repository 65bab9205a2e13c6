package storage

import (
	"context"
	"fmt"

	"github.com/kioku-ai/kioku/internal/model"
)

// Stats returns node counts per label and relationship counts per type.
// One-to-one relationships are derived from non-null foreign keys.
func (db *DB) Stats(ctx context.Context) (model.Stats, error) {
	var s model.Stats
	s.Relationships = make(map[string]int64)

	nodeCounts := []struct {
		query string
		dst   *int64
	}{
		{`SELECT COUNT(*) FROM users`, &s.UserCount},
		{`SELECT COUNT(*) FROM agents`, &s.AgentCount},
		{`SELECT COUNT(*) FROM tasks`, &s.TaskCount},
		{`SELECT COUNT(*) FROM runs`, &s.RunCount},
		{`SELECT COUNT(*) FROM refs`, &s.ReferenceCount},
		{`SELECT COUNT(*) FROM artifacts`, &s.ArtifactCount},
		{`SELECT COUNT(*) FROM outcomes`, &s.OutcomeCount},
		{`SELECT COUNT(*) FROM memory_decisions`, &s.DecisionCount},
	}
	for _, nc := range nodeCounts {
		if err := db.pool.QueryRow(ctx, nc.query).Scan(nc.dst); err != nil {
			return model.Stats{}, fmt.Errorf("storage: stats: %w", err)
		}
	}

	relCounts := []struct {
		name  string
		query string
	}{
		{"HAS_AGENT", `SELECT COUNT(*) FROM agents WHERE user_id IS NOT NULL`},
		{"EXECUTED", `SELECT COUNT(*) FROM runs`},
		{"TRIGGERED", `SELECT COUNT(*) FROM runs`},
		{"ENDED_WITH", `SELECT COUNT(*) FROM runs`},
		{"READS", `SELECT COUNT(*) FROM run_reads`},
		{"WRITES", `SELECT COUNT(*) FROM run_writes`},
		{"SUPERSEDED_BY", `SELECT COUNT(*) FROM runs WHERE superseded_by IS NOT NULL`},
	}
	for _, rc := range relCounts {
		var n int64
		if err := db.pool.QueryRow(ctx, rc.query).Scan(&n); err != nil {
			return model.Stats{}, fmt.Errorf("storage: stats %s: %w", rc.name, err)
		}
		s.Relationships[rc.name] = n
	}

	return s, nil
}
