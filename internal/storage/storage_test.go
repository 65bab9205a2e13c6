package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/storage"
	"github.com/kioku-ai/kioku/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	if !testutil.DockerAvailable() {
		// Returning without running makes the wrapper exit 0, so the suite
		// is skipped rather than failed on machines without a container
		// runtime.
		fmt.Fprintln(os.Stderr, "storage test: no container runtime, skipping integration suite")
		return
	}
	tc := testutil.MustStartPostgres()
	code := setupAndRun(m, tc)
	tc.Terminate()
	os.Exit(code)
}

func setupAndRun(m *testing.M, tc *testutil.TestContainer) int {
	ctx := context.Background()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage test: %v\n", err)
		return 1
	}
	defer testDB.Close()

	return m.Run()
}

func vec(vals ...float32) pgvector.Vector {
	return pgvector.NewVector(vals)
}

func vecPtr(vals ...float32) *pgvector.Vector {
	v := pgvector.NewVector(vals)
	return &v
}

// mustCreateRun inserts an agent, task and run with sane defaults.
func mustCreateRun(t *testing.T, runID, agentID string, userID *string, embedding *pgvector.Vector) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, testDB.UpsertAgent(ctx, agentID, userID))
	taskID := "task_" + runID
	require.NoError(t, testDB.CreateTask(ctx, model.Task{
		ID:        taskID,
		Text:      "task for " + runID,
		Embedding: vec(0.1, 0.2, 0.3),
	}))

	require.NoError(t, testDB.CreateRun(ctx, storage.CreateRunParams{
		Run: model.Run{
			ID:          runID,
			AgentID:     agentID,
			UserID:      userID,
			TaskID:      taskID,
			Summary:     "summary of " + runID,
			ReasonAdded: "No similar runs found in memory",
			Embedding:   embedding,
			Outcome:     model.OutcomeSuccess,
			Status:      model.RunStatusActive,
			CreatedAt:   time.Now().UTC(),
		},
	}))
}

func TestUpsertAgent_StickyOwnership(t *testing.T) {
	ctx := context.Background()
	owner := "user_sticky"
	require.NoError(t, testDB.UpsertUser(ctx, owner))

	// First sighting has no owner, second supplies one, third tries to change it.
	require.NoError(t, testDB.UpsertAgent(ctx, "agent_sticky", nil))
	require.NoError(t, testDB.UpsertAgent(ctx, "agent_sticky", &owner))

	other := "user_other"
	require.NoError(t, testDB.UpsertUser(ctx, other))
	require.NoError(t, testDB.UpsertAgent(ctx, "agent_sticky", &other))

	var got *string
	require.NoError(t, testDB.Pool().QueryRow(ctx,
		`SELECT user_id FROM agents WHERE id = $1`, "agent_sticky").Scan(&got))
	require.NotNil(t, got)
	assert.Equal(t, owner, *got, "first non-null owner wins")
}

func TestCreateRunAndGetRun(t *testing.T) {
	ctx := context.Background()
	mustCreateRun(t, "run_cr_1", "agent_cr", nil, vecPtr(1, 0, 0))

	run, err := testDB.GetRun(ctx, "run_cr_1")
	require.NoError(t, err)
	assert.Equal(t, "agent_cr", run.AgentID)
	assert.Equal(t, model.RunStatusActive, run.Status)
	assert.Equal(t, model.OutcomeSuccess, run.Outcome)
	assert.JSONEq(t, "{}", string(run.RunTree), "empty tree stored as {}")

	_, err = testDB.GetRun(ctx, "run_missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateRun_RefsArtifactsAndSupersede(t *testing.T) {
	ctx := context.Background()
	mustCreateRun(t, "run_old", "agent_sup", nil, vecPtr(1, 0, 0))

	require.NoError(t, testDB.CreateTask(ctx, model.Task{
		ID: "task_sup_new", Text: "new", Embedding: vec(0, 1, 0),
	}))
	old := "run_old"
	require.NoError(t, testDB.CreateRun(ctx, storage.CreateRunParams{
		Run: model.Run{
			ID:        "run_new",
			AgentID:   "agent_sup",
			TaskID:    "task_sup_new",
			Summary:   "improved approach",
			Embedding: vecPtr(0, 1, 0),
			Outcome:   model.OutcomeSuccess,
			Status:    model.RunStatusActive,
			CreatedAt: time.Now().UTC(),
		},
		Refs: []model.Reference{
			{ID: "ref_1", Type: model.RefTypeAPIResponse, SourceRef: "step_1.emailData", Embedding: vec(0.5, 0.5, 0)},
		},
		Artifacts: []model.Artifact{
			{ID: "artifact_1", Type: model.ArtifactTypeReport, Hash: "deadbeef", Embedding: vec(0, 0.5, 0.5)},
		},
		SupersedeRunID: &old,
	}))

	oldRun, err := testDB.GetRun(ctx, "run_old")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuperseded, oldRun.Status)
	require.NotNil(t, oldRun.SupersededBy)
	assert.Equal(t, "run_new", *oldRun.SupersededBy)

	rc, err := testDB.GetRunContext(ctx, "run_new")
	require.NoError(t, err)
	require.Len(t, rc.References, 1)
	assert.Equal(t, "step_1.emailData", rc.References[0].SourceRef)
	require.Len(t, rc.Artifacts, 1)
	assert.Equal(t, "deadbeef", rc.Artifacts[0].Hash)
}

func TestCreateRun_SharedRefNode(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.UpsertAgent(ctx, "agent_shared", nil))

	sharedRef := model.Reference{
		ID: "ref_shared", Type: model.RefTypeDocument,
		SourceRef: "step_2.output_data", Embedding: vec(1, 1, 1),
	}
	for _, runID := range []string{"run_sh_a", "run_sh_b"} {
		require.NoError(t, testDB.CreateTask(ctx, model.Task{
			ID: "task_" + runID, Text: runID, Embedding: vec(0.2, 0.2, 0.2),
		}))
		require.NoError(t, testDB.CreateRun(ctx, storage.CreateRunParams{
			Run: model.Run{
				ID: runID, AgentID: "agent_shared", TaskID: "task_" + runID,
				Summary: runID, Outcome: model.OutcomeSuccess,
				Status: model.RunStatusActive, CreatedAt: time.Now().UTC(),
			},
			Refs: []model.Reference{sharedRef},
		}))
	}

	var refCount, edgeCount int
	require.NoError(t, testDB.Pool().QueryRow(ctx,
		`SELECT count(*) FROM refs WHERE id = $1`, "ref_shared").Scan(&refCount))
	require.NoError(t, testDB.Pool().QueryRow(ctx,
		`SELECT count(*) FROM run_reads WHERE ref_id = $1`, "ref_shared").Scan(&edgeCount))
	assert.Equal(t, 1, refCount, "node shared across runs")
	assert.Equal(t, 2, edgeCount, "one edge per run")
}

func TestCreateRun_ReingestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.UpsertAgent(ctx, "agent_idem", nil))
	require.NoError(t, testDB.CreateTask(ctx, model.Task{
		ID: "task_idem", Text: "idempotent", Embedding: vec(0.4, 0.4, 0.4),
	}))

	ref := model.Reference{
		ID: "ref_idem", Type: model.RefTypeDocument,
		SourceRef: "step_1.output_data", Embedding: vec(1, 0, 1),
	}
	params := storage.CreateRunParams{
		Run: model.Run{
			ID: "run_idem", AgentID: "agent_idem", TaskID: "task_idem",
			Summary: "first pass", Outcome: model.OutcomePartial,
			Status: model.RunStatusActive, CreatedAt: time.Now().UTC(),
		},
		Refs: []model.Reference{ref},
	}
	require.NoError(t, testDB.CreateRun(ctx, params))

	// A retried ingest with the same run_id refreshes the row in place.
	params.Run.Summary = "second pass"
	params.Run.Outcome = model.OutcomeSuccess
	require.NoError(t, testDB.CreateRun(ctx, params))

	run, err := testDB.GetRun(ctx, "run_idem")
	require.NoError(t, err)
	assert.Equal(t, "second pass", run.Summary)
	assert.Equal(t, model.OutcomeSuccess, run.Outcome)

	var runCount, edgeCount int
	require.NoError(t, testDB.Pool().QueryRow(ctx,
		`SELECT count(*) FROM runs WHERE id = $1`, "run_idem").Scan(&runCount))
	require.NoError(t, testDB.Pool().QueryRow(ctx,
		`SELECT count(*) FROM run_reads WHERE run_id = $1`, "run_idem").Scan(&edgeCount))
	assert.Equal(t, 1, runCount)
	assert.Equal(t, 1, edgeCount)
}

func TestScanRunEmbeddings_Partitions(t *testing.T) {
	ctx := context.Background()
	owner := "user_part"
	require.NoError(t, testDB.UpsertUser(ctx, owner))

	mustCreateRun(t, "run_p1", "agent_p1", &owner, vecPtr(1, 0, 0))
	mustCreateRun(t, "run_p2", "agent_p2", nil, vecPtr(0, 1, 0))

	// Run without an embedding must not appear.
	mustCreateRun(t, "run_p3", "agent_p1", &owner, nil)

	byAgent, err := testDB.ScanRunEmbeddings(ctx, model.Partition{AgentID: "agent_p1"})
	require.NoError(t, err)
	require.Len(t, byAgent, 1)
	assert.Equal(t, "run_p1", byAgent[0].RunID)

	byBoth, err := testDB.ScanRunEmbeddings(ctx, model.Partition{UserID: owner, AgentID: "agent_p1"})
	require.NoError(t, err)
	require.Len(t, byBoth, 1)

	// Wrong owner for the agent yields nothing.
	byWrong, err := testDB.ScanRunEmbeddings(ctx, model.Partition{UserID: "user_nobody", AgentID: "agent_p1"})
	require.NoError(t, err)
	assert.Empty(t, byWrong)
}

func TestScanRunEmbeddings_ExcludesSuperseded(t *testing.T) {
	ctx := context.Background()
	mustCreateRun(t, "run_ex_old", "agent_ex", nil, vecPtr(1, 0, 0))

	require.NoError(t, testDB.CreateTask(ctx, model.Task{
		ID: "task_ex_new", Text: "new", Embedding: vec(0, 1, 0),
	}))
	old := "run_ex_old"
	require.NoError(t, testDB.CreateRun(ctx, storage.CreateRunParams{
		Run: model.Run{
			ID: "run_ex_new", AgentID: "agent_ex", TaskID: "task_ex_new",
			Summary: "new", Embedding: vecPtr(0, 1, 0),
			Outcome: model.OutcomeSuccess, Status: model.RunStatusActive,
			CreatedAt: time.Now().UTC(),
		},
		SupersedeRunID: &old,
	}))

	got, err := testDB.ScanRunEmbeddings(ctx, model.Partition{AgentID: "agent_ex"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "run_ex_new", got[0].RunID)
}

func TestListRuns_OrderAndLimit(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.UpsertAgent(ctx, "agent_list", nil))

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		runID := fmt.Sprintf("run_list_%d", i)
		require.NoError(t, testDB.CreateTask(ctx, model.Task{
			ID: "task_" + runID, Text: runID, Embedding: vec(0.3, 0.3, 0.3),
		}))
		require.NoError(t, testDB.CreateRun(ctx, storage.CreateRunParams{
			Run: model.Run{
				ID: runID, AgentID: "agent_list", TaskID: "task_" + runID,
				Summary: runID, Outcome: model.OutcomeSuccess,
				Status: model.RunStatusActive, CreatedAt: base.Add(time.Duration(i) * time.Minute),
			},
		}))
	}

	runs, err := testDB.ListRuns(ctx, model.Partition{AgentID: "agent_list"}, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run_list_2", runs[0].ID, "newest first")

	limited, err := testDB.ListRuns(ctx, model.Partition{AgentID: "agent_list"}, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	// A replaced run disappears from the listing.
	require.NoError(t, testDB.CreateTask(ctx, model.Task{
		ID: "task_run_list_3", Text: "run_list_3", Embedding: vec(0.3, 0.3, 0.3),
	}))
	old := "run_list_0"
	require.NoError(t, testDB.CreateRun(ctx, storage.CreateRunParams{
		Run: model.Run{
			ID: "run_list_3", AgentID: "agent_list", TaskID: "task_run_list_3",
			Summary: "run_list_3", Outcome: model.OutcomeSuccess,
			Status: model.RunStatusActive, CreatedAt: base.Add(3 * time.Minute),
		},
		SupersedeRunID: &old,
	}))

	visible, err := testDB.ListRuns(ctx, model.Partition{AgentID: "agent_list"}, 0)
	require.NoError(t, err)
	require.Len(t, visible, 3)
	for _, run := range visible {
		assert.NotEqual(t, "run_list_0", run.ID, "superseded run stays hidden")
	}
}

func TestMemoryDecisions_Upsert(t *testing.T) {
	ctx := context.Background()

	score := 0.91
	d := model.MemoryDecision{
		RunID:           "run_dec_1",
		Decision:        model.DecisionNot,
		Reason:          "duplicate",
		SimilarityScore: &score,
		Timestamp:       time.Now().UTC(),
	}
	require.NoError(t, testDB.PutMemoryDecision(ctx, d))

	// Second write for the same run replaces the first.
	target := "run_target"
	d.Decision = model.DecisionReplace
	d.TargetRunID = &target
	d.Reason = "newer run supersedes"
	require.NoError(t, testDB.PutMemoryDecision(ctx, d))

	got, err := testDB.GetMemoryDecision(ctx, "run_dec_1")
	require.NoError(t, err)
	assert.Equal(t, model.DecisionReplace, got.Decision)
	require.NotNil(t, got.TargetRunID)
	assert.Equal(t, "run_target", *got.TargetRunID)
	require.NotNil(t, got.SimilarityScore)
	assert.InDelta(t, 0.91, *got.SimilarityScore, 1e-9)

	_, err = testDB.GetMemoryDecision(ctx, "run_dec_missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTaskDedupHelpers(t *testing.T) {
	ctx := context.Background()

	task := model.Task{ID: "task_dd", Text: "summarize inbox", Embedding: vec(0.9, 0.1, 0)}
	require.NoError(t, testDB.CreateTask(ctx, task))
	require.NoError(t, testDB.CreateTask(ctx, task), "re-create is a no-op")

	got, err := testDB.GetTask(ctx, "task_dd")
	require.NoError(t, err)
	assert.Equal(t, "summarize inbox", got.Text)

	embs, err := testDB.ListTaskEmbeddings(ctx)
	require.NoError(t, err)
	found := false
	for _, te := range embs {
		if te.TaskID == "task_dd" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	owner := "user_stats"
	require.NoError(t, testDB.UpsertUser(ctx, owner))
	mustCreateRun(t, "run_stats_1", "agent_stats", &owner, vecPtr(0.4, 0.4, 0.2))

	stats, err := testDB.Stats(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.RunCount, int64(1))
	assert.GreaterOrEqual(t, stats.AgentCount, int64(1))
	assert.GreaterOrEqual(t, stats.OutcomeCount, int64(3), "outcomes are seeded")
	assert.GreaterOrEqual(t, stats.Relationships["EXECUTED"], int64(1))
	assert.GreaterOrEqual(t, stats.Relationships["HAS_AGENT"], int64(1))
}

func TestVectorIndexLifecycle(t *testing.T) {
	ctx := context.Background()

	// Mixed dimensions coexist; the expression index only covers matching rows.
	require.NoError(t, testDB.CreateVectorIndexes(ctx, 3))
	require.NoError(t, testDB.DropVectorIndexes(ctx))
}
