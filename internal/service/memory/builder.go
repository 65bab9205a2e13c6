// Package memory implements the ingestion pipeline: resolve the graph
// partition, dedupe the task, summarize and embed the run, mine references
// and artifacts, consult the admission gate, then persist (or reject).
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/search"
	"github.com/kioku-ai/kioku/internal/service/admission"
	"github.com/kioku-ai/kioku/internal/service/embedding"
	"github.com/kioku-ai/kioku/internal/service/llm"
	"github.com/kioku-ai/kioku/internal/storage"
)

// Store is the storage surface the builder needs.
type Store interface {
	UpsertUser(ctx context.Context, id string) error
	UpsertAgent(ctx context.Context, id string, userID *string) error
	CreateTask(ctx context.Context, task model.Task) error
	ListTaskEmbeddings(ctx context.Context) ([]model.TaskEmbedding, error)
	CreateRun(ctx context.Context, p storage.CreateRunParams) error
}

// Gate decides whether a run enters memory.
type Gate interface {
	Decide(ctx context.Context, in admission.Input) (admission.Result, error)
}

// Indexer mirrors admitted runs into an external vector index. Optional;
// a nil Indexer disables mirroring.
type Indexer interface {
	Upsert(ctx context.Context, p search.RunPoint) error
	SetRunStatus(ctx context.Context, runID, status string) error
}

// Summarizer produces the run summary and reason-added note.
type Summarizer interface {
	SummarizeRun(ctx context.Context, runTree map[string]any, outcome string) (llm.Summary, error)
}

// Config tunes the builder.
type Config struct {
	// TaskSimilarityThreshold is the cosine floor for reusing an existing
	// task node instead of creating a new one.
	TaskSimilarityThreshold float64
}

// Builder runs the ingestion pipeline.
type Builder struct {
	store      Store
	embedder   embedding.Provider
	summarizer Summarizer
	extractor  *Extractor
	gate       Gate
	index      Indexer
	cfg        Config
	logger     *slog.Logger
}

func NewBuilder(store Store, embedder embedding.Provider, summarizer Summarizer, gate Gate, index Indexer, cfg Config, logger *slog.Logger) *Builder {
	if cfg.TaskSimilarityThreshold <= 0 {
		cfg.TaskSimilarityThreshold = 0.85
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		store:      store,
		embedder:   embedder,
		summarizer: summarizer,
		extractor:  NewExtractor(embedder, logger),
		gate:       gate,
		index:      index,
		cfg:        cfg,
		logger:     logger,
	}
}

// IngestOutcome is the result of processing one run payload. Exactly one of
// Ingest or Reject is meaningful, selected by Admitted.
type IngestOutcome struct {
	Admitted bool
	Ingest   model.IngestResult
	Reject   model.RejectResult
}

// Ingest processes one run payload end to end. Failures before the
// admission gate abort with an error; node upserts are idempotent, so
// clients can safely retry.
func (b *Builder) Ingest(ctx context.Context, payload model.RunPayload) (IngestOutcome, error) {
	if err := payload.Validate(); err != nil {
		return IngestOutcome{}, err
	}

	// Partition nodes.
	if payload.UserID != "" {
		if err := b.store.UpsertUser(ctx, payload.UserID); err != nil {
			return IngestOutcome{}, fmt.Errorf("memory: upsert user: %w", err)
		}
	}
	var userID *string
	if payload.UserID != "" {
		userID = &payload.UserID
	}
	if err := b.store.UpsertAgent(ctx, payload.AgentID, userID); err != nil {
		return IngestOutcome{}, fmt.Errorf("memory: upsert agent: %w", err)
	}

	// Task resolution with embedding dedup.
	taskText := payload.GetTaskText()
	taskVec, err := b.embedder.Embed(ctx, taskText)
	if err != nil {
		return IngestOutcome{}, fmt.Errorf("memory: embed task: %w", err)
	}
	taskID, err := b.resolveTask(ctx, taskText, taskVec)
	if err != nil {
		return IngestOutcome{}, err
	}

	// Summary.
	tree := payload.GetRunTree()
	outcome := payload.GetOutcome()
	summary, err := b.summarizer.SummarizeRun(ctx, tree, string(outcome))
	if err != nil {
		return IngestOutcome{}, fmt.Errorf("memory: summarize: %w", err)
	}
	summaryVec, err := b.embedder.Embed(ctx, summary.Text)
	if err != nil {
		return IngestOutcome{}, fmt.Errorf("memory: embed summary: %w", err)
	}

	// References and artifacts stay in memory until the gate admits the run.
	refs, artifacts, err := b.extractor.Extract(ctx, tree)
	if err != nil {
		return IngestOutcome{}, fmt.Errorf("memory: extract: %w", err)
	}

	res, err := b.gate.Decide(ctx, admission.Input{
		RunID:          payload.RunID,
		TaskText:       taskText,
		Summary:        summary.Text,
		Outcome:        string(outcome),
		Embedding:      summaryVec.Slice(),
		Partition:      model.Partition{UserID: payload.UserID, AgentID: payload.AgentID},
		RefsCount:      len(refs),
		ArtifactsCount: len(artifacts),
	})
	if err != nil {
		return IngestOutcome{}, fmt.Errorf("memory: admission: %w", err)
	}
	decision := res.Decision

	if decision.Decision == model.DecisionNot {
		b.logger.Info("run rejected by admission gate",
			"run_id", payload.RunID, "reason", decision.Reason)
		return IngestOutcome{
			Reject: model.RejectResult{
				Decision:        decision.Decision,
				Reason:          decision.Reason,
				SimilarityScore: decision.SimilarityScore,
				SimilarRuns:     res.SimilarRuns,
			},
		}, nil
	}

	reasonAdded := summary.ReasonAdded
	if reasonAdded == "" {
		reasonAdded = "• Added to memory"
	}

	createdAt := payload.GetCreatedAt()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	run := model.Run{
		ID:          payload.RunID,
		AgentID:     payload.AgentID,
		UserID:      userID,
		TaskID:      taskID,
		Summary:     summary.Text,
		ReasonAdded: reasonAdded,
		Embedding:   &summaryVec,
		RunTree:     marshalTree(tree),
		Outcome:     outcome,
		Status:      model.RunStatusActive,
		CreatedAt:   createdAt,
	}

	params := storage.CreateRunParams{Run: run, Refs: refs, Artifacts: artifacts}
	if decision.Decision == model.DecisionReplace && decision.TargetRunID != nil {
		params.SupersedeRunID = decision.TargetRunID
	}

	if err := b.store.CreateRun(ctx, params); err != nil {
		return IngestOutcome{}, fmt.Errorf("memory: create run: %w", err)
	}

	b.mirrorToIndex(ctx, run, params.SupersedeRunID)

	b.logger.Info("run admitted",
		"run_id", run.ID, "decision", decision.Decision,
		"references", len(refs), "artifacts", len(artifacts))

	return IngestOutcome{
		Admitted: true,
		Ingest: model.IngestResult{
			Decision:        decision.Decision,
			RunID:           run.ID,
			TaskID:          taskID,
			ReferencesCount: len(refs),
			ArtifactsCount:  len(artifacts),
			TargetRunID:     decision.TargetRunID,
			Reason:          decision.Reason,
			Summary:         summary.Text,
			ReasonAdded:     reasonAdded,
		},
	}, nil
}

// resolveTask reuses an existing task whose embedding clears the similarity
// threshold, otherwise creates a new content-derived task node.
func (b *Builder) resolveTask(ctx context.Context, text string, vec pgvector.Vector) (string, error) {
	existing, err := b.store.ListTaskEmbeddings(ctx)
	if err != nil {
		return "", fmt.Errorf("memory: list task embeddings: %w", err)
	}

	query := vec.Slice()
	bestID := ""
	bestScore := 0.0
	for _, te := range existing {
		candidate := te.Embedding.Slice()
		if len(candidate) != len(query) {
			continue
		}
		if score := search.CosineSimilarity(query, candidate); score > bestScore {
			bestScore = score
			bestID = te.TaskID
		}
	}
	if bestID != "" && bestScore >= b.cfg.TaskSimilarityThreshold {
		b.logger.Debug("reusing existing task", "task_id", bestID, "similarity", bestScore)
		return bestID, nil
	}

	taskID := "task_" + shortHash(text)
	if err := b.store.CreateTask(ctx, model.Task{ID: taskID, Text: text, Embedding: vec}); err != nil {
		return "", fmt.Errorf("memory: create task: %w", err)
	}
	return taskID, nil
}

// mirrorToIndex is best-effort: index failures never fail ingestion because
// Postgres remains the source of truth.
func (b *Builder) mirrorToIndex(ctx context.Context, run model.Run, superseded *string) {
	if b.index == nil {
		return
	}

	point := search.RunPoint{
		RunID:     run.ID,
		AgentID:   run.AgentID,
		Status:    string(run.Status),
		Outcome:   string(run.Outcome),
		Embedding: run.Embedding.Slice(),
	}
	if run.UserID != nil {
		point.UserID = *run.UserID
	}
	if err := b.index.Upsert(ctx, point); err != nil {
		b.logger.Warn("vector index upsert failed", "run_id", run.ID, "error", err)
	}
	if superseded != nil {
		if err := b.index.SetRunStatus(ctx, *superseded, string(model.RunStatusSuperseded)); err != nil {
			b.logger.Warn("vector index status update failed", "run_id", *superseded, "error", err)
		}
	}
}

func marshalTree(tree map[string]any) []byte {
	raw, err := json.Marshal(tree)
	if err != nil {
		return []byte("{}")
	}
	return raw
}
