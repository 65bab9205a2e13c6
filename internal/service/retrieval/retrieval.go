// Package retrieval implements semantic search over stored runs: cosine
// ranking within the caller's partition, neighborhood expansion of the
// survivors, observation synthesis and a confidence score.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/search"
	"github.com/kioku-ai/kioku/internal/service/embedding"
)

// Store is the storage surface the engine needs.
type Store interface {
	ScanRunEmbeddings(ctx context.Context, p model.Partition) ([]model.RunEmbedding, error)
	GetRunContext(ctx context.Context, runID string) (model.RunContext, error)
	ListRuns(ctx context.Context, p model.Partition, limit int) ([]model.Run, error)
}

// Index is an optional vector index over run embeddings. A nil Index means
// candidates always come from the in-process Postgres scan.
type Index interface {
	Search(ctx context.Context, p model.Partition, embedding []float32, limit int) ([]search.Result, error)
	Healthy(ctx context.Context) error
}

// Engine answers retrieve and retrieve_all queries.
type Engine struct {
	store    Store
	embedder embedding.Provider
	index    Index
	logger   *slog.Logger
}

func NewEngine(store Store, embedder embedding.Provider, index Index, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, embedder: embedder, index: index, logger: logger}
}

// Retrieve embeds the query (context when given, task text otherwise), ranks
// the partition's active runs by cosine similarity and expands the top-k.
func (e *Engine) Retrieve(ctx context.Context, req model.RetrievalRequest) (model.RetrievalResponse, error) {
	queryText := req.Context
	if queryText == "" {
		queryText = req.TaskText
	}

	queryVec, err := e.embedder.Embed(ctx, queryText)
	if err != nil {
		return model.RetrievalResponse{}, fmt.Errorf("retrieval: embed query: %w", err)
	}
	query := queryVec.Slice()

	topK := req.TopK
	if topK <= 0 {
		topK = model.DefaultTopK
	}

	partition := model.Partition{UserID: req.UserID, AgentID: req.AgentID}
	ranked, err := e.rankCandidates(ctx, partition, query, topK)
	if err != nil {
		return model.RetrievalResponse{}, err
	}

	// Expand survivors in parallel; each expansion is an independent read.
	related := make([]model.RelatedRun, len(ranked))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range ranked {
		g.Go(func() error {
			rc, err := e.store.GetRunContext(gctx, s.runID)
			if err != nil {
				return fmt.Errorf("retrieval: expand run %s: %w", s.runID, err)
			}
			related[i] = model.RelatedRun{
				RunID:           rc.RunID,
				UserID:          rc.UserID,
				AgentID:         rc.AgentID,
				Summary:         rc.Summary,
				ReasonAdded:     rc.ReasonAdded,
				Outcome:         rc.Outcome,
				SimilarityScore: round2(s.score),
				RunTree:         rc.RunTree,
				References:      rc.References,
				Artifacts:       rc.Artifacts,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.RetrievalResponse{}, err
	}

	scores := make([]float64, len(ranked))
	for i, s := range ranked {
		scores[i] = s.score
	}

	return model.RetrievalResponse{
		Observations:   synthesizeObservations(related, scores),
		RelatedRuns:    related,
		Confidence:     confidence(related, scores),
		QueryEmbedding: query,
	}, nil
}

type scoredRun struct {
	runID string
	score float64
}

// rankCandidates ranks the partition's active runs against the query vector,
// keeping at most topK. When a vector index is wired and healthy it answers
// the query; any index failure falls back to the in-process scan, so Postgres
// stays the source of truth either way.
func (e *Engine) rankCandidates(ctx context.Context, p model.Partition, query []float32, topK int) ([]scoredRun, error) {
	if e.index != nil && e.index.Healthy(ctx) == nil {
		results, err := e.index.Search(ctx, p, query, topK)
		if err == nil {
			ranked := make([]scoredRun, len(results))
			for i, res := range results {
				ranked[i] = scoredRun{runID: res.RunID, score: float64(res.Score)}
			}
			return ranked, nil
		}
		e.logger.Warn("vector index query failed, falling back to scan", "error", err)
	}

	embeddings, err := e.store.ScanRunEmbeddings(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("retrieval: scan runs: %w", err)
	}

	var ranked []scoredRun
	for _, re := range embeddings {
		vec := re.Embedding.Slice()
		if len(vec) != len(query) {
			continue
		}
		ranked = append(ranked, scoredRun{runID: re.RunID, score: search.CosineSimilarity(query, vec)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked, nil
}

// synthesizeObservations builds the human-readable pattern notes.
func synthesizeObservations(related []model.RelatedRun, scores []float64) []string {
	if len(related) == 0 {
		return []string{"No similar runs found in memory."}
	}

	var obs []string

	successes, failures := 0, 0
	for _, r := range related {
		switch r.Outcome {
		case string(model.OutcomeSuccess):
			successes++
		case string(model.OutcomeFailure):
			failures++
		}
	}
	if successes > 0 {
		obs = append(obs, fmt.Sprintf("Found %d successful similar run(s). Review their approaches for reference.", successes))
	}
	if failures > 0 {
		obs = append(obs, fmt.Sprintf("Found %d failed similar run(s). Be aware of potential pitfalls.", failures))
	}

	if types := collectTypes(related, func(r model.RelatedRun) []string {
		out := make([]string, len(r.References))
		for i, ref := range r.References {
			out[i] = ref.Type
		}
		return out
	}); len(types) > 0 {
		obs = append(obs, fmt.Sprintf("Similar runs typically reference: %s", joinSorted(types)))
	}

	if types := collectTypes(related, func(r model.RelatedRun) []string {
		out := make([]string, len(r.Artifacts))
		for i, art := range r.Artifacts {
			out[i] = art.Type
		}
		return out
	}); len(types) > 0 {
		obs = append(obs, fmt.Sprintf("Similar runs typically produce: %s", joinSorted(types)))
	}

	high := 0
	for _, s := range scores {
		if s > 0.9 {
			high++
		}
	}
	if high > 0 {
		obs = append(obs, fmt.Sprintf("%d similar run(s) exceed 0.9 similarity to this task.", high))
	}

	if len(obs) == 0 {
		obs = []string{"No similar runs found in memory."}
	}
	return obs
}

func collectTypes(related []model.RelatedRun, pick func(model.RelatedRun) []string) map[string]bool {
	set := make(map[string]bool)
	for _, r := range related {
		for _, t := range pick(r) {
			if t != "" {
				set[t] = true
			}
		}
	}
	return set
}

func joinSorted(set map[string]bool) string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ", "
		}
		out += k
	}
	return out
}

// confidence scores how much weight the caller should give the result set:
// result count, mean similarity and outcome consistency.
func confidence(related []model.RelatedRun, scores []float64) float64 {
	if len(related) == 0 {
		return 0
	}

	countTerm := math.Min(float64(len(related))/5.0, 1.0)

	var sum float64
	for _, s := range scores {
		sum += s
	}
	meanSim := sum / float64(len(scores))

	consistency := 0.7
	uniform := true
	for _, r := range related[1:] {
		if r.Outcome != related[0].Outcome {
			uniform = false
			break
		}
	}
	if uniform {
		consistency = 1.0
	}

	return round2(0.3*countTerm + 0.5*meanSim + 0.2*consistency)
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// RetrieveAll lists the partition's runs newest first with full expansion,
// without similarity ranking.
func (e *Engine) RetrieveAll(ctx context.Context, userID, agentID string, limit int) (model.RetrieveAllResponse, error) {
	partition := model.Partition{UserID: userID, AgentID: agentID}
	runs, err := e.store.ListRuns(ctx, partition, limit)
	if err != nil {
		return model.RetrieveAllResponse{}, fmt.Errorf("retrieval: list runs: %w", err)
	}

	details := make([]model.RunDetail, len(runs))
	g, gctx := errgroup.WithContext(ctx)
	for i, run := range runs {
		g.Go(func() error {
			rc, err := e.store.GetRunContext(gctx, run.ID)
			if err != nil {
				return fmt.Errorf("retrieval: expand run %s: %w", run.ID, err)
			}
			details[i] = model.RunDetail{
				RunID:       rc.RunID,
				UserID:      rc.UserID,
				AgentID:     rc.AgentID,
				Summary:     rc.Summary,
				ReasonAdded: rc.ReasonAdded,
				Outcome:     rc.Outcome,
				RunTree:     rc.RunTree,
				References:  rc.References,
				Artifacts:   rc.Artifacts,
				CreatedAt:   rc.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.RetrieveAllResponse{}, err
	}

	return model.RetrieveAllResponse{Runs: details, TotalCount: len(details)}, nil
}
