// Package admission implements the two-stage gate that decides whether an
// incoming run enters memory: a deterministic similarity pre-filter over the
// partition's active runs, then an LLM judge for the ambiguous band.
package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/search"
	"github.com/kioku-ai/kioku/internal/service/llm"
)

// Store is the storage surface the decision layer needs.
type Store interface {
	ScanRunEmbeddings(ctx context.Context, p model.Partition) ([]model.RunEmbedding, error)
	GetRunContext(ctx context.Context, runID string) (model.RunContext, error)
	PutMemoryDecision(ctx context.Context, d model.MemoryDecision) error
}

// Config tunes the gate thresholds.
type Config struct {
	// LowSimilarityThreshold is the floor below which runs are admitted
	// without consulting the judge.
	LowSimilarityThreshold float64
	// TopK is how many nearest runs are shown to the judge.
	TopK int
	// Timeout bounds the judge call.
	Timeout time.Duration
}

// Gate evaluates incoming runs against existing memory.
type Gate struct {
	store    Store
	provider llm.Provider
	cfg      Config
	logger   *slog.Logger
}

func NewGate(store Store, provider llm.Provider, cfg Config, logger *slog.Logger) *Gate {
	if cfg.LowSimilarityThreshold <= 0 {
		cfg.LowSimilarityThreshold = 0.70
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: store, provider: provider, cfg: cfg, logger: logger}
}

// Input describes the candidate run being judged.
type Input struct {
	RunID          string
	TaskText       string
	Summary        string
	Outcome        string
	Embedding      []float32
	Partition      model.Partition
	RefsCount      int
	ArtifactsCount int
}

// Result is the gate's verdict plus the evidence behind it.
type Result struct {
	Decision model.MemoryDecision
	// SimilarRuns are the judged neighbors, most similar first. Populated
	// only when the pre-filter found comparable candidates.
	SimilarRuns []model.SimilarRun
}

const defaultErrorReason = "Error in LLM decision; defaulting to ADD"

// Decide runs the gate for one incoming run and records the decision.
// Judge failures never block ingestion: any error past the pre-filter
// resolves to ADD.
func (g *Gate) Decide(ctx context.Context, in Input) (Result, error) {
	candidates, err := g.rankCandidates(ctx, in)
	if err != nil {
		return Result{}, err
	}

	res := g.judge(ctx, in, candidates)
	res.Decision.RunID = in.RunID
	res.Decision.Timestamp = time.Now().UTC()

	if err := g.store.PutMemoryDecision(ctx, res.Decision); err != nil {
		return Result{}, fmt.Errorf("admission: record decision: %w", err)
	}
	return res, nil
}

type scored struct {
	model.RunEmbedding
	score float64
}

// rankCandidates scans the partition and returns the top-k comparable runs
// by cosine similarity. Runs embedded under a different dimension are
// skipped, not scored zero.
func (g *Gate) rankCandidates(ctx context.Context, in Input) ([]scored, error) {
	embeddings, err := g.store.ScanRunEmbeddings(ctx, in.Partition)
	if err != nil {
		return nil, fmt.Errorf("admission: scan run embeddings: %w", err)
	}

	var ranked []scored
	for _, re := range embeddings {
		vec := re.Embedding.Slice()
		if len(vec) != len(in.Embedding) {
			g.logger.Debug("skipping run with mismatched embedding dimension",
				"run_id", re.RunID, "have", len(vec), "want", len(in.Embedding))
			continue
		}
		ranked = append(ranked, scored{RunEmbedding: re, score: search.CosineSimilarity(in.Embedding, vec)})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > g.cfg.TopK {
		ranked = ranked[:g.cfg.TopK]
	}
	return ranked, nil
}

// judge applies the deterministic pre-filter, then the LLM for the band
// above the low threshold.
func (g *Gate) judge(ctx context.Context, in Input, candidates []scored) Result {
	if len(candidates) == 0 {
		return Result{Decision: model.MemoryDecision{
			Decision: model.DecisionAdd,
			Reason:   "No similar runs found in memory",
		}}
	}

	best := candidates[0].score
	similar := g.expandCandidates(ctx, candidates)

	if best < g.cfg.LowSimilarityThreshold {
		return Result{
			Decision: model.MemoryDecision{
				Decision:        model.DecisionAdd,
				Reason:          fmt.Sprintf("Low similarity (%.2f) to existing runs", best),
				SimilarityScore: &best,
			},
			SimilarRuns: similar,
		}
	}

	d := g.askJudge(ctx, in, similar)
	d.SimilarityScore = &best
	d = postValidate(d, similar)
	return Result{Decision: d, SimilarRuns: similar}
}

// expandCandidates loads summaries, outcomes, refs and artifacts for the
// judged neighbors. A candidate whose context cannot be loaded degrades to
// its summary alone.
func (g *Gate) expandCandidates(ctx context.Context, candidates []scored) []model.SimilarRun {
	out := make([]model.SimilarRun, 0, len(candidates))
	for _, c := range candidates {
		sr := model.SimilarRun{
			RunID:      c.RunID,
			Summary:    c.Summary,
			Similarity: c.score,
		}
		rc, err := g.store.GetRunContext(ctx, c.RunID)
		if err != nil {
			g.logger.Warn("could not expand similar run", "run_id", c.RunID, "error", err)
		} else {
			sr.Outcome = rc.Outcome
			sr.References = rc.References
			sr.Artifacts = rc.Artifacts
		}
		out = append(out, sr)
	}
	return out
}

// judgeVerdict is the JSON shape the judge is asked for.
type judgeVerdict struct {
	Decision    string `json:"decision"`
	TargetRunID string `json:"target_run_id"`
	Reason      string `json:"reason"`
}

var decisionRescue = regexp.MustCompile(`"decision"\s*:\s*"(ADD|NOT|REPLACE|MERGE)"`)

// askJudge calls the LLM and parses its verdict, falling back to ADD on any
// provider or parse failure. This is the single fail-open site.
func (g *Gate) askJudge(ctx context.Context, in Input, similar []model.SimilarRun) model.MemoryDecision {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	comp, err := g.provider.Complete(ctx, llm.CompletionRequest{
		System:      judgeSystemPrompt,
		Prompt:      buildJudgePrompt(in, similar),
		Temperature: 0.1,
		MaxTokens:   300,
		ForceJSON:   true,
	})
	if err != nil {
		g.logger.Warn("judge call failed, defaulting to ADD", "error", err, "run_id", in.RunID)
		return model.MemoryDecision{Decision: model.DecisionAdd, Reason: defaultErrorReason}
	}

	verdict, ok := parseVerdict(comp.Text, g.logger)
	if !ok {
		return model.MemoryDecision{Decision: model.DecisionAdd, Reason: defaultErrorReason}
	}

	d := model.MemoryDecision{
		Decision: model.DecisionKind(strings.ToUpper(strings.TrimSpace(verdict.Decision))),
		Reason:   strings.TrimSpace(verdict.Reason),
	}
	if t := normalizeTarget(verdict.TargetRunID); t != "" {
		d.TargetRunID = &t
	}
	return d
}

// parseVerdict recovers the verdict from raw judge output, trying strict
// JSON, balanced-brace extraction, then a regex rescue on the decision key.
func parseVerdict(raw string, logger *slog.Logger) (judgeVerdict, bool) {
	obj, path, err := llm.ExtractObject(raw)
	if err == nil {
		var v judgeVerdict
		if uerr := json.Unmarshal(obj, &v); uerr == nil {
			if path != llm.RepairStrict {
				logger.Debug("judge verdict recovered", "path", string(path))
			}
			return v, true
		}
	}

	if m := decisionRescue.FindStringSubmatch(raw); m != nil {
		logger.Debug("judge verdict recovered", "path", "regex")
		return judgeVerdict{Decision: m[1], Reason: "Recovered from malformed judge output"}, true
	}

	logger.Warn("judge output unparseable", "output", truncateForLog(raw))
	return judgeVerdict{}, false
}

// postValidate normalizes the judge's verdict. Unknown decisions become ADD;
// REPLACE and MERGE without a usable target fall back to the most similar
// run, or to ADD when there is none.
func postValidate(d model.MemoryDecision, similar []model.SimilarRun) model.MemoryDecision {
	if !model.ValidDecision(d.Decision) {
		d.Decision = model.DecisionAdd
		if d.Reason == "" {
			d.Reason = defaultErrorReason
		}
		d.TargetRunID = nil
		return d
	}

	if d.Decision == model.DecisionReplace || d.Decision == model.DecisionMerge {
		var resolved string
		if d.TargetRunID != nil {
			resolved = resolveTarget(*d.TargetRunID, similar)
		}
		switch {
		case resolved != "":
			d.TargetRunID = &resolved
		case len(similar) > 0:
			d.TargetRunID = &similar[0].RunID
		default:
			d.Decision = model.DecisionAdd
			d.TargetRunID = nil
		}
	} else {
		d.TargetRunID = nil
	}

	if d.Reason == "" {
		d.Reason = fmt.Sprintf("Judge decided %s", d.Decision)
	}
	return d
}

// resolveTarget maps a judge-provided target to a known candidate. The
// prompt shows shortened ids, so a prefix of a candidate id also resolves.
func resolveTarget(id string, similar []model.SimilarRun) string {
	for _, s := range similar {
		if s.RunID == id || (len(id) >= 8 && strings.HasPrefix(s.RunID, id)) {
			return s.RunID
		}
	}
	return ""
}

// normalizeTarget treats the literal strings a judge emits for "no target"
// as absent.
func normalizeTarget(t string) string {
	t = strings.TrimSpace(t)
	if strings.EqualFold(t, "null") || strings.EqualFold(t, "none") {
		return ""
	}
	return t
}

func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
