package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/service/embedding"
)

// Extractor mines references (inputs a run consumed) and artifacts (outputs
// it produced) from the run tree. Extracted items carry content-derived ids,
// so re-ingesting the same run yields the same nodes.
type Extractor struct {
	embedder embedding.Provider
	logger   *slog.Logger
}

func NewExtractor(embedder embedding.Provider, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{embedder: embedder, logger: logger}
}

// Extract walks the run tree. The structured steps pass runs first; the
// generic traversal is a fallback used only for a list the steps pass left
// empty. Duplicates by id are coalesced, order preserved.
func (e *Extractor) Extract(ctx context.Context, tree map[string]any) ([]model.Reference, []model.Artifact, error) {
	var (
		refs []refCandidate
		arts []artCandidate
	)

	if steps, ok := tree["steps"].([]any); ok {
		refs, arts = e.extractFromSteps(steps)
	}

	if len(refs) == 0 {
		refs = e.traverseForRefs(tree)
	}
	if len(arts) == 0 {
		arts = e.traverseForArtifacts(tree)
	}

	outRefs, err := e.buildReferences(ctx, refs)
	if err != nil {
		return nil, nil, err
	}
	outArts, err := e.buildArtifacts(ctx, arts)
	if err != nil {
		return nil, nil, err
	}
	return outRefs, outArts, nil
}

type refCandidate struct {
	typ       string
	sourceRef string
	payload   any
}

type artCandidate struct {
	typ     string
	payload any
}

// extractFromSteps applies the structured rules to each entry of the steps
// list.
func (e *Extractor) extractFromSteps(steps []any) ([]refCandidate, []artCandidate) {
	var (
		refs []refCandidate
		arts []artCandidate
	)

	for _, raw := range steps {
		step, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		stepID := asString(step["step_id"])

		stepInput, _ := step["step_input"].(map[string]any)
		stepOutput, _ := step["step_output"].(map[string]any)

		// Structured context objects consumed by the step.
		if inputCtx, ok := stepInput["context"].(map[string]any); ok {
			if emailData, ok := inputCtx["emailData"]; ok {
				refs = append(refs, refCandidate{
					typ:       model.RefTypeAPIResponse,
					sourceRef: fmt.Sprintf("step_%s.emailData", stepID),
					payload:   emailData,
				})
			}
		}

		// Output data carrying an identifier is an upstream API response.
		outData, hasOutData := stepOutput["data"]
		if dataMap, ok := outData.(map[string]any); ok {
			if _, has := dataMap["id"]; has {
				refs = append(refs, refCandidate{
					typ:       model.RefTypeAPIResponse,
					sourceRef: fmt.Sprintf("step_%s.output_data", stepID),
					payload:   dataMap,
				})
			} else if _, has := dataMap["messageId"]; has {
				refs = append(refs, refCandidate{
					typ:       model.RefTypeAPIResponse,
					sourceRef: fmt.Sprintf("step_%s.output_data", stepID),
					payload:   dataMap,
				})
			}
		}

		// LLM steps produce artifacts typed by the step name.
		if asString(step["step_type"]) == "llm_call" && hasOutData && outData != nil {
			arts = append(arts, artCandidate{
				typ:     artifactTypeFromStepName(asString(step["step_name"])),
				payload: outData,
			})
		}

		// Previously generated content fed back into a step.
		for _, key := range []string{"reply", "summary"} {
			if v, ok := stepInput[key]; ok {
				arts = append(arts, artCandidate{typ: model.ArtifactTypeReport, payload: v})
			}
		}
	}

	return refs, arts
}

// artifactTypeFromStepName infers what an llm_call step produced.
func artifactTypeFromStepName(name string) string {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "summary"):
		return model.ArtifactTypeReport
	case strings.Contains(n, "reply"), strings.Contains(n, "generate"):
		return model.ArtifactTypeCode
	case strings.Contains(n, "reasoning"):
		return model.ArtifactTypePlan
	default:
		return model.ArtifactTypeReport
	}
}

// traverseForRefs walks the tree for maps self-describing as references.
// The steps subtree is skipped; the structured pass owns it. A reference's
// source field names where it came from; absent that, the traversal path
// stands in.
func (e *Extractor) traverseForRefs(node any) []refCandidate {
	var out []refCandidate
	walk(node, "", func(m map[string]any, path string) {
		t := asString(m["type"])
		if model.IsReferenceType(t) {
			source := asString(m["source"])
			if source == "" {
				source = path
			}
			out = append(out, refCandidate{typ: t, sourceRef: source, payload: m})
		}
	})
	return out
}

func (e *Extractor) traverseForArtifacts(node any) []artCandidate {
	var out []artCandidate
	walk(node, "", func(m map[string]any, _ string) {
		t := asString(m["type"])
		if model.IsArtifactType(t) {
			out = append(out, artCandidate{typ: t, payload: m})
		}
	})
	return out
}

// walk visits every map in the tree depth-first, skipping the steps key.
// The path accumulates as "key.subkey" for maps and "key[i]" for lists.
func walk(node any, path string, visit func(map[string]any, string)) {
	switch v := node.(type) {
	case map[string]any:
		visit(v, path)
		for key, child := range v {
			if key == "steps" {
				continue
			}
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			walk(child, childPath, visit)
		}
	case []any:
		for i, child := range v {
			walk(child, fmt.Sprintf("%s[%d]", path, i), visit)
		}
	}
}

// buildReferences finalizes candidates: content-hash id, dedup, embedding.
func (e *Extractor) buildReferences(ctx context.Context, candidates []refCandidate) ([]model.Reference, error) {
	seen := make(map[string]bool)
	out := make([]model.Reference, 0, len(candidates))
	for _, c := range candidates {
		canonical, err := canonicalJSON(c.payload)
		if err != nil {
			e.logger.Warn("skipping unserializable reference payload", "source_ref", c.sourceRef, "error", err)
			continue
		}
		id := "ref_" + shortHash(canonical)
		if seen[id] {
			continue
		}
		seen[id] = true

		vec, err := e.embedder.Embed(ctx, embedText(c.typ, canonical))
		if err != nil {
			return nil, fmt.Errorf("memory: embed reference %s: %w", id, err)
		}
		out = append(out, model.Reference{ID: id, Type: c.typ, SourceRef: c.sourceRef, Embedding: vec})
	}
	return out, nil
}

func (e *Extractor) buildArtifacts(ctx context.Context, candidates []artCandidate) ([]model.Artifact, error) {
	seen := make(map[string]bool)
	out := make([]model.Artifact, 0, len(candidates))
	for _, c := range candidates {
		canonical, err := canonicalJSON(c.payload)
		if err != nil {
			e.logger.Warn("skipping unserializable artifact payload", "type", c.typ, "error", err)
			continue
		}
		sum := sha256.Sum256([]byte(canonical))
		full := hex.EncodeToString(sum[:])
		id := "artifact_" + full[:16]
		if seen[id] {
			continue
		}
		seen[id] = true

		vec, err := e.embedder.Embed(ctx, embedText(c.typ, canonical))
		if err != nil {
			return nil, fmt.Errorf("memory: embed artifact %s: %w", id, err)
		}
		out = append(out, model.Artifact{ID: id, Type: c.typ, Hash: full, Embedding: vec})
	}
	return out, nil
}

// canonicalJSON serializes a payload deterministically. Map keys are sorted
// by the encoder, so identical content always hashes identically.
func canonicalJSON(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func shortHash(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:16]
}

// embedText bounds the text sent to the embedding provider.
func embedText(typ, canonical string) string {
	const maxChars = 2000
	if len(canonical) > maxChars {
		canonical = canonical[:maxChars]
	}
	return typ + ": " + canonical
}

// asString renders scalar identifiers from a decoded JSON tree.
func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}
		return fmt.Sprintf("%v", s)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}
