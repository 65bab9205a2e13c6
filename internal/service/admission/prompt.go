package admission

import (
	"fmt"
	"strings"

	"github.com/kioku-ai/kioku/internal/model"
)

const judgeSystemPrompt = `You are the admission judge for an agent memory system.
Given a new run and its most similar stored runs, decide how memory should change.
Respond with a JSON object: {"decision": "...", "target_run_id": "...", "reason": "..."}.

Decisions:
- ADD: the new run is novel enough to store alongside existing memory.
- NOT: the new run adds nothing over existing memory; do not store it.
- REPLACE: the new run is strictly better than one stored run; set target_run_id to that run.
- MERGE: the new run is complementary to one stored run; set target_run_id.

Use "null" for target_run_id when the decision is ADD or NOT.`

// maxPromptCandidates bounds how many neighbors the judge sees. The scan
// keeps top-k for the audit trail; the prompt stays compact.
const maxPromptCandidates = 2

// buildJudgePrompt renders the new run and its nearest neighbors.
func buildJudgePrompt(in Input, similar []model.SimilarRun) string {
	var b strings.Builder

	b.WriteString("New run:\n")
	fmt.Fprintf(&b, "  task: %s\n", in.TaskText)
	fmt.Fprintf(&b, "  summary: %s\n", in.Summary)
	if in.Outcome != "" {
		fmt.Fprintf(&b, "  outcome: %s\n", in.Outcome)
	}
	fmt.Fprintf(&b, "  references: %d, artifacts: %d\n", in.RefsCount, in.ArtifactsCount)

	b.WriteString("\nSimilar stored runs (most similar first):\n")
	for i, s := range similar {
		if i == maxPromptCandidates {
			break
		}
		fmt.Fprintf(&b, "%d. run_id: %s, outcome: %s, similarity: %.2f\n",
			i+1, runIDPrefix(s.RunID), s.Outcome, s.Similarity)
	}

	b.WriteString("\nFor REPLACE or MERGE, target_run_id must be a listed run_id.\n")
	b.WriteString("Decide ADD, NOT, REPLACE or MERGE.")
	return b.String()
}

// runIDPrefix shortens long run ids for the prompt; the post-validation step
// resolves any unknown target back to the top candidate.
func runIDPrefix(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
