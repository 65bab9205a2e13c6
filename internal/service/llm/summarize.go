package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

const summarizeSystemPrompt = `You summarize agent execution runs for a memory system.
Respond with a JSON object: {"summary": "...", "why_added": ["...", "..."]}.
The summary is 2-4 sentences describing what the agent did, how, and the outcome.
why_added is 2-4 short bullet strings explaining why this run is worth remembering.`

const maxRunTreeChars = 6000

// Summary is the output of run summarization.
type Summary struct {
	Text        string
	ReasonAdded string
}

// Summarizer turns a run tree into a prose summary plus a bulleted
// reason-added note via the configured provider.
type Summarizer struct {
	provider Provider
	logger   *slog.Logger
}

func NewSummarizer(p Provider, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{provider: p, logger: logger}
}

// SummarizeRun asks the provider for a summary of the run tree. Provider
// errors are returned to the caller; output that is not valid JSON is
// tolerated by treating the raw text as the summary.
func (s *Summarizer) SummarizeRun(ctx context.Context, runTree map[string]any, outcome string) (Summary, error) {
	treeText := formatRunTree(runTree)
	prompt := fmt.Sprintf("Run outcome: %s\n\nRun tree:\n%s", outcome, treeText)

	comp, err := s.provider.Complete(ctx, CompletionRequest{
		System:      summarizeSystemPrompt,
		Prompt:      prompt,
		Temperature: 0.3,
		MaxTokens:   500,
		ForceJSON:   true,
	})
	if err != nil {
		return Summary{}, fmt.Errorf("llm: summarize run: %w", err)
	}

	var parsed struct {
		Summary  string   `json:"summary"`
		WhyAdded []string `json:"why_added"`
	}

	obj, path, perr := ExtractObject(comp.Text)
	if perr == nil {
		if uerr := json.Unmarshal(obj, &parsed); uerr != nil {
			perr = uerr
		}
	}
	if perr != nil {
		s.logger.Warn("summary output not valid JSON, using raw text",
			"provider", s.provider.Name(), "error", perr)
		parsed.Summary = StripFences(comp.Text)
	} else if path != RepairStrict {
		s.logger.Debug("summary JSON recovered", "path", string(path))
	}

	summary := strings.TrimSpace(parsed.Summary)
	if summary == "" {
		summary = fallbackSummary(runTree, outcome)
	}

	bullets := parsed.WhyAdded
	if len(bullets) < 2 {
		bullets = fallbackBullets(summary, outcome)
	}

	return Summary{Text: summary, ReasonAdded: renderBullets(bullets)}, nil
}

// fallbackSummary builds a minimal deterministic summary from the run tree.
func fallbackSummary(runTree map[string]any, outcome string) string {
	steps := 0
	if raw, ok := runTree["steps"].([]any); ok {
		steps = len(raw)
	}
	task, _ := runTree["user_task"].(string)
	if task == "" {
		return fmt.Sprintf("Agent run completed with outcome %s across %d step(s).", outcome, steps)
	}
	return fmt.Sprintf("Agent run for task %q completed with outcome %s across %d step(s).", task, outcome, steps)
}

// fallbackBullets derives two bullets from the summary's first sentence.
func fallbackBullets(summary, outcome string) []string {
	first := summary
	if i := strings.IndexByte(summary, '.'); i > 0 {
		first = summary[:i+1]
	}
	return []string{
		strings.TrimSpace(first),
		"Outcome: " + outcome,
	}
}

func renderBullets(bullets []string) string {
	lines := make([]string, 0, len(bullets))
	for _, b := range bullets {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		lines = append(lines, "• "+b)
	}
	return strings.Join(lines, "\n")
}

// formatRunTree renders the tree as indented JSON, truncated so prompts stay
// bounded for large runs.
func formatRunTree(runTree map[string]any) string {
	raw, err := json.MarshalIndent(runTree, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", runTree)
	}
	s := string(raw)
	if len(s) > maxRunTreeChars {
		s = s[:maxRunTreeChars] + "\n... (truncated)"
	}
	return s
}
