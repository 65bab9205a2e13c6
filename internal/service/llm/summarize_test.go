package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarizeRun(t *testing.T) {
	tree := map[string]any{
		"user_task": "send weekly report",
		"steps":     []any{map[string]any{"step_id": "s1"}},
	}

	t.Run("well formed output", func(t *testing.T) {
		p := NewScriptedProvider(`{"summary":"Agent sent the weekly report. It queried the mailbox first.","why_added":["Shows report workflow","Successful outcome","Reusable query pattern"]}`)
		s := NewSummarizer(p, nil)

		got, err := s.SummarizeRun(context.Background(), tree, "success")
		require.NoError(t, err)
		assert.Contains(t, got.Text, "weekly report")
		assert.Equal(t, "• Shows report workflow\n• Successful outcome\n• Reusable query pattern", got.ReasonAdded)
	})

	t.Run("missing why_added gets fallback bullets", func(t *testing.T) {
		p := NewScriptedProvider(`{"summary":"Agent sent the weekly report. It was fast."}`)
		s := NewSummarizer(p, nil)

		got, err := s.SummarizeRun(context.Background(), tree, "success")
		require.NoError(t, err)
		assert.Equal(t, "• Agent sent the weekly report.\n• Outcome: success", got.ReasonAdded)
	})

	t.Run("non JSON output becomes summary", func(t *testing.T) {
		p := NewScriptedProvider("The agent handled the task well.")
		s := NewSummarizer(p, nil)

		got, err := s.SummarizeRun(context.Background(), tree, "partial")
		require.NoError(t, err)
		assert.Equal(t, "The agent handled the task well.", got.Text)
		assert.Contains(t, got.ReasonAdded, "• Outcome: partial")
	})

	t.Run("empty object gets deterministic fallback", func(t *testing.T) {
		s := NewSummarizer(NoopProvider{}, nil)

		got, err := s.SummarizeRun(context.Background(), tree, "failure")
		require.NoError(t, err)
		assert.Equal(t, `Agent run for task "send weekly report" completed with outcome failure across 1 step(s).`, got.Text)
	})

	t.Run("provider error aborts", func(t *testing.T) {
		p := &ScriptedProvider{}
		p.AddError(ErrProviderBusy)
		s := NewSummarizer(p, nil)

		_, err := s.SummarizeRun(context.Background(), tree, "success")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrProviderBusy))
	})
}
