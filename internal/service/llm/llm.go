// Package llm provides chat-completion providers used for run summarization
// and admission decisions. Providers return raw text; callers that expect
// structured output parse it with the tolerant helpers in repair.go.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrEmptyCompletion is returned when a provider responds successfully
	// but with no usable text.
	ErrEmptyCompletion = errors.New("llm: empty completion")

	// ErrProviderBusy is returned on rate-limit or quota responses. Callers
	// may retry after a backoff.
	ErrProviderBusy = errors.New("llm: provider busy")
)

// CompletionRequest describes a single chat completion call.
type CompletionRequest struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	// ForceJSON asks the provider to constrain output to a JSON object
	// where the API supports it. Output is still validated by the caller.
	ForceJSON bool
}

// Completion is the provider's response.
type Completion struct {
	Text string
	// Truncated is set when the provider stopped at the token limit.
	Truncated bool
}

// Provider is a chat completion backend.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
	Name() string
}
