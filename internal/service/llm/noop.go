package llm

import (
	"context"
	"sync"
)

// NoopProvider returns an empty JSON object for every request. Callers fall
// through to their deterministic defaults, which makes the server usable
// without any LLM credentials.
type NoopProvider struct{}

func (NoopProvider) Name() string { return "noop" }

func (NoopProvider) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	return Completion{Text: "{}"}, nil
}

// ScriptedProvider replays a fixed sequence of completions. Once the script
// is exhausted it keeps returning the last entry.
type ScriptedProvider struct {
	mu      sync.Mutex
	script  []Completion
	errs    []error
	pos     int
	Calls   []CompletionRequest
}

// NewScriptedProvider builds a provider that returns the given texts in order.
func NewScriptedProvider(texts ...string) *ScriptedProvider {
	p := &ScriptedProvider{}
	for _, t := range texts {
		p.script = append(p.script, Completion{Text: t})
		p.errs = append(p.errs, nil)
	}
	return p
}

// AddError appends a failing step to the script.
func (p *ScriptedProvider) AddError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, Completion{})
	p.errs = append(p.errs, err)
}

func (p *ScriptedProvider) Name() string { return "scripted" }

func (p *ScriptedProvider) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, req)
	if len(p.script) == 0 {
		return Completion{}, ErrEmptyCompletion
	}
	i := p.pos
	if i >= len(p.script) {
		i = len(p.script) - 1
	}
	p.pos++
	return p.script[i], p.errs[i]
}
