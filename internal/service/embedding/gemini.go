package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiProvider generates embeddings using the Gemini API.
// Gemini embedding models emit 768-dimension vectors.
type GeminiProvider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	dimensions int
}

// NewGeminiProvider creates a provider that calls Gemini's embedContent API.
func NewGeminiProvider(apiKey, model string, dimensions int) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embedding: gemini api key is required")
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("embedding: dimensions must be positive, got %d", dimensions)
	}
	return &GeminiProvider{
		apiKey:     apiKey,
		model:      normalizeGeminiModel(model),
		baseURL:    geminiBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dimensions: dimensions,
	}, nil
}

// SetBaseURL overrides the API endpoint, for proxies and tests.
func (p *GeminiProvider) SetBaseURL(u string) {
	p.baseURL = strings.TrimRight(u, "/")
}

// normalizeGeminiModel ensures the "models/" prefix the API requires.
func normalizeGeminiModel(model string) string {
	if strings.HasPrefix(model, "models/") {
		return model
	}
	return "models/" + model
}

// Dimensions returns the model's native vector size.
func (p *GeminiProvider) Dimensions() int {
	return p.dimensions
}

type geminiEmbedRequest struct {
	Content geminiContent `json:"content"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiEmbedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Embed generates a single embedding vector from text.
func (p *GeminiProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return pgvector.Vector{}, ErrEmptyInput
	}

	reqBody, err := json.Marshal(geminiEmbedRequest{
		Content: geminiContent{Parts: []geminiPart{{Text: text}}},
	})
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/%s:embedContent?key=%s", p.baseURL, p.model, p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding: read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return pgvector.Vector{}, fmt.Errorf("%w: gemini status 429", ErrProviderBusy)
	}

	var result geminiEmbedResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding: unmarshal response: %w", err)
	}
	if result.Error != nil {
		if result.Error.Code == 429 || strings.Contains(strings.ToLower(result.Error.Message), "quota") {
			return pgvector.Vector{}, fmt.Errorf("%w: %s", ErrProviderBusy, result.Error.Message)
		}
		return pgvector.Vector{}, fmt.Errorf("embedding: gemini error: %s: %s", result.Error.Status, result.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return pgvector.Vector{}, fmt.Errorf("embedding: unexpected status %d: %s", resp.StatusCode, string(body))
	}
	if len(result.Embedding.Values) == 0 {
		return pgvector.Vector{}, fmt.Errorf("embedding: gemini returned no values")
	}

	return pgvector.NewVector(result.Embedding.Values), nil
}

// EmbedBatch generates embeddings one call per text; the Gemini REST API
// has no input-ordered batch form for embedContent.
func (p *GeminiProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	return vecs, nil
}
