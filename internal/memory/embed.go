package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Embedder turns texts into vectors. Implementations may be unavailable
// (nil client, dead endpoint); retrieval then falls back to the FTS index.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// HTTPEmbedder calls an OpenAI-compatible embeddings endpoint served by the
// external embedding process.
type HTTPEmbedder struct {
	endpoint string
	model    string
	httpc    *http.Client
}

// NewHTTPEmbedder builds an embedder against endpoint (e.g.
// http://127.0.0.1:8422/v1/embeddings) using the given model name.
func NewHTTPEmbedder(endpoint, model string) *HTTPEmbedder {
	return &HTTPEmbedder{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		httpc:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Embed requests embeddings for all texts in one call.
func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(map[string]any{
		"model": e.model,
		"input": texts,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding endpoint returned %d", resp.StatusCode)
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("parse embedding response: %w", err)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(result.Data), len(texts))
	}

	out := make([][]float32, len(result.Data))
	for i, d := range result.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// embedOne is a convenience wrapper returning a single vector, or nil when
// the embedder is absent or fails.
func embedOne(ctx context.Context, e Embedder, text string) []float32 {
	if e == nil {
		return nil
	}
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil || len(vecs) == 0 {
		return nil
	}
	return vecs[0]
}
