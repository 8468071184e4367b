// Package embedding defines the external embedding provider used by the
// recommendation synthesizer. Embeddings are used solely for deduplication
// similarity; the engine never ranks or trains on them.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Dimensions is the expected embedding vector size.
const Dimensions = 1536

// DependencyTimeoutError is returned when the provider is unavailable or too
// slow. The caller persists the candidate recommendation anyway and flags it
// dedup_skipped rather than failing the batch.
type DependencyTimeoutError struct {
	Provider string
	Err      error
}

func (e *DependencyTimeoutError) Error() string {
	return fmt.Sprintf("embedding provider %s unavailable: %v", e.Provider, e.Err)
}

func (e *DependencyTimeoutError) Unwrap() error {
	return e.Err
}

// Provider produces a fixed-size embedding vector for a piece of text.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// HTTPProvider calls an OpenAI-compatible embeddings endpoint. The HTTP
// client carries a hard timeout so a slow provider can never stall a sweep.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewHTTPProvider creates a provider against an OpenAI-compatible API
func NewHTTPProvider(baseURL, apiKey, model string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

type embeddingRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed requests an embedding for the given text
func (p *HTTPProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	payload, err := json.Marshal(embeddingRequest{Input: text, Model: p.model})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &DependencyTimeoutError{Provider: p.baseURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &DependencyTimeoutError{
			Provider: p.baseURL,
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, string(body)),
		}
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, errors.New("embedding response contained no data")
	}
	return parsed.Data[0].Embedding, nil
}
