package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"

	"github.com/tayler-id/telly-chat/memory"
)

const embedRetries = 3

// Embedder embeds text with the OpenAI embeddings endpoint (or a compatible
// server reached through BaseURL).
type Embedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

var _ memory.Embedder = (*Embedder)(nil)

// NewEmbedder creates an embedder. model defaults to text-embedding-3-small.
func NewEmbedder(apiKey, baseURL, model string) (*Embedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	m := openai.SmallEmbedding3
	if model != "" {
		m = openai.EmbeddingModel(model)
	}
	return &Embedder{client: openai.NewClientWithConfig(cfg), model: m}, nil
}

// Embed retries rate limits and server errors a few times before giving up.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp openai.EmbeddingResponse
	op := func() error {
		var err error
		resp, err = e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: e.model,
		})
		if err == nil {
			return nil
		}
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			err = fmt.Errorf("openai embeddings (status %d): %w", apiErr.HTTPStatusCode, err)
			if apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500 {
				return err
			}
		}
		return backoff.Permanent(fmt.Errorf("openai embeddings: %w", err))
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 250 * time.Millisecond
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(eb, embedRetries), ctx)); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai returned no embeddings")
	}
	return resp.Data[0].Embedding, nil
}
