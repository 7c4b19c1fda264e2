package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/tayler-id/telly-chat/memory"
)

type Model string

const (
	ModelMXBAI      Model = "mxbai-embed-large"
	ModelNomicEmbed Model = "nomic-embed-text"
)

type embedder struct {
	client *api.Client
	model  Model
}

// NewClient returns an Ollama API client for host, or one configured from
// OLLAMA_HOST when host is empty.
func NewClient(host string) (*api.Client, error) {
	if host == "" {
		return api.ClientFromEnvironment()
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	base, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parse ollama host %q: %w", host, err)
	}
	return api.NewClient(base, http.DefaultClient), nil
}

func NewEmbedder(host string, model Model) (memory.Embedder, error) {
	if model == "" {
		model = ModelMXBAI
	}
	cli, err := NewClient(host)
	if err != nil {
		return nil, err
	}
	return &embedder{client: cli, model: model}, nil
}

func (e *embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embed(ctx, &api.EmbedRequest{
		Model: string(e.model),
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("ollama returned no embeddings for model %s", e.model)
	}
	return resp.Embeddings[0], nil
}
