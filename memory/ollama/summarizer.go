package ollama

import (
	"context"
	"fmt"
	"strings"

	"github.com/ollama/ollama/api"
)

const DefaultSummaryModel = "llama3.2:3b"

// Summarizer condenses short-term fragments with a local Ollama model. It
// satisfies memory.Summarizer.
type Summarizer struct {
	client *api.Client
	model  string
}

// NewSummarizer creates a new Ollama summarizer with the specified model.
func NewSummarizer(host, model string) (*Summarizer, error) {
	if model == "" {
		model = DefaultSummaryModel
	}
	cli, err := NewClient(host)
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama client: %w", err)
	}
	return &Summarizer{
		client: cli,
		model:  model,
	}, nil
}

const summarySystemPrompt = `You condense fragments of a conversation into a short memory.

Rules:
- One or two plain sentences
- Keep names, preferences, decisions and facts
- No markdown, no lists`

// Summarize condenses texts into one summary.
func (s *Summarizer) Summarize(ctx context.Context, texts []string) (string, error) {
	if len(texts) == 0 {
		return "", nil
	}

	var responseBuilder strings.Builder
	stream := false
	req := &api.GenerateRequest{
		Model:  s.model,
		Prompt: "Summarize these conversation fragments:\n\n" + strings.Join(texts, "\n"),
		System: summarySystemPrompt,
		Stream: &stream,
		Options: map[string]any{
			"temperature": 0.3,
		},
	}

	err := s.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		responseBuilder.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate summary: %w", err)
	}

	summary := strings.TrimSpace(responseBuilder.String())
	if summary == "" {
		return "", fmt.Errorf("received empty summary from model")
	}
	return summary, nil
}
