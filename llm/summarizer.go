package llm

import (
	"context"
	"fmt"
	"strings"
)

const summarizerSystem = `You condense fragments of a conversation into a short memory.
Write one or two plain sentences. Keep names, preferences, decisions and facts. No markdown, no lists.`

// Summarizer condenses short-term memory fragments with a completion call.
// It satisfies memory.Summarizer.
type Summarizer struct {
	client    Client
	model     string
	maxTokens int64
}

// NewSummarizer creates a summarizer that calls model through client.
func NewSummarizer(client Client, model string, maxTokens int64) *Summarizer {
	if maxTokens <= 0 {
		maxTokens = 256
	}
	return &Summarizer{client: client, model: model, maxTokens: maxTokens}
}

// Summarize returns a summary of texts.
func (s *Summarizer) Summarize(ctx context.Context, texts []string) (string, error) {
	if len(texts) == 0 {
		return "", nil
	}
	resp, err := s.client.Synchronous(ctx, &Request{
		Model:     s.model,
		System:    summarizerSystem,
		MaxTokens: s.maxTokens,
		Messages: []Message{
			UserMessage("Summarize these conversation fragments:\n\n"+strings.Join(texts, "\n")),
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	summary := strings.TrimSpace(resp.Text)
	if summary == "" {
		return "", fmt.Errorf("received empty summary from model")
	}
	return summary, nil
}
