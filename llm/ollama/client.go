package ollama

import (
	"context"
	"errors"
	"fmt"

	"github.com/ollama/ollama/api"

	"github.com/tayler-id/telly-chat/llm"
	memollama "github.com/tayler-id/telly-chat/memory/ollama"
)

// OllamaClient answers chat requests with a local Ollama model.
type OllamaClient struct {
	api   *api.Client
	model string
}

// NewOllamaClient connects to host, or to OLLAMA_HOST when host is empty.
// model is used for requests that do not name one.
func NewOllamaClient(host, model string) (*OllamaClient, error) {
	cli, err := memollama.NewClient(host)
	if err != nil {
		return nil, fmt.Errorf("ollama client: %w", err)
	}
	return &OllamaClient{api: cli, model: model}, nil
}

func (c *OllamaClient) Synchronous(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	model := req.Model
	if model == "" {
		model = c.model
	}
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}

	stream := false
	chat := &api.ChatRequest{
		Model:    model,
		Messages: chatMessages(req),
		Stream:   &stream,
		Options:  map[string]any{},
	}
	if req.MaxTokens > 0 {
		chat.Options["num_predict"] = int(req.MaxTokens)
	}
	if req.Temperature != nil {
		chat.Options["temperature"] = *req.Temperature
	}

	var final api.ChatResponse
	if err := c.api.Chat(ctx, chat, func(r api.ChatResponse) error {
		final = r
		return nil
	}); err != nil {
		return nil, classify(err)
	}
	return &llm.Response{
		Text:         final.Message.Content,
		StopReason:   final.DoneReason,
		InputTokens:  int64(final.PromptEvalCount),
		OutputTokens: int64(final.EvalCount),
	}, nil
}

func chatMessages(req *llm.Request) []api.Message {
	out := make([]api.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, api.Message{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		out = append(out, api.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func classify(err error) error {
	if ctxErr := llm.FromContext(err); ctxErr != nil {
		return ctxErr
	}
	var status api.StatusError
	if errors.As(err, &status) {
		return llm.FromStatus("Ollama", status.StatusCode, status.ErrorMessage, err)
	}
	return llm.NewNetworkError("ollama chat request failed", err)
}

var _ llm.Client = (*OllamaClient)(nil)
