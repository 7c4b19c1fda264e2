// Package llm is a provider-neutral text completion layer.
//
// The memory core treats the language model as an opaque completion service:
// a Client takes a system prompt plus a list of messages and returns text.
// Provider packages (anthropic, openai, ollama) translate to and from their
// SDKs and map provider failures onto *Error so that callers can decide
// whether to retry.
//
// Cross-cutting behaviour is layered on with Chain (decorators such as
// WithLogging) and NewRetryClient (exponential backoff on retryable errors):
//
//	client := llm.NewRetryClient(
//	    llm.Chain(base, llm.WithLogging(logger)),
//	    llm.RetryConfig{MaxRetries: 5},
//	    logger,
//	)
//
//	resp, err := client.Synchronous(ctx, &llm.Request{
//	    Model:    "claude-sonnet-4-5",
//	    System:   memory.SystemPrompt(false),
//	    Messages: []llm.Message{llm.UserMessage("Hello!")},
//	})
//
// Summarizer adapts a Client to memory.Summarizer for short-term consolidation.
package llm
