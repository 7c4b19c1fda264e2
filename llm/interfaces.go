package llm

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	ctxpkg "github.com/tayler-id/telly-chat/context"
)

// Client completes a chat request.
type Client interface {
	Synchronous(ctx context.Context, req *Request) (*Response, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req *Request) (*Response, error)

func (f ClientFunc) Synchronous(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Middleware decorates a Client.
type Middleware func(next Client) Client

// Chain applies middleware so that the first one listed sees the call first.
func Chain(client Client, middleware ...Middleware) Client {
	for i := len(middleware) - 1; i >= 0; i-- {
		client = middleware[i](client)
	}
	return client
}

// WithLogging logs each call with its latency, token usage and failure class.
func WithLogging(logger zerolog.Logger) Middleware {
	logger = logger.With().Str("component", "llm").Logger()
	return func(next Client) Client {
		return ClientFunc(func(ctx context.Context, req *Request) (*Response, error) {
			start := time.Now()
			resp, err := next.Synchronous(ctx, req)
			if err != nil {
				logger.Warn().Err(err).
					Str("model", req.Model).
					Str("session_id", ctxpkg.SessionID(ctx)).
					Str("error_type", string(ErrorTypeOf(err))).
					Bool("retryable", IsRetryableError(err)).
					Msg("LLM request failed")
				return nil, err
			}
			logger.Debug().
				Str("model", req.Model).
				Str("session_id", ctxpkg.SessionID(ctx)).
				Int("messages", len(req.Messages)).
				Int64("input_tokens", resp.InputTokens).
				Int64("output_tokens", resp.OutputTokens).
				Str("stop_reason", resp.StopReason).
				Dur("took", time.Since(start)).
				Msg("LLM response")
			return resp, nil
		})
	}
}
