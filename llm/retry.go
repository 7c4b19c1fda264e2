package llm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxRetries      = 5
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 30 * time.Second
)

// RetryConfig controls NewRetryClient.
type RetryConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// RetryClient retries retryable failures of the wrapped client with
// exponential backoff. A provider retry-after hint raises the next delay.
type RetryClient struct {
	client Client
	cfg    RetryConfig
	logger zerolog.Logger
}

// NewRetryClient wraps client.
func NewRetryClient(client Client, cfg RetryConfig, logger zerolog.Logger) *RetryClient {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultInitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultMaxInterval
	}
	return &RetryClient{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "llmRetry").Logger(),
	}
}

func (c *RetryClient) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.InitialInterval
	eb.MaxInterval = c.cfg.MaxInterval
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, c.cfg.MaxRetries), ctx)
}

// Synchronous implements Client.
func (c *RetryClient) Synchronous(ctx context.Context, req *Request) (*Response, error) {
	var (
		resp    *Response
		attempt int
	)
	op := func() error {
		attempt++
		var err error
		resp, err = c.client.Synchronous(ctx, req)
		if err == nil {
			return nil
		}
		if !IsRetryableError(err) {
			return backoff.Permanent(err)
		}
		if wait := ExtractRetryAfter(err); wait != nil {
			timer := time.NewTimer(*wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			case <-timer.C:
			}
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("next", next).Msg("Retrying LLM request")
	}
	if err := backoff.RetryNotify(op, c.newBackOff(ctx), notify); err != nil {
		return nil, err
	}
	return resp, nil
}

var _ Client = (*RetryClient)(nil)
