package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type scriptedClient struct {
	errs  []error
	calls int
	last  *Request
}

func (c *scriptedClient) Synchronous(_ context.Context, req *Request) (*Response, error) {
	c.last = req
	c.calls++
	if c.calls <= len(c.errs) && c.errs[c.calls-1] != nil {
		return nil, c.errs[c.calls-1]
	}
	return &Response{Text: "ok", StopReason: "end_turn"}, nil
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestRetryClient_RetriesRetryableErrors(t *testing.T) {
	inner := &scriptedClient{errs: []error{
		NewNetworkError("reset", nil),
		FromStatus("test", 503, "unavailable", nil),
	}}
	client := NewRetryClient(inner, fastRetry(), zerolog.Nop())

	resp, err := client.Synchronous(context.Background(), &Request{Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "ok" {
		t.Errorf("expected ok, got %q", resp.Text)
	}
	if inner.calls != 3 {
		t.Errorf("expected 3 calls, got %d", inner.calls)
	}
}

func TestRetryClient_StopsOnPermanentError(t *testing.T) {
	inner := &scriptedClient{errs: []error{NewProviderError("bad", nil)}}
	client := NewRetryClient(inner, fastRetry(), zerolog.Nop())

	_, err := client.Synchronous(context.Background(), &Request{Model: "m"})
	if err == nil {
		t.Fatal("expected error")
	}
	var llmErr *Error
	if !errors.As(err, &llmErr) || llmErr.Type != ErrorTypeProvider {
		t.Errorf("expected the provider error back, got %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("expected a single call, got %d", inner.calls)
	}
}

func TestRetryClient_GivesUpAfterMaxRetries(t *testing.T) {
	retryable := NewNetworkError("down", nil)
	inner := &scriptedClient{errs: []error{retryable, retryable, retryable, retryable, retryable}}
	client := NewRetryClient(inner, fastRetry(), zerolog.Nop())

	if _, err := client.Synchronous(context.Background(), &Request{Model: "m"}); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if inner.calls != 4 {
		t.Errorf("expected 1 attempt plus 3 retries, got %d", inner.calls)
	}
}

func TestSummarizer(t *testing.T) {
	inner := &scriptedClient{}
	s := NewSummarizer(inner, "model-x", 0)

	summary, err := s.Summarize(context.Background(), []string{"User: my name is Dana", "User: I like Rust"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary != "ok" {
		t.Errorf("expected ok, got %q", summary)
	}
	if inner.last.Model != "model-x" || inner.last.System == "" {
		t.Error("expected model and system prompt on the request")
	}
	if got := inner.last.Messages[0].Content; got == "" {
		t.Error("expected fragments in the user message")
	}

	empty, err := s.Summarize(context.Background(), nil)
	if err != nil || empty != "" {
		t.Errorf("expected empty summary for no input, got %q, %v", empty, err)
	}
	if inner.calls != 1 {
		t.Errorf("no call expected for empty input, got %d calls", inner.calls)
	}
}

func TestChain(t *testing.T) {
	inner := &scriptedClient{errs: []error{nil, errors.New("boom")}}
	var order []string
	tag := func(name string) Middleware {
		return func(next Client) Client {
			return ClientFunc(func(ctx context.Context, req *Request) (*Response, error) {
				order = append(order, name)
				req.System += name
				return next.Synchronous(ctx, req)
			})
		}
	}
	client := Chain(inner, tag("a"), tag("b"), WithLogging(zerolog.Nop()))

	if _, err := client.Synchronous(context.Background(), &Request{Model: "m"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.last.System != "ab" {
		t.Errorf("expected middleware to run in listed order, got %q", inner.last.System)
	}
	if _, err := client.Synchronous(context.Background(), &Request{Model: "m"}); err == nil {
		t.Error("expected the inner error to pass through")
	}
	if len(order) != 4 || order[0] != "a" || order[1] != "b" {
		t.Errorf("unexpected call order %v", order)
	}
	if Chain(inner) != Client(inner) {
		t.Error("Chain without middleware should return the client")
	}
}
