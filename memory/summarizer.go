package memory

import "context"

// Summarizer condenses text before it is written to long-term memory.
type Summarizer interface {
	Summarize(ctx context.Context, texts []string) (string, error)
}
