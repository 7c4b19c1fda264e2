package memory

import "context"

// VectorMatch is one nearest-neighbour hit. Score is a similarity in [0,1].
type VectorMatch struct {
	ID       string
	Content  string
	Metadata map[string]string
	Score    float64
}

// VectorStore is the embedding + similarity index capability the memory core
// depends on. Implementations may be slow or fail; callers bound every call
// with a context deadline and degrade to keyword search.
type VectorStore interface {
	AddMemory(ctx context.Context, content string, metadata map[string]string) (string, error)
	AddMemoryWithID(ctx context.Context, id, content string, metadata map[string]string) error
	SearchMemories(ctx context.Context, query string, k int, filter map[string]string) ([]VectorMatch, error)
	Delete(ctx context.Context, id string) error
	Count() int
	Persist() error
}
