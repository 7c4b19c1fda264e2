package chromem

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"

	"github.com/tayler-id/telly-chat/memory"
)

// Store is a memory.VectorStore backed by an embedded chromem-go collection.
type Store struct {
	db         *chromem.DB
	collection *chromem.Collection
	persistent bool
	logger     zerolog.Logger
}

// Options configures the store.
type Options struct {
	// Path is the persistence directory. Empty keeps everything in memory.
	Path       string
	Collection string
	Compress   bool
}

// New opens (or creates) the collection, embedding documents and queries with embedder.
func New(opts Options, embedder memory.Embedder, logger zerolog.Logger) (*Store, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	name := opts.Collection
	if name == "" {
		name = "long_term"
	}

	var (
		db  *chromem.DB
		err error
	)
	if opts.Path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(opts.Path, opts.Compress)
		if err != nil {
			return nil, fmt.Errorf("open vector db at %s: %w", opts.Path, err)
		}
	}

	embed := chromem.EmbeddingFunc(func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	})
	col, err := db.GetOrCreateCollection(name, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", name, err)
	}

	s := &Store{
		db:         db,
		collection: col,
		persistent: opts.Path != "",
		logger:     logger.With().Str("component", "chromemStore").Logger(),
	}
	s.logger.Info().
		Str("path", opts.Path).
		Str("collection", name).
		Int("documents", col.Count()).
		Msg("Vector store ready")
	return s, nil
}

// AddMemory stores content under a fresh id.
func (s *Store) AddMemory(ctx context.Context, content string, metadata map[string]string) (string, error) {
	id := uuid.NewString()
	if err := s.AddMemoryWithID(ctx, id, content, metadata); err != nil {
		return "", err
	}
	return id, nil
}

// AddMemoryWithID stores content under id, replacing any existing document.
func (s *Store) AddMemoryWithID(ctx context.Context, id, content string, metadata map[string]string) error {
	if _, err := s.collection.GetByID(ctx, id); err == nil {
		if err := s.collection.Delete(ctx, nil, nil, id); err != nil {
			return fmt.Errorf("replace document %s: %w", id, err)
		}
	}

	doc := chromem.Document{
		ID:       id,
		Content:  content,
		Metadata: metadata,
	}
	if err := s.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// SearchMemories returns up to k nearest documents matching filter exactly.
func (s *Store) SearchMemories(ctx context.Context, query string, k int, filter map[string]string) ([]memory.VectorMatch, error) {
	if k <= 0 {
		return nil, nil
	}
	// chromem-go rejects nResults larger than the collection (or the filtered set).
	limit := min(k, s.collection.Count())
	if limit == 0 {
		return nil, nil
	}

	var (
		results []chromem.Result
		err     error
	)
	for ; limit >= 1; limit-- {
		results, err = s.collection.Query(ctx, query, limit, filter, nil)
		if err == nil {
			break
		}
		if !isInsufficientDocsError(err) {
			return nil, fmt.Errorf("chromem query: %w", err)
		}
	}
	if err != nil {
		return nil, nil
	}

	matches := make([]memory.VectorMatch, 0, len(results))
	for _, r := range results {
		score := float64(r.Similarity)
		if score < 0 {
			score = 0
		}
		matches = append(matches, memory.VectorMatch{
			ID:       r.ID,
			Content:  r.Content,
			Metadata: r.Metadata,
			Score:    score,
		})
	}
	return matches, nil
}

// Delete removes a document by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.collection.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	return nil
}

// Count returns the number of documents.
func (s *Store) Count() int {
	return s.collection.Count()
}

// Persist is a no-op: a persistent chromem DB writes each document to its
// directory as it is added or deleted.
func (s *Store) Persist() error {
	if !s.persistent {
		s.logger.Debug().Msg("Persist requested on in-memory vector store")
	}
	return nil
}

func isInsufficientDocsError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
