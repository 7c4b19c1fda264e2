package memory

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tayler-id/telly-chat/migrations"
)

// setupTestDB creates a migrated database in a temp dir.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := migrations.Open(filepath.Join(t.TempDir(), "memory.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup
	return db
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memVectors is an exact-search VectorStore over an Embedder.
type memVectors struct {
	mu       sync.Mutex
	embedder Embedder
	docs     map[string]VectorMatch
	vecs     map[string][]float32
}

func newMemVectors() *memVectors {
	return &memVectors{
		embedder: NewHashEmbedder(128),
		docs:     make(map[string]VectorMatch),
		vecs:     make(map[string][]float32),
	}
}

func (v *memVectors) AddMemory(ctx context.Context, content string, metadata map[string]string) (string, error) {
	id := "doc_" + content
	return id, v.AddMemoryWithID(ctx, id, content, metadata)
}

func (v *memVectors) AddMemoryWithID(ctx context.Context, id, content string, metadata map[string]string) error {
	vec, err := v.embedder.Embed(ctx, content)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.docs[id] = VectorMatch{ID: id, Content: content, Metadata: metadata}
	v.vecs[id] = vec
	return nil
}

func (v *memVectors) SearchMemories(ctx context.Context, query string, k int, filter map[string]string) ([]VectorMatch, error) {
	q, err := v.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	var out []VectorMatch
	for id, doc := range v.docs {
		if !matchesFilter(doc.Metadata, filter) {
			continue
		}
		doc.Score = CosineSimilarity(q, v.vecs[id])
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func matchesFilter(meta, filter map[string]string) bool {
	for k, want := range filter {
		if meta[k] != want {
			return false
		}
	}
	return true
}

func (v *memVectors) Delete(_ context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.docs, id)
	delete(v.vecs, id)
	return nil
}

func (v *memVectors) Count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.docs)
}

func (v *memVectors) Persist() error { return nil }

// brokenVectors fails every call.
type brokenVectors struct{}

var errVectorsDown = errors.New("vector store unavailable")

func (brokenVectors) AddMemory(context.Context, string, map[string]string) (string, error) {
	return "", errVectorsDown
}

func (brokenVectors) AddMemoryWithID(context.Context, string, string, map[string]string) error {
	return errVectorsDown
}

func (brokenVectors) SearchMemories(context.Context, string, int, map[string]string) ([]VectorMatch, error) {
	return nil, errVectorsDown
}

func (brokenVectors) Delete(context.Context, string) error { return errVectorsDown }
func (brokenVectors) Count() int                           { return 0 }
func (brokenVectors) Persist() error                       { return errVectorsDown }

type stubSummarizer struct {
	summary string
	err     error
}

func (s stubSummarizer) Summarize(context.Context, []string) (string, error) {
	return s.summary, s.err
}

func newTestLongTerm(t *testing.T, db *sql.DB, vectors VectorStore, opts ...LongTermOption) *LongTermMemory {
	t.Helper()
	ltm, err := NewLongTermMemory(context.Background(), db, vectors, LongTermConfig{}, zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("NewLongTermMemory: %v", err)
	}
	return ltm
}
