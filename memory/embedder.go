package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog"
)

// Embedder is a pluggable interface for getting embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// CosineSimilarity between two equal-length vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		fa, fb := float64(a[i]), float64(b[i])
		dot += fa * fb
		na += fa * fa
		nb += fb * fb
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// HashEmbedder builds deterministic bag-of-words vectors by hashing each word
// into a few dimensions. Texts sharing words get high cosine similarity, which is
// enough for offline use and tests.
type HashEmbedder struct {
	Dimensions int
}

// NewHashEmbedder returns a HashEmbedder with the given dimensionality (default 256).
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = 256
	}
	return &HashEmbedder{Dimensions: dimensions}
}

func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.Dimensions)
	words := tokenize(text)
	if len(words) == 0 {
		// chromem normalizes vectors; an all-zero vector would turn into NaNs.
		vec[0] = 1
		return vec, nil
	}

	for _, word := range words {
		h := fnv.New32a()
		if _, err := h.Write([]byte(strings.ToLower(word))); err != nil {
			return nil, err
		}
		hash := h.Sum32()
		for i := 0; i < 3; i++ {
			dim := int((hash + uint32(i)*2654435761) % uint32(e.Dimensions)) //nolint:gosec // dimensions is small
			vec[dim] += float32(math.Sin(float64(hash+uint32(i))*0.1) + 1.0)  //nolint:gosec // deterministic mixing
		}
	}

	var magnitude float64
	for _, v := range vec {
		magnitude += float64(v) * float64(v)
	}
	magnitude = math.Sqrt(magnitude)
	if magnitude > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / magnitude)
		}
	}
	return vec, nil
}

// CachedEmbedder memoizes embeddings by text in a ristretto cache so repeated
// summaries and queries do not go back to the provider.
type CachedEmbedder struct {
	inner  Embedder
	cache  *ristretto.Cache
	logger zerolog.Logger
}

// NewCachedEmbedder wraps inner with a cache of at most maxEntries vectors.
func NewCachedEmbedder(inner Embedder, maxEntries int64, logger zerolog.Logger) (*CachedEmbedder, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        maxEntries * 10,
		MaxCost:            maxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachedEmbedder{
		inner:  inner,
		cache:  cache,
		logger: logger.With().Str("component", "cachedEmbedder").Logger(),
	}, nil
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return append([]float32(nil), vec...), nil
		}
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if !c.cache.Set(text, append([]float32(nil), vec...), 1) {
		c.logger.Debug().Int("textLen", len(text)).Msg("Embedding cache dropped entry")
	}
	return vec, nil
}

// Wait blocks until pending cache writes are applied.
func (c *CachedEmbedder) Wait() {
	c.cache.Wait()
}

// Close releases the cache.
func (c *CachedEmbedder) Close() {
	c.cache.Close()
}
