// Package embedding provides a pluggable interface for text embedding providers.
package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/rcliao/tiered-memory/internal/chunker"
)

// Vector is a float32 embedding vector.
type Vector = []float32

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
	Dims() int
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Normalize scales v to unit length in place. Zero vectors are left unchanged.
func Normalize(v Vector) Vector {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
	return v
}

// --- Hashing Provider ---

// HashEmbedder maps terms into a fixed number of buckets with FNV hashing.
// It needs no network and is deterministic, so texts sharing vocabulary score
// as similar.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a hashing embedder. dims defaults to 256.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

func (e *HashEmbedder) Embed(_ context.Context, text string) (Vector, error) {
	v := make(Vector, e.dims)
	for _, term := range chunker.Terms(text) {
		h := fnv.New32a()
		h.Write([]byte(term))
		sum := h.Sum32()
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		v[int(sum>>1)%e.dims] += sign
	}
	return Normalize(v), nil
}

func (e *HashEmbedder) Dims() int { return e.dims }

// --- Factory ---

// Options selects and configures an embedding provider.
type Options struct {
	Provider string // "hash" | "ollama" | "openai" | "" (disabled)
	Model    string
	URL      string
	APIKey   string
	Dims     int
	CacheTTL time.Duration
}

// New builds the configured embedder, wrapped in a cache when CacheTTL > 0.
// It returns nil, nil when embeddings are disabled.
func New(opts Options) (Embedder, error) {
	var e Embedder
	switch opts.Provider {
	case "", "none":
		return nil, nil
	case "hash":
		e = NewHashEmbedder(opts.Dims)
	case "ollama":
		e = NewOllamaEmbedder(opts.URL, opts.Model)
	case "openai":
		e = NewOpenAIEmbedder(opts.URL, opts.APIKey, opts.Model, opts.Dims)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", opts.Provider)
	}
	if opts.CacheTTL > 0 {
		e = NewCached(e, opts.CacheTTL)
	}
	return e, nil
}
