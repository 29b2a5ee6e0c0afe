package embedding

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Vector
		expected float64
		delta    float64
	}{
		{"identical", Vector{1, 0, 0}, Vector{1, 0, 0}, 1.0, 0.001},
		{"orthogonal", Vector{1, 0, 0}, Vector{0, 1, 0}, 0.0, 0.001},
		{"opposite", Vector{1, 0, 0}, Vector{-1, 0, 0}, -1.0, 0.001},
		{"similar", Vector{1, 1, 0}, Vector{1, 0, 0}, 0.707, 0.01},
		{"empty", Vector{}, Vector{}, 0.0, 0.001},
		{"different lengths", Vector{1, 0}, Vector{1, 0, 0}, 0.0, 0.001},
		{"zero vector", Vector{0, 0, 0}, Vector{1, 0, 0}, 0.0, 0.001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.expected) > tt.delta {
				t.Errorf("CosineSimilarity(%v, %v) = %f, want %f (±%f)", tt.a, tt.b, got, tt.expected, tt.delta)
			}
		})
	}
}

func TestHashEmbedder(t *testing.T) {
	ctx := context.Background()
	e := NewHashEmbedder(128)

	a, _ := e.Embed(ctx, "flight to Lisbon in April")
	b, _ := e.Embed(ctx, "april flight lisbon")
	c, _ := e.Embed(ctx, "sourdough starter hydration")

	if len(a) != 128 {
		t.Fatalf("expected 128 dims, got %d", len(a))
	}
	same := CosineSimilarity(a, b)
	other := CosineSimilarity(a, c)
	if same < 0.99 {
		t.Errorf("expected near-identical vectors for shared vocabulary, got %f", same)
	}
	if other >= same {
		t.Errorf("expected unrelated text to score lower: %f >= %f", other, same)
	}

	again, _ := e.Embed(ctx, "flight to Lisbon in April")
	if CosineSimilarity(a, again) < 0.9999 {
		t.Error("expected deterministic output")
	}
}

type countingEmbedder struct {
	calls int
}

func (c *countingEmbedder) Embed(_ context.Context, text string) (Vector, error) {
	c.calls++
	return Vector{float32(len(text)), 1}, nil
}

func (c *countingEmbedder) Dims() int { return 2 }

func TestCachedEmbedder(t *testing.T) {
	inner := &countingEmbedder{}
	e := NewCached(inner, time.Minute)
	ctx := context.Background()

	e.Embed(ctx, "hello")
	e.Embed(ctx, "hello")
	e.Embed(ctx, "world!")

	if inner.calls != 2 {
		t.Errorf("expected 2 inner calls, got %d", inner.calls)
	}
	if e.Len() != 2 {
		t.Errorf("expected 2 cached vectors, got %d", e.Len())
	}
	if e.Dims() != 2 {
		t.Errorf("expected dims 2, got %d", e.Dims())
	}
}

func TestNew_Disabled(t *testing.T) {
	e, err := New(Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e != nil {
		t.Error("expected nil embedder when no provider configured")
	}
	if _, err := New(Options{Provider: "bogus"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}
