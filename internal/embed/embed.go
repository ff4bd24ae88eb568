// Package embed provides text embedding generation and vector similarity
// helpers for near-duplicate question detection.
package embed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Embedding errors.
var (
	ErrEmptyText   = errors.New("embed: text is empty")
	ErrNoEmbedding = errors.New("embed: provider returned no embedding")
)

// Embedder maps question text to a fixed-length dense vector.
// Implementations must be deterministic for identical input.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// CosineSimilarity computes similarity between two embeddings.
// Returns 1.0 for identical directions, 0.0 for orthogonal vectors.
// Returns 0.0 if vectors have different lengths or either is zero-length.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0.0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Normalize returns a unit-length copy of v. A zero vector is returned unchanged.
func Normalize(v []float32) []float32 {
	var norm float64
	for _, f := range v {
		norm += float64(f) * float64(f)
	}
	out := make([]float32, len(v))
	if norm == 0 {
		copy(out, v)
		return out
	}
	norm = math.Sqrt(norm)
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}

// TimeoutEmbedder bounds every Embed call of the wrapped provider.
type TimeoutEmbedder struct {
	next    Embedder
	timeout time.Duration
}

// WithTimeout wraps an embedder so each call is cancelled after timeout.
// A non-positive timeout returns the embedder unchanged.
func WithTimeout(e Embedder, timeout time.Duration) Embedder {
	if timeout <= 0 {
		return e
	}
	return &TimeoutEmbedder{next: e, timeout: timeout}
}

// Embed calls the wrapped embedder under a deadline.
func (t *TimeoutEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type result struct {
		vec []float32
		err error
	}
	done := make(chan result, 1)
	go func() {
		vec, err := t.next.Embed(ctx, text)
		done <- result{vec: vec, err: err}
	}()

	select {
	case res := <-done:
		return res.vec, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("embed: %w", ctx.Err())
	}
}
