package embed

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1.0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0.0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0},
		{"length mismatch", []float32{1, 0}, []float32{1}, 0.0},
		{"empty", nil, nil, 0.0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CosineSimilarity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "Will the city expand bus routes?")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	b, err := e.Embed(ctx, "will the CITY expand bus routes")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(a) != 64 {
		t.Fatalf("len = %d, want 64", len(a))
	}
	if sim := CosineSimilarity(a, b); sim < 0.999 {
		t.Errorf("similarity of case/punctuation variants = %v, want ~1", sim)
	}

	c, _ := e.Embed(ctx, "What is your plan for school funding?")
	if sim := CosineSimilarity(a, c); sim > 0.8 {
		t.Errorf("unrelated questions too similar: %v", sim)
	}
}

func TestHashEmbedder_EmptyText(t *testing.T) {
	_, err := NewHashEmbedder(0).Embed(context.Background(), "  ?! ")
	if !errors.Is(err, ErrEmptyText) {
		t.Errorf("error = %v, want ErrEmptyText", err)
	}
}

type slowEmbedder struct{ delay time.Duration }

func (s slowEmbedder) Embed(ctx context.Context, _ string) ([]float32, error) {
	select {
	case <-time.After(s.delay):
		return []float32{1}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestWithTimeout(t *testing.T) {
	e := WithTimeout(slowEmbedder{delay: time.Second}, 20*time.Millisecond)
	_, err := e.Embed(context.Background(), "x")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}

	fast := WithTimeout(slowEmbedder{delay: time.Millisecond}, time.Second)
	if v, err := fast.Embed(context.Background(), "x"); err != nil || len(v) != 1 {
		t.Errorf("fast Embed() = %v, %v", v, err)
	}

	if got := WithTimeout(slowEmbedder{}, 0); got != (slowEmbedder{}) {
		t.Error("WithTimeout(0) should return the embedder unchanged")
	}
}

func newTestJina(t *testing.T, handler http.HandlerFunc) *JinaEmbedder {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	e := NewJinaEmbedder(JinaConfig{APIKey: "test-key", Endpoint: server.URL, Dimensions: 4, MaxRetries: 2})
	e.limiter = rate.NewLimiter(rate.Inf, 1)
	e.backoffs = []time.Duration{time.Millisecond}
	return e
}

func TestJinaEmbed(t *testing.T) {
	e := newTestJina(t, func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("unexpected authorization: %s", auth)
		}
		var req jinaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.Dimensions != 4 || len(req.Input) != 1 {
			t.Errorf("unexpected request: %+v", req)
		}
		json.NewEncoder(w).Encode(jinaEmbedResponse{Data: []jinaEmbedding{{Embedding: []float32{0.1, 0.2, 0.3, 0.4}}}})
	})

	vec, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vec) != 4 {
		t.Errorf("len = %d, want 4", len(vec))
	}
}

func TestJinaEmbed_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	e := newTestJina(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(jinaEmbedResponse{Data: []jinaEmbedding{{Embedding: []float32{1, 0, 0, 0}}}})
	})

	if _, err := e.Embed(context.Background(), "hello"); err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestJinaEmbed_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	e := newTestJina(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	})

	if _, err := e.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestJinaEmbed_NoData(t *testing.T) {
	e := newTestJina(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	})
	if _, err := e.Embed(context.Background(), "hello"); !errors.Is(err, ErrNoEmbedding) {
		t.Errorf("error = %v, want ErrNoEmbedding", err)
	}
}
