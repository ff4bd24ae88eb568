package simindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func unit(angle float64) []float32 {
	return []float32{float32(math.Cos(angle)), float32(math.Sin(angle)), 0}
}

func TestIndex_TopKOrdering(t *testing.T) {
	ix := New(DefaultConfig(), nil, nil)
	_ = ix.Insert("c1", "a", unit(0))
	_ = ix.Insert("c1", "b", unit(0.1))
	_ = ix.Insert("c1", "c", unit(1.0))
	_ = ix.Insert("c2", "z", unit(0))

	got, err := ix.TopK(context.Background(), "c1", unit(0), 2, nil)
	if err != nil {
		t.Fatalf("TopK() error = %v", err)
	}
	if len(got) != 2 || got[0].QuestionID != "a" || got[1].QuestionID != "b" {
		t.Fatalf("TopK() = %+v, want [a b]", got)
	}
	if math.Abs(got[0].Similarity-1) > 1e-6 {
		t.Errorf("similarity = %v, want 1", got[0].Similarity)
	}
}

func TestIndex_ContestIsolation(t *testing.T) {
	ix := New(DefaultConfig(), nil, nil)
	_ = ix.Insert("c1", "a", unit(0))

	got, err := ix.TopK(context.Background(), "c2", unit(0), 5, nil)
	if err != nil || len(got) != 0 {
		t.Errorf("TopK(other contest) = %v, %v; want empty", got, err)
	}
}

func TestIndex_AcceptFilter(t *testing.T) {
	ix := New(DefaultConfig(), nil, nil)
	_ = ix.Insert("c1", "a", unit(0))
	_ = ix.Insert("c1", "b", unit(0.05))

	got, _ := ix.TopK(context.Background(), "c1", unit(0), 5, func(id string) bool { return id != "a" })
	if len(got) != 1 || got[0].QuestionID != "b" {
		t.Errorf("TopK() = %+v, want [b]", got)
	}
}

func TestIndex_AcceptFilterWidensSearch(t *testing.T) {
	ix := New(Config{Overfetch: 1}, nil, nil)
	for i := 0; i < 30; i++ {
		_ = ix.Insert("c1", fmt.Sprintf("removed-%02d", i), unit(float64(i)*0.001))
	}
	_ = ix.Insert("c1", "approved", unit(1.2))

	accept := func(id string) bool { return id == "approved" }
	got, err := ix.TopK(context.Background(), "c1", unit(0), 1, accept)
	if err != nil {
		t.Fatalf("TopK() error = %v", err)
	}
	if len(got) != 1 || got[0].QuestionID != "approved" {
		t.Fatalf("TopK() = %+v, want [approved] behind rejected neighbors", got)
	}
	if want := math.Cos(1.2); math.Abs(got[0].Similarity-want) > 1e-4 {
		t.Errorf("similarity = %v, want %v", got[0].Similarity, want)
	}
}

func TestIndex_DimensionMismatch(t *testing.T) {
	ix := New(DefaultConfig(), nil, nil)
	if err := ix.Insert("c1", "a", []float32{1, 0}); err != nil {
		t.Fatal(err)
	}
	if err := ix.Insert("c1", "b", []float32{1, 0, 0}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Insert() error = %v, want ErrDimensionMismatch", err)
	}
	if _, err := ix.TopK(context.Background(), "c1", []float32{1}, 1, nil); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("TopK() error = %v, want ErrDimensionMismatch", err)
	}
	if err := ix.Insert("c1", "c", nil); !errors.Is(err, ErrEmptyVector) {
		t.Errorf("Insert(nil) error = %v, want ErrEmptyVector", err)
	}
}

func TestIndex_InsertReplacesVector(t *testing.T) {
	ix := New(DefaultConfig(), nil, nil)
	_ = ix.Insert("c1", "a", unit(0))
	_ = ix.Insert("c1", "b", unit(1.5))
	_ = ix.Insert("c1", "a", unit(1.5))

	if ix.Len("c1") != 2 {
		t.Errorf("Len() = %d, want 2", ix.Len("c1"))
	}
	got, _ := ix.TopK(context.Background(), "c1", unit(0), 1, nil)
	if len(got) != 1 || got[0].Similarity > 0.5 {
		t.Errorf("re-inserted vector not used: %+v", got)
	}
	v, ok := ix.Vector("c1", "a")
	if !ok || math.Abs(float64(v[1])-math.Sin(1.5)) > 1e-6 {
		t.Errorf("Vector() = %v, %v", v, ok)
	}
}

func TestIndex_Metrics(t *testing.T) {
	m := NewMetrics()
	ix := New(DefaultConfig(), nil, m)
	_ = ix.Insert("c1", "a", unit(0))
	_, _ = ix.TopK(context.Background(), "c1", unit(0), 1, nil)

	if got := counterValue(m.inserts); got != 1 {
		t.Errorf("inserts = %v, want 1", got)
	}
	if got := counterValue(m.queries); got != 1 {
		t.Errorf("queries = %v, want 1", got)
	}
}

func TestIndex_LargeContestBuffersUntilRebuild(t *testing.T) {
	ix := New(Config{LargeContestThreshold: 10, Overfetch: 2}, nil, nil)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 40; i++ {
		_ = ix.Insert("c1", fmt.Sprintf("q%02d", i), []float32{rng.Float32(), rng.Float32(), rng.Float32()})
	}
	target := []float32{0.9, -0.9, 0.1}
	_ = ix.Insert("c1", "needle", target)

	got, err := ix.TopK(context.Background(), "c1", target, 1, nil)
	if err != nil {
		t.Fatalf("TopK() error = %v", err)
	}
	if len(got) != 1 || got[0].QuestionID != "needle" {
		t.Fatalf("pending insert not searchable: %+v", got)
	}

	if err := ix.RebuildAll(context.Background()); err != nil {
		t.Fatalf("RebuildAll() error = %v", err)
	}
	got, _ = ix.TopK(context.Background(), "c1", target, 1, nil)
	if len(got) != 1 || got[0].QuestionID != "needle" {
		t.Errorf("after rebuild TopK() = %+v, want needle", got)
	}
}

func TestIndex_CancelledContext(t *testing.T) {
	ix := New(DefaultConfig(), nil, nil)
	_ = ix.Insert("c1", "a", unit(0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ix.TopK(ctx, "c1", unit(0), 1, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("TopK() error = %v, want Canceled", err)
	}
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
