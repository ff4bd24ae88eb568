package portfolio

import (
	"fmt"
	"math"
	"math/rand"
	"reflect"
	"testing"
	"time"
)

var epoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func cand(id, tag string, score float64, offset int) Candidate {
	return Candidate{QuestionID: id, Tag: tag, Score: score, CreatedAt: epoch.Add(time.Duration(offset) * time.Second)}
}

func scores(allocs []Allocation) []float64 {
	out := make([]float64, len(allocs))
	for i, a := range allocs {
		out[i] = a.Score
	}
	return out
}

func TestAllocate_HousingSafetyScenario(t *testing.T) {
	var candidates []Candidate
	for i, s := range []float64{100, 99, 98, 97, 96, 95, 94, 93} {
		candidates = append(candidates, cand(fmt.Sprintf("h%d", i), "housing", s, i))
	}
	candidates = append(candidates, cand("s0", "safety", 50, 20), cand("s1", "safety", 40, 21))

	buckets := []Bucket{{Tag: "housing", TargetShare: 0.5}, {Tag: "safety", TargetShare: 0.5}}
	got := Allocate(candidates, 10, buckets)

	want := []float64{100, 99, 98, 97, 96, 50, 40, 95, 94, 93}
	if !reflect.DeepEqual(scores(got), want) {
		t.Fatalf("Allocate() scores = %v, want %v", scores(got), want)
	}
	for i, a := range got {
		wantReason := ReasonBucketQuota
		if i >= 7 {
			wantReason = ReasonOverflowFill
		}
		if a.Reason != wantReason {
			t.Errorf("item %d reason = %s, want %s", i, a.Reason, wantReason)
		}
	}
}

func TestAllocate_TieBreakByCreatedAt(t *testing.T) {
	got := Allocate([]Candidate{
		cand("b", "x", 10, 5),
		cand("a", "x", 10, 9),
		cand("c", "x", 10, 1),
	}, 3, nil)

	var ids []string
	for _, a := range got {
		ids = append(ids, a.QuestionID)
	}
	if want := []string{"c", "b", "a"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("order = %v, want %v (earlier created_at first, not id)", ids, want)
	}
}

func TestAllocate_FewerThanN(t *testing.T) {
	got := Allocate([]Candidate{cand("a", "housing", 1, 0), cand("b", "housing", 2, 1)}, 10,
		[]Bucket{{Tag: "housing", TargetShare: 0.1}})
	if len(got) != 2 {
		t.Errorf("len = %d, want all 2 candidates", len(got))
	}
	if Allocate(nil, 5, nil) != nil || Allocate([]Candidate{cand("a", "x", 1, 0)}, 0, nil) != nil {
		t.Error("expected nil for empty input or n=0")
	}
}

func TestCaps(t *testing.T) {
	tests := []struct {
		name    string
		buckets []Bucket
		n       int
		want    map[string]int
	}{
		{"half and half", []Bucket{{"housing", 0.5}, {"safety", 0.5}}, 10, map[string]int{"housing": 5, "safety": 5, OtherBucket: 0}},
		{"at least one slot", []Bucket{{"parks", 0.05}}, 10, map[string]int{"parks": 1, OtherBucket: 9}},
		{"zero share", []Bucket{{"parks", 0}, {"housing", 0.2}}, 10, map[string]int{"parks": 0, "housing": 2, OtherBucket: 8}},
		{"float rounding", []Bucket{{"a", 0.3}, {"b", 0.7}}, 10, map[string]int{"a": 3, "b": 7, OtherBucket: 0}},
		{"no buckets", nil, 4, map[string]int{OtherBucket: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Caps(tt.buckets, tt.n); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Caps() = %v, want %v", got, tt.want)
			}
		})
	}
}

// The first pass never admits more than ceil(share × N) items of a bucket,
// and the final result never exceeds it when candidates from other buckets
// remain to fill the slots.
func TestAllocate_PortfolioCapProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tags := []string{"housing", "safety", "transit", "schools", "misc"}
	buckets := []Bucket{{"housing", 0.3}, {"safety", 0.2}, {"transit", 0.2}, {"schools", 0.1}}

	for iter := 0; iter < 200; iter++ {
		var candidates []Candidate
		total := 5 + rng.Intn(60)
		for i := 0; i < total; i++ {
			candidates = append(candidates, cand(fmt.Sprintf("q%d", i), tags[rng.Intn(len(tags))], float64(rng.Intn(100)), i))
		}
		n := 1 + rng.Intn(20)
		got := Allocate(candidates, n, buckets)

		if len(got) != min(n, total) {
			t.Fatalf("iter %d: len = %d, want %d", iter, len(got), min(n, total))
		}
		slots := min(n, total)
		passOne := map[string]int{}
		for _, a := range got {
			if a.Reason == ReasonBucketQuota {
				passOne[a.Bucket]++
			}
		}
		for _, b := range buckets {
			limit := int(math.Ceil(b.TargetShare * float64(slots)))
			if passOne[b.Tag] > max(limit, 1) {
				t.Fatalf("iter %d: bucket %s admitted %d in first pass, cap %d", iter, b.Tag, passOne[b.Tag], limit)
			}
		}
	}
}

func TestAllocate_Deterministic(t *testing.T) {
	candidates := []Candidate{cand("a", "x", 3, 0), cand("b", "y", 3, 0), cand("c", "x", 1, 0)}
	first := Allocate(candidates, 3, []Bucket{{"x", 0.5}})
	for i := 0; i < 10; i++ {
		if got := Allocate(candidates, 3, []Bucket{{"x", 0.5}}); !reflect.DeepEqual(got, first) {
			t.Fatal("Allocate() is not deterministic")
		}
	}
}
