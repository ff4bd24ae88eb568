// Package portfolio partitions ranked output across issue buckets so no
// single issue takes more than its configured share of the top slots.
package portfolio

import (
	"math"
	"sort"
	"time"
)

// OtherBucket names the implicit bucket holding unconfigured tags.
const OtherBucket = "other"

// Allocation reasons.
const (
	ReasonBucketQuota  = "bucket_quota"
	ReasonOverflowFill = "overflow_fill"
)

// shareEpsilon absorbs float error in share × N before flooring.
const shareEpsilon = 1e-9

// Bucket reserves TargetShare of the top-N slots for questions whose
// primary tag is Tag.
type Bucket struct {
	Tag         string
	TargetShare float64
}

// Candidate is a scored question competing for a top slot.
type Candidate struct {
	QuestionID string
	Tag        string
	Score      float64
	CreatedAt  time.Time
}

// Allocation is an admitted candidate with the reason it was admitted.
type Allocation struct {
	Candidate
	Bucket string
	Reason string
}

// SortCandidates orders by score descending, then earlier CreatedAt. The
// question id only breaks exact timestamp ties so the order is total.
func SortCandidates(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].Score != c[j].Score {
			return c[i].Score > c[j].Score
		}
		if !c[i].CreatedAt.Equal(c[j].CreatedAt) {
			return c[i].CreatedAt.Before(c[j].CreatedAt)
		}
		return c[i].QuestionID < c[j].QuestionID
	})
}

// Caps returns the pass-one slot cap per bucket for n slots. Configured
// buckets with a positive share get max(1, floor(share×n)); the implicit
// other bucket gets the remainder share on the same rule, or zero when the
// configured shares already sum to 1.
func Caps(buckets []Bucket, n int) map[string]int {
	caps := make(map[string]int, len(buckets)+1)
	total := 0.0
	for _, b := range buckets {
		total += b.TargetShare
		if b.TargetShare <= 0 {
			caps[b.Tag] = 0
			continue
		}
		caps[b.Tag] = max(1, int(math.Floor(b.TargetShare*float64(n)+shareEpsilon)))
	}
	if _, configured := caps[OtherBucket]; !configured {
		rem := 1 - total
		if rem > shareEpsilon {
			caps[OtherBucket] = max(1, int(math.Floor(rem*float64(n)+shareEpsilon)))
		} else {
			caps[OtherBucket] = 0
		}
	}
	return caps
}

// BucketOf maps a tag to its configured bucket or OtherBucket.
func BucketOf(tag string, caps map[string]int) string {
	if _, ok := caps[tag]; ok {
		return tag
	}
	return OtherBucket
}

// Allocate greedily fills n slots. Pass one admits candidates in score order
// while their bucket is under cap; pass two fills remaining slots from the
// skipped candidates in score order ignoring caps. When fewer than n
// candidates exist all of them are returned.
func Allocate(candidates []Candidate, n int, buckets []Bucket) []Allocation {
	if n <= 0 || len(candidates) == 0 {
		return nil
	}
	sorted := append([]Candidate(nil), candidates...)
	SortCandidates(sorted)
	n = min(n, len(sorted))

	caps := Caps(buckets, n)
	counts := make(map[string]int, len(caps))
	out := make([]Allocation, 0, n)
	var skipped []Allocation

	for _, c := range sorted {
		b := BucketOf(c.Tag, caps)
		if len(out) < n && counts[b] < caps[b] {
			counts[b]++
			out = append(out, Allocation{Candidate: c, Bucket: b, Reason: ReasonBucketQuota})
			continue
		}
		skipped = append(skipped, Allocation{Candidate: c, Bucket: b, Reason: ReasonOverflowFill})
	}

	for _, a := range skipped {
		if len(out) >= n {
			break
		}
		out = append(out, a)
	}
	return out
}
