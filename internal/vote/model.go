// Package vote stores question votes, their anomaly weights, moderator
// overrides and frozen aggregates.
package vote

import (
	"errors"
	"math"
	"strconv"
	"time"
)

// Common errors for vote operations.
var (
	ErrVoteNotFound  = errors.New("vote not found")
	ErrInvalidValue  = errors.New("vote value must be +1 or -1")
	ErrInvalidWeight = errors.New("override weight must be within [0, 1]")
	ErrContestFrozen = errors.New("contest votes are frozen")
)

// Metadata keys read by the anomaly scorer.
const (
	MetaDeviceFingerprint = "device_fingerprint"
	MetaDeviceRisk        = "device_risk"
)

// Vote is a single user's live vote on a question. At most one exists per
// (UserID, QuestionID).
type Vote struct {
	ID         string            `json:"id"`
	UserID     string            `json:"user_id"`
	QuestionID string            `json:"question_id"`
	ContestID  string            `json:"contest_id"`
	Value      int               `json:"value"`
	Weight     float64           `json:"weight"`
	RiskScore  float64           `json:"risk_score"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Verified   bool              `json:"verified"`
	Override   *float64          `json:"override,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// EffectiveWeight returns the moderator override when set, else the computed weight.
func (v *Vote) EffectiveWeight() float64 {
	if v.Override != nil {
		return *v.Override
	}
	return v.Weight
}

// Fingerprint returns the device fingerprint from metadata.
func (v *Vote) Fingerprint() string {
	return v.Metadata[MetaDeviceFingerprint]
}

// DeviceRisk returns the caller-supplied device risk clamped to [0, 1].
// Missing or malformed values are treated as zero.
func (v *Vote) DeviceRisk() float64 {
	raw, ok := v.Metadata[MetaDeviceRisk]
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) {
		return 0
	}
	return max(0, min(1, f))
}

// Clone returns a deep copy.
func (v *Vote) Clone() *Vote {
	c := *v
	if v.Metadata != nil {
		c.Metadata = make(map[string]string, len(v.Metadata))
		for k, val := range v.Metadata {
			c.Metadata[k] = val
		}
	}
	if v.Override != nil {
		o := *v.Override
		c.Override = &o
	}
	return &c
}

// Score is a recomputed anomaly score for one vote.
type Score struct {
	VoteID    string
	RiskScore float64
	Weight    float64
}

// Tally summarizes the live votes and frozen aggregate of one question.
type Tally struct {
	Upvotes      int     `json:"upvotes"`
	Downvotes    int     `json:"downvotes"`
	WeightedUp   float64 `json:"weighted_up"`
	WeightedDown float64 `json:"weighted_down"`
}

// Net returns the weighted net score.
func (t Tally) Net() float64 {
	return t.WeightedUp - t.WeightedDown
}

// Aggregate replaces a question's individual vote rows after a freeze.
type Aggregate struct {
	QuestionID   string    `json:"question_id"`
	ContestID    string    `json:"contest_id"`
	WeightedUp   float64   `json:"weighted_up"`
	WeightedDown float64   `json:"weighted_down"`
	Upvotes      int       `json:"upvotes"`
	Downvotes    int       `json:"downvotes"`
	FrozenAt     time.Time `json:"frozen_at"`
}

// add folds v into the tally using its effective weight.
func (t *Tally) add(v *Vote) {
	w := v.EffectiveWeight()
	if v.Value > 0 {
		t.Upvotes++
		t.WeightedUp += w
	} else {
		t.Downvotes++
		t.WeightedDown += w
	}
}

func (t *Tally) addAggregate(a Aggregate) {
	t.Upvotes += a.Upvotes
	t.Downvotes += a.Downvotes
	t.WeightedUp += a.WeightedUp
	t.WeightedDown += a.WeightedDown
}

// ValidValue reports whether value is +1 or -1.
func ValidValue(value int) bool {
	return value == 1 || value == -1
}
