package ranking

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// Representation is the externally computed concentration of a question's
// support within a smaller demographic or geographic subgroup.
type Representation struct {
	Concentrated bool
	// Intensity is the strength of subgroup support in [0, 1].
	Intensity float64
}

// RepresentationSource supplies representation metadata per question.
type RepresentationSource interface {
	Concentration(ctx context.Context, questionID string) (Representation, error)
}

// NoRepresentation reports no concentrated support for any question.
type NoRepresentation struct{}

// Concentration always returns the zero Representation.
func (NoRepresentation) Concentration(context.Context, string) (Representation, error) {
	return Representation{}, nil
}

// RecencyFactor computes the decay multiplier for a question of the given
// age. The result is in [MinFactor, 1] so decay never inverts sign.
//
// Formulas:
//
//	linear:      1 − Rate·age/Window
//	exponential: exp(−ln2·age/HalfLife)
func RecencyFactor(cfg DecayConfig, age time.Duration) float64 {
	if age <= 0 {
		return 1.0
	}

	var factor float64
	switch cfg.Kind {
	case DecayLinear:
		if cfg.Window <= 0 {
			return 1.0
		}
		factor = 1.0 - cfg.Rate*float64(age)/float64(cfg.Window)
	case DecayExponential:
		if cfg.HalfLife <= 0 {
			return 1.0
		}
		factor = math.Exp(-math.Ln2 * float64(age) / float64(cfg.HalfLife))
	default:
		return 1.0
	}

	if factor < cfg.MinFactor {
		factor = cfg.MinFactor
	}
	if factor > 1.0 {
		return 1.0
	}
	if factor <= 0 {
		// MinFactor unset; keep the factor positive.
		return math.SmallestNonzeroFloat64
	}
	return factor
}

// MinorityBoost returns the additive boost for a representation signal.
func MinorityBoost(cfg Config, r Representation) float64 {
	if r.Concentrated && r.Intensity >= cfg.MinorityIntensity {
		return cfg.MinorityBoost
	}
	return 0
}

// RankScore combines the score components.
func RankScore(base, recency, boost float64) float64 {
	return base*recency + boost
}

// explain renders the human-readable breakdown of an item's position.
func explain(item RankedItem, bucket string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "base %.2f (anomaly discount %.2f) × recency %.2f + minority %.2f = %.2f",
		item.BaseScore, item.AnomalyDiscount, item.RecencyFactor, item.MinorityBoost, item.RankScore)
	switch item.Reason {
	case ReasonBucketQuota:
		fmt.Fprintf(&b, "; admitted by %s quota", bucket)
	case ReasonOverflowFill:
		fmt.Fprintf(&b, "; filled from overflow after %s quota was reached", bucket)
	case ReasonClusterCap:
		fmt.Fprintf(&b, "; demoted: %s already has the maximum number of clusters in the top slots", item.IssueTag)
	case ReasonBelowCutoff:
		b.WriteString("; below the top slots")
	}
	if item.MergedCount > 0 {
		fmt.Fprintf(&b, "; includes votes from %d merged duplicate(s)", item.MergedCount)
	}
	return b.String()
}
