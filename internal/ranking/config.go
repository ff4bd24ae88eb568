package ranking

import (
	"fmt"
	"time"

	"github.com/onnwee/civicq/internal/portfolio"
)

// Decay kinds for the recency factor.
const (
	DecayNone        = "none"
	DecayLinear      = "linear"
	DecayExponential = "exponential"
)

// DecayConfig shapes the recency factor applied to base scores.
type DecayConfig struct {
	Kind string `koanf:"kind"`
	// Rate and Window drive linear decay: 1 − Rate·age/Window.
	Rate   float64       `koanf:"rate"`
	Window time.Duration `koanf:"window"`
	// HalfLife drives exponential decay.
	HalfLife time.Duration `koanf:"half_life"`
	// MinFactor floors the factor so it stays positive.
	MinFactor float64 `koanf:"min_factor"`
}

// Config holds ranking policy.
type Config struct {
	// TopN is the number of slots the published ranking allocates.
	TopN int `koanf:"top_n"`
	// ClusterThreshold is the cosine similarity at which approved questions
	// are merged during recompute.
	ClusterThreshold float64 `koanf:"cluster_threshold"`
	// PairwiseLimit is the contest size up to which reclustering compares
	// every pair exactly; larger contests use the similarity index.
	PairwiseLimit int `koanf:"pairwise_limit"`
	// ClusterNeighbors is how many index neighbors are checked per question
	// above PairwiseLimit.
	ClusterNeighbors int `koanf:"cluster_neighbors"`

	Decay DecayConfig `koanf:"decay"`

	MinorityBoost     float64 `koanf:"minority_boost"`
	MinorityIntensity float64 `koanf:"minority_intensity"`

	MaxClustersPerTag int `koanf:"max_clusters_per_tag"`

	Buckets []portfolio.Bucket `koanf:"-"`

	// EmbedTimeout bounds each re-embedding call.
	EmbedTimeout time.Duration `koanf:"embed_timeout"`
}

// DefaultConfig returns the default ranking policy.
func DefaultConfig() Config {
	return Config{
		TopN:             10,
		ClusterThreshold: 0.9,
		PairwiseLimit:    2000,
		ClusterNeighbors: 5,
		Decay: DecayConfig{
			Kind:      DecayExponential,
			Rate:      0.5,
			Window:    14 * 24 * time.Hour,
			HalfLife:  7 * 24 * time.Hour,
			MinFactor: 0.25,
		},
		MinorityBoost:     5,
		MinorityIntensity: 0.6,
		MaxClustersPerTag: 5,
		EmbedTimeout:      2 * time.Second,
	}
}

// Validate returns every policy violation found.
func (c Config) Validate() []error {
	var errs []error
	if c.TopN <= 0 {
		errs = append(errs, fmt.Errorf("ranking.top_n must be > 0 (got %d)", c.TopN))
	}
	if c.ClusterThreshold <= 0 || c.ClusterThreshold > 1 {
		errs = append(errs, fmt.Errorf("ranking.cluster_threshold must be in (0, 1] (got %v)", c.ClusterThreshold))
	}
	if c.PairwiseLimit < 0 {
		errs = append(errs, fmt.Errorf("ranking.pairwise_limit must be >= 0 (got %d)", c.PairwiseLimit))
	}
	if c.ClusterNeighbors <= 0 {
		errs = append(errs, fmt.Errorf("ranking.cluster_neighbors must be > 0 (got %d)", c.ClusterNeighbors))
	}
	switch c.Decay.Kind {
	case DecayNone:
	case DecayLinear:
		if c.Decay.Window <= 0 {
			errs = append(errs, fmt.Errorf("ranking.decay.window must be > 0 for linear decay (got %s)", c.Decay.Window))
		}
		if c.Decay.Rate < 0 {
			errs = append(errs, fmt.Errorf("ranking.decay.rate must be >= 0 (got %v)", c.Decay.Rate))
		}
	case DecayExponential:
		if c.Decay.HalfLife <= 0 {
			errs = append(errs, fmt.Errorf("ranking.decay.half_life must be > 0 for exponential decay (got %s)", c.Decay.HalfLife))
		}
	default:
		errs = append(errs, fmt.Errorf("ranking.decay.kind must be none, linear or exponential (got %q)", c.Decay.Kind))
	}
	if c.Decay.Kind != DecayNone && (c.Decay.MinFactor <= 0 || c.Decay.MinFactor > 1) {
		errs = append(errs, fmt.Errorf("ranking.decay.min_factor must be in (0, 1] (got %v)", c.Decay.MinFactor))
	}
	if c.MinorityBoost < 0 {
		errs = append(errs, fmt.Errorf("ranking.minority_boost must be >= 0 (got %v)", c.MinorityBoost))
	}
	if c.MinorityIntensity < 0 || c.MinorityIntensity > 1 {
		errs = append(errs, fmt.Errorf("ranking.minority_intensity must be in [0, 1] (got %v)", c.MinorityIntensity))
	}
	if c.MaxClustersPerTag <= 0 {
		errs = append(errs, fmt.Errorf("ranking.max_clusters_per_tag must be > 0 (got %d)", c.MaxClustersPerTag))
	}
	if c.EmbedTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ranking.embed_timeout must be > 0 (got %s)", c.EmbedTimeout))
	}
	return errs
}
