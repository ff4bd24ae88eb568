// Package anomaly scores votes for manipulation risk and converts risk
// into a multiplicative vote weight. Votes are never rejected, only
// discounted.
package anomaly

import (
	"fmt"
	"math"
	"time"
)

// SignalWeights scales each signal before combination. Each must be in [0, 1].
type SignalWeights struct {
	Rate        float64 `koanf:"rate"`
	Fingerprint float64 `koanf:"fingerprint"`
	Device      float64 `koanf:"device"`
	Unverified  float64 `koanf:"unverified"`
	Lockstep    float64 `koanf:"lockstep"`
}

// Config holds anomaly scoring policy.
type Config struct {
	// RateWindow and RateLimit define the rolling per-user vote budget.
	RateWindow time.Duration `koanf:"rate_window"`
	RateLimit  int           `koanf:"rate_limit"`

	// FingerprintWindow bounds co-occurrence of a shared device signature
	// on one question. FingerprintSaturation distinct extra accounts give
	// full signal strength.
	FingerprintWindow     time.Duration `koanf:"fingerprint_window"`
	FingerprintSaturation int           `koanf:"fingerprint_saturation"`

	// Lockstep detection parameters.
	LockstepWindow     time.Duration `koanf:"lockstep_window"`
	LockstepSimilarity float64       `koanf:"lockstep_similarity"`
	LockstepMinOverlap int           `koanf:"lockstep_min_overlap"`

	Weights SignalWeights `koanf:"weights"`

	// MinWeight is the weight at risk 1. Must be in (0, 1].
	MinWeight float64 `koanf:"min_weight"`
}

// DefaultConfig returns the default scoring policy.
func DefaultConfig() Config {
	return Config{
		RateWindow:            time.Minute,
		RateLimit:             20,
		FingerprintWindow:     10 * time.Minute,
		FingerprintSaturation: 3,
		LockstepWindow:        30 * time.Second,
		LockstepSimilarity:    0.8,
		LockstepMinOverlap:    3,
		Weights: SignalWeights{
			Rate:        0.6,
			Fingerprint: 0.7,
			Device:      0.5,
			Unverified:  0.3,
			Lockstep:    0.8,
		},
		MinWeight: 0.05,
	}
}

// Validate returns every policy violation found.
func (c Config) Validate() []error {
	var errs []error
	if c.RateWindow <= 0 {
		errs = append(errs, fmt.Errorf("anomaly.rate_window must be > 0 (got %s)", c.RateWindow))
	}
	if c.RateLimit <= 0 {
		errs = append(errs, fmt.Errorf("anomaly.rate_limit must be > 0 (got %d)", c.RateLimit))
	}
	if c.FingerprintWindow <= 0 {
		errs = append(errs, fmt.Errorf("anomaly.fingerprint_window must be > 0 (got %s)", c.FingerprintWindow))
	}
	if c.FingerprintSaturation <= 0 {
		errs = append(errs, fmt.Errorf("anomaly.fingerprint_saturation must be > 0 (got %d)", c.FingerprintSaturation))
	}
	if c.LockstepWindow <= 0 {
		errs = append(errs, fmt.Errorf("anomaly.lockstep_window must be > 0 (got %s)", c.LockstepWindow))
	}
	if c.LockstepSimilarity <= 0 || c.LockstepSimilarity > 1 {
		errs = append(errs, fmt.Errorf("anomaly.lockstep_similarity must be in (0, 1] (got %v)", c.LockstepSimilarity))
	}
	if c.LockstepMinOverlap <= 0 {
		errs = append(errs, fmt.Errorf("anomaly.lockstep_min_overlap must be > 0 (got %d)", c.LockstepMinOverlap))
	}
	if c.MinWeight <= 0 || c.MinWeight > 1 {
		errs = append(errs, fmt.Errorf("anomaly.min_weight must be in (0, 1] (got %v)", c.MinWeight))
	}
	for name, w := range map[string]float64{
		"rate": c.Weights.Rate, "fingerprint": c.Weights.Fingerprint, "device": c.Weights.Device,
		"unverified": c.Weights.Unverified, "lockstep": c.Weights.Lockstep,
	} {
		if w < 0 || w > 1 {
			errs = append(errs, fmt.Errorf("anomaly.weights.%s must be in [0, 1] (got %v)", name, w))
		}
	}
	return errs
}

// Signals are per-vote signal strengths, each in [0, 1].
type Signals struct {
	Rate        float64
	Fingerprint float64
	Device      float64
	Unverified  float64
	Lockstep    float64
}

// Risk combines signals as a weighted noisy-OR: 1 − Π(1 − wᵢ·sᵢ).
func (c Config) Risk(s Signals) float64 {
	keep := 1.0
	for _, p := range [...]float64{
		c.Weights.Rate * clamp01(s.Rate),
		c.Weights.Fingerprint * clamp01(s.Fingerprint),
		c.Weights.Device * clamp01(s.Device),
		c.Weights.Unverified * clamp01(s.Unverified),
		c.Weights.Lockstep * clamp01(s.Lockstep),
	} {
		keep *= 1 - clamp01(p)
	}
	return clamp01(1 - keep)
}

// Weight maps risk to a vote weight: 1 at risk 0, MinWeight at risk 1,
// strictly decreasing in between.
func (c Config) Weight(risk float64) float64 {
	return 1 - (1-c.MinWeight)*clamp01(risk)
}

// rateSignal grows linearly once count exceeds the limit, saturating at 2× limit.
func (c Config) rateSignal(count int64) float64 {
	if count <= int64(c.RateLimit) {
		return 0
	}
	return clamp01(float64(count-int64(c.RateLimit)) / float64(c.RateLimit))
}

// fingerprintSignal grows with the number of extra accounts sharing a device.
func (c Config) fingerprintSignal(distinctUsers int) float64 {
	if distinctUsers <= 1 {
		return 0
	}
	return clamp01(float64(distinctUsers-1) / float64(c.FingerprintSaturation))
}

func clamp01(f float64) float64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
