// Package config provides configuration loading and validation for the engine.
// Policy blocks (dedup, anomaly, ranking, buckets) come from an optional YAML
// file; deployment settings may be overridden by environment variables, which
// take precedence over file values.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"

	"github.com/onnwee/civicq/internal/anomaly"
	"github.com/onnwee/civicq/internal/dedup"
	"github.com/onnwee/civicq/internal/portfolio"
	"github.com/onnwee/civicq/internal/ranking"
	"github.com/onnwee/civicq/internal/simindex"
	"github.com/onnwee/civicq/internal/tracing"
	"github.com/onnwee/civicq/internal/validate"
)

// Embedding providers.
const (
	EmbeddingProviderJina = "jina"
	EmbeddingProviderHash = "hash"
)

// IssueBucket reserves a share of the top-N ranking slots for questions
// whose primary tag is Tag.
type IssueBucket struct {
	Tag         string  `koanf:"tag"`
	TargetShare float64 `koanf:"target_share"`
}

// EmbeddingConfig selects the embedding provider. An empty Provider uses
// Jina when an API key is set and the local hash embedder otherwise.
type EmbeddingConfig struct {
	Provider          string        `koanf:"provider"`
	APIKey            string        `koanf:"api_key"`
	Model             string        `koanf:"model"`
	Endpoint          string        `koanf:"endpoint"`
	Dimensions        int           `koanf:"dimensions"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	MaxRetries        int           `koanf:"max_retries"`
	Timeout           time.Duration `koanf:"timeout"`
}

// ResolvedProvider returns the provider that will actually be used.
func (e EmbeddingConfig) ResolvedProvider() string {
	if e.Provider != "" {
		return e.Provider
	}
	if e.APIKey != "" {
		return EmbeddingProviderJina
	}
	return EmbeddingProviderHash
}

// JobsConfig schedules background work.
type JobsConfig struct {
	RecomputeInterval    time.Duration `koanf:"recompute_interval"`
	RecomputeMinInterval time.Duration `koanf:"recompute_min_interval"`
	RecomputeTimeout     time.Duration `koanf:"recompute_timeout"`
	// BurstThreshold votes since the last run trigger an immediate recompute.
	BurstThreshold int `koanf:"burst_threshold"`

	LockstepSchedule     string        `koanf:"lockstep_schedule"`
	LockstepTimeout      time.Duration `koanf:"lockstep_timeout"`
	IndexRebuildSchedule string        `koanf:"index_rebuild_schedule"`
}

// RateLimitConfig bounds request rates per client.
type RateLimitConfig struct {
	Enabled         bool `koanf:"enabled"`
	GlobalPerMinute int  `koanf:"global_per_minute"`
	VotesPerMinute  int  `koanf:"votes_per_minute"`
}

// Config holds all configuration values for the engine.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Storage. An empty DatabaseURL runs on in-memory repositories, which is
	// only allowed outside production. An empty RedisURL keeps rate counters
	// and ranking snapshots in process.
	DatabaseURL string `koanf:"database_url"`
	RedisURL    string `koanf:"redis_url"`

	Embedding EmbeddingConfig `koanf:"embedding"`
	Buckets   []IssueBucket   `koanf:"buckets"`

	Dedup   dedup.Config    `koanf:"dedup"`
	Index   simindex.Config `koanf:"index"`
	Anomaly anomaly.Config  `koanf:"anomaly"`
	Ranking ranking.Config  `koanf:"ranking"`

	Jobs      JobsConfig      `koanf:"jobs"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Tracing   tracing.Config  `koanf:"tracing"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL     = errors.New("DATABASE_URL is required in production")
	ErrMissingEmbeddingAPIKey = errors.New("EMBEDDING_API_KEY is required for the jina provider")
	ErrInvalidPort            = errors.New("PORT must be a valid integer")
	ErrInvalidBuckets         = errors.New("invalid issue buckets")
	ErrInvalidSchedule        = errors.New("invalid cron schedule")
)

// Default values for non-secret configuration.
const (
	DefaultPort                 = 8080
	DefaultEnv                  = "development"
	DefaultHashDimensions       = 256
	DefaultLockstepSchedule     = "@every 10m"
	DefaultIndexRebuildSchedule = "@every 1h"
)

// shareEpsilon absorbs float error when summing bucket shares.
const shareEpsilon = 1e-9

// Default returns a configuration with every policy at its default.
func Default() *Config {
	return &Config{
		Port: DefaultPort,
		Env:  DefaultEnv,
		Embedding: EmbeddingConfig{
			Dimensions: DefaultHashDimensions,
			MaxRetries: 3,
			Timeout:    2 * time.Second,
		},
		Dedup:   dedup.DefaultConfig(),
		Index:   simindex.DefaultConfig(),
		Anomaly: anomaly.DefaultConfig(),
		Ranking: ranking.DefaultConfig(),
		Jobs: JobsConfig{
			RecomputeInterval:    time.Minute,
			RecomputeMinInterval: 10 * time.Second,
			RecomputeTimeout:     2 * time.Minute,
			BurstThreshold:       100,
			LockstepSchedule:     DefaultLockstepSchedule,
			LockstepTimeout:      anomaly.DefaultLockstepTimeout,
			IndexRebuildSchedule: DefaultIndexRebuildSchedule,
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			GlobalPerMinute: 100,
			VotesPerMinute:  30,
		},
		Tracing: tracing.Config{
			ServiceName:  "civicq",
			ExporterType: tracing.ExporterOTLPHTTP,
			SamplingRate: 0.1,
		},
	}
}

// Load reads configuration from an optional YAML file and environment
// variables. Returns the loaded config and every validation error found
// (empty if valid). A file that cannot be read or decoded is returned as the
// only error.
func Load(configFilePath string) (*Config, []error) {
	cfg := Default()
	k := koanf.New(".")

	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
		if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
			return nil, []error{fmt.Errorf("failed to decode config file %s: %w", configFilePath, err)}
		}
	}

	var loadErrs []error

	// CIVICQ_PORT first, then PORT for platforms that inject it
	port, err := envInt([]string{"CIVICQ_PORT", "PORT"}, cfg.Port)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	cfg.Port = port
	cfg.Env = envString([]string{"CIVICQ_ENV", "ENV"}, cfg.Env)
	cfg.DatabaseURL = envString([]string{"DATABASE_URL"}, cfg.DatabaseURL)
	cfg.RedisURL = envString([]string{"REDIS_URL"}, cfg.RedisURL)
	cfg.Embedding.APIKey = envString([]string{"EMBEDDING_API_KEY"}, cfg.Embedding.APIKey)
	cfg.Embedding.Provider = envString([]string{"EMBEDDING_PROVIDER"}, cfg.Embedding.Provider)
	cfg.Tracing.OTLPEndpoint = envString([]string{"OTEL_EXPORTER_OTLP_ENDPOINT"}, cfg.Tracing.OTLPEndpoint)
	cfg.Tracing.Enabled = envBool("TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.RateLimit.Enabled = envBool("RATE_LIMIT_ENABLED", cfg.RateLimit.Enabled)

	cfg.Tracing.Environment = cfg.Env
	cfg.Ranking.Buckets = cfg.PortfolioBuckets()

	return cfg, append(loadErrs, cfg.Validate()...)
}

// PortfolioBuckets converts the configured buckets for the allocator.
func (c *Config) PortfolioBuckets() []portfolio.Bucket {
	out := make([]portfolio.Bucket, 0, len(c.Buckets))
	for _, b := range c.Buckets {
		out = append(out, portfolio.Bucket{
			Tag:         strings.ToLower(strings.TrimSpace(b.Tag)),
			TargetShare: b.TargetShare,
		})
	}
	return out
}

// IsProduction reports whether the engine runs in production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func envString(keys []string, fallback string) string {
	for _, key := range keys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	return fallback
}

// envInt returns the first set variable as an int. A set but unparsable value
// is an error rather than a silent fallback.
func envInt(keys []string, fallback int) (int, error) {
	for _, key := range keys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return fallback, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
			}
			return i, nil
		}
	}
	return fallback, nil
}

func envBool(key string, fallback bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fallback
}

// Validate checks every section and returns all problems found.
func (c *Config) Validate() []error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range: %w", c.Port, ErrInvalidPort))
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}

	switch c.Embedding.ResolvedProvider() {
	case EmbeddingProviderJina:
		if c.Embedding.APIKey == "" {
			errs = append(errs, ErrMissingEmbeddingAPIKey)
		}
	case EmbeddingProviderHash:
		if c.Embedding.Dimensions <= 0 {
			errs = append(errs, fmt.Errorf("embedding.dimensions must be > 0 (got %d)", c.Embedding.Dimensions))
		}
	default:
		errs = append(errs, fmt.Errorf("embedding.provider %q is not supported", c.Embedding.Provider))
	}
	if c.Embedding.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("embedding.timeout must be > 0 (got %s)", c.Embedding.Timeout))
	}
	if c.Embedding.Endpoint != "" {
		if _, err := validate.URL(c.Embedding.Endpoint, validate.EndpointConstraints(c.IsProduction())); err != nil {
			errs = append(errs, fmt.Errorf("embedding.endpoint: %w", err))
		}
	}

	errs = append(errs, validateBuckets(c.Buckets)...)
	errs = append(errs, c.Dedup.Validate()...)
	errs = append(errs, validateIndex(c.Index)...)
	errs = append(errs, c.Anomaly.Validate()...)
	errs = append(errs, c.Ranking.Validate()...)
	errs = append(errs, c.Jobs.validate()...)
	errs = append(errs, c.Tracing.Validate()...)

	if c.RateLimit.Enabled {
		if c.RateLimit.GlobalPerMinute <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.global_per_minute must be > 0 (got %d)", c.RateLimit.GlobalPerMinute))
		}
		if c.RateLimit.VotesPerMinute <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.votes_per_minute must be > 0 (got %d)", c.RateLimit.VotesPerMinute))
		}
	}
	return errs
}

func validateBuckets(buckets []IssueBucket) []error {
	var errs []error
	seen := make(map[string]bool, len(buckets))
	total := 0.0
	for i, b := range buckets {
		tag, err := validate.IssueTag(b.Tag)
		if err != nil {
			errs = append(errs, fmt.Errorf("buckets[%d]: tag %q: %v: %w", i, b.Tag, err, ErrInvalidBuckets))
			continue
		}
		if seen[tag] {
			errs = append(errs, fmt.Errorf("buckets[%d]: duplicate tag %q: %w", i, tag, ErrInvalidBuckets))
		}
		seen[tag] = true
		if math.IsNaN(b.TargetShare) || b.TargetShare < 0 || b.TargetShare > 1 {
			errs = append(errs, fmt.Errorf("buckets[%d]: target_share %v outside [0, 1]: %w", i, b.TargetShare, ErrInvalidBuckets))
			continue
		}
		total += b.TargetShare
	}
	if total > 1+shareEpsilon {
		errs = append(errs, fmt.Errorf("bucket shares sum to %v, must be <= 1: %w", total, ErrInvalidBuckets))
	}
	return errs
}

func validateIndex(c simindex.Config) []error {
	var errs []error
	if c.M <= 0 {
		errs = append(errs, fmt.Errorf("index.m must be > 0 (got %d)", c.M))
	}
	if c.EfSearch <= 0 {
		errs = append(errs, fmt.Errorf("index.ef_search must be > 0 (got %d)", c.EfSearch))
	}
	if c.LargeContestThreshold <= 0 {
		errs = append(errs, fmt.Errorf("index.large_contest_threshold must be > 0 (got %d)", c.LargeContestThreshold))
	}
	if c.Overfetch < 1 {
		errs = append(errs, fmt.Errorf("index.overfetch must be >= 1 (got %d)", c.Overfetch))
	}
	return errs
}

func (j JobsConfig) validate() []error {
	var errs []error
	if j.RecomputeInterval <= 0 {
		errs = append(errs, fmt.Errorf("jobs.recompute_interval must be > 0 (got %s)", j.RecomputeInterval))
	}
	if j.RecomputeMinInterval < 0 {
		errs = append(errs, fmt.Errorf("jobs.recompute_min_interval must be >= 0 (got %s)", j.RecomputeMinInterval))
	}
	if j.RecomputeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("jobs.recompute_timeout must be > 0 (got %s)", j.RecomputeTimeout))
	}
	if j.BurstThreshold < 0 {
		errs = append(errs, fmt.Errorf("jobs.burst_threshold must be >= 0 (got %d)", j.BurstThreshold))
	}
	if j.LockstepTimeout <= 0 {
		errs = append(errs, fmt.Errorf("jobs.lockstep_timeout must be > 0 (got %s)", j.LockstepTimeout))
	}
	for name, spec := range map[string]string{
		"jobs.lockstep_schedule":      j.LockstepSchedule,
		"jobs.index_rebuild_schedule": j.IndexRebuildSchedule,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s %q: %w: %v", name, spec, ErrInvalidSchedule, err))
		}
	}
	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":               strconv.Itoa(c.Port),
		"env":                c.Env,
		"database_url":       maskURL(c.DatabaseURL),
		"redis_url":          maskURL(c.RedisURL),
		"embedding_provider": c.Embedding.ResolvedProvider(),
		"embedding_api_key":  maskSecret(c.Embedding.APIKey),
		"buckets":            strconv.Itoa(len(c.Buckets)),
		"dedup_threshold":    strconv.FormatFloat(c.Dedup.Threshold, 'f', -1, 64),
		"ranking_top_n":      strconv.Itoa(c.Ranking.TopN),
		"decay":              c.Ranking.Decay.Kind,
		"lockstep_schedule":  c.Jobs.LockstepSchedule,
		"rate_limit_enabled": strconv.FormatBool(c.RateLimit.Enabled),
		"tracing_enabled":    strconv.FormatBool(c.Tracing.Enabled),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskURL masks the password in a postgres:// or redis:// URL.
func maskURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	return s[:schemeEnd+3] + rest[:colonIndex] + ":****" + rest[atIndex:]
}
