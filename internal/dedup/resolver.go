// Package dedup decides whether a submitted question duplicates an approved
// question already in the same contest.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/civicq/internal/embed"
	"github.com/onnwee/civicq/internal/question"
	"github.com/onnwee/civicq/internal/simindex"
)

// ErrIndexTimeout is returned internally when a similarity query exceeds IndexTimeout.
var ErrIndexTimeout = errors.New("dedup: similarity query timed out")

// Config holds duplicate detection policy.
type Config struct {
	// Threshold is the minimum cosine similarity treated as a duplicate.
	Threshold float64 `koanf:"threshold"`
	// Neighbors is how many nearest approved questions are examined.
	Neighbors    int           `koanf:"neighbors"`
	EmbedTimeout time.Duration `koanf:"embed_timeout"`
	IndexTimeout time.Duration `koanf:"index_timeout"`
}

// DefaultConfig returns the default dedup policy.
func DefaultConfig() Config {
	return Config{
		Threshold:    0.9,
		Neighbors:    5,
		EmbedTimeout: 2 * time.Second,
		IndexTimeout: 500 * time.Millisecond,
	}
}

// Validate returns every policy violation found.
func (c Config) Validate() []error {
	var errs []error
	if c.Threshold <= 0 || c.Threshold > 1 {
		errs = append(errs, fmt.Errorf("dedup.threshold must be in (0, 1] (got %v)", c.Threshold))
	}
	if c.Neighbors <= 0 {
		errs = append(errs, fmt.Errorf("dedup.neighbors must be > 0 (got %d)", c.Neighbors))
	}
	if c.EmbedTimeout <= 0 {
		errs = append(errs, fmt.Errorf("dedup.embed_timeout must be > 0 (got %s)", c.EmbedTimeout))
	}
	if c.IndexTimeout <= 0 {
		errs = append(errs, fmt.Errorf("dedup.index_timeout must be > 0 (got %s)", c.IndexTimeout))
	}
	return errs
}

// Searcher is the similarity index query used by the resolver.
type Searcher interface {
	TopK(ctx context.Context, contestID string, vec []float32, k int, accept func(id string) bool) ([]simindex.Match, error)
}

// QuestionGetter looks up candidate status so only approved questions match.
type QuestionGetter interface {
	Get(ctx context.Context, id string) (*question.Question, error)
}

// Decision is the outcome of a duplicate check.
type Decision struct {
	// Embedding is the submitted text's vector; nil when embedding failed.
	Embedding []float32
	// DuplicateOf is the matched approved question, empty when none.
	DuplicateOf string
	Similarity  float64
	// Degraded is set when embedding or search failed or timed out and the
	// submission was treated as new.
	Degraded bool
}

// IsDuplicate reports whether a match was found.
func (d Decision) IsDuplicate() bool {
	return d.DuplicateOf != ""
}

// Resolver runs duplicate detection. It never blocks a submission beyond
// EmbedTimeout + IndexTimeout and never fails it.
type Resolver struct {
	cfg       Config
	embedder  embed.Embedder
	index     Searcher
	questions QuestionGetter
	logger    *slog.Logger
	metrics   *Metrics
}

// NewResolver creates a Resolver. metrics may be nil.
func NewResolver(cfg Config, embedder embed.Embedder, index Searcher, questions QuestionGetter, logger *slog.Logger, metrics *Metrics) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cfg:       cfg,
		embedder:  embed.WithTimeout(embedder, cfg.EmbedTimeout),
		index:     index,
		questions: questions,
		logger:    logger,
		metrics:   metrics,
	}
}

// Config returns the resolver policy.
func (r *Resolver) Config() Config {
	return r.cfg
}

// Resolve embeds text and searches the contest's approved questions.
func (r *Resolver) Resolve(ctx context.Context, contestID, text string) Decision {
	vec, err := r.embedder.Embed(ctx, text)
	if err != nil || len(vec) == 0 {
		if err == nil {
			err = embed.ErrNoEmbedding
		}
		r.logger.Warn("embedding failed, treating submission as new",
			slog.String("contest_id", contestID),
			slog.String("error", err.Error()))
		r.metrics.incDecision(OutcomeDegraded)
		return Decision{Degraded: true}
	}

	matches, err := r.search(ctx, contestID, vec)
	if err != nil {
		r.logger.Warn("similarity search failed, treating submission as new",
			slog.String("contest_id", contestID),
			slog.String("error", err.Error()))
		r.metrics.incDecision(OutcomeDegraded)
		return Decision{Embedding: vec, Degraded: true}
	}

	if len(matches) > 0 && matches[0].Similarity >= r.cfg.Threshold {
		best := matches[0]
		r.logger.Debug("duplicate question detected",
			slog.String("contest_id", contestID),
			slog.String("duplicate_of", best.QuestionID),
			slog.Float64("similarity", best.Similarity))
		r.metrics.incDecision(OutcomeDuplicate)
		return Decision{Embedding: vec, DuplicateOf: best.QuestionID, Similarity: best.Similarity}
	}

	decision := Decision{Embedding: vec}
	if len(matches) > 0 {
		decision.Similarity = matches[0].Similarity
	}
	r.metrics.incDecision(OutcomeNew)
	return decision
}

// search runs TopK under IndexTimeout. The graph search itself is not
// interruptible, so the query runs in its own goroutine and is abandoned
// on timeout.
func (r *Resolver) search(ctx context.Context, contestID string, vec []float32) ([]simindex.Match, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.IndexTimeout)
	defer cancel()

	accept := func(id string) bool {
		q, err := r.questions.Get(ctx, id)
		return err == nil && q.ContestID == contestID && q.Status == question.StatusApproved
	}

	type result struct {
		matches []simindex.Match
		err     error
	}
	done := make(chan result, 1)
	go func() {
		m, err := r.index.TopK(ctx, contestID, vec, r.cfg.Neighbors, accept)
		done <- result{matches: m, err: err}
	}()

	select {
	case res := <-done:
		return res.matches, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrIndexTimeout
		}
		return nil, ctx.Err()
	}
}
