// Package simindex maintains per-contest approximate nearest-neighbor
// indexes over question embeddings.
//
// Each contest owns an HNSW graph. Small contests are searched by exact
// linear scan; large contests buffer inserts until Rebuild so hot write
// paths do not pay graph maintenance costs.
package simindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/coder/hnsw"
	"github.com/onnwee/civicq/internal/embed"
)

// Index errors.
var (
	ErrDimensionMismatch = errors.New("simindex: vector dimension mismatch")
	ErrEmptyVector       = errors.New("simindex: empty vector")
)

// Match is a search hit with exact cosine similarity.
type Match struct {
	QuestionID string
	Similarity float64
}

// Config tunes graph construction and search.
type Config struct {
	// M is the max neighbors per graph node.
	M int `koanf:"m"`
	// EfSearch is the HNSW search breadth.
	EfSearch int `koanf:"ef_search"`
	// LargeContestThreshold is the size above which inserts are buffered
	// until the next Rebuild.
	LargeContestThreshold int `koanf:"large_contest_threshold"`
	// Overfetch multiplies k when querying the graph before exact re-scoring.
	Overfetch int `koanf:"overfetch"`
}

// DefaultConfig returns default index parameters.
func DefaultConfig() Config {
	return Config{
		M:                     16,
		EfSearch:              64,
		LargeContestThreshold: 100000,
		Overfetch:             4,
	}
}

// Index is safe for concurrent use.
type Index struct {
	mu       sync.RWMutex
	cfg      Config
	contests map[string]*contestIndex
	logger   *slog.Logger
	metrics  *Metrics
}

type contestIndex struct {
	dims    int
	graph   *hnsw.Graph[string]
	vectors map[string][]float32
	// pending holds ids inserted since the last rebuild that are not yet in graph.
	pending map[string]struct{}
	// stale holds ids whose graph node no longer reflects the stored vector.
	stale map[string]struct{}
}

// New creates an empty Index. metrics may be nil.
func New(cfg Config, logger *slog.Logger, metrics *Metrics) *Index {
	def := DefaultConfig()
	if cfg.M <= 0 {
		cfg.M = def.M
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = def.EfSearch
	}
	if cfg.LargeContestThreshold <= 0 {
		cfg.LargeContestThreshold = def.LargeContestThreshold
	}
	if cfg.Overfetch <= 0 {
		cfg.Overfetch = def.Overfetch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		cfg:      cfg,
		contests: make(map[string]*contestIndex),
		logger:   logger,
		metrics:  metrics,
	}
}

func (ix *Index) newGraph() *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	g.Distance = hnsw.CosineDistance
	g.M = ix.cfg.M
	g.EfSearch = ix.cfg.EfSearch
	return g
}

// Insert stores vec for id in the contest's index, replacing any prior vector.
func (ix *Index) Insert(contestID, id string, vec []float32) (err error) {
	if len(vec) == 0 {
		return ErrEmptyVector
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	c := ix.contests[contestID]
	if c == nil {
		c = &contestIndex{
			dims:    len(vec),
			graph:   ix.newGraph(),
			vectors: make(map[string][]float32),
			pending: make(map[string]struct{}),
			stale:   make(map[string]struct{}),
		}
		ix.contests[contestID] = c
	}
	if len(vec) != c.dims {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), c.dims)
	}

	ix.metrics.incInserts()
	stored := make([]float32, len(vec))
	copy(stored, vec)
	_, existed := c.vectors[id]
	c.vectors[id] = stored

	if len(c.vectors) > ix.cfg.LargeContestThreshold {
		c.pending[id] = struct{}{}
		if existed {
			c.stale[id] = struct{}{}
		}
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			ix.logger.Error("hnsw panic recovered in upsert",
				slog.String("contest_id", contestID),
				slog.String("question_id", id),
				slog.Any("panic", r))
			c.pending[id] = struct{}{}
			err = nil
		}
	}()
	// Add replaces an existing node with the same key.
	c.graph.Add(hnsw.MakeNode(id, stored))
	delete(c.stale, id)
	delete(c.pending, id)
	return nil
}

// Vector returns a copy of the stored vector for id.
func (ix *Index) Vector(contestID, id string) ([]float32, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	c := ix.contests[contestID]
	if c == nil {
		return nil, false
	}
	v, ok := c.vectors[id]
	if !ok {
		return nil, false
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out, true
}

// Len returns the number of vectors stored for a contest.
func (ix *Index) Len(contestID string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if c := ix.contests[contestID]; c != nil {
		return len(c.vectors)
	}
	return 0
}

// TopK returns up to k neighbors of vec in the contest ordered by similarity
// descending, then id. accept filters candidates; nil accepts all.
func (ix *Index) TopK(ctx context.Context, contestID string, vec []float32, k int, accept func(id string) bool) (out []Match, err error) {
	if k <= 0 {
		return nil, nil
	}
	if len(vec) == 0 {
		return nil, ErrEmptyVector
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	c := ix.contests[contestID]
	if c == nil {
		return nil, nil
	}
	if len(vec) != c.dims {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), c.dims)
	}

	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("simindex: search panic: %v", r)
		}
	}()

	ix.metrics.incQueries()

	// The search window doubles while the accept filter leaves fewer than k
	// matches, up to a full scan.
	seen := make(map[string]struct{})
	for fetch := k * ix.cfg.Overfetch; ; fetch *= 2 {
		full := len(c.vectors) <= fetch || c.graph.Len() == 0
		var candidates []string
		if full {
			for id := range c.vectors {
				candidates = append(candidates, id)
			}
		} else {
			for _, n := range c.graph.Search(vec, fetch) {
				candidates = append(candidates, n.Key)
			}
			for id := range c.pending {
				candidates = append(candidates, id)
			}
			for id := range c.stale {
				candidates = append(candidates, id)
			}
		}

		for _, id := range candidates {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			stored, ok := c.vectors[id]
			if !ok {
				continue
			}
			if accept != nil && !accept(id) {
				continue
			}
			out = append(out, Match{QuestionID: id, Similarity: embed.CosineSimilarity(vec, stored)})
		}
		if full || len(out) >= k {
			break
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].QuestionID < out[j].QuestionID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Rebuild reconstructs the contest's graph from its stored vectors,
// absorbing pending inserts and dropping removed or stale nodes.
func (ix *Index) Rebuild(contestID string) (err error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	c := ix.contests[contestID]
	if c == nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("simindex: rebuild panic: %v", r)
		}
	}()

	ids := make([]string, 0, len(c.vectors))
	for id := range c.vectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	g := ix.newGraph()
	if len(ids) > 0 {
		nodes := make([]hnsw.Node[string], 0, len(ids))
		for _, id := range ids {
			nodes = append(nodes, hnsw.MakeNode(id, c.vectors[id]))
		}
		g.Add(nodes...)
	}

	c.graph = g
	c.pending = make(map[string]struct{})
	c.stale = make(map[string]struct{})
	return nil
}

// Contests returns the ids of all indexed contests.
func (ix *Index) Contests() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]string, 0, len(ix.contests))
	for id := range ix.contests {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RebuildAll rebuilds every contest that has pending or stale entries.
func (ix *Index) RebuildAll(ctx context.Context) error {
	var errs []error
	for _, contestID := range ix.Contests() {
		if err := ctx.Err(); err != nil {
			return err
		}
		ix.mu.RLock()
		c := ix.contests[contestID]
		dirty := c != nil && (len(c.pending) > 0 || len(c.stale) > 0)
		ix.mu.RUnlock()
		if !dirty {
			continue
		}
		ix.metrics.incRebuilds()
		if err := ix.Rebuild(contestID); err != nil {
			ix.logger.Error("index rebuild failed",
				slog.String("contest_id", contestID),
				slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
