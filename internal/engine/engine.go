// Package engine is the service facade of the question ranking engine. It
// ties submission deduplication, vote scoring, edit history, moderation
// and ranking recomputes together over the storage repositories.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/civicq/internal/anomaly"
	"github.com/onnwee/civicq/internal/audit"
	"github.com/onnwee/civicq/internal/cluster"
	"github.com/onnwee/civicq/internal/dedup"
	"github.com/onnwee/civicq/internal/question"
	"github.com/onnwee/civicq/internal/ranking"
	"github.com/onnwee/civicq/internal/tracing"
	"github.com/onnwee/civicq/internal/vote"
	"go.opentelemetry.io/otel/attribute"
)

// Errors returned by Engine operations.
var (
	ErrMissingContest   = errors.New("contest id is required")
	ErrMissingUser      = errors.New("user id is required")
	ErrQuestionNotOpen  = errors.New("question is not open for voting")
	ErrRedirectTooDeep  = errors.New("merged question chain is too long")
	ErrInvalidNewStatus = errors.New("moderation may only approve or remove")
)

// maxRedirects bounds how many merged_into links a vote follows.
const maxRedirects = 8

// Deduplicator decides whether a submission duplicates an existing question.
type Deduplicator interface {
	Resolve(ctx context.Context, contestID, text string) dedup.Decision
}

// Indexer registers question embeddings for similarity search.
type Indexer interface {
	Insert(contestID, id string, vec []float32) error
}

// VoteScorer computes inline anomaly risk for a vote.
type VoteScorer interface {
	ScoreVote(ctx context.Context, v *vote.Vote, at time.Time) anomaly.Result
}

// Ranker serves published rankings.
type Ranker interface {
	GetRanked(ctx context.Context, contestID string, topN int) ([]ranking.RankedItem, error)
}

// Recomputes runs coalesced ranking recomputes.
type Recomputes interface {
	Recompute(ctx context.Context, contestID string) error
}

// ChangeNotifier learns about changes that invalidate a contest's ranking.
type ChangeNotifier interface {
	NotifyChange(contestID string)
	NotifyVote(ctx context.Context, contestID string)
}

// Deps are the collaborators of an Engine. Index, Notifier, Audit and
// Dirty are optional.
type Deps struct {
	Questions  question.Repository
	Votes      vote.Repository
	Clusters   cluster.Repository
	Resolver   Deduplicator
	Index      Indexer
	Scorer     VoteScorer
	Ranker     Ranker
	Recomputes Recomputes
	Notifier   ChangeNotifier
	Audit      audit.Repository
	// Dirty is cleared after a successful on-demand recompute.
	Dirty   *ranking.DirtyTracker
	Logger  *slog.Logger
	Metrics *Metrics
	Now     func() time.Time
}

// Engine implements the question ranking operations.
type Engine struct {
	questions  question.Repository
	votes      vote.Repository
	clusters   cluster.Repository
	versions   *question.Tracker
	resolver   Deduplicator
	index      Indexer
	scorer     VoteScorer
	ranker     Ranker
	recomputes Recomputes
	notifier   ChangeNotifier
	audit      audit.Repository
	dirty      *ranking.DirtyTracker
	logger     *slog.Logger
	metrics    *Metrics
	now        func() time.Time
}

// New creates an Engine.
func New(deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Notifier == nil {
		deps.Notifier = noopNotifier{}
	}
	return &Engine{
		questions:  deps.Questions,
		votes:      deps.Votes,
		clusters:   deps.Clusters,
		versions:   question.NewTracker(deps.Questions, deps.Logger),
		resolver:   deps.Resolver,
		index:      deps.Index,
		scorer:     deps.Scorer,
		ranker:     deps.Ranker,
		recomputes: deps.Recomputes,
		notifier:   deps.Notifier,
		audit:      deps.Audit,
		dirty:      deps.Dirty,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		now:        deps.Now,
	}
}

type noopNotifier struct{}

func (noopNotifier) NotifyChange(string) {}
func (noopNotifier) NotifyVote(context.Context, string) {}

// SubmitRequest is a new question.
type SubmitRequest struct {
	ContestID string   `json:"contest_id"`
	Text      string   `json:"text"`
	AuthorID  string   `json:"author_id,omitempty"`
	IssueTags []string `json:"issue_tags"`
}

// SubmitResult reports where a submission ended up.
type SubmitResult struct {
	QuestionID  string          `json:"question_id"`
	VersionID   string          `json:"version_id"`
	Status      question.Status `json:"status"`
	ClusterID   string          `json:"cluster_id"`
	DuplicateOf string          `json:"duplicate_of,omitempty"`
	Similarity  float64         `json:"similarity,omitempty"`
	// Degraded is set when similarity search was skipped; the question is
	// then treated as new and reconsidered by the next recompute.
	Degraded bool `json:"degraded,omitempty"`
}

// SubmitQuestion stores a question. A near-duplicate of an approved
// question joins that question's cluster as a merged member; anything else
// starts a new cluster in pending status.
func (e *Engine) SubmitQuestion(ctx context.Context, req SubmitRequest) (res *SubmitResult, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "engine.submit_question")
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx, attribute.String("contest_id", req.ContestID))

	if req.ContestID == "" {
		return nil, ErrMissingContest
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, question.ErrEmptyText
	}
	tags, err := question.NormalizeTags(req.IssueTags)
	if err != nil {
		return nil, err
	}

	decision := e.resolver.Resolve(ctx, req.ContestID, req.Text)

	q := &question.Question{
		ContestID: req.ContestID,
		Text:      req.Text,
		IssueTags: tags,
		Embedding: decision.Embedding,
		CreatedAt: e.now().UTC(),
	}
	if req.AuthorID != "" {
		author := req.AuthorID
		q.AuthorID = &author
	}
	version, err := e.questions.Create(ctx, q, req.AuthorID)
	if err != nil {
		return nil, fmt.Errorf("create question: %w", err)
	}

	res = &SubmitResult{
		QuestionID: q.ID,
		VersionID:  version.ID,
		Status:     q.Status,
		Degraded:   decision.Degraded,
	}

	if decision.IsDuplicate() {
		clusterID, err := e.attachDuplicate(ctx, q, decision.DuplicateOf)
		if err != nil {
			return nil, err
		}
		res.Status = question.StatusMerged
		res.ClusterID = clusterID
		res.DuplicateOf = decision.DuplicateOf
		res.Similarity = decision.Similarity
		e.metrics.incSubmission(outcomeDuplicate)
	} else {
		c := cluster.NewSingleton(q.ContestID, q.ID)
		c.CreatedAt = q.CreatedAt
		if err := e.clusters.Create(ctx, c); err != nil {
			return nil, fmt.Errorf("create cluster: %w", err)
		}
		if err := e.questions.SetCluster(ctx, q.ID, c.ID); err != nil {
			return nil, fmt.Errorf("assign cluster: %w", err)
		}
		res.ClusterID = c.ID
		e.indexQuestion(q)
		e.metrics.incSubmission(outcomeNew)
	}

	e.notifier.NotifyChange(q.ContestID)
	e.logger.Info("question submitted",
		slog.String("contest_id", q.ContestID),
		slog.String("question_id", q.ID),
		slog.String("status", string(res.Status)),
		slog.String("duplicate_of", res.DuplicateOf),
		slog.Bool("degraded", res.Degraded))
	return res, nil
}

// attachDuplicate merges q into the cluster of the matched question. When
// a concurrent recompute folded that cluster away, the lookup is retried
// once against the matched question's new cluster.
func (e *Engine) attachDuplicate(ctx context.Context, q *question.Question, matchID string) (string, error) {
	into := matchID
	if err := e.questions.UpdateStatus(ctx, q.ID, question.StatusMerged, &into); err != nil {
		return "", fmt.Errorf("mark duplicate: %w", err)
	}

	var clusterID string
	for attempt := 0; attempt < 2; attempt++ {
		match, err := e.questions.Get(ctx, matchID)
		if err != nil {
			return "", fmt.Errorf("load matched question: %w", err)
		}
		clusterID = match.ClusterID
		err = e.clusters.AddMember(ctx, clusterID, q.ID)
		if err == nil {
			break
		}
		if !errors.Is(err, cluster.ErrClusterNotFound) || attempt == 1 {
			return "", fmt.Errorf("join cluster: %w", err)
		}
	}
	if err := e.questions.SetCluster(ctx, q.ID, clusterID); err != nil {
		return "", fmt.Errorf("assign cluster: %w", err)
	}
	return clusterID, nil
}

// indexQuestion adds q to the similarity index. Failures only delay
// deduplication against q until the next index rebuild or recompute.
func (e *Engine) indexQuestion(q *question.Question) {
	if e.index == nil || len(q.Embedding) == 0 {
		return
	}
	if err := e.index.Insert(q.ContestID, q.ID, q.Embedding); err != nil {
		e.logger.Warn("failed to index question",
			slog.String("contest_id", q.ContestID),
			slog.String("question_id", q.ID),
			slog.String("error", err.Error()))
	}
}
