package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/civicq/internal/anomaly"
	"github.com/onnwee/civicq/internal/audit"
	"github.com/onnwee/civicq/internal/cluster"
	"github.com/onnwee/civicq/internal/dedup"
	"github.com/onnwee/civicq/internal/embed"
	"github.com/onnwee/civicq/internal/middleware"
	"github.com/onnwee/civicq/internal/question"
	"github.com/onnwee/civicq/internal/ranking"
	"github.com/onnwee/civicq/internal/simindex"
	"github.com/onnwee/civicq/internal/vote"
	dto "github.com/prometheus/client_model/go"
)

type harness struct {
	engine    *Engine
	questions *question.InMemoryRepository
	votes     *vote.InMemoryRepository
	clusters  *cluster.InMemoryRepository
	audit     *audit.InMemoryRepository
	dirty     *ranking.DirtyTracker
	metrics   *Metrics
}

func newHarness(t *testing.T, embedder embed.Embedder) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if embedder == nil {
		embedder = embed.NewHashEmbedder(64)
	}

	h := &harness{
		questions: question.NewInMemoryRepository(),
		votes:     vote.NewInMemoryRepository(),
		clusters:  cluster.NewInMemoryRepository(),
		audit:     audit.NewInMemoryRepository(),
		dirty:     ranking.NewDirtyTracker(),
		metrics:   NewMetrics(),
	}
	index := simindex.New(simindex.DefaultConfig(), logger, nil)
	resolver := dedup.NewResolver(dedup.DefaultConfig(), embedder, index, h.questions, logger, nil)
	scorer := anomaly.NewScorer(anomaly.DefaultConfig(), h.votes, nil, nil, logger)

	rankCfg := ranking.DefaultConfig()
	rankCfg.Decay = ranking.DecayConfig{Kind: ranking.DecayNone}
	recomputer := ranking.NewRecomputer(rankCfg, ranking.Deps{
		Questions: h.questions,
		Votes:     h.votes,
		Clusters:  h.clusters,
		Snapshots: ranking.NewInMemorySnapshotStore(),
		Embedder:  embedder,
		Index:     index,
	}, logger, nil)
	coordinator := ranking.NewCoordinator(recomputer, time.Minute, logger, nil)
	job := ranking.NewRecomputeJob(ranking.RecomputeJobConfig{Logger: logger}, h.dirty, coordinator)

	h.engine = New(Deps{
		Questions:  h.questions,
		Votes:      h.votes,
		Clusters:   h.clusters,
		Resolver:   resolver,
		Index:      index,
		Scorer:     scorer,
		Ranker:     recomputer,
		Recomputes: coordinator,
		Notifier:   job,
		Audit:      h.audit,
		Dirty:      h.dirty,
		Logger:     logger,
		Metrics:    h.metrics,
	})
	return h
}

func (h *harness) submitApproved(t *testing.T, text, tag string) string {
	t.Helper()
	ctx := context.Background()
	res, err := h.engine.SubmitQuestion(ctx, SubmitRequest{ContestID: "c1", Text: text, AuthorID: "author", IssueTags: []string{tag}})
	if err != nil {
		t.Fatalf("SubmitQuestion() error = %v", err)
	}
	if err := h.engine.ApplyModeration(ctx, res.QuestionID, question.StatusApproved, 0); err != nil {
		t.Fatalf("ApplyModeration() error = %v", err)
	}
	return res.QuestionID
}

func (h *harness) upvote(t *testing.T, questionID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := h.engine.Vote(context.Background(), VoteRequest{
			UserID:     fmt.Sprintf("%s-user-%d", questionID, i),
			QuestionID: questionID,
			Value:      1,
			Verified:   true,
		})
		if err != nil {
			t.Fatalf("Vote() error = %v", err)
		}
	}
}

func counterValue(t *testing.T, m *Metrics, vec string, outcome string) float64 {
	t.Helper()
	c := m.submissions
	if vec == "votes" {
		c = m.votes
	}
	var metric dto.Metric
	if err := c.WithLabelValues(outcome).Write(&metric); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return metric.GetCounter().GetValue()
}

// fixedEmbedder returns preset vectors per text.
type fixedEmbedder map[string][]float32

func (f fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, ok := f[text]
	if !ok {
		return nil, errors.New("no vector")
	}
	return v, nil
}

func TestSubmitQuestion_Validation(t *testing.T) {
	h := newHarness(t, nil)
	tags := make([]string, question.MaxIssueTags+1)
	for i := range tags {
		tags[i] = fmt.Sprintf("tag-%d", i)
	}

	tests := []struct {
		name string
		req  SubmitRequest
		want error
	}{
		{"missing contest", SubmitRequest{Text: "Why?"}, ErrMissingContest},
		{"blank text", SubmitRequest{ContestID: "c1", Text: "   "}, question.ErrEmptyText},
		{"too many tags", SubmitRequest{ContestID: "c1", Text: "Why?", IssueTags: tags}, question.ErrTooManyTags},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.engine.SubmitQuestion(context.Background(), tt.req); !errors.Is(err, tt.want) {
				t.Errorf("SubmitQuestion() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSubmitQuestion_DuplicateJoinsCluster(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	text := "How will you repair the potholes on Main Street?"

	original := h.submitApproved(t, text, "transport")

	res, err := h.engine.SubmitQuestion(ctx, SubmitRequest{ContestID: "c1", Text: text, IssueTags: []string{"transport"}})
	if err != nil {
		t.Fatalf("SubmitQuestion() error = %v", err)
	}
	if res.DuplicateOf != original {
		t.Fatalf("DuplicateOf = %q, want %q", res.DuplicateOf, original)
	}
	if res.Status != question.StatusMerged {
		t.Errorf("Status = %q, want merged", res.Status)
	}

	orig, _ := h.questions.Get(ctx, original)
	if res.ClusterID != orig.ClusterID {
		t.Errorf("ClusterID = %q, want the original's cluster %q", res.ClusterID, orig.ClusterID)
	}
	dup, _ := h.questions.Get(ctx, res.QuestionID)
	if dup.MergedInto == nil || *dup.MergedInto != original {
		t.Errorf("MergedInto = %v, want %q", dup.MergedInto, original)
	}

	clusters, err := h.clusters.ListByContest(ctx, "c1")
	if err != nil {
		t.Fatalf("ListByContest() error = %v", err)
	}
	if len(clusters) != 1 || len(clusters[0].MemberQuestionIDs) != 2 {
		t.Fatalf("clusters = %+v, want one cluster with two members", clusters)
	}

	if got := counterValue(t, h.metrics, "submissions", outcomeDuplicate); got != 1 {
		t.Errorf("duplicate submissions = %v, want 1", got)
	}
	if got := counterValue(t, h.metrics, "submissions", outcomeNew); got != 1 {
		t.Errorf("new submissions = %v, want 1", got)
	}
}

func TestSubmitQuestion_PendingQuestionsNeverMatch(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	text := "What is your plan for rent control?"

	first, err := h.engine.SubmitQuestion(ctx, SubmitRequest{ContestID: "c1", Text: text})
	if err != nil {
		t.Fatalf("SubmitQuestion() error = %v", err)
	}
	second, err := h.engine.SubmitQuestion(ctx, SubmitRequest{ContestID: "c1", Text: text})
	if err != nil {
		t.Fatalf("SubmitQuestion() error = %v", err)
	}
	if second.DuplicateOf != "" {
		t.Errorf("DuplicateOf = %q, want no match against a pending question", second.DuplicateOf)
	}
	if first.ClusterID == second.ClusterID {
		t.Error("pending submissions share a cluster")
	}
}

func TestSubmitQuestion_SimilarityThreshold(t *testing.T) {
	near := float32(math.Sqrt(1 - 0.95*0.95))
	far := float32(math.Sqrt(1 - 0.85*0.85))
	h := newHarness(t, fixedEmbedder{
		"original":  {1, 0},
		"close":     {0.95, near},
		"unrelated": {0.85, far},
	})
	ctx := context.Background()

	original := h.submitApproved(t, "original", "housing")

	res, err := h.engine.SubmitQuestion(ctx, SubmitRequest{ContestID: "c1", Text: "close"})
	if err != nil {
		t.Fatalf("SubmitQuestion(close) error = %v", err)
	}
	if res.DuplicateOf != original {
		t.Errorf("close: DuplicateOf = %q, want %q", res.DuplicateOf, original)
	}
	if math.Abs(res.Similarity-0.95) > 1e-3 {
		t.Errorf("close: Similarity = %v, want 0.95", res.Similarity)
	}

	res, err = h.engine.SubmitQuestion(ctx, SubmitRequest{ContestID: "c1", Text: "unrelated"})
	if err != nil {
		t.Fatalf("SubmitQuestion(unrelated) error = %v", err)
	}
	if res.DuplicateOf != "" {
		t.Errorf("unrelated: DuplicateOf = %q, want new question below threshold", res.DuplicateOf)
	}
}

func TestSubmitQuestion_DegradedWhenEmbeddingFails(t *testing.T) {
	h := newHarness(t, fixedEmbedder{})
	res, err := h.engine.SubmitQuestion(context.Background(), SubmitRequest{ContestID: "c1", Text: "anything"})
	if err != nil {
		t.Fatalf("SubmitQuestion() error = %v", err)
	}
	if !res.Degraded {
		t.Error("Degraded = false, want true")
	}
	if res.Status != question.StatusPending || res.ClusterID == "" {
		t.Errorf("result = %+v, want a pending question in its own cluster", res)
	}
}

func TestVote_OnePerUser(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	qid := h.submitApproved(t, "Will you expand the bus network?", "transport")

	first, err := h.engine.Vote(ctx, VoteRequest{UserID: "u1", QuestionID: qid, Value: 1, Verified: true})
	if err != nil {
		t.Fatalf("Vote() error = %v", err)
	}
	if !first.Created || first.Tally.Upvotes != 1 {
		t.Errorf("first vote = %+v, want created upvote", first)
	}

	second, err := h.engine.Vote(ctx, VoteRequest{UserID: "u1", QuestionID: qid, Value: -1, Verified: true})
	if err != nil {
		t.Fatalf("Vote() error = %v", err)
	}
	if second.Created {
		t.Error("second vote Created = true, want an update")
	}
	if second.VoteID != first.VoteID {
		t.Errorf("VoteID changed from %q to %q", first.VoteID, second.VoteID)
	}
	if second.Tally.Upvotes != 0 || second.Tally.Downvotes != 1 {
		t.Errorf("Tally = %+v, want one downvote", second.Tally)
	}

	q, _ := h.questions.Get(ctx, qid)
	if q.Upvotes != 0 || q.Downvotes != 1 {
		t.Errorf("stored tally = %d/%d, want 0/1", q.Upvotes, q.Downvotes)
	}
	if !h.dirty.IsDirty("c1") {
		t.Error("contest not marked dirty after vote")
	}
}

func TestVote_ConcurrentRevotes(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	qid := h.submitApproved(t, "Will you fund the library?", "education")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			value := 1
			if i%2 == 1 {
				value = -1
			}
			if _, err := h.engine.Vote(ctx, VoteRequest{UserID: "u1", QuestionID: qid, Value: value, Verified: true}); err != nil {
				t.Errorf("Vote() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	votes, err := h.votes.ListByQuestion(ctx, qid)
	if err != nil {
		t.Fatalf("ListByQuestion() error = %v", err)
	}
	if len(votes) != 1 {
		t.Fatalf("len(votes) = %d, want 1", len(votes))
	}
	if got := counterValue(t, h.metrics, "votes", outcomeCreated); got != 1 {
		t.Errorf("created votes = %v, want 1", got)
	}
}

func TestVote_RedirectsMergedQuestion(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	text := "How will you reduce wait times at the DMV?"
	original := h.submitApproved(t, text, "services")

	dup, err := h.engine.SubmitQuestion(ctx, SubmitRequest{ContestID: "c1", Text: text})
	if err != nil {
		t.Fatalf("SubmitQuestion() error = %v", err)
	}

	res, err := h.engine.Vote(ctx, VoteRequest{UserID: "u1", QuestionID: dup.QuestionID, Value: 1, Verified: true})
	if err != nil {
		t.Fatalf("Vote() error = %v", err)
	}
	if res.QuestionID != original {
		t.Errorf("QuestionID = %q, want redirect to %q", res.QuestionID, original)
	}
}

func TestVote_RevoteAfterMergeKeepsOneVote(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	text := "Will you add protected bike lanes downtown?"

	// Both stay pending until approval so neither is matched as a duplicate.
	first, err := h.engine.SubmitQuestion(ctx, SubmitRequest{ContestID: "c1", Text: text, IssueTags: []string{"transport"}})
	if err != nil {
		t.Fatalf("SubmitQuestion() error = %v", err)
	}
	second, err := h.engine.SubmitQuestion(ctx, SubmitRequest{ContestID: "c1", Text: text, IssueTags: []string{"transport"}})
	if err != nil {
		t.Fatalf("SubmitQuestion() error = %v", err)
	}
	a, b := first.QuestionID, second.QuestionID
	for _, id := range []string{a, b} {
		if err := h.engine.ApplyModeration(ctx, id, question.StatusApproved, 0); err != nil {
			t.Fatalf("ApplyModeration() error = %v", err)
		}
	}

	h.upvote(t, a, 2)
	if _, err := h.engine.Vote(ctx, VoteRequest{UserID: "u", QuestionID: b, Value: 1, Verified: true}); err != nil {
		t.Fatalf("Vote() error = %v", err)
	}
	if err := h.engine.RecomputeRanking(ctx, "c1"); err != nil {
		t.Fatalf("RecomputeRanking() error = %v", err)
	}
	if q, _ := h.questions.Get(ctx, b); q.Status != question.StatusMerged {
		t.Fatalf("status = %q, want %s merged into the better supported question", q.Status, b)
	}

	res, err := h.engine.Vote(ctx, VoteRequest{UserID: "u", QuestionID: b, Value: -1, Verified: true})
	if err != nil {
		t.Fatalf("re-vote error = %v", err)
	}
	if res.Created {
		t.Error("re-vote after merge created a second vote")
	}
	if res.QuestionID != a {
		t.Errorf("QuestionID = %q, want representative %q", res.QuestionID, a)
	}
	if _, err := h.votes.Get(ctx, "u", a); !errors.Is(err, vote.ErrVoteNotFound) {
		t.Errorf("Get(u, representative) error = %v, want ErrVoteNotFound", err)
	}
	if v, err := h.votes.Get(ctx, "u", b); err != nil || v.Value != -1 {
		t.Errorf("Get(u, merged) = %+v, %v; want value -1", v, err)
	}

	if err := h.engine.RecomputeRanking(ctx, "c1"); err != nil {
		t.Fatalf("RecomputeRanking() error = %v", err)
	}
	items, _ := h.engine.GetRankedQuestions(ctx, "c1", 10)
	if len(items) != 1 || items[0].QuestionID != a {
		t.Fatalf("items = %+v, want only %s", items, a)
	}
	if items[0].BaseScore != 1 {
		t.Errorf("BaseScore = %v, want 1 from three distinct voters", items[0].BaseScore)
	}
}

func TestVote_Rejections(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	pending, err := h.engine.SubmitQuestion(ctx, SubmitRequest{ContestID: "c1", Text: "Still in review?"})
	if err != nil {
		t.Fatalf("SubmitQuestion() error = %v", err)
	}
	approved := h.submitApproved(t, "Is the budget balanced?", "budget")

	tests := []struct {
		name string
		req  VoteRequest
		want error
	}{
		{"missing user", VoteRequest{QuestionID: approved, Value: 1}, ErrMissingUser},
		{"bad value", VoteRequest{UserID: "u1", QuestionID: approved, Value: 2}, vote.ErrInvalidValue},
		{"pending question", VoteRequest{UserID: "u1", QuestionID: pending.QuestionID, Value: 1}, ErrQuestionNotOpen},
		{"unknown question", VoteRequest{UserID: "u1", QuestionID: "missing", Value: 1}, question.ErrQuestionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.engine.Vote(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("Vote() error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := h.engine.FreezeAndAggregate(ctx, "c1"); err != nil {
		t.Fatalf("FreezeAndAggregate() error = %v", err)
	}
	if _, err := h.engine.Vote(ctx, VoteRequest{UserID: "u1", QuestionID: approved, Value: 1}); !errors.Is(err, vote.ErrContestFrozen) {
		t.Errorf("Vote() after freeze error = %v, want ErrContestFrozen", err)
	}
}

func TestEditQuestion_ConcurrentEditsStayMonotonic(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	qid := h.submitApproved(t, "Original wording", "housing")

	const editors = 12
	var wg sync.WaitGroup
	for i := 0; i < editors; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := h.engine.EditQuestion(ctx, qid, fmt.Sprintf("wording %d", i), "mod-1", "clarity"); err != nil {
				t.Errorf("EditQuestion() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	versions, err := h.engine.ListVersions(ctx, qid)
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(versions) != editors+1 {
		t.Fatalf("len(versions) = %d, want %d", len(versions), editors+1)
	}
	for i, v := range versions {
		if v.VersionNumber != i+1 {
			t.Errorf("versions[%d].VersionNumber = %d, want %d", i, v.VersionNumber, i+1)
		}
	}
}

func TestEditQuestion_KeepsAnswerBinding(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	qid := h.submitApproved(t, "What about parks?", "environment")

	v1, err := h.engine.GetVersionAt(ctx, qid, 1)
	if err != nil {
		t.Fatalf("GetVersionAt() error = %v", err)
	}
	v2, err := h.engine.EditQuestion(ctx, qid, "What about new parks downtown?", "mod-1", "specificity")
	if err != nil {
		t.Fatalf("EditQuestion() error = %v", err)
	}
	if v2.VersionNumber != 2 {
		t.Errorf("VersionNumber = %d, want 2", v2.VersionNumber)
	}

	bound, err := h.engine.ResolveAnswer(ctx, question.AnswerBinding{AnswerID: "a1", QuestionVersionID: v1.ID})
	if err != nil {
		t.Fatalf("ResolveAnswer() error = %v", err)
	}
	if bound.Text != "What about parks?" {
		t.Errorf("bound text = %q, want the original wording", bound.Text)
	}

	q, _ := h.questions.Get(ctx, qid)
	if q.Text != v2.Text || q.CurrentVersionID != v2.ID {
		t.Errorf("question = %q@%s, want current version", q.Text, q.CurrentVersionID)
	}
	if len(q.Embedding) != 0 {
		t.Error("embedding kept after edit, want it cleared for re-embedding")
	}

	logs, err := h.audit.QueryByEntity(ctx, audit.EntityQuestion, qid, 0)
	if err != nil {
		t.Fatalf("QueryByEntity() error = %v", err)
	}
	if len(logs) == 0 || logs[0].Action != audit.ActionEditQuestion || logs[0].ActorID != "mod-1" {
		t.Errorf("latest audit log = %+v, want edit by mod-1", logs)
	}
}

func TestApplyModeration(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res, err := h.engine.SubmitQuestion(ctx, SubmitRequest{ContestID: "c1", Text: "Off topic?"})
	if err != nil {
		t.Fatalf("SubmitQuestion() error = %v", err)
	}

	if err := h.engine.ApplyModeration(ctx, res.QuestionID, question.StatusMerged, 0); !errors.Is(err, ErrInvalidNewStatus) {
		t.Errorf("ApplyModeration(merged) error = %v, want ErrInvalidNewStatus", err)
	}
	if err := h.engine.ApplyModeration(ctx, res.QuestionID, question.StatusRemoved, 3); err != nil {
		t.Fatalf("ApplyModeration(removed) error = %v", err)
	}
	q, _ := h.questions.Get(ctx, res.QuestionID)
	if q.Status != question.StatusRemoved || q.IsFlagged != 3 {
		t.Errorf("question = %s/%d, want removed/3", q.Status, q.IsFlagged)
	}
	if err := h.engine.ApplyModeration(ctx, res.QuestionID, question.StatusApproved, 0); !errors.Is(err, question.ErrInvalidTransition) {
		t.Errorf("ApplyModeration(approve removed) error = %v, want ErrInvalidTransition", err)
	}
	if _, err := h.engine.EditQuestion(ctx, res.QuestionID, "edited", "mod-1", "x"); !errors.Is(err, question.ErrQuestionNotEditable) {
		t.Errorf("EditQuestion(removed) error = %v, want ErrQuestionNotEditable", err)
	}
}

func TestSetVoteOverride_Audited(t *testing.T) {
	h := newHarness(t, nil)
	ctx := middleware.SetActorID(context.Background(), "mod-9")
	qid := h.submitApproved(t, "Is the water safe?", "health")
	res, err := h.engine.Vote(ctx, VoteRequest{UserID: "u1", QuestionID: qid, Value: 1, Verified: true})
	if err != nil {
		t.Fatalf("Vote() error = %v", err)
	}

	w := 0.2
	if err := h.engine.SetVoteOverride(ctx, "u1", qid, &w); err != nil {
		t.Fatalf("SetVoteOverride() error = %v", err)
	}
	v, _ := h.votes.Get(ctx, "u1", qid)
	if v.Override == nil || *v.Override != 0.2 {
		t.Errorf("Override = %v, want 0.2", v.Override)
	}

	logs, err := h.audit.QueryByActor(ctx, "mod-9", 0)
	if err != nil {
		t.Fatalf("QueryByActor() error = %v", err)
	}
	if len(logs) == 0 || logs[0].Action != audit.ActionOverrideWeight || logs[0].EntityID != res.VoteID {
		t.Errorf("audit logs = %+v, want override on vote %s", logs, res.VoteID)
	}

	bad := 1.5
	if err := h.engine.SetVoteOverride(ctx, "u1", qid, &bad); !errors.Is(err, vote.ErrInvalidWeight) {
		t.Errorf("SetVoteOverride(1.5) error = %v, want ErrInvalidWeight", err)
	}
}

func TestRecomputeRanking_EndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	items, err := h.engine.GetRankedQuestions(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("GetRankedQuestions() before recompute error = %v", err)
	}
	if len(items) != 0 {
		t.Errorf("len(items) = %d before any recompute, want 0", len(items))
	}

	bus := h.submitApproved(t, "Will you extend bus service to the airport?", "transport")
	rent := h.submitApproved(t, "How would you keep apartment rents affordable?", "housing")
	school := h.submitApproved(t, "Should teachers receive higher salaries?", "education")
	h.upvote(t, rent, 3)
	h.upvote(t, bus, 2)
	h.upvote(t, school, 1)

	if err := h.engine.RecomputeRanking(ctx, "c1"); err != nil {
		t.Fatalf("RecomputeRanking() error = %v", err)
	}
	if h.dirty.IsDirty("c1") {
		t.Error("contest still dirty after a successful recompute")
	}

	items, err = h.engine.GetRankedQuestions(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("GetRankedQuestions() error = %v", err)
	}
	want := []string{rent, bus, school}
	if len(items) != len(want) {
		t.Fatalf("len(items) = %d, want %d", len(items), len(want))
	}
	for i, id := range want {
		if items[i].QuestionID != id {
			t.Errorf("items[%d] = %s, want %s", i, items[i].QuestionID, id)
		}
	}

	top, _ := h.engine.GetRankedQuestions(ctx, "c1", 1)
	if len(top) != 1 || top[0].QuestionID != rent {
		t.Errorf("top 1 = %+v, want %s", top, rent)
	}

	logs, _ := h.audit.QueryByEntity(ctx, audit.EntityContest, "c1", 1)
	if len(logs) != 1 || logs[0].Action != audit.ActionRecompute || logs[0].Outcome != audit.OutcomeSuccess {
		t.Errorf("audit logs = %+v, want successful recompute", logs)
	}
}

func TestRecomputeRanking_MissingContest(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.engine.RecomputeRanking(context.Background(), ""); !errors.Is(err, ErrMissingContest) {
		t.Errorf("RecomputeRanking() error = %v, want ErrMissingContest", err)
	}
	if _, err := h.engine.GetRankedQuestions(context.Background(), "", 5); !errors.Is(err, ErrMissingContest) {
		t.Errorf("GetRankedQuestions() error = %v, want ErrMissingContest", err)
	}
}
