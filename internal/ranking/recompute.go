package ranking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/civicq/internal/cluster"
	"github.com/onnwee/civicq/internal/embed"
	"github.com/onnwee/civicq/internal/portfolio"
	"github.com/onnwee/civicq/internal/question"
	"github.com/onnwee/civicq/internal/simindex"
	"github.com/onnwee/civicq/internal/tracing"
	"github.com/onnwee/civicq/internal/vote"
	"go.opentelemetry.io/otel/attribute"
)

// Recompute stages, used in logs, errors and metrics.
const (
	StageLoad      = "load"
	StageEmbed     = "embed"
	StageRecluster = "recluster"
	StageScore     = "score"
	StageCap       = "cap"
	StageAllocate  = "allocate"
	StageCommit    = "commit"
)

// ErrNoEmbedder is returned when a question needs embedding and no
// provider is configured.
var ErrNoEmbedder = errors.New("no embedding provider configured")

// StageError reports the recompute stage that failed.
type StageError struct {
	ContestID string
	Stage     string
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("ranking recompute for contest %s failed at %s: %v", e.ContestID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// QuestionStore is the question storage used by recompute.
type QuestionStore interface {
	ListByContest(ctx context.Context, contestID string) ([]*question.Question, error)
	ApplyRanking(ctx context.Context, updates []question.RankUpdate) error
	SetEmbedding(ctx context.Context, id string, embedding []float32) error
}

// VoteSource is the vote storage read by recompute.
type VoteSource interface {
	ListByContest(ctx context.Context, contestID string) ([]*vote.Vote, error)
	Aggregates(ctx context.Context, contestID string) ([]vote.Aggregate, error)
}

// ClusterStore is the cluster storage used by recompute.
type ClusterStore interface {
	ListByContest(ctx context.Context, contestID string) ([]*cluster.Cluster, error)
	ApplyMerges(ctx context.Context, merges []cluster.Merge) (map[string][]string, error)
}

// NeighborIndex is the similarity index used to recluster large contests
// and to register re-embedded questions.
type NeighborIndex interface {
	Insert(contestID, id string, vec []float32) error
	TopK(ctx context.Context, contestID string, vec []float32, k int, accept func(id string) bool) ([]simindex.Match, error)
}

// Deps are the collaborators of a Recomputer. Index and Representation
// are optional. Committer defaults to a StoreCommitter over Questions and
// Clusters.
type Deps struct {
	Questions      QuestionStore
	Votes          VoteSource
	Clusters       ClusterStore
	Committer      Committer
	Snapshots      SnapshotStore
	Embedder       embed.Embedder
	Index          NeighborIndex
	Representation RepresentationSource
	Now            func() time.Time
}

// Recomputer runs all-or-nothing ranking recomputes and serves the last
// published snapshot per contest. Callers must not run two recomputes for
// the same contest concurrently; Coordinator enforces that.
type Recomputer struct {
	cfg      Config
	deps     Deps
	embedder embed.Embedder
	logger   *slog.Logger
	metrics  *Metrics

	mu   sync.RWMutex
	last map[string]*Snapshot
}

// NewRecomputer creates a Recomputer. metrics may be nil.
func NewRecomputer(cfg Config, deps Deps, logger *slog.Logger, metrics *Metrics) *Recomputer {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Representation == nil {
		deps.Representation = NoRepresentation{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Committer == nil {
		deps.Committer = StoreCommitter{Questions: deps.Questions, Clusters: deps.Clusters}
	}
	var embedder embed.Embedder
	if deps.Embedder != nil {
		embedder = embed.WithTimeout(deps.Embedder, cfg.EmbedTimeout)
	}
	return &Recomputer{
		cfg:      cfg,
		deps:     deps,
		embedder: embedder,
		logger:   logger,
		metrics:  metrics,
		last:     make(map[string]*Snapshot),
	}
}

// Config returns the ranking policy.
func (r *Recomputer) Config() Config {
	return r.cfg
}

// contestState is the point-in-time read of one contest.
type contestState struct {
	contestID string
	questions map[string]*question.Question
	approved  []*question.Question
	votes     map[string][]*vote.Vote
	aggs      map[string][]vote.Aggregate
	clusters  []*cluster.Cluster
	clusterOf map[string]*cluster.Cluster
	prev      *Snapshot

	// embeddings holds vectors produced by the embed stage; written after commit.
	embeddings map[string][]float32
	// mergedInto maps each merged question to its terminal representative.
	mergedInto map[string]string
	// losers maps questions merged by this recompute to their winner.
	losers map[string]string
}

// vector returns the stored or freshly computed embedding.
func (s *contestState) vector(id string) []float32 {
	if v, ok := s.embeddings[id]; ok {
		return v
	}
	return s.questions[id].Embedding
}

// root follows merge links to the live representative of id.
func (s *contestState) root(id string) string {
	seen := make(map[string]bool)
	for !seen[id] {
		seen[id] = true
		if w, ok := s.losers[id]; ok {
			id = w
			continue
		}
		if w, ok := s.mergedInto[id]; ok {
			id = w
			continue
		}
		break
	}
	return id
}

// scored is a question's score breakdown before capping and allocation.
type scored struct {
	q    *question.Question
	item RankedItem
}

// Recompute runs every stage for a contest and publishes a new snapshot.
// On any error nothing is written and the previous snapshot stays current.
func (r *Recomputer) Recompute(ctx context.Context, contestID string) (snap *Snapshot, err error) {
	start := r.deps.Now()
	began := time.Now()
	ctx, endSpan := tracing.StartSpan(ctx, "ranking.recompute")
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx, attribute.String("contest_id", contestID))

	fail := func(stage string, cause error) (*Snapshot, error) {
		r.logger.Error("ranking recompute failed, keeping last snapshot",
			slog.String("contest_id", contestID),
			slog.String("stage", stage),
			slog.String("error", cause.Error()))
		r.metrics.observeFailure(stage, time.Since(began).Seconds())
		tracing.AddEvent(ctx, "recompute.stage_failed", attribute.String("stage", stage))
		return nil, &StageError{ContestID: contestID, Stage: stage, Err: cause}
	}

	st, err := r.load(ctx, contestID)
	if err != nil {
		return fail(StageLoad, err)
	}
	if err := r.embedMissing(ctx, st); err != nil {
		return fail(StageEmbed, err)
	}
	if err := r.recluster(ctx, st); err != nil {
		return fail(StageRecluster, err)
	}
	items, err := r.score(ctx, st, start)
	if err != nil {
		return fail(StageScore, err)
	}
	admitted, capped := capClusters(items, r.cfg.MaxClustersPerTag)
	ranked := arrange(rankedItems(admitted), rankedItems(capped), r.cfg.TopN, r.cfg.Buckets)

	snap = &Snapshot{
		ContestID:  contestID,
		Items:      ranked,
		ComputedAt: start,
		Version:    1,
		TopN:       r.cfg.TopN,
	}
	if st.prev != nil {
		snap.Version = st.prev.Version + 1
	}

	if err := r.commit(ctx, st, items, snap); err != nil {
		return fail(StageCommit, err)
	}
	r.persistEmbeddings(ctx, st)

	duration := time.Since(began)
	r.metrics.observeSuccess(duration.Seconds(), float64(r.deps.Now().Unix()))
	r.metrics.addMerges(len(st.losers))
	r.logger.Info("ranking recomputed",
		slog.String("contest_id", contestID),
		slog.Int64("version", snap.Version),
		slog.Int("items", len(snap.Items)),
		slog.Int("merged", len(st.losers)),
		slog.Duration("duration", duration))
	return snap.clone(), nil
}

func (r *Recomputer) load(ctx context.Context, contestID string) (*contestState, error) {
	questions, err := r.deps.Questions.ListByContest(ctx, contestID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	votes, err := r.deps.Votes.ListByContest(ctx, contestID)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	aggs, err := r.deps.Votes.Aggregates(ctx, contestID)
	if err != nil {
		return nil, fmt.Errorf("list vote aggregates: %w", err)
	}
	clusters, err := r.deps.Clusters.ListByContest(ctx, contestID)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}

	st := &contestState{
		contestID:  contestID,
		questions:  make(map[string]*question.Question, len(questions)),
		votes:      make(map[string][]*vote.Vote),
		aggs:       make(map[string][]vote.Aggregate),
		clusters:   clusters,
		clusterOf:  make(map[string]*cluster.Cluster, len(clusters)),
		embeddings: make(map[string][]float32),
		mergedInto: make(map[string]string),
		losers:     make(map[string]string),
	}
	for _, q := range questions {
		st.questions[q.ID] = q
		if q.Status == question.StatusApproved {
			st.approved = append(st.approved, q)
		}
		if q.Status == question.StatusMerged && q.MergedInto != nil {
			st.mergedInto[q.ID] = *q.MergedInto
		}
	}
	for _, v := range votes {
		st.votes[v.QuestionID] = append(st.votes[v.QuestionID], v)
	}
	for _, a := range aggs {
		st.aggs[a.QuestionID] = append(st.aggs[a.QuestionID], a)
	}
	for _, c := range clusters {
		st.clusterOf[c.ID] = c
	}

	st.prev = r.cached(contestID)
	if prev, err := r.deps.Snapshots.Load(ctx, contestID); err == nil {
		if st.prev == nil || prev.Version > st.prev.Version {
			st.prev = prev
		}
	} else if !errors.Is(err, ErrSnapshotNotFound) {
		r.logger.Warn("failed to load previous ranking snapshot",
			slog.String("contest_id", contestID),
			slog.String("error", err.Error()))
	}
	return st, nil
}

// embedMissing embeds approved questions that have no stored vector.
func (r *Recomputer) embedMissing(ctx context.Context, st *contestState) error {
	for _, q := range st.approved {
		if len(q.Embedding) > 0 {
			continue
		}
		if r.embedder == nil {
			return ErrNoEmbedder
		}
		vec, err := r.embedder.Embed(ctx, q.Text)
		if err != nil {
			return fmt.Errorf("embed question %s: %w", q.ID, err)
		}
		if len(vec) == 0 {
			return fmt.Errorf("embed question %s: %w", q.ID, embed.ErrNoEmbedding)
		}
		st.embeddings[q.ID] = vec
	}
	return nil
}

// support is the weighted vote total used to pick merge winners.
func (st *contestState) support(id string) float64 {
	var ids []string
	for qid := range st.questions {
		if st.root(qid) == id {
			ids = append(ids, qid)
		}
	}
	total := 0.0
	for _, v := range st.clusterVotes(ids) {
		total += float64(v.Value) * v.EffectiveWeight()
	}
	for _, qid := range ids {
		for _, a := range st.aggs[qid] {
			total += a.WeightedUp - a.WeightedDown
		}
	}
	return total
}

// clusterVotes returns the live votes on ids with at most one vote per
// user: the most recently updated one.
func (st *contestState) clusterVotes(ids []string) []*vote.Vote {
	latest := make(map[string]*vote.Vote)
	for _, id := range ids {
		for _, v := range st.votes[id] {
			cur, ok := latest[v.UserID]
			if !ok || v.UpdatedAt.After(cur.UpdatedAt) ||
				(v.UpdatedAt.Equal(cur.UpdatedAt) && v.ID > cur.ID) {
				latest[v.UserID] = v
			}
		}
	}
	out := make([]*vote.Vote, 0, len(latest))
	for _, v := range latest {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// recluster merges approved near-duplicates. For each group the question
// with the highest weighted support wins; ties go to the earlier question.
func (r *Recomputer) recluster(ctx context.Context, st *contestState) error {
	if len(st.approved) < 2 {
		return nil
	}

	approved := make(map[string]bool, len(st.approved))
	uf := cluster.NewUnionFind()
	for _, q := range st.approved {
		approved[q.ID] = true
		uf.Add(q.ID)
	}

	if r.deps.Index == nil || len(st.approved) <= r.cfg.PairwiseLimit {
		for i, a := range st.approved {
			if err := ctx.Err(); err != nil {
				return err
			}
			va := st.vector(a.ID)
			for _, b := range st.approved[i+1:] {
				if embed.CosineSimilarity(va, st.vector(b.ID)) >= r.cfg.ClusterThreshold {
					uf.Union(a.ID, b.ID)
				}
			}
		}
	} else {
		accept := func(id string) bool { return approved[id] }
		for _, q := range st.approved {
			matches, err := r.deps.Index.TopK(ctx, st.contestID, st.vector(q.ID), r.cfg.ClusterNeighbors+1, accept)
			if err != nil {
				return fmt.Errorf("neighbors of %s: %w", q.ID, err)
			}
			for _, m := range matches {
				if m.QuestionID != q.ID && m.Similarity >= r.cfg.ClusterThreshold {
					uf.Union(q.ID, m.QuestionID)
				}
			}
		}
	}

	for _, group := range uf.Groups() {
		if len(group) < 2 {
			continue
		}
		winner := group[0]
		best := st.support(winner)
		for _, id := range group[1:] {
			s := st.support(id)
			wq, cq := st.questions[winner], st.questions[id]
			if s > best || (s == best && (cq.CreatedAt.Before(wq.CreatedAt) ||
				(cq.CreatedAt.Equal(wq.CreatedAt) && id < winner))) {
				winner, best = id, s
			}
		}
		for _, id := range group {
			if id != winner {
				st.losers[id] = winner
			}
		}
	}
	return nil
}

// score computes rank components for every surviving approved question.
func (r *Recomputer) score(ctx context.Context, st *contestState, now time.Time) ([]*scored, error) {
	members := make(map[string][]string)
	ids := make([]string, 0, len(st.questions))
	for id := range st.questions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		root := st.root(id)
		members[root] = append(members[root], id)
	}

	var out []*scored
	for _, q := range st.approved {
		if _, lost := st.losers[q.ID]; lost {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var base, discount float64
		for _, v := range st.clusterVotes(members[q.ID]) {
			w := v.EffectiveWeight()
			base += float64(v.Value) * w
			discount += 1 - w
		}
		for _, id := range members[q.ID] {
			for _, a := range st.aggs[id] {
				base += a.WeightedUp - a.WeightedDown
				discount += float64(a.Upvotes+a.Downvotes) - (a.WeightedUp + a.WeightedDown)
			}
		}

		rep, err := r.deps.Representation.Concentration(ctx, q.ID)
		if err != nil {
			return nil, fmt.Errorf("representation for %s: %w", q.ID, err)
		}

		recency := RecencyFactor(r.cfg.Decay, now.Sub(q.CreatedAt))
		boost := MinorityBoost(r.cfg, rep)
		out = append(out, &scored{
			q: q,
			item: RankedItem{
				QuestionID:      q.ID,
				ClusterID:       q.ClusterID,
				IssueTag:        q.PrimaryTag(),
				RankScore:       RankScore(base, recency, boost),
				BaseScore:       base,
				RecencyFactor:   recency,
				MinorityBoost:   boost,
				AnomalyDiscount: discount,
				MergedCount:     len(members[q.ID]) - 1,
				CreatedAt:       q.CreatedAt,
			},
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.item.RankScore != b.item.RankScore {
			return a.item.RankScore > b.item.RankScore
		}
		if !a.q.CreatedAt.Equal(b.q.CreatedAt) {
			return a.q.CreatedAt.Before(b.q.CreatedAt)
		}
		return a.q.ID < b.q.ID
	})
	return out, nil
}

// capClusters keeps at most maxPerTag clusters per primary tag eligible for
// the top slots. The rest are demoted, in score order.
func capClusters(items []*scored, maxPerTag int) (admitted, capped []*scored) {
	counts := make(map[string]int)
	for _, s := range items {
		if counts[s.item.IssueTag] < maxPerTag {
			counts[s.item.IssueTag]++
			admitted = append(admitted, s)
			continue
		}
		capped = append(capped, s)
	}
	return admitted, capped
}

// arrange runs the portfolio allocator over the admitted clusters for n
// slots, then appends admitted items below the cutoff and the capped items.
func arrange(admitted, capped []RankedItem, n int, buckets []portfolio.Bucket) []RankedItem {
	byID := make(map[string]RankedItem, len(admitted))
	candidates := make([]portfolio.Candidate, 0, len(admitted))
	for _, item := range admitted {
		byID[item.QuestionID] = item
		candidates = append(candidates, portfolio.Candidate{
			QuestionID: item.QuestionID,
			Tag:        item.IssueTag,
			Score:      item.RankScore,
			CreatedAt:  item.CreatedAt,
		})
	}

	out := make([]RankedItem, 0, len(admitted)+len(capped))
	placed := make(map[string]bool, len(admitted))
	for _, a := range portfolio.Allocate(candidates, n, buckets) {
		item := byID[a.QuestionID]
		item.Reason = a.Reason
		item.Explanation = explain(item, a.Bucket)
		out = append(out, item)
		placed[a.QuestionID] = true
	}
	for _, item := range admitted {
		if placed[item.QuestionID] {
			continue
		}
		item.Reason = ReasonBelowCutoff
		item.Explanation = explain(item, "")
		out = append(out, item)
	}
	for _, item := range capped {
		item.Reason = ReasonClusterCap
		item.Explanation = explain(item, "")
		out = append(out, item)
	}
	return out
}

// sortItems orders items by rank score, then age, then id.
func sortItems(items []RankedItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.RankScore != b.RankScore {
			return a.RankScore > b.RankScore
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.QuestionID < b.QuestionID
	})
}

func rankedItems(s []*scored) []RankedItem {
	out := make([]RankedItem, len(s))
	for i, x := range s {
		out[i] = x.item
	}
	return out
}

// commit writes merges and question updates through the Committer, then
// publishes the snapshot. Readers see the new ranking only after all writes
// succeeded.
func (r *Recomputer) commit(ctx context.Context, st *contestState, items []*scored, snap *Snapshot) error {
	merges := planMerges(st)
	planned := plannedMembers(st, merges)

	updates := make(map[string]*question.RankUpdate)
	update := func(id string) *question.RankUpdate {
		u, ok := updates[id]
		if !ok {
			u = &question.RankUpdate{QuestionID: id}
			if q, known := st.questions[id]; known {
				u.RankScore = q.RankScore
			}
			updates[id] = u
		}
		return u
	}

	for _, s := range items {
		u := update(s.q.ID)
		u.RankScore = s.item.RankScore
	}
	for loser, winner := range st.losers {
		w := winner
		u := update(loser)
		u.Status = question.StatusMerged
		u.MergedInto = &w
		u.RankScore = 0
	}
	// Reconcile cluster ids with membership as it will be after the merges.
	deleted := make(map[string]bool)
	for _, m := range merges {
		for _, id := range m.FromIDs {
			deleted[id] = true
		}
	}
	for _, c := range st.clusters {
		if deleted[c.ID] {
			continue
		}
		for _, id := range c.MemberQuestionIDs {
			if q, ok := st.questions[id]; ok && q.ClusterID != c.ID {
				update(id).ClusterID = c.ID
			}
		}
	}
	for into, ids := range planned {
		for _, id := range ids {
			if q, ok := st.questions[id]; ok && q.ClusterID != into {
				update(id).ClusterID = into
			}
		}
	}

	list := make([]question.RankUpdate, 0, len(updates))
	for _, u := range updates {
		list = append(list, *u)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].QuestionID < list[j].QuestionID })

	reconcile := func(members map[string][]string) []question.RankUpdate {
		var fixes []question.RankUpdate
		for into, ids := range members {
			for _, id := range ids {
				if slices.Contains(planned[into], id) {
					continue
				}
				fix := question.RankUpdate{QuestionID: id, ClusterID: into}
				if u, ok := updates[id]; ok {
					fix.RankScore = u.RankScore
				} else if q, ok := st.questions[id]; ok {
					fix.RankScore = q.RankScore
				}
				fixes = append(fixes, fix)
			}
		}
		sort.Slice(fixes, func(i, j int) bool { return fixes[i].QuestionID < fixes[j].QuestionID })
		return fixes
	}

	if err := r.deps.Committer.Commit(ctx, CommitPlan{
		Updates:   list,
		Merges:    merges,
		Reconcile: reconcile,
	}); err != nil {
		return err
	}

	for i := range snap.Items {
		if u, ok := updates[snap.Items[i].QuestionID]; ok && u.ClusterID != "" {
			snap.Items[i].ClusterID = u.ClusterID
		}
	}
	if err := r.deps.Snapshots.Save(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	r.mu.Lock()
	r.last[snap.ContestID] = snap.clone()
	r.mu.Unlock()
	return nil
}

// plannedMembers returns the member list each merge target will have,
// based on the clusters read at load time.
func plannedMembers(st *contestState, merges []cluster.Merge) map[string][]string {
	out := make(map[string][]string, len(merges))
	for _, m := range merges {
		var members []string
		if into, ok := st.clusterOf[m.IntoID]; ok {
			members = append(members, into.MemberQuestionIDs...)
		}
		for _, id := range m.FromIDs {
			from, ok := st.clusterOf[id]
			if !ok {
				continue
			}
			for _, member := range from.MemberQuestionIDs {
				if !slices.Contains(members, member) {
					members = append(members, member)
				}
			}
		}
		out[m.IntoID] = members
	}
	return out
}

// planMerges folds every cluster whose representative no longer resolves
// to itself into the cluster of its live representative.
func planMerges(st *contestState) []cluster.Merge {
	byInto := make(map[string]*cluster.Merge)
	for _, c := range st.clusters {
		root := st.root(c.RepresentativeQuestionID)
		rq, ok := st.questions[root]
		if !ok || rq.ClusterID == "" || rq.ClusterID == c.ID {
			continue
		}
		if _, exists := st.clusterOf[rq.ClusterID]; !exists {
			continue
		}
		m, ok := byInto[rq.ClusterID]
		if !ok {
			m = &cluster.Merge{IntoID: rq.ClusterID, Representative: root}
			byInto[rq.ClusterID] = m
		}
		m.FromIDs = append(m.FromIDs, c.ID)
	}

	out := make([]cluster.Merge, 0, len(byInto))
	for _, m := range byInto {
		sort.Strings(m.FromIDs)
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IntoID < out[j].IntoID })
	return out
}

// persistEmbeddings stores vectors computed during the embed stage. Failures
// only cost a re-embed on the next recompute.
func (r *Recomputer) persistEmbeddings(ctx context.Context, st *contestState) {
	for id, vec := range st.embeddings {
		if err := r.deps.Questions.SetEmbedding(ctx, id, vec); err != nil {
			r.logger.Warn("failed to store recomputed embedding",
				slog.String("contest_id", st.contestID),
				slog.String("question_id", id),
				slog.String("error", err.Error()))
			continue
		}
		if r.deps.Index != nil {
			if err := r.deps.Index.Insert(st.contestID, id, vec); err != nil {
				r.logger.Warn("failed to index recomputed embedding",
					slog.String("contest_id", st.contestID),
					slog.String("question_id", id),
					slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Recomputer) cached(contestID string) *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.last[contestID]; ok {
		return s.clone()
	}
	return nil
}

// Snapshot returns the last published snapshot. When the store is
// unreachable the locally cached copy is served.
func (r *Recomputer) Snapshot(ctx context.Context, contestID string) (*Snapshot, error) {
	snap, err := r.deps.Snapshots.Load(ctx, contestID)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, ErrSnapshotNotFound) {
		r.logger.Warn("snapshot store unavailable, serving cached ranking",
			slog.String("contest_id", contestID),
			slog.String("error", err.Error()))
	}
	if cached := r.cached(contestID); cached != nil {
		return cached, nil
	}
	return nil, err
}

// GetRanked returns up to topN items of the last published ranking. A
// contest that was never ranked yields an empty list. When topN differs from
// the slot count the snapshot was allocated for, bucket quotas are applied
// again for topN slots over the same scores.
func (r *Recomputer) GetRanked(ctx context.Context, contestID string, topN int) ([]RankedItem, error) {
	snap, err := r.Snapshot(ctx, contestID)
	if errors.Is(err, ErrSnapshotNotFound) {
		return []RankedItem{}, nil
	}
	if err != nil {
		return nil, err
	}
	if topN <= 0 || topN == snap.TopN {
		return snap.Top(topN), nil
	}
	return Reallocate(snap, topN, r.cfg.Buckets).Top(topN), nil
}

// Reallocate returns a copy of snap with its top slots allocated for n.
// Cluster-capped items stay demoted.
func Reallocate(snap *Snapshot, n int, buckets []portfolio.Bucket) *Snapshot {
	var admitted, capped []RankedItem
	for _, item := range snap.Items {
		if item.Reason == ReasonClusterCap {
			capped = append(capped, item)
			continue
		}
		admitted = append(admitted, item)
	}
	sortItems(admitted)
	sortItems(capped)

	out := snap.clone()
	out.Items = arrange(admitted, capped, n, buckets)
	out.TopN = n
	return out
}
