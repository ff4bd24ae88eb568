package anomaly

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/onnwee/civicq/internal/cluster"
	"github.com/onnwee/civicq/internal/vote"
)

// VoteLister is the subset of vote storage the scorer reads.
type VoteLister interface {
	ListByQuestion(ctx context.Context, questionID string) ([]*vote.Vote, error)
}

// Result is the inline scoring outcome for one vote.
type Result struct {
	Signals   Signals
	RiskScore float64
	Weight    float64
	// CoVoters holds raised scores for earlier votes that share the new
	// vote's device fingerprint on the same question.
	CoVoters []vote.Score
}

// Scorer computes vote risk. ScoreVote runs inline on the request path;
// Rescore is the deterministic batch computation.
type Scorer struct {
	cfg     Config
	votes   VoteLister
	rates   RateStore
	metrics *Metrics
	logger  *slog.Logger
}

// NewScorer creates a Scorer. metrics may be nil.
func NewScorer(cfg Config, votes VoteLister, rates RateStore, metrics *Metrics, logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	if rates == nil {
		rates = NewInMemoryRateStore()
	}
	return &Scorer{cfg: cfg, votes: votes, rates: rates, metrics: metrics, logger: logger}
}

// Config returns the scoring policy.
func (s *Scorer) Config() Config {
	return s.cfg
}

// ScoreVote computes risk for an incoming vote from the rate, fingerprint,
// device and verification signals. Lockstep is batch-only. Storage errors
// degrade to a zero signal rather than failing the vote.
func (s *Scorer) ScoreVote(ctx context.Context, v *vote.Vote, at time.Time) Result {
	var sig Signals

	count, err := s.rates.Incr(ctx, v.ContestID+":"+v.UserID, s.cfg.RateWindow)
	if err != nil {
		s.logger.Warn("rate store unavailable, skipping rate signal",
			slog.String("user_id", v.UserID),
			slog.String("error", err.Error()))
	} else {
		sig.Rate = s.cfg.rateSignal(count)
	}

	var coVoters []*vote.Vote
	if fp := v.Fingerprint(); fp != "" && s.votes != nil {
		existing, err := s.votes.ListByQuestion(ctx, v.QuestionID)
		if err != nil {
			s.logger.Warn("failed to load co-voters for fingerprint signal",
				slog.String("question_id", v.QuestionID),
				slog.String("error", err.Error()))
		}
		users := map[string]bool{v.UserID: true}
		for _, other := range existing {
			if other.UserID == v.UserID || other.Fingerprint() != fp {
				continue
			}
			if absDuration(at.Sub(other.UpdatedAt)) <= s.cfg.FingerprintWindow {
				users[other.UserID] = true
				coVoters = append(coVoters, other)
			}
		}
		sig.Fingerprint = s.cfg.fingerprintSignal(len(users))
	}

	sig.Device = v.DeviceRisk()
	if !v.Verified {
		sig.Unverified = 1
	}

	risk := s.cfg.Risk(sig)
	res := Result{Signals: sig, RiskScore: risk, Weight: s.cfg.Weight(risk)}

	if sig.Fingerprint > 0 {
		fpRisk := s.cfg.Risk(Signals{Fingerprint: sig.Fingerprint})
		for _, other := range coVoters {
			if fpRisk > other.RiskScore {
				res.CoVoters = append(res.CoVoters, vote.Score{
					VoteID:    other.ID,
					RiskScore: fpRisk,
					Weight:    s.cfg.Weight(fpRisk),
				})
			}
		}
	}

	s.metrics.observeVote(risk)
	return res
}

// Rescore recomputes every vote's risk from the full vote set. It is a pure
// function of its input: the same votes always yield the same scores.
// Overrides are not consulted or changed.
func (s *Scorer) Rescore(votes []*vote.Vote) ([]vote.Score, int) {
	sorted := append([]*vote.Vote(nil), votes...)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].UpdatedAt.Equal(sorted[j].UpdatedAt) {
			return sorted[i].UpdatedAt.Before(sorted[j].UpdatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	rate := s.rateSignals(sorted)
	fingerprint := s.fingerprintSignals(sorted)
	lockstep, groups := DetectLockstep(sorted, s.cfg)

	scores := make([]vote.Score, 0, len(sorted))
	for _, v := range sorted {
		sig := Signals{
			Rate:        rate[v.ID],
			Fingerprint: fingerprint[v.ID],
			Device:      v.DeviceRisk(),
			Lockstep:    lockstep[v.ID],
		}
		if !v.Verified {
			sig.Unverified = 1
		}
		risk := s.cfg.Risk(sig)
		scores = append(scores, vote.Score{VoteID: v.ID, RiskScore: risk, Weight: s.cfg.Weight(risk)})
	}
	return scores, groups
}

// rateSignals counts, per vote, the user's votes in the trailing window.
func (s *Scorer) rateSignals(sorted []*vote.Vote) map[string]float64 {
	out := make(map[string]float64, len(sorted))
	byUser := make(map[string][]*vote.Vote)
	for _, v := range sorted {
		byUser[v.UserID] = append(byUser[v.UserID], v)
	}
	for _, history := range byUser {
		start := 0
		for i, v := range history {
			for v.UpdatedAt.Sub(history[start].UpdatedAt) >= s.cfg.RateWindow {
				start++
			}
			out[v.ID] = s.cfg.rateSignal(int64(i - start + 1))
		}
	}
	return out
}

// fingerprintSignals counts distinct users sharing a fingerprint on the same
// question within the window around each vote.
func (s *Scorer) fingerprintSignals(sorted []*vote.Vote) map[string]float64 {
	out := make(map[string]float64)
	groups := make(map[string][]*vote.Vote)
	for _, v := range sorted {
		if fp := v.Fingerprint(); fp != "" {
			key := v.QuestionID + "\x00" + fp
			groups[key] = append(groups[key], v)
		}
	}
	for _, group := range groups {
		for _, v := range group {
			users := make(map[string]bool)
			for _, other := range group {
				if absDuration(v.UpdatedAt.Sub(other.UpdatedAt)) <= s.cfg.FingerprintWindow {
					users[other.UserID] = true
				}
			}
			out[v.ID] = s.cfg.fingerprintSignal(len(users))
		}
	}
	return out
}

// DetectLockstep finds users who vote on the same question within
// LockstepWindow of each other and whose vote histories across the contest
// have Jaccard similarity ≥ LockstepSimilarity with at least
// LockstepMinOverlap shared (question, value) pairs. It returns the
// strongest similarity per involved vote and the number of user groups.
func DetectLockstep(votes []*vote.Vote, cfg Config) (map[string]float64, int) {
	history := make(map[string]map[string]bool)
	byQuestion := make(map[string][]*vote.Vote)
	for _, v := range votes {
		h := history[v.UserID]
		if h == nil {
			h = make(map[string]bool)
			history[v.UserID] = h
		}
		h[v.QuestionID+"\x00"+signOf(v.Value)] = true
		byQuestion[v.QuestionID] = append(byQuestion[v.QuestionID], v)
	}

	questionIDs := make([]string, 0, len(byQuestion))
	for id := range byQuestion {
		questionIDs = append(questionIDs, id)
	}
	sort.Strings(questionIDs)

	type pairKey struct{ a, b string }
	similarity := make(map[pairKey]float64)
	pairScore := func(a, b string) float64 {
		if a > b {
			a, b = b, a
		}
		k := pairKey{a, b}
		if sim, ok := similarity[k]; ok {
			return sim
		}
		ha, hb := history[a], history[b]
		overlap := 0
		for key := range ha {
			if hb[key] {
				overlap++
			}
		}
		sim := 0.0
		if overlap >= cfg.LockstepMinOverlap {
			sim = float64(overlap) / float64(len(ha)+len(hb)-overlap)
		}
		similarity[k] = sim
		return sim
	}

	out := make(map[string]float64)
	uf := cluster.NewUnionFind()
	for _, qid := range questionIDs {
		qv := byQuestion[qid]
		sort.Slice(qv, func(i, j int) bool {
			if !qv[i].UpdatedAt.Equal(qv[j].UpdatedAt) {
				return qv[i].UpdatedAt.Before(qv[j].UpdatedAt)
			}
			return qv[i].ID < qv[j].ID
		})
		for i := range qv {
			for j := i + 1; j < len(qv); j++ {
				if qv[j].UpdatedAt.Sub(qv[i].UpdatedAt) > cfg.LockstepWindow {
					break
				}
				if qv[i].UserID == qv[j].UserID {
					continue
				}
				sim := pairScore(qv[i].UserID, qv[j].UserID)
				if sim < cfg.LockstepSimilarity {
					continue
				}
				uf.Union(qv[i].UserID, qv[j].UserID)
				out[qv[i].ID] = max(out[qv[i].ID], sim)
				out[qv[j].ID] = max(out[qv[j].ID], sim)
			}
		}
	}

	groups := 0
	for _, g := range uf.Groups() {
		if len(g) > 1 {
			groups++
		}
	}
	return out, groups
}

func signOf(value int) string {
	if value > 0 {
		return "+"
	}
	return "-"
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
