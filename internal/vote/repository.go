package vote

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository defines vote storage.
type Repository interface {
	// Upsert atomically inserts the vote or updates the existing
	// (user, question) row. Returns true when a new row was created.
	// Overrides and the original created_at survive updates.
	Upsert(ctx context.Context, v *Vote) (bool, error)

	// Get returns the live vote of a user on a question.
	Get(ctx context.Context, userID, questionID string) (*Vote, error)

	// ListByQuestion returns a question's live votes ordered by created_at, id.
	ListByQuestion(ctx context.Context, questionID string) ([]*Vote, error)

	// ListByContest returns a contest's live votes ordered by created_at, id.
	ListByContest(ctx context.Context, contestID string) ([]*Vote, error)

	// ListByUser returns a user's live votes in a contest since the given time.
	ListByUser(ctx context.Context, contestID, userID string, since time.Time) ([]*Vote, error)

	// UpdateScores stores recomputed risk scores and weights.
	UpdateScores(ctx context.Context, scores []Score) error

	// SetOverride sets (or clears with nil) the moderator weight override.
	SetOverride(ctx context.Context, userID, questionID string, weight *float64) error

	// Tally sums live votes plus any frozen aggregate for a question.
	Tally(ctx context.Context, questionID string) (Tally, error)

	// Freeze converts a contest's vote rows into per-question aggregates
	// using effective weights and rejects later votes.
	Freeze(ctx context.Context, contestID string) ([]Aggregate, error)

	// Aggregates returns a contest's frozen aggregates.
	Aggregates(ctx context.Context, contestID string) ([]Aggregate, error)

	// IsFrozen reports whether the contest has been frozen.
	IsFrozen(ctx context.Context, contestID string) (bool, error)
}

// InMemoryRepository is an in-memory Repository. The (user, question)
// uniqueness check and write happen under one lock.
type InMemoryRepository struct {
	mu         sync.RWMutex
	votes      map[string]*Vote // user\x00question -> vote
	byID       map[string]*Vote
	aggregates map[string]Aggregate // question id -> aggregate
	frozen     map[string]time.Time
	now        func() time.Time
}

// NewInMemoryRepository creates an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		votes:      make(map[string]*Vote),
		byID:       make(map[string]*Vote),
		aggregates: make(map[string]Aggregate),
		frozen:     make(map[string]time.Time),
		now:        time.Now,
	}
}

func voteKey(userID, questionID string) string {
	return userID + "\x00" + questionID
}

// Upsert inserts or updates a vote. Timestamps set on a new vote are kept.
func (r *InMemoryRepository) Upsert(ctx context.Context, v *Vote) (bool, error) {
	if !ValidValue(v.Value) {
		return false, ErrInvalidValue
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.frozen[v.ContestID]; ok {
		return false, ErrContestFrozen
	}

	now := r.now()
	key := voteKey(v.UserID, v.QuestionID)
	if existing, ok := r.votes[key]; ok {
		existing.Value = v.Value
		existing.Weight = v.Weight
		existing.RiskScore = v.RiskScore
		existing.Metadata = v.Clone().Metadata
		existing.Verified = v.Verified
		existing.UpdatedAt = now

		v.ID = existing.ID
		v.CreatedAt = existing.CreatedAt
		v.UpdatedAt = now
		v.Override = existing.Clone().Override
		return false, nil
	}

	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = v.CreatedAt
	}
	stored := v.Clone()
	r.votes[key] = stored
	r.byID[stored.ID] = stored
	return true, nil
}

// Get returns a copy of the vote.
func (r *InMemoryRepository) Get(ctx context.Context, userID, questionID string) (*Vote, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.votes[voteKey(userID, questionID)]
	if !ok {
		return nil, ErrVoteNotFound
	}
	return v.Clone(), nil
}

func (r *InMemoryRepository) filter(keep func(*Vote) bool) []*Vote {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Vote
	for _, v := range r.votes {
		if keep(v) {
			out = append(out, v.Clone())
		}
	}
	sortVotes(out)
	return out
}

func sortVotes(votes []*Vote) {
	sort.Slice(votes, func(i, j int) bool {
		if !votes[i].CreatedAt.Equal(votes[j].CreatedAt) {
			return votes[i].CreatedAt.Before(votes[j].CreatedAt)
		}
		return votes[i].ID < votes[j].ID
	})
}

// ListByQuestion returns a question's votes.
func (r *InMemoryRepository) ListByQuestion(ctx context.Context, questionID string) ([]*Vote, error) {
	return r.filter(func(v *Vote) bool { return v.QuestionID == questionID }), nil
}

// ListByContest returns a contest's votes.
func (r *InMemoryRepository) ListByContest(ctx context.Context, contestID string) ([]*Vote, error) {
	return r.filter(func(v *Vote) bool { return v.ContestID == contestID }), nil
}

// ListByUser returns a user's recent votes in a contest.
func (r *InMemoryRepository) ListByUser(ctx context.Context, contestID, userID string, since time.Time) ([]*Vote, error) {
	return r.filter(func(v *Vote) bool {
		return v.ContestID == contestID && v.UserID == userID && !v.UpdatedAt.Before(since)
	}), nil
}

// UpdateScores stores recomputed scores. Unknown vote ids are ignored since
// the vote may have been frozen away since scoring started.
func (r *InMemoryRepository) UpdateScores(ctx context.Context, scores []Score) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range scores {
		if v, ok := r.byID[s.VoteID]; ok {
			v.RiskScore = s.RiskScore
			v.Weight = s.Weight
		}
	}
	return nil
}

// SetOverride sets or clears the moderator override.
func (r *InMemoryRepository) SetOverride(ctx context.Context, userID, questionID string, weight *float64) error {
	if weight != nil && (*weight < 0 || *weight > 1) {
		return ErrInvalidWeight
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.votes[voteKey(userID, questionID)]
	if !ok {
		return ErrVoteNotFound
	}
	if weight == nil {
		v.Override = nil
	} else {
		w := *weight
		v.Override = &w
	}
	v.UpdatedAt = r.now()
	return nil
}

// Tally sums a question's votes and aggregate.
func (r *InMemoryRepository) Tally(ctx context.Context, questionID string) (Tally, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var t Tally
	for _, v := range r.votes {
		if v.QuestionID == questionID {
			t.add(v)
		}
	}
	if a, ok := r.aggregates[questionID]; ok {
		t.addAggregate(a)
	}
	return t, nil
}

// Freeze aggregates and removes the contest's vote rows.
func (r *InMemoryRepository) Freeze(ctx context.Context, contestID string) ([]Aggregate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	touched := make(map[string]bool)
	for key, v := range r.votes {
		if v.ContestID != contestID {
			continue
		}
		a, ok := r.aggregates[v.QuestionID]
		if !ok {
			a = Aggregate{QuestionID: v.QuestionID, ContestID: contestID}
		}
		var t Tally
		t.add(v)
		a.Upvotes += t.Upvotes
		a.Downvotes += t.Downvotes
		a.WeightedUp += t.WeightedUp
		a.WeightedDown += t.WeightedDown
		a.FrozenAt = now
		r.aggregates[v.QuestionID] = a
		touched[v.QuestionID] = true

		delete(r.votes, key)
		delete(r.byID, v.ID)
	}
	if _, ok := r.frozen[contestID]; !ok {
		r.frozen[contestID] = now
	}

	out := make([]Aggregate, 0, len(touched))
	for qid := range touched {
		out = append(out, r.aggregates[qid])
	}
	sortAggregates(out)
	return out, nil
}

func sortAggregates(out []Aggregate) {
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
}

// Aggregates returns a contest's frozen aggregates.
func (r *InMemoryRepository) Aggregates(ctx context.Context, contestID string) ([]Aggregate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Aggregate
	for _, a := range r.aggregates {
		if a.ContestID == contestID {
			out = append(out, a)
		}
	}
	sortAggregates(out)
	return out, nil
}

// IsFrozen reports whether a contest is frozen.
func (r *InMemoryRepository) IsFrozen(ctx context.Context, contestID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.frozen[contestID]
	return ok, nil
}
