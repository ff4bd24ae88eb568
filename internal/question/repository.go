package question

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository defines storage for questions and their version history.
type Repository interface {
	// Create stores a new question together with version 1 of its text.
	// ID, CurrentVersionID and timestamps are assigned when empty.
	Create(ctx context.Context, q *Question, editorID string) (*Version, error)

	// Get returns a copy of the question.
	Get(ctx context.Context, id string) (*Question, error)

	// ListByContest returns all questions in a contest ordered by created_at, id.
	ListByContest(ctx context.Context, contestID string) ([]*Question, error)

	// ListContests returns ids of every contest with at least one question.
	ListContests(ctx context.Context) ([]string, error)

	// UpdateStatus changes the status, enforcing CanTransition.
	UpdateStatus(ctx context.Context, id string, status Status, mergedInto *string) error

	// SetFlagged records the moderation flag count.
	SetFlagged(ctx context.Context, id string, flagged int) error

	// SetEmbedding stores or clears (nil) the question's embedding.
	SetEmbedding(ctx context.Context, id string, embedding []float32) error

	// SetCluster assigns the question to a cluster.
	SetCluster(ctx context.Context, id, clusterID string) error

	// SetTally stores denormalized vote counts.
	SetTally(ctx context.Context, id string, upvotes, downvotes int) error

	// ApplyRanking writes all staged recompute results atomically.
	ApplyRanking(ctx context.Context, updates []RankUpdate) error

	// CreateVersion appends a version numbered max(existing)+1 and makes it
	// current. Returns ErrVersionConflict when a concurrent writer won the number.
	CreateVersion(ctx context.Context, questionID, text, editorID, reason string) (*Version, error)

	// GetVersionAt returns the version with the given 1-based number.
	GetVersionAt(ctx context.Context, questionID string, number int) (*Version, error)

	// GetVersionByID returns a version by its id.
	GetVersionByID(ctx context.Context, versionID string) (*Version, error)

	// ListVersions returns all versions in ascending number order.
	ListVersions(ctx context.Context, questionID string) ([]*Version, error)
}

// InMemoryRepository is an in-memory implementation of Repository.
// Thread-safe via RWMutex; every version write is serialized by the lock.
type InMemoryRepository struct {
	mu        sync.RWMutex
	questions map[string]*Question
	versions  map[string][]*Version // question id -> versions ordered by number
	byID      map[string]*Version
	now       func() time.Time
}

// NewInMemoryRepository creates an empty in-memory repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		questions: make(map[string]*Question),
		versions:  make(map[string][]*Version),
		byID:      make(map[string]*Version),
		now:       time.Now,
	}
}

// Create stores a new question and its first version.
func (r *InMemoryRepository) Create(ctx context.Context, q *Question, editorID string) (*Version, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, ErrEmptyText
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	if q.Status == "" {
		q.Status = StatusPending
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	q.UpdatedAt = now

	v := &Version{
		ID:            uuid.New().String(),
		QuestionID:    q.ID,
		VersionNumber: 1,
		Text:          q.Text,
		EditAuthorID:  editorID,
		EditReason:    "initial submission",
		CreatedAt:     now,
	}
	q.CurrentVersionID = v.ID

	r.questions[q.ID] = q.Clone()
	r.versions[q.ID] = []*Version{v}
	r.byID[v.ID] = v

	out := *v
	return &out, nil
}

// Get returns a copy of the question.
func (r *InMemoryRepository) Get(ctx context.Context, id string) (*Question, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	q, ok := r.questions[id]
	if !ok {
		return nil, ErrQuestionNotFound
	}
	return q.Clone(), nil
}

// ListByContest returns copies of every question in the contest.
func (r *InMemoryRepository) ListByContest(ctx context.Context, contestID string) ([]*Question, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Question
	for _, q := range r.questions {
		if q.ContestID == contestID {
			out = append(out, q.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListContests returns every contest id that has questions.
func (r *InMemoryRepository) ListContests(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, q := range r.questions {
		if !seen[q.ContestID] {
			seen[q.ContestID] = true
			out = append(out, q.ContestID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// mutate applies fn to the stored question under the write lock.
func (r *InMemoryRepository) mutate(id string, fn func(q *Question) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.questions[id]
	if !ok {
		return ErrQuestionNotFound
	}
	if err := fn(q); err != nil {
		return err
	}
	q.UpdatedAt = r.now()
	return nil
}

// UpdateStatus changes a question's status.
func (r *InMemoryRepository) UpdateStatus(ctx context.Context, id string, status Status, mergedInto *string) error {
	return r.mutate(id, func(q *Question) error {
		if !status.Valid() || !CanTransition(q.Status, status) {
			return ErrInvalidTransition
		}
		q.Status = status
		q.MergedInto = copyString(mergedInto)
		return nil
	})
}

// SetFlagged records the moderation flag count.
func (r *InMemoryRepository) SetFlagged(ctx context.Context, id string, flagged int) error {
	return r.mutate(id, func(q *Question) error {
		q.IsFlagged = flagged
		return nil
	})
}

// SetEmbedding stores the embedding.
func (r *InMemoryRepository) SetEmbedding(ctx context.Context, id string, embedding []float32) error {
	return r.mutate(id, func(q *Question) error {
		q.Embedding = append([]float32(nil), embedding...)
		return nil
	})
}

// SetCluster assigns the cluster id.
func (r *InMemoryRepository) SetCluster(ctx context.Context, id, clusterID string) error {
	return r.mutate(id, func(q *Question) error {
		q.ClusterID = clusterID
		return nil
	})
}

// SetTally stores vote counts.
func (r *InMemoryRepository) SetTally(ctx context.Context, id string, upvotes, downvotes int) error {
	return r.mutate(id, func(q *Question) error {
		q.Upvotes = upvotes
		q.Downvotes = downvotes
		return nil
	})
}

// ApplyRanking validates every update before writing any of them.
func (r *InMemoryRepository) ApplyRanking(ctx context.Context, updates []RankUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range updates {
		q, ok := r.questions[u.QuestionID]
		if !ok {
			return ErrQuestionNotFound
		}
		if u.Status != "" && !CanTransition(q.Status, u.Status) {
			return ErrInvalidTransition
		}
	}

	now := r.now()
	for _, u := range updates {
		q := r.questions[u.QuestionID]
		q.RankScore = u.RankScore
		if u.ClusterID != "" {
			q.ClusterID = u.ClusterID
		}
		if u.Status != "" {
			q.Status = u.Status
			q.MergedInto = copyString(u.MergedInto)
		}
		q.UpdatedAt = now
	}
	return nil
}

// CreateVersion appends a new version under the write lock.
func (r *InMemoryRepository) CreateVersion(ctx context.Context, questionID, text, editorID, reason string) (*Version, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.questions[questionID]
	if !ok {
		return nil, ErrQuestionNotFound
	}
	if q.Status == StatusRemoved {
		return nil, ErrQuestionNotEditable
	}

	history := r.versions[questionID]
	next := 1
	if len(history) > 0 {
		next = history[len(history)-1].VersionNumber + 1
	}

	now := r.now()
	v := &Version{
		ID:            uuid.New().String(),
		QuestionID:    questionID,
		VersionNumber: next,
		Text:          text,
		EditAuthorID:  editorID,
		EditReason:    reason,
		CreatedAt:     now,
	}
	r.versions[questionID] = append(history, v)
	r.byID[v.ID] = v

	q.CurrentVersionID = v.ID
	q.Text = text
	q.UpdatedAt = now

	out := *v
	return &out, nil
}

// GetVersionAt returns version number n of a question.
func (r *InMemoryRepository) GetVersionAt(ctx context.Context, questionID string, number int) (*Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.questions[questionID]; !ok {
		return nil, ErrQuestionNotFound
	}
	history := r.versions[questionID]
	if number < 1 || number > len(history) {
		return nil, ErrVersionNotFound
	}
	out := *history[number-1]
	return &out, nil
}

// GetVersionByID returns a version by id.
func (r *InMemoryRepository) GetVersionByID(ctx context.Context, versionID string) (*Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.byID[versionID]
	if !ok {
		return nil, ErrVersionNotFound
	}
	out := *v
	return &out, nil
}

// ListVersions returns copies of a question's versions.
func (r *InMemoryRepository) ListVersions(ctx context.Context, questionID string) ([]*Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.questions[questionID]; !ok {
		return nil, ErrQuestionNotFound
	}
	history := r.versions[questionID]
	out := make([]*Version, len(history))
	for i, v := range history {
		c := *v
		out[i] = &c
	}
	return out, nil
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
