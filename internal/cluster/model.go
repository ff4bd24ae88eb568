// Package cluster groups near-duplicate questions into ranking units.
package cluster

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClusterNotFound is returned when a cluster does not exist.
var ErrClusterNotFound = errors.New("cluster not found")

// Cluster is a set of near-duplicate questions represented by one member.
type Cluster struct {
	ID                       string    `json:"id"`
	ContestID                string    `json:"contest_id"`
	RepresentativeQuestionID string    `json:"representative_question_id"`
	MemberQuestionIDs        []string  `json:"member_question_ids"`
	CreatedAt                time.Time `json:"created_at"`
}

func (c *Cluster) clone() *Cluster {
	out := *c
	out.MemberQuestionIDs = append([]string(nil), c.MemberQuestionIDs...)
	return &out
}

// Merge folds the From clusters into Into and sets its representative.
type Merge struct {
	IntoID         string
	FromIDs        []string
	Representative string
}

// Repository stores clusters. Request-path member additions and
// recompute merges go through the same repository lock or transaction.
type Repository interface {
	// Create stores a new singleton or multi-member cluster.
	Create(ctx context.Context, c *Cluster) error
	// Get returns a cluster by id.
	Get(ctx context.Context, id string) (*Cluster, error)
	// ListByContest returns all clusters in a contest ordered by created_at, id.
	ListByContest(ctx context.Context, contestID string) ([]*Cluster, error)
	// AddMember appends questionID to the cluster's ordered member set.
	AddMember(ctx context.Context, clusterID, questionID string) error
	// ApplyMerges executes merges atomically and returns the final member
	// list of every Into cluster keyed by cluster id.
	ApplyMerges(ctx context.Context, merges []Merge) (map[string][]string, error)
	// SetRepresentative updates a cluster's representative.
	SetRepresentative(ctx context.Context, clusterID, questionID string) error
}

// NewSingleton builds a cluster containing only questionID.
func NewSingleton(contestID, questionID string) *Cluster {
	return &Cluster{
		ID:                       uuid.New().String(),
		ContestID:                contestID,
		RepresentativeQuestionID: questionID,
		MemberQuestionIDs:        []string{questionID},
	}
}

// InMemoryRepository is an in-memory Repository. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu       sync.RWMutex
	clusters map[string]*Cluster
}

// NewInMemoryRepository creates an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{clusters: make(map[string]*Cluster)}
}

// Create stores a copy of c.
func (r *InMemoryRepository) Create(ctx context.Context, c *Cluster) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	r.clusters[c.ID] = c.clone()
	return nil
}

// Get returns a copy of a cluster.
func (r *InMemoryRepository) Get(ctx context.Context, id string) (*Cluster, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clusters[id]
	if !ok {
		return nil, ErrClusterNotFound
	}
	return c.clone(), nil
}

// ListByContest returns copies of a contest's clusters.
func (r *InMemoryRepository) ListByContest(ctx context.Context, contestID string) ([]*Cluster, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Cluster
	for _, c := range r.clusters {
		if c.ContestID == contestID {
			out = append(out, c.clone())
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

// AddMember appends questionID if absent.
func (r *InMemoryRepository) AddMember(ctx context.Context, clusterID, questionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clusters[clusterID]
	if !ok {
		return ErrClusterNotFound
	}
	if !slices.Contains(c.MemberQuestionIDs, questionID) {
		c.MemberQuestionIDs = append(c.MemberQuestionIDs, questionID)
	}
	return nil
}

// ApplyMerges validates every merge before mutating anything.
func (r *InMemoryRepository) ApplyMerges(ctx context.Context, merges []Merge) (map[string][]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range merges {
		if _, ok := r.clusters[m.IntoID]; !ok {
			return nil, ErrClusterNotFound
		}
		for _, id := range m.FromIDs {
			if _, ok := r.clusters[id]; !ok {
				return nil, ErrClusterNotFound
			}
		}
	}

	out := make(map[string][]string, len(merges))
	for _, m := range merges {
		into := r.clusters[m.IntoID]
		for _, id := range m.FromIDs {
			from, ok := r.clusters[id]
			if !ok || id == m.IntoID {
				continue
			}
			for _, member := range from.MemberQuestionIDs {
				if !slices.Contains(into.MemberQuestionIDs, member) {
					into.MemberQuestionIDs = append(into.MemberQuestionIDs, member)
				}
			}
			delete(r.clusters, id)
		}
		if m.Representative != "" {
			into.RepresentativeQuestionID = m.Representative
		}
		out[m.IntoID] = append([]string(nil), into.MemberQuestionIDs...)
	}
	return out, nil
}

// SetRepresentative updates the representative.
func (r *InMemoryRepository) SetRepresentative(ctx context.Context, clusterID, questionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clusters[clusterID]
	if !ok {
		return ErrClusterNotFound
	}
	c.RepresentativeQuestionID = questionID
	return nil
}
