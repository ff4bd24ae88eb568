package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository stores audit logs. Append links each entry to the previous one.
type Repository interface {
	// Append records an entry and returns the stored log.
	Append(ctx context.Context, entry Entry) (*Log, error)

	// QueryByEntity returns logs for one entity, newest first.
	// A limit of 0 returns all of them.
	QueryByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Log, error)

	// QueryByActor returns logs recorded for one actor, newest first.
	QueryByActor(ctx context.Context, actorID string, limit int) ([]*Log, error)

	// VerifyChain reports whether every stored hash still matches its entry
	// and its predecessor.
	VerifyChain(ctx context.Context) (bool, error)
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu   sync.RWMutex
	logs []*Log
	now  func() time.Time
}

// NewInMemoryRepository creates a new in-memory audit repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{now: time.Now}
}

// Append records an entry at the end of the chain.
func (r *InMemoryRepository) Append(ctx context.Context, entry Entry) (*Log, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := &Log{
		ID:         uuid.New().String(),
		ActorID:    entry.ActorID,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Action:     entry.Action,
		Outcome:    entry.Outcome,
		Detail:     entry.Detail,
		RequestID:  entry.RequestID,
		CreatedAt:  r.now().UTC(),
	}
	if n := len(r.logs); n > 0 {
		l.PreviousHash = r.logs[n-1].Hash
	}
	l.Hash = computeHash(l)
	r.logs = append(r.logs, l)

	out := *l
	return &out, nil
}

func (r *InMemoryRepository) query(limit int, keep func(*Log) bool) []*Log {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Log
	for i := len(r.logs) - 1; i >= 0; i-- {
		if !keep(r.logs[i]) {
			continue
		}
		c := *r.logs[i]
		out = append(out, &c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// QueryByEntity returns logs for one entity, newest first.
func (r *InMemoryRepository) QueryByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Log, error) {
	return r.query(limit, func(l *Log) bool {
		return l.EntityType == entityType && l.EntityID == entityID
	}), nil
}

// QueryByActor returns logs for one actor, newest first.
func (r *InMemoryRepository) QueryByActor(ctx context.Context, actorID string, limit int) ([]*Log, error) {
	return r.query(limit, func(l *Log) bool { return l.ActorID == actorID }), nil
}

// VerifyChain recomputes every hash in insertion order.
func (r *InMemoryRepository) VerifyChain(ctx context.Context) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return verify(r.logs), nil
}

// verify checks logs given in chain order.
func verify(logs []*Log) bool {
	prev := ""
	for _, l := range logs {
		if l.PreviousHash != prev || computeHash(l) != l.Hash {
			return false
		}
		prev = l.Hash
	}
	return true
}
