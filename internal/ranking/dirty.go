package ranking

import (
	"sort"
	"sync"
	"time"
)

// DirtyTracker tracks which contests have changes since their last
// recompute and how many votes arrived meanwhile. Thread-safe via RWMutex.
type DirtyTracker struct {
	mu    sync.RWMutex
	dirty map[string]*dirtyState
}

type dirtyState struct {
	since   time.Time
	updated time.Time
	votes   int
}

// NewDirtyTracker creates a new DirtyTracker instance.
func NewDirtyTracker() *DirtyTracker {
	return &DirtyTracker{dirty: make(map[string]*dirtyState)}
}

// MarkDirty marks a contest as needing recompute.
func (t *DirtyTracker) MarkDirty(contestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state(contestID).updated = time.Now()
}

// RecordVote marks the contest dirty and returns the number of votes
// recorded since it was last cleared.
func (t *DirtyTracker) RecordVote(contestID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state(contestID)
	s.votes++
	s.updated = time.Now()
	return s.votes
}

func (t *DirtyTracker) state(contestID string) *dirtyState {
	s, ok := t.dirty[contestID]
	if !ok {
		s = &dirtyState{since: time.Now()}
		t.dirty[contestID] = s
	}
	return s
}

// ClearDirty removes the dirty flag for a contest after a recompute that
// started at startedAt. Changes recorded after startedAt keep the contest
// dirty for the next cycle.
func (t *DirtyTracker) ClearDirty(contestID string, startedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.dirty[contestID]; ok && !s.updated.After(startedAt) {
		delete(t.dirty, contestID)
	}
}

// GetDirtyContests returns dirty contest ids, oldest first.
func (t *DirtyTracker) GetDirtyContests() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.dirty))
	for id := range t.dirty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := t.dirty[ids[i]].since, t.dirty[ids[j]].since
		if !a.Equal(b) {
			return a.Before(b)
		}
		return ids[i] < ids[j]
	})
	return ids
}

// IsDirty checks if a specific contest is marked as dirty.
func (t *DirtyTracker) IsDirty(contestID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, exists := t.dirty[contestID]
	return exists
}

// DirtyCount returns the number of contests marked as dirty.
func (t *DirtyTracker) DirtyCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.dirty)
}
