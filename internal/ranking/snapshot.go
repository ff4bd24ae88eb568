package ranking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/onnwee/civicq/internal/portfolio"
	"github.com/redis/go-redis/v9"
)

// ErrSnapshotNotFound is returned when a contest has never been ranked.
var ErrSnapshotNotFound = errors.New("ranking snapshot not found")

// Item reasons beyond the portfolio allocation reasons.
const (
	ReasonBucketQuota  = portfolio.ReasonBucketQuota
	ReasonOverflowFill = portfolio.ReasonOverflowFill
	ReasonClusterCap   = "cluster_cap"
	ReasonBelowCutoff  = "below_cutoff"
)

// RankedItem is one position in a published ranking.
type RankedItem struct {
	QuestionID      string  `json:"question_id" cbor:"question_id"`
	ClusterID       string  `json:"cluster_id" cbor:"cluster_id"`
	IssueTag        string  `json:"issue_tag" cbor:"issue_tag"`
	RankScore       float64 `json:"rank_score" cbor:"rank_score"`
	BaseScore       float64 `json:"base_score" cbor:"base_score"`
	RecencyFactor   float64 `json:"recency_factor" cbor:"recency_factor"`
	MinorityBoost   float64 `json:"minority_boost" cbor:"minority_boost"`
	AnomalyDiscount float64 `json:"anomaly_discount" cbor:"anomaly_discount"`
	MergedCount     int     `json:"merged_count" cbor:"merged_count"`
	Reason          string  `json:"reason" cbor:"reason"`
	Explanation     string  `json:"rank_explanation" cbor:"explanation"`
	// CreatedAt breaks score ties when slots are reallocated at read time.
	CreatedAt time.Time `json:"created_at" cbor:"created_at"`
}

// Snapshot is the last successfully computed ranking for a contest.
type Snapshot struct {
	ContestID  string       `json:"contest_id" cbor:"contest_id"`
	Items      []RankedItem `json:"items" cbor:"items"`
	ComputedAt time.Time    `json:"computed_at" cbor:"computed_at"`
	// Version increases by one with each published snapshot.
	Version int64 `json:"version" cbor:"version"`
	// TopN is the slot count Items was allocated for.
	TopN int `json:"top_n" cbor:"top_n"`
}

// Top returns up to n leading items. n <= 0 returns all items.
func (s *Snapshot) Top(n int) []RankedItem {
	if n <= 0 || n > len(s.Items) {
		n = len(s.Items)
	}
	out := make([]RankedItem, n)
	copy(out, s.Items)
	return out
}

func (s *Snapshot) clone() *Snapshot {
	out := *s
	out.Items = append([]RankedItem(nil), s.Items...)
	return &out
}

// SnapshotStore persists the last good ranking per contest.
type SnapshotStore interface {
	Load(ctx context.Context, contestID string) (*Snapshot, error)
	Save(ctx context.Context, s *Snapshot) error
}

// InMemorySnapshotStore keeps snapshots in process memory. Thread-safe.
type InMemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
}

// NewInMemorySnapshotStore creates an empty store.
func NewInMemorySnapshotStore() *InMemorySnapshotStore {
	return &InMemorySnapshotStore{snapshots: make(map[string]*Snapshot)}
}

// Load returns a copy of the contest's snapshot.
func (s *InMemorySnapshotStore) Load(ctx context.Context, contestID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[contestID]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return snap.clone(), nil
}

// Save replaces the contest's snapshot.
func (s *InMemorySnapshotStore) Save(ctx context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.ContestID] = snap.clone()
	return nil
}

// DefaultSnapshotPrefix namespaces snapshot keys in Redis.
const DefaultSnapshotPrefix = "civicq:ranking:"

// RedisSnapshotStore stores CBOR-encoded snapshots so every API instance
// serves the same ranking.
type RedisSnapshotStore struct {
	client *redis.Client
	prefix string
	enc    cbor.EncMode
}

// NewRedisSnapshotStore creates a Redis-backed store. An empty prefix uses
// DefaultSnapshotPrefix.
func NewRedisSnapshotStore(client *redis.Client, prefix string) (*RedisSnapshotStore, error) {
	if prefix == "" {
		prefix = DefaultSnapshotPrefix
	}
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}
	return &RedisSnapshotStore{client: client, prefix: prefix, enc: enc}, nil
}

// Load fetches and decodes the contest's snapshot.
func (s *RedisSnapshotStore) Load(ctx context.Context, contestID string) (*Snapshot, error) {
	data, err := s.client.Get(ctx, s.prefix+contestID).Bytes()
	if err == redis.Nil {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ranking snapshot: %w", err)
	}

	var snap Snapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode ranking snapshot: %w", err)
	}
	return &snap, nil
}

// Save encodes and stores the snapshot without expiry.
func (s *RedisSnapshotStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := s.enc.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode ranking snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+snap.ContestID, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save ranking snapshot: %w", err)
	}
	return nil
}
