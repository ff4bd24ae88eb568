// Package audit records moderation and integrity actions on questions,
// votes and contests in a tamper-evident, hash-chained log.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Outcomes of an audited action.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Entity types.
const (
	EntityQuestion = "question"
	EntityVote     = "vote"
	EntityContest  = "contest"
)

// Actions.
const (
	ActionModerateQuestion = "moderate_question"
	ActionEditQuestion     = "edit_question"
	ActionOverrideWeight   = "override_vote_weight"
	ActionFreezeVotes      = "freeze_votes"
	ActionRecompute        = "recompute_ranking"
)

// Log is a single audit event.
type Log struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"actor_id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`

	// PreviousHash is the Hash of the entry logged before this one.
	PreviousHash string `json:"previous_hash,omitempty"`
	Hash         string `json:"hash"`
}

// Entry is the input for creating an audit log entry.
type Entry struct {
	ActorID    string
	EntityType string
	EntityID   string
	Action     string
	Outcome    string
	Detail     string
	RequestID  string
}

// computeHash chains l to its predecessor. Every field except Hash is covered.
func computeHash(l *Log) string {
	fields := []string{
		l.PreviousHash,
		l.ID,
		l.ActorID,
		l.EntityType,
		l.EntityID,
		l.Action,
		l.Outcome,
		l.Detail,
		l.RequestID,
		l.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "\x1f")))
	return hex.EncodeToString(sum[:])
}
