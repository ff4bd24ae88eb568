// Package question provides the question model, its immutable version
// history, and repositories for both.
package question

import (
	"errors"
	"strings"
	"time"
)

// Common errors for question operations.
var (
	ErrQuestionNotFound    = errors.New("question not found")
	ErrVersionNotFound     = errors.New("question version not found")
	ErrVersionConflict     = errors.New("question version number conflict")
	ErrInvalidTransition   = errors.New("invalid question status transition")
	ErrTooManyTags         = errors.New("too many issue tags")
	ErrEmptyText           = errors.New("question text is empty")
	ErrQuestionNotEditable = errors.New("question is not editable")
)

// MaxIssueTags is the maximum number of issue tags per question.
const MaxIssueTags = 5

// OtherTag is the primary tag of questions without issue tags.
const OtherTag = "other"

// Status is the lifecycle state of a question.
type Status string

// Question statuses.
const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusMerged   Status = "merged"
	StatusRemoved  Status = "removed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusMerged, StatusRemoved:
		return true
	}
	return false
}

// CanTransition reports whether a question may move from one status to another.
// Removed is terminal. Merged questions can only be removed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusApproved || to == StatusMerged || to == StatusRemoved
	case StatusApproved:
		return to == StatusMerged || to == StatusRemoved
	case StatusMerged:
		return to == StatusRemoved
	}
	return false
}

// Question is a voter-submitted question within a contest.
// Text mirrors the current version.
type Question struct {
	ID               string    `json:"id"`
	ContestID        string    `json:"contest_id"`
	AuthorID         *string   `json:"author_id,omitempty"`
	CurrentVersionID string    `json:"current_version_id"`
	Text             string    `json:"text"`
	IssueTags        []string  `json:"issue_tags"`
	Embedding        []float32 `json:"-"`
	ClusterID        string    `json:"cluster_id,omitempty"`
	Status           Status    `json:"status"`
	MergedInto       *string   `json:"merged_into,omitempty"`
	Upvotes          int       `json:"upvotes"`
	Downvotes        int       `json:"downvotes"`
	RankScore        float64   `json:"rank_score"`
	IsFlagged        int       `json:"is_flagged"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// PrimaryTag returns the first issue tag, or OtherTag when there are none.
func (q *Question) PrimaryTag() string {
	if len(q.IssueTags) == 0 || q.IssueTags[0] == "" {
		return OtherTag
	}
	return q.IssueTags[0]
}

// Clone returns a deep copy.
func (q *Question) Clone() *Question {
	c := *q
	if q.AuthorID != nil {
		a := *q.AuthorID
		c.AuthorID = &a
	}
	if q.MergedInto != nil {
		m := *q.MergedInto
		c.MergedInto = &m
	}
	c.IssueTags = append([]string(nil), q.IssueTags...)
	c.Embedding = append([]float32(nil), q.Embedding...)
	return &c
}

// Version is an immutable snapshot of a question's text.
type Version struct {
	ID            string    `json:"id"`
	QuestionID    string    `json:"question_id"`
	VersionNumber int       `json:"version_number"`
	Text          string    `json:"text"`
	EditAuthorID  string    `json:"edit_author_id"`
	EditReason    string    `json:"edit_reason"`
	CreatedAt     time.Time `json:"created_at"`
}

// AnswerBinding ties an answer to the exact question version it responded to.
type AnswerBinding struct {
	AnswerID          string `json:"answer_id"`
	QuestionVersionID string `json:"question_version_id"`
}

// RankUpdate is one staged write produced by a ranking recompute.
type RankUpdate struct {
	QuestionID string
	RankScore  float64
	ClusterID  string
	Status     Status
	MergedInto *string
}

// NormalizeTags lower-cases, trims and de-duplicates tags, keeping
// submission order so the first tag stays primary.
func NormalizeTags(tags []string) ([]string, error) {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) > MaxIssueTags {
		return nil, ErrTooManyTags
	}
	return out, nil
}
