package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/civicq/internal/audit"
	"github.com/onnwee/civicq/internal/cluster"
	"github.com/onnwee/civicq/internal/question"
	"github.com/onnwee/civicq/internal/vote"
)

// VoteRequest is one user's vote. Verified and Metadata come from the
// verification service and the client device.
type VoteRequest struct {
	UserID     string            `json:"user_id"`
	QuestionID string            `json:"question_id"`
	Value      int               `json:"value"`
	Verified   bool              `json:"verified"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// VoteResult reports the stored vote and the question's new tally.
// Suspicious votes are accepted with a reduced weight, never rejected.
type VoteResult struct {
	Accepted   bool       `json:"accepted"`
	VoteID     string     `json:"vote_id"`
	QuestionID string     `json:"question_id"`
	Created    bool       `json:"created"`
	Weight     float64    `json:"weight"`
	RiskScore  float64    `json:"risk_score"`
	Tally      vote.Tally `json:"tally"`
}

// Vote records or changes a vote. Votes on a merged question count for the
// question it was merged into.
func (e *Engine) Vote(ctx context.Context, req VoteRequest) (*VoteResult, error) {
	if req.UserID == "" {
		return nil, ErrMissingUser
	}
	if !vote.ValidValue(req.Value) {
		return nil, vote.ErrInvalidValue
	}

	q, err := e.resolveVotable(ctx, req.QuestionID)
	if err != nil {
		e.metrics.incVote(outcomeRejected)
		return nil, err
	}
	frozen, err := e.votes.IsFrozen(ctx, q.ContestID)
	if err != nil {
		return nil, fmt.Errorf("check freeze: %w", err)
	}
	if frozen {
		e.metrics.incVote(outcomeRejected)
		return nil, vote.ErrContestFrozen
	}

	target, err := e.voteTarget(ctx, req.UserID, req.QuestionID, q)
	if err != nil {
		return nil, err
	}
	v := &vote.Vote{
		UserID:     req.UserID,
		QuestionID: target,
		ContestID:  q.ContestID,
		Value:      req.Value,
		Metadata:   req.Metadata,
		Verified:   req.Verified,
	}
	at := e.now()
	scored := e.scorer.ScoreVote(ctx, v, at)
	v.RiskScore = scored.RiskScore
	v.Weight = scored.Weight

	created, err := e.votes.Upsert(ctx, v)
	if err != nil {
		return nil, fmt.Errorf("store vote: %w", err)
	}
	if len(scored.CoVoters) > 0 {
		if err := e.votes.UpdateScores(ctx, scored.CoVoters); err != nil {
			e.logger.Warn("failed to raise co-voter risk",
				slog.String("question_id", q.ID),
				slog.String("error", err.Error()))
		}
	}

	// The tally is for the question holding the vote row.
	tally, err := e.votes.Tally(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("tally votes: %w", err)
	}
	if err := e.questions.SetTally(ctx, target, tally.Upvotes, tally.Downvotes); err != nil {
		e.logger.Warn("failed to store vote tally",
			slog.String("question_id", target),
			slog.String("error", err.Error()))
	}

	if created {
		e.metrics.incVote(outcomeCreated)
	} else {
		e.metrics.incVote(outcomeUpdated)
	}
	e.notifier.NotifyVote(ctx, q.ContestID)

	return &VoteResult{
		Accepted:   true,
		VoteID:     v.ID,
		QuestionID: q.ID,
		Created:    created,
		Weight:     v.Weight,
		RiskScore:  v.RiskScore,
		Tally:      tally,
	}, nil
}

// resolveVotable follows merge links to the approved question that
// receives a vote.
func (e *Engine) resolveVotable(ctx context.Context, questionID string) (*question.Question, error) {
	id := questionID
	for i := 0; i <= maxRedirects; i++ {
		q, err := e.questions.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		switch q.Status {
		case question.StatusApproved:
			return q, nil
		case question.StatusMerged:
			if q.MergedInto == nil || *q.MergedInto == "" {
				return nil, ErrQuestionNotOpen
			}
			id = *q.MergedInto
		default:
			return nil, ErrQuestionNotOpen
		}
	}
	return nil, ErrRedirectTooDeep
}

// voteTarget picks the question a user's vote row lives on. A user who
// already voted on another member of q's duplicate cluster changes that
// vote instead of gaining a second one.
func (e *Engine) voteTarget(ctx context.Context, userID, requested string, q *question.Question) (string, error) {
	_, err := e.votes.Get(ctx, userID, q.ID)
	if err == nil {
		return q.ID, nil
	}
	if !errors.Is(err, vote.ErrVoteNotFound) {
		return "", fmt.Errorf("load vote: %w", err)
	}

	var members []string
	if requested != q.ID {
		members = append(members, requested)
	}
	if q.ClusterID != "" && e.clusters != nil {
		c, err := e.clusters.Get(ctx, q.ClusterID)
		switch {
		case err == nil:
			members = append(members, c.MemberQuestionIDs...)
		case !errors.Is(err, cluster.ErrClusterNotFound):
			return "", fmt.Errorf("load cluster: %w", err)
		}
	}

	var existing *vote.Vote
	for _, id := range members {
		if id == q.ID {
			continue
		}
		v, err := e.votes.Get(ctx, userID, id)
		if errors.Is(err, vote.ErrVoteNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("load vote: %w", err)
		}
		if existing == nil || v.UpdatedAt.After(existing.UpdatedAt) {
			existing = v
		}
	}
	if existing != nil {
		return existing.QuestionID, nil
	}
	return q.ID, nil
}

// SetVoteOverride sets a moderator weight on a vote, or clears it with nil.
// The anomaly scorer never changes an overridden weight.
func (e *Engine) SetVoteOverride(ctx context.Context, userID, questionID string, weight *float64) error {
	v, err := e.votes.Get(ctx, userID, questionID)
	if err != nil {
		return err
	}
	if err := e.votes.SetOverride(ctx, userID, questionID, weight); err != nil {
		return err
	}

	detail := "override=cleared"
	if weight != nil {
		detail = fmt.Sprintf("override=%.3f", *weight)
	}
	if err := e.record(ctx, audit.Entry{
		EntityType: audit.EntityVote,
		EntityID:   v.ID,
		Action:     audit.ActionOverrideWeight,
		Detail:     detail,
	}); err != nil {
		return err
	}
	e.notifier.NotifyChange(v.ContestID)
	return nil
}

// FreezeAndAggregate replaces a contest's vote rows with per-question
// weighted aggregates. Rankings do not change; later votes are rejected.
func (e *Engine) FreezeAndAggregate(ctx context.Context, contestID string) ([]vote.Aggregate, error) {
	if contestID == "" {
		return nil, ErrMissingContest
	}
	aggs, err := e.votes.Freeze(ctx, contestID)
	if err != nil {
		return nil, fmt.Errorf("freeze votes: %w", err)
	}
	if err := e.record(ctx, audit.Entry{
		EntityType: audit.EntityContest,
		EntityID:   contestID,
		Action:     audit.ActionFreezeVotes,
		Detail:     fmt.Sprintf("aggregated_questions=%d", len(aggs)),
	}); err != nil {
		return nil, err
	}
	e.logger.Info("contest votes frozen",
		slog.String("contest_id", contestID),
		slog.Int("questions", len(aggs)))
	return aggs, nil
}

// record appends an audit entry when an audit repository is configured.
func (e *Engine) record(ctx context.Context, entry audit.Entry) error {
	if e.audit == nil {
		return nil
	}
	if _, err := audit.Record(ctx, e.audit, entry); err != nil {
		return fmt.Errorf("record audit log: %w", err)
	}
	return nil
}
