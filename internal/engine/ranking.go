package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/civicq/internal/audit"
	"github.com/onnwee/civicq/internal/ranking"
)

// GetRankedQuestions returns up to topN items of the last published
// ranking, which may be stale. A contest never ranked yields an empty list.
func (e *Engine) GetRankedQuestions(ctx context.Context, contestID string, topN int) ([]ranking.RankedItem, error) {
	if contestID == "" {
		return nil, ErrMissingContest
	}
	return e.ranker.GetRanked(ctx, contestID, topN)
}

// RecomputeRanking recomputes a contest's ranking and waits for it. A call
// during an in-flight run is folded into a single follow-up run.
func (e *Engine) RecomputeRanking(ctx context.Context, contestID string) error {
	if contestID == "" {
		return ErrMissingContest
	}
	startedAt := time.Now()
	err := e.recomputes.Recompute(ctx, contestID)

	entry := audit.Entry{
		EntityType: audit.EntityContest,
		EntityID:   contestID,
		Action:     audit.ActionRecompute,
		Outcome:    audit.OutcomeSuccess,
	}
	if err != nil {
		entry.Outcome = audit.OutcomeFailure
		entry.Detail = err.Error()
	}
	if auditErr := e.record(ctx, entry); auditErr != nil {
		e.logger.Warn("failed to audit recompute",
			slog.String("contest_id", contestID),
			slog.String("error", auditErr.Error()))
	}

	if err != nil {
		return err
	}
	if e.dirty != nil {
		e.dirty.ClearDirty(contestID, startedAt)
	}
	return nil
}
