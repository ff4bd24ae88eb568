package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/onnwee/civicq/internal/audit"
	"github.com/onnwee/civicq/internal/question"
)

// EditQuestion appends a new version of a question's text. Earlier versions
// stay immutable so answers remain bound to the text they responded to.
// The stored embedding is dropped and recomputed by the next ranking run.
func (e *Engine) EditQuestion(ctx context.Context, questionID, newText, editorID, reason string) (*question.Version, error) {
	v, err := e.versions.CreateVersion(ctx, questionID, newText, editorID, reason)
	if err != nil {
		return nil, err
	}
	q, err := e.questions.Get(ctx, questionID)
	if err != nil {
		return nil, err
	}
	if err := e.questions.SetEmbedding(ctx, questionID, nil); err != nil {
		e.logger.Warn("failed to clear embedding after edit",
			slog.String("question_id", questionID),
			slog.String("error", err.Error()))
	}
	if err := e.record(ctx, audit.Entry{
		ActorID:    editorID,
		EntityType: audit.EntityQuestion,
		EntityID:   questionID,
		Action:     audit.ActionEditQuestion,
		Detail:     fmt.Sprintf("version=%d reason=%s", v.VersionNumber, reason),
	}); err != nil {
		return nil, err
	}
	e.notifier.NotifyChange(q.ContestID)
	return v, nil
}

// GetVersionAt returns version number n of a question.
func (e *Engine) GetVersionAt(ctx context.Context, questionID string, n int) (*question.Version, error) {
	return e.versions.GetVersionAt(ctx, questionID, n)
}

// ListVersions returns a question's edit history, oldest first.
func (e *Engine) ListVersions(ctx context.Context, questionID string) ([]*question.Version, error) {
	return e.versions.ListVersions(ctx, questionID)
}

// ResolveAnswer returns the exact question version an answer responded to.
func (e *Engine) ResolveAnswer(ctx context.Context, b question.AnswerBinding) (*question.Version, error) {
	return e.versions.Resolve(ctx, b)
}

// ApplyModeration applies an external moderation decision. status may be
// empty to only update the flag count.
func (e *Engine) ApplyModeration(ctx context.Context, questionID string, status question.Status, flagged int) error {
	if status != "" && status != question.StatusApproved && status != question.StatusRemoved {
		return ErrInvalidNewStatus
	}
	q, err := e.questions.Get(ctx, questionID)
	if err != nil {
		return err
	}

	if status != "" && status != q.Status {
		if err := e.questions.UpdateStatus(ctx, questionID, status, nil); err != nil {
			return err
		}
		if status == question.StatusApproved {
			// Refresh the index entry in case the embedding changed
			// since submission.
			e.indexQuestion(q)
		}
	}
	if err := e.questions.SetFlagged(ctx, questionID, flagged); err != nil {
		return err
	}

	if err := e.record(ctx, audit.Entry{
		EntityType: audit.EntityQuestion,
		EntityID:   questionID,
		Action:     audit.ActionModerateQuestion,
		Detail:     fmt.Sprintf("status=%s flagged=%d", status, flagged),
	}); err != nil {
		return err
	}
	e.notifier.NotifyChange(q.ContestID)
	e.logger.Info("moderation applied",
		slog.String("contest_id", q.ContestID),
		slog.String("question_id", questionID),
		slog.String("status", string(status)),
		slog.Int("flagged", flagged))
	return nil
}
