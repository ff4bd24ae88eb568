package question

import (
	"context"
	"errors"
	"log/slog"
)

// DefaultVersionRetries bounds retries after a version number conflict.
const DefaultVersionRetries = 3

// Tracker records question edits as immutable, numbered versions.
type Tracker struct {
	repo       Repository
	maxRetries int
	logger     *slog.Logger
}

// NewTracker creates a Tracker over repo.
func NewTracker(repo Repository, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{repo: repo, maxRetries: DefaultVersionRetries, logger: logger}
}

// CreateVersion appends a version, retrying the whole operation when a
// concurrent editor claimed the same version number.
func (t *Tracker) CreateVersion(ctx context.Context, questionID, text, editorID, reason string) (*Version, error) {
	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		v, err := t.repo.CreateVersion(ctx, questionID, text, editorID, reason)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
		t.logger.Warn("version number conflict, retrying",
			slog.String("question_id", questionID),
			slog.Int("attempt", attempt+1))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// GetVersionAt returns the version with the given number.
func (t *Tracker) GetVersionAt(ctx context.Context, questionID string, number int) (*Version, error) {
	return t.repo.GetVersionAt(ctx, questionID, number)
}

// ListVersions returns a question's full edit history.
func (t *Tracker) ListVersions(ctx context.Context, questionID string) ([]*Version, error) {
	return t.repo.ListVersions(ctx, questionID)
}

// Resolve returns the version an answer is bound to.
func (t *Tracker) Resolve(ctx context.Context, b AnswerBinding) (*Version, error) {
	return t.repo.GetVersionByID(ctx, b.QuestionVersionID)
}
