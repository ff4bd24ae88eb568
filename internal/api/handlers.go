package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/civicq/internal/engine"
	"github.com/onnwee/civicq/internal/question"
	"github.com/onnwee/civicq/internal/ranking"
	"github.com/onnwee/civicq/internal/vote"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

// Service is the engine surface the handlers call. *engine.Engine
// implements it.
type Service interface {
	SubmitQuestion(ctx context.Context, req engine.SubmitRequest) (*engine.SubmitResult, error)
	Vote(ctx context.Context, req engine.VoteRequest) (*engine.VoteResult, error)
	EditQuestion(ctx context.Context, questionID, newText, editorID, reason string) (*question.Version, error)
	GetVersionAt(ctx context.Context, questionID string, n int) (*question.Version, error)
	ListVersions(ctx context.Context, questionID string) ([]*question.Version, error)
	ApplyModeration(ctx context.Context, questionID string, status question.Status, flagged int) error
	SetVoteOverride(ctx context.Context, userID, questionID string, weight *float64) error
	FreezeAndAggregate(ctx context.Context, contestID string) ([]vote.Aggregate, error)
	GetRankedQuestions(ctx context.Context, contestID string, topN int) ([]ranking.RankedItem, error)
	RecomputeRanking(ctx context.Context, contestID string) error
}

// Handlers holds dependencies for the engine HTTP handlers.
type Handlers struct {
	svc    Service
	logger *slog.Logger
	// maxTopN bounds the top_n query parameter.
	maxTopN int
}

// NewHandlers creates Handlers. A nil logger uses slog.Default().
func NewHandlers(svc Service, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{svc: svc, logger: logger, maxTopN: 200}
}

// decodeJSON reads a JSON body into v, rejecting unknown fields. On failure
// it writes a 400 response and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		msg := "Invalid JSON in request body"
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			msg = "Request body too large"
		case errors.Is(err, io.EOF):
			msg = "Request body is required"
		}
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, msg)
		return false
	}
	return true
}
