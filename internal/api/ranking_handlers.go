package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/onnwee/civicq/internal/ranking"
)

// RankingResponse is the published ranking of a contest.
type RankingResponse struct {
	ContestID string               `json:"contest_id"`
	Items     []ranking.RankedItem `json:"items"`
}

// RecomputeResponse acknowledges a completed recompute.
type RecomputeResponse struct {
	ContestID string `json:"contest_id"`
	Status    string `json:"status"`
}

// GetRanking handles GET /contests/{contest}/ranking?top_n=. Without top_n
// the whole published ranking is returned.
func (h *Handlers) GetRanking(w http.ResponseWriter, r *http.Request) {
	topN := 0
	if raw := r.URL.Query().Get("top_n"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > h.maxTopN {
			WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation,
				"top_n must be an integer between 1 and "+strconv.Itoa(h.maxTopN))
			return
		}
		topN = n
	}

	contestID := r.PathValue("contest")
	items, err := h.svc.GetRankedQuestions(r.Context(), contestID, topN)
	if err != nil {
		writeServiceError(w, r.Context(), err)
		return
	}
	if items == nil {
		items = []ranking.RankedItem{}
	}
	writeJSON(w, r.Context(), http.StatusOK, RankingResponse{ContestID: contestID, Items: items})
}

// Recompute handles POST /contests/{contest}/recompute. Concurrent requests
// for one contest share a run.
func (h *Handlers) Recompute(w http.ResponseWriter, r *http.Request) {
	contestID := r.PathValue("contest")
	err := h.svc.RecomputeRanking(r.Context(), contestID)

	var stageErr *ranking.StageError
	switch {
	case err == nil:
		writeJSON(w, r.Context(), http.StatusOK, RecomputeResponse{ContestID: contestID, Status: "recomputed"})
	case errors.As(err, &stageErr):
		h.logger.ErrorContext(r.Context(), "ranking recompute failed",
			slog.String("contest_id", contestID),
			slog.String("stage", stageErr.Stage),
			slog.String("error", err.Error()))
		WriteError(w, r.Context(), http.StatusInternalServerError, ErrCodeRecomputeFailed,
			"Recompute failed at stage "+stageErr.Stage+"; the previous ranking remains published")
	default:
		writeServiceError(w, r.Context(), err)
	}
}
