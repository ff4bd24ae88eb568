package api

import (
	"net/http"

	"github.com/onnwee/civicq/internal/engine"
	"github.com/onnwee/civicq/internal/middleware"
	"github.com/onnwee/civicq/internal/vote"
)

// VoteRequest is the body of POST /questions/{id}/votes. UserID defaults to
// the X-Actor-ID header.
type VoteRequest struct {
	UserID   string            `json:"user_id,omitempty"`
	Value    int               `json:"value"`
	Verified bool              `json:"verified"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OverrideRequest is the body of PUT /questions/{id}/votes/{user}/override.
// A null weight clears the override.
type OverrideRequest struct {
	Weight *float64 `json:"weight"`
}

// FreezeResponse reports the aggregates that replaced a contest's votes.
type FreezeResponse struct {
	ContestID  string           `json:"contest_id"`
	Aggregates []vote.Aggregate `json:"aggregates"`
}

// CastVote handles POST /questions/{id}/votes.
func (h *Handlers) CastVote(w http.ResponseWriter, r *http.Request) {
	var req VoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user := req.UserID
	if user == "" {
		user = middleware.GetActorID(r.Context())
	}

	res, err := h.svc.Vote(r.Context(), engine.VoteRequest{
		UserID:     user,
		QuestionID: r.PathValue("id"),
		Value:      req.Value,
		Verified:   req.Verified,
		Metadata:   req.Metadata,
	})
	if err != nil {
		writeServiceError(w, r.Context(), err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, r.Context(), status, res)
}

// OverrideVote handles PUT /questions/{id}/votes/{user}/override.
func (h *Handlers) OverrideVote(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.SetVoteOverride(r.Context(), r.PathValue("user"), r.PathValue("id"), req.Weight); err != nil {
		writeServiceError(w, r.Context(), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FreezeContest handles POST /contests/{contest}/freeze.
func (h *Handlers) FreezeContest(w http.ResponseWriter, r *http.Request) {
	contestID := r.PathValue("contest")
	aggs, err := h.svc.FreezeAndAggregate(r.Context(), contestID)
	if err != nil {
		writeServiceError(w, r.Context(), err)
		return
	}
	if aggs == nil {
		aggs = []vote.Aggregate{}
	}
	writeJSON(w, r.Context(), http.StatusOK, FreezeResponse{ContestID: contestID, Aggregates: aggs})
}
