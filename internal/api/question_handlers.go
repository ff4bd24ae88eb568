package api

import (
	"net/http"
	"strconv"

	"github.com/onnwee/civicq/internal/engine"
	"github.com/onnwee/civicq/internal/middleware"
	"github.com/onnwee/civicq/internal/question"
	"github.com/onnwee/civicq/internal/validate"
)

// MaxQuestionTextLength bounds submitted and edited question text, in characters.
const MaxQuestionTextLength = validate.MaxQuestionLength

// SubmitQuestionRequest is the body of POST /contests/{contest}/questions.
type SubmitQuestionRequest struct {
	Text      string   `json:"text"`
	AuthorID  string   `json:"author_id,omitempty"`
	IssueTags []string `json:"issue_tags"`
}

// EditQuestionRequest is the body of POST /questions/{id}/versions.
type EditQuestionRequest struct {
	Text     string `json:"text"`
	Reason   string `json:"reason"`
	EditorID string `json:"editor_id,omitempty"`
}

// ModerationRequest is the body of POST /questions/{id}/moderation. An
// empty status only updates the flag count.
type ModerationRequest struct {
	Status  question.Status `json:"status,omitempty"`
	Flagged int             `json:"flagged"`
}

// VersionListResponse lists a question's versions, oldest first.
type VersionListResponse struct {
	QuestionID string              `json:"question_id"`
	Versions   []*question.Version `json:"versions"`
}

// SubmitQuestion handles POST /contests/{contest}/questions.
func (h *Handlers) SubmitQuestion(w http.ResponseWriter, r *http.Request) {
	var req SubmitQuestionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	text, err := validate.QuestionText(req.Text)
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "text: "+err.Error())
		return
	}
	tags := make([]string, 0, len(req.IssueTags))
	for _, raw := range req.IssueTags {
		tag, err := validate.IssueTag(raw)
		if err != nil {
			WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "issue_tags: "+err.Error())
			return
		}
		tags = append(tags, tag)
	}
	author := req.AuthorID
	if author == "" {
		author = middleware.GetActorID(r.Context())
	}

	res, err := h.svc.SubmitQuestion(r.Context(), engine.SubmitRequest{
		ContestID: r.PathValue("contest"),
		Text:      text,
		AuthorID:  author,
		IssueTags: tags,
	})
	if err != nil {
		writeServiceError(w, r.Context(), err)
		return
	}
	writeJSON(w, r.Context(), http.StatusCreated, res)
}

// EditQuestion handles POST /questions/{id}/versions.
func (h *Handlers) EditQuestion(w http.ResponseWriter, r *http.Request) {
	var req EditQuestionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	text, err := validate.QuestionText(req.Text)
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "text: "+err.Error())
		return
	}
	reason, err := validate.EditReason(req.Reason)
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "reason: "+err.Error())
		return
	}
	editor := req.EditorID
	if editor == "" {
		editor = middleware.GetActorID(r.Context())
	}
	if editor == "" {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "editor_id or X-Actor-ID is required")
		return
	}

	v, err := h.svc.EditQuestion(r.Context(), r.PathValue("id"), text, editor, reason)
	if err != nil {
		writeServiceError(w, r.Context(), err)
		return
	}
	writeJSON(w, r.Context(), http.StatusCreated, v)
}

// ListVersions handles GET /questions/{id}/versions.
func (h *Handlers) ListVersions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	versions, err := h.svc.ListVersions(r.Context(), id)
	if err != nil {
		writeServiceError(w, r.Context(), err)
		return
	}
	if versions == nil {
		versions = []*question.Version{}
	}
	writeJSON(w, r.Context(), http.StatusOK, VersionListResponse{QuestionID: id, Versions: versions})
}

// GetVersion handles GET /questions/{id}/versions/{n}.
func (h *Handlers) GetVersion(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil || n < 1 {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "version number must be a positive integer")
		return
	}
	v, err := h.svc.GetVersionAt(r.Context(), r.PathValue("id"), n)
	if err != nil {
		writeServiceError(w, r.Context(), err)
		return
	}
	writeJSON(w, r.Context(), http.StatusOK, v)
}

// Moderate handles POST /questions/{id}/moderation.
func (h *Handlers) Moderate(w http.ResponseWriter, r *http.Request) {
	var req ModerationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Flagged < 0 {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "flagged must be >= 0")
		return
	}
	if err := h.svc.ApplyModeration(r.Context(), r.PathValue("id"), req.Status, req.Flagged); err != nil {
		writeServiceError(w, r.Context(), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
