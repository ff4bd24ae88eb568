package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/civicq/internal/audit"
)

// AuditHandlers serves the audit trail.
type AuditHandlers struct {
	repo   audit.Repository
	logger *slog.Logger
}

// NewAuditHandlers creates AuditHandlers. A nil logger uses slog.Default().
func NewAuditHandlers(repo audit.Repository, logger *slog.Logger) *AuditHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditHandlers{repo: repo, logger: logger}
}

// ChainStatus reports the result of a hash chain verification.
type ChainStatus struct {
	Valid     bool   `json:"valid"`
	CheckedAt string `json:"checked_at"`
}

// Export handles GET /audit/{entity_type}/{entity_id}?format=json|csv&from=&to=&limit=.
// from and to are RFC 3339 timestamps.
func (h *AuditHandlers) Export(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := audit.ExportOptions{
		Format:     audit.ExportFormatJSON,
		EntityType: r.PathValue("entity_type"),
		EntityID:   r.PathValue("entity_id"),
	}
	if f := q.Get("format"); f != "" {
		opts.Format = audit.ExportFormat(f)
		if opts.Format != audit.ExportFormatJSON && opts.Format != audit.ExportFormatCSV {
			WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "format must be json or csv")
			return
		}
	}
	if !audit.ValidEntityTypes[opts.EntityType] {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "unknown entity type")
		return
	}
	for name, dst := range map[string]*time.Time{"from": &opts.From, "to": &opts.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, name+" must be an RFC 3339 timestamp")
			return
		}
		*dst = t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "limit must be a positive integer")
			return
		}
		opts.Limit = n
	}

	data, err := audit.ExportLogs(r.Context(), h.repo, opts)
	if err != nil {
		writeServiceError(w, r.Context(), err)
		return
	}

	contentType := "application/json; charset=utf-8"
	if opts.Format == audit.ExportFormatCSV {
		contentType = "text/csv; charset=utf-8"
		w.Header().Set("Content-Disposition",
			`attachment; filename="audit-`+opts.EntityType+`-`+opts.EntityID+`.csv"`)
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to write audit export", "error", err)
	}
}

// Verify handles GET /audit/verify.
func (h *AuditHandlers) Verify(w http.ResponseWriter, r *http.Request) {
	ok, err := h.repo.VerifyChain(r.Context())
	if err != nil {
		writeServiceError(w, r.Context(), err)
		return
	}
	if !ok {
		h.logger.ErrorContext(r.Context(), "audit hash chain verification failed")
	}
	writeJSON(w, r.Context(), http.StatusOK, ChainStatus{
		Valid:     ok,
		CheckedAt: time.Now().UTC().Format(time.RFC3339),
	})
}
