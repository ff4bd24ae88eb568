package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig wires handlers into a mux. Audit, Health and Gatherer are
// optional; VoteLimiter, when set, wraps only the vote endpoint.
type RouterConfig struct {
	Handlers    *Handlers
	Audit       *AuditHandlers
	Health      *HealthHandlers
	Gatherer    prometheus.Gatherer
	VoteLimiter func(http.Handler) http.Handler
}

// NewRouter registers every engine route.
func NewRouter(cfg RouterConfig) *http.ServeMux {
	mux := http.NewServeMux()
	h := cfg.Handlers

	mux.HandleFunc("POST /contests/{contest}/questions", h.SubmitQuestion)
	mux.HandleFunc("GET /contests/{contest}/ranking", h.GetRanking)
	mux.HandleFunc("POST /contests/{contest}/recompute", h.Recompute)
	mux.HandleFunc("POST /contests/{contest}/freeze", h.FreezeContest)

	var castVote http.Handler = http.HandlerFunc(h.CastVote)
	if cfg.VoteLimiter != nil {
		castVote = cfg.VoteLimiter(castVote)
	}
	mux.Handle("POST /questions/{id}/votes", castVote)
	mux.HandleFunc("PUT /questions/{id}/votes/{user}/override", h.OverrideVote)
	mux.HandleFunc("POST /questions/{id}/versions", h.EditQuestion)
	mux.HandleFunc("GET /questions/{id}/versions", h.ListVersions)
	mux.HandleFunc("GET /questions/{id}/versions/{n}", h.GetVersion)
	mux.HandleFunc("POST /questions/{id}/moderation", h.Moderate)

	if cfg.Audit != nil {
		mux.HandleFunc("GET /audit/verify", cfg.Audit.Verify)
		mux.HandleFunc("GET /audit/{entity_type}/{entity_id}", cfg.Audit.Export)
	}
	if cfg.Health != nil {
		mux.HandleFunc("GET /health", cfg.Health.Health)
		mux.HandleFunc("GET /ready", cfg.Health.Ready)
	}
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
	})
	return mux
}
