package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/civicq/internal/health"
	"github.com/onnwee/civicq/internal/middleware"
)

// HealthHandlers provides health and readiness check endpoints for Kubernetes probes.
type HealthHandlers struct {
	checkers map[string]health.Checker
	timeout  time.Duration
	logger   *slog.Logger
}

// NewHealthHandlers creates health handlers. Nil checkers (for example a
// database when running on in-memory repositories) are skipped.
func NewHealthHandlers(checkers map[string]health.Checker, logger *slog.Logger) *HealthHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandlers{checkers: checkers, timeout: health.DefaultTimeout, logger: logger}
}

// HealthResponse represents the JSON response for health checks.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health (liveness probe). If we can respond, we're alive.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r.Context(), http.StatusOK, HealthResponse{
		Status:    "healthy",
		Checks:    map[string]string{"runtime": health.StatusOK},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready (readiness probe). Returns 503 when any
// configured dependency is unavailable.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	report := health.Run(r.Context(), h.checkers, h.timeout)
	for _, res := range report.Results {
		if res.Err != nil {
			h.logger.WarnContext(r.Context(), "dependency health check failed",
				slog.String("check", res.Name),
				slog.String("error", res.Err.Error()))
		}
	}

	resp := HealthResponse{
		Status:    "ready",
		Checks:    report.Statuses(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if !report.Healthy() {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
		middleware.SetErrorCode(r.Context(), ErrCodeUnavailable)
	}
	writeJSON(w, r.Context(), status, resp)
}
