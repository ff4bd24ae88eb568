package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/", "/"},
		{"/metrics", "/metrics"},
		{"/contests/c1/questions", "/contests/{contest_id}/questions"},
		{"/contests/c1/ranking", "/contests/{contest_id}/ranking"},
		{"/contests/c1/", "/contests/{contest_id}"},
		{"/questions/6f1d/votes", "/questions/{id}/votes"},
		{"/questions/6f1d/votes/u-9/override", "/questions/{id}/votes/{user_id}/override"},
		{"/questions/6f1d/versions/12", "/questions/{id}/versions/{n}"},
		{"/unknown/thing", "/unknown/thing"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := normalizePath(tt.path); got != tt.want {
				t.Errorf("normalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestHTTPMetrics(t *testing.T) {
	metrics := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	handler := HTTPMetrics(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"question_id":"q1"}`))
	}))

	body := `{"text":"Will you fix the roads?"}`
	for _, path := range []string{"/contests/a/questions", "/contests/b/questions", "/health"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Length", "33")
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var total *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == MetricHTTPRequestsTotal {
			total = f
		}
	}
	if total == nil {
		t.Fatal("http_requests_total not gathered")
	}
	if len(total.GetMetric()) != 1 {
		t.Fatalf("got %d label sets, want 1 (ids normalized, health excluded)", len(total.GetMetric()))
	}
	m := total.GetMetric()[0]
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Errorf("requests = %v, want 2", got)
	}
	labels := map[string]string{}
	for _, lp := range m.GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	if labels["path"] != "/contests/{contest_id}/questions" || labels["status"] != "201" || labels["method"] != http.MethodPost {
		t.Errorf("labels = %v", labels)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveHTTPRequest("GET", "/", "200", 0.1, 0, 0)
	m.observeRateLimit("ip", false)
	m.incRateLimitStoreErrors()
}
