package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/civicq/internal/api"
	"github.com/onnwee/civicq/internal/config"
	"github.com/onnwee/civicq/internal/engine"
	"github.com/onnwee/civicq/internal/middleware"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startApp(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := newApp(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	srv := httptest.NewServer(a.handler)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
		if a.scheduler.IsRunning() {
			t.Error("scheduler still running after Shutdown")
		}
	})
	return srv
}

func send(t *testing.T, srv *httptest.Server, method, path, actor, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if actor != "" {
		req.Header.Set(middleware.ActorHeader, actor)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestApp_InMemoryFlow(t *testing.T) {
	srv := startApp(t, config.Default())

	resp := send(t, srv, http.MethodGet, "/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	if resp.Header.Get(middleware.RequestIDHeader) == "" {
		t.Error("response is missing a request id")
	}

	resp = send(t, srv, http.MethodGet, "/ready", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ready status = %d, want 200 with no external dependencies", resp.StatusCode)
	}

	resp = send(t, srv, http.MethodPost, "/contests/mayor-2026/questions", "author-1",
		`{"text":"How will you reduce commute times?","issue_tags":["transit"]}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	var submitted engine.SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		t.Fatalf("decode submit: %v", err)
	}

	resp = send(t, srv, http.MethodPost, "/questions/"+submitted.QuestionID+"/moderation", "mod-1", `{"status":"approved"}`)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("moderation status = %d", resp.StatusCode)
	}
	resp = send(t, srv, http.MethodPost, "/questions/"+submitted.QuestionID+"/votes", "voter-1", `{"value":1,"verified":true}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("vote status = %d", resp.StatusCode)
	}
	resp = send(t, srv, http.MethodPost, "/contests/mayor-2026/recompute", "admin", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("recompute status = %d", resp.StatusCode)
	}

	resp = send(t, srv, http.MethodGet, "/contests/mayor-2026/ranking?top_n=5", "", "")
	var ranking api.RankingResponse
	if err := json.NewDecoder(resp.Body).Decode(&ranking); err != nil {
		t.Fatalf("decode ranking: %v", err)
	}
	if len(ranking.Items) != 1 || ranking.Items[0].QuestionID != submitted.QuestionID {
		t.Errorf("ranking = %+v", ranking.Items)
	}

	resp = send(t, srv, http.MethodGet, "/metrics", "", "")
	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), "go_goroutines") {
		t.Error("metrics output is missing runtime collectors")
	}
}

func TestApp_GlobalRateLimit(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimit.GlobalPerMinute = 2
	srv := startApp(t, cfg)

	for i := 0; i < 2; i++ {
		if resp := send(t, srv, http.MethodGet, "/health", "", ""); resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d", i, resp.StatusCode)
		}
	}
	resp := send(t, srv, http.MethodGet, "/health", "", "")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", resp.StatusCode)
	}
}

func TestApp_RateLimitDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimit.Enabled = false
	cfg.RateLimit.GlobalPerMinute = 1
	srv := startApp(t, cfg)

	for i := 0; i < 3; i++ {
		if resp := send(t, srv, http.MethodGet, "/health", "", ""); resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d", i, resp.StatusCode)
		}
	}
}

func TestNewApp_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"invalid lockstep schedule", func(c *config.Config) { c.Jobs.LockstepSchedule = "every tuesday" }},
		{"invalid rebuild schedule", func(c *config.Config) { c.Jobs.IndexRebuildSchedule = "* *" }},
		{"unreachable database", func(c *config.Config) {
			c.DatabaseURL = "postgres://civicq:x@127.0.0.1:1/civicq?sslmode=disable&connect_timeout=1"
		}},
		{"malformed redis url", func(c *config.Config) { c.RedisURL = "http://not-redis" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := newApp(ctx, cfg, testLogger()); err == nil {
				t.Fatal("newApp() succeeded, want error")
			}
		})
	}
}

func TestNewEmbedder(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.EmbeddingConfig
		wantDim int
	}{
		{"hash default", config.EmbeddingConfig{Dimensions: 32}, 32},
		{"explicit hash ignores key", config.EmbeddingConfig{Provider: config.EmbeddingProviderHash, APIKey: "k", Dimensions: 16}, 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEmbedder(tt.cfg, testLogger())
			vec, err := e.Embed(context.Background(), "Will you fund the parks?")
			if err != nil {
				t.Fatalf("Embed() error = %v", err)
			}
			if len(vec) != tt.wantDim {
				t.Errorf("len(vec) = %d, want %d", len(vec), tt.wantDim)
			}
		})
	}
}

func TestShutdown_WaitsForDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, err := newApp(ctx, config.Default(), testLogger())
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}

	expired, cancelExpired := context.WithCancel(context.Background())
	cancelExpired()
	err = a.Shutdown(expired)
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown() error = %v, want nil or context.Canceled", err)
	}
}
