package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// Default Jina settings.
const (
	DefaultJinaEndpoint   = "https://api.jina.ai/v1/embeddings"
	DefaultJinaModel      = "jina-embeddings-v3"
	DefaultJinaDimensions = 1024
)

// JinaConfig configures a JinaEmbedder.
type JinaConfig struct {
	APIKey     string
	Model      string
	Endpoint   string
	Dimensions int
	// RequestsPerSecond caps outbound calls; zero uses ~80 RPM.
	RequestsPerSecond float64
	MaxRetries        int
	Logger            *slog.Logger
}

// JinaEmbedder generates embeddings via the Jina AI embeddings API.
type JinaEmbedder struct {
	cfg      JinaConfig
	client   *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
	backoffs []time.Duration
}

type jinaEmbedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Task       string   `json:"task"`
	Dimensions int      `json:"dimensions"`
	Truncate   bool     `json:"truncate"`
}

type jinaEmbedResponse struct {
	Data []jinaEmbedding `json:"data"`
}

type jinaEmbedding struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

// NewJinaEmbedder creates a JinaEmbedder, filling unset fields with defaults.
func NewJinaEmbedder(cfg JinaConfig) *JinaEmbedder {
	if cfg.Model == "" {
		cfg.Model = DefaultJinaModel
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultJinaEndpoint
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultJinaDimensions
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	limit := rate.Every(750 * time.Millisecond)
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &JinaEmbedder{
		cfg:      cfg,
		client:   &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
		backoffs: []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second},
	}
}

// Available reports whether an API key is configured.
func (e *JinaEmbedder) Available() bool {
	return e.cfg.APIKey != ""
}

// Embed returns the passage embedding for text.
func (e *JinaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	body, err := json.Marshal(jinaEmbedRequest{
		Model:      e.cfg.Model,
		Input:      []string{text},
		Task:       "text-matching",
		Dimensions: e.cfg.Dimensions,
		Truncate:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("embed: failed to marshal request: %w", err)
	}

	resp, err := e.doWithRetry(ctx, body)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, ErrNoEmbedding
	}
	return resp.Data[0].Embedding, nil
}

// doWithRetry retries on 429 and 5xx, honoring Retry-After on 429.
func (e *JinaEmbedder) doWithRetry(ctx context.Context, reqBody []byte) (*jinaEmbedResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embed: rate limiter wait failed: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(reqBody))
		if err != nil {
			return nil, fmt.Errorf("embed: failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)

		resp, err := e.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("embed: request cancelled: %w", ctx.Err())
			}
			lastErr = fmt.Errorf("embed: request failed: %w", err)
			if !e.sleep(ctx, attempt, 0) {
				return nil, fmt.Errorf("embed: request cancelled during retry: %w", ctx.Err())
			}
			continue
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("embed: failed to read response: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			var out jinaEmbedResponse
			if err := json.Unmarshal(body, &out); err != nil {
				return nil, fmt.Errorf("embed: failed to parse response: %w", err)
			}
			return &out, nil
		}

		lastErr = fmt.Errorf("embed: jina returned status %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
			return nil, lastErr
		}

		e.logger.Warn("embedding request retry",
			slog.Int("status", resp.StatusCode),
			slog.Int("attempt", attempt+1))

		var retryAfter time.Duration
		if resp.StatusCode == http.StatusTooManyRequests {
			if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
				retryAfter = min(time.Duration(s)*time.Second, 30*time.Second)
			}
		}
		if !e.sleep(ctx, attempt, retryAfter) {
			return nil, fmt.Errorf("embed: request cancelled during retry: %w", ctx.Err())
		}
	}

	return nil, fmt.Errorf("embed: all retries exhausted: %w", lastErr)
}

// sleep waits before the next attempt. It returns false if ctx ends first.
func (e *JinaEmbedder) sleep(ctx context.Context, attempt int, override time.Duration) bool {
	if attempt >= e.cfg.MaxRetries {
		return true
	}
	delay := override
	if delay == 0 {
		delay = e.backoffs[min(attempt, len(e.backoffs)-1)]
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}
