package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/onnwee/civicq/internal/anomaly"
	"github.com/onnwee/civicq/internal/audit"
	"github.com/onnwee/civicq/internal/cluster"
	"github.com/onnwee/civicq/internal/dedup"
	"github.com/onnwee/civicq/internal/embed"
	"github.com/onnwee/civicq/internal/engine"
	"github.com/onnwee/civicq/internal/health"
	"github.com/onnwee/civicq/internal/middleware"
	"github.com/onnwee/civicq/internal/question"
	"github.com/onnwee/civicq/internal/ranking"
	"github.com/onnwee/civicq/internal/simindex"
	"github.com/onnwee/civicq/internal/vote"
)

type testServer struct {
	handler http.Handler
	audit   *audit.InMemoryRepository
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T, checkers map[string]health.Checker) *testServer {
	t.Helper()
	logger := testLogger()
	embedder := embed.NewHashEmbedder(64)
	questions := question.NewInMemoryRepository()
	votes := vote.NewInMemoryRepository()
	clusters := cluster.NewInMemoryRepository()
	auditRepo := audit.NewInMemoryRepository()
	dirty := ranking.NewDirtyTracker()

	index := simindex.New(simindex.DefaultConfig(), logger, nil)
	rankCfg := ranking.DefaultConfig()
	rankCfg.Decay = ranking.DecayConfig{Kind: ranking.DecayNone}
	recomputer := ranking.NewRecomputer(rankCfg, ranking.Deps{
		Questions: questions,
		Votes:     votes,
		Clusters:  clusters,
		Snapshots: ranking.NewInMemorySnapshotStore(),
		Embedder:  embedder,
		Index:     index,
	}, logger, nil)
	coordinator := ranking.NewCoordinator(recomputer, time.Minute, logger, nil)

	eng := engine.New(engine.Deps{
		Questions:  questions,
		Votes:      votes,
		Clusters:   clusters,
		Resolver:   dedup.NewResolver(dedup.DefaultConfig(), embedder, index, questions, logger, nil),
		Index:      index,
		Scorer:     anomaly.NewScorer(anomaly.DefaultConfig(), votes, nil, nil, logger),
		Ranker:     recomputer,
		Recomputes: coordinator,
		Notifier:   ranking.NewRecomputeJob(ranking.RecomputeJobConfig{Logger: logger}, dirty, coordinator),
		Audit:      auditRepo,
		Dirty:      dirty,
		Logger:     logger,
	})

	mux := NewRouter(RouterConfig{
		Handlers: NewHandlers(eng, logger),
		Audit:    NewAuditHandlers(auditRepo, logger),
		Health:   NewHealthHandlers(checkers, logger),
		Gatherer: prometheus.NewRegistry(),
	})
	return &testServer{handler: middleware.Actor(mux), audit: auditRepo}
}

func (s *testServer) do(t *testing.T, method, path, actor, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if actor != "" {
		req.Header.Set(middleware.ActorHeader, actor)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func assertError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rr.Code, status, rr.Body.String())
	}
	resp := decode[ErrorResponse](t, rr)
	if resp.Error.Code != code {
		t.Errorf("error code = %q, want %q", resp.Error.Code, code)
	}
	if resp.Error.Message == "" {
		t.Error("error message is empty")
	}
}

// submitApproved submits a question and approves it through the API.
func (s *testServer) submitApproved(t *testing.T, contest, text, tag string) string {
	t.Helper()
	body := fmt.Sprintf(`{"text":%q,"issue_tags":[%q]}`, text, tag)
	rr := s.do(t, http.MethodPost, "/contests/"+contest+"/questions", "author-1", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("submit status = %d, body %s", rr.Code, rr.Body.String())
	}
	res := decode[engine.SubmitResult](t, rr)
	rr = s.do(t, http.MethodPost, "/questions/"+res.QuestionID+"/moderation", "mod-1", `{"status":"approved"}`)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("moderation status = %d, body %s", rr.Code, rr.Body.String())
	}
	return res.QuestionID
}

func TestSubmitQuestion(t *testing.T) {
	s := newTestServer(t, nil)

	rr := s.do(t, http.MethodPost, "/contests/c1/questions", "author-1",
		`{"text":"  How will you fund bus routes?  ","issue_tags":["Transit"]}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	res := decode[engine.SubmitResult](t, rr)
	if res.QuestionID == "" || res.Status != question.StatusPending || res.DuplicateOf != "" {
		t.Errorf("result = %+v", res)
	}

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"malformed json", "/contests/c1/questions", `{"text":`, http.StatusBadRequest, ErrCodeBadRequest},
		{"unknown field", "/contests/c1/questions", `{"text":"x","score":9}`, http.StatusBadRequest, ErrCodeBadRequest},
		{"empty body", "/contests/c1/questions", ``, http.StatusBadRequest, ErrCodeBadRequest},
		{"blank text", "/contests/c1/questions", `{"text":"   "}`, http.StatusBadRequest, ErrCodeValidation},
		{"too long", "/contests/c1/questions", fmt.Sprintf(`{"text":%q}`, strings.Repeat("a", MaxQuestionTextLength+1)),
			http.StatusBadRequest, ErrCodeValidation},
		{"malformed tag", "/contests/c1/questions", `{"text":"ok?","issue_tags":["tag#1"]}`,
			http.StatusBadRequest, ErrCodeValidation},
		{"control character", "/contests/c1/questions", `{"text":"why\u0000?"}`, http.StatusBadRequest, ErrCodeValidation},
		{"too many tags", "/contests/c1/questions", `{"text":"ok?","issue_tags":["a","b","c","d","e","f"]}`,
			http.StatusBadRequest, ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertError(t, s.do(t, http.MethodPost, tt.path, "author-1", tt.body), tt.status, tt.code)
		})
	}
}

func TestSubmitQuestion_DuplicateOfApproved(t *testing.T) {
	s := newTestServer(t, nil)
	original := s.submitApproved(t, "c1", "Will you build affordable housing?", "housing")

	rr := s.do(t, http.MethodPost, "/contests/c1/questions", "author-2",
		`{"text":"Will you build affordable housing?","issue_tags":["housing"]}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d", rr.Code)
	}
	res := decode[engine.SubmitResult](t, rr)
	if res.DuplicateOf != original || res.Status != question.StatusMerged {
		t.Errorf("result = %+v, want merged duplicate of %s", res, original)
	}
}

func TestCastVote(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.submitApproved(t, "c1", "Will you repave Main Street?", "roads")

	rr := s.do(t, http.MethodPost, "/questions/"+id+"/votes", "voter-1", `{"value":1,"verified":true}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("first vote status = %d, body %s", rr.Code, rr.Body.String())
	}
	res := decode[engine.VoteResult](t, rr)
	if !res.Accepted || res.Tally.Upvotes != 1 {
		t.Errorf("first vote = %+v", res)
	}

	rr = s.do(t, http.MethodPost, "/questions/"+id+"/votes", "voter-1", `{"value":-1,"verified":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("revote status = %d", rr.Code)
	}
	res = decode[engine.VoteResult](t, rr)
	if res.Created || res.Tally.Upvotes != 0 || res.Tally.Downvotes != 1 {
		t.Errorf("revote = %+v, want the vote changed in place", res)
	}

	assertError(t, s.do(t, http.MethodPost, "/questions/"+id+"/votes", "voter-2", `{"value":0}`),
		http.StatusBadRequest, ErrCodeValidation)
	assertError(t, s.do(t, http.MethodPost, "/questions/"+id+"/votes", "", `{"value":1}`),
		http.StatusBadRequest, ErrCodeValidation)
	assertError(t, s.do(t, http.MethodPost, "/questions/missing/votes", "voter-2", `{"value":1}`),
		http.StatusNotFound, ErrCodeNotFound)
}

func TestCastVote_PendingQuestion(t *testing.T) {
	s := newTestServer(t, nil)
	rr := s.do(t, http.MethodPost, "/contests/c1/questions", "author-1", `{"text":"Pending question?"}`)
	res := decode[engine.SubmitResult](t, rr)

	assertError(t, s.do(t, http.MethodPost, "/questions/"+res.QuestionID+"/votes", "voter-1", `{"value":1}`),
		http.StatusConflict, ErrCodeQuestionNotOpen)
}

func TestFreezeContest(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.submitApproved(t, "c1", "Will you expand the library?", "education")
	s.do(t, http.MethodPost, "/questions/"+id+"/votes", "voter-1", `{"value":1}`)

	rr := s.do(t, http.MethodPost, "/contests/c1/freeze", "admin", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("freeze status = %d, body %s", rr.Code, rr.Body.String())
	}
	resp := decode[FreezeResponse](t, rr)
	if len(resp.Aggregates) != 1 || resp.Aggregates[0].Upvotes != 1 {
		t.Errorf("aggregates = %+v", resp.Aggregates)
	}

	assertError(t, s.do(t, http.MethodPost, "/questions/"+id+"/votes", "voter-2", `{"value":1}`),
		http.StatusConflict, ErrCodeContestFrozen)
}

func TestOverrideVote(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.submitApproved(t, "c1", "Will you add bike lanes?", "transit")
	s.do(t, http.MethodPost, "/questions/"+id+"/votes", "voter-1", `{"value":1}`)

	rr := s.do(t, http.MethodPut, "/questions/"+id+"/votes/voter-1/override", "mod-2", `{"weight":0}`)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("override status = %d, body %s", rr.Code, rr.Body.String())
	}
	logs, _ := s.audit.QueryByActor(context.Background(), "mod-2", 0)
	if len(logs) != 1 || logs[0].Action != audit.ActionOverrideWeight {
		t.Errorf("audit logs for mod-2 = %+v", logs)
	}

	assertError(t, s.do(t, http.MethodPut, "/questions/"+id+"/votes/voter-1/override", "mod-2", `{"weight":2}`),
		http.StatusBadRequest, ErrCodeValidation)
	assertError(t, s.do(t, http.MethodPut, "/questions/"+id+"/votes/nobody/override", "mod-2", `{"weight":0.5}`),
		http.StatusNotFound, ErrCodeNotFound)
}

func TestVersions(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.submitApproved(t, "c1", "Will you fix potholes?", "roads")

	rr := s.do(t, http.MethodPost, "/questions/"+id+"/versions", "mod-1",
		`{"text":"Will you fix potholes on Elm Street?","reason":"clarify location"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("edit status = %d, body %s", rr.Code, rr.Body.String())
	}
	v := decode[question.Version](t, rr)
	if v.VersionNumber != 2 || v.EditAuthorID != "mod-1" || v.EditReason != "clarify location" {
		t.Errorf("version = %+v", v)
	}

	list := decode[VersionListResponse](t, s.do(t, http.MethodGet, "/questions/"+id+"/versions", "", ""))
	if len(list.Versions) != 2 || list.Versions[0].VersionNumber != 1 {
		t.Fatalf("versions = %+v", list.Versions)
	}

	first := decode[question.Version](t, s.do(t, http.MethodGet, "/questions/"+id+"/versions/1", "", ""))
	if first.Text != "Will you fix potholes?" {
		t.Errorf("version 1 text = %q", first.Text)
	}

	assertError(t, s.do(t, http.MethodGet, "/questions/"+id+"/versions/abc", "", ""), http.StatusBadRequest, ErrCodeValidation)
	assertError(t, s.do(t, http.MethodGet, "/questions/"+id+"/versions/9", "", ""), http.StatusNotFound, ErrCodeNotFound)
	assertError(t, s.do(t, http.MethodPost, "/questions/"+id+"/versions", "", `{"text":"no editor"}`),
		http.StatusBadRequest, ErrCodeValidation)
}

func TestModerate(t *testing.T) {
	s := newTestServer(t, nil)
	rr := s.do(t, http.MethodPost, "/contests/c1/questions", "author-1", `{"text":"Flag me?"}`)
	id := decode[engine.SubmitResult](t, rr).QuestionID

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"flag only", `{"flagged":2}`, http.StatusNoContent, ""},
		{"remove", `{"status":"removed","flagged":3}`, http.StatusNoContent, ""},
		{"merged not allowed", `{"status":"merged"}`, http.StatusBadRequest, ErrCodeValidation},
		{"negative flags", `{"flagged":-1}`, http.StatusBadRequest, ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(t, http.MethodPost, "/questions/"+id+"/moderation", "mod-1", tt.body)
			if tt.code == "" {
				if rr.Code != tt.status {
					t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
				}
				return
			}
			assertError(t, rr, tt.status, tt.code)
		})
	}
	assertError(t, s.do(t, http.MethodPost, "/questions/missing/moderation", "mod-1", `{"flagged":1}`),
		http.StatusNotFound, ErrCodeNotFound)
}

func TestRanking(t *testing.T) {
	s := newTestServer(t, nil)

	empty := decode[RankingResponse](t, s.do(t, http.MethodGet, "/contests/c1/ranking", "", ""))
	if empty.Items == nil || len(empty.Items) != 0 {
		t.Errorf("unranked contest items = %v, want empty list", empty.Items)
	}

	rent := s.submitApproved(t, "c1", "How will you lower rent?", "housing")
	bus := s.submitApproved(t, "c1", "Will you restore night buses?", "transit")
	for i := 0; i < 3; i++ {
		s.do(t, http.MethodPost, "/questions/"+rent+"/votes", fmt.Sprintf("voter-%d", i), `{"value":1,"verified":true}`)
	}
	s.do(t, http.MethodPost, "/questions/"+bus+"/votes", "voter-9", `{"value":1,"verified":true}`)

	rr := s.do(t, http.MethodPost, "/contests/c1/recompute", "admin", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("recompute status = %d, body %s", rr.Code, rr.Body.String())
	}

	resp := decode[RankingResponse](t, s.do(t, http.MethodGet, "/contests/c1/ranking?top_n=1", "", ""))
	if len(resp.Items) != 1 || resp.Items[0].QuestionID != rent {
		t.Fatalf("top 1 = %+v, want %s", resp.Items, rent)
	}
	if resp.Items[0].Explanation == "" {
		t.Error("ranked item has no explanation")
	}

	all := decode[RankingResponse](t, s.do(t, http.MethodGet, "/contests/c1/ranking", "", ""))
	if len(all.Items) != 2 {
		t.Errorf("full ranking = %d items, want 2", len(all.Items))
	}

	for _, q := range []string{"0", "-3", "x", "100000"} {
		assertError(t, s.do(t, http.MethodGet, "/contests/c1/ranking?top_n="+q, "", ""), http.StatusBadRequest, ErrCodeValidation)
	}
}

type failingRecompute struct {
	Service
	err error
}

func (f failingRecompute) RecomputeRanking(context.Context, string) error { return f.err }

func TestRecompute_Failures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"stage error", &ranking.StageError{ContestID: "c1", Stage: "embed", Err: errors.New("provider down")},
			http.StatusInternalServerError, ErrCodeRecomputeFailed},
		{"timeout", fmt.Errorf("wait: %w", context.DeadlineExceeded), http.StatusServiceUnavailable, ErrCodeUnavailable},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := NewRouter(RouterConfig{Handlers: NewHandlers(failingRecompute{err: tt.err}, testLogger())})
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/contests/c1/recompute", nil))
			assertError(t, rr, tt.status, tt.code)
			if tt.code == ErrCodeInternal && strings.Contains(rr.Body.String(), "boom") {
				t.Error("internal error message leaked")
			}
		})
	}
}

func TestAuditExport(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.submitApproved(t, "c1", "Will you plant more trees?", "environment")
	s.do(t, http.MethodPost, "/questions/"+id+"/moderation", "mod-7", `{"flagged":1}`)

	rr := s.do(t, http.MethodGet, "/audit/question/"+id, "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("export status = %d, body %s", rr.Code, rr.Body.String())
	}
	logs := decode[[]audit.Log](t, rr)
	if len(logs) != 2 || logs[0].ActorID != "mod-1" || logs[1].ActorID != "mod-7" {
		t.Errorf("logs = %+v, want two moderation entries oldest first", logs)
	}

	rr = s.do(t, http.MethodGet, "/audit/question/"+id+"?format=csv&limit=1", "", "")
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Content-Type = %q", ct)
	}
	if lines := strings.Count(strings.TrimSpace(rr.Body.String()), "\n"); lines != 1 {
		t.Errorf("csv rows = %d, want header plus one row", lines)
	}

	assertError(t, s.do(t, http.MethodGet, "/audit/question/"+id+"?format=xml", "", ""), http.StatusBadRequest, ErrCodeValidation)
	assertError(t, s.do(t, http.MethodGet, "/audit/scene/"+id, "", ""), http.StatusBadRequest, ErrCodeValidation)
	assertError(t, s.do(t, http.MethodGet, "/audit/question/"+id+"?from=yesterday", "", ""), http.StatusBadRequest, ErrCodeValidation)

	status := decode[ChainStatus](t, s.do(t, http.MethodGet, "/audit/verify", "", ""))
	if !status.Valid {
		t.Error("audit chain reported invalid")
	}
}

type checkerFunc func(ctx context.Context) error

func (f checkerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func TestHealthAndReady(t *testing.T) {
	down := checkerFunc(func(context.Context) error { return errors.New("connection refused") })
	up := checkerFunc(func(context.Context) error { return nil })

	s := newTestServer(t, map[string]health.Checker{"database": up, "redis": down})
	if rr := s.do(t, http.MethodGet, "/health", "", ""); rr.Code != http.StatusOK {
		t.Errorf("health status = %d", rr.Code)
	}

	rr := s.do(t, http.MethodGet, "/ready", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready status = %d, want 503", rr.Code)
	}
	resp := decode[HealthResponse](t, rr)
	if resp.Checks["database"] != health.StatusOK || resp.Checks["redis"] != health.StatusError {
		t.Errorf("checks = %v", resp.Checks)
	}

	s = newTestServer(t, map[string]health.Checker{"database": up})
	if rr := s.do(t, http.MethodGet, "/ready", "", ""); rr.Code != http.StatusOK {
		t.Errorf("ready status = %d, want 200", rr.Code)
	}
}

func TestRouter_NotFoundAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)
	assertError(t, s.do(t, http.MethodGet, "/scenes/1", "", ""), http.StatusNotFound, ErrCodeNotFound)

	if rr := s.do(t, http.MethodGet, "/metrics", "", ""); rr.Code != http.StatusOK {
		t.Errorf("metrics status = %d", rr.Code)
	}
}

func TestStatusCodeMapping(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{ErrCodeValidation, http.StatusBadRequest},
		{ErrCodeBadRequest, http.StatusBadRequest},
		{ErrCodeNotFound, http.StatusNotFound},
		{ErrCodeRateLimited, http.StatusTooManyRequests},
		{ErrCodeContestFrozen, http.StatusConflict},
		{ErrCodeQuestionNotOpen, http.StatusConflict},
		{ErrCodeUnavailable, http.StatusServiceUnavailable},
		{"unknown", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusCodeMapping(tt.code); got != tt.want {
			t.Errorf("StatusCodeMapping(%q) = %d, want %d", tt.code, got, tt.want)
		}
	}
}
