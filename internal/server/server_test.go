package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/service/embedding"
	"github.com/kioku-ai/kioku/internal/service/memory"
)

type fakeIngester struct {
	outcome memory.IngestOutcome
	err     error
	last    model.RunPayload
}

func (f *fakeIngester) Ingest(_ context.Context, p model.RunPayload) (memory.IngestOutcome, error) {
	f.last = p
	return f.outcome, f.err
}

type fakeRetriever struct {
	resp    model.RetrievalResponse
	all     model.RetrieveAllResponse
	err     error
	lastReq model.RetrievalRequest
	lastUID string
	lastAID string
	lastLim int
}

func (f *fakeRetriever) Retrieve(_ context.Context, req model.RetrievalRequest) (model.RetrievalResponse, error) {
	f.lastReq = req
	return f.resp, f.err
}

func (f *fakeRetriever) RetrieveAll(_ context.Context, userID, agentID string, limit int) (model.RetrieveAllResponse, error) {
	f.lastUID, f.lastAID, f.lastLim = userID, agentID, limit
	return f.all, f.err
}

type fakeStats struct {
	stats   model.Stats
	err     error
	pingErr error
}

func (f *fakeStats) Stats(context.Context) (model.Stats, error) { return f.stats, f.err }
func (f *fakeStats) Ping(context.Context) error                 { return f.pingErr }

func newTestServer(t *testing.T, ing *fakeIngester, ret *fakeRetriever, st *fakeStats) *Server {
	t.Helper()
	if ing == nil {
		ing = &fakeIngester{}
	}
	if ret == nil {
		ret = &fakeRetriever{}
	}
	if st == nil {
		st = &fakeStats{}
	}
	return New(ServerConfig{
		Ingester:            ing,
		Retriever:           ret,
		Stats:               st,
		Logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		Provider:            "noop",
		EmbeddingDimension:  4,
		MaskedDatabaseURL:   "postgres://*****@localhost:5432/kioku",
		MaxRequestBodyBytes: 1 << 20,
		CORSAllowedOrigins:  []string{"*"},
	})
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil, nil, &fakeStats{})

	rec := doJSON(t, srv, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var health model.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Postgres)
	assert.Equal(t, "noop", health.Provider)
	assert.Equal(t, 4, health.Dimension)
}

func TestHealth_DatabaseDown(t *testing.T) {
	srv := newTestServer(t, nil, nil, &fakeStats{pingErr: errors.New("down")})

	rec := doJSON(t, srv, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var health model.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "disconnected", health.Postgres)
}

type fakeIndexChecker struct {
	err error
}

func (f *fakeIndexChecker) Healthy(context.Context) error { return f.err }

func TestHealth_RunIndexStatus(t *testing.T) {
	newWithIndex := func(t *testing.T, check IndexChecker) *Server {
		t.Helper()
		return New(ServerConfig{
			Ingester:           &fakeIngester{},
			Retriever:          &fakeRetriever{},
			Stats:              &fakeStats{},
			Index:              check,
			Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
			RunIndexCollection: "kioku_runs",
		})
	}

	t.Run("connected", func(t *testing.T) {
		rec := doJSON(t, newWithIndex(t, &fakeIndexChecker{}), http.MethodGet, "/", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var health model.HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
		assert.Equal(t, "kioku_runs", health.RunIndex)
		assert.Equal(t, "connected", health.RunIndexStatus)
	})

	t.Run("unreachable index stays healthy overall", func(t *testing.T) {
		rec := doJSON(t, newWithIndex(t, &fakeIndexChecker{err: errors.New("unreachable")}), http.MethodGet, "/", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var health model.HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
		assert.Equal(t, "healthy", health.Status)
		assert.Equal(t, "disconnected", health.RunIndexStatus)
	})

	t.Run("disabled omits status", func(t *testing.T) {
		srv := newTestServer(t, nil, nil, nil)
		rec := doJSON(t, srv, http.MethodGet, "/", nil)
		var health model.HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
		assert.Empty(t, health.RunIndexStatus)
	})
}

func TestIngestRun_Admitted(t *testing.T) {
	ing := &fakeIngester{outcome: memory.IngestOutcome{
		Admitted: true,
		Ingest: model.IngestResult{
			Decision:        model.DecisionAdd,
			RunID:           "run_1",
			TaskID:          "task_abc",
			ReferencesCount: 2,
			ArtifactsCount:  1,
			Reason:          "No similar runs found in memory",
		},
	}}
	srv := newTestServer(t, ing, nil, nil)

	rec := doJSON(t, srv, http.MethodPost, "/runs", map[string]any{
		"run_id":    "run_1",
		"agent_id":  "agent_1",
		"user_task": "summarize inbox",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		Status string             `json:"status"`
		Data   model.IngestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "success", env.Status)
	assert.Equal(t, model.DecisionAdd, env.Data.Decision)
	assert.Equal(t, "run_1", env.Data.RunID)
	assert.Equal(t, "run_1", ing.last.RunID)
}

func TestIngestRun_Rejected(t *testing.T) {
	score := 0.93
	ing := &fakeIngester{outcome: memory.IngestOutcome{
		Admitted: false,
		Reject: model.RejectResult{
			Decision:        model.DecisionNot,
			Reason:          "duplicate of an existing run",
			SimilarityScore: &score,
			SimilarRuns:     []model.SimilarRun{},
		},
	}}
	srv := newTestServer(t, ing, nil, nil)

	rec := doJSON(t, srv, http.MethodPost, "/runs", map[string]any{
		"run_id":    "run_2",
		"agent_id":  "agent_1",
		"user_task": "summarize inbox",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		Status  string             `json:"status"`
		Message string             `json:"message"`
		Data    model.RejectResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "rejected", env.Status)
	assert.Equal(t, "duplicate of an existing run", env.Message)
	assert.Equal(t, model.DecisionNot, env.Data.Decision)
}

func TestIngestRun_ValidationErrors(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)

	rec := doJSON(t, srv, http.MethodPost, "/runs", map[string]any{"agent_id": "a"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, model.ErrCodeInvalidInput, apiErr.Error.Code)
	assert.NotEmpty(t, apiErr.Meta.RequestID)
}

func TestIngestRun_MalformedJSON(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestRun_ProviderBusy(t *testing.T) {
	ing := &fakeIngester{err: embedding.ErrProviderBusy}
	srv := newTestServer(t, ing, nil, nil)

	rec := doJSON(t, srv, http.MethodPost, "/runs", map[string]any{
		"run_id":    "run_3",
		"agent_id":  "agent_1",
		"user_task": "t",
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, model.ErrCodeRateLimited, apiErr.Error.Code)
}

func TestRetrieve(t *testing.T) {
	ret := &fakeRetriever{resp: model.RetrievalResponse{
		Observations: []string{"Found 1 successful similar run(s). Review their approaches for reference."},
		RelatedRuns:  []model.RelatedRun{{RunID: "run_9", SimilarityScore: 0.91}},
		Confidence:   0.82,
	}}
	srv := newTestServer(t, nil, ret, nil)

	rec := doJSON(t, srv, http.MethodPost, "/retrieve", map[string]any{
		"task_text": "summarize inbox",
		"agent_id":  "agent_1",
		"top_k":     3,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.RetrievalResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.RelatedRuns, 1)
	assert.Equal(t, "run_9", resp.RelatedRuns[0].RunID)
	assert.Equal(t, 3, ret.lastReq.TopK)
	assert.Equal(t, "agent_1", ret.lastReq.AgentID)
}

func TestRetrieve_RequiresQueryText(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)

	rec := doJSON(t, srv, http.MethodPost, "/retrieve", map[string]any{"agent_id": "a"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetrieveAll(t *testing.T) {
	ret := &fakeRetriever{all: model.RetrieveAllResponse{
		Runs:       []model.RunDetail{{RunID: "run_1"}},
		TotalCount: 1,
	}}
	srv := newTestServer(t, nil, ret, nil)

	rec := doJSON(t, srv, http.MethodGet, "/retrieve_all?user_id=u1&agent_id=a1&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.RetrieveAllResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.TotalCount)
	assert.Equal(t, "u1", ret.lastUID)
	assert.Equal(t, "a1", ret.lastAID)
	assert.Equal(t, 10, ret.lastLim)
}

func TestRetrieveAll_BadLimit(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)

	rec := doJSON(t, srv, http.MethodGet, "/retrieve_all?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStats(t *testing.T) {
	st := &fakeStats{stats: model.Stats{
		RunCount:      7,
		Relationships: map[string]int64{"EXECUTED": 7},
	}}
	srv := newTestServer(t, nil, nil, st)

	rec := doJSON(t, srv, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats model.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(7), stats.RunCount)
	assert.Equal(t, int64(7), stats.Relationships["EXECUTED"])
}

func TestStats_StoreFailure(t *testing.T) {
	st := &fakeStats{err: errors.New("connection refused")}
	srv := newTestServer(t, nil, nil, st)

	rec := doJSON(t, srv, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, model.ErrCodeStoreError, apiErr.Error.Code)
}

func TestRetrieveAll_StoreFailure(t *testing.T) {
	ret := &fakeRetriever{err: errors.New("connection refused")}
	srv := newTestServer(t, nil, ret, nil)

	rec := doJSON(t, srv, http.MethodGet, "/retrieve_all", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, model.ErrCodeStoreError, apiErr.Error.Code)
}

func TestRequestID_Passthrough(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "client-supplied")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "client-supplied", rec.Header().Get("X-Request-ID"))
}

func TestCORS_Preflight(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)

	req := httptest.NewRequest(http.MethodOptions, "/runs", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecovery_PanicReturns500(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := recoveryMiddleware(logger, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, model.ErrCodeInternal, apiErr.Error.Code)
}
