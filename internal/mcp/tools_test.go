package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/kioku-ai/kioku/internal/model"
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
}

func (f *fakeRetriever) Retrieve(_ context.Context, req model.RetrievalRequest) (model.RetrievalResponse, error) {
	f.lastReq = req
	return f.resp, f.err
}

func (f *fakeRetriever) RetrieveAll(context.Context, string, string, int) (model.RetrieveAllResponse, error) {
	return f.all, f.err
}

type fakeStats struct {
	stats model.Stats
	err   error
}

func (f *fakeStats) Stats(context.Context) (model.Stats, error) { return f.stats, f.err }

func newTestMCP(ing *fakeIngester, ret *fakeRetriever, st *fakeStats) *Server {
	if ing == nil {
		ing = &fakeIngester{}
	}
	if ret == nil {
		ret = &fakeRetriever{}
	}
	if st == nil {
		st = &fakeStats{}
	}
	return New(ing, ret, st, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in result")
	return ""
}

func TestHandleRetrieve(t *testing.T) {
	ret := &fakeRetriever{resp: model.RetrievalResponse{
		Observations:   []string{"No similar runs found in memory."},
		RelatedRuns:    []model.RelatedRun{},
		QueryEmbedding: []float32{0.1, 0.2},
	}}
	s := newTestMCP(nil, ret, nil)

	result, err := s.handleRetrieve(context.Background(), toolRequest("kioku_retrieve", map[string]any{
		"task_text": "summarize inbox",
		"agent_id":  "agent_1",
		"top_k":     float64(2),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	assert.Equal(t, "summarize inbox", ret.lastReq.TaskText)
	assert.Equal(t, "agent_1", ret.lastReq.AgentID)
	assert.Equal(t, 2, ret.lastReq.TopK)

	var resp model.RetrievalResponse
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Nil(t, resp.QueryEmbedding, "embedding stripped from tool output")
	assert.Equal(t, []string{"No similar runs found in memory."}, resp.Observations)
}

func TestHandleRetrieve_MissingTaskText(t *testing.T) {
	s := newTestMCP(nil, nil, nil)

	result, err := s.handleRetrieve(context.Background(), toolRequest("kioku_retrieve", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleIngest_Admitted(t *testing.T) {
	ing := &fakeIngester{outcome: memory.IngestOutcome{
		Admitted: true,
		Ingest: model.IngestResult{
			Decision: model.DecisionAdd,
			RunID:    "run_1",
			TaskID:   "task_abc",
			Reason:   "No similar runs found in memory",
		},
	}}
	s := newTestMCP(ing, nil, nil)

	result, err := s.handleIngest(context.Background(), toolRequest("kioku_ingest", map[string]any{
		"run_json": `{"run_id":"run_1","agent_id":"agent_1","user_task":"summarize inbox"}`,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))
	assert.Equal(t, "run_1", ing.last.RunID)

	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Equal(t, "success", resp["status"])
	assert.Equal(t, "ADD", resp["decision"])
}

func TestHandleIngest_Rejected(t *testing.T) {
	ing := &fakeIngester{outcome: memory.IngestOutcome{
		Admitted: false,
		Reject: model.RejectResult{
			Decision: model.DecisionNot,
			Reason:   "duplicate of an existing run",
		},
	}}
	s := newTestMCP(ing, nil, nil)

	result, err := s.handleIngest(context.Background(), toolRequest("kioku_ingest", map[string]any{
		"run_json": `{"run_id":"run_2","agent_id":"agent_1","user_task":"summarize inbox"}`,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Equal(t, "rejected", resp["status"])
	assert.Equal(t, "NOT", resp["decision"])
}

func TestHandleIngest_BadInput(t *testing.T) {
	s := newTestMCP(nil, nil, nil)

	result, _ := s.handleIngest(context.Background(), toolRequest("kioku_ingest", map[string]any{
		"run_json": "{not json",
	}))
	assert.True(t, result.IsError)

	result, _ = s.handleIngest(context.Background(), toolRequest("kioku_ingest", map[string]any{
		"run_json": `{"agent_id":"a"}`,
	}))
	assert.True(t, result.IsError, "missing run_id must fail validation")
}

func TestHandleIngest_ServiceError(t *testing.T) {
	ing := &fakeIngester{err: errors.New("store down")}
	s := newTestMCP(ing, nil, nil)

	result, err := s.handleIngest(context.Background(), toolRequest("kioku_ingest", map[string]any{
		"run_json": `{"run_id":"run_3","agent_id":"agent_1","user_task":"t"}`,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleListRuns(t *testing.T) {
	ret := &fakeRetriever{all: model.RetrieveAllResponse{
		Runs:       []model.RunDetail{{RunID: "run_1", AgentID: "agent_1"}},
		TotalCount: 1,
	}}
	s := newTestMCP(nil, ret, nil)

	result, err := s.handleListRuns(context.Background(), toolRequest("kioku_list_runs", map[string]any{
		"agent_id": "agent_1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp model.RetrieveAllResponse
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Equal(t, 1, resp.TotalCount)
}

func TestStatsResource(t *testing.T) {
	st := &fakeStats{stats: model.Stats{RunCount: 3}}
	s := newTestMCP(nil, nil, st)

	contents, err := s.handleStatsResource(context.Background(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "kioku://stats"},
	})
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	var stats model.Stats
	require.NoError(t, json.Unmarshal([]byte(text.Text), &stats))
	assert.Equal(t, int64(3), stats.RunCount)
}
