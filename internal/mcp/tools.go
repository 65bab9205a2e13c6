package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/kioku-ai/kioku/internal/model"
)

func (s *Server) registerTools() {
	// kioku_retrieve — fetch memory context before starting a task.
	s.mcpServer.AddTool(
		mcplib.NewTool("kioku_retrieve",
			mcplib.WithDescription(`Retrieve memory context for a task before executing it.

WHEN TO USE: BEFORE starting work on a task. Similar past runs carry
approaches that worked, pitfalls that failed, and the references and
artifacts those runs typically touched.

WHAT YOU GET BACK:
- observations: natural language hints synthesized from similar runs
- related_runs: the most similar past runs with summaries, references
  and artifacts
- confidence: how much to trust the result (0.0-1.0)

EXAMPLE: Before summarizing a mailbox, call kioku_retrieve with
task_text="summarize today's unread email" and your agent_id.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("task_text",
				mcplib.Description("The task you are about to execute, in natural language"),
				mcplib.Required(),
			),
			mcplib.WithString("context",
				mcplib.Description("Optional extra context prepended to the query (current situation, constraints)"),
			),
			mcplib.WithString("user_id",
				mcplib.Description("Optional: restrict memory to runs owned by this user"),
			),
			mcplib.WithString("agent_id",
				mcplib.Description("Optional: restrict memory to runs executed by this agent"),
			),
			mcplib.WithNumber("top_k",
				mcplib.Description("Maximum number of similar runs to return"),
				mcplib.Min(1),
				mcplib.Max(50),
				mcplib.DefaultNumber(float64(model.DefaultTopK)),
			),
		),
		s.handleRetrieve,
	)

	// kioku_ingest — submit a finished run for admission into memory.
	s.mcpServer.AddTool(
		mcplib.NewTool("kioku_ingest",
			mcplib.WithDescription(`Submit a finished agent run to memory.

The run goes through admission control: it is summarized, compared to
similar stored runs, and a decision is made — ADD (store it), NOT
(reject, e.g. a near-duplicate), REPLACE (store it and supersede an
older run) or MERGE (store it alongside a related run). A rejected run
is not an error; the decision and reason come back either way.

WHEN TO USE: after a run completes, successful or not. Failed runs are
valuable memory too.

INPUT: the full run log as a JSON string. Minimum fields: run_id,
agent_id, and user_task (or task_text). Include steps so references
and artifacts can be extracted.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_json",
				mcplib.Description("The run log as a JSON object string: {run_id, agent_id, user_id?, user_task, steps?, status?, ...}"),
				mcplib.Required(),
			),
		),
		s.handleIngest,
	)

	// kioku_list_runs — browse stored runs for a partition.
	s.mcpServer.AddTool(
		mcplib.NewTool("kioku_list_runs",
			mcplib.WithDescription(`List stored runs, newest first, with their full expanded context.

WHEN TO USE: to audit what is in memory for a user or agent, or to
inspect why a past run was admitted (reason_added).`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("user_id",
				mcplib.Description("Optional: only runs owned by this user"),
			),
			mcplib.WithString("agent_id",
				mcplib.Description("Optional: only runs executed by this agent"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of runs to return (0 = all)"),
				mcplib.Min(0),
				mcplib.Max(500),
				mcplib.DefaultNumber(50),
			),
		),
		s.handleListRuns,
	)
}

func (s *Server) handleRetrieve(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	taskText := request.GetString("task_text", "")
	if taskText == "" {
		return errorResult("task_text is required"), nil
	}

	resp, err := s.retriever.Retrieve(ctx, model.RetrievalRequest{
		TaskText: taskText,
		Context:  request.GetString("context", ""),
		UserID:   request.GetString("user_id", ""),
		AgentID:  request.GetString("agent_id", ""),
		TopK:     request.GetInt("top_k", model.DefaultTopK),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("retrieve failed: %v", err)), nil
	}

	// The raw query embedding is noise for an LLM caller.
	resp.QueryEmbedding = nil
	return jsonResult(resp), nil
}

func (s *Server) handleIngest(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runJSON := request.GetString("run_json", "")
	if runJSON == "" {
		return errorResult("run_json is required"), nil
	}

	var payload model.RunPayload
	if err := json.Unmarshal([]byte(runJSON), &payload); err != nil {
		return errorResult(fmt.Sprintf("run_json is not a valid run object: %v", err)), nil
	}
	if err := payload.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	outcome, err := s.ingester.Ingest(ctx, payload)
	if err != nil {
		return errorResult(fmt.Sprintf("ingest failed: %v", err)), nil
	}

	if !outcome.Admitted {
		return jsonResult(map[string]any{
			"status":   "rejected",
			"decision": outcome.Reject.Decision,
			"reason":   outcome.Reject.Reason,
		}), nil
	}
	return jsonResult(map[string]any{
		"status":   "success",
		"decision": outcome.Ingest.Decision,
		"run_id":   outcome.Ingest.RunID,
		"task_id":  outcome.Ingest.TaskID,
		"reason":   outcome.Ingest.Reason,
	}), nil
}

func (s *Server) handleListRuns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	resp, err := s.retriever.RetrieveAll(ctx,
		request.GetString("user_id", ""),
		request.GetString("agent_id", ""),
		request.GetInt("limit", 50),
	)
	if err != nil {
		return errorResult(fmt.Sprintf("list runs failed: %v", err)), nil
	}
	return jsonResult(resp), nil
}
