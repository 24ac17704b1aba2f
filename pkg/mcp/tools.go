package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowcore/internal/engine"
	"github.com/rendis/flowcore/internal/orchestrator"
	"github.com/rendis/flowcore/pkg/schema"
)

// handleStart starts a workflow execution.
func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)
	key := req.GetString("idempotency_key", "")
	agentID := req.GetString("agent_id", "")

	triggeredBy := "mcp"
	if agentID != "" {
		triggeredBy = "agent:" + agentID
		s.captureSession(ctx, agentID)
	}

	exec, startErr := s.engine.StartExecution(ctx, workflowID, inputs, triggeredBy, key)
	if startErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", startErr)), nil
	}
	if agentID != "" && !exec.Status.Terminal() {
		s.sessions.Watch(exec.ID, agentID)
	}
	return marshalResult(exec)
}

// handleStatus returns a workflow execution, falling back to pipeline runs.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, getErr := s.engine.GetExecution(ctx, id)
	if getErr == nil {
		return marshalResult(exec)
	}
	if !schema.IsCode(getErr, schema.ErrCodeNotFound) || s.pipelines == nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", getErr)), nil
	}
	run, runErr := s.pipelines.Get(ctx, id)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", runErr)), nil
	}
	return marshalResult(run)
}

// handleCompleteTask resumes an execution waiting on a human task.
func (s *Server) handleCompleteTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	result := mcp.ParseStringMap(req, "result", nil)
	if result == nil {
		return mcp.NewToolResultError("result is required"), nil
	}
	if agentID := req.GetString("agent_id", ""); agentID != "" {
		s.captureSession(ctx, agentID)
	}

	exec, completeErr := s.engine.CompleteHumanTask(ctx, id, result)
	if completeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("complete task failed: %v", completeErr)), nil
	}
	return marshalResult(exec)
}

// handleDefine registers a workflow definition.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	defBytes, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}
	var def schema.WorkflowDefinition
	if unmarshalErr := json.Unmarshal(defBytes, &def); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", unmarshalErr)), nil
	}

	if regErr := s.engine.RegisterWorkflow(ctx, &def); regErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("define failed: %v", regErr)), nil
	}
	return marshalResult(map[string]any{"id": def.ID, "steps": len(def.Steps)})
}

// handleQuery lists executions, newest first.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := mcp.ParseStringMap(req, "filter", nil)

	f := engine.ExecutionFilter{}
	if wfID, ok := filter["workflow_id"].(string); ok {
		f.WorkflowID = wfID
	}
	if status, ok := filter["status"].(string); ok {
		f.Status = schema.ExecutionStatus(status)
	}
	limit := extractInt(filter, "limit", 50)

	execs, err := s.engine.ListExecutions(ctx, f)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if limit > 0 && len(execs) > limit {
		execs = execs[:limit]
	}
	return marshalResult(map[string]any{"executions": execs})
}

// handleRunPipeline resolves a stored pipeline and runs it synchronously.
func (s *Server) handleRunPipeline(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.pipelines == nil || s.catalog == nil {
		return mcp.NewToolResultError("pipelines are not configured"), nil
	}
	pipelineID, err := req.RequireString("pipeline_id")
	if err != nil {
		return mcp.NewToolResultError("pipeline_id is required"), nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)

	p, getErr := s.catalog.Pipeline(ctx, pipelineID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("pipeline lookup failed: %v", getErr)), nil
	}

	var opts []orchestrator.ExecOption
	if key := req.GetString("idempotency_key", ""); key != "" {
		opts = append(opts, orchestrator.WithIdempotencyKey(key))
	}
	res, runErr := s.pipelines.Execute(ctx, p, inputs, opts...)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("pipeline run failed: %v", runErr)), nil
	}
	return marshalResult(res)
}

// handleEvaluateRules evaluates a rule set and returns its matches.
func (s *Server) handleEvaluateRules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.rules == nil {
		return mcp.NewToolResultError("rules engine is not configured"), nil
	}
	ruleSetID, err := req.RequireString("rule_set_id")
	if err != nil {
		return mcp.NewToolResultError("rule_set_id is required"), nil
	}
	data := mcp.ParseStringMap(req, "data", map[string]any{})

	matches, evalErr := s.rules.Evaluate(ctx, ruleSetID, data)
	if evalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("evaluation failed: %v", evalErr)), nil
	}
	if matches == nil {
		matches = []schema.RuleMatch{}
	}
	return marshalResult(map[string]any{"ruleSetId": ruleSetID, "matches": matches})
}

func (s *Server) handleHealth(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(s.engine.Health(ctx))
}

// --- Internal helpers ---

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the agent ID to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
