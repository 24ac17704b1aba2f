// Package mcp exposes the workflow engine, the pipeline orchestrator and the
// rules engine to agents as MCP tools over stdio.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowcore/internal/engine"
	"github.com/rendis/flowcore/internal/orchestrator"
	"github.com/rendis/flowcore/internal/streaming"
	"github.com/rendis/flowcore/pkg/schema"
)

// WorkflowEngine is the slice of the workflow engine the tools drive.
type WorkflowEngine interface {
	StartExecution(ctx context.Context, workflowID string, inputs map[string]any, triggeredBy, idempotencyKey string) (*schema.Execution, error)
	GetExecution(ctx context.Context, id string) (*schema.Execution, error)
	ListExecutions(ctx context.Context, f engine.ExecutionFilter) ([]*schema.Execution, error)
	CompleteHumanTask(ctx context.Context, id string, result map[string]any) (*schema.Execution, error)
	RegisterWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error
	Health(ctx context.Context) *engine.HealthReport
}

// PipelineRunner executes pipelines and reads back their runs.
type PipelineRunner interface {
	Execute(ctx context.Context, p *schema.Pipeline, inputs map[string]any, opts ...orchestrator.ExecOption) (*schema.PipelineResult, error)
	Get(ctx context.Context, executionID string) (*schema.PipelineRun, error)
}

// PipelineSource resolves stored pipeline definitions.
type PipelineSource interface {
	Pipeline(ctx context.Context, id string) (*schema.Pipeline, error)
}

// RuleEvaluator evaluates a rule set against a data document.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, ruleSetID string, data map[string]any) ([]schema.RuleMatch, error)
}

// ServerDeps holds the dependencies for creating a Server. Engine is
// required; tools backed by a nil dependency answer with an error result.
type ServerDeps struct {
	Engine    WorkflowEngine
	Pipelines PipelineRunner
	Catalog   PipelineSource
	Rules     RuleEvaluator
	Hub       streaming.EventHub
	Logger    *slog.Logger
}

// Server wraps an MCP server with flowcore tool handlers.
type Server struct {
	engine    WorkflowEngine
	pipelines PipelineRunner
	catalog   PipelineSource
	rules     RuleEvaluator
	hub       streaming.EventHub
	logger    *slog.Logger
	mcpServer *server.MCPServer

	sessions *SessionRegistry
	notifier AgentNotifier
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		engine:    deps.Engine,
		pipelines: deps.Pipelines,
		catalog:   deps.Catalog,
		rules:     deps.Rules,
		hub:       deps.Hub,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"flowcore",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Flowcore runs business workflows, data pipelines and rule sets. Use flowcore.start to launch a workflow, flowcore.status to follow it, flowcore.complete_task to resolve a waiting human task, flowcore.run_pipeline for pipelines, flowcore.evaluate_rules to test a rule set and flowcore.query to list executions."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Workflow events are forwarded to the agents that started
// the executions while it runs.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.hub != nil {
		go func() {
			if err := s.Forward(ctx); err != nil {
				s.logger.Warn("event forwarding stopped", slog.String("error", err.Error()))
			}
		}()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: completeTaskTool(), Handler: s.handleCompleteTask},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: runPipelineTool(), Handler: s.handleRunPipeline},
		{Tool: evaluateRulesTool(), Handler: s.handleEvaluateRules},
		{Tool: healthTool(), Handler: s.handleHealth},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("flowcore.start",
		mcp.WithDescription("Start a workflow execution"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow definition to run")),
		mcp.WithObject("inputs", mcp.Description("Initial execution context")),
		mcp.WithString("idempotency_key", mcp.Description("Key that makes repeated starts return the same execution")),
		mcp.WithString("agent_id", mcp.Description("ID of the agent starting the workflow; receives its lifecycle notifications")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flowcore.status",
		mcp.WithDescription("Get a workflow execution or pipeline run"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func completeTaskTool() mcp.Tool {
	return mcp.NewTool("flowcore.complete_task",
		mcp.WithDescription("Complete the human task a workflow is waiting on"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the waiting execution")),
		mcp.WithObject("result", mcp.Required(), mcp.Description("Task result merged into the execution context")),
		mcp.WithString("agent_id", mcp.Description("ID of the completing agent")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("flowcore.define",
		mcp.WithDescription("Register or replace a workflow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("flowcore.query",
		mcp.WithDescription("List workflow executions"),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, status, limit)")),
	)
}

func runPipelineTool() mcp.Tool {
	return mcp.NewTool("flowcore.run_pipeline",
		mcp.WithDescription("Run a stored pipeline and return its result"),
		mcp.WithString("pipeline_id", mcp.Required(), mcp.Description("ID of the pipeline definition")),
		mcp.WithObject("inputs", mcp.Description("Pipeline inputs")),
		mcp.WithString("idempotency_key", mcp.Description("Key that makes repeated runs replay the first result")),
	)
}

func evaluateRulesTool() mcp.Tool {
	return mcp.NewTool("flowcore.evaluate_rules",
		mcp.WithDescription("Evaluate a rule set against a data document"),
		mcp.WithString("rule_set_id", mcp.Required(), mcp.Description("ID of the rule set")),
		mcp.WithObject("data", mcp.Description("Document the rule conditions read")),
	)
}

func healthTool() mcp.Tool {
	return mcp.NewTool("flowcore.health",
		mcp.WithDescription("Report workflow engine health"),
	)
}
