package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowcore/internal/streaming"
)

// AgentNotifier pushes notifications to connected agents.
type AgentNotifier interface {
	Notify(ctx context.Context, agentID string, payload map[string]any) error
}

// MCPNotifier implements AgentNotifier with MCP server notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes over the agent's session.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the agent's session.
// Best-effort: returns nil if the agent is not connected.
func (n *MCPNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Forward relays workflow events to the agents that started the executions
// until ctx is cancelled.
func (s *Server) Forward(ctx context.Context) error {
	events, unsubscribe, err := s.hub.Subscribe(ctx, streaming.EventFilter{Topics: []string{streaming.TopicWorkflow}})
	if err != nil {
		return err
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			agentID, watched := s.sessions.Watcher(evt.ExecutionID, evt.Type)
			if !watched {
				continue
			}
			payload := map[string]any{
				"type":         evt.Type,
				"execution_id": evt.ExecutionID,
				"timestamp":    evt.Timestamp,
			}
			if evt.StepID != "" {
				payload["step_id"] = evt.StepID
			}
			if evt.Payload != nil {
				payload["detail"] = evt.Payload
			}
			if err := s.notifier.Notify(ctx, agentID, payload); err != nil {
				s.logger.Warn("agent notification failed",
					slog.String("agent_id", agentID), slog.String("execution_id", evt.ExecutionID), slog.String("error", err.Error()))
			}
		}
	}
}
