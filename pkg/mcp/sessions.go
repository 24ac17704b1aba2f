package mcp

import (
	"sync"

	"github.com/rendis/flowcore/pkg/schema"
)

// SessionRegistry tracks which MCP session each agent is connected on and
// which agent is following each execution. Agents are captured from
// flowcore.start and flowcore.complete_task calls carrying agent_id.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // agentID → sessionID
	watches  map[string]string // executionID → agentID
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]string),
		watches:  make(map[string]string),
	}
}

// Register binds an agent to a session. A reconnecting agent replaces its
// previous session.
func (r *SessionRegistry) Register(agentID, sessionID string) {
	r.mu.Lock()
	r.sessions[agentID] = sessionID
	r.mu.Unlock()
}

func (r *SessionRegistry) SessionFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[agentID]
	return sid, ok
}

// Remove forgets every agent bound to sessionID. Their watches survive so
// a reconnect picks the notifications back up.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for aid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, aid)
		}
	}
}

// Watch routes lifecycle events of executionID to agentID.
func (r *SessionRegistry) Watch(executionID, agentID string) {
	r.mu.Lock()
	r.watches[executionID] = agentID
	r.mu.Unlock()
}

// Watcher returns the agent following executionID. A terminal event type
// ends the watch.
func (r *SessionRegistry) Watcher(executionID, eventType string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agentID, ok := r.watches[executionID]
	if ok && terminalEvent(eventType) {
		delete(r.watches, executionID)
	}
	return agentID, ok
}

// Watching reports how many executions are followed.
func (r *SessionRegistry) Watching() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.watches)
}

func terminalEvent(t string) bool {
	switch t {
	case schema.EventWorkflowCompleted, schema.EventWorkflowFailed, schema.EventWorkflowCompensated:
		return true
	}
	return false
}
