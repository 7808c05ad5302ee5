// Package bus provides the group-scoped event bus connecting the
// orchestrator to WebSocket client sessions and external consumers.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// Event kinds for agent lifecycle
const (
	AgentRegistered    = "agent.registered"
	AgentStatusChanged = "agent.status_changed"
	AgentError         = "agent.error"
	AgentOffline       = "agent.offline"
)

// Event kinds for connector sessions
const (
	SessionCreated      = "session.created"
	SessionDisconnected = "session.disconnected"
	SessionError        = "session.error"
)

// Event kinds for tasks
const (
	TaskEnqueued  = "task.enqueued"
	TaskAssigned  = "task.assigned"
	TaskStarted   = "task.started"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
	OutputChunk   = "task.output_chunk"
)

// Lagged marks a gap in a subscriber's stream: the subscriber fell behind and
// older events were dropped. Data carries "dropped" with the drop count.
const Lagged = "bus.lagged"

// DispatcherStalled signals the dispatch loop is backing off because the
// store is unavailable.
const DispatcherStalled = "dispatcher.stalled"

// Event is a single message on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Kind      string                 `json:"kind"`
	Group     string                 `json:"group"`
	Timestamp time.Time              `json:"timestamp"`
	AgentID   string                 `json:"agent_id,omitempty"`
	TaskID    string                 `json:"task_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewEvent creates an event with a fresh UUID and current timestamp.
func NewEvent(kind string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// BuildAgentGroup names the group carrying lifecycle events for one agent.
func BuildAgentGroup(agentID string) string {
	return "agent_" + agentID
}

// BuildAgentSessionGroup names the group carrying live session output
// (stdout chunks, intervention prompts) for one agent.
func BuildAgentSessionGroup(agentID string) string {
	return "agent_session_" + agentID
}

// BuildTaskGroup names the group carrying progress events for one task.
func BuildTaskGroup(taskID string) string {
	return "task_" + taskID
}
