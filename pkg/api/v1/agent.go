// Package v1 defines the wire-level entity types shared between the
// orchestrator core and its clients.
package v1

import "time"

// AgentStatus represents the health/availability state of a registered agent.
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "IDLE"
	AgentStatusBusy    AgentStatus = "BUSY"
	AgentStatusError   AgentStatus = "ERROR"
	AgentStatusOffline AgentStatus = "OFFLINE"
)

// agentTransitions is the legal agent status transition graph.
// Any transition not listed here is rejected.
var agentTransitions = map[AgentStatus][]AgentStatus{
	AgentStatusIdle:    {AgentStatusBusy, AgentStatusOffline, AgentStatusError},
	AgentStatusBusy:    {AgentStatusIdle, AgentStatusError, AgentStatusOffline},
	AgentStatusError:   {AgentStatusIdle, AgentStatusOffline},
	AgentStatusOffline: {AgentStatusIdle},
}

// IsValid returns true if s is a known agent status.
func (s AgentStatus) IsValid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusBusy, AgentStatusError, AgentStatusOffline:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a legal transition.
// A self-transition is always allowed (it is a no-op).
func (s AgentStatus) CanTransitionTo(next AgentStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range agentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Agent is a registered logical worker tied to a repository path and a
// connector type.
type Agent struct {
	ID             string      `json:"id" db:"id"`
	Name           string      `json:"name" db:"name"`
	Type           string      `json:"type" db:"type"`
	RepositoryPath string      `json:"repository_path" db:"repository_path"`
	Status         AgentStatus `json:"status" db:"status"`
	LastHeartbeat  time.Time   `json:"last_heartbeat" db:"last_heartbeat"`
	CurrentTaskID  *string     `json:"current_task_id,omitempty" db:"current_task_id"`
	SessionID      *string     `json:"session_id,omitempty" db:"session_id"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
	SoftDeleted    bool        `json:"soft_deleted" db:"soft_deleted"`
	RepositoryID   *string     `json:"repository_id,omitempty" db:"repository_id"`
}

// Available reports whether the agent can accept a new task.
func (a *Agent) Available() bool {
	return !a.SoftDeleted && a.Status == AgentStatusIdle
}

// Clone returns a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	c := *a
	if a.CurrentTaskID != nil {
		v := *a.CurrentTaskID
		c.CurrentTaskID = &v
	}
	if a.SessionID != nil {
		v := *a.SessionID
		c.SessionID = &v
	}
	if a.RepositoryID != nil {
		v := *a.RepositoryID
		c.RepositoryID = &v
	}
	return &c
}

// Repository is a source-code working directory known to the orchestrator.
type Repository struct {
	ID     string `json:"id" db:"id"`
	Name   string `json:"name" db:"name"`
	Path   string `json:"path" db:"path"`
	Active bool   `json:"active" db:"active"`
}
