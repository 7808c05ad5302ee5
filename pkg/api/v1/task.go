package v1

import "time"

// MaxCommandLength is the upper bound for a task command submitted through
// the client surface.
const MaxCommandLength = 2000

// MaxStoredCommandLength is the upper bound enforced at the persistence
// boundary. Internal callers (retries, warmup) share the same limit.
const MaxStoredCommandLength = 5000

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusAssigned   TaskStatus = "ASSIGNED"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
)

// taskTransitions is the legal task status transition graph.
// Terminal states are sinks.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:    {TaskStatusAssigned, TaskStatusCancelled},
	TaskStatusAssigned:   {TaskStatusInProgress, TaskStatusCancelled},
	TaskStatusInProgress: {TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
}

// IsValid returns true if s is a known task status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusAssigned, TaskStatusInProgress,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TaskPriority orders tasks within the queue: Critical > High > Normal > Low.
type TaskPriority int

const (
	PriorityLow      TaskPriority = 0
	PriorityNormal   TaskPriority = 1
	PriorityHigh     TaskPriority = 2
	PriorityCritical TaskPriority = 3
)

// IsValid returns true if p is a known priority.
func (p TaskPriority) IsValid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// String returns the priority name.
func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "unknown"
}

// ParsePriority converts a priority name to its value. Unknown names map to
// PriorityNormal.
func ParsePriority(s string) TaskPriority {
	switch s {
	case "low":
		return PriorityLow
	case "normal", "":
		return PriorityNormal
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	}
	return PriorityNormal
}

// Task is a single command submitted for execution against some repository.
type Task struct {
	ID                 string       `json:"id" db:"id"`
	Command            string       `json:"command" db:"command"`
	RepositoryPath     string       `json:"repository_path" db:"repository_path"`
	Priority           TaskPriority `json:"priority" db:"priority"`
	Status             TaskStatus   `json:"status" db:"status"`
	CreatedAt          time.Time    `json:"created_at" db:"created_at"`
	StartedAt          *time.Time   `json:"started_at,omitempty" db:"started_at"`
	CompletedAt        *time.Time   `json:"completed_at,omitempty" db:"completed_at"`
	AssignedAgentID    *string      `json:"assigned_agent_id,omitempty" db:"assigned_agent_id"`
	Result             *string      `json:"result,omitempty" db:"result"`
	ErrorMessage       *string      `json:"error_message,omitempty" db:"error_message"`
	OriginSubscriberID *string      `json:"origin_subscriber_id,omitempty" db:"origin_subscriber_id"`
	RetryCount         int          `json:"retry_count" db:"retry_count"`
	RetryOfTaskID      *string      `json:"retry_of_task_id,omitempty" db:"retry_of_task_id"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.AssignedAgentID != nil {
		v := *t.AssignedAgentID
		c.AssignedAgentID = &v
	}
	if t.Result != nil {
		v := *t.Result
		c.Result = &v
	}
	if t.ErrorMessage != nil {
		v := *t.ErrorMessage
		c.ErrorMessage = &v
	}
	if t.OriginSubscriberID != nil {
		v := *t.OriginSubscriberID
		c.OriginSubscriberID = &v
	}
	if t.RetryOfTaskID != nil {
		v := *t.RetryOfTaskID
		c.RetryOfTaskID = &v
	}
	return &c
}
