// Package store provides durable persistence of agents, tasks, and
// repositories. The Store interface is the transactional surface the rest of
// the orchestrator depends on; any engine that satisfies it is acceptable.
package store

import (
	"context"
	"time"

	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// TaskUpdate carries the optional fields set alongside a status transition.
type TaskUpdate struct {
	StartedAt       *time.Time
	CompletedAt     *time.Time
	AssignedAgentID *string
	Result          *string
	ErrorMessage    *string
}

// StatusCounts summarizes tasks per status for diagnostics.
type StatusCounts struct {
	Pending    int `json:"pending"`
	Assigned   int `json:"assigned"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// Store is the durable persistence contract. All operations are atomic:
// they either complete and persist, or fail with a retryable
// StorageUnavailable or a non-retryable ConstraintViolation.
type Store interface {
	// Agent operations
	UpsertAgent(ctx context.Context, agent *v1.Agent) error
	GetAgent(ctx context.Context, id string) (*v1.Agent, error)
	SoftDeleteAgent(ctx context.Context, id string) error
	ListAgents(ctx context.Context, includeDeleted bool) ([]*v1.Agent, error)

	// Repository operations
	UpsertRepository(ctx context.Context, repo *v1.Repository) error
	GetRepositoryByPath(ctx context.Context, path string) (*v1.Repository, error)
	ListRepositories(ctx context.Context) ([]*v1.Repository, error)

	// Task operations
	EnqueueTask(ctx context.Context, task *v1.Task) error
	GetTask(ctx context.Context, id string) (*v1.Task, error)
	// ClaimNextTask atomically selects the oldest highest-priority Pending
	// task whose repository path matches the agent's (or is empty) and marks
	// it Assigned to agentID. Returns nil, nil when nothing is claimable.
	// Two concurrent claims never return the same task.
	ClaimNextTask(ctx context.Context, agentID, agentRepoPath string) (*v1.Task, error)
	// UpdateTaskStatus applies a status transition plus optional fields.
	// Illegal transitions are rejected with InvalidTransition and leave the
	// row unchanged (defense in depth; primary enforcement is in the
	// dispatcher).
	UpdateTaskStatus(ctx context.Context, taskID string, newStatus v1.TaskStatus, update TaskUpdate) error
	ListTasksByStatus(ctx context.Context, status v1.TaskStatus) ([]*v1.Task, error)
	ListTasksByRepository(ctx context.Context, repoPath string) ([]*v1.Task, error)
	ListPendingTasks(ctx context.Context) ([]*v1.Task, error)
	CountTasksByStatus(ctx context.Context) (StatusCounts, error)

	Close() error
}
