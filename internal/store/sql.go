package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/pathmatch"
	"github.com/agentmux/agentmux/internal/db"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// SQLStore implements Store on top of a db.Pool (SQLite or PostgreSQL).
type SQLStore struct {
	pool *db.Pool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a store backed by the given pool and initializes the
// schema.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, apperrors.StorageUnavailable("failed to initialize schema", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS repositories (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL UNIQUE,
		active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		repository_path TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		last_heartbeat TIMESTAMP NOT NULL,
		current_task_id TEXT,
		session_id TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		soft_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		repository_id TEXT
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		repository_path TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		assigned_agent_id TEXT,
		result TEXT,
		error_message TEXT,
		origin_subscriber_id TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		retry_of_task_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_repository_path ON tasks(repository_path);
	CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
	`

	_, err := s.pool.Writer().Exec(schema)
	return err
}

// Close closes the underlying pool.
func (s *SQLStore) Close() error {
	return s.pool.Close()
}

// wrapDBError maps a driver error onto the store error taxonomy.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE") || strings.Contains(msg, "unique") ||
		strings.Contains(msg, "constraint") || strings.Contains(msg, "CHECK") {
		return apperrors.ConstraintViolation(op, err)
	}
	return apperrors.StorageUnavailable(op, err)
}

// Agent operations

// UpsertAgent inserts or updates an agent by id and bumps updated_at.
func (s *SQLStore) UpsertAgent(ctx context.Context, agent *v1.Agent) error {
	agent.UpdatedAt = time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = agent.UpdatedAt
	}

	query := s.pool.Writer().Rebind(`
		INSERT INTO agents (id, name, type, repository_path, status, last_heartbeat,
			current_task_id, session_id, created_at, updated_at, soft_deleted, repository_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			repository_path = excluded.repository_path,
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat,
			current_task_id = excluded.current_task_id,
			session_id = excluded.session_id,
			updated_at = excluded.updated_at,
			soft_deleted = excluded.soft_deleted,
			repository_id = excluded.repository_id
	`)
	_, err := s.pool.Writer().ExecContext(ctx, query,
		agent.ID, agent.Name, agent.Type, agent.RepositoryPath, agent.Status,
		agent.LastHeartbeat.UTC(), agent.CurrentTaskID, agent.SessionID,
		agent.CreatedAt, agent.UpdatedAt, agent.SoftDeleted, agent.RepositoryID)
	return wrapDBError("upsert agent", err)
}

// GetAgent retrieves an agent by id, including soft-deleted ones.
func (s *SQLStore) GetAgent(ctx context.Context, id string) (*v1.Agent, error) {
	var agent v1.Agent
	query := s.pool.Reader().Rebind(`SELECT * FROM agents WHERE id = ?`)
	err := s.pool.Reader().GetContext(ctx, &agent, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("agent", id)
	}
	if err != nil {
		return nil, wrapDBError("get agent", err)
	}
	return &agent, nil
}

// SoftDeleteAgent sets the tombstone flag. A later registration with the
// same id restores the agent.
func (s *SQLStore) SoftDeleteAgent(ctx context.Context, id string) error {
	query := s.pool.Writer().Rebind(`
		UPDATE agents SET soft_deleted = TRUE, updated_at = ? WHERE id = ?`)
	res, err := s.pool.Writer().ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return wrapDBError("soft delete agent", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperrors.NotFound("agent", id)
	}
	return nil
}

// ListAgents returns a consistent snapshot of agents.
func (s *SQLStore) ListAgents(ctx context.Context, includeDeleted bool) ([]*v1.Agent, error) {
	query := `SELECT * FROM agents ORDER BY created_at`
	if !includeDeleted {
		query = `SELECT * FROM agents WHERE soft_deleted = FALSE ORDER BY created_at`
	}
	var agents []*v1.Agent
	if err := s.pool.Reader().SelectContext(ctx, &agents, query); err != nil {
		return nil, wrapDBError("list agents", err)
	}
	return agents, nil
}

// Repository operations

// UpsertRepository inserts or updates a repository keyed by path.
func (s *SQLStore) UpsertRepository(ctx context.Context, repo *v1.Repository) error {
	if repo.ID == "" {
		repo.ID = uuid.New().String()
	}
	query := s.pool.Writer().Rebind(`
		INSERT INTO repositories (id, name, path, active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			name = excluded.name,
			active = excluded.active
	`)
	_, err := s.pool.Writer().ExecContext(ctx, query, repo.ID, repo.Name, repo.Path, repo.Active)
	return wrapDBError("upsert repository", err)
}

// GetRepositoryByPath retrieves a repository by its normalized path.
func (s *SQLStore) GetRepositoryByPath(ctx context.Context, path string) (*v1.Repository, error) {
	var repo v1.Repository
	query := s.pool.Reader().Rebind(`SELECT * FROM repositories WHERE path = ?`)
	err := s.pool.Reader().GetContext(ctx, &repo, query, pathmatch.Normalize(path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("repository", path)
	}
	if err != nil {
		return nil, wrapDBError("get repository", err)
	}
	return &repo, nil
}

// ListRepositories returns all known repositories.
func (s *SQLStore) ListRepositories(ctx context.Context) ([]*v1.Repository, error) {
	var repos []*v1.Repository
	if err := s.pool.Reader().SelectContext(ctx, &repos, `SELECT * FROM repositories ORDER BY path`); err != nil {
		return nil, wrapDBError("list repositories", err)
	}
	return repos, nil
}

// Task operations

// EnqueueTask inserts a task with status Pending.
func (s *SQLStore) EnqueueTask(ctx context.Context, task *v1.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	task.Status = v1.TaskStatusPending

	if len(task.Command) > v1.MaxStoredCommandLength {
		return apperrors.InvalidInput("command exceeds maximum length")
	}

	query := s.pool.Writer().Rebind(`
		INSERT INTO tasks (id, command, repository_path, priority, status, created_at,
			started_at, completed_at, assigned_agent_id, result, error_message,
			origin_subscriber_id, retry_count, retry_of_task_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := s.pool.Writer().ExecContext(ctx, query,
		task.ID, task.Command, task.RepositoryPath, task.Priority, task.Status,
		task.CreatedAt, task.StartedAt, task.CompletedAt, task.AssignedAgentID,
		task.Result, task.ErrorMessage, task.OriginSubscriberID,
		task.RetryCount, task.RetryOfTaskID)
	return wrapDBError("enqueue task", err)
}

// GetTask retrieves a task by id.
func (s *SQLStore) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	var task v1.Task
	query := s.pool.Reader().Rebind(`SELECT * FROM tasks WHERE id = ?`)
	err := s.pool.Reader().GetContext(ctx, &task, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("task", id)
	}
	if err != nil {
		return nil, wrapDBError("get task", err)
	}
	return &task, nil
}

// ClaimNextTask atomically claims the best matching Pending task for the
// agent. The repository match rule cannot be expressed portably in SQL, so
// candidates are scanned in priority order inside the claiming transaction;
// the conditional UPDATE guarantees no two agents claim the same row.
func (s *SQLStore) ClaimNextTask(ctx context.Context, agentID, agentRepoPath string) (*v1.Task, error) {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return nil, wrapDBError("claim task", err)
	}
	defer func() { _ = tx.Rollback() }()

	var candidates []*v1.Task
	query := `SELECT * FROM tasks WHERE status = 'PENDING'
		ORDER BY priority DESC, created_at ASC`
	if err := tx.SelectContext(ctx, &candidates, query); err != nil {
		return nil, wrapDBError("claim task", err)
	}

	for _, task := range candidates {
		if task.RepositoryPath != "" && !pathmatch.Match(task.RepositoryPath, agentRepoPath) {
			continue
		}
		update := tx.Rebind(`
			UPDATE tasks SET status = 'ASSIGNED', assigned_agent_id = ?
			WHERE id = ? AND status = 'PENDING'`)
		res, err := tx.ExecContext(ctx, update, agentID, task.ID)
		if err != nil {
			return nil, wrapDBError("claim task", err)
		}
		rows, _ := res.RowsAffected()
		if rows == 0 {
			// Raced with another claimer; try the next candidate.
			continue
		}
		if err := tx.Commit(); err != nil {
			return nil, wrapDBError("claim task", err)
		}
		task.Status = v1.TaskStatusAssigned
		task.AssignedAgentID = &agentID
		return task, nil
	}

	return nil, nil
}

// UpdateTaskStatus applies a validated status transition plus optional
// fields. The WHERE clause re-checks the current status so the transition
// check and the write are atomic.
func (s *SQLStore) UpdateTaskStatus(ctx context.Context, taskID string, newStatus v1.TaskStatus, update TaskUpdate) error {
	if !newStatus.IsValid() {
		return apperrors.InvalidInput("unknown task status: " + string(newStatus))
	}

	current, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !current.Status.CanTransitionTo(newStatus) {
		return apperrors.InvalidTransition("task", string(current.Status), string(newStatus))
	}

	set := []string{"status = ?"}
	args := []interface{}{newStatus}
	if update.StartedAt != nil {
		set = append(set, "started_at = ?")
		args = append(args, update.StartedAt.UTC())
	}
	if update.CompletedAt != nil {
		set = append(set, "completed_at = ?")
		args = append(args, update.CompletedAt.UTC())
	}
	if update.AssignedAgentID != nil {
		set = append(set, "assigned_agent_id = ?")
		args = append(args, *update.AssignedAgentID)
	}
	if update.Result != nil {
		set = append(set, "result = ?")
		args = append(args, *update.Result)
	}
	if update.ErrorMessage != nil {
		set = append(set, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	args = append(args, taskID, current.Status)

	query := s.pool.Writer().Rebind(
		`UPDATE tasks SET ` + strings.Join(set, ", ") + ` WHERE id = ? AND status = ?`)
	res, err := s.pool.Writer().ExecContext(ctx, query, args...)
	if err != nil {
		return wrapDBError("update task status", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// Status changed between read and write.
		return apperrors.InvalidTransition("task", string(current.Status), string(newStatus))
	}
	return nil
}

// ListTasksByStatus returns tasks in the given status, oldest first.
func (s *SQLStore) ListTasksByStatus(ctx context.Context, status v1.TaskStatus) ([]*v1.Task, error) {
	var tasks []*v1.Task
	query := s.pool.Reader().Rebind(`SELECT * FROM tasks WHERE status = ? ORDER BY created_at`)
	if err := s.pool.Reader().SelectContext(ctx, &tasks, query, status); err != nil {
		return nil, wrapDBError("list tasks by status", err)
	}
	return tasks, nil
}

// ListTasksByRepository returns tasks whose repository path matches, newest
// first.
func (s *SQLStore) ListTasksByRepository(ctx context.Context, repoPath string) ([]*v1.Task, error) {
	var all []*v1.Task
	if err := s.pool.Reader().SelectContext(ctx, &all, `SELECT * FROM tasks ORDER BY created_at DESC`); err != nil {
		return nil, wrapDBError("list tasks by repository", err)
	}
	var tasks []*v1.Task
	for _, t := range all {
		if pathmatch.Match(t.RepositoryPath, repoPath) {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// ListPendingTasks returns all Pending tasks in queue order.
func (s *SQLStore) ListPendingTasks(ctx context.Context) ([]*v1.Task, error) {
	var tasks []*v1.Task
	query := `SELECT * FROM tasks WHERE status = 'PENDING'
		ORDER BY priority DESC, created_at ASC`
	if err := s.pool.Reader().SelectContext(ctx, &tasks, query); err != nil {
		return nil, wrapDBError("list pending tasks", err)
	}
	return tasks, nil
}

// CountTasksByStatus summarizes tasks per status.
func (s *SQLStore) CountTasksByStatus(ctx context.Context) (StatusCounts, error) {
	rows, err := s.pool.Reader().QueryxContext(ctx,
		`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return StatusCounts{}, wrapDBError("count tasks", err)
	}
	defer rows.Close()

	var counts StatusCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return StatusCounts{}, wrapDBError("count tasks", err)
		}
		switch v1.TaskStatus(status) {
		case v1.TaskStatusPending:
			counts.Pending = n
		case v1.TaskStatusAssigned:
			counts.Assigned = n
		case v1.TaskStatusInProgress:
			counts.InProgress = n
		case v1.TaskStatusCompleted:
			counts.Completed = n
		case v1.TaskStatusFailed:
			counts.Failed = n
		case v1.TaskStatusCancelled:
			counts.Cancelled = n
		}
	}
	return counts, rows.Err()
}
