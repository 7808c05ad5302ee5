package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/pathmatch"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// MemoryStore implements Store with in-memory maps. Used for tests and
// ephemeral dev mode; semantics mirror SQLStore exactly.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*v1.Agent
	tasks  map[string]*v1.Task
	repos  map[string]*v1.Repository // keyed by normalized path
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents: make(map[string]*v1.Agent),
		tasks:  make(map[string]*v1.Task),
		repos:  make(map[string]*v1.Repository),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// Agent operations

func (s *MemoryStore) UpsertAgent(_ context.Context, agent *v1.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent.UpdatedAt = time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = agent.UpdatedAt
	}
	s.agents[agent.ID] = agent.Clone()
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, id string) (*v1.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, apperrors.NotFound("agent", id)
	}
	return agent.Clone(), nil
}

func (s *MemoryStore) SoftDeleteAgent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return apperrors.NotFound("agent", id)
	}
	agent.SoftDeleted = true
	agent.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListAgents(_ context.Context, includeDeleted bool) ([]*v1.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agents := make([]*v1.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if !includeDeleted && a.SoftDeleted {
			continue
		}
		agents = append(agents, a.Clone())
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].CreatedAt.Before(agents[j].CreatedAt)
	})
	return agents, nil
}

// Repository operations

func (s *MemoryStore) UpsertRepository(_ context.Context, repo *v1.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if repo.ID == "" {
		repo.ID = uuid.New().String()
	}
	key := pathmatch.Normalize(repo.Path)
	if existing, ok := s.repos[key]; ok {
		existing.Name = repo.Name
		existing.Active = repo.Active
		repo.ID = existing.ID
		return nil
	}
	c := *repo
	s.repos[key] = &c
	return nil
}

func (s *MemoryStore) GetRepositoryByPath(_ context.Context, path string) (*v1.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	repo, ok := s.repos[pathmatch.Normalize(path)]
	if !ok {
		return nil, apperrors.NotFound("repository", path)
	}
	c := *repo
	return &c, nil
}

func (s *MemoryStore) ListRepositories(_ context.Context) ([]*v1.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	repos := make([]*v1.Repository, 0, len(s.repos))
	for _, r := range s.repos {
		c := *r
		repos = append(repos, &c)
	}
	sort.Slice(repos, func(i, j int) bool { return repos[i].Path < repos[j].Path })
	return repos, nil
}

// Task operations

func (s *MemoryStore) EnqueueTask(_ context.Context, task *v1.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if len(task.Command) > v1.MaxStoredCommandLength {
		return apperrors.InvalidInput("command exceeds maximum length")
	}
	if _, exists := s.tasks[task.ID]; exists {
		return apperrors.ConstraintViolation("task id already exists", nil)
	}
	task.Status = v1.TaskStatusPending
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (*v1.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, apperrors.NotFound("task", id)
	}
	return task.Clone(), nil
}

func (s *MemoryStore) ClaimNextTask(_ context.Context, agentID, agentRepoPath string) (*v1.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *v1.Task
	for _, t := range s.tasks {
		if t.Status != v1.TaskStatusPending {
			continue
		}
		if t.RepositoryPath != "" && !pathmatch.Match(t.RepositoryPath, agentRepoPath) {
			continue
		}
		if best == nil || t.Priority > best.Priority ||
			(t.Priority == best.Priority && t.CreatedAt.Before(best.CreatedAt)) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = v1.TaskStatusAssigned
	best.AssignedAgentID = &agentID
	return best.Clone(), nil
}

func (s *MemoryStore) UpdateTaskStatus(_ context.Context, taskID string, newStatus v1.TaskStatus, update TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !newStatus.IsValid() {
		return apperrors.InvalidInput("unknown task status: " + string(newStatus))
	}
	task, ok := s.tasks[taskID]
	if !ok {
		return apperrors.NotFound("task", taskID)
	}
	if !task.Status.CanTransitionTo(newStatus) {
		return apperrors.InvalidTransition("task", string(task.Status), string(newStatus))
	}

	task.Status = newStatus
	if update.StartedAt != nil {
		v := update.StartedAt.UTC()
		task.StartedAt = &v
	}
	if update.CompletedAt != nil {
		v := update.CompletedAt.UTC()
		task.CompletedAt = &v
	}
	if update.AssignedAgentID != nil {
		v := *update.AssignedAgentID
		task.AssignedAgentID = &v
	}
	if update.Result != nil {
		v := *update.Result
		task.Result = &v
	}
	if update.ErrorMessage != nil {
		v := *update.ErrorMessage
		task.ErrorMessage = &v
	}
	return nil
}

func (s *MemoryStore) ListTasksByStatus(_ context.Context, status v1.TaskStatus) ([]*v1.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*v1.Task
	for _, t := range s.tasks {
		if t.Status == status {
			tasks = append(tasks, t.Clone())
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (s *MemoryStore) ListTasksByRepository(_ context.Context, repoPath string) ([]*v1.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*v1.Task
	for _, t := range s.tasks {
		if pathmatch.Match(t.RepositoryPath, repoPath) {
			tasks = append(tasks, t.Clone())
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	return tasks, nil
}

func (s *MemoryStore) ListPendingTasks(_ context.Context) ([]*v1.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*v1.Task
	for _, t := range s.tasks {
		if t.Status == v1.TaskStatusPending {
			tasks = append(tasks, t.Clone())
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

func (s *MemoryStore) CountTasksByStatus(_ context.Context) (StatusCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var counts StatusCounts
	for _, t := range s.tasks {
		switch t.Status {
		case v1.TaskStatusPending:
			counts.Pending++
		case v1.TaskStatusAssigned:
			counts.Assigned++
		case v1.TaskStatusInProgress:
			counts.InProgress++
		case v1.TaskStatusCompleted:
			counts.Completed++
		case v1.TaskStatusFailed:
			counts.Failed++
		case v1.TaskStatusCancelled:
			counts.Cancelled++
		}
	}
	return counts, nil
}
