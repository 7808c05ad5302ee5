package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/db"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// storeFactories runs every test against both engines.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			pool, err := db.OpenSQLite(t.TempDir() + "/test.db")
			require.NoError(t, err)
			s, err := NewSQLStore(pool)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func newTestAgent(id, repoPath string) *v1.Agent {
	return &v1.Agent{
		ID:             id,
		Name:           "agent " + id,
		Type:           "claude-code",
		RepositoryPath: repoPath,
		Status:         v1.AgentStatusIdle,
		LastHeartbeat:  time.Now().UTC(),
	}
}

func newTestTask(command, repoPath string, priority v1.TaskPriority) *v1.Task {
	return &v1.Task{
		Command:        command,
		RepositoryPath: repoPath,
		Priority:       priority,
		Status:         v1.TaskStatusPending,
	}
}

func TestAgentUpsertAndSoftDelete(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			agent := newTestAgent("a1", "/repo/one")
			require.NoError(t, s.UpsertAgent(ctx, agent))

			got, err := s.GetAgent(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, "claude-code", got.Type)
			assert.Equal(t, v1.AgentStatusIdle, got.Status)
			assert.False(t, got.SoftDeleted)

			require.NoError(t, s.SoftDeleteAgent(ctx, "a1"))

			live, err := s.ListAgents(ctx, false)
			require.NoError(t, err)
			assert.Empty(t, live)

			all, err := s.ListAgents(ctx, true)
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.True(t, all[0].SoftDeleted)

			// Re-upsert restores the tombstoned agent.
			agent.SoftDeleted = false
			require.NoError(t, s.UpsertAgent(ctx, agent))
			live, err = s.ListAgents(ctx, false)
			require.NoError(t, err)
			assert.Len(t, live, 1)
		})
	}
}

func TestSoftDeleteMissingAgent(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			err := s.SoftDeleteAgent(context.Background(), "nope")
			assert.True(t, apperrors.IsNotFound(err))
		})
	}
}

func TestClaimNextTaskPriorityOrder(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			low := newTestTask("low", "/repo", v1.PriorityLow)
			critical := newTestTask("critical", "/repo", v1.PriorityCritical)
			normal := newTestTask("normal", "/repo", v1.PriorityNormal)
			for _, task := range []*v1.Task{low, critical, normal} {
				require.NoError(t, s.EnqueueTask(ctx, task))
			}

			var order []string
			for {
				task, err := s.ClaimNextTask(ctx, "a1", "/repo")
				require.NoError(t, err)
				if task == nil {
					break
				}
				order = append(order, task.Command)
				assert.Equal(t, v1.TaskStatusAssigned, task.Status)
				require.NotNil(t, task.AssignedAgentID)
				assert.Equal(t, "a1", *task.AssignedAgentID)
			}
			assert.Equal(t, []string{"critical", "normal", "low"}, order)
		})
	}
}

func TestClaimNextTaskRepositoryAffinity(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			other := newTestTask("other", "/repo/two", v1.PriorityNormal)
			require.NoError(t, s.EnqueueTask(ctx, other))

			// No match for an agent on a different repository.
			task, err := s.ClaimNextTask(ctx, "a1", "/repo/one")
			require.NoError(t, err)
			assert.Nil(t, task)

			// A task with an empty repository path may be claimed by anyone.
			anyTask := newTestTask("anywhere", "", v1.PriorityNormal)
			require.NoError(t, s.EnqueueTask(ctx, anyTask))
			task, err = s.ClaimNextTask(ctx, "a1", "/repo/one")
			require.NoError(t, err)
			require.NotNil(t, task)
			assert.Equal(t, "anywhere", task.Command)

			// Subdirectory relationship counts as a match.
			task, err = s.ClaimNextTask(ctx, "a2", "/repo/two/nested")
			require.NoError(t, err)
			require.NotNil(t, task)
			assert.Equal(t, "other", task.Command)
		})
	}
}

func TestClaimNextTaskConcurrent(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			const taskCount = 20
			for i := 0; i < taskCount; i++ {
				require.NoError(t, s.EnqueueTask(ctx, newTestTask("task", "/repo", v1.PriorityNormal)))
			}

			var mu sync.Mutex
			claimed := make(map[string]string)
			var wg sync.WaitGroup
			for w := 0; w < 4; w++ {
				wg.Add(1)
				go func(agentID string) {
					defer wg.Done()
					for {
						task, err := s.ClaimNextTask(ctx, agentID, "/repo")
						if err != nil || task == nil {
							return
						}
						mu.Lock()
						if prev, dup := claimed[task.ID]; dup {
							t.Errorf("task %s claimed by both %s and %s", task.ID, prev, agentID)
						}
						claimed[task.ID] = agentID
						mu.Unlock()
					}
				}("agent-" + string(rune('a'+w)))
			}
			wg.Wait()

			assert.Len(t, claimed, taskCount)
		})
	}
}

func TestUpdateTaskStatusTransitions(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			task := newTestTask("work", "/repo", v1.PriorityNormal)
			require.NoError(t, s.EnqueueTask(ctx, task))

			// Pending -> InProgress is illegal.
			err := s.UpdateTaskStatus(ctx, task.ID, v1.TaskStatusInProgress, TaskUpdate{})
			assert.True(t, apperrors.IsInvalidTransition(err))

			// State is unchanged after the rejection.
			got, err := s.GetTask(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, v1.TaskStatusPending, got.Status)

			claimed, err := s.ClaimNextTask(ctx, "a1", "/repo")
			require.NoError(t, err)
			require.NotNil(t, claimed)

			started := time.Now().UTC()
			require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, v1.TaskStatusInProgress,
				TaskUpdate{StartedAt: &started}))

			result := "done"
			completed := time.Now().UTC()
			require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, v1.TaskStatusCompleted,
				TaskUpdate{CompletedAt: &completed, Result: &result}))

			got, err = s.GetTask(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, v1.TaskStatusCompleted, got.Status)
			require.NotNil(t, got.Result)
			assert.Equal(t, "done", *got.Result)
			require.NotNil(t, got.StartedAt)
			require.NotNil(t, got.CompletedAt)
			assert.False(t, got.CreatedAt.After(*got.StartedAt))
			assert.False(t, got.StartedAt.After(*got.CompletedAt))

			// Terminal states are sinks.
			err = s.UpdateTaskStatus(ctx, task.ID, v1.TaskStatusFailed, TaskUpdate{})
			assert.True(t, apperrors.IsInvalidTransition(err))
		})
	}
}

func TestEnqueueRejectsOversizedCommand(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			long := make([]byte, v1.MaxStoredCommandLength+1)
			for i := range long {
				long[i] = 'x'
			}
			err := s.EnqueueTask(context.Background(), newTestTask(string(long), "", v1.PriorityNormal))
			assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
		})
	}
}

func TestCountTasksByStatus(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				require.NoError(t, s.EnqueueTask(ctx, newTestTask("t", "/repo", v1.PriorityNormal)))
			}
			claimed, err := s.ClaimNextTask(ctx, "a1", "/repo")
			require.NoError(t, err)
			require.NotNil(t, claimed)

			counts, err := s.CountTasksByStatus(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, counts.Pending)
			assert.Equal(t, 1, counts.Assigned)
		})
	}
}

func TestRepositoryUpsertIdempotent(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			repo := &v1.Repository{Name: "one", Path: "/repo/one", Active: true}
			require.NoError(t, s.UpsertRepository(ctx, repo))
			firstID := repo.ID

			again := &v1.Repository{Name: "one renamed", Path: "/repo/one", Active: true}
			require.NoError(t, s.UpsertRepository(ctx, again))

			repos, err := s.ListRepositories(ctx)
			require.NoError(t, err)
			require.Len(t, repos, 1)
			assert.Equal(t, firstID, repos[0].ID)
			assert.Equal(t, "one renamed", repos[0].Name)
		})
	}
}
