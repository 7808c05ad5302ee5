// Package warmup primes connector sessions at startup so the first real
// command does not pay the cold-start cost.
package warmup

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/queue"
	"github.com/agentmux/agentmux/internal/registry"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// warmupCommand is a cheap prompt that opens a session without touching
// the repository.
const warmupCommand = "Respond with OK and do nothing else."

// Coordinator enqueues one low-priority warmup task per connector type that
// has at least one registered agent. Warmup failures are logged and never
// retried.
type Coordinator struct {
	queue    *queue.Queue
	registry *registry.Registry
	logger   *logger.Logger
}

// New creates a Coordinator.
func New(q *queue.Queue, reg *registry.Registry, log *logger.Logger) *Coordinator {
	return &Coordinator{
		queue:    q,
		registry: reg,
		logger:   log.WithFields(zap.String("component", "warmup")),
	}
}

// Run enqueues the warmup tasks. Each task targets the repository of the
// first agent seen for its connector type so dispatch affinity matches.
func (c *Coordinator) Run(ctx context.Context) []*v1.Task {
	byType := make(map[string]*v1.Agent)
	for _, agent := range c.registry.List() {
		if !agent.Available() {
			continue
		}
		if _, seen := byType[agent.Type]; !seen {
			byType[agent.Type] = agent
		}
	}

	var tasks []*v1.Task
	for connectorType, agent := range byType {
		task, err := c.queue.Enqueue(ctx, queue.EnqueueRequest{
			Command:        warmupCommand,
			RepositoryPath: agent.RepositoryPath,
			Priority:       v1.PriorityLow,
		})
		if err != nil {
			c.logger.Warn("warmup enqueue failed",
				zap.String("connector_type", connectorType),
				zap.Error(err))
			continue
		}
		c.logger.Info("warmup task enqueued",
			zap.String("connector_type", connectorType),
			zap.String("task_id", task.ID))
		tasks = append(tasks, task)
	}
	return tasks
}
