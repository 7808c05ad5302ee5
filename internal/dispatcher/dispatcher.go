// Package dispatcher matches pending tasks to available agents and drives
// their execution through the connector layer.
package dispatcher

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmux/agentmux/internal/bus"
	apperrors "github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/common/pathmatch"
	"github.com/agentmux/agentmux/internal/connector"
	"github.com/agentmux/agentmux/internal/diagnostics"
	"github.com/agentmux/agentmux/internal/queue"
	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/store"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
	"github.com/agentmux/agentmux/pkg/claudecode"
)

// maxStorageBackoff caps the exponential backoff applied while the store is
// unavailable.
const maxStorageBackoff = 30 * time.Second

// maxRetryDelay caps the retry backoff for failed tasks.
const maxRetryDelay = 5 * time.Minute

// Config tunes the dispatch loop.
type Config struct {
	// TickInterval debounces dispatch rounds; wakes within one interval
	// coalesce into a single round.
	TickInterval time.Duration
	// CommandTimeout bounds each connector execution.
	CommandTimeout time.Duration
	// RetryMaxAttempts is the number of retry tasks created per original
	// task before a failure becomes final.
	RetryMaxAttempts int
	// RetryBaseBackoff seeds the exponential retry delay.
	RetryBaseBackoff time.Duration
	// AutoProvision creates an agent for tasks no registered agent matches.
	AutoProvision bool
	// HighPoolWorkers execute Critical and High priority tasks.
	HighPoolWorkers int
	// DefaultWorkers execute Normal and Low priority tasks.
	DefaultWorkers int
}

func (c *Config) defaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 50 * time.Millisecond
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 10 * time.Minute
	}
	if c.RetryMaxAttempts < 0 {
		c.RetryMaxAttempts = 0
	}
	if c.RetryBaseBackoff <= 0 {
		c.RetryBaseBackoff = 2 * time.Second
	}
	if c.HighPoolWorkers <= 0 {
		c.HighPoolWorkers = 1
	}
	if c.DefaultWorkers <= 0 {
		c.DefaultWorkers = 2
	}
}

// assignment pairs a claimed task with the agent that will run it.
type assignment struct {
	task  *v1.Task
	agent *v1.Agent
}

// Dispatcher owns the dispatch loop and its worker pools.
type Dispatcher struct {
	cfg        Config
	queue      *queue.Queue
	registry   *registry.Registry
	connectors *connector.Manager
	store      store.Store
	bus        *bus.Bus
	logger     *logger.Logger

	highCh    chan assignment
	defaultCh chan assignment

	mu              sync.Mutex
	stalled         bool
	storageFailures int
	retryUntil      time.Time
	closed          bool
	retryTimers     map[*time.Timer]struct{}
}

// New creates a Dispatcher.
func New(cfg Config, q *queue.Queue, reg *registry.Registry, conns *connector.Manager,
	st store.Store, eventBus *bus.Bus, log *logger.Logger) *Dispatcher {
	cfg.defaults()
	return &Dispatcher{
		cfg:         cfg,
		queue:       q,
		registry:    reg,
		connectors:  conns,
		store:       st,
		bus:         eventBus,
		logger:      log,
		highCh:      make(chan assignment, 16),
		defaultCh:   make(chan assignment, 16),
		retryTimers: make(map[*time.Timer]struct{}),
	}
}

// Stalled reports whether the loop is currently backing off from storage
// failures.
func (d *Dispatcher) Stalled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stalled
}

// Run drives the dispatch loop and worker pools until ctx is cancelled.
// In-flight executions finish before Run returns; pending retry timers are
// dropped.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < d.cfg.HighPoolWorkers; i++ {
		g.Go(func() error { return d.worker(gctx, d.highCh) })
	}
	for i := 0; i < d.cfg.DefaultWorkers; i++ {
		g.Go(func() error { return d.worker(gctx, d.defaultCh) })
	}
	g.Go(func() error { return d.loop(gctx) })

	err := g.Wait()
	d.stopRetryTimers()
	return err
}

func (d *Dispatcher) loop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	// Pending work may predate the loop (hydrated queue).
	d.dispatch(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.queue.Wake():
			// Debounce: let near-simultaneous enqueues coalesce.
			select {
			case <-time.After(d.cfg.TickInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
			d.dispatch(ctx)
		case <-ticker.C:
			d.dispatch(ctx)
		}
	}
}

// dispatch runs one matching round: claim tasks for every available agent,
// then auto-provision for orphaned repositories.
func (d *Dispatcher) dispatch(ctx context.Context) {
	d.mu.Lock()
	if time.Now().Before(d.retryUntil) {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	assigned := true
	for assigned {
		assigned = false
		// Idle agents claim in oldest-heartbeat order, so a long-idle agent
		// is preferred over one that just finished.
		agents := d.registry.List()
		sort.Slice(agents, func(i, j int) bool {
			return agents[i].LastHeartbeat.Before(agents[j].LastHeartbeat)
		})
		for _, agent := range agents {
			if !agent.Available() {
				continue
			}
			task, err := d.queue.Claim(ctx, agent.ID, agent.RepositoryPath)
			if err != nil {
				d.handleStorageError(err)
				return
			}
			if task == nil {
				continue
			}
			d.clearStorageBackoff()
			if d.assign(ctx, task, agent) {
				assigned = true
			}
		}
	}

	if d.cfg.AutoProvision && d.queue.Depth() > 0 {
		d.provisionForOrphans(ctx)
	}
}

// assign pins the agent to the task and hands the pair to a worker pool.
// Returns false when the agent was lost to a concurrent transition; the task
// is then requeued as a fresh Pending task.
func (d *Dispatcher) assign(ctx context.Context, task *v1.Task, agent *v1.Agent) bool {
	claimed, err := d.registry.ClaimForTask(ctx, agent.ID, task.ID)
	if err != nil {
		d.logger.Warn("agent lost between claim and assignment",
			zap.String("agent_id", agent.ID),
			zap.String("task_id", task.ID),
			zap.Error(err))
		d.requeueOrphanedClaim(ctx, task)
		return false
	}

	d.publishTask(task, bus.TaskAssigned, map[string]interface{}{
		"agent_id": agent.ID,
	})
	d.logger.Info("task assigned",
		zap.String("task_id", task.ID),
		zap.String("agent_id", agent.ID),
		zap.String("priority", task.Priority.String()))

	a := assignment{task: task, agent: claimed}
	pool := d.defaultCh
	if task.Priority >= v1.PriorityHigh {
		pool = d.highCh
	}
	select {
	case pool <- a:
	case <-ctx.Done():
	}
	return true
}

// requeueOrphanedClaim cancels a task stuck in Assigned with no agent and
// replays it as a new Pending task.
func (d *Dispatcher) requeueOrphanedClaim(ctx context.Context, task *v1.Task) {
	now := time.Now().UTC()
	if err := d.store.UpdateTaskStatus(ctx, task.ID, v1.TaskStatusCancelled,
		store.TaskUpdate{CompletedAt: &now}); err != nil {
		d.logger.Error("failed to cancel orphaned claim",
			zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	replay := &v1.Task{
		Command:            task.Command,
		RepositoryPath:     task.RepositoryPath,
		Priority:           task.Priority,
		OriginSubscriberID: task.OriginSubscriberID,
		RetryCount:         task.RetryCount,
		RetryOfTaskID:      task.RetryOfTaskID,
	}
	if _, err := d.queue.Requeue(ctx, replay); err != nil {
		d.logger.Error("failed to requeue orphaned claim",
			zap.String("task_id", task.ID), zap.Error(err))
	}
}

// provisionForOrphans registers a fresh agent for each repository that has
// pending work but no agent at all, one per round.
func (d *Dispatcher) provisionForOrphans(ctx context.Context) {
	pending, err := d.store.ListPendingTasks(ctx)
	if err != nil {
		d.handleStorageError(err)
		return
	}

	agents := d.registry.List()
	provisioned := make(map[string]bool)
	for _, task := range pending {
		if task.RepositoryPath == "" || provisioned[task.RepositoryPath] {
			continue
		}
		covered := false
		for _, agent := range agents {
			// An Offline agent covers nothing; it will never claim.
			if agent.Status == v1.AgentStatusOffline {
				continue
			}
			if agent.RepositoryPath == "" || matchesRepo(agent, task) {
				covered = true
				break
			}
		}
		if covered {
			continue
		}
		agent, err := d.registry.Provision(ctx, task.RepositoryPath)
		if err != nil {
			d.logger.Error("auto-provision failed",
				zap.String("repository", task.RepositoryPath), zap.Error(err))
			continue
		}
		provisioned[task.RepositoryPath] = true
		d.logger.Info("auto-provisioned agent",
			zap.String("agent_id", agent.ID),
			zap.String("repository", task.RepositoryPath))
	}
}

func matchesRepo(agent *v1.Agent, task *v1.Task) bool {
	return pathmatch.Match(agent.RepositoryPath, task.RepositoryPath)
}

func (d *Dispatcher) worker(ctx context.Context, ch <-chan assignment) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a := <-ch:
			d.executeAssignment(a)
		}
	}
}

// executeAssignment runs one task to a terminal state. It deliberately uses
// a detached context so cancellation of the dispatch loop lets in-flight
// runs drain instead of killing them mid-command.
func (d *Dispatcher) executeAssignment(a assignment) {
	ctx := context.Background()
	task, agent := a.task, a.agent

	started := time.Now().UTC()
	err := d.store.UpdateTaskStatus(ctx, task.ID, v1.TaskStatusInProgress, store.TaskUpdate{
		StartedAt:       &started,
		AssignedAgentID: &agent.ID,
	})
	if err != nil {
		// Cancelled between assignment and start; free the agent.
		d.logger.Warn("task no longer startable",
			zap.String("task_id", task.ID), zap.Error(err))
		d.releaseAgent(ctx, agent.ID, v1.AgentStatusIdle)
		return
	}
	d.publishTask(task, bus.TaskStarted, map[string]interface{}{
		"agent_id": agent.ID,
	})

	sessionGroup := bus.BuildAgentSessionGroup(agent.ID)
	req := connector.ExecuteRequest{
		TaskID:         task.ID,
		Command:        task.Command,
		RepositoryPath: task.RepositoryPath,
		SessionID:      d.registry.SessionID(agent.ID),
		Timeout:        d.cfg.CommandTimeout,
		OnMessage: func(msg *claudecode.Message) {
			if msg.Type == claudecode.MessageTypeSystem && msg.SessionID != "" {
				if err := d.registry.SetSessionID(ctx, agent.ID, msg.SessionID); err != nil {
					d.logger.Warn("failed to persist session id", zap.Error(err))
				}
			}
			ev := bus.NewEvent(bus.OutputChunk, map[string]interface{}{
				"message": json.RawMessage(msg.Raw),
			})
			ev.AgentID = agent.ID
			ev.TaskID = task.ID
			d.bus.Publish(sessionGroup, ev)
		},
	}

	result, execErr := d.connectors.Execute(ctx, agent.ID, req)
	diagnostics.CommandsExecuted.WithLabelValues(executionOutcome(result, execErr)).Inc()
	switch {
	case apperrors.IsCode(execErr, apperrors.ErrCodeConnectorSpawn):
		d.failTask(ctx, task, execErr.Error())
		if err := d.registry.MarkError(ctx, agent.ID, execErr.Error()); err != nil {
			d.logger.Error("failed to mark agent error", zap.Error(err))
		}
		// Spawn failures say nothing about the task; replay it right away
		// so another agent can pick it up.
		d.scheduleRetry(task, 0)

	case apperrors.IsTimeout(execErr):
		d.failTask(ctx, task, "timeout")
		d.releaseAgent(ctx, agent.ID, v1.AgentStatusIdle)
		d.scheduleRetry(task, d.retryDelay(task))

	case apperrors.IsCode(execErr, apperrors.ErrCodeCancelled):
		now := time.Now().UTC()
		if err := d.store.UpdateTaskStatus(ctx, task.ID, v1.TaskStatusCancelled,
			store.TaskUpdate{CompletedAt: &now}); err != nil {
			d.logger.Error("failed to cancel task", zap.Error(err))
		}
		d.releaseAgent(ctx, agent.ID, v1.AgentStatusIdle)

	case execErr != nil:
		d.failTask(ctx, task, execErr.Error())
		d.releaseAgent(ctx, agent.ID, v1.AgentStatusIdle)
		d.scheduleRetry(task, d.retryDelay(task))

	case result.Success:
		now := time.Now().UTC()
		if err := d.store.UpdateTaskStatus(ctx, task.ID, v1.TaskStatusCompleted, store.TaskUpdate{
			CompletedAt: &now,
			Result:      &result.Output,
		}); err != nil {
			d.logger.Error("failed to complete task", zap.Error(err))
		}
		if result.SessionID != "" {
			if err := d.registry.SetSessionID(ctx, agent.ID, result.SessionID); err != nil {
				d.logger.Warn("failed to persist session id", zap.Error(err))
			}
		}
		d.publishTask(task, bus.TaskCompleted, map[string]interface{}{
			"agent_id":    agent.ID,
			"duration_ms": result.DurationMS,
			"cost_usd":    result.CostUSD,
		})
		d.releaseAgent(ctx, agent.ID, v1.AgentStatusIdle)
		d.logger.Info("task completed",
			zap.String("task_id", task.ID),
			zap.String("agent_id", agent.ID),
			zap.Int64("duration_ms", result.DurationMS))

	default:
		d.failTask(ctx, task, result.ErrorMessage)
		d.releaseAgent(ctx, agent.ID, v1.AgentStatusIdle)
		d.scheduleRetry(task, d.retryDelay(task))
	}
}

// executionOutcome labels a finished run for the command counter.
func executionOutcome(result *connector.CommandResult, execErr error) string {
	switch {
	case apperrors.IsCode(execErr, apperrors.ErrCodeConnectorSpawn):
		return "spawn_error"
	case apperrors.IsTimeout(execErr):
		return "timeout"
	case apperrors.IsCode(execErr, apperrors.ErrCodeCancelled):
		return "cancelled"
	case execErr != nil:
		return "error"
	case result.Success:
		return "success"
	}
	return "failure"
}

func (d *Dispatcher) failTask(ctx context.Context, task *v1.Task, message string) {
	now := time.Now().UTC()
	if err := d.store.UpdateTaskStatus(ctx, task.ID, v1.TaskStatusFailed, store.TaskUpdate{
		CompletedAt:  &now,
		ErrorMessage: &message,
	}); err != nil {
		d.logger.Error("failed to mark task failed",
			zap.String("task_id", task.ID), zap.Error(err))
	}
	d.publishTask(task, bus.TaskFailed, map[string]interface{}{
		"error":       message,
		"retry_count": task.RetryCount,
	})
	d.logger.Warn("task failed",
		zap.String("task_id", task.ID),
		zap.Int("retry_count", task.RetryCount),
		zap.String("error", message))
}

func (d *Dispatcher) releaseAgent(ctx context.Context, agentID string, status v1.AgentStatus) {
	if err := d.registry.Release(ctx, agentID, status); err != nil {
		d.logger.Error("failed to release agent",
			zap.String("agent_id", agentID), zap.Error(err))
	}
}

// retryDelay computes the backoff before the next attempt: exponential in
// the retry count, shortened for higher priorities.
func (d *Dispatcher) retryDelay(task *v1.Task) time.Duration {
	delay := d.cfg.RetryBaseBackoff << uint(task.RetryCount)
	delay /= time.Duration(task.Priority + 1)
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

// scheduleRetry replays a failed task as a fresh Pending task after delay,
// up to the attempt budget.
func (d *Dispatcher) scheduleRetry(task *v1.Task, delay time.Duration) {
	if task.RetryCount >= d.cfg.RetryMaxAttempts {
		d.logger.Warn("task exhausted retries",
			zap.String("task_id", task.ID),
			zap.Int("retry_count", task.RetryCount))
		return
	}

	origin := task.ID
	if task.RetryOfTaskID != nil {
		origin = *task.RetryOfTaskID
	}
	retry := &v1.Task{
		Command:            task.Command,
		RepositoryPath:     task.RepositoryPath,
		Priority:           task.Priority,
		OriginSubscriberID: task.OriginSubscriberID,
		RetryCount:         task.RetryCount + 1,
		RetryOfTaskID:      &origin,
	}

	enqueue := func() {
		if _, err := d.queue.Requeue(context.Background(), retry); err != nil {
			d.logger.Error("failed to enqueue retry",
				zap.String("origin_task_id", origin), zap.Error(err))
			return
		}
		d.logger.Info("retry scheduled",
			zap.String("origin_task_id", origin),
			zap.Int("retry_count", retry.RetryCount))
	}

	if delay <= 0 {
		enqueue()
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.retryTimers, timer)
		closed := d.closed
		d.mu.Unlock()
		if !closed {
			enqueue()
		}
	})
	d.retryTimers[timer] = struct{}{}
	d.mu.Unlock()
}

func (d *Dispatcher) stopRetryTimers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for timer := range d.retryTimers {
		timer.Stop()
	}
	d.retryTimers = make(map[*time.Timer]struct{})
}

// handleStorageError backs the loop off exponentially while the store is
// down and announces the stall once per episode.
func (d *Dispatcher) handleStorageError(err error) {
	if !apperrors.IsStorageUnavailable(err) {
		d.logger.Error("dispatch round failed", zap.Error(err))
		return
	}

	d.mu.Lock()
	d.storageFailures++
	backoff := d.cfg.RetryBaseBackoff << uint(d.storageFailures-1)
	if backoff > maxStorageBackoff {
		backoff = maxStorageBackoff
	}
	d.retryUntil = time.Now().Add(backoff)
	firstFailure := !d.stalled
	d.stalled = true
	d.mu.Unlock()

	d.logger.Error("storage unavailable, dispatch stalled",
		zap.Duration("backoff", backoff), zap.Error(err))
	if firstFailure {
		d.bus.BroadcastAll(bus.NewEvent(bus.DispatcherStalled, map[string]interface{}{
			"error": err.Error(),
		}))
	}
}

func (d *Dispatcher) clearStorageBackoff() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.storageFailures = 0
	d.stalled = false
	d.retryUntil = time.Time{}
}

// publishTask emits a task lifecycle event to the task's group and, when the
// task has an assigned agent context, to that agent's group as well.
func (d *Dispatcher) publishTask(task *v1.Task, kind string, data map[string]interface{}) {
	ev := bus.NewEvent(kind, data)
	ev.TaskID = task.ID
	if agentID, ok := data["agent_id"].(string); ok {
		ev.AgentID = agentID
	}
	d.bus.Publish(bus.BuildTaskGroup(task.ID), ev)
	if ev.AgentID != "" {
		agentEv := *ev
		d.bus.Publish(bus.BuildAgentGroup(ev.AgentID), &agentEv)
	}
}
