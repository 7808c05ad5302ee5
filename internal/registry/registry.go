// Package registry tracks the live fleet of coding agents: registration,
// heartbeats, status transitions, and repository-affinity lookup.
package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/bus"
	apperrors "github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/common/pathmatch"
	"github.com/agentmux/agentmux/internal/store"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// RegisterRequest carries the fields a caller provides when announcing an
// agent. ID is optional; a UUID is assigned when empty.
type RegisterRequest struct {
	ID             string `json:"id,omitempty"`
	Name           string `json:"name"`
	Type           string `json:"type"`
	RepositoryPath string `json:"repository_path"`
}

// Registry is the authoritative in-memory view of the agent fleet, backed by
// the store. All status transitions flow through it so the transition rules
// are enforced in exactly one place. The mutex guards only the in-memory map;
// store writes happen outside it, against a snapshot taken under the lock.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*v1.Agent

	store  store.Store
	bus    *bus.Bus
	logger *logger.Logger

	defaultAgentType string
}

// New creates a Registry. Call Hydrate before serving traffic.
func New(st store.Store, eventBus *bus.Bus, defaultAgentType string, log *logger.Logger) *Registry {
	if defaultAgentType == "" {
		defaultAgentType = "claude-code"
	}
	return &Registry{
		agents:           make(map[string]*v1.Agent),
		store:            st,
		bus:              eventBus,
		logger:           log,
		defaultAgentType: defaultAgentType,
	}
}

// Hydrate loads all live agents from the store. Agents that were Busy when
// the process died come back Idle; the tasks they were running are resolved
// and replayed by the queue's own hydration.
func (r *Registry) Hydrate(ctx context.Context) error {
	agents, err := r.store.ListAgents(ctx, false)
	if err != nil {
		return err
	}

	for _, agent := range agents {
		if agent.Status != v1.AgentStatusBusy {
			continue
		}
		agent.Status = v1.AgentStatusIdle
		agent.CurrentTaskID = nil
		if err := r.store.UpsertAgent(ctx, agent); err != nil {
			return err
		}
	}

	r.mu.Lock()
	for _, agent := range agents {
		r.agents[agent.ID] = agent
	}
	r.mu.Unlock()

	r.logger.Info("registry hydrated", zap.Int("agents", len(agents)))
	return nil
}

// Register announces an agent. Registration is idempotent: re-registering an
// existing ID refreshes its metadata and heartbeat, and restores a
// soft-deleted agent. New and restored agents start Idle.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*v1.Agent, error) {
	if req.Name == "" {
		return nil, apperrors.InvalidInput("agent name is required")
	}
	if req.Type == "" {
		req.Type = r.defaultAgentType
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	// The ID may belong to a soft-deleted agent not held in memory. Resolve
	// that before taking the write lock; Register is idempotent, so a racing
	// duplicate converges on the same row.
	r.mu.RLock()
	_, known := r.agents[req.ID]
	r.mu.RUnlock()
	var stored *v1.Agent
	if !known {
		if got, err := r.store.GetAgent(ctx, req.ID); err == nil {
			stored = got
		}
	}

	now := time.Now().UTC()
	r.mu.Lock()
	agent, exists := r.agents[req.ID]
	if !exists && stored != nil {
		agent = stored
		exists = true
	}
	if exists {
		agent.Name = req.Name
		agent.Type = req.Type
		agent.RepositoryPath = req.RepositoryPath
		agent.LastHeartbeat = now
		if agent.SoftDeleted || agent.Status == v1.AgentStatusOffline {
			agent.SoftDeleted = false
			agent.Status = v1.AgentStatusIdle
			agent.CurrentTaskID = nil
		}
	} else {
		agent = &v1.Agent{
			ID:             req.ID,
			Name:           req.Name,
			Type:           req.Type,
			RepositoryPath: req.RepositoryPath,
			Status:         v1.AgentStatusIdle,
			LastHeartbeat:  now,
			CreatedAt:      now,
		}
	}
	r.agents[agent.ID] = agent
	snapshot := agent.Clone()
	r.mu.Unlock()

	if err := r.store.UpsertAgent(ctx, snapshot); err != nil {
		return nil, err
	}
	if snapshot.RepositoryPath != "" {
		r.recordRepository(ctx, snapshot.RepositoryPath)
	}

	r.logger.Info("agent registered",
		zap.String("agent_id", snapshot.ID),
		zap.String("type", snapshot.Type),
		zap.String("repository", snapshot.RepositoryPath))
	r.publish(bus.BuildAgentGroup(snapshot.ID), bus.NewEvent(bus.AgentRegistered, map[string]interface{}{
		"agent": snapshot,
	}), snapshot.ID)

	return snapshot.Clone(), nil
}

// recordRepository upserts the repository catalog entry for an agent's path.
// Failures are logged only; the catalog is advisory.
func (r *Registry) recordRepository(ctx context.Context, path string) {
	name := path
	if idx := strings.LastIndexAny(path, "/\\"); idx >= 0 && idx < len(path)-1 {
		name = path[idx+1:]
	}
	repo := &v1.Repository{Name: name, Path: path, Active: true}
	if err := r.store.UpsertRepository(ctx, repo); err != nil {
		r.logger.Warn("failed to record repository", zap.String("path", path), zap.Error(err))
	}
}

// Heartbeat refreshes an agent's liveness and optionally applies a status
// reported by the agent itself. An empty status keeps the current one. A
// non-nil currentTaskID is the agent's claim about what it is running; it
// must agree with the task the registry has pinned (empty string for none),
// or the heartbeat is rejected and the agent left unchanged.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, status v1.AgentStatus, currentTaskID *string) (*v1.Agent, error) {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok || agent.SoftDeleted {
		r.mu.Unlock()
		return nil, apperrors.NotFound("agent", agentID)
	}

	if currentTaskID != nil {
		pinned := ""
		if agent.CurrentTaskID != nil {
			pinned = *agent.CurrentTaskID
		}
		if *currentTaskID != pinned {
			r.mu.Unlock()
			return nil, apperrors.ConstraintViolation(
				"reported current task does not match the agent's assignment", nil)
		}
	}
	if status != "" && status != agent.Status {
		if !status.IsValid() {
			r.mu.Unlock()
			return nil, apperrors.InvalidInput("unknown agent status: " + string(status))
		}
		if !agent.Status.CanTransitionTo(status) {
			r.mu.Unlock()
			return nil, apperrors.InvalidTransition("agent", string(agent.Status), string(status))
		}
	}

	agent.LastHeartbeat = time.Now().UTC()
	if status != "" && status != agent.Status {
		r.applyStatusLocked(agent, status)
	}
	snapshot := agent.Clone()
	r.mu.Unlock()

	if err := r.store.UpsertAgent(ctx, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Get returns a copy of one agent.
func (r *Registry) Get(agentID string) (*v1.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok || agent.SoftDeleted {
		return nil, apperrors.NotFound("agent", agentID)
	}
	return agent.Clone(), nil
}

// List returns copies of all live agents.
func (r *Registry) List() []*v1.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]*v1.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		if agent.SoftDeleted {
			continue
		}
		agents = append(agents, agent.Clone())
	}
	return agents
}

// Deregister soft-deletes an agent. A Busy agent cannot be deregistered;
// callers must wait for or cancel its task first.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok || agent.SoftDeleted {
		r.mu.Unlock()
		return apperrors.NotFound("agent", agentID)
	}
	if agent.Status == v1.AgentStatusBusy {
		r.mu.Unlock()
		return apperrors.Busy("agent " + agentID + " is executing a task")
	}
	agent.SoftDeleted = true
	r.applyStatusLocked(agent, v1.AgentStatusOffline)
	snapshot := agent.Clone()
	r.mu.Unlock()

	if err := r.store.SoftDeleteAgent(ctx, agentID); err != nil {
		return err
	}
	if err := r.store.UpsertAgent(ctx, snapshot); err != nil {
		return err
	}
	r.logger.Info("agent deregistered", zap.String("agent_id", agentID))
	return nil
}

// ClaimForTask atomically moves an Idle agent to Busy and pins the task to
// it. Returns Busy when the agent is not available, so two dispatch workers
// can never occupy the same agent. Claiming counts as liveness: the agent is
// acting under the orchestrator's own supervision.
func (r *Registry) ClaimForTask(ctx context.Context, agentID, taskID string) (*v1.Agent, error) {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok || agent.SoftDeleted {
		r.mu.Unlock()
		return nil, apperrors.NotFound("agent", agentID)
	}
	if !agent.Available() {
		r.mu.Unlock()
		return nil, apperrors.Busy("agent " + agentID + " is not available")
	}
	agent.CurrentTaskID = &taskID
	agent.LastHeartbeat = time.Now().UTC()
	r.applyStatusLocked(agent, v1.AgentStatusBusy)
	snapshot := agent.Clone()
	r.mu.Unlock()

	if err := r.store.UpsertAgent(ctx, snapshot); err != nil {
		// Roll the in-memory state back so the agent is not stranded Busy.
		r.mu.Lock()
		if agent.CurrentTaskID != nil && *agent.CurrentTaskID == taskID {
			agent.CurrentTaskID = nil
			agent.Status = v1.AgentStatusIdle
		}
		r.mu.Unlock()
		return nil, err
	}
	return snapshot, nil
}

// Release returns an agent from Busy to the given terminal-side status
// (Idle after success, Error after a connector failure) and clears its task.
// The heartbeat is refreshed alongside: finishing a command proves liveness.
func (r *Registry) Release(ctx context.Context, agentID string, status v1.AgentStatus) error {
	if status != v1.AgentStatusIdle && status != v1.AgentStatusError {
		return apperrors.InvalidInput("release status must be IDLE or ERROR")
	}

	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return apperrors.NotFound("agent", agentID)
	}
	if agent.Status != status && !agent.Status.CanTransitionTo(status) {
		r.mu.Unlock()
		return apperrors.InvalidTransition("agent", string(agent.Status), string(status))
	}
	agent.CurrentTaskID = nil
	agent.LastHeartbeat = time.Now().UTC()
	if agent.Status != status {
		r.applyStatusLocked(agent, status)
	}
	snapshot := agent.Clone()
	r.mu.Unlock()

	return r.store.UpsertAgent(ctx, snapshot)
}

// FindAvailableForRepository returns Idle agents whose repository path
// matches repoPath, ordered oldest heartbeat first. An empty repoPath matches
// every agent; agents without a repository accept any task.
func (r *Registry) FindAvailableForRepository(repoPath string) []*v1.Agent {
	r.mu.RLock()
	var matched []*v1.Agent
	for _, agent := range r.agents {
		if agent.SoftDeleted || !agent.Available() {
			continue
		}
		if repoPath == "" || agent.RepositoryPath == "" ||
			pathmatch.Match(agent.RepositoryPath, repoPath) {
			matched = append(matched, agent.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].LastHeartbeat.Before(matched[j].LastHeartbeat)
	})
	return matched
}

// Provision creates a fresh auto-provisioned agent bound to repoPath. Used
// by the dispatcher when a task has no matching agent.
func (r *Registry) Provision(ctx context.Context, repoPath string) (*v1.Agent, error) {
	short := uuid.New().String()[:8]
	return r.Register(ctx, RegisterRequest{
		ID:             "auto-" + short,
		Name:           "auto-provisioned " + short,
		Type:           r.defaultAgentType,
		RepositoryPath: repoPath,
	})
}

// MarkError moves an agent to Error after a connector-level failure.
func (r *Registry) MarkError(ctx context.Context, agentID, reason string) error {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return apperrors.NotFound("agent", agentID)
	}
	if agent.Status == v1.AgentStatusError {
		r.mu.Unlock()
		return nil
	}
	if !agent.Status.CanTransitionTo(v1.AgentStatusError) {
		r.mu.Unlock()
		return apperrors.InvalidTransition("agent", string(agent.Status), string(v1.AgentStatusError))
	}
	agent.CurrentTaskID = nil
	r.applyStatusLocked(agent, v1.AgentStatusError)
	snapshot := agent.Clone()
	r.mu.Unlock()

	r.publish(bus.BuildAgentGroup(agentID), bus.NewEvent(bus.AgentError, map[string]interface{}{
		"reason": reason,
	}), agentID)
	return r.store.UpsertAgent(ctx, snapshot)
}

// MarkOffline moves an agent to Offline, typically after missed heartbeats.
func (r *Registry) MarkOffline(ctx context.Context, agentID string) error {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return apperrors.NotFound("agent", agentID)
	}
	if agent.Status == v1.AgentStatusOffline {
		r.mu.Unlock()
		return nil
	}
	agent.CurrentTaskID = nil
	r.applyStatusLocked(agent, v1.AgentStatusOffline)
	snapshot := agent.Clone()
	r.mu.Unlock()

	r.publish(bus.BuildAgentGroup(agentID), bus.NewEvent(bus.AgentOffline, nil), agentID)
	return r.store.UpsertAgent(ctx, snapshot)
}

// SetSessionID persists the connector session identifier reported by the
// CLI, enabling conversation resumption across restarts.
func (r *Registry) SetSessionID(ctx context.Context, agentID, sessionID string) error {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return apperrors.NotFound("agent", agentID)
	}
	agent.SessionID = &sessionID
	snapshot := agent.Clone()
	r.mu.Unlock()

	return r.store.UpsertAgent(ctx, snapshot)
}

// SessionID returns the persisted connector session for an agent, or empty.
func (r *Registry) SessionID(agentID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok || agent.SessionID == nil {
		return ""
	}
	return *agent.SessionID
}

// applyStatusLocked mutates the status and emits AgentStatusChanged. Caller
// holds the write lock and has already validated the transition. Publishing
// under the lock is fine; bus delivery never blocks.
func (r *Registry) applyStatusLocked(agent *v1.Agent, status v1.AgentStatus) {
	from := agent.Status
	agent.Status = status
	r.logger.Debug("agent status changed",
		zap.String("agent_id", agent.ID),
		zap.String("from", string(from)),
		zap.String("to", string(status)))
	r.publish(bus.BuildAgentGroup(agent.ID), bus.NewEvent(bus.AgentStatusChanged, map[string]interface{}{
		"from": string(from),
		"to":   string(status),
	}), agent.ID)
}

func (r *Registry) publish(group string, ev *bus.Event, agentID string) {
	if r.bus == nil {
		return
	}
	ev.AgentID = agentID
	r.bus.Publish(group, ev)
}
