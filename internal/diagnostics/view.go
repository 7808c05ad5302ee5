// Package diagnostics exposes a read-only view of orchestrator health:
// queue depth, task and agent counts, heartbeat ages, and the dispatcher
// stall flag, as both a snapshot struct and prometheus metrics.
package diagnostics

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/queue"
	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/store"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// StallReporter reports whether dispatch is stalled on storage.
type StallReporter interface {
	Stalled() bool
}

// SessionCounter reports how many client sessions are connected.
type SessionCounter interface {
	SessionCount() int
}

// AgentHealth is one agent's row in the snapshot.
type AgentHealth struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Status         v1.AgentStatus `json:"status"`
	RepositoryPath string         `json:"repository_path"`
	HeartbeatAgeMS int64          `json:"heartbeat_age_ms"`
	CurrentTaskID  *string        `json:"current_task_id,omitempty"`
}

// State is a point-in-time snapshot of the orchestrator.
type State struct {
	Timestamp         time.Time          `json:"timestamp"`
	QueueDepth        int                `json:"queue_depth"`
	Tasks             store.StatusCounts `json:"tasks"`
	Agents            []AgentHealth      `json:"agents"`
	ClientSessions    int                `json:"client_sessions"`
	DispatcherStalled bool               `json:"dispatcher_stalled"`
}

// View assembles snapshots and keeps the prometheus gauges current.
type View struct {
	store      store.Store
	queue      *queue.Queue
	registry   *registry.Registry
	dispatcher StallReporter
	sessions   SessionCounter
	logger     *logger.Logger
}

// New creates a View. dispatcher and sessions may be nil.
func New(st store.Store, q *queue.Queue, reg *registry.Registry, d StallReporter, s SessionCounter, log *logger.Logger) *View {
	return &View{
		store:      st,
		queue:      q,
		registry:   reg,
		dispatcher: d,
		sessions:   s,
		logger:     log.WithFields(zap.String("component", "diagnostics")),
	}
}

// Snapshot collects the current state and updates the gauges.
func (v *View) Snapshot(ctx context.Context) (*State, error) {
	counts, err := v.store.CountTasksByStatus(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	state := &State{
		Timestamp:  now,
		QueueDepth: v.queue.Depth(),
		Tasks:      counts,
	}

	agentStatuses := make(map[string]int)
	for _, agent := range v.registry.List() {
		state.Agents = append(state.Agents, AgentHealth{
			ID:             agent.ID,
			Name:           agent.Name,
			Status:         agent.Status,
			RepositoryPath: agent.RepositoryPath,
			HeartbeatAgeMS: now.Sub(agent.LastHeartbeat).Milliseconds(),
			CurrentTaskID:  agent.CurrentTaskID,
		})
		agentStatuses[string(agent.Status)]++
	}

	if v.dispatcher != nil {
		state.DispatcherStalled = v.dispatcher.Stalled()
	}
	if v.sessions != nil {
		state.ClientSessions = v.sessions.SessionCount()
	}

	v.observe(state, agentStatuses)
	return state, nil
}

func (v *View) observe(state *State, agentStatuses map[string]int) {
	QueueDepth.Set(float64(state.QueueDepth))
	TasksByStatus.WithLabelValues(string(v1.TaskStatusPending)).Set(float64(state.Tasks.Pending))
	TasksByStatus.WithLabelValues(string(v1.TaskStatusAssigned)).Set(float64(state.Tasks.Assigned))
	TasksByStatus.WithLabelValues(string(v1.TaskStatusInProgress)).Set(float64(state.Tasks.InProgress))
	TasksByStatus.WithLabelValues(string(v1.TaskStatusCompleted)).Set(float64(state.Tasks.Completed))
	TasksByStatus.WithLabelValues(string(v1.TaskStatusFailed)).Set(float64(state.Tasks.Failed))
	TasksByStatus.WithLabelValues(string(v1.TaskStatusCancelled)).Set(float64(state.Tasks.Cancelled))

	AgentsByStatus.Reset()
	for status, n := range agentStatuses {
		AgentsByStatus.WithLabelValues(status).Set(float64(n))
	}

	ClientSessions.Set(float64(state.ClientSessions))
	if state.DispatcherStalled {
		DispatcherStalledMetric.Set(1)
	} else {
		DispatcherStalledMetric.Set(0)
	}
}

// Run refreshes the metrics on an interval until ctx is cancelled.
func (v *View) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := v.Snapshot(ctx); err != nil {
				v.logger.Warn("diagnostics snapshot failed", zap.Error(err))
			}
		}
	}
}
