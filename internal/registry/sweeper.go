package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// Sweeper periodically marks agents Offline when their heartbeat goes stale.
type Sweeper struct {
	registry *Registry
	timeout  time.Duration
	interval time.Duration
}

// NewSweeper creates a Sweeper. The sweep interval is a third of the
// timeout, clamped to at least one second.
func NewSweeper(r *Registry, timeout time.Duration) *Sweeper {
	interval := timeout / 3
	if interval < time.Second {
		interval = time.Second
	}
	return &Sweeper{registry: r, timeout: timeout, interval: interval}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.timeout)
	for _, agent := range s.registry.List() {
		if agent.Status == v1.AgentStatusOffline {
			continue
		}
		// An agent executing a dispatched task is alive by construction: the
		// orchestrator supervises the command and the connector bounds its
		// runtime, which may legitimately exceed the heartbeat timeout.
		if agent.Status == v1.AgentStatusBusy && agent.CurrentTaskID != nil {
			continue
		}
		if agent.LastHeartbeat.After(cutoff) {
			continue
		}
		s.registry.logger.Warn("agent heartbeat expired",
			zap.String("agent_id", agent.ID),
			zap.Time("last_heartbeat", agent.LastHeartbeat))
		if err := s.registry.MarkOffline(ctx, agent.ID); err != nil {
			s.registry.logger.Error("failed to mark agent offline",
				zap.String("agent_id", agent.ID),
				zap.Error(err))
		}
	}
}
