package diagnostics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/queue"
	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/store"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

type fixedStall bool

func (f fixedStall) Stalled() bool { return bool(f) }

type fixedSessions int

func (f fixedSessions) SessionCount() int { return int(f) }

func TestSnapshot(t *testing.T) {
	log := logger.NewNop()
	st := store.NewMemoryStore()
	eventBus := bus.New(64, log)
	defer eventBus.Close()
	q := queue.New(st, eventBus, 0, log)
	reg := registry.New(st, eventBus, "claude-code", log)
	ctx := context.Background()

	if _, err := reg.Register(ctx, registry.RegisterRequest{ID: "a1", Name: "one", RepositoryPath: "/repo"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := q.Enqueue(ctx, queue.EnqueueRequest{Command: "work", RepositoryPath: "/repo"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	view := New(st, q, reg, fixedStall(true), fixedSessions(3), log)
	state, err := view.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	if state.QueueDepth != 1 {
		t.Errorf("QueueDepth = %d, want 1", state.QueueDepth)
	}
	if state.Tasks.Pending != 1 {
		t.Errorf("Tasks.Pending = %d, want 1", state.Tasks.Pending)
	}
	if len(state.Agents) != 1 || state.Agents[0].ID != "a1" {
		t.Fatalf("Agents = %+v", state.Agents)
	}
	if state.Agents[0].Status != v1.AgentStatusIdle {
		t.Errorf("agent status = %s", state.Agents[0].Status)
	}
	if state.Agents[0].HeartbeatAgeMS < 0 {
		t.Errorf("HeartbeatAgeMS = %d", state.Agents[0].HeartbeatAgeMS)
	}
	if !state.DispatcherStalled {
		t.Error("DispatcherStalled = false")
	}
	if state.ClientSessions != 3 {
		t.Errorf("ClientSessions = %d, want 3", state.ClientSessions)
	}

	if got := testutil.ToFloat64(QueueDepth); got != 1 {
		t.Errorf("queue depth gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(DispatcherStalledMetric); got != 1 {
		t.Errorf("stalled gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(AgentsByStatus.WithLabelValues(string(v1.AgentStatusIdle))); got != 1 {
		t.Errorf("idle agents gauge = %v, want 1", got)
	}
}

func TestSnapshotWithoutOptionalSources(t *testing.T) {
	log := logger.NewNop()
	st := store.NewMemoryStore()
	eventBus := bus.New(64, log)
	defer eventBus.Close()
	q := queue.New(st, eventBus, 0, log)
	reg := registry.New(st, eventBus, "claude-code", log)

	view := New(st, q, reg, nil, nil, log)
	state, err := view.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if state.DispatcherStalled || state.ClientSessions != 0 {
		t.Errorf("state = %+v, want zero values for nil sources", state)
	}
}
