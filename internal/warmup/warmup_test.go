package warmup

import (
	"context"
	"testing"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/queue"
	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/store"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

func newCoordinator(t *testing.T) (*Coordinator, *registry.Registry, *queue.Queue) {
	t.Helper()
	log := logger.NewNop()
	st := store.NewMemoryStore()
	eventBus := bus.New(64, log)
	t.Cleanup(eventBus.Close)
	q := queue.New(st, eventBus, 0, log)
	reg := registry.New(st, eventBus, "claude-code", log)
	return New(q, reg, log), reg, q
}

func TestWarmupOneTaskPerConnectorType(t *testing.T) {
	c, reg, q := newCoordinator(t)
	ctx := context.Background()

	for _, a := range []registry.RegisterRequest{
		{ID: "a1", Name: "one", Type: "claude-code", RepositoryPath: "/repo/a"},
		{ID: "a2", Name: "two", Type: "claude-code", RepositoryPath: "/repo/b"},
		{ID: "a3", Name: "three", Type: "mock", RepositoryPath: "/repo/c"},
	} {
		if _, err := reg.Register(ctx, a); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	tasks := c.Run(ctx)
	if len(tasks) != 2 {
		t.Fatalf("len(tasks) = %d, want one per connector type", len(tasks))
	}
	for _, task := range tasks {
		if task.Priority != v1.PriorityLow {
			t.Errorf("priority = %v, want low", task.Priority)
		}
	}
	if q.Depth() != 2 {
		t.Errorf("queue depth = %d, want 2", q.Depth())
	}
}

func TestWarmupSkipsUnavailableAgents(t *testing.T) {
	c, reg, _ := newCoordinator(t)
	ctx := context.Background()

	if _, err := reg.Register(ctx, registry.RegisterRequest{ID: "a1", Name: "one", RepositoryPath: "/repo"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.MarkOffline(ctx, "a1"); err != nil {
		t.Fatalf("MarkOffline: %v", err)
	}

	if tasks := c.Run(ctx); len(tasks) != 0 {
		t.Errorf("len(tasks) = %d, want 0 for offline-only registry", len(tasks))
	}
}

func TestWarmupNoAgents(t *testing.T) {
	c, _, _ := newCoordinator(t)
	if tasks := c.Run(context.Background()); len(tasks) != 0 {
		t.Errorf("len(tasks) = %d, want 0", len(tasks))
	}
}
