package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/bus"
	apperrors "github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/store"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

func newTestRegistry(t *testing.T) (*Registry, store.Store, *bus.Bus) {
	t.Helper()
	st := store.NewMemoryStore()
	eventBus := bus.New(64, logger.NewNop())
	t.Cleanup(eventBus.Close)
	return New(st, eventBus, "claude-code", logger.NewNop()), st, eventBus
}

func TestRegisterAssignsDefaults(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	agent, err := r.Register(context.Background(), RegisterRequest{Name: "dev agent", RepositoryPath: "/repo"})
	require.NoError(t, err)

	assert.NotEmpty(t, agent.ID)
	assert.Equal(t, "claude-code", agent.Type)
	assert.Equal(t, v1.AgentStatusIdle, agent.Status)
	assert.False(t, agent.LastHeartbeat.IsZero())
}

func TestRegisterRequiresName(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	_, err := r.Register(context.Background(), RegisterRequest{})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
}

func TestRegisterIsIdempotent(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.Register(ctx, RegisterRequest{ID: "a1", Name: "one", RepositoryPath: "/repo"})
	require.NoError(t, err)

	second, err := r.Register(ctx, RegisterRequest{ID: "a1", Name: "renamed", RepositoryPath: "/repo/two"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "renamed", second.Name)
	assert.Equal(t, "/repo/two", second.RepositoryPath)
	assert.Len(t, r.List(), 1)
}

func TestRegisterRestoresDeregisteredAgent(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, RegisterRequest{ID: "a1", Name: "one"})
	require.NoError(t, err)
	require.NoError(t, r.Deregister(ctx, "a1"))
	assert.Empty(t, r.List())

	restored, err := r.Register(ctx, RegisterRequest{ID: "a1", Name: "one again"})
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusIdle, restored.Status)
	assert.False(t, restored.SoftDeleted)
	assert.Len(t, r.List(), 1)
}

func TestDeregisterBusyAgentRejected(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, RegisterRequest{ID: "a1", Name: "one"})
	require.NoError(t, err)
	_, err = r.ClaimForTask(ctx, "a1", "t1")
	require.NoError(t, err)

	err = r.Deregister(ctx, "a1")
	assert.True(t, apperrors.IsBusy(err))
}

func TestHeartbeatUpdatesLivenessAndStatus(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	registered, err := r.Register(ctx, RegisterRequest{ID: "a1", Name: "one"})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	after, err := r.Heartbeat(ctx, "a1", "", nil)
	require.NoError(t, err)
	assert.True(t, after.LastHeartbeat.After(registered.LastHeartbeat))
	assert.Equal(t, v1.AgentStatusIdle, after.Status)

	// An agent may report Error on its own.
	after, err = r.Heartbeat(ctx, "a1", v1.AgentStatusError, nil)
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusError, after.Status)
}

func TestHeartbeatRejectsIllegalTransition(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, RegisterRequest{ID: "a1", Name: "one"})
	require.NoError(t, err)

	// Idle -> Busy is reserved for the dispatcher's claim, but allowed by
	// the transition map; Error -> Busy is not.
	_, err = r.Heartbeat(ctx, "a1", v1.AgentStatusError, nil)
	require.NoError(t, err)
	_, err = r.Heartbeat(ctx, "a1", v1.AgentStatusBusy, nil)
	assert.True(t, apperrors.IsInvalidTransition(err))
}

func TestHeartbeatValidatesCurrentTask(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, RegisterRequest{ID: "a1", Name: "one"})
	require.NoError(t, err)

	// An idle agent reporting no task is consistent.
	none := ""
	_, err = r.Heartbeat(ctx, "a1", "", &none)
	require.NoError(t, err)

	// Reporting a task the registry never assigned is rejected.
	ghost := "t-ghost"
	_, err = r.Heartbeat(ctx, "a1", "", &ghost)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConstraintViolation))

	// Once claimed, only the pinned task is acceptable.
	_, err = r.ClaimForTask(ctx, "a1", "t1")
	require.NoError(t, err)
	pinned := "t1"
	_, err = r.Heartbeat(ctx, "a1", "", &pinned)
	require.NoError(t, err)
	_, err = r.Heartbeat(ctx, "a1", "", &none)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConstraintViolation))
}

func TestClaimAndReleaseRefreshHeartbeat(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, RegisterRequest{ID: "a1", Name: "one"})
	require.NoError(t, err)

	r.mu.Lock()
	r.agents["a1"].LastHeartbeat = time.Now().UTC().Add(-time.Hour)
	r.mu.Unlock()

	claimed, err := r.ClaimForTask(ctx, "a1", "t1")
	require.NoError(t, err)
	assert.Less(t, time.Since(claimed.LastHeartbeat), time.Minute,
		"claiming is orchestrator-driven activity and counts as liveness")

	r.mu.Lock()
	r.agents["a1"].LastHeartbeat = time.Now().UTC().Add(-time.Hour)
	r.mu.Unlock()

	require.NoError(t, r.Release(ctx, "a1", v1.AgentStatusIdle))
	got, err := r.Get("a1")
	require.NoError(t, err)
	assert.Less(t, time.Since(got.LastHeartbeat), time.Minute)
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, err := r.Heartbeat(context.Background(), "ghost", "", nil)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestClaimForTaskIsExclusive(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, RegisterRequest{ID: "a1", Name: "one"})
	require.NoError(t, err)

	claimed, err := r.ClaimForTask(ctx, "a1", "t1")
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusBusy, claimed.Status)
	require.NotNil(t, claimed.CurrentTaskID)
	assert.Equal(t, "t1", *claimed.CurrentTaskID)

	_, err = r.ClaimForTask(ctx, "a1", "t2")
	assert.True(t, apperrors.IsBusy(err))

	require.NoError(t, r.Release(ctx, "a1", v1.AgentStatusIdle))
	got, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusIdle, got.Status)
	assert.Nil(t, got.CurrentTaskID)
}

func TestFindAvailableForRepository(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, RegisterRequest{ID: "match", Name: "m", RepositoryPath: "/repo/one"})
	require.NoError(t, err)
	_, err = r.Register(ctx, RegisterRequest{ID: "other", Name: "o", RepositoryPath: "/repo/two"})
	require.NoError(t, err)
	_, err = r.Register(ctx, RegisterRequest{ID: "floating", Name: "f"})
	require.NoError(t, err)

	ids := func(agents []*v1.Agent) map[string]bool {
		out := make(map[string]bool, len(agents))
		for _, a := range agents {
			out[a.ID] = true
		}
		return out
	}

	found := ids(r.FindAvailableForRepository("/repo/one"))
	assert.True(t, found["match"])
	assert.True(t, found["floating"], "agent without a repository accepts any task")
	assert.False(t, found["other"])

	// Subdirectory of an agent's repository still matches.
	found = ids(r.FindAvailableForRepository("/repo/one/pkg/sub"))
	assert.True(t, found["match"])

	// Busy agents are excluded.
	_, err = r.ClaimForTask(ctx, "match", "t1")
	require.NoError(t, err)
	found = ids(r.FindAvailableForRepository("/repo/one"))
	assert.False(t, found["match"])
}

func TestFindAvailableOrdersByOldestHeartbeat(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"young", "old", "middle"} {
		_, err := r.Register(ctx, RegisterRequest{ID: id, Name: id})
		require.NoError(t, err)
	}
	r.mu.Lock()
	r.agents["old"].LastHeartbeat = time.Now().UTC().Add(-time.Hour)
	r.agents["middle"].LastHeartbeat = time.Now().UTC().Add(-time.Minute)
	r.mu.Unlock()

	agents := r.FindAvailableForRepository("")
	require.Len(t, agents, 3)
	assert.Equal(t, "old", agents[0].ID)
	assert.Equal(t, "middle", agents[1].ID)
	assert.Equal(t, "young", agents[2].ID)
}

// gateStore stalls UpsertAgent while armed, exposing what the registry keeps
// locked during store writes.
type gateStore struct {
	store.Store
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func (g *gateStore) UpsertAgent(ctx context.Context, agent *v1.Agent) error {
	g.mu.Lock()
	armed := g.armed
	g.mu.Unlock()
	if armed {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.Store.UpsertAgent(ctx, agent)
}

func TestRegistryReadableDuringStoreWrite(t *testing.T) {
	gate := &gateStore{
		Store:   store.NewMemoryStore(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	r := New(gate, nil, "claude-code", logger.NewNop())
	ctx := context.Background()

	_, err := r.Register(ctx, RegisterRequest{ID: "a1", Name: "one"})
	require.NoError(t, err)

	gate.mu.Lock()
	gate.armed = true
	gate.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := r.Heartbeat(ctx, "a1", "", nil)
		done <- err
	}()
	<-gate.entered

	// Reads must answer while the store write is still in flight.
	read := make(chan struct{})
	go func() {
		_, _ = r.Get("a1")
		_ = r.List()
		close(read)
	}()
	select {
	case <-read:
	case <-time.After(time.Second):
		t.Fatal("reads blocked behind the store write")
	}

	close(gate.release)
	require.NoError(t, <-done)
}

func TestProvisionCreatesAutoAgent(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	agent, err := r.Provision(context.Background(), "/repo/new")
	require.NoError(t, err)
	assert.Contains(t, agent.ID, "auto-")
	assert.Equal(t, "/repo/new", agent.RepositoryPath)
	assert.Equal(t, v1.AgentStatusIdle, agent.Status)
}

func TestMarkOfflineEmitsEvent(t *testing.T) {
	r, _, eventBus := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, RegisterRequest{ID: "a1", Name: "one"})
	require.NoError(t, err)

	sub, err := eventBus.Register("watcher")
	require.NoError(t, err)
	require.NoError(t, eventBus.JoinGroup("watcher", bus.BuildAgentGroup("a1")))

	require.NoError(t, r.MarkOffline(ctx, "a1"))

	var kinds []string
	deadline := time.After(time.Second)
	for len(kinds) < 2 {
		select {
		case ev := <-sub.C:
			kinds = append(kinds, ev.Kind)
		case <-deadline:
			t.Fatalf("timed out; got %v", kinds)
		}
	}
	assert.Contains(t, kinds, bus.AgentStatusChanged)
	assert.Contains(t, kinds, bus.AgentOffline)
}

func TestHydrateResetsBusyAgents(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	taskID := "t1"
	busyAgent := &v1.Agent{
		ID:            "a1",
		Name:          "one",
		Type:          "claude-code",
		Status:        v1.AgentStatusBusy,
		CurrentTaskID: &taskID,
		LastHeartbeat: time.Now().UTC(),
	}
	require.NoError(t, st.UpsertAgent(ctx, busyAgent))

	r := New(st, bus.New(8, logger.NewNop()), "claude-code", logger.NewNop())
	require.NoError(t, r.Hydrate(ctx))

	got, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusIdle, got.Status)
	assert.Nil(t, got.CurrentTaskID)
}

func TestSweeperMarksStaleAgentsOffline(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, RegisterRequest{ID: "stale", Name: "s"})
	require.NoError(t, err)
	_, err = r.Register(ctx, RegisterRequest{ID: "fresh", Name: "f"})
	require.NoError(t, err)

	// Backdate the stale agent's heartbeat directly.
	r.mu.Lock()
	r.agents["stale"].LastHeartbeat = time.Now().UTC().Add(-time.Hour)
	r.mu.Unlock()

	sweeper := NewSweeper(r, 90*time.Second)
	sweeper.sweep(ctx)

	stale, err := r.Get("stale")
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusOffline, stale.Status)

	fresh, err := r.Get("fresh")
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusIdle, fresh.Status)

	persisted, err := st.GetAgent(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusOffline, persisted.Status)
}

func TestSweeperSparesBusyAgents(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, RegisterRequest{ID: "a1", Name: "one"})
	require.NoError(t, err)
	_, err = r.ClaimForTask(ctx, "a1", "t1")
	require.NoError(t, err)

	// A dispatched command may legitimately run past the heartbeat timeout.
	r.mu.Lock()
	r.agents["a1"].LastHeartbeat = time.Now().UTC().Add(-time.Hour)
	r.mu.Unlock()

	NewSweeper(r, 90*time.Second).sweep(ctx)

	got, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusBusy, got.Status)
	require.NotNil(t, got.CurrentTaskID)
}
