package connector

import (
	"context"
	"testing"
	"time"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/common/logger"
)

func newTestManager() (*Manager, *bus.Bus) {
	eventBus := bus.New(64, logger.NewNop())
	m := NewManager(func(string) Connector { return NewSimulated() }, eventBus, logger.NewNop())
	return m, eventBus
}

func TestManagerReusesConnectorPerAgent(t *testing.T) {
	m, _ := newTestManager()

	first := m.Get("a1")
	second := m.Get("a1")
	other := m.Get("a2")

	if first != second {
		t.Error("same agent got different connectors")
	}
	if first == other {
		t.Error("different agents share a connector")
	}
}

func TestManagerExecuteEmitsSessionEvents(t *testing.T) {
	m, eventBus := newTestManager()

	sub, err := eventBus.Register("watcher")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := eventBus.JoinGroup("watcher", bus.BuildAgentSessionGroup("a1")); err != nil {
		t.Fatalf("JoinGroup: %v", err)
	}

	result, err := m.Execute(context.Background(), "a1", ExecuteRequest{TaskID: "t1", Command: "work"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Errorf("result = %+v", result)
	}

	var kinds []string
	deadline := time.After(time.Second)
	for len(kinds) < 2 {
		select {
		case ev := <-sub.C:
			kinds = append(kinds, ev.Kind)
			if ev.AgentID != "a1" || ev.TaskID != "t1" {
				t.Errorf("event ids = %s/%s", ev.AgentID, ev.TaskID)
			}
		case <-deadline:
			t.Fatalf("timed out; got %v", kinds)
		}
	}
	if kinds[0] != bus.SessionCreated || kinds[1] != bus.SessionDisconnected {
		t.Errorf("kinds = %v", kinds)
	}
}

func TestManagerExecuteFailureEmitsSessionError(t *testing.T) {
	m, eventBus := newTestManager()

	sub, _ := eventBus.Register("watcher")
	if err := eventBus.JoinGroup("watcher", bus.BuildAgentSessionGroup("a1")); err != nil {
		t.Fatalf("JoinGroup: %v", err)
	}

	if _, err := m.Execute(context.Background(), "a1", ExecuteRequest{Command: "fail it"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	sawError := false
	deadline := time.After(time.Second)
	for !sawError {
		select {
		case ev := <-sub.C:
			if ev.Kind == bus.SessionError {
				sawError = true
			}
			if ev.Kind == bus.SessionDisconnected && !sawError {
				t.Fatal("session error not emitted before disconnect")
			}
		case <-deadline:
			t.Fatal("timed out waiting for session error")
		}
	}
}

func TestManagerInterveneWithoutConnector(t *testing.T) {
	m, _ := newTestManager()
	if err := m.Intervene("ghost", "hello"); err == nil {
		t.Error("expected error for unknown agent")
	}
}
