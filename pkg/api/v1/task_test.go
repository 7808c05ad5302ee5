package v1

import "testing"

func TestTaskTransitions(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		ok       bool
	}{
		{TaskStatusPending, TaskStatusAssigned, true},
		{TaskStatusPending, TaskStatusCancelled, true},
		{TaskStatusPending, TaskStatusInProgress, false},
		{TaskStatusPending, TaskStatusCompleted, false},
		{TaskStatusAssigned, TaskStatusInProgress, true},
		{TaskStatusAssigned, TaskStatusCancelled, true},
		{TaskStatusAssigned, TaskStatusCompleted, false},
		{TaskStatusInProgress, TaskStatusCompleted, true},
		{TaskStatusInProgress, TaskStatusFailed, true},
		{TaskStatusInProgress, TaskStatusCancelled, true},
		{TaskStatusInProgress, TaskStatusPending, false},
		// Terminal states are sinks.
		{TaskStatusCompleted, TaskStatusPending, false},
		{TaskStatusFailed, TaskStatusPending, false},
		{TaskStatusCancelled, TaskStatusAssigned, false},
		{TaskStatusCompleted, TaskStatusFailed, false},
	}

	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.ok {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestAgentTransitions(t *testing.T) {
	cases := []struct {
		from, to AgentStatus
		ok       bool
	}{
		{AgentStatusIdle, AgentStatusBusy, true},
		{AgentStatusIdle, AgentStatusOffline, true},
		{AgentStatusIdle, AgentStatusError, true},
		{AgentStatusBusy, AgentStatusIdle, true},
		{AgentStatusBusy, AgentStatusError, true},
		{AgentStatusBusy, AgentStatusOffline, true},
		{AgentStatusError, AgentStatusIdle, true},
		{AgentStatusError, AgentStatusOffline, true},
		{AgentStatusError, AgentStatusBusy, false},
		{AgentStatusOffline, AgentStatusIdle, true},
		{AgentStatusOffline, AgentStatusBusy, false},
		{AgentStatusOffline, AgentStatusError, false},
	}

	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.ok {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.ok)
		}
	}

	// Self-transitions are no-ops and always legal.
	for _, s := range []AgentStatus{AgentStatusIdle, AgentStatusBusy, AgentStatusError, AgentStatusOffline} {
		if !s.CanTransitionTo(s) {
			t.Errorf("%s -> %s: self transition should be allowed", s, s)
		}
	}
}

func TestTaskTerminal(t *testing.T) {
	terminal := map[TaskStatus]bool{
		TaskStatusPending:    false,
		TaskStatusAssigned:   false,
		TaskStatusInProgress: false,
		TaskStatusCompleted:  true,
		TaskStatusFailed:     true,
		TaskStatusCancelled:  true,
	}
	for s, want := range terminal {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}

func TestParsePriority(t *testing.T) {
	if ParsePriority("critical") != PriorityCritical {
		t.Error("expected critical")
	}
	if ParsePriority("") != PriorityNormal {
		t.Error("empty should default to normal")
	}
	if ParsePriority("bogus") != PriorityNormal {
		t.Error("unknown should default to normal")
	}
	if PriorityCritical <= PriorityHigh || PriorityHigh <= PriorityNormal || PriorityNormal <= PriorityLow {
		t.Error("priority ordering broken")
	}
}
