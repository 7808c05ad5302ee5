package connector

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/bus"
	apperrors "github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
)

// Factory builds a connector for one agent.
type Factory func(agentID string) Connector

// Manager owns one connector per agent, created lazily on first execution,
// and publishes session lifecycle events around each run.
type Manager struct {
	mu         sync.Mutex
	connectors map[string]Connector

	factory Factory
	bus     *bus.Bus
	logger  *logger.Logger
}

// NewManager creates a Manager using factory for new agents.
func NewManager(factory Factory, eventBus *bus.Bus, log *logger.Logger) *Manager {
	return &Manager{
		connectors: make(map[string]Connector),
		factory:    factory,
		bus:        eventBus,
		logger:     log,
	}
}

// Get returns the agent's connector, creating it if needed.
func (m *Manager) Get(agentID string) Connector {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.connectors[agentID]
	if !ok {
		conn = m.factory(agentID)
		m.connectors[agentID] = conn
		m.logger.Debug("connector created",
			zap.String("agent_id", agentID),
			zap.String("kind", conn.Kind()))
	}
	return conn
}

// Execute runs a command on the agent's connector, bracketed by session
// lifecycle events on the agent's session group.
func (m *Manager) Execute(ctx context.Context, agentID string, req ExecuteRequest) (*CommandResult, error) {
	conn := m.Get(agentID)
	group := bus.BuildAgentSessionGroup(agentID)

	m.publish(group, agentID, req.TaskID, bus.SessionCreated, map[string]interface{}{
		"kind": conn.Kind(),
	})

	result, err := conn.Execute(ctx, req)

	if err != nil || (result != nil && result.ErrorMessage != "" && !result.Success) {
		data := map[string]interface{}{}
		if err != nil {
			data["error"] = err.Error()
		} else {
			data["error"] = result.ErrorMessage
		}
		m.publish(group, agentID, req.TaskID, bus.SessionError, data)
	}
	m.publish(group, agentID, req.TaskID, bus.SessionDisconnected, nil)

	return result, err
}

// Intervene forwards a user message into the agent's active session.
func (m *Manager) Intervene(agentID, content string) error {
	m.mu.Lock()
	conn, ok := m.connectors[agentID]
	m.mu.Unlock()

	if !ok {
		return apperrors.InvalidInput("no active session to intervene in")
	}
	return conn.Intervene(content)
}

// CloseAll tears down every connector.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	conns := make([]Connector, 0, len(m.connectors))
	for _, c := range m.connectors {
		conns = append(conns, c)
	}
	m.connectors = make(map[string]Connector)
	m.mu.Unlock()

	for _, c := range conns {
		if err := c.Close(ctx); err != nil {
			m.logger.Warn("connector close failed", zap.Error(err))
		}
	}
}

func (m *Manager) publish(group, agentID, taskID, kind string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	ev := bus.NewEvent(kind, data)
	ev.AgentID = agentID
	ev.TaskID = taskID
	m.bus.Publish(group, ev)
}
