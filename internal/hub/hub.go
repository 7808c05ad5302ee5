// Package hub manages WebSocket client sessions and bridges them onto the
// event bus. Each connected client gets a bus subscriber; joining an agent
// subscribes the client to that agent's lifecycle and session groups.
package hub

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/bus"
	apperrors "github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/connector"
	"github.com/agentmux/agentmux/internal/queue"
	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/store"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
	ws "github.com/agentmux/agentmux/pkg/websocket"
)

// StateProvider supplies the orchestrator state snapshot served by state.get.
type StateProvider interface {
	Snapshot(ctx context.Context) (interface{}, error)
}

// StateProviderFunc adapts a function to the StateProvider interface.
type StateProviderFunc func(ctx context.Context) (interface{}, error)

// Snapshot implements StateProvider.
func (f StateProviderFunc) Snapshot(ctx context.Context) (interface{}, error) { return f(ctx) }

// Hub manages all WebSocket client sessions.
type Hub struct {
	registry   *registry.Registry
	queue      *queue.Queue
	connectors *connector.Manager
	store      store.Store
	bus        *bus.Bus
	dispatcher *ws.Dispatcher
	state      StateProvider

	mu       sync.RWMutex
	sessions map[string]*Session

	logger *logger.Logger
}

// New creates a Hub and registers the stateless action handlers.
func New(reg *registry.Registry, q *queue.Queue, conns *connector.Manager, st store.Store, eventBus *bus.Bus, log *logger.Logger) *Hub {
	h := &Hub{
		registry:   reg,
		queue:      q,
		connectors: conns,
		store:      st,
		bus:        eventBus,
		dispatcher: ws.NewDispatcher(),
		sessions:   make(map[string]*Session),
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
	h.registerHandlers()
	return h
}

// SetStateProvider wires the diagnostics snapshot into state.get.
func (h *Hub) SetStateProvider(p StateProvider) {
	h.state = p
}

// Connect creates a new client session with its own bus subscriber and
// starts pumping events to it.
func (h *Hub) Connect() (*Session, error) {
	id := "ws-" + uuid.New().String()[:8]
	sub, err := h.bus.Register(id)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:     id,
		send:   make(chan []byte, sendBuffer),
		sub:    sub,
		joined: make(map[string]bool),
	}

	h.mu.Lock()
	h.sessions[id] = s
	h.mu.Unlock()

	go h.pumpEvents(s)

	h.logger.Debug("client session connected", zap.String("session_id", id))
	return s, nil
}

// Disconnect tears down a client session. The bus subscriber is removed,
// which ends the event pump and closes the session's send channel.
func (h *Hub) Disconnect(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s.ID]
	delete(h.sessions, s.ID)
	h.mu.Unlock()
	if !ok {
		return
	}

	h.bus.Unregister(s.ID)
	h.logger.Debug("client session disconnected", zap.String("session_id", s.ID))
}

// Session returns a connected session by ID.
func (h *Hub) Session(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

// SessionCount reports how many clients are connected.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close disconnects every session.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		h.Disconnect(s)
	}
}

// pumpEvents forwards bus events to the session as notifications. It exits
// when the subscriber channel is closed and then closes the send channel so
// the write pump can shut the connection down.
func (h *Hub) pumpEvents(s *Session) {
	for ev := range s.sub.C {
		msg, err := ws.NewNotification(ws.ActionEvent, ev)
		if err != nil {
			h.logger.Error("failed to encode event notification", zap.Error(err))
			continue
		}
		if !s.sendMessage(msg, h.logger) {
			h.logger.Warn("event for closed session discarded",
				zap.String("session_id", s.ID),
				zap.String("kind", ev.Kind))
		}
	}
	s.closeSend()
}

// JoinAgent subscribes the session to an agent's lifecycle and session
// output groups.
func (h *Hub) JoinAgent(sessionID, agentID string) error {
	if _, err := h.registry.Get(agentID); err != nil {
		return err
	}
	if err := h.bus.JoinGroup(sessionID, bus.BuildAgentGroup(agentID)); err != nil {
		return err
	}
	if err := h.bus.JoinGroup(sessionID, bus.BuildAgentSessionGroup(agentID)); err != nil {
		return err
	}

	if s, ok := h.Session(sessionID); ok {
		s.mu.Lock()
		s.joined[agentID] = true
		s.mu.Unlock()
	}
	return nil
}

// LeaveAgent removes the session from an agent's groups.
func (h *Hub) LeaveAgent(sessionID, agentID string) {
	h.bus.LeaveGroup(sessionID, bus.BuildAgentGroup(agentID))
	h.bus.LeaveGroup(sessionID, bus.BuildAgentSessionGroup(agentID))

	if s, ok := h.Session(sessionID); ok {
		s.mu.Lock()
		delete(s.joined, agentID)
		s.mu.Unlock()
	}
}

// CommandRequest is the payload for agent.command.
type CommandRequest struct {
	AgentID  string `json:"agent_id"`
	Command  string `json:"command"`
	Priority string `json:"priority,omitempty"`
}

// SendCommand enqueues a task for the named agent's repository, tagged with
// the originating session. The session is also joined to the task's group so
// it receives the task lifecycle events.
func (h *Hub) SendCommand(ctx context.Context, sessionID string, req CommandRequest) (*v1.Task, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return nil, apperrors.InvalidInput("agent_id is required")
	}
	agent, err := h.registry.Get(req.AgentID)
	if err != nil {
		return nil, err
	}

	task, err := h.queue.Enqueue(ctx, queue.EnqueueRequest{
		Command:            req.Command,
		RepositoryPath:     agent.RepositoryPath,
		Priority:           v1.ParsePriority(req.Priority),
		OriginSubscriberID: sessionID,
	})
	if err != nil {
		return nil, err
	}

	if err := h.bus.JoinGroup(sessionID, bus.BuildTaskGroup(task.ID)); err != nil {
		h.logger.Warn("failed to join task group",
			zap.String("session_id", sessionID),
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
	return task, nil
}

// InterveneRequest is the payload for agent.intervene.
type InterveneRequest struct {
	AgentID string `json:"agent_id"`
	Content string `json:"content"`
}

// Intervene forwards a user message into the agent's running session.
func (h *Hub) Intervene(req InterveneRequest) error {
	if strings.TrimSpace(req.AgentID) == "" {
		return apperrors.InvalidInput("agent_id is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return apperrors.InvalidInput("content is required")
	}
	return h.connectors.Intervene(req.AgentID, req.Content)
}

// errorCode maps an application error onto the wire-level error code.
func errorCode(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case apperrors.ErrCodeNotFound:
			return ws.ErrorCodeNotFound
		case apperrors.ErrCodeInvalidInput, apperrors.ErrCodeInvalidTransition, apperrors.ErrCodeQueueFull:
			return ws.ErrorCodeValidation
		}
		return appErr.Code
	}
	return ws.ErrorCodeInternalError
}
