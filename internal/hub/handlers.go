package hub

import (
	"context"
	"errors"

	"go.uber.org/zap"

	apperrors "github.com/agentmux/agentmux/internal/common/errors"
	ws "github.com/agentmux/agentmux/pkg/websocket"
)

// AgentRef is the payload for actions addressing a single agent.
type AgentRef struct {
	AgentID string `json:"agent_id"`
}

// TaskRef is the payload for actions addressing a single task.
type TaskRef struct {
	TaskID string `json:"task_id"`
}

// HandleMessage processes one inbound message for a session. Actions that
// need the session identity are handled here; the rest go through the
// dispatcher. The returned message is the reply to send, if any.
func (h *Hub) HandleMessage(ctx context.Context, s *Session, msg *ws.Message) *ws.Message {
	switch msg.Action {
	case ws.ActionAgentJoin:
		return h.handleJoin(s, msg)
	case ws.ActionAgentLeave:
		return h.handleLeave(s, msg)
	case ws.ActionAgentCommand:
		return h.handleCommand(ctx, s, msg)
	case ws.ActionAgentIntervene:
		return h.handleIntervene(msg)
	}

	response, err := h.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		h.logger.Error("handler error", zap.String("action", msg.Action), zap.Error(err))
		return h.errorMessage(msg, err)
	}
	return response
}

func (h *Hub) handleJoin(s *Session, msg *ws.Message) *ws.Message {
	var req AgentRef
	if err := msg.ParsePayload(&req); err != nil {
		return h.badPayload(msg, err)
	}
	if req.AgentID == "" {
		return h.validation(msg, "agent_id is required")
	}
	if err := h.JoinAgent(s.ID, req.AgentID); err != nil {
		return h.errorMessage(msg, err)
	}
	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":  true,
		"agent_id": req.AgentID,
	})
	return resp
}

func (h *Hub) handleLeave(s *Session, msg *ws.Message) *ws.Message {
	var req AgentRef
	if err := msg.ParsePayload(&req); err != nil {
		return h.badPayload(msg, err)
	}
	if req.AgentID == "" {
		return h.validation(msg, "agent_id is required")
	}
	h.LeaveAgent(s.ID, req.AgentID)
	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":  true,
		"agent_id": req.AgentID,
	})
	return resp
}

func (h *Hub) handleCommand(ctx context.Context, s *Session, msg *ws.Message) *ws.Message {
	var req CommandRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badPayload(msg, err)
	}
	task, err := h.SendCommand(ctx, s.ID, req)
	if err != nil {
		return h.errorMessage(msg, err)
	}
	resp, _ := ws.NewResponse(msg.ID, msg.Action, task)
	return resp
}

func (h *Hub) handleIntervene(msg *ws.Message) *ws.Message {
	var req InterveneRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badPayload(msg, err)
	}
	if err := h.Intervene(req); err != nil {
		return h.errorMessage(msg, err)
	}
	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":  true,
		"agent_id": req.AgentID,
	})
	return resp
}

// registerHandlers wires the stateless query actions into the dispatcher.
func (h *Hub) registerHandlers() {
	h.dispatcher.Register(ws.ActionHealthCheck, func(_ context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"status": "ok"})
	})

	h.dispatcher.Register(ws.ActionAgentList, func(_ context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, h.registry.List())
	})

	h.dispatcher.Register(ws.ActionAgentGet, func(_ context.Context, msg *ws.Message) (*ws.Message, error) {
		var req AgentRef
		if err := msg.ParsePayload(&req); err != nil {
			return h.badPayload(msg, err), nil
		}
		agent, err := h.registry.Get(req.AgentID)
		if err != nil {
			return h.errorMessage(msg, err), nil
		}
		return ws.NewResponse(msg.ID, msg.Action, agent)
	})

	h.dispatcher.Register(ws.ActionTaskGet, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req TaskRef
		if err := msg.ParsePayload(&req); err != nil {
			return h.badPayload(msg, err), nil
		}
		task, err := h.store.GetTask(ctx, req.TaskID)
		if err != nil {
			return h.errorMessage(msg, err), nil
		}
		return ws.NewResponse(msg.ID, msg.Action, task)
	})

	h.dispatcher.Register(ws.ActionTaskCancel, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req TaskRef
		if err := msg.ParsePayload(&req); err != nil {
			return h.badPayload(msg, err), nil
		}
		if err := h.queue.Cancel(ctx, req.TaskID); err != nil {
			return h.errorMessage(msg, err), nil
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"success": true,
			"task_id": req.TaskID,
		})
	})

	h.dispatcher.Register(ws.ActionQueueDepth, func(_ context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"depth": h.queue.Depth()})
	})

	h.dispatcher.Register(ws.ActionStateGet, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		if h.state == nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "state provider not configured", nil)
		}
		snapshot, err := h.state.Snapshot(ctx)
		if err != nil {
			return h.errorMessage(msg, err), nil
		}
		return ws.NewResponse(msg.ID, msg.Action, snapshot)
	})
}

func (h *Hub) badPayload(msg *ws.Message, err error) *ws.Message {
	out, _ := ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	return out
}

func (h *Hub) validation(msg *ws.Message, text string) *ws.Message {
	out, _ := ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, text, nil)
	return out
}

func (h *Hub) errorMessage(msg *ws.Message, err error) *ws.Message {
	text := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		text = appErr.Message
	}
	out, _ := ws.NewError(msg.ID, msg.Action, errorCode(err), text, nil)
	return out
}
