package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/diagnostics"
	"github.com/agentmux/agentmux/internal/hub"
	"github.com/agentmux/agentmux/internal/queue"
	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/store"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// Handler contains the HTTP handlers for the orchestrator API.
type Handler struct {
	registry *registry.Registry
	queue    *queue.Queue
	store    store.Store
	view     *diagnostics.View
	hub      *hub.Hub
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(reg *registry.Registry, q *queue.Queue, st store.Store, view *diagnostics.View, h *hub.Hub, log *logger.Logger) *Handler {
	return &Handler{
		registry: reg,
		queue:    q,
		store:    st,
		view:     view,
		hub:      h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: log.WithFields(zap.String("component", "httpapi")),
	}
}

// Health returns liveness.
// GET /healthz
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RegisterAgent registers or re-registers an agent.
// POST /api/v1/agents
func (h *Handler) RegisterAgent(c *gin.Context) {
	var req registry.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.InvalidInput(err.Error()))
		return
	}

	agent, err := h.registry.Register(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

// ListAgents returns all registered agents.
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": h.registry.List()})
}

// GetAgent returns one agent.
// GET /api/v1/agents/:agentId
func (h *Handler) GetAgent(c *gin.Context) {
	agent, err := h.registry.Get(c.Param("agentId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// HeartbeatRequest optionally carries a status change and the agent's view
// of its current task with the liveness refresh. CurrentTask is a pointer so
// "not reported" and "reporting no task" stay distinguishable.
type HeartbeatRequest struct {
	Status      string  `json:"status"`
	CurrentTask *string `json:"current_task"`
}

// HeartbeatAgent refreshes an agent's liveness.
// POST /api/v1/agents/:agentId/heartbeat
func (h *Handler) HeartbeatAgent(c *gin.Context) {
	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// Empty body means liveness only.
		req = HeartbeatRequest{}
	}

	agent, err := h.registry.Heartbeat(c.Request.Context(), c.Param("agentId"), v1.AgentStatus(req.Status), req.CurrentTask)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// DeregisterAgent soft-deletes an agent.
// DELETE /api/v1/agents/:agentId
func (h *Handler) DeregisterAgent(c *gin.Context) {
	if err := h.registry.Deregister(c.Request.Context(), c.Param("agentId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// EnqueueTaskRequest is the POST /tasks body.
type EnqueueTaskRequest struct {
	Command        string `json:"command"`
	RepositoryPath string `json:"repository_path"`
	Priority       string `json:"priority"`
}

// EnqueueTask adds a task to the queue.
// POST /api/v1/tasks
func (h *Handler) EnqueueTask(c *gin.Context) {
	var req EnqueueTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.InvalidInput(err.Error()))
		return
	}

	task, err := h.queue.Enqueue(c.Request.Context(), queue.EnqueueRequest{
		Command:        req.Command,
		RepositoryPath: req.RepositoryPath,
		Priority:       v1.ParsePriority(req.Priority),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, task)
}

// GetTask returns one task.
// GET /api/v1/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.store.GetTask(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// CancelTask cancels a pending task.
// POST /api/v1/tasks/:taskId/cancel
func (h *Handler) CancelTask(c *gin.Context) {
	taskID := c.Param("taskId")
	if err := h.queue.Cancel(c.Request.Context(), taskID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "task_id": taskID})
}

// ListTasks filters tasks by status or repository.
// GET /api/v1/tasks?status=...&repository=...
func (h *Handler) ListTasks(c *gin.Context) {
	ctx := c.Request.Context()

	if status := c.Query("status"); status != "" {
		tasks, err := h.store.ListTasksByStatus(ctx, v1.TaskStatus(status))
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tasks": tasks, "total": len(tasks)})
		return
	}
	if repo := c.Query("repository"); repo != "" {
		tasks, err := h.store.ListTasksByRepository(ctx, repo)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tasks": tasks, "total": len(tasks)})
		return
	}
	h.respondError(c, apperrors.InvalidInput("status or repository query parameter is required"))
}

// GetState returns the diagnostics snapshot.
// GET /api/v1/state
func (h *Handler) GetState(c *gin.Context) {
	state, err := h.view.Snapshot(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// ServeWS upgrades the connection and attaches it to the session hub.
// GET /ws
func (h *Handler) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	session, err := h.hub.Connect()
	if err != nil {
		h.logger.Error("failed to create client session", zap.Error(err))
		conn.Close()
		return
	}

	client := hub.NewClient(session, conn, h.hub, h.logger)
	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

func (h *Handler) respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.logger.Error("request failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, apperrors.InternalError("internal error", err))
}
