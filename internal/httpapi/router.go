// Package httpapi exposes the orchestrator over HTTP: the agent and task
// verbs, the diagnostics state endpoint, prometheus metrics, and the
// WebSocket upgrade for client sessions.
package httpapi

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentmux/agentmux/internal/common/logger"
)

// SetupRouter builds the gin engine with all routes attached.
func SetupRouter(h *Handler, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", h.ServeWS)

	api := router.Group("/api/v1")
	{
		agents := api.Group("/agents")
		{
			agents.POST("", h.RegisterAgent)
			agents.GET("", h.ListAgents)
			agents.GET("/:agentId", h.GetAgent)
			agents.POST("/:agentId/heartbeat", h.HeartbeatAgent)
			agents.DELETE("/:agentId", h.DeregisterAgent)
		}

		tasks := api.Group("/tasks")
		{
			tasks.POST("", h.EnqueueTask)
			tasks.GET("/:taskId", h.GetTask)
			tasks.POST("/:taskId/cancel", h.CancelTask)
			tasks.GET("", h.ListTasks)
		}

		api.GET("/state", h.GetState)
	}

	return router
}
