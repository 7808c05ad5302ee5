package diagnostics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of pending tasks in the queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentmux_queue_depth",
		Help: "Current number of pending tasks in the queue",
	})

	// TasksByStatus tracks task counts per lifecycle status.
	TasksByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentmux_tasks",
		Help: "Number of tasks per status",
	}, []string{"status"})

	// AgentsByStatus tracks registered agents per status.
	AgentsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentmux_agents",
		Help: "Number of registered agents per status",
	}, []string{"status"})

	// ClientSessions tracks connected WebSocket sessions.
	ClientSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentmux_client_sessions",
		Help: "Number of connected client sessions",
	})

	// DispatcherStalledMetric is 1 while the dispatcher is backing off a
	// storage outage.
	DispatcherStalledMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentmux_dispatcher_stalled",
		Help: "Whether the dispatcher is stalled on storage (0 or 1)",
	})

	// CommandsExecuted counts finished command executions by outcome.
	CommandsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmux_commands_executed_total",
		Help: "Total commands executed by outcome",
	}, []string{"outcome"})
)
