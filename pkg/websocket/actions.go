package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Agent actions
	ActionAgentList      = "agent.list"
	ActionAgentGet       = "agent.get"
	ActionAgentJoin      = "agent.join"
	ActionAgentLeave     = "agent.leave"
	ActionAgentCommand   = "agent.command"
	ActionAgentIntervene = "agent.intervene"

	// Task actions
	ActionTaskGet    = "task.get"
	ActionTaskCancel = "task.cancel"

	// Orchestrator actions
	ActionStateGet   = "state.get"
	ActionQueueDepth = "queue.depth"

	// Notification actions (server -> client)
	ActionEvent = "event"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
