// Package connector executes tasks against coding agent backends. The
// subprocess connector drives the Claude Code CLI; the simulated connector
// stands in for it in tests and dry runs.
package connector

import (
	"context"
	"time"

	"github.com/agentmux/agentmux/pkg/claudecode"
)

// Connector kinds
const (
	KindSubprocess = "subprocess"
	KindSimulated  = "simulated"
)

// SessionState tracks the lifecycle of a connector's backend session.
type SessionState string

const (
	SessionDisconnected  SessionState = "DISCONNECTED"
	SessionConnecting    SessionState = "CONNECTING"
	SessionConnected     SessionState = "CONNECTED"
	SessionDisconnecting SessionState = "DISCONNECTING"
	SessionError         SessionState = "ERROR"
)

// ExecuteRequest carries one command execution.
type ExecuteRequest struct {
	TaskID         string
	Command        string
	RepositoryPath string
	// SessionID resumes a prior conversation when non-empty.
	SessionID string
	// Timeout bounds the whole run; zero means the connector default.
	Timeout time.Duration
	// OnMessage receives every streamed protocol message, including the
	// final result. May be nil.
	OnMessage func(msg *claudecode.Message)
}

// CommandResult is the outcome of one execution.
type CommandResult struct {
	Success           bool
	Output            string
	ErrorMessage      string
	SessionID         string
	DurationMS        int64
	CostUSD           float64
	NumTurns          int
	PermissionDenials int
	TimedOut          bool
}

// Connector executes commands against one agent backend. Implementations
// allow a bounded number of concurrent executions (one, for the CLI) and
// return Busy beyond that.
type Connector interface {
	Kind() string
	State() SessionState
	Execute(ctx context.Context, req ExecuteRequest) (*CommandResult, error)
	// Intervene delivers a user message into the currently running session.
	Intervene(content string) error
	Close(ctx context.Context) error
}
