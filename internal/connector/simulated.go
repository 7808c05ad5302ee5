package connector

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/pkg/claudecode"
)

// SimulatedConnector mimics the CLI connector without spawning processes.
// Commands containing "fail" produce a failed result; a Delay can be set to
// exercise timeouts and concurrency.
type SimulatedConnector struct {
	// Delay is how long each execution pretends to run.
	Delay time.Duration
	// FailSubstring marks commands that should fail; defaults to "fail".
	FailSubstring string

	mu            sync.Mutex
	state         SessionState
	running       bool
	sessionID     string
	interventions []string
	executed      int
}

var _ Connector = (*SimulatedConnector)(nil)

// NewSimulated creates a SimulatedConnector.
func NewSimulated() *SimulatedConnector {
	return &SimulatedConnector{
		FailSubstring: "fail",
		state:         SessionDisconnected,
	}
}

func (c *SimulatedConnector) Kind() string { return KindSimulated }

func (c *SimulatedConnector) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Executed reports how many commands have run.
func (c *SimulatedConnector) Executed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executed
}

// Interventions returns the messages delivered via Intervene.
func (c *SimulatedConnector) Interventions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.interventions...)
}

func (c *SimulatedConnector) Execute(ctx context.Context, req ExecuteRequest) (*CommandResult, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, apperrors.Busy("connector is already executing a command")
	}
	c.running = true
	c.state = SessionConnected
	if c.sessionID == "" {
		if req.SessionID != "" {
			c.sessionID = req.SessionID
		} else {
			c.sessionID = "sim-" + uuid.New().String()[:8]
		}
	}
	sessionID := c.sessionID
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.state = SessionDisconnected
		c.executed++
		c.mu.Unlock()
	}()

	started := time.Now()
	c.emit(req, claudecode.MessageTypeSystem, map[string]any{"session_id": sessionID})
	c.emit(req, claudecode.MessageTypeAssistant, map[string]any{
		"message": map[string]any{
			"role":    "assistant",
			"content": []map[string]any{{"type": "text", "text": "simulating: " + req.Command}},
		},
	})

	if c.Delay > 0 {
		timeout := req.Timeout
		wait := c.Delay
		if timeout > 0 && wait > timeout {
			select {
			case <-ctx.Done():
				return nil, apperrors.Cancelled("execution cancelled")
			case <-time.After(timeout):
			}
			return &CommandResult{
				TimedOut:     true,
				ErrorMessage: "command timed out after " + timeout.String(),
				DurationMS:   time.Since(started).Milliseconds(),
			}, apperrors.Timeout("command timed out after " + timeout.String())
		}
		select {
		case <-ctx.Done():
			return nil, apperrors.Cancelled("execution cancelled")
		case <-time.After(wait):
		}
	}

	failed := c.FailSubstring != "" && strings.Contains(req.Command, c.FailSubstring)
	result := &CommandResult{
		Success:    !failed,
		SessionID:  sessionID,
		DurationMS: time.Since(started).Milliseconds(),
		NumTurns:   1,
	}
	if failed {
		result.ErrorMessage = "simulated failure"
		c.emit(req, claudecode.MessageTypeResult, map[string]any{
			"subtype": claudecode.SubtypeErrorDuringExecution, "is_error": true, "session_id": sessionID,
		})
	} else {
		result.Output = "completed: " + req.Command
		c.emit(req, claudecode.MessageTypeResult, map[string]any{
			"subtype": claudecode.SubtypeSuccess, "result": result.Output, "session_id": sessionID,
		})
	}
	return result, nil
}

func (c *SimulatedConnector) emit(req ExecuteRequest, msgType string, fields map[string]any) {
	if req.OnMessage == nil {
		return
	}
	fields["type"] = msgType
	raw, err := json.Marshal(fields)
	if err != nil {
		return
	}
	msg, err := claudecode.ParseLine(raw)
	if err != nil {
		return
	}
	req.OnMessage(msg)
}

func (c *SimulatedConnector) Intervene(content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != SessionConnected {
		return apperrors.InvalidInput("no active session to intervene in")
	}
	c.interventions = append(c.interventions, content)
	return nil
}

func (c *SimulatedConnector) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = SessionDisconnected
	return nil
}
