package connector

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/pkg/claudecode"
)

// DefaultBinary is the CLI executable resolved from PATH when no explicit
// path is configured.
const DefaultBinary = "claude"

// SubprocessOptions configures a SubprocessConnector.
type SubprocessOptions struct {
	// BinaryPath overrides the CLI executable. Defaults to DefaultBinary.
	BinaryPath string
	// CommandTimeout bounds each run when the request does not set one.
	CommandTimeout time.Duration
	// DisconnectGrace is how long a SIGTERM'd process gets before SIGKILL.
	DisconnectGrace time.Duration
}

// SubprocessConnector runs each command as a fresh Claude Code CLI process
// in the task's repository. One execution at a time; the CLI holds exclusive
// locks on its session files.
type SubprocessConnector struct {
	opts   SubprocessOptions
	logger *logger.Logger

	mu      sync.Mutex
	state   SessionState
	running bool
	client  *claudecode.Client
	pid     int
}

var _ Connector = (*SubprocessConnector)(nil)

// NewSubprocess creates a SubprocessConnector.
func NewSubprocess(opts SubprocessOptions, log *logger.Logger) *SubprocessConnector {
	if opts.BinaryPath == "" {
		opts.BinaryPath = DefaultBinary
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 10 * time.Minute
	}
	if opts.DisconnectGrace <= 0 {
		opts.DisconnectGrace = 2 * time.Second
	}
	return &SubprocessConnector{
		opts:   opts,
		logger: log,
		state:  SessionDisconnected,
	}
}

func (c *SubprocessConnector) Kind() string { return KindSubprocess }

func (c *SubprocessConnector) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Execute spawns the CLI, streams its stdout until the result line, and
// tears the process down. Timeouts kill the whole process group after the
// disconnect grace.
func (c *SubprocessConnector) Execute(ctx context.Context, req ExecuteRequest) (*CommandResult, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, apperrors.Busy("connector is already executing a command")
	}
	c.running = true
	c.state = SessionConnecting
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.client = nil
		c.pid = 0
		if c.state != SessionError {
			c.state = SessionDisconnected
		}
		c.mu.Unlock()
	}()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.opts.CommandTimeout
	}

	cmd := exec.Command(c.opts.BinaryPath, claudecode.BuildArgs(req.Command, req.SessionID)...)
	cmd.Dir = req.RepositoryPath
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperrors.ConnectorSpawn("failed to open stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.ConnectorSpawn("failed to open stdout pipe", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		c.setState(SessionError)
		return nil, apperrors.ConnectorSpawn("failed to start "+c.opts.BinaryPath, err)
	}
	pid := cmd.Process.Pid
	c.logger.Info("spawned claude-code process",
		zap.Int("pid", pid),
		zap.String("task_id", req.TaskID),
		zap.String("repository", req.RepositoryPath))

	client := claudecode.NewClient(stdin, stdout, c.logger)
	if req.OnMessage != nil {
		client.SetMessageHandler(req.OnMessage)
	}

	c.mu.Lock()
	c.state = SessionConnected
	c.client = client
	c.pid = pid
	c.mu.Unlock()

	client.Start(ctx)

	started := time.Now()
	timedOut := false
	select {
	case <-client.Done():
	case <-time.After(timeout):
		timedOut = true
		c.terminate(pid)
	case <-ctx.Done():
		c.terminate(pid)
	}

	c.setState(SessionDisconnecting)
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil, apperrors.Cancelled("execution cancelled")
	}

	if timedOut {
		return &CommandResult{
			TimedOut:     true,
			ErrorMessage: "command timed out after " + timeout.String(),
			DurationMS:   time.Since(started).Milliseconds(),
		}, apperrors.Timeout("command timed out after " + timeout.String())
	}

	result := client.Result()
	if result == nil {
		// Stream ended without a result line: the process crashed or closed
		// stdout early.
		c.setState(SessionError)
		msg := strings.TrimSpace(stderr.String())
		if msg == "" && waitErr != nil {
			msg = waitErr.Error()
		}
		if msg == "" {
			msg = "process exited without a result message"
		}
		return &CommandResult{
			ErrorMessage: msg,
			DurationMS:   time.Since(started).Milliseconds(),
		}, nil
	}

	out := &CommandResult{
		Success:           !result.IsError,
		Output:            result.ResultText(),
		SessionID:         result.SessionID,
		DurationMS:        result.DurationMS,
		CostUSD:           result.TotalCostUSD,
		NumTurns:          result.NumTurns,
		PermissionDenials: len(result.PermissionDenials),
	}
	if result.IsError {
		out.ErrorMessage = result.ResultText()
		if out.ErrorMessage == "" {
			out.ErrorMessage = result.Subtype
		}
	}
	return out, nil
}

// terminate signals the process group and escalates to SIGKILL after the
// grace period.
func (c *SubprocessConnector) terminate(pid int) {
	if err := terminateProcessGroup(pid); err != nil {
		c.logger.Warn("failed to terminate process group",
			zap.Int("pid", pid), zap.Error(err))
	}
	time.AfterFunc(c.opts.DisconnectGrace, func() {
		if err := killProcessGroup(pid); err == nil {
			c.logger.Warn("process group killed after grace period", zap.Int("pid", pid))
		}
	})
}

// Intervene writes a user message into the running CLI's stdin.
func (c *SubprocessConnector) Intervene(content string) error {
	c.mu.Lock()
	client := c.client
	state := c.state
	c.mu.Unlock()

	if client == nil || state != SessionConnected {
		return apperrors.InvalidInput("no active session to intervene in")
	}
	return client.SendUserMessage(content)
}

// Close terminates any running process.
func (c *SubprocessConnector) Close(_ context.Context) error {
	c.mu.Lock()
	pid := c.pid
	c.state = SessionDisconnected
	c.mu.Unlock()

	if pid != 0 {
		c.terminate(pid)
	}
	return nil
}

func (c *SubprocessConnector) setState(s SessionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
