package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
)

// MessageHandler receives every parsed stdout message, including the final
// result message.
type MessageHandler func(msg *Message)

// BuildArgs assembles the CLI argument list for a one-shot run. A non-empty
// sessionID resumes the prior conversation. The orchestrator owns the
// sandbox, so tool permission prompts are disabled.
func BuildArgs(command, sessionID string) []string {
	args := []string{
		"-p", command,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if sessionID != "" {
		args = append(args, "--resume", sessionID)
	}
	return args
}

// Client speaks the stream-json protocol over a CLI process's stdin/stdout.
// It parses stdout lines, drops keepalives, and closes Done once the result
// message arrives or the stream ends.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	mu      sync.RWMutex
	handler MessageHandler
	result  *Message
	readErr error

	writeMu sync.Mutex
	done    chan struct{}
}

// NewClient creates a Client over the given streams.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:  stdin,
		stdout: stdout,
		logger: log.WithFields(zap.String("component", "claudecode-client")),
		done:   make(chan struct{}),
	}
}

// SetMessageHandler sets the handler invoked for each parsed message. Must
// be set before Start.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Start begins the stdout read loop in a goroutine.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Done is closed when the stream has terminated, via result message, EOF, or
// read error.
func (c *Client) Done() <-chan struct{} { return c.done }

// Result returns the final result message, or nil if the stream ended
// without one (process killed, stdout closed early).
func (c *Client) Result() *Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.result
}

// Err returns the read-loop error, if any.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readErr
}

// SendUserMessage writes a prompt or intervention to the CLI's stdin.
func (c *Client) SendUserMessage(content string) error {
	return c.send(NewUserMessage(content))
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.done)

	scanner := bufio.NewScanner(c.stdout)
	// Single messages can be large; allow up to 10MB per line.
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 || IsKeepalive(line) {
			continue
		}

		msg, err := ParseLine(line)
		if err != nil {
			c.logger.Warn("failed to parse stream line",
				zap.Error(err), zap.ByteString("line", line))
			// A malformed result line still ends the run.
			if IsResultLine(line) {
				return
			}
			continue
		}

		c.mu.RLock()
		handler := c.handler
		c.mu.RUnlock()
		if handler != nil {
			handler(msg)
		}

		if msg.Type == MessageTypeResult {
			c.mu.Lock()
			c.result = msg
			c.mu.Unlock()
			return
		}
	}

	if err := scanner.Err(); err != nil {
		c.mu.Lock()
		c.readErr = err
		c.mu.Unlock()
		c.logger.Error("stream read error", zap.Error(err))
	}
}
