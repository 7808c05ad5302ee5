// Package claudecode implements the Claude Code CLI stream-json protocol:
// one JSON message per stdout line, terminated by a result message that
// carries the outcome of the run.
package claudecode

import (
	"bytes"
	"encoding/json"
)

// Message types emitted by the CLI
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text or thinking from the assistant
	MessageTypeAssistant = "assistant"
	// MessageTypeResult is the final result message of a run
	MessageTypeResult = "result"
	// MessageTypeUser is a user message (prompt or intervention)
	MessageTypeUser = "user"
)

// Result subtypes
const (
	// SubtypeSuccess marks a completed run
	SubtypeSuccess = "success"
	// SubtypeErrorDuringExecution marks a run that failed partway
	SubtypeErrorDuringExecution = "error_during_execution"
	// SubtypeErrorMaxTurns marks a run stopped at the turn limit
	SubtypeErrorMaxTurns = "error_max_turns"
)

// KeepaliveSentinel is emitted by the CLI on otherwise idle streams. These
// lines carry no content and are swallowed before parsing.
const KeepaliveSentinel = "[KEEPALIVE]"

var resultPrefix = []byte(`{"type":"result"`)

// Message is one stdout line from the CLI. Type determines which fields are
// populated; result messages carry the run outcome.
type Message struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// For system messages
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// For assistant messages
	Message *AssistantMessage `json:"message,omitempty"`

	// For result messages. Result is a string on success and may be absent
	// or an object on failure, so it stays raw until asked for.
	Result            json.RawMessage    `json:"result,omitempty"`
	IsError           bool               `json:"is_error,omitempty"`
	DurationMS        int64              `json:"duration_ms,omitempty"`
	NumTurns          int                `json:"num_turns,omitempty"`
	TotalCostUSD      float64            `json:"total_cost_usd,omitempty"`
	PermissionDenials []PermissionDenial `json:"permission_denials,omitempty"`

	// Raw holds the original line for callers that need fields this struct
	// does not model.
	Raw json.RawMessage `json:"-"`
}

// AssistantMessage contains the assistant's response content.
type AssistantMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content,omitempty"`
	Model   string         `json:"model,omitempty"`
}

// ContentBlock is a block of content in an assistant message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// PermissionDenial records a tool invocation the permission mode refused.
type PermissionDenial struct {
	ToolName  string         `json:"tool_name"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
}

// ResultText returns the result payload as a string. Object-valued results
// return empty; use Raw for those.
func (m *Message) ResultText() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// UserMessage is written to stdin to deliver a prompt or an intervention
// while a run is active.
type UserMessage struct {
	Type    string          `json:"type"`
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewUserMessage builds a stdin user message for the given content.
func NewUserMessage(content string) *UserMessage {
	return &UserMessage{
		Type:    MessageTypeUser,
		Message: UserMessageBody{Role: "user", Content: content},
	}
}

// IsResultLine reports whether a raw stdout line is the terminating result
// message, checked by prefix so malformed tails still end the run.
func IsResultLine(line []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(line), resultPrefix)
}

// IsKeepalive reports whether a raw stdout line is a keepalive sentinel.
func IsKeepalive(line []byte) bool {
	return bytes.Equal(bytes.TrimSpace(line), []byte(KeepaliveSentinel))
}

// ParseLine decodes one stdout line into a Message, preserving the raw text.
func ParseLine(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, err
	}
	msg.Raw = append(json.RawMessage(nil), line...)
	return &msg, nil
}
