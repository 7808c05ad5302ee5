package claudecode

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/agentmux/agentmux/internal/common/logger"
)

func waitDone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("client did not finish")
	}
}

func TestClientReadsUntilResult(t *testing.T) {
	stdout := strings.NewReader(strings.Join([]string{
		`{"type":"system","session_id":"sess-1","model":"opus"}`,
		`[KEEPALIVE]`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"working"}]}}`,
		`{"type":"result","subtype":"success","result":"done","session_id":"sess-1"}`,
		`{"type":"assistant","message":{"role":"assistant"}}`,
	}, "\n"))

	c := NewClient(io.Discard, stdout, logger.NewNop())
	var types []string
	c.SetMessageHandler(func(msg *Message) {
		types = append(types, msg.Type)
	})
	c.Start(context.Background())
	waitDone(t, c)

	// Keepalive is swallowed and nothing past the result line is read.
	want := []string{MessageTypeSystem, MessageTypeAssistant, MessageTypeResult}
	if len(types) != len(want) {
		t.Fatalf("types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("types[%d] = %q, want %q", i, types[i], want[i])
		}
	}

	result := c.Result()
	if result == nil || result.ResultText() != "done" {
		t.Errorf("Result() = %+v", result)
	}
}

func TestClientEOFWithoutResult(t *testing.T) {
	stdout := strings.NewReader(`{"type":"system","session_id":"sess-1"}` + "\n")

	c := NewClient(io.Discard, stdout, logger.NewNop())
	c.Start(context.Background())
	waitDone(t, c)

	if c.Result() != nil {
		t.Errorf("Result() = %+v, want nil after early EOF", c.Result())
	}
	if c.Err() != nil {
		t.Errorf("Err() = %v, want nil on clean EOF", c.Err())
	}
}

func TestClientSkipsMalformedLines(t *testing.T) {
	stdout := strings.NewReader(strings.Join([]string{
		`not json at all`,
		`{"type":"result","subtype":"success","result":"ok"}`,
	}, "\n"))

	c := NewClient(io.Discard, stdout, logger.NewNop())
	c.Start(context.Background())
	waitDone(t, c)

	if c.Result() == nil {
		t.Fatal("result not reached past malformed line")
	}
}

func TestSendUserMessage(t *testing.T) {
	var stdin bytes.Buffer
	c := NewClient(&stdin, strings.NewReader(""), logger.NewNop())

	if err := c.SendUserMessage("please stop and summarize"); err != nil {
		t.Fatalf("SendUserMessage: %v", err)
	}

	line := strings.TrimSpace(stdin.String())
	var msg UserMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("stdin line not json: %v", err)
	}
	if msg.Type != MessageTypeUser || msg.Message.Role != "user" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Message.Content != "please stop and summarize" {
		t.Errorf("content = %q", msg.Message.Content)
	}
}
