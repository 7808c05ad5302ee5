package websocket

import (
	"context"
	"testing"
)

func TestDispatchRoutesByAction(t *testing.T) {
	d := NewDispatcher()
	d.Register("echo", func(ctx context.Context, msg *Message) (*Message, error) {
		var payload map[string]string
		if err := msg.ParsePayload(&payload); err != nil {
			return nil, err
		}
		return NewResponse(msg.ID, msg.Action, payload)
	})

	req, err := NewRequest("r1", "echo", map[string]string{"text": "hello"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := d.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.Type != MessageTypeResponse || resp.ID != "r1" || resp.Action != "echo" {
		t.Errorf("resp = %+v, want echoed response envelope", resp)
	}
	var payload map[string]string
	if err := resp.ParsePayload(&payload); err != nil || payload["text"] != "hello" {
		t.Errorf("payload = %v, err = %v", payload, err)
	}
}

func TestDispatchUnknownAction(t *testing.T) {
	d := NewDispatcher()

	req, err := NewRequest("r2", "no.such.action", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := d.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.Type != MessageTypeError || resp.ID != "r2" {
		t.Fatalf("resp = %+v, want error reply echoing the request id", resp)
	}
	var payload ErrorPayload
	if err := resp.ParsePayload(&payload); err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if payload.Code != ErrorCodeUnknownAction {
		t.Errorf("code = %s, want %s", payload.Code, ErrorCodeUnknownAction)
	}
}

func TestEnvelopeConstructors(t *testing.T) {
	note, err := NewNotification(ActionEvent, map[string]int{"n": 1})
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	if note.ID != "" || note.Type != MessageTypeNotification || note.Timestamp.IsZero() {
		t.Errorf("notification = %+v, want stamped with no id", note)
	}

	// A missing payload decodes to the zero value.
	empty := &Message{Type: MessageTypeRequest, Action: "x"}
	var out map[string]int
	if err := empty.ParsePayload(&out); err != nil {
		t.Errorf("ParsePayload on nil payload: %v", err)
	}
	if out != nil {
		t.Errorf("out = %v, want untouched zero value", out)
	}
}
