package websocket

import "context"

// HandlerFunc processes one request message and returns the reply frame, if
// any. Errors are for failures of the transport layer, not of the action;
// action-level failures are expressed as MessageTypeError replies.
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

// Dispatcher routes request messages to the handler registered for their
// action.
type Dispatcher struct {
	handlers map[string]HandlerFunc
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

// Register binds an action to its handler. Not safe for concurrent use with
// Dispatch; register everything up front.
func (d *Dispatcher) Register(action string, handler HandlerFunc) {
	d.handlers[action] = handler
}

// Dispatch invokes the handler for the message's action. Unregistered
// actions produce an UNKNOWN_ACTION error reply rather than an error.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) (*Message, error) {
	handler, ok := d.handlers[msg.Action]
	if !ok {
		return NewError(msg.ID, msg.Action, ErrorCodeUnknownAction,
			"Unknown action: "+msg.Action, nil)
	}
	return handler(ctx, msg)
}
