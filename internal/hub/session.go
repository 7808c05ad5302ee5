package hub

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/common/logger"
	ws "github.com/agentmux/agentmux/pkg/websocket"
)

// sendBuffer bounds the per-session outbound queue.
const sendBuffer = 256

// Session is one connected client, independent of the transport carrying it.
// The WebSocket client drains Send; tests drain it directly.
type Session struct {
	ID   string
	send chan []byte
	sub  *bus.Subscriber

	mu         sync.Mutex
	sendClosed bool
	lagged     bool
	marker     []byte
	dropped    int
	joined     map[string]bool
}

// Send returns the outbound byte stream. It is closed when the session's bus
// subscriber is unregistered.
func (s *Session) Send() <-chan []byte { return s.send }

// Joined reports whether the session has joined the given agent.
func (s *Session) Joined(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined[agentID]
}

// sendMessage marshals and enqueues a message. Returns false only when the
// session is already closed.
func (s *Session) sendMessage(msg *ws.Message, log *logger.Logger) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error("failed to marshal message", zap.Error(err))
		return false
	}
	return s.enqueue(data)
}

// enqueue appends a frame for the write pump. A full buffer evicts the
// oldest frames so a slow client sees the tail of the stream, not the head,
// with a lagged marker kept in the buffer while frames are being lost so the
// gap is visible to the client. Mirrors the bus subscriber's overflow
// behavior, including re-arming the marker when eviction drops the marker
// itself.
func (s *Session) enqueue(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendClosed {
		return false
	}
	select {
	case s.send <- data:
		s.lagged = false
		return true
	default:
	}

	s.evictOldestLocked()
	if !s.lagged {
		if marker := laggedFrame(); marker != nil {
			s.insertLocked(marker)
			s.lagged = true
			s.marker = marker
		}
	}
	s.insertLocked(data)
	return true
}

// insertLocked places a frame, evicting the oldest first if the buffer is
// still full.
func (s *Session) insertLocked(frame []byte) {
	select {
	case s.send <- frame:
		return
	default:
	}
	s.evictOldestLocked()
	select {
	case s.send <- frame:
	default:
		// Unreachable while the lock serializes producers; counted anyway.
		s.dropped++
	}
}

// evictOldestLocked drops the frame at the head of the buffer, if any. The
// write pump may have drained it concurrently, which is fine. Evicting the
// undelivered marker re-arms it so the gap is never silently closed.
func (s *Session) evictOldestLocked() {
	select {
	case frame := <-s.send:
		s.dropped++
		if s.lagged && s.marker != nil && len(frame) > 0 && &frame[0] == &s.marker[0] {
			s.lagged = false
			s.marker = nil
		}
	default:
	}
}

// laggedFrame is the notification marking a gap in the session's event
// stream. A nil return means encoding failed, which cannot happen for this
// fixed payload but is tolerated anyway.
func laggedFrame() []byte {
	msg, err := ws.NewNotification(ws.ActionEvent, bus.NewEvent(bus.Lagged, nil))
	if err != nil {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	return data
}

func (s *Session) closeSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sendClosed {
		s.sendClosed = true
		close(s.send)
	}
}
