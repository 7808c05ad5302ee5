package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	ws "github.com/agentmux/agentmux/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Client drives one WebSocket connection on top of a hub session.
type Client struct {
	session *Session
	conn    *websocket.Conn
	hub     *Hub
	logger  *logger.Logger
}

// NewClient wraps a connection and a session.
func NewClient(session *Session, conn *websocket.Conn, h *Hub, log *logger.Logger) *Client {
	return &Client{
		session: session,
		conn:    conn,
		hub:     h,
		logger:  log.WithFields(zap.String("session_id", session.ID)),
	}
}

// ReadPump pumps messages from the WebSocket connection into the hub.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Disconnect(c.session)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var msg ws.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Error("failed to parse message", zap.Error(err))
			if out, mkErr := ws.NewError("", "", ws.ErrorCodeBadRequest, "Invalid message format", nil); mkErr == nil {
				c.session.sendMessage(out, c.logger)
			}
			continue
		}

		if response := c.hub.HandleMessage(ctx, c.session, &msg); response != nil {
			c.session.sendMessage(response, c.logger)
		}
	}
}

// WritePump pumps messages from the session's send channel to the WebSocket
// connection, batching queued messages and keeping the peer alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.session.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages
			n := len(c.session.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.session.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
