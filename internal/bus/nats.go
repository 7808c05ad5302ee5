package bus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
)

// NATSMirror relays every published event onto a NATS subject so external
// consumers can observe the orchestrator without holding a WebSocket.
// Subjects take the form <prefix>.<group>, with group tokens sanitized for
// NATS subject syntax.
type NATSMirror struct {
	conn   *nats.Conn
	prefix string
	logger *logger.Logger
}

var _ Mirror = (*NATSMirror)(nil)

// NewNATSMirror connects to NATS with reconnection handling.
func NewNATSMirror(cfg config.NATSConfig, log *logger.Logger) (*NATSMirror, error) {
	opts := []nats.Option{
		nats.Name("agentmux"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("nats connection closed", zap.Error(err))
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info("connected to NATS", zap.String("url", cfg.URL))

	return &NATSMirror{conn: conn, prefix: cfg.SubjectPrefix, logger: log}, nil
}

// Mirror publishes the event as JSON. Failures are logged, never propagated;
// the in-process bus is the source of truth and NATS is best effort.
func (m *NATSMirror) Mirror(group string, event *Event) {
	data, err := json.Marshal(event)
	if err != nil {
		m.logger.Error("failed to marshal event for nats", zap.Error(err))
		return
	}
	subject := m.prefix + "." + sanitizeToken(group)
	if err := m.conn.Publish(subject, data); err != nil {
		m.logger.Warn("failed to mirror event to nats",
			zap.String("subject", subject),
			zap.String("kind", event.Kind),
			zap.Error(err))
	}
}

// Close drains the connection, processing pending messages before closing.
func (m *NATSMirror) Close() {
	if m.conn == nil {
		return
	}
	if err := m.conn.Drain(); err != nil {
		m.logger.Warn("error draining nats connection", zap.Error(err))
		m.conn.Close()
	}
}

// IsConnected reports whether the NATS connection is active.
func (m *NATSMirror) IsConnected() bool {
	return m.conn != nil && m.conn.IsConnected()
}

func sanitizeToken(group string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>':
			return '_'
		}
		return r
	}, group)
}
