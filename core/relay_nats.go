package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSPublisher publishes relay channels as NATS subjects.
type NATSPublisher struct {
	conn *nats.Conn
}

func NewNATSPublisher(conn *nats.Conn) *NATSPublisher {
	return &NATSPublisher{conn: conn}
}

// ConnectNATS dials a NATS server. An unreachable server is retried in the background,
// as is a connection that drops later.
func ConnectNATS(url string, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("cipherchat"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(fmt.Sprintf("nats disconnected: %v", err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info(fmt.Sprintf("nats reconnected to %s", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats.Connect: %w", err)
	}
	return NewNATSPublisher(conn), nil
}

func (p *NATSPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if !p.conn.IsConnected() {
		return fmt.Errorf("%w: nats %s", ErrRelayUnavailable, p.conn.Status())
	}
	if err := p.conn.Publish(channel, payload); err != nil {
		return fmt.Errorf("Publish: %w", err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("FlushWithContext: %w", err)
	}
	return nil
}

func (p *NATSPublisher) Subscribe(channel string, handler func([]byte)) (func() error, error) {
	sub, err := p.conn.Subscribe(channel, func(m *nats.Msg) {
		handler(m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("Subscribe: %w", err)
	}
	return sub.Unsubscribe, nil
}

// Close drains pending messages and closes the connection.
// A connection that never came up is closed without draining.
func (p *NATSPublisher) Close() error {
	if !p.conn.IsConnected() {
		p.conn.Close()
		return nil
	}
	return p.conn.Drain()
}
