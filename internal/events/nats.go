package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const DefaultSubjectPrefix = "careplan"

// NATSSink publishes each event as JSON on <prefix>.<type>.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSSink connects to url. An unreachable server does not fail startup;
// the client keeps reconnecting and sends fail until it succeeds.
func NewNATSSink(url, prefix string, logger *zap.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	conn, err := nats.Connect(url,
		nats.Name("careplan-service"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrlRedacted()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSSink{conn: conn, prefix: prefix, logger: logger}, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Subject(t Type) string {
	return s.prefix + "." + string(t)
}

func (s *NATSSink) Send(ctx context.Context, e Event) error {
	if !s.conn.IsConnected() {
		return errors.New("nats: not connected")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.conn.Publish(s.Subject(e.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return s.flush(ctx)
}

// Ping round-trips to the server.
func (s *NATSSink) Ping(ctx context.Context) error {
	if !s.conn.IsConnected() {
		return fmt.Errorf("nats: %s", s.conn.Status())
	}
	return s.flush(ctx)
}

// flush needs a deadline; the client rejects contexts without one.
func (s *NATSSink) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
	}
	return s.conn.FlushWithContext(ctx)
}

func (s *NATSSink) Close() error {
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return err
	}
	return nil
}
