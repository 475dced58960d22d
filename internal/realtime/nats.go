package realtime

import (
	"context"
	"fmt"
	"strings"

	"alertflow/internal/config"

	"github.com/nats-io/nats.go"
)

type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes updates on core NATS subject `<prefix>.<routing key>`.
type NATSSink struct {
	conn   natsPublisher
	close  func()
	prefix string
}

// NewNATSSink connects to NATS for update publishing.
// Params: realtime NATS config.
// Returns: sink or connect error.
func NewNATSSink(cfg config.RealtimeNATSConfig) (*NATSSink, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","), nats.Name("alertflow-realtime"))
	if err != nil {
		return nil, fmt.Errorf("connect realtime nats: %w", err)
	}
	return &NATSSink{conn: nc, close: nc.Close, prefix: cfg.SubjectPrefix}, nil
}

// Name returns metric label.
func (s *NATSSink) Name() string { return "nats" }

// Send publishes body without waiting for subscribers.
func (s *NATSSink) Send(_ context.Context, routingKey string, body []byte) error {
	subject := s.prefix + "." + routingKey
	if err := s.conn.Publish(subject, body); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close closes the connection.
func (s *NATSSink) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
