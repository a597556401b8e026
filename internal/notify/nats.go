package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes notifications as JSON to <prefix>.<entity_kind>.
type NATSSink struct {
	conn   publisher
	prefix string
	close  func()
}

// DialNATS connects to url and returns a sink publishing under prefix.
func DialNATS(url, prefix string) (*NATSSink, error) {
	nc, err := nats.Connect(url, nats.Name("innoflow-notify"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSSink{conn: nc, prefix: prefix, close: nc.Close}, nil
}

func (s *NATSSink) Subject(n Notification) string {
	kind := n.EntityKind
	if kind == "" {
		kind = "general"
	}
	return strings.TrimSuffix(s.prefix, ".") + "." + kind
}

func (s *NATSSink) Notify(_ context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := s.conn.Publish(s.Subject(n), data); err != nil {
		return fmt.Errorf("publish %s: %w", s.Subject(n), err)
	}
	return nil
}

func (s *NATSSink) Close() {
	if s.close != nil {
		s.close()
	}
}
