// Package events publishes task lifecycle notifications over NATS.
//
// Events are informational: the store remains the source of truth and a
// failed publish is logged, never returned to the caller.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Kind names a lifecycle transition.
type Kind string

const (
	TaskCreated   Kind = "task.created"
	TaskCancelled Kind = "task.cancelled"
	TaskCompleted Kind = "task.completed"
)

// DefaultPrefix is prepended to every subject.
const DefaultPrefix = "finops"

// Event is the JSON payload.
type Event struct {
	Kind      Kind      `json:"kind"`
	TaskID    string    `json:"task_id,omitempty"`
	ProjectID string    `json:"project_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Count     int       `json:"count,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher sends lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
	Close() error
}

// Conn is the subset of *nats.Conn used here.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher publishes JSON events to <prefix>.<kind>.
type NATSPublisher struct {
	conn   Conn
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// Connect dials url and returns a publisher. An empty url yields Nop.
func Connect(url, prefix string, logger *slog.Logger) (Publisher, error) {
	if url == "" {
		return Nop{}, nil
	}
	nc, err := nats.Connect(url,
		nats.Name("finops"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return NewPublisher(nc, prefix, logger), nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(conn Conn, prefix string, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger, now: time.Now}
}

// Subject returns the subject an event kind is published on.
func (p *NATSPublisher) Subject(k Kind) string {
	return p.prefix + "." + string(k)
}

// Publish sends ev. Errors are logged.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) {
	if ctx.Err() != nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("Failed to encode event", "kind", ev.Kind, "error", err)
		return
	}
	if err := p.conn.Publish(p.Subject(ev.Kind), data); err != nil {
		p.logger.Warn("Failed to publish event",
			"subject", p.Subject(ev.Kind),
			"task_id", ev.TaskID,
			"error", err)
	}
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
func (Nop) Close() error                   { return nil }
