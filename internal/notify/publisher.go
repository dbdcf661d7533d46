// Package notify publishes accepted activity transitions and approval
// outcomes to downstream consumers. Publishing is best-effort: failures are
// logged and never propagated to the operation that produced the event.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event types.
const (
	ActivityCreated        = "activity.created"
	ActivityStepChanged    = "activity.step_changed"
	ActivityOverallChanged = "activity.overall_changed"
	ActivityCompleted      = "activity.completed"
	ActivityReopened       = "activity.reopened"
	ApprovalIssued         = "approval.issued"
	ApprovalDecided        = "approval.decided"
	ApprovalUsed           = "approval.used"
)

// Event is the JSON document published for every accepted change.
type Event struct {
	Type         string         `json:"type"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	StudentID    string         `json:"student_id,omitempty"`
	WorkflowType string         `json:"workflow_type,omitempty"`
	StepKey      string         `json:"step_key,omitempty"`
	From         string         `json:"from,omitempty"`
	To           string         `json:"to,omitempty"`
	ActorID      string         `json:"actor_id,omitempty"`
	Cycle        int            `json:"cycle,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// Publisher delivers events. Implementations must not block the caller on a
// slow or unavailable sink.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// Noop discards every event.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, Event) {}

// LogPublisher writes events to a zap logger at info level.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(_ context.Context, evt Event) {
	p.logger.Info("event",
		zap.String("type", evt.Type),
		zap.String("resource_type", evt.ResourceType),
		zap.String("resource_id", evt.ResourceID),
		zap.String("student_id", evt.StudentID),
		zap.String("workflow_type", evt.WorkflowType),
		zap.String("step_key", evt.StepKey),
		zap.String("from", evt.From),
		zap.String("to", evt.To),
		zap.String("actor_id", evt.ActorID),
	)
}

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

var _ Conn = (*nats.Conn)(nil)

// NATSPublisher publishes events to NATS core subjects of the form
// <prefix>.<event type>, e.g. acadflow.activity.step_changed.
type NATSPublisher struct {
	conn   Conn
	prefix string
	logger *zap.Logger
}

// NewNATSPublisher creates a publisher over an established connection.
func NewNATSPublisher(conn Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "acadflow"
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}
}

// Connect dials url and returns a publisher plus a close function that
// drains the connection.
func Connect(url, prefix string, logger *zap.Logger) (*NATSPublisher, func(), error) {
	nc, err := nats.Connect(url,
		nats.Name("acadflow"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := nc.Drain(); err != nil {
			logger.Warn("nats drain failed", zap.Error(err))
		}
	}
	return NewNATSPublisher(nc, prefix, logger), closeFn, nil
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

// HealthCheck reports an error while the NATS connection is not up.
func (p *NATSPublisher) HealthCheck(context.Context) error {
	if nc, ok := p.conn.(*nats.Conn); ok && !nc.IsConnected() {
		return fmt.Errorf("nats: connection %s", nc.Status())
	}
	return nil
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		p.logger.Warn("notify: failed to marshal event", zap.String("type", evt.Type), zap.Error(err))
		return
	}

	subject := p.Subject(evt.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("notify: failed to publish event (non-fatal)",
			zap.String("subject", subject),
			zap.String("resource_id", evt.ResourceID),
			zap.Error(err),
		)
		return
	}

	p.logger.Debug("notify: event published",
		zap.String("subject", subject),
		zap.String("resource_id", evt.ResourceID),
	)
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events in publish order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
