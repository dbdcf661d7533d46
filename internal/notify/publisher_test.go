package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func testEvent() Event {
	return Event{
		Type:         ActivityStepChanged,
		ResourceType: "activity",
		ResourceID:   "act-1",
		StudentID:    "6401234",
		WorkflowType: "project1",
		StepKey:      "topic_submission",
		From:         "in_progress",
		To:           "awaiting_admin_action",
		ActorID:      "6401234",
		Cycle:        1,
		OccurredAt:   time.Date(2025, 8, 29, 8, 0, 0, 0, time.UTC),
	}
}

func TestNATSPublisher_Publish(t *testing.T) {
	conn := &fakeConn{}
	p := NewNATSPublisher(conn, "acad", zap.NewNop())

	p.Publish(context.Background(), testEvent())

	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "acad.activity.step_changed", conn.subjects[0])

	var got Event
	require.NoError(t, json.Unmarshal(conn.payloads[0], &got))
	assert.Equal(t, testEvent(), got)
}

func TestNATSPublisher_defaultPrefix(t *testing.T) {
	p := NewNATSPublisher(&fakeConn{}, "", zap.NewNop())
	assert.Equal(t, "acadflow.approval.decided", p.Subject(ApprovalDecided))
}

func TestNATSPublisher_failureIsLoggedNotReturned(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	conn := &fakeConn{err: errors.New("nats: connection closed")}
	p := NewNATSPublisher(conn, "acadflow", zap.New(core))

	p.Publish(context.Background(), testEvent())

	entries := logs.FilterMessage("notify: failed to publish event (non-fatal)").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "acadflow.activity.step_changed", entries[0].ContextMap()["subject"])
}

func TestNATSPublisher_HealthCheck_nonNATSConn(t *testing.T) {
	p := NewNATSPublisher(&fakeConn{}, "acadflow", zap.NewNop())
	assert.NoError(t, p.HealthCheck(context.Background()))
}

func TestLogPublisher(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	NewLogPublisher(zap.New(core)).Publish(context.Background(), testEvent())

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, ActivityStepChanged, fields["type"])
	assert.Equal(t, "act-1", fields["resource_id"])
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Publish(context.Background(), Event{Type: ActivityCreated})
	r.Publish(context.Background(), Event{Type: ActivityCompleted})

	assert.Equal(t, []string{ActivityCreated, ActivityCompleted}, r.Types())
	assert.Len(t, r.Events(), 2)

	Noop{}.Publish(context.Background(), testEvent())
}
