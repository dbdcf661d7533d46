package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/acadflow/internal/config"
	"github.com/pitabwire/acadflow/model"
)

// newTestLogger creates a logger that writes JSON to a buffer for assertion.
func newTestLogger(buf *bytes.Buffer) *zap.Logger {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		MessageKey:     "msg",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	})
	core := zapcore.NewCore(enc, zapcore.AddSync(buf), zapcore.DebugLevel)
	return zap.New(core)
}

func TestNewLogger_defaultLevel(t *testing.T) {
	cfg := config.ObservabilityConfig{LogLevel: "info"}
	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Sync()

	// Info should be enabled, Debug should not.
	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info level should be enabled")
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug level should NOT be enabled at info level")
	}
}

func TestNewLogger_debugLevel(t *testing.T) {
	cfg := config.ObservabilityConfig{LogLevel: "debug"}
	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Sync()

	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug level should be enabled")
	}
}

func TestNewLogger_invalidLevel_defaultsToInfo(t *testing.T) {
	cfg := config.ObservabilityConfig{LogLevel: "bogus"}
	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Sync()

	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("should default to info level")
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug should NOT be enabled with invalid level (defaults to info)")
	}
}

func TestWithLogger_and_LoggerFrom(t *testing.T) {
	logger := zap.NewNop()
	ctx := WithLogger(context.Background(), logger)

	got := LoggerFrom(ctx, nil)
	if got != logger {
		t.Error("LoggerFrom should return the stored logger")
	}
}

func TestLoggerFrom_fallback(t *testing.T) {
	fallback := zap.NewNop()
	got := LoggerFrom(context.Background(), fallback)
	if got != fallback {
		t.Error("LoggerFrom should return fallback when no logger in context")
	}
}

func TestRequestLogger_enrichesWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	rctx := &model.RequestContext{
		SubjectID:     "staff-9",
		Roles:         []string{model.RoleStaff},
		CorrelationID: "corr-abc",
		TraceID:       "trace-xyz",
	}
	ctx := model.WithRequestContext(context.Background(), rctx)
	ctx = WithLogger(ctx, logger)

	rl := RequestLogger(ctx, logger)
	rl.Info("test message")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}

	checks := map[string]string{
		"subject_id":     "staff-9",
		"correlation_id": "corr-abc",
		"trace_id":       "trace-xyz",
		"msg":            "test message",
		"level":          "info",
	}

	for key, want := range checks {
		got, ok := entry[key].(string)
		if !ok {
			t.Errorf("missing field %q in log entry", key)
			continue
		}
		if got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
}

func TestRequestLogger_noTraceID(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	rctx := &model.RequestContext{
		SubjectID:     "6401234",
		CorrelationID: "corr-abc",
	}
	ctx := model.WithRequestContext(context.Background(), rctx)

	rl := RequestLogger(ctx, logger)
	rl.Info("no trace")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}

	if _, exists := entry["trace_id"]; exists {
		t.Error("trace_id should not be present when empty")
	}
}

func TestRequestLogger_noRequestContext(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	rl := RequestLogger(context.Background(), logger)
	rl.Info("no context")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}

	// Should still log, just without context fields.
	if entry["msg"] != "no context" {
		t.Errorf("msg = %q, want no context", entry["msg"])
	}
	if _, exists := entry["subject_id"]; exists {
		t.Error("subject_id should not be present without RequestContext")
	}
}

func TestRedactBody_defaultFields(t *testing.T) {
	body := map[string]any{
		"topic":       "Edge caching for campus networks",
		"national_id": "1100700000000",
		"email":       "student@example.ac.th",
		"token":       "q9X1...",
	}

	redacted := RedactBody(body, nil)
	if redacted["topic"] != "Edge caching for campus networks" {
		t.Errorf("topic = %v, should not be redacted", redacted["topic"])
	}
	if redacted["email"] != "student@example.ac.th" {
		t.Errorf("email = %v, should not be redacted by default", redacted["email"])
	}
	if redacted["national_id"] != "[REDACTED]" {
		t.Errorf("national_id = %v, want [REDACTED]", redacted["national_id"])
	}
	if redacted["token"] != "[REDACTED]" {
		t.Errorf("token = %v, want [REDACTED]", redacted["token"])
	}
}

func TestRedactBody_customFields(t *testing.T) {
	body := map[string]any{
		"company": "Acme",
		"email":   "student@example.ac.th",
		"salary":  15000,
	}

	redacted := RedactBody(body, []string{"email", "salary"})
	if redacted["company"] != "Acme" {
		t.Errorf("company = %v, want Acme", redacted["company"])
	}
	if redacted["email"] != "[REDACTED]" {
		t.Errorf("email = %v, want [REDACTED]", redacted["email"])
	}
	if redacted["salary"] != "[REDACTED]" {
		t.Errorf("salary = %v, want [REDACTED]", redacted["salary"])
	}
}

func TestRedactBody_nested(t *testing.T) {
	body := map[string]any{
		"supervisor": map[string]any{
			"name":  "K. Somchai",
			"phone": "081-000-0000",
		},
		"members": []any{
			map[string]any{"student_id": "6401234", "citizen_id": "1100700000001"},
			"6409999",
		},
	}

	redacted := RedactBody(body, nil)
	nested, ok := redacted["supervisor"].(map[string]any)
	if !ok {
		t.Fatal("supervisor should be a nested map")
	}
	if nested["name"] != "K. Somchai" {
		t.Errorf("supervisor.name = %v", nested["name"])
	}
	if nested["phone"] != "[REDACTED]" {
		t.Errorf("supervisor.phone = %v, want [REDACTED]", nested["phone"])
	}

	members, ok := redacted["members"].([]any)
	if !ok || len(members) != 2 {
		t.Fatalf("members = %v", redacted["members"])
	}
	first := members[0].(map[string]any)
	if first["citizen_id"] != "[REDACTED]" || first["student_id"] != "6401234" {
		t.Errorf("members[0] = %v", first)
	}
	if members[1] != "6409999" {
		t.Errorf("members[1] = %v", members[1])
	}
}

func TestRedactBody_nil(t *testing.T) {
	if result := RedactBody(nil, nil); result != nil {
		t.Errorf("RedactBody(nil) = %v, want nil", result)
	}
}

func TestRedactBody_doesNotMutateOriginal(t *testing.T) {
	inner := map[string]any{"phone": "081-000-0000"}
	body := map[string]any{
		"national_id": "1100700000000",
		"supervisor":  inner,
	}

	_ = RedactBody(body, nil)

	if body["national_id"] != "1100700000000" {
		t.Errorf("original body was mutated: national_id = %v", body["national_id"])
	}
	if inner["phone"] != "081-000-0000" {
		t.Errorf("nested map was mutated: phone = %v", inner["phone"])
	}
}

func TestNewLogger_allLevels(t *testing.T) {
	levels := []string{"debug", "info", "warn", "error"}
	for _, level := range levels {
		t.Run(level, func(t *testing.T) {
			cfg := config.ObservabilityConfig{LogLevel: level}
			logger, err := NewLogger(cfg)
			if err != nil {
				t.Fatalf("NewLogger(%q) error = %v", level, err)
			}
			defer logger.Sync()

			expected, _ := zapcore.ParseLevel(level)
			if !logger.Core().Enabled(expected) {
				t.Errorf("level %q should be enabled", level)
			}
		})
	}
}
