package otel

import (
	"context"
	"testing"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/noop"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"ultra-bms/client/internal/telemetry/domain"
)

func TestNewEventEmitter_NilProvider_ReturnsNoop(t *testing.T) {
	em := NewEventEmitter(nil)
	if em == nil {
		t.Fatal("NewEventEmitter(nil) returned nil")
	}
	if err := em.Emit(context.Background(), nil); err != nil {
		t.Errorf("noop Emit(ctx, nil): %v", err)
	}
	if err := em.Emit(context.Background(), domain.NewEvent(domain.EventLogin, "u1", time.Now())); err != nil {
		t.Errorf("noop Emit(ctx, event): %v", err)
	}
}

func TestEmit_NilEvent_ReturnsNil(t *testing.T) {
	provider := sdklog.NewLoggerProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()
	em := NewEventEmitter(provider)
	if err := em.Emit(context.Background(), nil); err != nil {
		t.Errorf("Emit(ctx, nil): %v", err)
	}
}

// recordCapture stores the last Record passed to Emit for assertion.
type recordCapture struct {
	noop.Logger
	rec otellog.Record
}

func (r *recordCapture) Emit(_ context.Context, rec otellog.Record) {
	r.rec = rec
}

func attributes(rec otellog.Record) map[string]string {
	attrs := make(map[string]string)
	rec.WalkAttributes(func(kv otellog.KeyValue) bool {
		attrs[kv.Key] = kv.Value.AsString()
		return true
	})
	return attrs
}

func TestEmit_AttributeAndBodyMapping(t *testing.T) {
	cap := &recordCapture{}
	em := NewEventEmitterWithLogger(cap)
	event := domain.NewEvent(domain.EventForcedLogout, "user1", time.Now()).
		WithReason("refresh_failed").
		WithMetadata(map[string]string{"trigger": "unauthorized"})
	event.Role = "PROPERTY_MANAGER"

	if err := em.Emit(context.Background(), event); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	rec := cap.rec

	if got := string(rec.Body().AsBytes()); got != `{"trigger":"unauthorized"}` {
		t.Errorf("body = %q", got)
	}
	if rec.EventName() != "forced_logout" {
		t.Errorf("event name = %q", rec.EventName())
	}
	if rec.Severity() != otellog.SeverityWarn {
		t.Errorf("severity = %v, want warn", rec.Severity())
	}

	want := map[string]string{
		"event_id": event.ID, "event_type": "forced_logout", "user_id": "user1",
		"role": "PROPERTY_MANAGER", "reason": "refresh_failed", "source": domain.Source,
	}
	attrs := attributes(rec)
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("attr %q = %q, want %q", k, attrs[k], v)
		}
	}
}

func TestEmit_EmptyMetadata_NoBodySet(t *testing.T) {
	cap := &recordCapture{}
	em := NewEventEmitterWithLogger(cap)
	if err := em.Emit(context.Background(), domain.NewEvent(domain.EventLogin, "u1", time.Now())); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if !cap.rec.Body().Empty() {
		t.Error("body should be empty when metadata is nil")
	}
	if cap.rec.Severity() != otellog.SeverityInfo {
		t.Errorf("severity = %v, want info", cap.rec.Severity())
	}
}

func TestEmit_ZeroTimestamp_SetsCurrentTime(t *testing.T) {
	cap := &recordCapture{}
	em := NewEventEmitterWithLogger(cap)
	event := &domain.Event{Type: domain.EventLogout}

	before := time.Now().UTC()
	if err := em.Emit(context.Background(), event); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	after := time.Now().UTC()

	ts := cap.rec.Timestamp()
	if ts.Before(before) || ts.After(after) {
		t.Errorf("timestamp = %v, should be between %v and %v", ts, before, after)
	}
}

func TestEmit_PartialFields(t *testing.T) {
	cap := &recordCapture{}
	em := NewEventEmitterWithLogger(cap)
	if err := em.Emit(context.Background(), &domain.Event{Type: domain.EventRefreshSucceeded}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	attrs := attributes(cap.rec)
	if attrs["event_type"] != "refresh_succeeded" {
		t.Errorf("event_type = %q", attrs["event_type"])
	}
	for _, k := range []string{"user_id", "role", "reason", "source", "event_id"} {
		if _, ok := attrs[k]; ok {
			t.Errorf("%s should not be set", k)
		}
	}
}
