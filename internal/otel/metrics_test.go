package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.WebhookDuration == nil {
		t.Error("WebhookDuration is nil")
	}
	if m.WebhookDuplicates == nil {
		t.Error("WebhookDuplicates is nil")
	}
	if m.OutboxSendDuration == nil {
		t.Error("OutboxSendDuration is nil")
	}
	if m.OutboxFailures == nil {
		t.Error("OutboxFailures is nil")
	}
	if m.SchedulerTickDur == nil {
		t.Error("SchedulerTickDur is nil")
	}
	if m.ScheduledActions == nil {
		t.Error("ScheduledActions is nil")
	}
	if m.IncidentsOpened == nil {
		t.Error("IncidentsOpened is nil")
	}
	if m.IncidentsResolved == nil {
		t.Error("IncidentsResolved is nil")
	}
	if m.ContentionRetries == nil {
		t.Error("ContentionRetries is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter — metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
