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

	if m.QueueDepth == nil {
		t.Error("QueueDepth is nil")
	}
	if m.DispatchDuration == nil {
		t.Error("DispatchDuration is nil")
	}
	if m.DispatchAssigned == nil {
		t.Error("DispatchAssigned is nil")
	}
	if m.DispatchNoWorker == nil {
		t.Error("DispatchNoWorker is nil")
	}
	if m.TaskCompleted == nil {
		t.Error("TaskCompleted is nil")
	}
	if m.TaskFailed == nil {
		t.Error("TaskFailed is nil")
	}
	if m.TaskTimedOut == nil {
		t.Error("TaskTimedOut is nil")
	}
	if m.TaskRetried == nil {
		t.Error("TaskRetried is nil")
	}
	if m.WireSendDuration == nil {
		t.Error("WireSendDuration is nil")
	}
	if m.BusEventsDropped == nil {
		t.Error("BusEventsDropped is nil")
	}
	if m.HubsUnhealthy == nil {
		t.Error("HubsUnhealthy is nil")
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
