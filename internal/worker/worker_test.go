package worker_test

import (
	"testing"
	"time"

	"github.com/memoryd/memoryd/internal/worker"
)

type fakeSender struct {
	sent   []interface{}
	closed bool
}

func (f *fakeSender) Send(v interface{}) error {
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeSender) Close(code int, reason string) error {
	f.closed = true
	return nil
}

func TestHasCapability(t *testing.T) {
	w := worker.New("w1", []string{"llm-observe", "llm-summarize"}, &fakeSender{})
	if !w.HasCapability("llm-observe") {
		t.Fatal("expected capability match")
	}
	if w.HasCapability("llm-embed") {
		t.Fatal("expected no match for unknown capability")
	}
}

func TestMarkBusyIdle(t *testing.T) {
	w := worker.New("w1", []string{"llm-observe"}, &fakeSender{})
	if w.State() != worker.StateIdle {
		t.Fatalf("expected initial state idle, got %s", w.State())
	}
	w.MarkBusy("task-1")
	if w.State() != worker.StateBusy {
		t.Fatalf("expected busy, got %s", w.State())
	}
	if w.CurrentTaskID() != "task-1" {
		t.Fatalf("expected current task task-1, got %s", w.CurrentTaskID())
	}
	w.MarkIdle()
	if w.State() != worker.StateIdle {
		t.Fatalf("expected idle after MarkIdle, got %s", w.State())
	}
	if w.CurrentTaskID() != "" {
		t.Fatalf("expected cleared current task, got %s", w.CurrentTaskID())
	}
}

func TestHeartbeatTracking(t *testing.T) {
	w := worker.New("w1", nil, &fakeSender{})
	if n := w.NoteMissedHeartbeat(); n != 1 {
		t.Fatalf("expected 1 missed heartbeat, got %d", n)
	}
	if n := w.NoteMissedHeartbeat(); n != 2 {
		t.Fatalf("expected 2 missed heartbeats, got %d", n)
	}
	w.RecordHeartbeat(time.Now())
	if n := w.NoteMissedHeartbeat(); n != 1 {
		t.Fatalf("expected missed count reset then incremented to 1, got %d", n)
	}
}

func TestSendDelegatesToConnection(t *testing.T) {
	fs := &fakeSender{}
	w := worker.New("w1", nil, fs)
	if err := w.Send(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(fs.sent) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(fs.sent))
	}
}

func TestPool_IdleWithCapability(t *testing.T) {
	p := worker.NewPool()
	w1 := worker.New("w1", []string{"llm-observe"}, &fakeSender{})
	w2 := worker.New("w2", []string{"llm-observe"}, &fakeSender{})
	w3 := worker.New("w3", []string{"llm-summarize"}, &fakeSender{})
	w2.MarkBusy("task-x")

	p.Add(w1)
	p.Add(w2)
	p.Add(w3)

	matches := p.IdleWithCapability("llm-observe")
	if len(matches) != 1 || matches[0].ID != "w1" {
		t.Fatalf("expected only w1 idle with llm-observe, got %v", matches)
	}
}

func TestPool_RemoveAndCount(t *testing.T) {
	p := worker.NewPool()
	p.Add(worker.New("w1", nil, &fakeSender{}))
	p.Add(worker.New("w2", nil, &fakeSender{}))
	if p.Count() != 2 {
		t.Fatalf("expected 2 workers, got %d", p.Count())
	}
	p.Remove("w1")
	if p.Count() != 1 {
		t.Fatalf("expected 1 worker after remove, got %d", p.Count())
	}
	if _, ok := p.Get("w1"); ok {
		t.Fatal("expected w1 removed")
	}
}
