package bus_test

import (
	"testing"
	"time"

	"github.com/memoryd/memoryd/internal/bus"
)

func TestPublishLiteralMatch(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("task:abc", "client-1", bus.ClientBrowser)
	defer b.Unsubscribe(sub)

	b.Publish("task:abc", bus.TaskEvent{TaskID: "abc", Status: "completed"})
	b.Publish("task:xyz", bus.TaskEvent{TaskID: "xyz", Status: "completed"})

	select {
	case ev := <-sub.Ch():
		te := ev.Payload.(bus.TaskEvent)
		if te.TaskID != "abc" {
			t.Fatalf("expected task abc, got %s", te.TaskID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected second event: %+v", ev)
	default:
	}
}

func TestPublishPrefixWildcard(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("task:*", "client-1", bus.ClientBrowser)
	defer b.Unsubscribe(sub)

	b.Publish("task:abc", nil)
	b.Publish("session:1", nil)

	select {
	case ev := <-sub.Ch():
		if ev.Topic != "task:abc" {
			t.Fatalf("expected task:abc, got %s", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case ev := <-sub.Ch():
		t.Fatalf("session:1 should not match task:* pattern, got %+v", ev)
	default:
	}
}

func TestPublishUniversalWildcard(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("*", "client-1", bus.ClientSSEWriter)
	defer b.Unsubscribe(sub)

	b.Publish("anything:goes", nil)

	select {
	case <-sub.Ch():
	case <-time.After(time.Second):
		t.Fatal("expected universal wildcard to receive event")
	}
}

func TestPublishAsEnforcesPermissions(t *testing.T) {
	b := bus.New()

	if err := b.PublishAs(bus.ClientBrowser, "task:abc", nil); err != bus.ErrPermissionDenied {
		t.Fatalf("expected permission denied for browser publish, got %v", err)
	}
	if err := b.PublishAs(bus.ClientSSEWriter, "task:abc", nil); err != bus.ErrPermissionDenied {
		t.Fatalf("expected permission denied for sse-writer publish, got %v", err)
	}
	if err := b.PublishAs(bus.ClientWorker, "task:abc", nil); err != nil {
		t.Fatalf("expected worker publish to succeed, got %v", err)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("*", "client-1", bus.ClientWorker)
	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", b.SubscriberCount())
	}

	_, ok := <-sub.Ch()
	if ok {
		t.Fatal("expected channel to be closed")
	}
}

func TestPublishDropsOldestOnFullBuffer(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("*", "client-1", bus.ClientWorker)
	defer b.Unsubscribe(sub)

	// Fill the buffer (100) plus one more to force a drop.
	const bufSize = 100
	for i := 0; i < bufSize+1; i++ {
		b.Publish("task:x", i)
	}

	if b.DroppedEventCount() != 1 {
		t.Fatalf("expected 1 dropped event, got %d", b.DroppedEventCount())
	}

	// The oldest event (i=0) should have been evicted; the first event
	// read back should be i=1, and the newest (i=100) should still be
	// present at the end.
	first := <-sub.Ch()
	if first.Payload.(int) != 1 {
		t.Fatalf("expected oldest remaining event to be 1, got %v", first.Payload)
	}
}

func TestSubscriberCount(t *testing.T) {
	b := bus.New()
	if b.SubscriberCount() != 0 {
		t.Fatal("expected 0 subscribers initially")
	}
	sub1 := b.Subscribe("*", "c1", bus.ClientBrowser)
	sub2 := b.Subscribe("task:*", "c2", bus.ClientWorker)
	if b.SubscriberCount() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.SubscriberCount())
	}
	b.Unsubscribe(sub1)
	b.Unsubscribe(sub2)
}
