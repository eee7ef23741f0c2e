package dispatcher_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/memoryd/memoryd/internal/dispatcher"
	"github.com/memoryd/memoryd/internal/hubregistry"
	"github.com/memoryd/memoryd/internal/queue"
	"github.com/memoryd/memoryd/internal/worker"
)

// fakeLocal is an in-memory LocalTransport test double: a worker.Pool plus a
// record of every task assignment the dispatcher sent it.
type fakeLocal struct {
	pool *worker.Pool

	mu      sync.Mutex
	assigns []assignCall
}

type assignCall struct {
	workerID, taskID, taskType, capability string
}

type fakeSender struct{}

func (fakeSender) Send(v interface{}) error            { return nil }
func (fakeSender) Close(code int, reason string) error { return nil }

func newFakeLocal() *fakeLocal {
	return &fakeLocal{pool: worker.NewPool()}
}

func (f *fakeLocal) addIdleWorker(id string, capabilities ...string) {
	f.pool.Add(worker.New(id, capabilities, fakeSender{}))
}

func (f *fakeLocal) Pool() *worker.Pool { return f.pool }

func (f *fakeLocal) AssignTask(workerID, taskID, taskType string, payload json.RawMessage, capability string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assigns = append(f.assigns, assignCall{workerID, taskID, taskType, capability})
	if w, ok := f.pool.Get(workerID); ok {
		w.MarkBusy(taskID)
	}
	return true
}

func (f *fakeLocal) lastAssign() (assignCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.assigns) == 0 {
		return assignCall{}, false
	}
	return f.assigns[len(f.assigns)-1], true
}

// fakeFederated is a FederatedTransport test double.
type fakeFederated struct {
	mu      sync.Mutex
	assigns []assignCall
}

func (f *fakeFederated) AssignTask(hubName, taskID, taskType string, payload json.RawMessage, capability string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assigns = append(f.assigns, assignCall{hubName, taskID, taskType, capability})
	return true
}

func (f *fakeFederated) lastAssign() (assignCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.assigns) == 0 {
		return assignCall{}, false
	}
	return f.assigns[len(f.assigns)-1], true
}

func openTestQueue(t *testing.T) *queue.Store {
	t.Helper()
	s, err := queue.Open(filepath.Join(t.TempDir(), "tasks.db"), nil, nil)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func openTestRegistry(t *testing.T) *hubregistry.Registry {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "hubs.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	reg, err := hubregistry.Open(db)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	return reg
}

func newTestDispatcher(t *testing.T) (*dispatcher.Dispatcher, *queue.Store, *hubregistry.Registry, *fakeLocal, *fakeFederated) {
	t.Helper()
	q := openTestQueue(t)
	reg := openTestRegistry(t)
	local := newFakeLocal()
	federated := &fakeFederated{}
	d := dispatcher.New(dispatcher.Config{
		Queue:     q,
		Registry:  reg,
		Local:     local,
		Federated: federated,
		TickEvery: 20 * time.Millisecond,
	})
	return d, q, reg, local, federated
}

func TestDispatcher_AssignsPendingTaskToIdleLocalWorker(t *testing.T) {
	d, q, _, local, _ := newTestDispatcher(t)
	ctx := context.Background()

	local.addIdleWorker("worker-1", "llm-observe")

	task, err := q.Create(ctx, queue.CreateParams{Type: "observation", RequiredCapability: "llm-observe"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	d.Start(ctx)
	t.Cleanup(d.Stop)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if call, ok := local.lastAssign(); ok {
			if call.taskID != task.ID || call.workerID != "worker-1" {
				t.Fatalf("expected task %s assigned to worker-1, got %+v", task.ID, call)
			}
			reloaded, err := q.FindByID(ctx, task.ID)
			if err != nil {
				t.Fatalf("find: %v", err)
			}
			if reloaded.Status != queue.StatusProcessing {
				t.Fatalf("expected task to be marked processing, got %s", reloaded.Status)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected task to be assigned to the idle worker")
}

func TestDispatcher_FallsBackToHubWhenNoLocalWorkerMatches(t *testing.T) {
	d, q, reg, _, federated := newTestDispatcher(t)
	ctx := context.Background()

	if _, err := reg.Upsert(ctx, hubregistry.UpsertParams{
		Name:         "edge-fleet-1",
		Priority:     5,
		Capabilities: []string{"cpu-embed"},
	}); err != nil {
		t.Fatalf("upsert hub: %v", err)
	}

	task, err := q.Create(ctx, queue.CreateParams{
		Type:                 "embedding",
		RequiredCapability:   "gpu-embed",
		FallbackCapabilities: []string{"cpu-embed"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	d.Start(ctx)
	t.Cleanup(d.Stop)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if call, ok := federated.lastAssign(); ok {
			if call.taskID != task.ID || call.workerID != "edge-fleet-1" || call.capability != "cpu-embed" {
				t.Fatalf("expected fallback dispatch to edge-fleet-1 via cpu-embed, got %+v", call)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected task to fall back to the federated hub")
}

func TestDispatcher_PrefersLocalWorkerOverHubForRequiredCapability(t *testing.T) {
	d, q, reg, local, federated := newTestDispatcher(t)
	ctx := context.Background()

	local.addIdleWorker("worker-1", "llm-observe")
	if _, err := reg.Upsert(ctx, hubregistry.UpsertParams{
		Name:         "edge-fleet-1",
		Priority:     9,
		Capabilities: []string{"llm-observe"},
	}); err != nil {
		t.Fatalf("upsert hub: %v", err)
	}

	task, err := q.Create(ctx, queue.CreateParams{Type: "observation", RequiredCapability: "llm-observe"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	d.Start(ctx)
	t.Cleanup(d.Stop)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if call, ok := local.lastAssign(); ok && call.taskID == task.ID {
			if _, ok := federated.lastAssign(); ok {
				t.Fatal("expected no federated assignment when a local worker matches")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected task assigned to the local worker")
}

func TestDispatcher_OnTaskCompleteMarksTaskCompleted(t *testing.T) {
	d, q, _, local, _ := newTestDispatcher(t)
	ctx := context.Background()

	local.addIdleWorker("worker-1", "llm-observe")
	task, err := q.Create(ctx, queue.CreateParams{Type: "observation", RequiredCapability: "llm-observe"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	d.Start(ctx)
	t.Cleanup(d.Stop)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := local.lastAssign(); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	d.OnTaskComplete("worker-1", task.ID, `{"ok":true}`, 42)

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		reloaded, err := q.FindByID(ctx, task.ID)
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if reloaded.Status == queue.StatusCompleted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected task to reach completed status")
}

func TestDispatcher_OnTaskErrorRetriesThenFails(t *testing.T) {
	d, q, _, local, _ := newTestDispatcher(t)
	ctx := context.Background()

	local.addIdleWorker("worker-1", "llm-observe")
	task, err := q.Create(ctx, queue.CreateParams{Type: "observation", RequiredCapability: "llm-observe", MaxRetries: 0})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	d.Start(ctx)
	t.Cleanup(d.Stop)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := local.lastAssign(); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	d.OnTaskError("worker-1", task.ID, "boom", true)

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		reloaded, err := q.FindByID(ctx, task.ID)
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if reloaded.Status == queue.StatusFailed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected task to reach failed status with max retries exhausted")
}

func TestDispatcher_OnWorkerDisconnectedRequeuesOrphanedTasks(t *testing.T) {
	d, q, _, local, _ := newTestDispatcher(t)
	ctx := context.Background()

	local.addIdleWorker("worker-1", "llm-observe")
	task, err := q.Create(ctx, queue.CreateParams{Type: "observation", RequiredCapability: "llm-observe"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	assigned, err := q.Assign(ctx, task.ID, "worker-1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := q.MarkProcessing(ctx, assigned.ID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	d.OnWorkerDisconnected("worker-1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		reloaded, err := q.FindByID(ctx, task.ID)
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if reloaded.Status == queue.StatusPending && reloaded.AssignedWorkerID == "" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected orphaned task requeued to pending")
}

func TestDispatcher_NoEligibleWorkersOrHubsSkipsCycle(t *testing.T) {
	d, q, _, _, federated := newTestDispatcher(t)
	ctx := context.Background()

	task, err := q.Create(ctx, queue.CreateParams{Type: "observation", RequiredCapability: "llm-observe"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	d.Start(ctx)
	t.Cleanup(d.Stop)
	time.Sleep(100 * time.Millisecond)

	reloaded, err := q.FindByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if reloaded.Status != queue.StatusPending {
		t.Fatalf("expected task to remain pending with no workers or hubs, got %s", reloaded.Status)
	}
	if _, ok := federated.lastAssign(); ok {
		t.Fatal("expected no federated assignment")
	}
}
