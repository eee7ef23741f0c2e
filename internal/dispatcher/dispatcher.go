// Package dispatcher implements the Task Dispatcher: the scheduler that
// drives pending tasks to terminal states, matching capabilities against
// local workers and federated hubs, and reacting to lifecycle callbacks.
package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/memoryd/memoryd/internal/hubregistry"
	"github.com/memoryd/memoryd/internal/otel"
	"github.com/memoryd/memoryd/internal/queue"
	"github.com/memoryd/memoryd/internal/worker"
)

// LocalTransport is what the dispatcher calls to reach local workers. The
// Worker Hub implements this; the dispatcher never depends on the hub's
// connection internals directly.
type LocalTransport interface {
	Pool() *worker.Pool
	AssignTask(workerID, taskID, taskType string, payload json.RawMessage, capability string) bool
}

// FederatedTransport is what the dispatcher calls to reach downstream
// hubs. The Federation Handler implements this.
type FederatedTransport interface {
	AssignTask(hubName, taskID, taskType string, payload json.RawMessage, capability string) bool
}

// Config configures a Task Dispatcher.
type Config struct {
	Queue      *queue.Store
	Registry   *hubregistry.Registry
	Local      LocalTransport
	Federated  FederatedTransport
	TickEvery  time.Duration
	TaskTimeoutMs int64
	Logger     *slog.Logger

	// Tracer and Metrics instrument dispatch cycles and task outcomes.
	// Metrics is optional (nil disables metric recording); Tracer defaults
	// to a no-op tracer when unset.
	Tracer  trace.Tracer
	Metrics *otel.Metrics
}

func (c *Config) normalize() {
	if c.TickEvery <= 0 {
		c.TickEvery = time.Second
	}
	if c.TaskTimeoutMs <= 0 {
		c.TaskTimeoutMs = 5 * 60 * 1000
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Tracer == nil {
		c.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
}

// Dispatcher drives the pending→assigned→processing→completed/failed state
// machine. It implements hub.TaskEventsSink and federation.TaskEventsSink
// by structural satisfaction (the identifier parameter on OnTaskComplete,
// OnTaskError, OnTaskProgress equally names a worker or a hub).
type Dispatcher struct {
	cfg Config

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Task Dispatcher. Call Start to begin the dispatch loop.
func New(cfg Config) *Dispatcher {
	cfg.normalize()
	return &Dispatcher{
		cfg:  cfg,
		kick: make(chan struct{}, 1),
	}
}

// Start begins the dispatch loop (ticker + kick-triggered) and the timeout
// sweeper in background goroutines.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(2)
	go d.loop(ctx)
	go d.timeoutSweepLoop(ctx)
	d.cfg.Logger.Info("dispatcher started", "tick_every", d.cfg.TickEvery)
}

// Stop cancels both loops and waits for them to exit.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.cfg.Logger.Info("dispatcher stopped")
}

// Kick requests an immediate dispatch cycle, called on worker-connected,
// task-completed, task-errored, and worker-disconnected events.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.TickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runCycle(ctx)
		case <-d.kick:
			d.runCycle(ctx)
		}
	}
}

func (d *Dispatcher) timeoutSweepLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.TickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			timedOut, err := d.cfg.Queue.SweepTimeouts(ctx, d.cfg.TaskTimeoutMs)
			if err != nil {
				d.cfg.Logger.Error("dispatcher: timeout sweep failed", "error", err)
				continue
			}
			if len(timedOut) > 0 {
				d.cfg.Logger.Info("dispatcher: swept timed-out tasks", "count", len(timedOut))
				if d.cfg.Metrics != nil {
					d.cfg.Metrics.TaskTimedOut.Add(ctx, int64(len(timedOut)))
				}
			}
		}
	}
}

// runCycle executes one dispatch pass per the defined algorithm: collect
// available capabilities, fetch the next matching pending task, resolve a
// destination (local worker first, then fallback capabilities, then a
// federated hub), assign, and send.
func (d *Dispatcher) runCycle(ctx context.Context) {
	ctx, span := otel.StartSpan(ctx, d.cfg.Tracer, "dispatcher.run_cycle")
	defer span.End()
	start := time.Now()
	defer func() {
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.DispatchDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	pool := d.cfg.Local.Pool()
	eligibleHubs, err := d.cfg.Registry.ListHealthyOrDegraded(ctx)
	if err != nil {
		d.cfg.Logger.Error("dispatcher: list hubs failed", "error", err)
		eligibleHubs = nil
	}

	if pool.Count() == 0 && len(eligibleHubs) == 0 {
		return
	}

	available := availableCapabilities(pool, eligibleHubs)
	if len(available) == 0 {
		return
	}

	task, err := d.cfg.Queue.GetNextPending(ctx, capSlice(available))
	if err != nil {
		return
	}

	dest, capability, isHub := d.resolveDestination(task, pool, eligibleHubs)
	if dest == "" {
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.DispatchNoWorker.Add(ctx, 1)
		}
		return
	}

	assigned, err := d.cfg.Queue.Assign(ctx, task.ID, dest)
	if err != nil {
		// Another dispatcher beat us to it, or the precondition changed.
		return
	}

	_, assignSpan := otel.StartClientSpan(ctx, d.cfg.Tracer, "dispatcher.assign_task",
		otel.AttrTaskID.String(assigned.ID), otel.AttrTaskType.String(assigned.Type), otel.AttrCapability.String(capability))
	var sent bool
	if isHub {
		assignSpan.SetAttributes(otel.AttrHubID.String(dest))
		sent = d.cfg.Federated.AssignTask(dest, assigned.ID, assigned.Type, json.RawMessage(assigned.Payload), capability)
	} else {
		assignSpan.SetAttributes(otel.AttrWorkerID.String(dest))
		sent = d.cfg.Local.AssignTask(dest, assigned.ID, assigned.Type, json.RawMessage(assigned.Payload), capability)
	}
	assignSpan.End()

	if !sent {
		if _, err := d.cfg.Queue.UpdateStatus(ctx, assigned.ID, queue.StatusPending, queue.UpdateStatusPatch{}); err != nil {
			d.cfg.Logger.Error("dispatcher: release after send failure failed", "task_id", assigned.ID, "error", err)
		}
		d.cfg.Logger.Warn("dispatcher: send failed, released task to pending", "task_id", assigned.ID, "destination", dest)
		return
	}

	if d.cfg.Metrics != nil {
		d.cfg.Metrics.DispatchAssigned.Add(ctx, 1)
	}
	if err := d.cfg.Queue.MarkProcessing(ctx, assigned.ID); err != nil {
		d.cfg.Logger.Error("dispatcher: mark processing failed", "task_id", assigned.ID, "error", err)
	}
	d.Kick()
}

func availableCapabilities(pool *worker.Pool, hubs []hubregistry.Hub) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range pool.All() {
		if w.State() != worker.StateIdle {
			continue
		}
		for _, c := range w.Capabilities {
			set[c] = struct{}{}
		}
	}
	for _, h := range hubs {
		for _, c := range h.Capabilities {
			set[c] = struct{}{}
		}
	}
	return set
}

func capSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// resolveDestination implements the priority order: local idle worker with
// required_capability, then local idle worker or healthy hub walking
// fallback_capabilities in order, then any healthy hub by priority.
func (d *Dispatcher) resolveDestination(task queue.Task, pool *worker.Pool, hubs []hubregistry.Hub) (dest, capability string, isHub bool) {
	if w := firstIdleWithCapability(pool, task.RequiredCapability); w != nil {
		return w.ID, task.RequiredCapability, false
	}

	for _, fb := range task.FallbackCapabilities {
		if w := firstIdleWithCapability(pool, fb); w != nil {
			return w.ID, fb, false
		}
		if h := firstHubWithCapability(hubs, fb); h != nil {
			return h.Name, fb, true
		}
	}

	if h := firstHubWithCapability(hubs, task.RequiredCapability); h != nil {
		return h.Name, task.RequiredCapability, true
	}

	return "", "", false
}

func firstIdleWithCapability(pool *worker.Pool, capability string) *worker.Worker {
	if capability == "" {
		return nil
	}
	matches := pool.IdleWithCapability(capability)
	if len(matches) == 0 {
		return nil
	}
	return matches[0]
}

// firstHubWithCapability returns the highest-priority eligible hub (hubs is
// already ordered by priority descending) advertising capability.
func firstHubWithCapability(hubs []hubregistry.Hub, capability string) *hubregistry.Hub {
	if capability == "" {
		return nil
	}
	for i := range hubs {
		for _, c := range hubs[i].Capabilities {
			if c == capability {
				return &hubs[i]
			}
		}
	}
	return nil
}

// OnWorkerConnected triggers an immediate dispatch cycle; a newly connected
// worker may be able to claim work waiting in the queue.
func (d *Dispatcher) OnWorkerConnected(w *worker.Worker) {
	d.Kick()
}

// OnWorkerDisconnected resets every task still owned by the departing
// worker back to pending (not a retry, since the worker never owned it
// productively) and triggers a dispatch cycle.
func (d *Dispatcher) OnWorkerDisconnected(workerID string) {
	ctx := context.Background()
	n, err := d.cfg.Queue.RequeueOrphaned(ctx, workerID)
	if err != nil {
		d.cfg.Logger.Error("dispatcher: requeue orphaned tasks failed", "worker_id", workerID, "error", err)
	} else if n > 0 {
		d.cfg.Logger.Info("dispatcher: requeued orphaned tasks", "worker_id", workerID, "count", n)
	}
	d.Kick()
}

// OnTaskComplete marks a task completed with its result and triggers a
// dispatch cycle. The first parameter is a worker ID or hub name; the
// dispatcher does not need to distinguish the two to record completion.
func (d *Dispatcher) OnTaskComplete(sourceID, taskID, result string, processingTimeMs int64) {
	ctx := context.Background()
	if err := d.cfg.Queue.Complete(ctx, taskID, result); err != nil {
		d.cfg.Logger.Error("dispatcher: complete task failed", "task_id", taskID, "error", err)
	} else if d.cfg.Metrics != nil {
		d.cfg.Metrics.TaskCompleted.Add(ctx, 1)
	}
	d.Kick()
}

// OnTaskError applies retry semantics: increment retry_count, fail if at
// max retries, otherwise requeue to pending with no imposed backoff.
func (d *Dispatcher) OnTaskError(sourceID, taskID, errMsg string, retryable bool) {
	ctx := context.Background()
	if err := d.cfg.Queue.Fail(ctx, taskID, errMsg); err != nil {
		d.cfg.Logger.Error("dispatcher: fail task failed", "task_id", taskID, "error", err)
	} else if d.cfg.Metrics != nil {
		if retryable {
			d.cfg.Metrics.TaskRetried.Add(ctx, 1)
		} else {
			d.cfg.Metrics.TaskFailed.Add(ctx, 1)
		}
	}
	d.Kick()
}

// OnTaskProgress is advisory; the dispatcher has no state to update on
// progress reports, but logs them for observability.
func (d *Dispatcher) OnTaskProgress(sourceID, taskID string, progress float64, message string) {
	d.cfg.Logger.Debug("dispatcher: task progress", "source_id", sourceID, "task_id", taskID, "progress", progress, "message", message)
}
