// Package worker holds the in-memory representation of a connected worker,
// shared by the Worker Hub (which owns the connection) and the Task
// Dispatcher (which matches tasks against capabilities).
package worker

import (
	"sync"
	"time"
)

// State is a worker's availability for new task assignment.
type State string

const (
	StateIdle State = "idle"
	StateBusy State = "busy"
)

// Sender abstracts the wire connection so this package stays transport
// agnostic; internal/hub supplies the coder/websocket-backed implementation.
type Sender interface {
	Send(v interface{}) error
	Close(code int, reason string) error
}

// Worker is a connected worker process: its declared capabilities, its
// connection handle, and its current busy/idle bookkeeping.
type Worker struct {
	ID           string
	Capabilities []string

	mu                sync.RWMutex
	state             State
	conn              Sender
	lastHeartbeat     time.Time
	missedHeartbeats  int
	currentTaskID     string
}

// New creates a worker record in the idle state.
func New(id string, capabilities []string, conn Sender) *Worker {
	return &Worker{
		ID:            id,
		Capabilities:  capabilities,
		state:         StateIdle,
		conn:          conn,
		lastHeartbeat: time.Now(),
	}
}

// HasCapability reports whether this worker declares cap among its
// capabilities.
func (w *Worker) HasCapability(cap string) bool {
	for _, c := range w.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// State returns the worker's current busy/idle state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// MarkBusy transitions the worker to busy and records the task it was
// assigned.
func (w *Worker) MarkBusy(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = StateBusy
	w.currentTaskID = taskID
}

// MarkIdle transitions the worker back to idle.
func (w *Worker) MarkIdle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = StateIdle
	w.currentTaskID = ""
}

// CurrentTaskID returns the task currently assigned to this worker, if any.
func (w *Worker) CurrentTaskID() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.currentTaskID
}

// RecordHeartbeat resets the missed-heartbeat counter and timestamp.
func (w *Worker) RecordHeartbeat(at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastHeartbeat = at
	w.missedHeartbeats = 0
}

// NoteMissedHeartbeat increments the missed-heartbeat counter and returns
// the new count.
func (w *Worker) NoteMissedHeartbeat() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.missedHeartbeats++
	return w.missedHeartbeats
}

// LastHeartbeat returns the timestamp of the last received heartbeat.
func (w *Worker) LastHeartbeat() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastHeartbeat
}

// Send writes v to the worker's connection.
func (w *Worker) Send(v interface{}) error {
	w.mu.RLock()
	conn := w.conn
	w.mu.RUnlock()
	return conn.Send(v)
}

// Close closes the worker's connection with the given websocket close code
// and reason.
func (w *Worker) Close(code int, reason string) error {
	w.mu.RLock()
	conn := w.conn
	w.mu.RUnlock()
	return conn.Close(code, reason)
}

// Pool is a concurrency-safe registry of connected workers, keyed by ID.
type Pool struct {
	mu      sync.RWMutex
	workers map[string]*Worker
}

// NewPool creates an empty worker pool.
func NewPool() *Pool {
	return &Pool{workers: make(map[string]*Worker)}
}

// Add registers a worker in the pool.
func (p *Pool) Add(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers[w.ID] = w
}

// Remove drops a worker from the pool.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.workers, id)
}

// Get returns the worker with the given ID, if connected.
func (p *Pool) Get(id string) (*Worker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	w, ok := p.workers[id]
	return w, ok
}

// IdleWithCapability returns every idle worker declaring cap, in no
// particular order.
func (p *Pool) IdleWithCapability(cap string) []*Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var matches []*Worker
	for _, w := range p.workers {
		if w.State() == StateIdle && w.HasCapability(cap) {
			matches = append(matches, w)
		}
	}
	return matches
}

// All returns a snapshot of every connected worker.
func (p *Pool) All() []*Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w)
	}
	return out
}

// Count returns the number of connected workers.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}
