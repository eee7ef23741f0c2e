// Package hub implements the Worker Hub: the websocket-style server-side
// connection manager for local worker processes. It owns authentication,
// registration, heartbeats, and task dispatch/reply wire framing.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/memoryd/memoryd/internal/bus"
	"github.com/memoryd/memoryd/internal/otel"
	"github.com/memoryd/memoryd/internal/worker"
)

// Close codes used on the worker wire protocol, beyond the standard
// websocket 1000/1001.
const (
	CloseAuthTimeout          = 4001
	CloseUnexpectedAuth       = 4002
	CloseInvalidToken         = 4003
	CloseRegisterWithoutAuth  = 4004
	CloseHeartbeatTimeout     = 4005
)

// Sink receives lifecycle callbacks from the hub. The Task Dispatcher
// implements this interface; the hub never calls into the dispatcher
// directly, avoiding the cycle between the two components.
type TaskEventsSink interface {
	OnWorkerConnected(w *worker.Worker)
	OnWorkerDisconnected(workerID string)
	OnTaskComplete(workerID, taskID, result string, processingTimeMs int64)
	OnTaskError(workerID, taskID, errMsg string, retryable bool)
	OnTaskProgress(workerID, taskID string, progress float64, message string)
}

// Config configures a Worker Hub instance.
type Config struct {
	// AuthToken gates connections. Empty means no auth is required, and
	// workers may register immediately without sending auth{}.
	AuthToken string

	AllowOrigins []string

	AuthTimeout          time.Duration
	HeartbeatInterval    time.Duration
	MaxMissedHeartbeats  int

	Bus    *bus.Bus
	Sink   TaskEventsSink
	Logger *slog.Logger

	// Tracer and Metrics instrument connection handling and task assignment.
	// Metrics is optional (nil disables metric recording); Tracer defaults
	// to a no-op tracer when unset.
	Tracer  trace.Tracer
	Metrics *otel.Metrics
}

func (c *Config) normalize() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MaxMissedHeartbeats <= 0 {
		c.MaxMissedHeartbeats = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Tracer == nil {
		c.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
}

// frame is the closed-set JSON envelope exchanged on the worker wire.
type frame struct {
	Type             string          `json:"type"`
	Token            string          `json:"token,omitempty"`
	WorkerID         string          `json:"workerId,omitempty"`
	Capabilities     []string        `json:"capabilities,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	TaskID           string          `json:"taskId,omitempty"`
	Task             *taskFrame      `json:"task,omitempty"`
	Capability       string          `json:"capability,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	Retryable        bool            `json:"retryable,omitempty"`
	Progress         float64         `json:"progress,omitempty"`
	Message          string          `json:"message,omitempty"`
	ProcessingTimeMs int64           `json:"processingTimeMs,omitempty"`
	Reason           string          `json:"reason,omitempty"`
}

type taskFrame struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// connState is a connection's position in the pending_auth → authenticated
// → registered → {busy|idle} → disconnected state machine.
type connState int

const (
	stateConnPendingAuth connState = iota
	stateConnAuthenticated
	stateConnRegistered
)

// conn wraps a websocket connection with the write-mutex idiom and exposes
// the worker.Sender interface the shared Worker type depends on.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) Send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(context.Background(), c.ws, v)
}

func (c *conn) Close(code int, reason string) error {
	return c.ws.Close(websocket.StatusCode(code), reason)
}

// Hub is the Worker Hub server.
type Hub struct {
	cfg  Config
	pool *worker.Pool
}

// New constructs a Worker Hub.
func New(cfg Config) *Hub {
	cfg.normalize()
	return &Hub{cfg: cfg, pool: worker.NewPool()}
}

// Pool exposes the connected-worker registry, read by the Task Dispatcher.
func (h *Hub) Pool() *worker.Pool { return h.pool }

// Handler returns the HTTP handler serving the /ws/worker upgrade endpoint.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/worker", h.handleWS)
	return mux
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &conn{ws: ws}
	ctx, span := otel.StartServerSpan(r.Context(), h.cfg.Tracer, "hub.connect")
	defer span.End()

	state, ok := h.authenticate(ctx, c)
	if !ok {
		return
	}

	w2, ok := h.register(ctx, c, state)
	if !ok {
		return
	}
	span.SetAttributes(otel.AttrWorkerID.String(w2.ID))

	h.cfg.Sink.OnWorkerConnected(w2)
	h.cfg.Bus.Publish(bus.TopicWorkerConnected, w2.ID)
	h.cfg.Logger.Info("hub: worker connected", "worker_id", w2.ID, "capabilities", w2.Capabilities)

	h.readLoop(ctx, c, w2)
}

// authenticate runs the pending_auth state: either the hub requires no
// token (register allowed immediately) or it waits up to AuthTimeout for an
// auth{} frame bearing the configured token.
func (h *Hub) authenticate(ctx context.Context, c *conn) (connState, bool) {
	if h.cfg.AuthToken == "" {
		return stateConnAuthenticated, true
	}

	if err := c.Send(frame{Type: "connection:pending"}); err != nil {
		return stateConnPendingAuth, false
	}

	type result struct {
		f   frame
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		var f frame
		err := wsjson.Read(ctx, c.ws, &f)
		resCh <- result{f, err}
	}()

	select {
	case <-time.After(h.cfg.AuthTimeout):
		_ = c.Close(CloseAuthTimeout, "auth timeout")
		return stateConnPendingAuth, false
	case res := <-resCh:
		if res.err != nil {
			return stateConnPendingAuth, false
		}
		if res.f.Type != "auth" {
			_ = c.Close(CloseUnexpectedAuth, "expected auth frame")
			return stateConnPendingAuth, false
		}
		if res.f.Token != h.cfg.AuthToken {
			_ = c.Send(frame{Type: "auth:failed", Reason: "invalid token"})
			_ = c.Close(CloseInvalidToken, "invalid token")
			return stateConnPendingAuth, false
		}
		_ = c.Send(frame{Type: "auth:success"})
		return stateConnAuthenticated, true
	}
}

// register waits for a register{} frame and assigns the worker its hub-side ID.
func (h *Hub) register(ctx context.Context, c *conn, state connState) (*worker.Worker, bool) {
	var f frame
	if err := wsjson.Read(ctx, c.ws, &f); err != nil {
		return nil, false
	}
	if f.Type != "register" {
		if h.cfg.AuthToken != "" && state < stateConnAuthenticated {
			_ = c.Close(CloseRegisterWithoutAuth, "register without auth")
		}
		return nil, false
	}

	workerID := uuid.NewString()
	w := worker.New(workerID, f.Capabilities, c)
	h.pool.Add(w)

	if err := c.Send(frame{Type: "registered", WorkerID: workerID}); err != nil {
		h.pool.Remove(workerID)
		return nil, false
	}
	return w, true
}

// readLoop processes frames from an established worker connection until it
// disconnects, drives the heartbeat sweeper, and reports terminal and
// progress events to the Sink.
func (h *Hub) readLoop(ctx context.Context, c *conn, w *worker.Worker) {
	sweepDone := make(chan struct{})
	go h.heartbeatSweeper(ctx, c, w, sweepDone)
	defer close(sweepDone)

	defer func() {
		h.pool.Remove(w.ID)
		h.cfg.Sink.OnWorkerDisconnected(w.ID)
		h.cfg.Bus.Publish(bus.TopicWorkerDisconnected, w.ID)
		h.cfg.Logger.Info("hub: worker disconnected", "worker_id", w.ID)
	}()

	for {
		var f frame
		if err := wsjson.Read(ctx, c.ws, &f); err != nil {
			return
		}
		h.dispatchFrame(w, f)
	}
}

func (h *Hub) dispatchFrame(w *worker.Worker, f frame) {
	switch f.Type {
	case "heartbeat":
		w.RecordHeartbeat(time.Now())
		_ = w.Send(frame{Type: "heartbeat:ack"})
	case "task:complete":
		w.MarkIdle()
		h.cfg.Sink.OnTaskComplete(w.ID, f.TaskID, string(f.Result), f.ProcessingTimeMs)
	case "task:error":
		w.MarkIdle()
		h.cfg.Sink.OnTaskError(w.ID, f.TaskID, f.Error, f.Retryable)
	case "task:progress":
		h.cfg.Sink.OnTaskProgress(w.ID, f.TaskID, f.Progress, f.Message)
	case "shutdown":
		_ = w.Close(websocket.StatusNormalClosure, "worker shutdown")
	}
}

// heartbeatSweeper closes the connection if the worker has missed
// HeartbeatInterval × MaxMissedHeartbeats worth of heartbeats.
func (h *Hub) heartbeatSweeper(ctx context.Context, c *conn, w *worker.Worker, done <-chan struct{}) {
	RunLivenessSweeper(ctx, h.cfg.HeartbeatInterval, h.cfg.MaxMissedHeartbeats, w.LastHeartbeat, func() {
		_ = c.Close(CloseHeartbeatTimeout, "heartbeat timeout")
	}, done)
}

// FindAvailableWorker returns an idle worker declaring capability, or nil.
// Among candidates, the first found is returned — fair enough under Go's
// unordered map iteration that no idle worker is systematically starved.
func (h *Hub) FindAvailableWorker(capability string) *worker.Worker {
	matches := h.pool.IdleWithCapability(capability)
	if len(matches) == 0 {
		return nil
	}
	return matches[0]
}

// AssignTask atomically claims workerID if still idle and sends task:assign.
// Returns false if the worker vanished or became busy in the meantime.
func (h *Hub) AssignTask(workerID, taskID, taskType string, payload json.RawMessage, capability string) bool {
	w, ok := h.pool.Get(workerID)
	if !ok {
		return false
	}
	if w.State() != worker.StateIdle {
		return false
	}
	w.MarkBusy(taskID)

	_, span := otel.StartClientSpan(context.Background(), h.cfg.Tracer, "hub.assign_task",
		otel.AttrWorkerID.String(workerID), otel.AttrTaskID.String(taskID), otel.AttrCapability.String(capability))
	defer span.End()

	sendStart := time.Now()
	err := w.Send(frame{
		Type:       "task:assign",
		Capability: capability,
		Task: &taskFrame{
			ID:      taskID,
			Type:    taskType,
			Payload: payload,
		},
	})
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.WireSendDuration.Record(context.Background(), time.Since(sendStart).Seconds())
	}
	if err != nil {
		w.MarkIdle()
		return false
	}
	return true
}

// CancelTask sends task:cancel to the worker currently holding taskID.
func (h *Hub) CancelTask(workerID, taskID, reason string) error {
	w, ok := h.pool.Get(workerID)
	if !ok {
		return fmt.Errorf("worker %s not connected", workerID)
	}
	return w.Send(frame{Type: "task:cancel", TaskID: taskID, Reason: reason})
}

// Shutdown sends server:shutdown to every connected worker and closes their
// connections.
func (h *Hub) Shutdown() {
	for _, w := range h.pool.All() {
		_ = w.Send(frame{Type: "server:shutdown"})
		_ = w.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// authorize reports whether an HTTP request carries a valid bearer token,
// used for any non-websocket endpoint the hub might expose alongside /ws.
// Unlike a fail-closed gateway, an empty configured token means no auth is
// required at all.
func (h *Hub) authorize(r *http.Request) bool {
	if h.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == h.cfg.AuthToken
}
