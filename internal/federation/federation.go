// Package federation implements the Federation Handler: the server side of
// hub-of-hubs peering. Downstream backends connect in as "external hubs",
// each representing a pool of workers rather than a single worker. The
// wire shape mirrors the Worker Hub's protocol with a hub: prefix.
package federation

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/memoryd/memoryd/internal/bus"
	"github.com/memoryd/memoryd/internal/hub"
	"github.com/memoryd/memoryd/internal/hubregistry"
	"github.com/memoryd/memoryd/internal/otel"
)

// Sink receives task lifecycle callbacks from hub-proxied task execution.
// Its method set overlaps the Worker Hub's Sink deliberately so the Task
// Dispatcher can implement both with a single set of methods, the
// identifier parameter simply carrying a hub ID instead of a worker ID.
type TaskEventsSink interface {
	OnTaskComplete(hubID, taskID, result string, processingTimeMs int64)
	OnTaskError(hubID, taskID, errMsg string, retryable bool)
	OnTaskProgress(hubID, taskID string, progress float64, message string)
}

// Config configures a Federation Handler instance.
type Config struct {
	AllowOrigins []string

	// AuthToken gates downstream hub connections. Empty means no auth is
	// required, and a connecting hub may send hub:register immediately.
	AuthToken   string
	AuthTimeout time.Duration

	HealthInterval   time.Duration
	MaxMissedReports int

	Registry *hubregistry.Registry
	Bus      *bus.Bus
	Sink     TaskEventsSink
	Logger   *slog.Logger

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
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.MaxMissedReports <= 0 {
		c.MaxMissedReports = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Tracer == nil {
		c.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
}

// frame is the closed-set JSON envelope on the hub-to-hub wire.
type frame struct {
	Type             string          `json:"type"`
	Token            string          `json:"token,omitempty"`
	Name             string          `json:"name,omitempty"`
	Priority         int             `json:"priority,omitempty"`
	Weight           int             `json:"weight,omitempty"`
	Region           string          `json:"region,omitempty"`
	Capabilities     []string        `json:"capabilities,omitempty"`
	ConnectedWorkers int             `json:"connectedWorkers,omitempty"`
	ActiveWorkers    int             `json:"activeWorkers,omitempty"`
	AvgLatencyMs     float64         `json:"avgLatencyMs,omitempty"`
	Status           string          `json:"status,omitempty"`
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

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(context.Background(), c.ws, v)
}

func (c *conn) close(code int, reason string) error {
	return c.ws.Close(websocket.StatusCode(code), reason)
}

// peerHub is one connected downstream hub: its wire connection and its
// last-health-report timestamp for the liveness sweeper.
type peerHub struct {
	name string
	conn *conn

	mu       sync.RWMutex
	lastSeen time.Time
}

func (p *peerHub) lastHealthReport() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSeen
}

func (p *peerHub) recordHealth(at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSeen = at
}

// Handler is the Federation Handler server.
type Handler struct {
	cfg Config

	mu   sync.RWMutex
	hubs map[string]*peerHub
}

// New constructs a Federation Handler.
func New(cfg Config) *Handler {
	cfg.normalize()
	return &Handler{cfg: cfg, hubs: make(map[string]*peerHub)}
}

// HTTPHandler returns the HTTP handler serving the /ws/hub upgrade endpoint.
func (h *Handler) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/hub", h.handleWS)
	return mux
}

// authenticate runs the pending-auth step for a downstream hub connection:
// either no token is configured and hub:register is allowed immediately, or
// it waits up to AuthTimeout for a hub:auth frame bearing the configured
// token.
func (h *Handler) authenticate(ctx context.Context, c *conn) bool {
	if h.cfg.AuthToken == "" {
		return true
	}

	if err := c.send(frame{Type: "hub:connection:pending"}); err != nil {
		return false
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
		_ = c.close(hub.CloseAuthTimeout, "auth timeout")
		return false
	case res := <-resCh:
		if res.err != nil {
			return false
		}
		if res.f.Type != "hub:auth" {
			_ = c.close(hub.CloseUnexpectedAuth, "expected hub:auth frame")
			return false
		}
		if res.f.Token != h.cfg.AuthToken {
			_ = c.send(frame{Type: "hub:auth:failed", Reason: "invalid token"})
			_ = c.close(hub.CloseInvalidToken, "invalid token")
			return false
		}
		_ = c.send(frame{Type: "hub:auth:success"})
		return true
	}
}

func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &conn{ws: ws}
	ctx, span := otel.StartServerSpan(r.Context(), h.cfg.Tracer, "federation.connect")
	defer span.End()

	if !h.authenticate(ctx, c) {
		return
	}

	var f frame
	if err := wsjson.Read(ctx, ws, &f); err != nil || f.Type != "hub:register" {
		_ = c.close(websocket.StatusPolicyViolation, "expected hub:register")
		return
	}

	hubRow, err := h.cfg.Registry.Upsert(ctx, hubregistryUpsertParams(f))
	if err != nil {
		_ = c.close(websocket.StatusInternalError, "registration failed")
		return
	}

	peer := &peerHub{name: f.Name, conn: c, lastSeen: time.Now()}
	h.mu.Lock()
	h.hubs[f.Name] = peer
	h.mu.Unlock()

	if err := c.send(frame{Type: "hub:registered", Name: f.Name}); err != nil {
		h.removeHub(f.Name)
		return
	}
	span.SetAttributes(otel.AttrHubID.String(f.Name))
	h.cfg.Logger.Info("federation: hub registered", "hub_id", hubRow.ID, "name", f.Name)

	h.readLoop(ctx, peer)
}

func (h *Handler) removeHub(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.hubs, name)
}

func (h *Handler) readLoop(ctx context.Context, peer *peerHub) {
	sweepDone := make(chan struct{})
	go hub.RunLivenessSweeper(ctx, h.cfg.HealthInterval, h.cfg.MaxMissedReports,
		peer.lastHealthReport,
		func() {
			_ = h.cfg.Registry.MarkStatus(context.Background(), peer.name, hubregistry.StatusUnhealthy)
			if h.cfg.Metrics != nil {
				h.cfg.Metrics.HubsUnhealthy.Add(context.Background(), 1)
			}
			_ = peer.conn.close(hub.CloseHeartbeatTimeout, "health report timeout")
		},
		sweepDone)
	defer close(sweepDone)

	defer func() {
		h.removeHub(peer.name)
		_ = h.cfg.Registry.MarkStatus(context.Background(), peer.name, hubregistry.StatusOffline)
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.HubsUnhealthy.Add(context.Background(), -1)
		}
		h.cfg.Bus.Publish(bus.TopicHubUnhealthy, peer.name)
		h.cfg.Logger.Info("federation: hub disconnected", "name", peer.name)
	}()

	for {
		var f frame
		if err := wsjson.Read(ctx, peer.conn.ws, &f); err != nil {
			return
		}
		h.dispatchFrame(ctx, peer, f)
	}
}

func (h *Handler) dispatchFrame(ctx context.Context, peer *peerHub, f frame) {
	switch f.Type {
	case "hub:health":
		peer.recordHealth(time.Now())
		status := hubregistry.Status(f.Status)
		if status == "" {
			status = hubregistry.StatusHealthy
		}
		_ = h.cfg.Registry.RecordHealth(ctx, peer.name, hubregistry.HealthReport{
			ConnectedWorkers: f.ConnectedWorkers,
			ActiveWorkers:    f.ActiveWorkers,
			AvgLatencyMs:     f.AvgLatencyMs,
			Capabilities:     f.Capabilities,
			Status:           status,
		})
		h.cfg.Bus.Publish(bus.TopicHubRegistered, peer.name)
	case "hub:task:complete":
		h.cfg.Sink.OnTaskComplete(peer.name, f.TaskID, string(f.Result), f.ProcessingTimeMs)
	case "hub:task:error":
		h.cfg.Sink.OnTaskError(peer.name, f.TaskID, f.Error, f.Retryable)
	case "hub:task:progress":
		h.cfg.Sink.OnTaskProgress(peer.name, f.TaskID, f.Progress, f.Message)
	case "hub:shutdown":
		_ = peer.conn.close(websocket.StatusNormalClosure, "hub shutdown")
	}
}

// AssignTask sends hub:task:assign to the named downstream hub, which is
// responsible for binding the task to one of its own workers.
func (h *Handler) AssignTask(hubName, taskID, taskType string, payload json.RawMessage, capability string) bool {
	h.mu.RLock()
	peer, ok := h.hubs[hubName]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	_, span := otel.StartClientSpan(context.Background(), h.cfg.Tracer, "federation.assign_task",
		otel.AttrHubID.String(hubName), otel.AttrTaskID.String(taskID), otel.AttrCapability.String(capability))
	defer span.End()

	sendStart := time.Now()
	err := peer.conn.send(frame{
		Type:       "hub:task:assign",
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
	return err == nil
}

// CancelTask sends hub:task:cancel to the named downstream hub.
func (h *Handler) CancelTask(hubName, taskID, reason string) bool {
	h.mu.RLock()
	peer, ok := h.hubs[hubName]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return peer.conn.send(frame{Type: "hub:task:cancel", TaskID: taskID, Reason: reason}) == nil
}

// Shutdown sends server:shutdown to every connected downstream hub.
func (h *Handler) Shutdown() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, peer := range h.hubs {
		_ = peer.conn.send(frame{Type: "server:shutdown"})
		_ = peer.conn.close(websocket.StatusGoingAway, "server shutting down")
	}
}

func hubregistryUpsertParams(f frame) hubregistry.UpsertParams {
	return hubregistry.UpsertParams{
		Name:         f.Name,
		Priority:     f.Priority,
		Weight:       f.Weight,
		Region:       f.Region,
		Capabilities: f.Capabilities,
	}
}
