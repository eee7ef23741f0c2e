package hub_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/memoryd/memoryd/internal/bus"
	"github.com/memoryd/memoryd/internal/hub"
	"github.com/memoryd/memoryd/internal/worker"
)

type fakeSink struct {
	connected    chan *worker.Worker
	disconnected chan string
	completed    chan string
	errored      chan string
	progressed   chan string
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		connected:    make(chan *worker.Worker, 8),
		disconnected: make(chan string, 8),
		completed:    make(chan string, 8),
		errored:      make(chan string, 8),
		progressed:   make(chan string, 8),
	}
}

func (f *fakeSink) OnWorkerConnected(w *worker.Worker)   { f.connected <- w }
func (f *fakeSink) OnWorkerDisconnected(workerID string) { f.disconnected <- workerID }
func (f *fakeSink) OnTaskComplete(workerID, taskID, result string, processingTimeMs int64) {
	f.completed <- taskID
}
func (f *fakeSink) OnTaskError(workerID, taskID, errMsg string, retryable bool) {
	f.errored <- taskID
}
func (f *fakeSink) OnTaskProgress(workerID, taskID string, progress float64, message string) {
	f.progressed <- taskID
}

type frame struct {
	Type         string          `json:"type"`
	Token        string          `json:"token,omitempty"`
	WorkerID     string          `json:"workerId,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	TaskID       string          `json:"taskId,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

func newTestHub(t *testing.T, token string) (*hub.Hub, *httptest.Server, *fakeSink) {
	t.Helper()
	sink := newFakeSink()
	h := hub.New(hub.Config{
		AuthToken:           token,
		AuthTimeout:         500 * time.Millisecond,
		HeartbeatInterval:   200 * time.Millisecond,
		MaxMissedHeartbeats: 2,
		Bus:                 bus.New(),
		Sink:                sink,
	})
	ts := httptest.NewServer(h.Handler())
	t.Cleanup(ts.Close)
	return h, ts, sink
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/ws/worker", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func TestHub_RegisterWithoutAuthWhenNoTokenConfigured(t *testing.T) {
	_, ts, sink := newTestHub(t, "")
	conn := dial(t, ts)
	ctx := context.Background()

	if err := wsjson.Write(ctx, conn, frame{Type: "register", Capabilities: []string{"observation:mistral"}}); err != nil {
		t.Fatalf("write register: %v", err)
	}
	var resp frame
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		t.Fatalf("read registered: %v", err)
	}
	if resp.Type != "registered" || resp.WorkerID == "" {
		t.Fatalf("expected registered with workerId, got %+v", resp)
	}

	select {
	case w := <-sink.connected:
		if w.ID != resp.WorkerID {
			t.Fatalf("sink worker id mismatch: %s vs %s", w.ID, resp.WorkerID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected OnWorkerConnected callback")
	}
}

func TestHub_SendsConnectionPendingWhenAuthRequired(t *testing.T) {
	_, ts, _ := newTestHub(t, "secret-token")
	conn := dial(t, ts)
	ctx := context.Background()

	var pending frame
	if err := wsjson.Read(ctx, conn, &pending); err != nil {
		t.Fatalf("read connection:pending: %v", err)
	}
	if pending.Type != "connection:pending" {
		t.Fatalf("expected connection:pending, got %+v", pending)
	}
}

func TestHub_AuthSucceedsWithValidToken(t *testing.T) {
	_, ts, _ := newTestHub(t, "secret-token")
	conn := dial(t, ts)
	ctx := context.Background()

	var pending frame
	if err := wsjson.Read(ctx, conn, &pending); err != nil {
		t.Fatalf("read connection:pending: %v", err)
	}

	if err := wsjson.Write(ctx, conn, frame{Type: "auth", Token: "secret-token"}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	var authResp frame
	if err := wsjson.Read(ctx, conn, &authResp); err != nil {
		t.Fatalf("read auth resp: %v", err)
	}
	if authResp.Type != "auth:success" {
		t.Fatalf("expected auth:success, got %+v", authResp)
	}

	if err := wsjson.Write(ctx, conn, frame{Type: "register", Capabilities: []string{"summarize:gemini"}}); err != nil {
		t.Fatalf("write register: %v", err)
	}
	var regResp frame
	if err := wsjson.Read(ctx, conn, &regResp); err != nil {
		t.Fatalf("read registered: %v", err)
	}
	if regResp.Type != "registered" {
		t.Fatalf("expected registered, got %+v", regResp)
	}
}

func TestHub_AuthFailsWithInvalidToken(t *testing.T) {
	_, ts, _ := newTestHub(t, "secret-token")
	conn := dial(t, ts)
	ctx := context.Background()

	var pending frame
	if err := wsjson.Read(ctx, conn, &pending); err != nil {
		t.Fatalf("read connection:pending: %v", err)
	}

	if err := wsjson.Write(ctx, conn, frame{Type: "auth", Token: "wrong"}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	var resp frame
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		t.Fatalf("read auth:failed: %v", err)
	}
	if resp.Type != "auth:failed" {
		t.Fatalf("expected auth:failed, got %+v", resp)
	}

	readCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	var next frame
	if err := wsjson.Read(readCtx, conn, &next); err == nil {
		t.Fatal("expected connection closed after invalid token")
	}
}

func TestHub_TaskCompleteNotifiesSink(t *testing.T) {
	h, ts, sink := newTestHub(t, "")
	conn := dial(t, ts)
	ctx := context.Background()

	if err := wsjson.Write(ctx, conn, frame{Type: "register", Capabilities: []string{"observation:mistral"}}); err != nil {
		t.Fatalf("write register: %v", err)
	}
	var regResp frame
	if err := wsjson.Read(ctx, conn, &regResp); err != nil {
		t.Fatalf("read registered: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h.Pool().Count() == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if h.Pool().Count() != 1 {
		t.Fatalf("expected worker registered in pool")
	}

	ok := h.AssignTask(regResp.WorkerID, "task-1", "observation", json.RawMessage(`{"foo":1}`), "observation:mistral")
	if !ok {
		t.Fatalf("expected AssignTask to succeed")
	}

	var assignMsg map[string]interface{}
	if err := wsjson.Read(ctx, conn, &assignMsg); err != nil {
		t.Fatalf("read task:assign: %v", err)
	}
	if assignMsg["type"] != "task:assign" {
		t.Fatalf("expected task:assign, got %+v", assignMsg)
	}

	if err := wsjson.Write(ctx, conn, frame{Type: "task:complete", TaskID: "task-1", Result: json.RawMessage(`{"ok":true}`)}); err != nil {
		t.Fatalf("write task:complete: %v", err)
	}

	select {
	case taskID := <-sink.completed:
		if taskID != "task-1" {
			t.Fatalf("expected task-1, got %s", taskID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected OnTaskComplete callback")
	}
}

func TestHub_HeartbeatAck(t *testing.T) {
	_, ts, _ := newTestHub(t, "")
	conn := dial(t, ts)
	ctx := context.Background()

	if err := wsjson.Write(ctx, conn, frame{Type: "register", Capabilities: []string{"embedding:openai"}}); err != nil {
		t.Fatalf("write register: %v", err)
	}
	var regResp frame
	if err := wsjson.Read(ctx, conn, &regResp); err != nil {
		t.Fatalf("read registered: %v", err)
	}

	if err := wsjson.Write(ctx, conn, frame{Type: "heartbeat", WorkerID: regResp.WorkerID}); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	var ack frame
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		t.Fatalf("read heartbeat:ack: %v", err)
	}
	if ack.Type != "heartbeat:ack" {
		t.Fatalf("expected heartbeat:ack, got %+v", ack)
	}
}

func TestHub_WorkerDisconnectNotifiesSink(t *testing.T) {
	h, ts, sink := newTestHub(t, "")
	conn := dial(t, ts)
	ctx := context.Background()

	if err := wsjson.Write(ctx, conn, frame{Type: "register", Capabilities: []string{"observation:mistral"}}); err != nil {
		t.Fatalf("write register: %v", err)
	}
	var regResp frame
	if err := wsjson.Read(ctx, conn, &regResp); err != nil {
		t.Fatalf("read registered: %v", err)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "client done")

	select {
	case workerID := <-sink.disconnected:
		if workerID != regResp.WorkerID {
			t.Fatalf("expected disconnect for %s, got %s", regResp.WorkerID, workerID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected OnWorkerDisconnected callback")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h.Pool().Count() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected pool to drop worker after disconnect")
}
