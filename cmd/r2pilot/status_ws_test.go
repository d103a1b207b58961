package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newTestHub returns a hub with small buffers for deterministic tests.
func newTestHub(t *testing.T, sendBuf int, broadcastBuf int) *Hub {
	t.Helper()
	return NewHub(discardLogger(), HubConfig{
		SendBuf:      sendBuf,
		BroadcastBuf: broadcastBuf,
	})
}

// testClient has a nil conn; the hub only touches send and close().
func testClient(hub *Hub, name string, buf int) *Client {
	return &Client{
		hub:        hub,
		send:       make(chan []byte, buf),
		remoteAddr: name,
		logger:     discardLogger(),
	}
}

func registerClient(t *testing.T, hub *Hub, c *Client) {
	t.Helper()
	hub.register <- c
	waitUntil(t, 500*time.Millisecond, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.clients[c]
		return ok
	}, c.remoteAddr+" not registered in time")
}

// serveSnapshots answers CmdSnapshot requests the way the control loop does.
func serveSnapshots(ctx context.Context, cmds <-chan LoopCommand, snap LoopSnapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-cmds:
			if c, ok := cmd.(CmdSnapshot); ok {
				c.Reply <- snap
			}
		}
	}
}

func decodeEnvelope(t *testing.T, b []byte) (string, map[string]any) {
	t.Helper()
	var env struct {
		Type string         `json:"type"`
		Ts   string         `json:"ts"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("decode frame %q: %v", b, err)
	}
	if env.Ts == "" {
		t.Fatalf("frame %q has no timestamp", b)
	}
	return env.Type, env.Data
}

func TestHub_BroadcastDeliveredToAllClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newTestHub(t, 4, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()

	c1 := testClient(hub, "c1", 4)
	c2 := testClient(hub, "c2", 4)
	registerClient(t, hub, c1)
	registerClient(t, hub, c2)

	msg := []byte(`{"type":"speed_changed","data":{"scale_factor":0.4}}`)
	hub.broadcast <- msg

	for _, c := range []*Client{c1, c2} {
		select {
		case got := <-c.send:
			if string(got) != string(msg) {
				t.Fatalf("%s got %q, want %q", c.remoteAddr, got, msg)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("timeout waiting for %s to receive broadcast", c.remoteAddr)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for hub to stop")
	}
	if _, ok := <-c1.send; ok {
		t.Fatalf("expected client queues closed on hub stop")
	}
}

func TestHub_SlowClientDisconnectedOnFullSendBuffer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newTestHub(t, 1, 8)
	go hub.Run(ctx)

	slow := testClient(hub, "slow", 1)
	fast := testClient(hub, "fast", 8)
	registerClient(t, hub, slow)
	registerClient(t, hub, fast)

	slow.send <- []byte(`"already queued"`)

	msg := []byte(`{"type":"combo","data":{"combo":"1000","pressed":true}}`)
	hub.broadcast <- msg

	select {
	case got := <-fast.send:
		if string(got) != string(msg) {
			t.Fatalf("fast client got %q, want %q", got, msg)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for fast client to receive broadcast")
	}

	select {
	case <-slow.send:
	default:
	}
	waitUntil(t, 750*time.Millisecond, func() bool {
		select {
		case _, ok := <-slow.send:
			return !ok
		default:
			return false
		}
	}, "expected slow send channel to be closed")

	if n := hub.Clients(); n != 1 {
		t.Fatalf("expected 1 remaining client, got %d", n)
	}
}

func TestRunBroadcaster_CoalescesMotionAndKeepsOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newTestHub(t, 4, 8)
	src := make(chan StatusBroadcast, 8)
	src <- BroadcastMotion{Drive: -0.1}
	src <- BroadcastMotion{Drive: -0.2}
	src <- BroadcastMotion{Drive: -0.3}
	src <- BroadcastSpeedChanged{ScaleFactor: 0.4}

	go RunBroadcaster(ctx, hub, src, discardLogger())

	var frames [][]byte
	for len(frames) < 2 {
		select {
		case b := <-hub.broadcast:
			frames = append(frames, b)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for frames, got %d", len(frames))
		}
	}

	typ, data := decodeEnvelope(t, frames[0])
	if typ != "motion" || data["drive"] != -0.3 {
		t.Fatalf("expected latest motion first, got %s %v", typ, data)
	}
	typ, data = decodeEnvelope(t, frames[1])
	if typ != "speed_changed" || data["scale_factor"] != 0.4 {
		t.Fatalf("expected speed_changed second, got %s %v", typ, data)
	}

	select {
	case b := <-hub.broadcast:
		t.Fatalf("unexpected extra frame %q", b)
	case <-time.After(2 * wsMotionCoalesceWindow):
	}
}

func TestRunBroadcaster_FlushesMotionAfterWindow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newTestHub(t, 4, 8)
	src := make(chan StatusBroadcast, 1)
	go RunBroadcaster(ctx, hub, src, discardLogger())

	src <- BroadcastMotion{Dome: 0.5}

	select {
	case b := <-hub.broadcast:
		typ, data := decodeEnvelope(t, b)
		if typ != "motion" || data["dome"] != 0.5 {
			t.Fatalf("unexpected frame %s %v", typ, data)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for coalesced motion")
	}
}

func TestConvertBroadcast_Types(t *testing.T) {
	tests := []struct {
		in   StatusBroadcast
		want string
	}{
		{BroadcastLoopState{State: "running"}, "loop_state"},
		{BroadcastSpeedChanged{ScaleFactor: 0.5}, "speed_changed"},
		{BroadcastCombo{Combo: "01"}, "combo"},
		{BroadcastMotion{}, "motion"},
		{BroadcastShutdown{Reason: "signal"}, "shutdown"},
	}
	for _, tt := range tests {
		f, ok := convertBroadcast(tt.in)
		if !ok || f.Type != tt.want {
			t.Fatalf("%T: expected %q, got %q (ok=%v)", tt.in, tt.want, f.Type, ok)
		}
	}
}

func TestStatusServer_StatusEndpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmds := make(chan LoopCommand, 4)
	go serveSnapshots(ctx, cmds, LoopSnapshot{RunID: "run-1", State: "running", ScaleFactor: 0.35})

	s := NewStatusServer(discardLogger(), cmds, HubConfig{})
	mux := http.NewServeMux()
	s.Register(mux, "/ws")

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var snap LoopSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.RunID != "run-1" || snap.State != "running" || snap.ScaleFactor != 0.35 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestStatusServer_WebsocketStateInitThenBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmds := make(chan LoopCommand, 4)
	go serveSnapshots(ctx, cmds, LoopSnapshot{RunID: "run-1", State: "running", Watchdog: "armed"})

	s := NewStatusServer(discardLogger(), cmds, HubConfig{})
	go s.Hub().Run(ctx)

	mux := http.NewServeMux()
	s.Register(mux, "/ws")
	srv := httptest.NewServer(mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read state_init: %v", err)
	}
	typ, data := decodeEnvelope(t, msg)
	if typ != "state_init" || data["state"] != "running" || data["run_id"] != "run-1" {
		t.Fatalf("unexpected first frame %s %v", typ, data)
	}

	waitUntil(t, time.Second, func() bool { return s.Hub().Clients() == 1 }, "client not registered")

	frame, err := wsFrame{Type: "shutdown", Data: wsShutdownData{Reason: "signal"}}.marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s.Hub().BroadcastBytes(frame)

	_, msg, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	typ, data = decodeEnvelope(t, msg)
	if typ != "shutdown" || data["reason"] != "signal" {
		t.Fatalf("unexpected frame %s %v", typ, data)
	}
}
