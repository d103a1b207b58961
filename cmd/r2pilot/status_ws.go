package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// Status WebSocket: hub + per-client pumps + broadcaster
// ============================================================================
//
// Observers connect to the status path and receive:
//   - "state_init" once, built from a loop snapshot
//   - "loop_state", "speed_changed", "combo", "shutdown" as they happen
//   - "motion", coalesced to at most one frame per wsMotionCoalesceWindow
//
// Frames are JSON text with an envelope: {type, ts, data}.
// The loop never waits on observers: broadcasts are dropped when queues are
// full and clients that can't keep up are disconnected.
//
// ============================================================================

type wsLoopStateData struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

type wsSpeedData struct {
	ScaleFactor float64 `json:"scale_factor"`
}

type wsComboData struct {
	Combo   string `json:"combo"`
	Pressed bool   `json:"pressed"`
	Action  string `json:"action,omitempty"`
}

type wsMotionData struct {
	Drive float64 `json:"drive"`
	Turn  float64 `json:"turn"`
	Dome  float64 `json:"dome"`
}

type wsShutdownData struct {
	Reason string `json:"reason"`
}

// wsFrame is a typed frame before marshaling.
type wsFrame struct {
	Type string
	Data any
	At   time.Time
}

// envelope is the wire format for WS frames.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

func (f wsFrame) marshal() ([]byte, error) {
	ts := f.At
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC()
	return json.Marshal(envelope{Type: f.Type, Ts: &ts, Data: f.Data})
}

// ============================================================================
// Hub
// ============================================================================

// Hub fans serialized frames out to connected clients.
type Hub struct {
	logger *slog.Logger

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size.
	SendBuf int
	// BroadcastBuf is the hub inbound queue size.
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	if logger == nil {
		logger = discardLogger()
	}
	if cfg.SendBuf <= 0 {
		cfg.SendBuf = 32
	}
	if cfg.BroadcastBuf <= 0 {
		cfg.BroadcastBuf = 128
	}
	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, cfg.BroadcastBuf),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		clients:    make(map[*Client]struct{}),
		sendBuf:    cfg.SendBuf,
	}
}

// Run processes registrations and broadcasts until ctx is canceled, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Debug("status hub starting")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			clients := h.clients
			h.clients = make(map[*Client]struct{})
			h.mu.Unlock()
			for c := range clients {
				c.close()
			}
			h.logger.Debug("status hub stopped", "disconnected", len(clients))
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("status client connected", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.drop(c, "disconnected")

		case msg := <-h.broadcast:
			var slow []*Client
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.drop(c, "slow client")
			}
		}
	}
}

func (h *Hub) drop(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	c.close()
	h.logger.Info("status client dropped", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
}

// Clients is the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// BroadcastBytes enqueues a serialized frame. It never blocks.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("status hub queue full, dropping frame", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	remoteAddr string
	logger     *slog.Logger

	closeOnce sync.Once
}

// NewClient creates a client with the hub's send buffer size.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

// close closes the connection and the send queue; safe to call more than once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		close(c.send)
	})
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

func (c *Client) logExit(pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		c.logger.Debug("status "+pump+" exiting", "remote_addr", c.remoteAddr, "code", ce.Code, "reason", ce.Text)
		return
	}
	c.logger.Debug("status "+pump+" exiting", "remote_addr", c.remoteAddr, "error", err)
}

// writePump drains the send queue to the socket and pings periodically.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("writePump", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("writePump", err)
				return
			}
		}
	}
}

// readPump discards inbound frames; its only job is noticing disconnects.
func (c *Client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("readPump", err)
			if c.hub != nil {
				c.hub.unregister <- c
			}
			return
		}
	}
}

// ============================================================================
// Status server
// ============================================================================

// StatusServer serves the status websocket and the /status JSON snapshot.
type StatusServer struct {
	logger *slog.Logger
	hub    *Hub
	cmds   chan<- LoopCommand
}

// NewStatusServer builds the server. Start Hub().Run and RunBroadcaster separately.
func NewStatusServer(logger *slog.Logger, cmds chan<- LoopCommand, cfg HubConfig) *StatusServer {
	if logger == nil {
		logger = discardLogger()
	}
	return &StatusServer{
		logger: logger,
		hub:    NewHub(logger, cfg),
		cmds:   cmds,
	}
}

func (s *StatusServer) Hub() *Hub { return s.hub }

// Register installs the websocket handler at wsPath and the snapshot handler at /status.
func (s *StatusServer) Register(mux *http.ServeMux, wsPath string) {
	mux.HandleFunc(wsPath, s.handleWS)
	mux.HandleFunc("/status", s.handleStatus)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *StatusServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("status websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)

	// state_init is queued before the client is visible to the hub, so it is
	// always the first frame and nothing else can close the queue meanwhile.
	snap, err := requestSnapshot(r.Context(), s.cmds, snapshotTimeout)
	if err != nil {
		s.logger.Warn("status snapshot failed", "error", err)
	} else if msg, err := (wsFrame{Type: "state_init", Data: snap, At: snap.At}).marshal(); err != nil {
		s.logger.Warn("status snapshot marshal failed", "error", err)
	} else {
		client.send <- msg
	}

	s.hub.register <- client

	// The pumps outlive this handler; the hub and socket errors end them.
	go client.writePump()
	go client.readPump()
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, err := requestSnapshot(r.Context(), s.cmds, snapshotTimeout)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Debug("status response write failed", "error", err)
	}
}

// ============================================================================
// Broadcaster
// ============================================================================

// RunBroadcaster turns loop broadcasts into frames for the hub. Motion frames
// are latest-wins and flushed at most once per wsMotionCoalesceWindow; any
// other frame flushes pending motion first so ordering is preserved.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan StatusBroadcast, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}

	var pending *wsFrame
	timer := time.NewTimer(wsMotionCoalesceWindow)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	send := func(f wsFrame) {
		msg, err := f.marshal()
		if err != nil {
			logger.Warn("status frame marshal failed", "type", f.Type, "error", err)
			return
		}
		hub.BroadcastBytes(msg)
	}
	flush := func() {
		if pending != nil {
			send(*pending)
			pending = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			timer.Stop()
			return

		case <-timer.C:
			armed = false
			if pending != nil {
				flush()
				timer.Reset(wsMotionCoalesceWindow)
				armed = true
			}

		case b, ok := <-src:
			if !ok {
				flush()
				timer.Stop()
				logger.Debug("status broadcaster stopping (source closed)")
				return
			}
			f, ok := convertBroadcast(b)
			if !ok {
				continue
			}
			if f.Type == "motion" {
				pending = &f
				if !armed {
					timer.Reset(wsMotionCoalesceWindow)
					armed = true
				}
				continue
			}
			flush()
			send(f)
		}
	}
}

func convertBroadcast(b StatusBroadcast) (wsFrame, bool) {
	switch ev := b.(type) {
	case BroadcastLoopState:
		return wsFrame{Type: "loop_state", Data: wsLoopStateData{State: ev.State, Reason: ev.Reason}, At: ev.At}, true
	case BroadcastSpeedChanged:
		return wsFrame{Type: "speed_changed", Data: wsSpeedData{ScaleFactor: ev.ScaleFactor}, At: ev.At}, true
	case BroadcastCombo:
		return wsFrame{Type: "combo", Data: wsComboData{Combo: ev.Combo, Pressed: ev.Pressed, Action: ev.Action}, At: ev.At}, true
	case BroadcastMotion:
		return wsFrame{Type: "motion", Data: wsMotionData{Drive: ev.Drive, Turn: ev.Turn, Dome: ev.Dome}, At: ev.At}, true
	case BroadcastShutdown:
		return wsFrame{Type: "shutdown", Data: wsShutdownData{Reason: ev.Reason}, At: ev.At}, true
	default:
		return wsFrame{}, false
	}
}
