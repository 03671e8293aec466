// Package hub fans run events out to subscribed UI WebSocket clients.
//
// Each socket gets two goroutines: readPump owns all reads, writePump owns
// all writes (data, pings, close frames), so no frame ever interleaves.
// The hub's maps are guarded by one mutex whose critical sections are
// map operations only, never I/O.
package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/logging"
	"github.com/agentmux/agentmux/internal/metrics"
)

const (
	pingPeriod = 30 * time.Second // low-level keep-alive interval
	pongWait   = 2 * pingPeriod   // socket dropped if no pong by the next tick
	writeWait  = 10 * time.Second
	maxMsgSize = 64 * 1024
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The UI is served cross-origin in dev; session auth happens before the
	// upgrade, so origin is not the access-control boundary here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// inbound is a client-to-hub control frame.
type inbound struct {
	Type  string `json:"type"`
	RunID string `json:"runId,omitempty"`
}

// outbound is a hub-to-client frame.
type outbound struct {
	Type    string          `json:"type"`
	RunID   string          `json:"runId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// conn is one connected UI socket.
type conn struct {
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	runID string // current subscription, empty when unsubscribed
}

// Hub tracks live sockets and their per-run subscriptions.
type Hub struct {
	mu      sync.Mutex
	clients map[*conn]struct{}
	subs    map[string]map[*conn]struct{} // run id -> subscribers

	unsubscribeBus func()
	log            zerolog.Logger
}

// New creates a hub wired to the fan-out bus.
func New(b bus.Bus) *Hub {
	h := &Hub{
		clients: make(map[*conn]struct{}),
		subs:    make(map[string]map[*conn]struct{}),
		log:     logging.WithComponent("hub"),
	}
	h.unsubscribeBus = b.Subscribe(h.broadcast)
	return h
}

// Close detaches from the bus and closes every socket.
func (h *Hub) Close() {
	if h.unsubscribeBus != nil {
		h.unsubscribeBus()
	}
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// ServeWS upgrades the request and runs the socket until disconnect.
// Session auth has already happened in middleware.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &conn{
		hub:  h,
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.WSConnections.Inc()

	c.enqueue(&outbound{Type: "connected"})
	go c.writePump()
	go c.readPump()
}

// broadcast delivers a bus frame to every socket subscribed to its run.
// Called from the bus; must not block, so delivery is a buffered channel
// send with drop-on-full for slow clients.
func (h *Hub) broadcast(msg *bus.Message) {
	data, err := json.Marshal(&outbound{Type: msg.Type, RunID: msg.RunID, Payload: msg.Payload})
	if err != nil {
		h.log.Error().Err(err).Msg("marshal fan-out frame")
		return
	}

	h.mu.Lock()
	targets := make([]*conn, 0, len(h.subs[msg.RunID]))
	for c := range h.subs[msg.RunID] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			metrics.WSFramesDropped.Inc()
		}
	}
}

// SubscriberCount reports how many sockets watch a run.
func (h *Hub) SubscriberCount(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[runID])
}

func (h *Hub) subscribe(c *conn, runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c.mu.Lock()
	prev := c.runID
	c.runID = runID
	c.mu.Unlock()

	if prev != "" {
		delete(h.subs[prev], c)
		if len(h.subs[prev]) == 0 {
			delete(h.subs, prev)
		}
	}
	if runID != "" {
		if h.subs[runID] == nil {
			h.subs[runID] = make(map[*conn]struct{})
		}
		h.subs[runID][c] = struct{}{}
	}
}

func (h *Hub) drop(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.mu.Lock()
	runID := c.runID
	c.mu.Unlock()
	if runID != "" {
		delete(h.subs[runID], c)
		if len(h.subs[runID]) == 0 {
			delete(h.subs, runID)
		}
	}
	metrics.WSConnections.Dec()
}

func (c *conn) enqueue(o *outbound) {
	data, err := json.Marshal(o)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		metrics.WSFramesDropped.Inc()
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.drop(c)
		c.ws.Close()
	})
}

// writePump owns all writes to the socket: queued frames, pings, the
// close frame.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readPump owns all reads and handles subscribe/unsubscribe/ping control
// frames.
func (c *conn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(maxMsgSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var msg inbound
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.enqueue(&outbound{Type: "error", Error: "invalid message"})
			continue
		}

		switch msg.Type {
		case "subscribe":
			if msg.RunID == "" {
				c.enqueue(&outbound{Type: "error", Error: "runId required"})
				continue
			}
			c.hub.subscribe(c, msg.RunID)
			c.enqueue(&outbound{Type: "subscribed", RunID: msg.RunID})
		case "unsubscribe":
			c.hub.subscribe(c, "")
			c.enqueue(&outbound{Type: "unsubscribed"})
		case "ping":
			c.enqueue(&outbound{Type: "pong"})
		default:
			c.enqueue(&outbound{Type: "error", Error: "unknown message type"})
		}
	}
}
