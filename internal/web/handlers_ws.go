package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"visionflow/internal/coordinator"
	"visionflow/internal/identity"
)

// EventSnapshot is the first message a dashboard client receives.
const EventSnapshot = "snapshot"

// WSHub fans coordinator events and terminal frames out to WebSocket
// clients. Dashboards get everything. A terminal page, connected with
// ?code=, gets only its own frames.
type WSHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan outbound

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	code string // empty for dashboards
}

func (c *wsClient) wants(m outbound) bool {
	if c.code == "" {
		return true
	}
	return m.code == c.code
}

// outbound is one queued message. A non-empty code scopes it to that
// terminal's page and to dashboards.
type outbound struct {
	code string
	msg  interface{}
}

func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan outbound, 256),
		done:       make(chan struct{}),
	}
}

// Run is the hub loop. It returns after Stop, closing every client.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				h.dropLocked(c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "code", c.code, "total", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.dropLocked(c)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "code", c.code, "total", total)

		case m := <-h.broadcast:
			h.fanOut(m)
		}
	}
}

func (h *WSHub) fanOut(m outbound) {
	data, err := json.Marshal(m.msg)
	if err != nil {
		h.logger.Error("ws marshal", "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(m) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.dropLocked(c)
			h.logger.Warn("ws client evicted (too slow)", "code", c.code)
		}
	}
}

func (h *WSHub) dropLocked(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
}

// Stop shuts the hub down. Safe to call more than once.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast queues msg for dashboards. It never blocks; when the queue is
// full the message is dropped.
func (h *WSHub) Broadcast(msg interface{}) {
	h.enqueue(outbound{msg: msg})
}

// BroadcastTo queues msg for dashboards and for the page of terminal code.
func (h *WSHub) BroadcastTo(code string, msg interface{}) {
	h.enqueue(outbound{code: code, msg: msg})
}

func (h *WSHub) enqueue(m outbound) {
	select {
	case h.broadcast <- m:
	default:
		h.logger.Warn("ws broadcast channel full, dropping message")
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("code")))
	if code != "" && !identity.ValidCode(code) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid pairing code"})
		return
	}

	opts := &websocket.AcceptOptions{}
	// nhooyr checks same-origin when no patterns are set.
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &wsClient{conn: conn, send: make(chan []byte, 64), code: code}
	if code == "" {
		if hello, err := json.Marshal(coordinator.Event{Type: EventSnapshot, Data: s.coord.Snapshot().Public()}); err == nil {
			client.send <- hello
		}
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	if code != "" && s.fleet != nil {
		s.fleet.Attach(code)
		defer s.fleet.Detach(code)
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(c *wsClient) {
	for msg := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	// The hub closed send.
	c.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(c *wsClient) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer func() {
		select {
		case s.wsHub.unregister <- c:
		case <-s.wsHub.done:
			c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		s.handleWSMessage(c.code, data)
	}
}

// wsMessage is sent by terminal pages.
type wsMessage struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Online bool   `json:"online"`
}

// handleWSMessage applies a connectivity report. A connection opened for
// one terminal may only report for that terminal. Other messages are
// ignored.
func (s *Server) handleWSMessage(connCode string, data []byte) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug("ws bad message", "err", err)
		return
	}
	if msg.Type != "online" || s.fleet == nil {
		return
	}
	code := strings.ToUpper(msg.Code)
	switch {
	case connCode != "" && code != "" && code != connCode:
		s.logger.Warn("ws online report for foreign terminal", "conn", connCode, "code", code)
		return
	case connCode != "":
		code = connCode
	}
	if term, ok := s.fleet.Get(code); ok {
		term.Engine().SetOnline(msg.Online)
	}
}
