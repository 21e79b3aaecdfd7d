// Package gateway holds live client connections and pushes events to them.
package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/suPer8Hu/teamchat/internal/events"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBuffer     = 64
)

var pongFrame = []byte(`{"type":"pong"}`)

// Hub tracks the websocket connections of this process, grouped by user.
type Hub struct {
	mu    sync.RWMutex
	conns map[uint64]map[*Client]struct{}
	log   *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{conns: make(map[uint64]map[*Client]struct{}), log: log.With(zap.String("component", "gateway"))}
}

// Client is one live connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID uint64
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.conns[c.userID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if set, ok := h.conns[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, c.userID)
		}
	}
	h.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

// Connections returns how many live connections a user has here.
func (h *Hub) Connections(userID uint64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

// SendToUser delivers ev to this process's connections of the user only.
func (h *Hub) SendToUser(ctx context.Context, userID uint64, ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn("encode event failed", zap.Error(err), zap.String("type", ev.Type))
		return
	}
	h.deliver(userID, payload)
}

func (h *Hub) deliver(userID uint64, payload []byte) {
	h.mu.RLock()
	var slow []*Client
	for c := range h.conns[userID] {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("dropping slow connection", zap.Uint64("user_id", userID))
		h.unregister(c)
	}
}

// Serve runs one connection until it closes. It blocks.
func (h *Hub) Serve(conn *websocket.Conn, userID uint64) {
	c := &Client{hub: h, conn: conn, userID: userID, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	h.register(c)
	h.log.Debug("connection opened", zap.Uint64("user_id", userID), zap.Int("connections", h.Connections(userID)))

	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if isPing(data) {
			select {
			case c.send <- pongFrame:
			default:
			}
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// isPing accepts a bare "ping" or {"type":"ping"}.
func isPing(data []byte) bool {
	s := strings.TrimSpace(string(data))
	if strings.EqualFold(s, "ping") {
		return true
	}
	var m struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(data, &m) == nil && m.Type == "ping"
}
