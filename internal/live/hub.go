// Package live carries order-changed notifications over websockets. Events
// carry ids only; receivers re-fetch and re-evaluate instead of trusting them.
package live

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"boostflow/internal/domain"
	"boostflow/internal/logger"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	userID string
	boosts map[string]bool
	send   chan []byte
}

// wants reports whether evt concerns the client: orders it owns, works or
// subscribed to, its own ban state, and commission changes.
func (c *client) wants(evt domain.Event) bool {
	switch evt.Type {
	case domain.EventCommissionUpdate:
		return true
	case domain.EventUserBanned, domain.EventUserUnbanned:
		return evt.UserID == c.userID
	}
	if c.userID != "" && (evt.OwnerID == c.userID || evt.PartnerID == c.userID) {
		return true
	}
	return evt.BoostID != "" && c.boosts[evt.BoostID]
}

// Hub fans events out to connected websocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	logger  *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{clients: make(map[*client]bool), logger: logger.OrNop(log)}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends evt to every client it concerns. Clients whose buffer is
// full are dropped; they reconnect and re-fetch.
func (h *Hub) Broadcast(evt domain.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("marshal live event", zap.Error(err))
		return
	}
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(evt) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		h.logger.Warn("dropping slow live client", zap.String("user_id", c.userID))
		h.unregister(c)
	}
}

// ServeWS upgrades the request and streams events to userID until the
// connection closes. boostIDs adds orders the user has no part in yet, such
// as an open order a partner is watching. Client messages are discarded.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string, boostIDs ...string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{userID: userID, boosts: make(map[string]bool, len(boostIDs)), send: make(chan []byte, sendBuffer)}
	for _, id := range boostIDs {
		c.boosts[id] = true
	}
	h.register(c)
	h.logger.Debug("live client connected", zap.String("user_id", userID))

	go h.writeLoop(conn, c)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.unregister(c)
	h.logger.Debug("live client disconnected", zap.String("user_id", userID))
}

func (h *Hub) writeLoop(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}
