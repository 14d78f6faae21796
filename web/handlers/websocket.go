package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	"github.com/scrypster/companion/internal/metrics"
	"github.com/scrypster/companion/internal/sessions"
)

// Notice is the frame pushed to a client for every engine event.
type Notice struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
}

type delivery struct {
	userID string
	data   []byte
}

// WebSocketHub fans engine events out to the connections of their user.
// It implements engine.Notifier.
type WebSocketHub struct {
	sessions sessions.Store
	origins  []string

	clients    map[string]map[clientInterface]bool
	deliver    chan delivery
	register   chan clientInterface
	unregister chan clientInterface
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
}

// clientInterface allows for both real clients and mock clients.
type clientInterface interface {
	owner() string
	getSendChannel() chan []byte
	close()
}

// Client represents a WebSocket connection of one user.
type Client struct {
	hub    *WebSocketHub
	userID string
	conn   *websocket.Conn //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	send   chan []byte
}

func (c *Client) owner() string {
	return c.userID
}

func (c *Client) getSendChannel() chan []byte {
	return c.send
}

func (c *Client) close() {
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	}
}

// NewWebSocketHub creates a hub that authenticates connections against
// store. origins are host patterns accepted in the Origin header; when empty
// only same-host connections are accepted.
func NewWebSocketHub(store sessions.Store, origins []string) *WebSocketHub {
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketHub{
		sessions:   store,
		origins:    origins,
		clients:    make(map[string]map[clientInterface]bool),
		deliver:    make(chan delivery, 256),
		register:   make(chan clientInterface),
		unregister: make(chan clientInterface),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run starts the hub's message processing loop.
func (h *WebSocketHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			set, ok := h.clients[client.owner()]
			if !ok {
				set = make(map[clientInterface]bool)
				h.clients[client.owner()] = set
			}
			set[client] = true
			h.mu.Unlock()
			metrics.ClientConnected(1)
			log.WithField("user_id", client.owner()).Debug("websocket: client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()

		case d := <-h.deliver:
			// Full Lock because slow clients are dropped from the map.
			h.mu.Lock()
			for client := range h.clients[d.userID] {
				select {
				case client.getSendChannel() <- d.data:
				default:
					log.WithField("user_id", d.userID).Warn("websocket: client send buffer full, disconnecting")
					h.removeLocked(client)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			log.Debug("websocket: hub stopping")
			return
		}
	}
}

func (h *WebSocketHub) removeLocked(client clientInterface) {
	set := h.clients[client.owner()]
	if !set[client] {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(h.clients, client.owner())
	}
	close(client.getSendChannel())
	metrics.ClientConnected(-1)
	log.WithField("user_id", client.owner()).Debug("websocket: client disconnected")
}

// Stop gracefully shuts down the hub.
func (h *WebSocketHub) Stop() {
	h.cancel()

	h.mu.Lock()
	for _, set := range h.clients {
		for client := range set {
			close(client.getSendChannel())
			client.close()
			metrics.ClientConnected(-1)
		}
	}
	h.clients = make(map[string]map[clientInterface]bool)
	h.mu.Unlock()
}

// Push queues event for every connection of userID. Events for users with
// no open connection are dropped.
func (h *WebSocketHub) Push(userID, event string, payload map[string]any) {
	metrics.Notification(event)

	data, err := json.Marshal(Notice{Event: event, Payload: payload})
	if err != nil {
		log.WithError(err).WithField("event", event).Error("websocket: failed to encode notice")
		return
	}

	select {
	case h.deliver <- delivery{userID: userID, data: data}:
	default:
		log.WithFields(log.Fields{"user_id": userID, "event": event}).Warn("websocket: delivery queue full, dropping notice")
	}
}

// Connected returns how many connections userID has open.
func (h *WebSocketHub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Register adds a client to the hub.
func (h *WebSocketHub) Register(client clientInterface) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
	}
}

// Unregister removes a client from the hub.
func (h *WebSocketHub) Unregister(client clientInterface) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// ServeHTTP authenticates the session named by the token query parameter
// and upgrades the connection.
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		respondError(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	sess, err := h.sessions.Get(r.Context(), token)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{ //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		OriginPatterns: h.origins,
	})
	if err != nil {
		log.WithError(err).Warn("websocket: upgrade failed")
		return
	}

	client := &Client{
		hub:    h,
		userID: sess.UserID,
		conn:   conn,
		send:   make(chan []byte, 256),
	}

	h.Register(client)

	go client.writePump()
	go client.readPump()
}

// writePump sends messages to the WebSocket connection.
func (c *Client) writePump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	}()

	for message := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, message) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		cancel()

		if err != nil {
			log.WithError(err).WithField("user_id", c.userID).Debug("websocket: write failed")
			return
		}
	}
}

// readPump drains the connection to detect disconnects. Clients never send
// commands over the socket.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	}()

	for {
		if _, _, err := c.conn.Read(c.hub.ctx); err != nil { //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
			return
		}
	}
}

// MockClient is a mock client for testing.
type MockClient struct {
	UserID   string
	SendChan chan []byte
}

func (m *MockClient) owner() string {
	return m.UserID
}

func (m *MockClient) getSendChannel() chan []byte {
	return m.SendChan
}

func (m *MockClient) close() {}
