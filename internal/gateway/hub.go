package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/quorumhq/quorum/internal/config"
	"github.com/quorumhq/quorum/internal/event"
	"github.com/quorumhq/quorum/internal/logging"
)

// ClientMessage is one inbound client→server frame.
type ClientMessage struct {
	Type        string `json:"type"` // spawn | cancel | permission_response | question_response | focus | state
	UISessionID string `json:"uiSessionId,omitempty"`

	// permission_response / question_response
	RequestID  string          `json:"requestId,omitempty"`
	Approved   bool            `json:"approved,omitempty"`
	ApproveAll bool            `json:"approveAll,omitempty"`
	Answers    json.RawMessage `json:"answers,omitempty"`

	// spawn
	Prompt   string `json:"prompt,omitempty"`
	Title    string `json:"title,omitempty"`
	Role     string `json:"role,omitempty"`
	ParentID string `json:"parentId,omitempty"`
	CWD      string `json:"cwd,omitempty"`
	Model    string `json:"model,omitempty"`
	Resume   string `json:"resume,omitempty"`
}

// Sender delivers one server frame to a single client.
type Sender interface {
	Send(v any) bool
}

// Handler consumes inbound client messages the hub does not handle
// itself (focus and state are hub concerns).
type Handler func(c Sender, msg ClientMessage)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Client is one connected WebSocket peer.
type Client struct {
	id   string
	name string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	focus  string
	unread map[string]int
	closed bool
}

// Send queues one frame for the client. Returns false when the client's
// buffer is full; the hub then disconnects it rather than block the
// producer.
func (c *Client) Send(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error("marshal client frame", "client", c.id, "error", err)
		return true
	}
	return c.trySend(data)
}

// trySend enqueues without ever blocking. The closed check under the lock
// keeps the send and channel close from racing.
func (c *Client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) setFocus(sessionID string) {
	c.mu.Lock()
	c.focus = sessionID
	delete(c.unread, sessionID)
	c.mu.Unlock()
}

// bumpUnread counts an event against a session the client is not
// focused on. Returns without effect for the focused session.
func (c *Client) bumpUnread(sessionID string) {
	c.mu.Lock()
	if c.focus != sessionID {
		c.unread[sessionID]++
	}
	c.mu.Unlock()
}

func (c *Client) unreadSnapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.unread))
	for k, v := range c.unread {
		out[k] = v
	}
	return out
}

// Hub multiplexes many logical sessions over each physical connection
// and fans every broadcast out to all of them.
type Hub struct {
	cfg      config.GatewayConfig
	handler  Handler
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub returns a hub. handler receives routed client messages.
func NewHub(cfg config.GatewayConfig, handler Handler) *Hub {
	return &Hub{
		cfg:     cfg,
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*Client),
	}
}

// ServeWS upgrades one HTTP request to a client connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	name := "anonymous"
	if !h.cfg.AllowInsecure {
		var err error
		name, err = VerifyToken(h.cfg.AuthSecret, bearerToken(r))
		if err != nil {
			logging.Warn("websocket auth failed", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &Client{
		id:     uuid.NewString(),
		name:   name,
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.cfg.ClientBuffer),
		unread: make(map[string]int),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	logging.Info("client connected", "client", c.id, "name", name)

	go c.writePump()
	go c.readPump()
}

// Broadcast sends env to every connected client. A slow client whose
// buffer overflows is disconnected; the producer never blocks.
func (h *Hub) Broadcast(env *event.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		logging.Error("marshal broadcast", "type", env.Type, "error", err)
		return
	}

	countsUnread := env.Type == event.TypeAssistant || env.Type == event.TypeUser

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if countsUnread {
			c.bumpUnread(env.UISessionID)
		}
		if !c.trySend(data) {
			logging.Warn("client buffer overflow, disconnecting", "client", c.id)
			h.drop(c)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every client connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.close()
}

func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.send)
	c.conn.Close()
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer c.hub.drop(c)

	c.conn.SetReadLimit(1 << 20)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn("client read failed", "client", c.id, "error", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			logging.Warn("malformed client message", "client", c.id, "error", err)
			continue
		}

		switch msg.Type {
		case "focus":
			c.setFocus(msg.UISessionID)
		case "state":
			c.Send(map[string]any{
				"type":   "state",
				"unread": c.unreadSnapshot(),
			})
		default:
			if c.hub.handler != nil {
				c.hub.handler(c, msg)
			}
		}
	}
}
