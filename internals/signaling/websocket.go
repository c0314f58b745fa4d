package signaling

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is one relay-side WebSocket connection. ParticipantID and RoomID are
// empty until the client completes a join-room exchange.
type Client struct {
	ID            string          `json:"id"`
	ParticipantID string          `json:"participantId"`
	RoomID        string          `json:"roomId"`
	DisplayName   string          `json:"displayName"`
	Conn          *websocket.Conn `json:"-"`
	Send          chan Message    `json:"-"`

	// State
	Connected bool      `json:"connected"`
	LastPing  time.Time `json:"lastPing"`

	// Synchronization
	mu        sync.RWMutex
	closeOnce sync.Once
	closed    atomic.Bool
	logger    *zap.Logger

	readLimit    int64
	pongTimeout  time.Duration
	writeTimeout time.Duration
	pingInterval time.Duration

	// Callbacks
	OnMessage    func(*Client, Message)
	OnDisconnect func(*Client)
}

type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *zap.Logger

	pingInterval time.Duration
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func NewHub(pingInterval time.Duration, logger *zap.Logger) *Hub {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Hub{
		clients:      make(map[string]*Client),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		pingInterval: pingInterval,
		logger:       logger,
	}
}

func (h *Hub) Run() {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()

			h.logger.Info("Client registered",
				zap.String("clientID", client.ID),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				client.closeSend()
			}
			h.mu.Unlock()

			h.logger.Info("Client unregistered",
				zap.String("clientID", client.ID),
				zap.String("participantID", client.ParticipantID),
			)

		case <-ticker.C:
			h.pingClients()
		}
	}
}

func (h *Hub) pingClients() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	pingMessage := Message{
		Type:      MessageTypePing,
		Timestamp: time.Now(),
	}

	for _, client := range clients {
		select {
		case client.Send <- pingMessage:
			client.mu.Lock()
			client.LastPing = time.Now()
			client.mu.Unlock()
		default:
			h.unregister <- client
		}
	}
}

func (h *Hub) RegisterClient(client *Client) {
	h.register <- client
}

func (h *Hub) UnregisterClient(client *Client) {
	h.unregister <- client
}

func (h *Hub) GetClient(clientID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, exists := h.clients[clientID]
	return client, exists
}

func (h *Hub) GetClientsByRoom(roomID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := make([]*Client, 0)
	for _, client := range h.clients {
		if client.GetRoomID() == roomID {
			clients = append(clients, client)
		}
	}
	return clients
}

// DisconnectClientsByParticipant closes and unregisters all existing clients
// for a participant ID, except the one with excludeClientID. This handles the
// rejoin scenario where a new connection arrives before the old one is
// cleaned up.
func (h *Hub) DisconnectClientsByParticipant(participantID, excludeClientID string) {
	h.mu.RLock()
	var stale []*Client
	for _, c := range h.clients {
		if c.GetParticipantID() == participantID && c.ID != excludeClientID {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		c.Conn.Close()
		h.unregister <- c
	}
}

type ClientOptions struct {
	ReadLimit    int64
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	QueueSize    int
}

func (o *ClientOptions) withDefaults() ClientOptions {
	out := *o
	if out.ReadLimit <= 0 {
		out.ReadLimit = 524288 // SDP with multiple transceivers can be large
	}
	if out.PongTimeout <= 0 {
		out.PongTimeout = 60 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 10 * time.Second
	}
	if out.PingInterval <= 0 {
		out.PingInterval = 54 * time.Second
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 256
	}
	return out
}

func NewClient(id string, conn *websocket.Conn, opts ClientOptions, logger *zap.Logger) *Client {
	opts = opts.withDefaults()
	return &Client{
		ID:           id,
		Conn:         conn,
		Send:         make(chan Message, opts.QueueSize),
		Connected:    true,
		LastPing:     time.Now(),
		readLimit:    opts.ReadLimit,
		pongTimeout:  opts.PongTimeout,
		writeTimeout: opts.WriteTimeout,
		pingInterval: opts.PingInterval,
		logger:       logger,
	}
}

func (c *Client) SetIdentity(participantID, roomID, displayName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ParticipantID = participantID
	c.RoomID = roomID
	c.DisplayName = displayName
}

func (c *Client) ClearRoom() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RoomID = ""
}

func (c *Client) GetParticipantID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ParticipantID
}

func (c *Client) GetRoomID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.RoomID
}

func (c *Client) GetDisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DisplayName
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.Send)
	})
}

func (c *Client) ReadPump() {
	defer func() {
		if c.OnDisconnect != nil {
			c.OnDisconnect(c)
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.readLimit)
	c.Conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
		return nil
	})

	for {
		var message Message
		err := c.Conn.ReadJSON(&message)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error",
					zap.String("clientID", c.ID),
					zap.Error(err),
				)
			}
			break
		}

		message.From = c.GetParticipantID()
		message.Timestamp = time.Now()

		if c.OnMessage != nil {
			c.OnMessage(c, message)
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteJSON(message); err != nil {
				c.logger.Error("Failed to write message",
					zap.String("clientID", c.ID),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) SendMessage(message Message) {
	if c.closed.Load() {
		return
	}
	select {
	case c.Send <- message:
	default:
		c.logger.Warn("Client send channel full, dropping message",
			zap.String("clientID", c.ID),
		)
	}
}

func (c *Client) SendError(code int, msg string) {
	message, err := NewMessage(MessageTypeError, ErrorPayload{
		Code:    code,
		Message: msg,
	})
	if err != nil {
		c.logger.Error("Failed to marshal error message", zap.Error(err))
		return
	}

	c.SendMessage(message)
}

// Accept upgrades an HTTP request to a WebSocket connection, registers the
// client with the hub, and starts its pumps. Callbacks must be set on the
// returned client before the first message can race them, so they are taken
// here rather than assigned after.
func Accept(hub *Hub, w http.ResponseWriter, r *http.Request, opts ClientOptions,
	onMessage func(*Client, Message), onDisconnect func(*Client)) (*Client, error) {

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "Failed to upgrade connection", http.StatusBadRequest)
		return nil, err
	}

	client := NewClient(generateClientID(), conn, opts, hub.logger)
	client.OnMessage = onMessage
	client.OnDisconnect = onDisconnect

	hub.RegisterClient(client)

	go client.WritePump()
	go client.ReadPump()

	return client, nil
}

func generateClientID() string {
	return fmt.Sprintf("client_%d", time.Now().UnixNano())
}
