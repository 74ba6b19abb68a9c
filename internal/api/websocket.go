package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/connectivity/manager"
	"github.com/UnimibEsami/ditto/internal/infrastructure/config"
	"github.com/UnimibEsami/ditto/internal/infrastructure/logging"
)

// Status stream message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256

	// wsAllChannels subscribes a client to every channel.
	wsAllChannels = "*"
)

// WSMessage is one frame of the status stream, in either direction.
type WSMessage struct {
	Type         string `json:"type"`
	ID           string `json:"id,omitempty"`
	EventType    string `json:"event_type,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
	Timestamp    string `json:"timestamp,omitempty"`
	Payload      any    `json:"payload,omitempty"`
}

// WSSubscribePayload selects channels and, optionally, the connections
// whose events the client wants. No connections means all of them.
type WSSubscribePayload struct {
	Channels    []string `json:"channels"`
	Connections []string `json:"connections,omitempty"`
}

// Hub fans connection events out to WebSocket clients. It implements
// manager.Broadcaster.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex

	// dropped counts events skipped because a client's buffer was full.
	dropped atomic.Int64
}

// WSClient is one status stream subscriber.
type WSClient struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	subject     string // token subject the ticket was issued to
	mu          sync.RWMutex
	channels    map[string]struct{}
	connections map[string]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a new WebSocket hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

func newWSClient(hub *Hub, conn *websocket.Conn, subject string) *WSClient {
	return &WSClient{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, wsSendBufferSize),
		subject:     subject,
		channels:    make(map[string]struct{}),
		connections: make(map[string]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", h.ClientCount(), "subject", client.subject)
}

// Unregister removes a client from the hub. Only the caller that
// removes the client from the map closes its send channel.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
}

// Broadcast sends payload to every client subscribed to channel and to
// the connection the payload belongs to.
//
// Thread Safety: the client list is snapshotted under the hub lock and
// released before per-client checks, so hub and client locks are never
// held together.
func (h *Hub) Broadcast(channel string, payload any) {
	connectionID := eventConnectionID(payload)
	data, err := json.Marshal(WSMessage{
		Type:         WSTypeEvent,
		EventType:    channel,
		ConnectionID: connectionID,
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		Payload:      payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal status event", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if !client.wants(channel, connectionID) {
			continue
		}
		if !client.trySend(data) {
			h.dropped.Add(1)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many events were skipped for slow clients.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
}

// eventConnectionID extracts the connection an event belongs to.
func eventConnectionID(payload any) string {
	switch p := payload.(type) {
	case connectivity.Transition:
		return p.ConnectionID
	case manager.SignalEvent:
		return p.ConnectionID
	case map[string]any:
		id, _ := p["connection_id"].(string) //nolint:errcheck // absent id means unscoped
		return id
	}
	return ""
}

// handleWebSocket upgrades to the status stream. The caller
// authenticates with a single-use ticket from POST /auth/ws-ticket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	entry, ok := s.tickets.consume(ticket)
	if !ok {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newWSClient(s.hub, conn, entry.subject)
	s.hub.Register(client)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	deadline := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	c.conn.SetReadDeadline(time.Now().Add(deadline)) //nolint:errcheck // read error surfaces below
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "subject", c.subject, "error", err)
			}
			return
		}
		// Application messages count as liveness too; some clients
		// never answer protocol pings.
		c.conn.SetReadDeadline(time.Now().Add(deadline)) //nolint:errcheck // read error surfaces above
		c.handleMessage(message)
	}
}

func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	ticker := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck // closing anyway
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // write error caught below
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // ping error caught below
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var msg struct {
		Type    string          `json:"type"`
		ID      string          `json:"id"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		var sub WSSubscribePayload
		if len(msg.Payload) == 0 || json.Unmarshal(msg.Payload, &sub) != nil {
			c.sendError(msg.ID, "invalid "+msg.Type+" payload")
			return
		}
		if msg.Type == WSTypeSubscribe {
			c.subscribe(sub)
			c.sendResponse(msg.ID, WSTypeResponse, map[string]any{"subscribed": sub.Channels, "connections": sub.Connections})
		} else {
			c.unsubscribe(sub)
			c.sendResponse(msg.ID, WSTypeResponse, map[string]any{"unsubscribed": sub.Channels, "connections": sub.Connections})
		}
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func (c *WSClient) subscribe(sub WSSubscribePayload) {
	c.mu.Lock()
	for _, ch := range sub.Channels {
		c.channels[ch] = struct{}{}
	}
	for _, id := range sub.Connections {
		c.connections[id] = struct{}{}
	}
	c.mu.Unlock()

	c.hub.logger.Info("websocket client subscribed",
		"channels", sub.Channels,
		"connections", sub.Connections,
		"subject", c.subject,
	)
}

func (c *WSClient) unsubscribe(sub WSSubscribePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range sub.Channels {
		delete(c.channels, ch)
	}
	for _, id := range sub.Connections {
		delete(c.connections, id)
	}
}

// wants reports whether an event on channel for connectionID matches
// the client's subscription. Events without a connection pass any
// connection filter.
func (c *WSClient) wants(channel, connectionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, all := c.channels[wsAllChannels]
	_, named := c.channels[channel]
	if !all && !named {
		return false
	}
	if len(c.connections) == 0 || connectionID == "" {
		return true
	}
	_, ok := c.connections[connectionID]
	return ok
}

// trySend queues data without blocking. It reports false when the
// buffer is full or the client is already gone.
func (c *WSClient) trySend(data []byte) (sent bool) {
	defer func() {
		if recover() != nil { // send on a channel closed by Unregister
			sent = false
		}
	}()

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *WSClient) sendResponse(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}
