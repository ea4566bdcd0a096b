package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/fleet-core/internal/auth"
	"github.com/nerrad567/fleet-core/internal/fleet"
	"github.com/nerrad567/fleet-core/internal/infrastructure/config"
	"github.com/nerrad567/fleet-core/internal/infrastructure/logging"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	wsSendBufferSize = 256
)

// channelKeys names the payload field that identifies the subject of each
// event channel; subscriptions can be narrowed to a set of those keys.
var channelKeys = map[string]string{
	fleet.ChannelTaskProgress:       "task_id",
	fleet.ChannelDeviceNotification: "serial",
}

// WSMessage is the envelope of every frame in either direction.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload selects event channels. Keys, when given, narrow the
// subscription to those task IDs or device serials; an empty list means
// every event on the channel.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
	Keys     []string `json:"keys,omitempty"`
}

// HubStats counts hub traffic.
type HubStats struct {
	Clients   int    `json:"clients"`
	Delivered uint64 `json:"delivered"`
	// Dropped counts events discarded because a client's buffer was full.
	Dropped uint64 `json:"dropped"`
}

// Hub fans fleet events out to WebSocket clients. It implements
// fleet.Broadcaster.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	mu      sync.RWMutex
	clients map[*WSClient]struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// WSClient is one connection. Its send channel is closed exactly once,
// under mu, so senders never write to a closed channel.
type WSClient struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	subject string
	role    auth.Role

	mu     sync.RWMutex
	closed bool
	// subscriptions maps channel to key filter; a nil filter matches all.
	subscriptions map[string]map[string]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub creates a hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

func (h *Hub) register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "subject", c.subject, "clients", n)
}

func (h *Hub) unregister(c *WSClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.close()
	h.logger.Debug("websocket client disconnected", "subject", c.subject, "clients", n)
}

// Broadcast delivers an event to every client subscribed to channel whose
// key filter matches the event. Slow clients lose events rather than
// blocking the caller.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("encoding websocket event", "channel", channel, "error", err)
		return
	}
	key := eventKey(channel, payload)

	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.wants(channel, key) {
			continue
		}
		if c.trySend(data) {
			h.delivered.Add(1)
		} else {
			h.dropped.Add(1)
			h.logger.Warn("websocket event dropped", "channel", channel, "subject", c.subject)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns the hub counters.
func (h *Hub) Stats() HubStats {
	return HubStats{
		Clients:   h.ClientCount(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
	}
}

// eventKey extracts the filter key of an event, or "" when the payload
// has none.
func eventKey(channel string, payload any) string {
	field, ok := channelKeys[channel]
	if !ok {
		return ""
	}
	switch p := payload.(type) {
	case map[string]any:
		if v, ok := p[field].(string); ok {
			return v
		}
	case map[string]string:
		return p[field]
	}
	return ""
}

// handleWebSocket upgrades an authenticated request. Browsers cannot set
// headers on the upgrade, so identity comes from a single-use ticket
// (POST /auth/ws-ticket) whose role must be able to read the fleet.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	entry, ok := s.tickets.redeem(ticket, time.Now())
	if !ok {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}
	if !auth.HasPermission(entry.role, auth.PermFleetRead) {
		writeForbidden(w, "role cannot subscribe to fleet events")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subject:       entry.subject,
		role:          entry.role,
		subscriptions: make(map[string]map[string]struct{}),
	}
	s.hub.register(c)

	go c.writePump(s.wsCfg)
	go c.readPump(s.wsCfg)
}

func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	idle := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(idle)) }

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	extend() //nolint:errcheck // a failed deadline surfaces on the next read
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read failed", "subject", c.subject, "error", err)
			}
			return
		}
		// Application messages count as liveness too; some browsers never
		// answer protocol pings.
		extend() //nolint:errcheck // as above
		c.handleMessage(data)
	}
}

func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	ticker := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // write error reported below
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				write(websocket.CloseMessage, nil) //nolint:errcheck // connection is going away
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		sub, err := decodeSubscription(msg.Payload)
		if err != nil {
			c.sendError(msg.ID, err.Error())
			return
		}
		if msg.Type == WSTypeSubscribe {
			c.subscribe(sub)
			c.hub.logger.Debug("websocket subscribed", "subject", c.subject, "channels", sub.Channels, "keys", sub.Keys)
			c.respond(msg.ID, WSTypeResponse, map[string]any{
				"subscribed": sub.Channels,
				"keys":       sub.Keys,
				"active":     c.channels(),
			})
			return
		}
		c.unsubscribe(sub)
		c.respond(msg.ID, WSTypeResponse, map[string]any{
			"unsubscribed": sub.Channels,
			"active":       c.channels(),
		})
	case WSTypePing:
		c.respond(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// decodeSubscription reads a subscribe or unsubscribe payload and rejects
// unknown channels.
func decodeSubscription(payload any) (WSSubscribePayload, error) {
	var sub WSSubscribePayload
	raw, err := json.Marshal(payload)
	if err == nil {
		err = json.Unmarshal(raw, &sub)
	}
	if err != nil {
		return sub, errors.New("invalid subscription payload")
	}
	if len(sub.Channels) == 0 {
		return sub, errors.New("at least one channel is required")
	}
	for _, ch := range sub.Channels {
		if _, ok := channelKeys[ch]; !ok {
			return sub, fmt.Errorf("unknown channel: %s", ch)
		}
	}
	return sub, nil
}

// subscribe adds channels. Keys extend an existing filter; subscribing
// without keys widens the channel to every event.
func (c *WSClient) subscribe(sub WSSubscribePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range sub.Channels {
		if len(sub.Keys) == 0 {
			c.subscriptions[ch] = nil
			continue
		}
		filter, exists := c.subscriptions[ch]
		if exists && filter == nil {
			continue
		}
		if filter == nil {
			filter = make(map[string]struct{}, len(sub.Keys))
			c.subscriptions[ch] = filter
		}
		for _, k := range sub.Keys {
			filter[k] = struct{}{}
		}
	}
}

// unsubscribe removes keys from a filter, or whole channels when no keys
// are given. A filter left empty drops the channel.
func (c *WSClient) unsubscribe(sub WSSubscribePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range sub.Channels {
		filter, ok := c.subscriptions[ch]
		if !ok {
			continue
		}
		if len(sub.Keys) == 0 || filter == nil {
			delete(c.subscriptions, ch)
			continue
		}
		for _, k := range sub.Keys {
			delete(filter, k)
		}
		if len(filter) == 0 {
			delete(c.subscriptions, ch)
		}
	}
}

func (c *WSClient) wants(channel, key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	filter, ok := c.subscriptions[channel]
	if !ok {
		return false
	}
	if filter == nil {
		return true
	}
	_, match := filter[key]
	return match
}

// channels lists the subscribed channels, sorted.
func (c *WSClient) channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

// trySend queues data without blocking. It reports false when the client
// is closed or its buffer is full.
func (c *WSClient) trySend(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *WSClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *WSClient) respond(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *WSClient) sendError(id, message string) {
	c.respond(id, WSTypeError, map[string]string{"message": message})
}

var _ fleet.Broadcaster = (*Hub)(nil)
