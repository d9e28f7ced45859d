package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// newUpgrader accepts browser origins from the CORS allow list. Requests
// without an Origin header (non-browser clients) are always accepted
func newUpgrader(allowed []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range allowed {
				if o == "*" || strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}
}

// Channel names. Addresses inside a channel are checksummed on subscribe,
// so clients may use any hex casing.
func ordersChannel(pay, buy common.Address) string { return "orders:" + pay.Hex() + "/" + buy.Hex() }
func bookChannel(asset, quote common.Address) string {
	return "book:" + asset.Hex() + "/" + quote.Hex()
}
func accountChannel(a common.Address) string { return "account:" + a.Hex() }

const (
	adminChannel  = "admin"
	blocksChannel = "blocks"
)

// normalizeChannel checksums the addresses in a channel name. ok is false for
// unknown channels
func normalizeChannel(ch string) (string, bool) {
	if ch == adminChannel || ch == blocksChannel {
		return ch, true
	}
	kind, rest, found := strings.Cut(ch, ":")
	if !found {
		return "", false
	}
	switch kind {
	case "orders", "book":
		a, b, found := strings.Cut(rest, "/")
		if !found || !common.IsHexAddress(a) || !common.IsHexAddress(b) {
			return "", false
		}
		return kind + ":" + common.HexToAddress(a).Hex() + "/" + common.HexToAddress(b).Hex(), true
	case "account":
		if !common.IsHexAddress(rest) {
			return "", false
		}
		return accountChannel(common.HexToAddress(rest)), true
	}
	return "", false
}

// Hub maintains active WebSocket connections and fans messages out by channel
type Hub struct {
	clients map[*Client]bool
	mu      sync.RWMutex
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[*Client]bool),
		logger:  logger,
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("ws_connected", zap.String("client", c.id), zap.Int("total", n))
}

// unregister drops c and closes its send queue; safe to call twice
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("ws_disconnected", zap.String("client", c.id), zap.Int("total", n))
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// HasSubscribers reports whether any client listens on channel
func (h *Hub) HasSubscribers(channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.IsSubscribed(channel) {
			return true
		}
	}
	return false
}

// BroadcastToChannel sends a message to all clients subscribed to a channel.
// Never blocks: a client whose buffer is full misses the message
func (h *Hub) BroadcastToChannel(channel, typ string, data interface{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var message []byte
	for client := range h.clients {
		if !client.IsSubscribed(channel) {
			continue
		}
		if message == nil {
			var err error
			message, err = json.Marshal(WSMessage{Type: typ, Channel: channel, Data: data})
			if err != nil {
				h.logger.Warn("ws_marshal_failed", zap.String("channel", channel), zap.Error(err))
				return
			}
		}
		select {
		case client.send <- message:
		default:
			h.logger.Debug("ws_client_slow", zap.String("client", client.id), zap.String("channel", channel))
		}
	}
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	// Subscribed channels
	subscriptions map[string]bool
	subsMu        sync.RWMutex
}

// IsSubscribed checks if client is subscribed to a channel
func (c *Client) IsSubscribed(channel string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subscriptions[channel]
}

func (c *Client) Subscribe(channel string) {
	c.subsMu.Lock()
	c.subscriptions[channel] = true
	c.subsMu.Unlock()
}

func (c *Client) Unsubscribe(channel string) {
	c.subsMu.Lock()
	delete(c.subscriptions, channel)
	c.subsMu.Unlock()
}

// reply queues a control message; dropped if the client is gone or slow
func (c *Client) reply(msg WSMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- raw:
	default:
	}
}

// readPump handles subscription requests until the connection fails
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("ws_read_failed", zap.String("client", c.id), zap.Error(err))
			}
			break
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.reply(WSMessage{Type: "error", Data: "invalid message"})
			continue
		}

		var channels []string
		for _, raw := range req.Channels {
			ch, ok := normalizeChannel(raw)
			if !ok {
				c.reply(WSMessage{Type: "error", Channel: raw, Data: "unknown channel"})
				continue
			}
			channels = append(channels, ch)
		}
		switch req.Op {
		case "subscribe":
			for _, ch := range channels {
				c.Subscribe(ch)
			}
			c.reply(WSMessage{Type: "subscribed", Data: channels})
		case "unsubscribe":
			for _, ch := range channels {
				c.Unsubscribe(ch)
			}
			c.reply(WSMessage{Type: "unsubscribed", Data: channels})
		default:
			c.reply(WSMessage{Type: "error", Data: "unknown op " + req.Op})
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
// Queued messages are coalesced into one frame, newline separated
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleWebSocket handles WebSocket upgrade and client lifecycle
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("ws_upgrade_failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		id:            conn.RemoteAddr().String(),
		subscriptions: make(map[string]bool),
	}
	s.hub.register(client)

	go client.writePump()
	go client.readPump()
}
