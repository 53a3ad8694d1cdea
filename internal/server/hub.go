package server

import (
	"DualLedger/internal/ingestion"
	"DualLedger/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

// upgrader configures the WebSocket upgrade parameters.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins. In production, restrict this to known origins.
		return true
	},
}

// wsClient represents a single WebSocket connection.
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool // subscribed channels
	mu   sync.RWMutex
}

// subscribeMsg is the JSON message a client sends to adjust its
// channel subscriptions. Channel names mirror the outbound NATS
// subject tail: "{record_type}.{chain_id}", with "*" wildcards, e.g.
// "dual_claimed.1" or "dual_created.*".
type subscribeMsg struct {
	Subscribe   []string `json:"subscribe"`
	Unsubscribe []string `json:"unsubscribe"`
}

// Hub fans applied ledger records out to connected WebSocket clients.
// It consumes the same stream the NATS outbound publisher does, so a
// dashboard sees exactly what settlement bots see.
type Hub struct {
	clients    map[*wsClient]bool
	broadcast  chan broadcastMsg
	register   chan *wsClient
	unregister chan *wsClient
	events     <-chan ingestion.PublishableEvent
	metrics    *observability.Metrics
	mu         sync.RWMutex
	logger     zerolog.Logger
}

// broadcastMsg carries a serialized record along with its channel so
// the hub routes it only to subscribed clients.
type broadcastMsg struct {
	channel string
	data    []byte
}

// NewHub creates a hub reading applied records from events.
func NewHub(events <-chan ingestion.PublishableEvent, metrics *observability.Metrics, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		events:     events,
		metrics:    metrics,
		logger:     logger,
	}
}

// Run starts the hub's main event loop. It should be called in a
// goroutine and exits when the context is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	go h.consumeEvents(ctx)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.setClientGauge()
			h.logger.Info().Int("total_clients", h.clientCount()).Msg("ws client connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.setClientGauge()
			h.logger.Info().Int("total_clients", h.clientCount()).Msg("ws client disconnected")

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if c.isSubscribed(msg.channel) {
					select {
					case c.send <- msg.data:
					default:
						// Client's send buffer is full; drop the message.
						if h.metrics != nil {
							h.metrics.PublishDrops.Inc()
						}
						h.logger.Warn().Str("channel", msg.channel).Msg("ws dropping message for slow client")
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// consumeEvents serializes applied records and forwards them to the
// broadcast loop.
func (h *Hub) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-h.events:
			if !ok {
				return
			}

			data, err := json.Marshal(evt)
			if err != nil {
				h.logger.Error().Err(err).Int64("sequence", evt.Sequence).Msg("ws marshal record")
				continue
			}

			channel := fmt.Sprintf("%s.%d", evt.RecordType, evt.ChainID)
			select {
			case h.broadcast <- broadcastMsg{channel: channel, data: data}:
			default:
				if h.metrics != nil {
					h.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection and
// registers the client with the hub.
// GET /api/v1/events/ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("ws upgrade failed")
		return
	}

	c := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: map[string]bool{"*": true},
	}

	h.register <- c

	go c.writePump()
	go c.readPump()
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) setClientGauge() {
	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(h.clientCount()))
	}
}

// readPump reads messages from the WebSocket connection. It handles
// subscription management requests (JSON text frames) from the client.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn().Err(err).Msg("ws unexpected close")
			}
			return
		}

		var sub subscribeMsg
		if jsonErr := json.Unmarshal(message, &sub); jsonErr == nil &&
			(len(sub.Subscribe) > 0 || len(sub.Unsubscribe) > 0) {
			c.handleSubscription(sub)
		}
	}
}

// handleSubscription processes subscribe/unsubscribe requests. A
// client that sends an explicit subscription drops the catch-all it
// started with.
func (c *wsClient) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(msg.Subscribe) > 0 {
		delete(c.subs, "*")
		for _, ch := range msg.Subscribe {
			c.subs[ch] = true
		}
	}
	for _, ch := range msg.Unsubscribe {
		delete(c.subs, ch)
	}
}

// isSubscribed checks whether the client is subscribed to the given
// channel, directly or through a trailing wildcard.
func (c *wsClient) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.subs["*"] || c.subs[channel] {
		return true
	}

	// Wildcard match: "dual_created.*" should match "dual_created.1".
	for sub := range c.subs {
		if len(sub) > 0 && sub[len(sub)-1] == '*' {
			prefix := sub[:len(sub)-1]
			if len(channel) >= len(prefix) && channel[:len(prefix)] == prefix {
				return true
			}
		}
	}

	return false
}

// writePump pumps messages from the hub to the WebSocket connection.
// Records go out as JSON text frames with periodic ping frames for
// keepalive.
func (c *wsClient) writePump() {
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
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
