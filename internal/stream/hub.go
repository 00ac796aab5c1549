package stream

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/kandev-core/internal/logging"
	"github.com/kandev/kandev-core/internal/parser"
)

// Client is one subscribed websocket connection, relaying events for a
// set of session tags it has subscribed to.
type Client struct {
	ID   string
	conn *websocket.Conn
	tags map[string]bool
	send chan []byte
	hub  *Hub
	mu   sync.RWMutex
	log  *logging.Logger
}

// NewClient wraps an established websocket connection for registration
// with a Hub.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logging.Logger) *Client {
	return &Client{
		ID:   id,
		conn: conn,
		tags: make(map[string]bool),
		send: make(chan []byte, 256),
		hub:  hub,
		log:  log.WithFields(zap.String("client_id", id)),
	}
}

// Subscribe adds sessionTag to the set this client receives events for.
// The Hub reads that set once, when the client is registered; tags added
// after Register are not routed to the client.
func (c *Client) Subscribe(sessionTag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags[sessionTag] = true
}

// Hub fans parsed content events out to every websocket client subscribed
// to the originating session's tag. It is an optional remote-dashboard
// relay; a Session Engine running headless (no dashboard attached) never
// has to construct one.
type Hub struct {
	clients    map[*Client]bool
	tagClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastMessage

	mu  sync.RWMutex
	log *logging.Logger
}

type broadcastMessage struct {
	SessionTag string
	Event      parser.Event
}

// NewHub creates an unstarted Hub. Call Run to begin its processing loop.
func NewHub(log *logging.Logger) *Hub {
	if log == nil {
		log = logging.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		tagClients: make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *broadcastMessage, 256),
		log:        log.WithFields(zap.String("component", "stream_hub")),
	}
}

// Register adds a client to the hub's routing tables.
func (h *Hub) Register(c *Client) {
	h.register <- c
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.unregister <- c
}

// Broadcast fans evt out to every client subscribed to sessionTag.
func (h *Hub) Broadcast(sessionTag string, evt parser.Event) {
	h.broadcast <- &broadcastMessage{SessionTag: sessionTag, Event: evt}
}

// Run processes registrations, unregistrations, and broadcasts until ctx
// is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("stream hub started")
	defer h.log.Info("stream hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*Client]bool)
			h.tagClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			for tag := range c.tags {
				if h.tagClients[tag] == nil {
					h.tagClients[tag] = make(map[*Client]bool)
				}
				h.tagClients[tag][c] = true
			}
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				for tag := range c.tags {
					if clients, ok := h.tagClients[tag]; ok {
						delete(clients, c)
						if len(clients) == 0 {
							delete(h.tagClients, tag)
						}
					}
				}
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			clients := h.tagClients[msg.SessionTag]
			h.mu.RUnlock()
			if len(clients) == 0 {
				continue
			}

			data, err := json.Marshal(msg.Event)
			if err != nil {
				h.log.Error("failed to marshal stream event", zap.Error(err))
				continue
			}

			h.mu.Lock()
			for c := range clients {
				select {
				case c.send <- data:
				default:
					close(c.send)
					delete(h.clients, c)
					for tag := range c.tags {
						if tc, ok := h.tagClients[tag]; ok {
							delete(tc, c)
						}
					}
				}
			}
			h.mu.Unlock()
		}
	}
}

// WritePump drains the client's send channel onto its websocket
// connection until the channel is closed.
func (c *Client) WritePump() {
	defer c.conn.Close()
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
