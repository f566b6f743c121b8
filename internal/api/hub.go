package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/taskforge/coordinator/internal/eventbus"
)

// WebSocketBufferSize bounds a client's outgoing queue before the hub
// drops it as too slow, kept from internal/server/hub.go's constant of
// the same name.
const WebSocketBufferSize = 256

// client is a single /events WebSocket connection.
type client struct {
	hub  *hub
	conn *websocket.Conn
	send chan []byte
}

// hub fans eventbus.Event values out to every connected /events
// client, generalized from internal/server/hub.go's Hub (which
// broadcast dashboard state snapshots) into a broadcaster of
// individual lifecycle events.
type hub struct {
	mu         sync.RWMutex
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
}

func newHub() *hub {
	return &hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, WebSocketBufferSize),
	}
}

// run starts the hub's main loop; call it in its own goroutine.
func (h *hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// broadcastEvent marshals and fans out a lifecycle event to every
// connected client.
func (h *hub) broadcastEvent(evt eventbus.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	h.broadcast <- data
}

// clientCount reports the number of currently connected /events
// clients, surfaced by the health handler.
func (h *hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
		// This endpoint is broadcast-only; inbound frames are discarded.
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// checkOriginFunc validates the Origin header against the server's CORS
// allowlist plus localhost, generalized from
// internal/server/handlers.go's checkWebSocketOrigin.
func checkOriginFunc(allowedOrigins []string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		host := u.Hostname()
		if host == "localhost" || host == "127.0.0.1" || host == "::1" {
			return true
		}
		return allowed[origin]
	}
}
