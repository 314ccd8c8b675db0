package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// sendQueueSize bounds the messages waiting for one browser. A browser that
// falls this far behind is disconnected.
const sendQueueSize = 64

// Client is one connected browser.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{hub: h, conn: conn, send: make(chan []byte, sendQueueSize)}
}

type joinRequest struct {
	client   *Client
	greeting []byte
	accepted chan bool
}

// Hub fans selection updates out to every connected browser. Only Run
// touches a client's send queue, so a queue is never written after it is
// closed.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}

	join      chan joinRequest
	leave     chan *Client
	broadcast chan []byte
	done      chan struct{}
}

// NewHub creates a hub. Nothing is delivered until Run is started.
func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*Client]struct{}),
		join:      make(chan joinRequest),
		leave:     make(chan *Client),
		broadcast: make(chan []byte, 256),
		done:      make(chan struct{}),
	}
}

// Run delivers messages until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()

			return

		case req := <-h.join:
			if req.greeting != nil {
				req.client.send <- req.greeting
			}

			h.mu.Lock()
			h.clients[req.client] = struct{}{}
			h.mu.Unlock()

			req.accepted <- true

		case c := <-h.leave:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slog.Warn("Disconnecting slow browser", "remote", c.remoteAddr())
					h.drop(c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// drop removes c and closes its queue. h.mu must be held.
func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	close(c.send)
}

// Join registers c and queues greeting as its first message. It returns
// false if the hub has stopped; c is then not registered.
func (h *Hub) Join(c *Client, greeting []byte) bool {
	req := joinRequest{client: c, greeting: greeting, accepted: make(chan bool, 1)}

	select {
	case h.join <- req:
		return <-req.accepted
	case <-h.done:
		return false
	}
}

// Broadcast queues message for every connected client.
func (h *Hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		slog.Warn("WebSocket broadcast queue full, dropping message")
	}
}

// BroadcastMessage encodes msg and sends it to all connected clients.
func (h *Hub) BroadcastMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to marshal message", "type", msg.Type, "error", err)
		return
	}

	h.Broadcast(data)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

func (c *Client) remoteAddr() string {
	if c.conn == nil {
		return ""
	}

	return c.conn.RemoteAddr().String()
}

// writePump forwards queued messages to the browser until the hub closes
// the queue.
func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}

	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}

// readPump hands every incoming message to onMessage until the connection
// fails, then leaves the hub.
func (c *Client) readPump(onMessage func([]byte)) {
	defer func() {
		select {
		case c.hub.leave <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		if onMessage != nil {
			onMessage(msg)
		}
	}
}
