// Package api exposes the exchange over HTTP and WebSocket.
package api

import (
	"context"
	"sync"

	"mockexchange/internal/core"
	"mockexchange/pkg/concurrency"
)

// Message is the envelope pushed to stream subscribers.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Client represents one WebSocket subscriber.
type Client struct {
	id     string
	send   chan Message
	mu     sync.Mutex
	closed bool
}

// NewClient creates a new client.
func NewClient(id string) *Client {
	return &Client{
		id:   id,
		send: make(chan Message, 256), // Buffered to prevent blocking
	}
}

// Send queues a message for the client without blocking. Returns false when
// the client is closed or its buffer is full.
func (c *Client) Send(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- msg:
		return true
	default:
		// Channel full, client is slow
		return false
	}
}

// GetSendChan returns the send channel for reading.
func (c *Client) GetSendChan() <-chan Message {
	return c.send
}

// Close closes the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub manages WebSocket subscribers and fans engine events out to them.
// It implements core.EventSink, so it can be attached to the engine with
// exchange.WithEventSink, and bootstrap.Runner for lifecycle management.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	log        core.ILogger
	pool       *concurrency.WorkerPool
}

// NewHub creates a new Hub. The logger must not be nil.
func NewHub(logger core.ILogger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        logger.WithField("component", "stream_hub"),
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "stream_fanout",
			MaxWorkers:  4,
			MaxCapacity: 256,
			NonBlocking: true,
		}, logger),
	}
}

func (h *Hub) Name() string { return "stream_hub" }

// Run processes registrations and broadcasts until ctx is canceled.
// Implements bootstrap.Runner.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.pool.Stop()
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Info("Client registered", "client_id", client.id, "total_clients", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Info("Client unregistered", "client_id", client.id, "total_clients", total)

		case msg := <-h.broadcast:
			h.mu.RLock()
			// Copy clients so the fan-out runs outside the lock.
			clientList := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clientList = append(clientList, client)
			}
			h.mu.RUnlock()

			fanout := func() {
				for _, client := range clientList {
					if !client.Send(msg) {
						// Slow or closed client, drop it.
						select {
						case h.unregister <- client:
						default:
						}
					}
				}
			}
			if err := h.pool.Submit(fanout); err != nil {
				h.log.Warn("Fan-out pool full, broadcasting inline", "type", msg.Type)
				fanout()
			}
		}
	}
}

// Publish implements core.EventSink. Never blocks; when the broadcast
// buffer is full the event is dropped.
func (h *Hub) Publish(ev core.Event) {
	h.Broadcast(Message{Type: string(ev.Kind), Data: ev.Payload})
}

// Register registers a client.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister unregisters a client.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast queues a message for all clients without blocking.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("Broadcast channel full, dropping message", "type", msg.Type)
	}
}

// ClientCount returns the current number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
