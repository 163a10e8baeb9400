package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/models"
)

// Client represents a connected websocket client.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	user     *models.User
	deviceID string
	send     chan []byte
	closed   chan struct{}
	once     sync.Once
	// silent clients neither receive frames nor answer pings.
	silent atomic.Bool
}

// Hub tracks authenticated clients and fans frames out per user.
type Hub struct {
	log        *slog.Logger
	clients    map[*Client]bool
	byUser     map[int64]map[*Client]bool
	clientsMu  sync.RWMutex
	register   chan *Client
	unregister chan *Client
	deliver    chan *userFrame
	done       chan struct{}
}

type userFrame struct {
	userIDs []int64
	data    []byte
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		log:        logger,
		clients:    make(map[*Client]bool),
		byUser:     make(map[int64]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		deliver:    make(chan *userFrame, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, c := range h.Clients() {
				c.conn.Close()
			}
			return

		case client := <-h.register:
			h.clientsMu.Lock()
			h.clients[client] = true
			if h.byUser[client.user.ID] == nil {
				h.byUser[client.user.ID] = make(map[*Client]bool)
			}
			h.byUser[client.user.ID][client] = true
			h.clientsMu.Unlock()
			h.log.Info("client connected", "user_id", client.user.ID, "device_id", client.deviceID)

		case client := <-h.unregister:
			h.remove(client)

		case f := <-h.deliver:
			var slow []*Client
			h.clientsMu.RLock()
			for _, id := range f.userIDs {
				for client := range h.byUser[id] {
					if !client.enqueue(f.data) {
						slow = append(slow, client)
					}
				}
			}
			h.clientsMu.RUnlock()
			for _, client := range slow {
				h.remove(client)
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		if set := h.byUser[client.user.ID]; set != nil {
			delete(set, client)
			if len(set) == 0 {
				delete(h.byUser, client.user.ID)
			}
		}
		client.close()
		h.log.Info("client disconnected", "user_id", client.user.ID)
	}
	h.clientsMu.Unlock()
}

// SendToUsers marshals frame once and queues it for every socket of the
// given users.
func (h *Hub) SendToUsers(frame any, userIDs ...int64) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Error("failed to marshal frame", "error", err)
		return
	}
	select {
	case h.deliver <- &userFrame{userIDs: userIDs, data: data}:
	case <-h.done:
	}
}

// NewClient creates a new unauthenticated client for the hub.
func (h *Hub) NewClient(conn *websocket.Conn) *Client {
	return &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

// Register registers an authenticated client with the hub.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.conn.Close()
	}
}

// Unregister unregisters a client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Clients returns all connected clients.
func (h *Hub) Clients() []*Client {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// enqueue reports false when the client buffer is full.
func (c *Client) enqueue(data []byte) bool {
	if c.silent.Load() {
		return true
	}
	select {
	case <-c.closed:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Send queues a frame for this client only.
func (c *Client) Send(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.hub.log.Error("failed to marshal frame", "error", err)
		return
	}
	c.enqueue(data)
}

func (c *Client) close() {
	c.once.Do(func() { close(c.closed) })
}

// User returns the client's user. It is nil until the auth frame arrived.
func (c *Client) User() *models.User {
	return c.user
}
