// Package notify pushes sync and queue events to connected app clients over
// WebSocket.
package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Outbound messages (to app clients)
	MsgTypeStatus    MessageType = "status"
	MsgTypeSyncEvent MessageType = "sync_event"
	MsgTypeReplay    MessageType = "replay"
	MsgTypePong      MessageType = "pong"

	// Inbound messages (from app clients)
	MsgTypePing MessageType = "ping"
)

// Message represents a WebSocket message to/from a client
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Config holds hub configuration
type Config struct {
	PingInterval time.Duration // Interval for ping frames
	WriteTimeout time.Duration // Timeout for write operations
	ReadTimeout  time.Duration // Timeout for read operations
	SendBuffer   int           // Per-client outbound queue size
}

// DefaultConfig returns default hub configuration
func DefaultConfig() Config {
	return Config{
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  60 * time.Second,
		SendBuffer:   100,
	}
}

// Hub fans messages out to every connected client
type Hub struct {
	config   Config
	upgrader websocket.Upgrader
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	clients map[*client]struct{}

	// Snapshot sent to each client right after it connects
	statusFn func() interface{}
}

type client struct {
	conn     *websocket.Conn
	sendChan chan *Message
	done     chan struct{}
}

// New creates a new hub
func New(config Config) *Hub {
	// Unset fields fall back to the defaults
	defaults := DefaultConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = defaults.SendBuffer
	}

	return &Hub{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The agent only listens on the device; the app may be served
			// from any local origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		stopChan: make(chan struct{}),
		clients:  make(map[*client]struct{}),
	}
}

// SetStatusFunc sets the snapshot sent to newly connected clients
func (h *Hub) SetStatusFunc(fn func() interface{}) {
	h.mu.Lock()
	h.statusFn = fn
	h.mu.Unlock()
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Publish broadcasts payload to every client. Slow clients drop messages
// rather than block the publisher.
func (h *Hub) Publish(msgType MessageType, payload interface{}) error {
	msg, err := newMessage(msgType, payload)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.sendChan <- msg:
		default:
			log.Printf("Notify: send queue full, dropping %s", msgType)
		}
	}
	return nil
}

// ServeHTTP upgrades the connection and serves the client until it leaves
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.stopChan:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Notify: upgrade failed: %v", err)
		return
	}

	c := &client{
		conn:     conn,
		sendChan: make(chan *Message, h.config.SendBuffer),
		done:     make(chan struct{}),
	}
	h.register(c)
	defer h.unregister(c)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.writeLoop(c)
	}()

	h.readLoop(c)
}

// Stop disconnects every client
func (h *Hub) Stop() error {
	h.stopOnce.Do(func() {
		close(h.stopChan)
		h.mu.Lock()
		for c := range h.clients {
			c.conn.Close()
		}
		h.mu.Unlock()
	})
	h.wg.Wait()
	return nil
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	statusFn := h.statusFn
	h.mu.Unlock()

	log.Printf("Notify: client connected from %s", c.conn.RemoteAddr())

	if statusFn != nil {
		msg, err := newMessage(MsgTypeStatus, statusFn())
		if err != nil {
			log.Printf("Notify: %v", err)
			return
		}
		select {
		case c.sendChan <- msg:
		default:
			log.Printf("Notify: send queue full for %s, dropping status", c.conn.RemoteAddr())
		}
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()

	close(c.done)
	c.conn.Close()
	log.Printf("Notify: client disconnected from %s", c.conn.RemoteAddr())
}

// readLoop reads messages from the client
func (h *Hub) readLoop(c *client) {
	c.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Notify: read error: %v", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Notify: failed to parse message: %v", err)
			continue
		}
		h.handleMessage(c, &msg)
	}
}

// writeLoop sends queued messages and keepalive pings to the client
func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-h.stopChan:
			return

		case msg := <-c.sendChan:
			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("Notify: failed to marshal message: %v", err)
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("Notify: write error: %v", err)
				c.conn.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("Notify: ping failed: %v", err)
				c.conn.Close()
				return
			}
		}
	}
}

// handleMessage processes an incoming client message
func (h *Hub) handleMessage(c *client, msg *Message) {
	switch msg.Type {
	case MsgTypePing:
		pong, err := newMessage(MsgTypePong, map[string]string{"ping_id": msg.ID})
		if err != nil {
			return
		}
		select {
		case c.sendChan <- pong:
		default:
			log.Printf("Notify: send queue full, dropping pong")
		}
	default:
		log.Printf("Notify: unknown message type: %s", msg.Type)
	}
}

func newMessage(msgType MessageType, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return &Message{
		Type:      msgType,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   data,
	}, nil
}
