package push

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mindgoner/propagator/internal/auth"
	"github.com/mindgoner/propagator/internal/logger"
	"github.com/mindgoner/propagator/internal/metrics"
)

const (
	hubReadLimit    = 4096
	hubWriteTimeout = 5 * time.Second
)

// HubOptions configures a Hub.
type HubOptions struct {
	Credentials  auth.Credentials
	PingInterval time.Duration
}

// Hub is a websocket Broadcaster hosted by the node itself. Subscribers
// authenticate with the node's Basic credentials and speak the Pusher frame
// protocol.
type Hub struct {
	logger  logger.Logger
	opts    HubOptions
	clients map[*hubClient]struct{}
	mu      sync.RWMutex
	closed  bool

	upgrader websocket.Upgrader
}

type hubClient struct {
	conn     *websocket.Conn
	socketID string

	writeMu  sync.Mutex
	mu       sync.RWMutex
	channels map[string]struct{}
	done     chan struct{}
	once     sync.Once
}

// NewHub creates a new hub.
func NewHub(opts HubOptions, log logger.Logger) *Hub {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	return &Hub{
		logger:  log,
		opts:    opts,
		clients: make(map[*hubClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP authenticates and upgrades a subscriber connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.opts.Credentials.Verify(r) {
		auth.Challenge(w)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	client := &hubClient{
		conn:     conn,
		socketID: uuid.NewString(),
		channels: make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	activity := int(h.opts.PingInterval / time.Second)
	if err := client.write(connectionEstablishedFrame(client.socketID, activity)); err != nil {
		conn.Close()
		return
	}
	if !h.register(client) {
		conn.Close()
		return
	}
	go h.pingLoop(client)
	go h.readLoop(client)
}

func (h *Hub) register(c *hubClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	metrics.PushSubscribers.Inc()
	return true
}

func (h *Hub) readLoop(c *hubClient) {
	defer h.unregister(c)

	deadline := 2 * h.opts.PingInterval
	c.conn.SetReadLimit(hubReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(deadline))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(deadline))

		f, ok := parseFrame(raw)
		if !ok {
			continue
		}
		switch f.Event {
		case EventSubscribe:
			channel := subscribeChannel(f)
			if channel == "" {
				c.write(errorFrame("missing channel", 4000))
				continue
			}
			c.mu.Lock()
			c.channels[channel] = struct{}{}
			c.mu.Unlock()
			if err := c.write(subscriptionSucceededFrame(channel)); err != nil {
				return
			}
			h.logger.Debug("Push subscriber joined", "socket_id", c.socketID, "channel", channel)
		case EventPing:
			if err := c.write(pongFrame()); err != nil {
				return
			}
		}
	}
}

func (h *Hub) pingLoop(c *hubClient) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(hubWriteTimeout)); err != nil {
				h.unregister(c)
				return
			}
		}
	}
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		metrics.PushSubscribers.Dec()
	}
	h.mu.Unlock()

	c.close()
}

// Publish sends the event to every connection subscribed to channel.
func (h *Hub) Publish(_ context.Context, channel, event, data string) error {
	h.mu.RLock()
	conns := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		if c.subscribed(channel) {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return nil
	}

	payload := encodeFrame(event, channel, data)
	for _, c := range conns {
		if err := c.write(payload); err != nil {
			h.logger.Warn("Failed to write to push subscriber", "socket_id", c.socketID, "error", err)
			h.unregister(c)
		}
	}
	return nil
}

// Subscribers reports the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close terminates all connections and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.clients = make(map[*hubClient]struct{})
	metrics.PushSubscribers.Sub(float64(len(conns)))
	h.mu.Unlock()

	for _, c := range conns {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(hubWriteTimeout))
		c.close()
	}
}

func (c *hubClient) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *hubClient) subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.channels[channel]
	return ok
}

func (c *hubClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
