package main

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/itskum47/ovhsniper/control_plane/observability"
)

const (
	maxWSConnections = 200
	wsWriteTimeout   = 5 * time.Second
)

// StatsSource produces the document pushed to stream clients.
type StatsSource interface {
	GetStats(ctx context.Context) (Stats, error)
}

// streamClient serializes writes to one connection; gorilla connections
// support a single concurrent writer.
type streamClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *streamClient) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *streamClient) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

// StatsHub manages WebSocket connections and broadcasts the stats document.
// One ticker serves every client.
type StatsHub struct {
	clients    map[*streamClient]struct{}
	register   chan *streamClient
	unregister chan *streamClient
	done       chan struct{}
	mu         sync.RWMutex
	source     StatsSource
	interval   time.Duration
	logger     *log.Entry
}

// NewStatsHub creates a new WebSocket hub.
func NewStatsHub(source StatsSource, interval time.Duration) *StatsHub {
	if interval <= 0 {
		interval = time.Second
	}
	return &StatsHub{
		clients:    make(map[*streamClient]struct{}),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		done:       make(chan struct{}),
		source:     source,
		interval:   interval,
		logger:     log.WithField("component", "stream"),
	}
}

// Run starts the hub's main loop.
func (h *StatsHub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				c.conn.Close()
				h.logger.Warnf("WebSocket connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			observability.StreamClients.Set(float64(total))
			h.logger.Debugf("WebSocket client registered. Total: %d", total)
			h.send(ctx, c)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			observability.StreamClients.Set(float64(total))
			h.logger.Debugf("WebSocket client unregistered. Total: %d", total)

		case <-ticker.C:
			h.broadcastAll(ctx)
		}
	}
}

// broadcastAll computes the stats once and sends them to every client.
func (h *StatsHub) broadcastAll(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return
	}

	stats, err := h.source.GetStats(ctx)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to collect stats")
		return
	}
	for c := range h.clients {
		if err := c.writeJSON(stats); err != nil {
			h.logger.WithError(err).Debug("WebSocket write error")
			// Removal happens outside the read lock.
			go h.Unregister(c)
		}
	}
}

func (h *StatsHub) send(ctx context.Context, c *streamClient) {
	stats, err := h.source.GetStats(ctx)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to collect stats")
		return
	}
	if err := c.writeJSON(stats); err != nil {
		go h.Unregister(c)
	}
}

// shutdown closes all client connections.
func (h *StatsHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.logger.Infof("Shutting down WebSocket hub with %d clients", len(h.clients))
	close(h.done)
	for c := range h.clients {
		c.conn.Close()
	}
	h.clients = make(map[*streamClient]struct{})
	observability.StreamClients.Set(0)
}

// Register adds a new client connection. It returns false once the hub has
// shut down.
func (h *StatsHub) Register(c *streamClient) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client connection.
func (h *StatsHub) Unregister(c *streamClient) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *StatsHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
