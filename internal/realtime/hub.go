// Package realtime fans annotation events out to subscribed clients over
// server-sent events, across every handler replica.
package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/surface-annotator/backend/internal/models"
)

const (
	defaultHeartbeat = 15 * time.Second
	outboundBuffer   = 32
)

// Client is one open event stream.
type Client struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	Channels map[string]bool
	Outbound chan models.Event
	done     chan struct{}
}

// Hub tracks stream subscriptions in this process.
type Hub struct {
	mu            sync.RWMutex
	logger        *zap.Logger
	subscriptions map[string]map[*Client]bool
	heartbeat     time.Duration
	closing       chan struct{}
	closeOnce     sync.Once
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:        logger.With(zap.String("component", "hub")),
		subscriptions: make(map[string]map[*Client]bool),
		heartbeat:     defaultHeartbeat,
		closing:       make(chan struct{}),
	}
}

// Close ends every open stream so a graceful shutdown does not wait on them.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.closing) })
}

// NewClient creates a client that is not yet subscribed to anything.
func (h *Hub) NewClient(userID uuid.UUID) *Client {
	return &Client{
		ID:       uuid.New(),
		UserID:   userID,
		Channels: make(map[string]bool),
		Outbound: make(chan models.Event, outboundBuffer),
		done:     make(chan struct{}),
	}
}

// Subscribe adds client to channel.
func (h *Hub) Subscribe(client *Client, channel string) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	client.Channels[channel] = true
	clients, ok := h.subscriptions[channel]
	if !ok {
		clients = make(map[*Client]bool)
		h.subscriptions[channel] = clients
	}
	clients[client] = true

	h.logger.Debug("Client subscribed", zap.String("client_id", client.ID.String()), zap.String("channel", channel))
}

// Unsubscribe removes client from every channel.
func (h *Hub) Unsubscribe(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range client.Channels {
		if clients, ok := h.subscriptions[ch]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.subscriptions, ch)
			}
		}
	}
	client.Channels = make(map[string]bool)
}

// Subscribers returns the number of clients on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions[channel])
}

// Broadcast delivers ev to the channel's clients. A client whose buffer is
// full misses the event; it never blocks the sender.
func (h *Hub) Broadcast(ev models.Event) {
	if ev.Channel == "" {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.subscriptions[ev.Channel] {
		select {
		case c.Outbound <- ev:
		default:
			h.logger.Warn("Dropping event; outbound buffer full",
				zap.String("client_id", c.ID.String()),
				zap.String("event", string(ev.Event)),
			)
		}
	}
}

// ServeHTTP streams the client's events until the request ends or the
// client is closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request, client *Client) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.done:
			return
		case <-h.closing:
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev := <-client.Outbound:
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Warn("Failed to marshal event", zap.Error(err))
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Event, data)
			flusher.Flush()
		}
	}
}

// CloseClient unsubscribes client and ends its stream.
func (h *Hub) CloseClient(client *Client) {
	h.Unsubscribe(client)
	close(client.done)
}
