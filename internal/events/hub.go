package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"keygate/internal/infrastructure"
)

// Publisher is the narrow surface packages that emit events depend on.
// *Hub satisfies it; tests substitute a recorder.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// broadcastBacklog bounds how many marshaled events can wait for the
// hub loop before Publish starts dropping.
const broadcastBacklog = 256

// Hub owns the subscriber set. The Run goroutine is the only writer to
// the clients map, so the map needs no lock.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	metrics *infrastructure.Metrics
	logger  *slog.Logger

	quit        chan struct{}
	stopOnce    sync.Once
	clientCount atomic.Int64
}

// NewHub creates a hub. Call Run on its own goroutine before serving
// subscribers.
func NewHub(metrics *infrastructure.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, broadcastBacklog),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		metrics:    metrics,
		logger:     logger.With(slog.String("component", "events.hub")),
		quit:       make(chan struct{}),
	}
}

// Run services registrations and broadcasts until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.clientCount.Store(0)
			h.logger.Info("event hub stopped")
			return

		case client := <-h.register:
			h.clients[client] = true
			h.clientCount.Store(int64(len(h.clients)))
			h.adjustActive(1)
			h.logger.Info("event subscriber connected",
				slog.String("remote_addr", client.remoteAddr),
				slog.Int("subscribers", len(h.clients)))
			h.greet(client)

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.clientCount.Store(int64(len(h.clients)))
				h.adjustActive(-1)
				h.logger.Info("event subscriber disconnected",
					slog.String("remote_addr", client.remoteAddr),
					slog.Duration("connected_for", time.Since(client.connectedAt)),
					slog.Int("subscribers", len(h.clients)))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// A full send buffer means the subscriber stopped
					// reading. Drop it rather than stall everyone.
					delete(h.clients, client)
					close(client.send)
					h.clientCount.Store(int64(len(h.clients)))
					h.adjustActive(-1)
					h.logger.Warn("event subscriber too slow, dropped",
						slog.String("remote_addr", client.remoteAddr))
				}
			}
		}
	}
}

// Stop shuts the hub down. Safe to call more than once; Publish after
// Stop is a no-op.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
	})
}

// Publish queues an event for every subscriber. Never blocks; if the
// broadcast backlog is full the event is dropped with a warning.
func (h *Hub) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to marshal event",
			slog.String("type", string(event.Type)), slog.Any("error", err))
		return
	}

	select {
	case <-h.quit:
		return
	default:
	}

	select {
	case h.broadcast <- payload:
		if h.metrics != nil {
			h.metrics.EventsPublished.Add(ctx, 1,
				metric.WithAttributes(attribute.String("type", string(event.Type))))
		}
	default:
		h.logger.WarnContext(ctx, "event dropped, broadcast backlog full",
			slog.String("type", string(event.Type)))
	}
}

// ClientCount reports the current number of subscribers.
func (h *Hub) ClientCount() int {
	return int(h.clientCount.Load())
}

// greet sends the hello message to a fresh subscriber so dashboards
// can confirm the stream is live.
func (h *Hub) greet(client *Client) {
	payload, err := json.Marshal(New(TypeConnected, "", map[string]interface{}{
		"subscribers": len(h.clients),
	}))
	if err != nil {
		return
	}
	select {
	case client.send <- payload:
	default:
	}
}

func (h *Hub) adjustActive(delta int64) {
	if h.metrics == nil {
		return
	}
	h.metrics.WSClientsActive.Add(context.Background(), delta)
}
