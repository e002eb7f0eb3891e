// Package ws implements a Server-Sent Events (SSE) hub that streams engine
// events to operators.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/GoCodeAlone/foreman/comms"
)

// client represents a single SSE connection.
type client struct {
	ch    chan []byte
	topic string
}

// Hub manages SSE client connections and broadcasts events.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewHub creates a Hub ready to accept connections.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
	}
}

// Attach subscribes the hub to every topic on bus. The returned function
// detaches it.
func (h *Hub) Attach(bus comms.Bus) (detach func()) {
	return bus.Subscribe(comms.AllTopics, func(_ context.Context, ev *comms.Event) error {
		h.Broadcast(*ev)
		return nil
	})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many deliveries were skipped because a client was
// slow.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Broadcast sends an event to all connected clients whose topic matches.
func (h *Hub) Broadcast(ev comms.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("hub broadcast marshal", slog.Any("err", err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.topic != comms.AllTopics && c.topic != ev.Type.Topic() {
			continue
		}
		select {
		case c.ch <- data:
		default:
			// Drop event if client is slow; don't block the bus.
			h.dropped.Add(1)
		}
	}
}

// ServeSSE handles an SSE connection request. The optional "topic" query
// parameter narrows the stream to one topic.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = comms.AllTopics
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	c := &client{ch: make(chan []byte, 64), topic: topic}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}()

	fmt.Fprintf(w, "data: {\"type\":\"connected\",\"topic\":%q}\n\n", topic) //nolint:errcheck
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-c.ch:
			// Each SSE "data:" line must not contain newlines
			for _, line := range strings.Split(string(data), "\n") {
				fmt.Fprintf(w, "data: %s\n", line) //nolint:errcheck
			}
			fmt.Fprintln(w) //nolint:errcheck
			flusher.Flush()
		}
	}
}
