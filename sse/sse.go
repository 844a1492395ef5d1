package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pvcharge/pvcharge/telemetry"
)

const (
	pingCheckInterval = 15 * time.Second
	pingIdleAfter     = 30 * time.Second
)

// Event names pushed to the UI.
const (
	eventStatus   = "wallbox-status"
	eventPartial  = "wallbox-partial"
	eventShutdown = "shutdown"
)

type client struct {
	id      int
	writer  http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}

	mu       sync.Mutex
	lastSend time.Time
}

// send writes one already-formatted SSE frame. Writes per client are
// serialized, broadcasts from different goroutines must not interleave.
func (c *client) send(frame string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := fmt.Fprint(c.writer, frame); err != nil {
		return err
	}
	c.flusher.Flush()
	c.lastSend = time.Now()
	return nil
}

func (c *client) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSend
}

// Registry fans wallbox status updates out to the connected event streams.
type Registry struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[int]*client
	nextID  int
	closed  bool
}

func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default().With("component", "sse"),
		clients: make(map[int]*client),
	}
}

// Handle upgrades the request to an event stream and blocks until the client
// disconnects or the registry shuts down.
func (r *Registry) Handle(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	c := &client{writer: w, flusher: flusher, done: make(chan struct{})}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	c.id = r.nextID
	r.nextID++
	r.clients[c.id] = c
	count := len(r.clients)
	r.mu.Unlock()

	r.logger.Info("Stream client connected", "clients", count)
	if err := c.send(": connected\n\n"); err != nil {
		r.remove(c.id)
		return
	}

	select {
	case <-req.Context().Done():
	case <-c.done:
	}
	r.remove(c.id)
}

// Run sends keep-alive pings to idle clients until the context is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(pingCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, c := range r.snapshot() {
				if time.Since(c.idleSince()) < pingIdleAfter {
					continue
				}
				if err := c.send(": ping\n\n"); err != nil {
					r.remove(c.id)
				}
			}
		}
	}
}

// PushStatus broadcasts a full wallbox status.
func (r *Registry) PushStatus(status telemetry.WallboxStatus) {
	r.broadcast(eventStatus, status)
}

// PushPartial broadcasts only the changed fields, stamped with lastUpdated.
func (r *Registry) PushPartial(fields map[string]interface{}) {
	partial := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		partial[k] = v
	}
	partial["lastUpdated"] = time.Now()
	r.broadcast(eventPartial, partial)
}

// Shutdown notifies every client and releases their handlers.
func (r *Registry) Shutdown() {
	r.broadcast(eventShutdown, map[string]string{"reason": "server shutting down"})

	r.mu.Lock()
	r.closed = true
	for id, c := range r.clients {
		close(c.done)
		delete(r.clients, id)
	}
	r.mu.Unlock()
}

// ClientCount returns the number of attached streams.
func (r *Registry) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *Registry) broadcast(event string, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		r.logger.Error("Failed to encode stream event", "event", event, "error", err)
		return
	}
	frame := fmt.Sprintf("event: %s\ndata: %s\n\n", event, body)

	for _, c := range r.snapshot() {
		if err := c.send(frame); err != nil {
			r.logger.Debug("Dropping stream client after failed write", "error", err)
			r.remove(c.id)
		}
	}
}

// snapshot copies the client set so broadcasts never hold the registry lock
// across writes.
func (r *Registry) snapshot() []*client {
	r.mu.Lock()
	defer r.mu.Unlock()
	clients := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	return clients
}

func (r *Registry) remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok {
		close(c.done)
		delete(r.clients, id)
	}
}
