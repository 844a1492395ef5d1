package e3dc

import (
	"log/slog"
	"sync"

	"github.com/pvcharge/pvcharge/telemetry"
)

// Hub is the single-writer multi-subscriber distribution point for live data
// snapshots. Late joiners get one replay of the last snapshot on subscribe so
// they are not starved until the next poll cycle.
type Hub struct {
	mu      sync.Mutex
	subs    map[int]func(telemetry.LiveData)
	nextID  int
	last    telemetry.LiveData
	hasLast bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]func(telemetry.LiveData))}
}

// Subscribe registers a callback and returns its subscription id. If a
// snapshot has been published before, it is replayed to the new subscriber
// asynchronously.
func (h *Hub) Subscribe(callback func(telemetry.LiveData)) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	h.subs[id] = callback

	if h.hasLast {
		go dispatch(callback, h.last)
	}
	return id
}

// Unsubscribe removes the subscription with the given id.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// Publish caches the snapshot and dispatches it to every subscriber. Each
// callback runs in its own goroutine: a panicking subscriber must not affect
// the others.
func (h *Hub) Publish(data telemetry.LiveData) {
	h.mu.Lock()
	h.last = data
	h.hasLast = true
	callbacks := make([]func(telemetry.LiveData), 0, len(h.subs))
	for _, callback := range h.subs {
		callbacks = append(callbacks, callback)
	}
	h.mu.Unlock()

	for _, callback := range callbacks {
		go dispatch(callback, data)
	}
}

// Last returns the most recently published snapshot, if any.
func (h *Hub) Last() (telemetry.LiveData, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last, h.hasLast
}

func dispatch(callback func(telemetry.LiveData), data telemetry.LiveData) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Live data subscriber panicked", "panic", r)
		}
	}()
	callback(data)
}
