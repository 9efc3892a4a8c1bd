package ws

import (
	"log/slog"
	"slices"
	"sync"
)

type Handler func(Event)

// Subscription identifies one registered handler. It is returned by On
// and passed back to Off.
type Subscription struct {
	name string
	id   uint64
}

func (s Subscription) Name() string {
	return s.name
}

type subscriber struct {
	id uint64
	fn Handler
}

// Hub maps event names to their subscribers.
type Hub struct {
	// Map of event name -> subscribers in registration order
	handlers map[string][]subscriber
	nextID   uint64
	logger   *slog.Logger

	mu sync.RWMutex
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		handlers: make(map[string][]subscriber),
		logger:   logger,
	}
}

func (h *Hub) On(name string, fn Handler) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	h.handlers[name] = append(h.handlers[name], subscriber{id: h.nextID, fn: fn})
	return Subscription{name: name, id: h.nextID}
}

func (h *Hub) Off(sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.handlers[sub.name]
	i := slices.IndexFunc(subs, func(s subscriber) bool { return s.id == sub.id })
	if i < 0 {
		return
	}
	// Copy so that snapshots held by a running Emit stay intact.
	subs = slices.Delete(slices.Clone(subs), i, i+1)
	if len(subs) == 0 {
		delete(h.handlers, sub.name)
		return
	}
	h.handlers[sub.name] = subs
}

// OffAll removes every subscriber of the event name.
func (h *Hub) OffAll(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handlers, name)
}

func (h *Hub) Count(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers[name])
}

// Emit calls every subscriber of name with ev. Handlers registered or
// removed during Emit do not affect the current call.
func (h *Hub) Emit(name string, ev Event) {
	h.mu.RLock()
	snapshot := h.handlers[name]
	h.mu.RUnlock()

	for _, s := range snapshot {
		h.invoke(name, s.fn, ev)
	}
}

func (h *Hub) invoke(name string, fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("event handler panicked", "event", name, "panic", r)
		}
	}()
	fn(ev)
}
