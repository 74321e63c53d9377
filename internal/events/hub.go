// Package events delivers session notifications to external observers.
// Delivery never blocks the publisher: a subscriber whose channel is full
// misses the event.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Type identifies an event. Each type is a distinct bit so types can be
// combined into a Mask.
type Type uint32

const (
	Started Type = 1 << iota
	Stopped
	Finished
	SpeedChanged
)

func (t Type) String() string {
	switch t {
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case Finished:
		return "finished"
	case SpeedChanged:
		return "speed-changed"
	default:
		return "unknown"
	}
}

// Mask is a set of event types.
type Mask uint32

// All enables every event type.
const All = Mask(Started | Stopped | Finished | SpeedChanged)

// Has reports whether t is in the mask.
func (m Mask) Has(t Type) bool {
	return m&Mask(t) != 0
}

// Event is a notification about a session. Subscribers receive copies.
type Event struct {
	Type      Type
	SessionID string
	Time      time.Time
	Position  time.Duration
	Speed     float64
	Err       error
}

type subscription struct {
	id      string
	dropped atomic.Int64
}

// Hub fans events out to subscribed channels. The enabled mask is read
// without taking the subscriber lock.
type Hub struct {
	log     *slog.Logger
	mask    atomic.Uint32
	mu      sync.RWMutex
	subs    map[chan<- Event]*subscription
	dropped atomic.Int64
}

// NewHub returns a hub with every event type enabled.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		log:  log.With("component", "events"),
		subs: make(map[chan<- Event]*subscription),
	}
	h.mask.Store(uint32(All))
	return h
}

// Enable adds types to the enabled set.
func (h *Hub) Enable(m Mask) {
	for {
		old := h.mask.Load()
		if h.mask.CompareAndSwap(old, old|uint32(m)) {
			return
		}
	}
}

// Disable removes types from the enabled set.
func (h *Hub) Disable(m Mask) {
	for {
		old := h.mask.Load()
		if h.mask.CompareAndSwap(old, old&^uint32(m)) {
			return
		}
	}
}

// Enabled returns the enabled set.
func (h *Hub) Enabled() Mask {
	return Mask(h.mask.Load())
}

// Subscribe registers ch and returns its subscription id. Subscribing a
// channel twice returns the existing id. Use a buffered channel; events that
// do not fit are dropped.
func (h *Hub) Subscribe(ch chan<- Event) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[ch]; ok {
		return sub.id
	}
	sub := &subscription{id: uuid.NewString()}
	h.subs[ch] = sub
	h.log.Debug("subscriber added", "subscription", sub.id, "capacity", cap(ch))
	return sub.id
}

// Unsubscribe removes ch. It reports whether ch was subscribed.
func (h *Hub) Unsubscribe(ch chan<- Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[ch]
	if !ok {
		return false
	}
	delete(h.subs, ch)
	h.log.Debug("subscriber removed", "subscription", sub.id, "dropped", sub.dropped.Load())
	return true
}

// Publish sends a copy of ev to every subscriber when its type is enabled,
// and returns the number of channels that accepted it.
func (h *Hub) Publish(ev Event) int {
	if !h.Enabled().Has(ev.Type) {
		return 0
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for ch, sub := range h.subs {
		select {
		case ch <- ev:
			delivered++
		default:
			sub.dropped.Add(1)
			h.dropped.Add(1)
			h.log.Debug("event dropped, subscriber full", "subscription", sub.id, "type", ev.Type.String())
		}
	}
	return delivered
}

// SubscriberCount returns the number of subscribed channels.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns the total number of events dropped across subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
