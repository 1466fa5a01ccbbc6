package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the channel size handed out by Subscribe.
const DefaultBuffer = 64

// EventHub fans events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the frame.
type EventHub struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	dropped atomic.Uint64
}

func NewEventHub() *EventHub { return &EventHub{subs: make(map[chan Event]struct{})} }

func (h *EventHub) Subscribe() chan Event {
	return h.SubscribeBuffered(DefaultBuffer)
}

// SubscribeBuffered is Subscribe with a caller-chosen buffer size.
func (h *EventHub) SubscribeBuffered(size int) chan Event {
	if size < 1 {
		size = 1
	}
	ch := make(chan Event, size)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *EventHub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// Close unsubscribes everyone, which ends their receive loops.
func (h *EventHub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *EventHub) Publish(name string, payload any) {
	if h == nil {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg := Event{Name: name, Data: b}
	h.mu.RLock()
	for ch := range h.subs {
		// Non-blocking send; drop if subscriber is slow
		select {
		case ch <- msg:
		default:
			h.dropped.Add(1)
		}
	}
	h.mu.RUnlock()
}

// Dropped returns how many frames were lost to slow subscribers.
func (h *EventHub) Dropped() uint64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}
