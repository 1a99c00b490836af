package engine

import (
	"context"
	"sync"

	"github.com/ronappleton/flowengine/internal/workflow"
)

const subscriberBuffer = 32

// Hub fans committed transitions out to live subscribers of an instance.
// A subscriber that falls behind is closed and dropped; one that sees a
// terminal status is closed after receiving it.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan workflow.TransitionEvent
	nextID int
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[int]chan workflow.TransitionEvent{}}
}

// Subscribe returns a channel of transitions for instanceID and a cancel
// function that must be called when the caller stops reading.
func (h *Hub) Subscribe(instanceID string) (<-chan workflow.TransitionEvent, func()) {
	ch := make(chan workflow.TransitionEvent, subscriberBuffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	if h.subs[instanceID] == nil {
		h.subs[instanceID] = map[int]chan workflow.TransitionEvent{}
	}
	h.subs[instanceID][id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.drop(instanceID, id)
	}
	return ch, cancel
}

func (h *Hub) Observe(_ context.Context, ev workflow.TransitionEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs[ev.InstanceID] {
		select {
		case ch <- ev:
		default:
			h.drop(ev.InstanceID, id)
			continue
		}
		if ev.To.Terminal() {
			h.drop(ev.InstanceID, id)
		}
	}
}

// Subscribers reports the live subscriber count for instanceID.
func (h *Hub) Subscribers(instanceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[instanceID])
}

// drop must be called with h.mu held.
func (h *Hub) drop(instanceID string, id int) {
	subs := h.subs[instanceID]
	ch, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	close(ch)
	if len(subs) == 0 {
		delete(h.subs, instanceID)
	}
}
