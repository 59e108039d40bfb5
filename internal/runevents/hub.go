// Package runevents fans run status changes out to per-run subscribers.
package runevents

import (
	"context"
	"sync"
	"time"

	"github.com/applaude-labs/applaude-go/internal/domain"
)

// Event announces that a run entered Status. Seq is the transition sequence number.
type Event struct {
	RunID      string           `json:"run_id"`
	AccountID  string           `json:"account_id"`
	Seq        int              `json:"seq"`
	From       domain.RunStatus `json:"from,omitempty"`
	Status     domain.RunStatus `json:"status"`
	OccurredAt time.Time        `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Hub delivers events to subscribers of the same run in-process.
// Delivery is best effort: a subscriber whose buffer is full misses the event
// and is expected to re-read the transition history.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Event]struct{}
	buffer int
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[chan Event]struct{}{}, buffer: 16}
}

// Subscribe returns a channel of events for runID and a function that releases it.
func (h *Hub) Subscribe(runID string) (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	set, ok := h.subs[runID]
	if !ok {
		set = map[chan Event]struct{}{}
		h.subs[runID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[runID], ch)
			if len(h.subs[runID]) == 0 {
				delete(h.subs, runID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(_ context.Context, event Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[event.RunID] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Subscribers reports how many listeners are attached to runID.
func (h *Hub) Subscribers(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[runID])
}
