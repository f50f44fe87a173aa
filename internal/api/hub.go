package api

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/conversekit/converse/internal/engine"
)

// Hub fans completed turns out to websocket subscribers. It is fed by an
// engine hook, so a slow or dead subscriber can never block a turn:
// deliveries to a full subscriber channel are dropped.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]chan engine.TurnRecord
}

func NewHub() *Hub {
	return &Hub{subs: map[string]chan engine.TurnRecord{}}
}

// Subscribe registers a listener that receives turn records until ctx is
// done, at which point the channel is closed.
func (h *Hub) Subscribe(ctx context.Context) <-chan engine.TurnRecord {
	ch := make(chan engine.TurnRecord, 64)
	id := ulid.Make().String()

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Publish(record engine.TurnRecord) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- record:
		default:
			// Drop if subscriber is slow.
		}
	}
}

// Hook returns the engine hook that feeds this hub.
func (h *Hub) Hook() engine.Hook {
	return engine.Hook{
		Name: "action-hub",
		OnTurnComplete: func(ctx context.Context, record engine.TurnRecord) error {
			h.Publish(record)
			return nil
		},
	}
}
