package engine

import (
	"context"
	"fmt"
	"log"
	"time"
)

// TurnRecord is what observers see after a turn resolves.
type TurnRecord struct {
	ChatID    string            `json:"chat_id"`
	Batch     []IncomingMessage `json:"batch"`
	Action    OutgoingAction    `json:"action"`
	CreatedAt time.Time         `json:"created_at"`
}

// Hook is one observer of turn lifecycle events. All fields are optional.
// A hook's failure is logged, reported to its own OnError if present, and
// never propagated to the engine or to other hooks.
type Hook struct {
	Name string

	OnBeforeGenerate   func(ctx context.Context, chatID string, batch []IncomingMessage) error
	OnTurnComplete     func(ctx context.Context, record TurnRecord) error
	OnSessionCompacted func(ctx context.Context, chatID string) error

	// OnError receives the hook's own failures.
	OnError func(ctx context.Context, hookErr error)
}

// HookRegistry dispatches lifecycle events to an ordered list of hooks,
// wrapping each dispatch in its own error boundary.
type HookRegistry struct {
	hooks []Hook
}

func (r *HookRegistry) Register(h Hook) {
	if h.Name == "" {
		h.Name = fmt.Sprintf("hook-%d", len(r.hooks))
	}
	r.hooks = append(r.hooks, h)
}

func (r *HookRegistry) EmitBeforeGenerate(ctx context.Context, chatID string, batch []IncomingMessage) {
	r.emit(ctx, "before_generate", func(h Hook) error {
		if h.OnBeforeGenerate == nil {
			return nil
		}
		return h.OnBeforeGenerate(ctx, chatID, batch)
	})
}

func (r *HookRegistry) EmitTurnComplete(ctx context.Context, record TurnRecord) {
	r.emit(ctx, "turn_complete", func(h Hook) error {
		if h.OnTurnComplete == nil {
			return nil
		}
		return h.OnTurnComplete(ctx, record)
	})
}

func (r *HookRegistry) EmitSessionCompacted(ctx context.Context, chatID string) {
	r.emit(ctx, "session_compacted", func(h Hook) error {
		if h.OnSessionCompacted == nil {
			return nil
		}
		return h.OnSessionCompacted(ctx, chatID)
	})
}

func (r *HookRegistry) emit(ctx context.Context, event string, dispatch func(Hook) error) {
	if r == nil {
		return
	}
	for _, h := range r.hooks {
		r.dispatchOne(ctx, event, h, dispatch)
	}
}

// dispatchOne isolates a single hook: a panic or error in the hook, or in
// its own OnError handler, never reaches the caller or later hooks.
func (r *HookRegistry) dispatchOne(ctx context.Context, event string, h Hook, dispatch func(Hook) error) {
	var hookErr error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				hookErr = fmt.Errorf("hook %s panicked on %s: %v", h.Name, event, rec)
			}
		}()
		if err := dispatch(h); err != nil {
			hookErr = fmt.Errorf("hook %s failed on %s: %w", h.Name, event, err)
		}
	}()
	if hookErr == nil {
		return
	}
	log.Printf("engine: %v", hookErr)
	if h.OnError == nil {
		return
	}
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("engine: hook %s OnError panicked: %v", h.Name, rec)
			}
		}()
		h.OnError(ctx, hookErr)
	}()
}
