// Package engine orchestrates one logical turn: debounced input, context
// assembly, backend invocation with overflow recovery, action resolution,
// and best-effort persistence. Turns for the same chat are strictly
// serialized; turns for different chats run in parallel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/conversekit/converse/internal/keymutex"
	"github.com/conversekit/converse/internal/outbound"
	"github.com/conversekit/converse/internal/session"
)

type Config struct {
	// DebounceWindow coalesces rapid messages from the same chat into one
	// turn. Zero disables debouncing.
	DebounceWindow time.Duration
	// BackendTimeout bounds a single backend call. Zero means no local
	// timeout; the caller's ctx still applies.
	BackendTimeout time.Duration
	// TokenBudget is the session budget handed to compaction.
	TokenBudget int
	// PersonaReminder is stitched into compaction summaries so the
	// personality survives across compaction boundaries.
	PersonaReminder string
}

type Engine struct {
	backend   Backend
	assembler Assembler
	sessions  SessionStore
	ledger    outbound.Log
	summarize session.SummarizeFunc

	Hooks *HookRegistry

	cfg   Config
	locks keymutex.KeyedMutex
	acc   *accumulator
	bg    sync.WaitGroup
	nowFn func() time.Time
}

type Option func(*Engine)

func WithClock(nowFn func() time.Time) Option {
	return func(e *Engine) {
		if nowFn != nil {
			e.nowFn = nowFn
		}
	}
}

func New(backend Backend, assembler Assembler, sessions SessionStore, ledger outbound.Log, summarize session.SummarizeFunc, cfg Config, opts ...Option) (*Engine, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if assembler == nil {
		return nil, fmt.Errorf("assembler is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = 8192
	}
	e := &Engine{
		backend:   backend,
		assembler: assembler,
		sessions:  sessions,
		ledger:    ledger,
		summarize: summarize,
		Hooks:     &HookRegistry{},
		cfg:       cfg,
		acc:       newAccumulator(),
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// HandleIncomingMessage runs one turn for msg's chat and returns its
// resolved action. Messages arriving within the debounce window join the
// same turn; the callers whose input was absorbed by another turn get a
// silence action. An error means the turn failed before resolving and no
// channel-visible side effect happened.
func (e *Engine) HandleIncomingMessage(ctx context.Context, msg IncomingMessage) (OutgoingAction, error) {
	if strings.TrimSpace(msg.ChatID) == "" {
		return OutgoingAction{}, fmt.Errorf("%w: chat id is required", ErrInvalidInput)
	}
	e.acc.Add(msg)

	if e.cfg.DebounceWindow > 0 {
		timer := time.NewTimer(e.cfg.DebounceWindow)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			// The caller is gone; withdraw the message so it cannot leak
			// into a later turn it no longer belongs to.
			e.acc.Remove(msg)
			return OutgoingAction{}, context.Cause(ctx)
		case <-timer.C:
		}
	}

	var action OutgoingAction
	err := e.locks.RunExclusive(msg.ChatID, func() error {
		var turnErr error
		action, turnErr = e.runTurn(ctx, msg.ChatID, msg.IsOperator)
		return turnErr
	})
	if err != nil {
		return OutgoingAction{}, err
	}
	return action, nil
}

// ProactiveTurn runs the sibling turn path for scheduler-driven outreach:
// no debounce, a synthetic prompt instead of user input, and the same
// serialization and persistence rules as reactive turns.
func (e *Engine) ProactiveTurn(ctx context.Context, chatID, prompt string) (OutgoingAction, error) {
	if strings.TrimSpace(chatID) == "" {
		return OutgoingAction{}, fmt.Errorf("%w: chat id is required", ErrInvalidInput)
	}
	var action OutgoingAction
	err := e.locks.RunExclusive(chatID, func() error {
		batch := []IncomingMessage{{
			ChatID:    chatID,
			AuthorID:  "scheduler",
			Text:      prompt,
			Timestamp: e.nowFn(),
		}}
		var turnErr error
		action, turnErr = e.completeTurn(ctx, chatID, false, batch, false)
		return turnErr
	})
	if err != nil {
		return OutgoingAction{}, err
	}
	return action, nil
}

// Drain waits for in-flight turns and their fire-and-forget persistence
// work. Stop submitting before draining.
func (e *Engine) Drain() {
	e.locks.Drain()
	e.bg.Wait()
}

// ActiveChats reports how many chats currently hold or wait on a turn
// lock.
func (e *Engine) ActiveChats() int {
	return e.locks.ActiveKeys()
}

func (e *Engine) runTurn(ctx context.Context, chatID string, isOperator bool) (OutgoingAction, error) {
	batch := e.acc.Take(chatID)
	if len(batch) == 0 {
		// Another turn for this chat already absorbed our message.
		return Silence("coalesced"), nil
	}
	if e.ledger != nil {
		// The user wrote: earlier outreach is no longer "ignored".
		if err := e.ledger.MarkGotReply(ctx, chatID); err != nil {
			log.Printf("engine: mark got reply for %s: %v", chatID, err)
		}
	}
	return e.completeTurn(ctx, chatID, isOperator, batch, true)
}

func (e *Engine) completeTurn(ctx context.Context, chatID string, isOperator bool, batch []IncomingMessage, persistBatch bool) (OutgoingAction, error) {
	e.Hooks.EmitBeforeGenerate(ctx, chatID, batch)

	req := AssembleRequest{ChatID: chatID, Batch: batch, IsOperator: isOperator}
	assembled, err := e.assembler.Assemble(ctx, req)
	if err != nil {
		return OutgoingAction{}, fmt.Errorf("assemble context: %w", err)
	}

	result, err := e.complete(ctx, completionRequest(chatID, assembled))
	if errors.Is(err, ErrContextOverflow) {
		result, err = e.recoverFromOverflow(ctx, chatID, req)
	}
	if err != nil {
		return OutgoingAction{}, err
	}

	action := resolveAction(result)
	e.persistTurn(ctx, chatID, batch, action, persistBatch)
	return action, nil
}

// recoverFromOverflow forces a compaction and retries the backend exactly
// once. A second overflow is fatal for the turn: retrying a structurally
// oversized prompt would spin forever.
func (e *Engine) recoverFromOverflow(ctx context.Context, chatID string, req AssembleRequest) (CompletionResult, error) {
	if e.summarize == nil {
		return CompletionResult{}, fmt.Errorf("context overflow with no summarizer configured: %w", ErrContextOverflow)
	}
	used, err := e.sessions.EstimateTokens(ctx, chatID)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("estimate tokens before recovery: %w", err)
	}
	if used == 0 {
		// Nothing to compact; the oversized content is this turn itself.
		return CompletionResult{}, fmt.Errorf("context overflow with empty session: %w", ErrContextOverflow)
	}

	did, err := e.sessions.CompactIfNeeded(ctx, chatID, e.cfg.TokenBudget, e.cfg.PersonaReminder, e.summarize, true)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("forced compaction: %w", err)
	}
	if did {
		e.Hooks.EmitSessionCompacted(ctx, chatID)
	}

	assembled, err := e.assembler.Assemble(ctx, req)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("assemble context after compaction: %w", err)
	}
	result, err := e.complete(ctx, completionRequest(chatID, assembled))
	if errors.Is(err, ErrContextOverflow) {
		return CompletionResult{}, fmt.Errorf("context overflow after forced compaction: %w", err)
	}
	return result, err
}

// complete invokes the backend under the local timeout. When the parent
// ctx was cancelled, its cause outranks whatever the local deadline
// produced, so abort reasons propagate instead of turning into generic
// timeout errors.
func (e *Engine) complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	callCtx := ctx
	if e.cfg.BackendTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.BackendTimeout)
		defer cancel()
	}
	result, err := e.backend.Complete(callCtx, req)
	if err != nil && ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
	}
	return result, err
}

func completionRequest(chatID string, assembled Assembled) CompletionRequest {
	return CompletionRequest{
		ChatID:   chatID,
		System:   assembled.System,
		Messages: assembled.Turns,
		MaxSteps: assembled.MaxSteps,
		Tools:    assembled.Tools,
	}
}

func resolveAction(result CompletionResult) OutgoingAction {
	if result.Action != nil {
		return *result.Action
	}
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return Silence("no response")
	}
	return SendText(text)
}

// persistTurn appends the turn to the session store and notifies hooks.
// All of it is best-effort: failures are logged and never fail the turn or
// block returning the action.
func (e *Engine) persistTurn(ctx context.Context, chatID string, batch []IncomingMessage, action OutgoingAction, persistBatch bool) {
	if persistBatch {
		for _, msg := range batch {
			if _, err := e.sessions.AppendMessage(ctx, chatID, session.RoleUser, msg.Text); err != nil {
				log.Printf("engine: append user message for %s: %v", chatID, err)
			}
		}
	}
	if action.Kind == ActionSendText {
		if _, err := e.sessions.AppendMessage(ctx, chatID, session.RoleAssistant, action.Text); err != nil {
			log.Printf("engine: append assistant message for %s: %v", chatID, err)
		}
	}

	record := TurnRecord{
		ChatID:    chatID,
		Batch:     batch,
		Action:    action,
		CreatedAt: e.nowFn(),
	}
	bgCtx := context.WithoutCancel(ctx)
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		e.Hooks.EmitTurnComplete(bgCtx, record)
	}()
}
