package engine

import (
	"context"
	"errors"
	"time"

	"github.com/conversekit/converse/internal/session"
)

// IncomingMessage is one channel-adapter message. It is immutable and
// consumed by exactly one turn.
type IncomingMessage struct {
	Channel    string    `json:"channel"`
	ChatID     string    `json:"chat_id"`
	MessageID  string    `json:"message_id"`
	AuthorID   string    `json:"author_id"`
	Text       string    `json:"text"`
	IsGroup    bool      `json:"is_group,omitempty"`
	IsOperator bool      `json:"is_operator,omitempty"`
	IsMention  bool      `json:"is_mention,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type ActionKind string

const (
	ActionSendText ActionKind = "send_text"
	ActionReact    ActionKind = "react"
	ActionSilence  ActionKind = "silence"
)

// OutgoingAction is the terminal output of a turn: exactly one per
// completed turn. The channel adapter acts only on a fully resolved action.
type OutgoingAction struct {
	Kind      ActionKind `json:"kind"`
	Text      string     `json:"text,omitempty"`
	Emoji     string     `json:"emoji,omitempty"`
	TargetRef string     `json:"target_ref,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

func SendText(text string) OutgoingAction {
	return OutgoingAction{Kind: ActionSendText, Text: text}
}

func React(emoji, targetRef string) OutgoingAction {
	return OutgoingAction{Kind: ActionReact, Emoji: emoji, TargetRef: targetRef}
}

func Silence(reason string) OutgoingAction {
	return OutgoingAction{Kind: ActionSilence, Reason: reason}
}

// Turn is one prompt message handed to the backend.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Step records one tool invocation the backend performed while completing.
type Step struct {
	Name   string `json:"name"`
	Result string `json:"result,omitempty"`
}

type CompletionRequest struct {
	ChatID   string   `json:"chat_id"`
	System   string   `json:"system"`
	Messages []Turn   `json:"messages"`
	MaxSteps int      `json:"max_steps,omitempty"`
	Tools    []string `json:"tools,omitempty"`
}

// CompletionResult is the backend's output. Action is set when a tool has
// already resolved the turn's outcome (a reaction, or explicit silence);
// otherwise the engine maps Text.
type CompletionResult struct {
	Text   string          `json:"text"`
	Steps  []Step          `json:"steps,omitempty"`
	Action *OutgoingAction `json:"action,omitempty"`
}

// ErrContextOverflow marks a backend failure caused by the prompt
// exceeding the model's context window. Backend adapters wrap provider
// errors so the engine can match with errors.Is.
var ErrContextOverflow = errors.New("context length exceeded")

// ErrInvalidInput marks a request rejected by validation before any turn
// work happened. Callers match with errors.Is to tell a bad request from
// a failed turn.
var ErrInvalidInput = errors.New("invalid input")

// Backend is the language-model contract. Implementations must honor ctx
// cancellation and return an error wrapping ErrContextOverflow on
// context-length failures.
type Backend interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
}

// AssembleRequest carries everything a turn knows before prompting: the
// debounced batch plus chat identity.
type AssembleRequest struct {
	ChatID     string
	Batch      []IncomingMessage
	IsOperator bool
}

type Assembled struct {
	System   string
	Turns    []Turn
	Tools    []string
	MaxSteps int
}

// Assembler builds a bounded prompt from identity, session history, and
// memory. Recalled content is injected as data turns, never as system
// turns.
type Assembler interface {
	Assemble(ctx context.Context, req AssembleRequest) (Assembled, error)
}

// MemoryStore is the read-only recall contract. Tier gates what may be
// injected for the chat's trust level.
type MemoryStore interface {
	Recall(ctx context.Context, chatID, tier string) ([]string, error)
}

// SessionStore is the transcript contract the engine consumes.
// *session.Store satisfies it.
type SessionStore interface {
	AppendMessage(ctx context.Context, chatID, role, content string) (session.Message, error)
	EstimateTokens(ctx context.Context, chatID string) (int, error)
	CompactIfNeeded(ctx context.Context, chatID string, maxTokens int, personaReminder string, summarize session.SummarizeFunc, force bool) (bool, error)
}
