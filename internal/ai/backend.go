package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/flitsinc/go-llms/content"
	"github.com/flitsinc/go-llms/llms"
	llmtools "github.com/flitsinc/go-llms/tools"

	"github.com/conversekit/converse/internal/engine"
)

// ToolFactory builds the tool set for one completion. The sink receives
// any action a tool resolves; the request carries the chat id and the
// tool names the caller allows.
type ToolFactory func(sink *ActionSink, req engine.CompletionRequest) []llmtools.Tool

// Backend adapts a go-llms client to the turn engine's completion
// contract.
type Backend struct {
	client *Client
	tools  ToolFactory
}

func NewBackend(client *Client, tools ToolFactory) *Backend {
	return &Backend{client: client, tools: tools}
}

func (b *Backend) Complete(ctx context.Context, req engine.CompletionRequest) (engine.CompletionResult, error) {
	sink := &ActionSink{}
	var tools []llmtools.Tool
	if b.tools != nil {
		tools = b.tools(sink, req)
	}

	llm, err := b.client.NewSession(tools...)
	if err != nil {
		return engine.CompletionResult{}, fmt.Errorf("new llm session: %w", err)
	}
	llm.SystemPrompt = func() content.Content {
		return content.FromText(req.System)
	}

	messages := make([]llms.Message, 0, len(req.Messages))
	for _, turn := range req.Messages {
		messages = append(messages, llms.Message{Role: turn.Role, Content: content.FromText(turn.Content)})
	}

	var sb strings.Builder
	for update := range llm.ChatUsingMessages(ctx, messages) {
		if textUpdate, ok := update.(llms.TextUpdate); ok {
			sb.WriteString(textUpdate.Text)
		}
	}
	if err := llm.Err(); err != nil {
		if isContextOverflow(err) {
			return engine.CompletionResult{}, fmt.Errorf("%w: %v", engine.ErrContextOverflow, err)
		}
		return engine.CompletionResult{}, fmt.Errorf("llm completion: %w", err)
	}

	result := engine.CompletionResult{Text: strings.TrimSpace(sb.String())}
	if action, ok := sink.Resolved(); ok {
		result.Action = &action
	}
	return result, nil
}

// Summarize condenses a transcript for compaction. It prefers the
// provider's cheap model alias; turns run on the configured model.
func (b *Backend) Summarize(ctx context.Context, transcript string) (string, error) {
	llm, err := b.client.NewSessionWithModel("fast")
	if err != nil {
		return "", fmt.Errorf("new llm session: %w", err)
	}
	llm.SystemPrompt = func() content.Content {
		return content.FromText("Summarize this conversation for future context. Keep names, facts, commitments, and open threads. Be concise and factual.")
	}

	updates := llm.ChatUsingMessages(ctx, []llms.Message{
		{Role: "user", Content: content.FromText(transcript)},
	})
	var sb strings.Builder
	for update := range updates {
		if textUpdate, ok := update.(llms.TextUpdate); ok {
			sb.WriteString(textUpdate.Text)
		}
	}
	if err := llm.Err(); err != nil {
		return "", fmt.Errorf("summarize transcript: %w", err)
	}
	return strings.TrimSpace(sb.String()), nil
}

// Provider context-window failures come back as plain error strings, so
// classification is by message. Matches the wording used by OpenAI,
// Anthropic, and Gemini.
func isContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"context length",
		"context_length_exceeded",
		"maximum context",
		"prompt is too long",
		"input is too long",
		"too many tokens",
		"exceeds the maximum number of tokens",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
