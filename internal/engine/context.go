package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/conversekit/converse/internal/outbound"
	"github.com/conversekit/converse/internal/session"
)

// DefaultAssembler builds the prompt from identity, recent session history
// up to a token budget, recalled memory, and the outbound ledger. Memory
// and ledger content go in as user-role data turns: recalled text is
// untrusted and must not carry system-level authority.
type DefaultAssembler struct {
	Identity string
	Session  *session.Store
	Memory   MemoryStore
	Ledger   outbound.Log

	// TokenBudget bounds how much history is loaded. <= 0 means 8192.
	TokenBudget int
	// HistoryLimit caps the number of history messages regardless of
	// budget. <= 0 means 50.
	HistoryLimit int
	// Tools for everyone; OperatorTools are appended for operator turns.
	Tools         []string
	OperatorTools []string
	// TrustTier gates memory recall.
	TrustTier string
	MaxSteps  int
}

func (a *DefaultAssembler) Assemble(ctx context.Context, req AssembleRequest) (Assembled, error) {
	out := Assembled{
		System:   a.Identity,
		MaxSteps: a.MaxSteps,
		Tools:    append([]string(nil), a.Tools...),
	}
	if req.IsOperator {
		out.Tools = append(out.Tools, a.OperatorTools...)
	}

	if a.Memory != nil {
		facts, err := a.Memory.Recall(ctx, req.ChatID, a.TrustTier)
		if err != nil {
			return Assembled{}, fmt.Errorf("recall memory: %w", err)
		}
		if len(facts) > 0 {
			out.Turns = append(out.Turns, Turn{
				Role:    session.RoleUser,
				Content: "[memory]\n" + strings.Join(facts, "\n"),
			})
		}
	}

	if a.Ledger != nil {
		entries, err := a.Ledger.ListRecent(ctx, req.ChatID, 5)
		if err != nil {
			return Assembled{}, fmt.Errorf("list outbound history: %w", err)
		}
		if len(entries) > 0 {
			var sb strings.Builder
			sb.WriteString("[recent outreach]\n")
			for i := len(entries) - 1; i >= 0; i-- {
				entry := entries[i]
				fmt.Fprintf(&sb, "%s sent: %s (replied: %t)\n", entry.SentAt.Format("2006-01-02 15:04"), entry.Content, entry.GotReply)
			}
			out.Turns = append(out.Turns, Turn{Role: session.RoleUser, Content: sb.String()})
		}
	}

	if a.Session != nil {
		history, err := a.boundedHistory(ctx, req.ChatID)
		if err != nil {
			return Assembled{}, err
		}
		for _, msg := range history {
			out.Turns = append(out.Turns, Turn{Role: msg.Role, Content: msg.Content})
		}
	}

	for _, msg := range req.Batch {
		out.Turns = append(out.Turns, Turn{Role: session.RoleUser, Content: msg.Text})
	}
	return out, nil
}

// boundedHistory loads recent messages and trims the oldest until the
// batch fits the token budget.
func (a *DefaultAssembler) boundedHistory(ctx context.Context, chatID string) ([]session.Message, error) {
	limit := a.HistoryLimit
	if limit <= 0 {
		limit = 50
	}
	history, err := a.Session.Messages(ctx, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("load session history: %w", err)
	}
	budget := a.TokenBudget
	if budget <= 0 {
		budget = 8192
	}
	used := 0
	cut := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		used += len(history[i].Content) / 4
		if used > budget {
			break
		}
		cut = i
	}
	return history[cut:], nil
}
