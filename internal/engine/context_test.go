package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/conversekit/converse/internal/outbound"
	"github.com/conversekit/converse/internal/session"
	"github.com/conversekit/converse/internal/testutil"
)

type staticMemory struct {
	facts []string
}

func (m *staticMemory) Recall(ctx context.Context, chatID, tier string) ([]string, error) {
	return m.facts, nil
}

func TestMemoryInjectedAsUserRoleData(t *testing.T) {
	a := &DefaultAssembler{
		Identity: "you are a helpful companion",
		Memory:   &staticMemory{facts: []string{"likes espresso", "works nights"}},
	}

	out, err := a.Assemble(context.Background(), AssembleRequest{
		ChatID: "chat-1",
		Batch:  []IncomingMessage{{ChatID: "chat-1", Text: "morning"}},
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if out.System != "you are a helpful companion" {
		t.Fatalf("system = %q", out.System)
	}

	var memoryTurn *Turn
	for i := range out.Turns {
		if strings.HasPrefix(out.Turns[i].Content, "[memory]") {
			memoryTurn = &out.Turns[i]
		}
		if out.Turns[i].Role == session.RoleSystem {
			t.Fatalf("recalled content injected with system authority: %+v", out.Turns[i])
		}
	}
	if memoryTurn == nil {
		t.Fatal("memory facts missing from prompt")
	}
	if memoryTurn.Role != session.RoleUser {
		t.Fatalf("memory turn role = %q, want user", memoryTurn.Role)
	}
	if !strings.Contains(memoryTurn.Content, "likes espresso") {
		t.Fatalf("memory turn = %q", memoryTurn.Content)
	}
}

func TestOutboundHistoryInjectedAsUserRoleData(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	ledger := outbound.NewLedger(db)
	if _, err := ledger.RecordSend(context.Background(), "chat-1", "evt-1", outbound.KindProactive, "checking in on your project"); err != nil {
		t.Fatalf("record send: %v", err)
	}

	a := &DefaultAssembler{Identity: "identity", Ledger: ledger}
	out, err := a.Assemble(context.Background(), AssembleRequest{ChatID: "chat-1"})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	var found bool
	for _, turn := range out.Turns {
		if strings.HasPrefix(turn.Content, "[recent outreach]") {
			found = true
			if turn.Role != session.RoleUser {
				t.Fatalf("outreach turn role = %q, want user", turn.Role)
			}
			if !strings.Contains(turn.Content, "checking in on your project") {
				t.Fatalf("outreach turn = %q", turn.Content)
			}
		}
	}
	if !found {
		t.Fatal("outbound history missing from prompt")
	}
}

func TestHistoryTrimmedOldestFirstToBudget(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	store := session.NewStore(db)

	ctx := context.Background()
	long := strings.Repeat("x", 400) // ~100 tokens each
	for i := 0; i < 10; i++ {
		if _, err := store.AppendMessage(ctx, "chat-1", session.RoleUser, long); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := store.AppendMessage(ctx, "chat-1", session.RoleAssistant, "newest"); err != nil {
		t.Fatalf("append: %v", err)
	}

	a := &DefaultAssembler{Identity: "identity", Session: store, TokenBudget: 250}
	out, err := a.Assemble(ctx, AssembleRequest{ChatID: "chat-1"})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	if len(out.Turns) == 0 || out.Turns[len(out.Turns)-1].Content != "newest" {
		t.Fatalf("newest message missing or out of order: %+v", out.Turns)
	}
	if len(out.Turns) >= 11 {
		t.Fatalf("history not trimmed: %d turns", len(out.Turns))
	}
	for i := 1; i < len(out.Turns); i++ {
		if out.Turns[i-1].Content == "newest" {
			t.Fatal("history out of chronological order")
		}
	}
}

func TestOperatorToolsOnlyForOperatorTurns(t *testing.T) {
	a := &DefaultAssembler{
		Identity:      "identity",
		Tools:         []string{"remember", "react"},
		OperatorTools: []string{"schedule_event"},
	}

	regular, err := a.Assemble(context.Background(), AssembleRequest{ChatID: "chat-1"})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	for _, tool := range regular.Tools {
		if tool == "schedule_event" {
			t.Fatal("operator tool exposed to a regular turn")
		}
	}

	operator, err := a.Assemble(context.Background(), AssembleRequest{ChatID: "chat-1", IsOperator: true})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	var found bool
	for _, tool := range operator.Tools {
		if tool == "schedule_event" {
			found = true
		}
	}
	if !found {
		t.Fatalf("operator tools missing: %v", operator.Tools)
	}
}

func TestBatchAppendedAfterHistory(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	store := session.NewStore(db)
	ctx := context.Background()
	if _, err := store.AppendMessage(ctx, "chat-1", session.RoleAssistant, "earlier reply"); err != nil {
		t.Fatalf("append: %v", err)
	}

	a := &DefaultAssembler{Identity: "identity", Session: store}
	out, err := a.Assemble(ctx, AssembleRequest{
		ChatID: "chat-1",
		Batch: []IncomingMessage{
			{ChatID: "chat-1", Text: "one"},
			{ChatID: "chat-1", Text: "two"},
		},
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	n := len(out.Turns)
	if n < 3 {
		t.Fatalf("turns = %+v", out.Turns)
	}
	if out.Turns[n-2].Content != "one" || out.Turns[n-1].Content != "two" {
		t.Fatalf("batch not appended in order: %+v", out.Turns[n-2:])
	}
	if out.Turns[0].Content != "earlier reply" {
		t.Fatalf("history not before batch: %+v", out.Turns[0])
	}
}
