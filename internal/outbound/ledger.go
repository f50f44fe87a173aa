// Package outbound keeps a best-effort ledger of what the agent sent and
// whether the user ever replied. Suppression caps and the
// consecutive-ignored pause read from it, and recent entries are injected
// into context assembly as data turns for continuity.
package outbound

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/conversekit/converse/internal/idgen"
)

const (
	KindProactive = "proactive"
	KindReply     = "reply"
)

// Log is the outbound-ledger contract. Ledger backs single-host SQLite
// deployments; PGLedger writes the shared Postgres outbound_log that the
// multi-instance scheduler store reads its suppression counters from. A
// deployment must pair the log with the scheduler store that counts it,
// or the caps and the ignored-pause see nothing.
type Log interface {
	RecordSend(ctx context.Context, chatID, eventID, kind, content string) (Entry, error)
	MarkGotReply(ctx context.Context, chatID string) error
	ListRecent(ctx context.Context, chatID string, limit int) ([]Entry, error)
}

type Entry struct {
	ID       string    `json:"id"`
	ChatID   string    `json:"chat_id"`
	EventID  string    `json:"event_id,omitempty"`
	Kind     string    `json:"kind"`
	Content  string    `json:"content,omitempty"`
	GotReply bool      `json:"got_reply"`
	SentAt   time.Time `json:"sent_at"`
}

type Ledger struct {
	db    *sql.DB
	nowFn func() time.Time
}

type Option func(*Ledger)

func WithClock(nowFn func() time.Time) Option {
	return func(l *Ledger) {
		if nowFn != nil {
			l.nowFn = nowFn
		}
	}
}

func NewLedger(db *sql.DB, opts ...Option) *Ledger {
	l := &Ledger{
		db:    db,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// RecordSend logs one outgoing message. eventID ties proactive sends back
// to their scheduler event and may be empty for ordinary replies.
func (l *Ledger) RecordSend(ctx context.Context, chatID, eventID, kind, content string) (Entry, error) {
	if strings.TrimSpace(chatID) == "" {
		return Entry{}, fmt.Errorf("chat id is required")
	}
	if kind == "" {
		kind = KindReply
	}
	entry := Entry{
		ID:      idgen.New(),
		ChatID:  chatID,
		EventID: eventID,
		Kind:    kind,
		Content: content,
		SentAt:  l.nowFn().UTC(),
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO outbound_log (id, chat_id, event_id, kind, content, got_reply, sent_at) VALUES (?, ?, ?, ?, ?, 0, ?)`,
		entry.ID, entry.ChatID, nullString(entry.EventID), entry.Kind, entry.Content, entry.SentAt.UnixMilli())
	if err != nil {
		return Entry{}, fmt.Errorf("insert outbound entry: %w", err)
	}
	return entry, nil
}

// MarkGotReply flags every unanswered send in the chat as replied-to. Called
// when the user writes, so the ignored-outreach counter resets.
func (l *Ledger) MarkGotReply(ctx context.Context, chatID string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE outbound_log SET got_reply = 1 WHERE chat_id = ? AND got_reply = 0`, chatID)
	if err != nil {
		return fmt.Errorf("mark got reply: %w", err)
	}
	return nil
}

// ListRecent returns the chat's most recent sends, newest first.
func (l *Ledger) ListRecent(ctx context.Context, chatID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, chat_id, event_id, kind, content, got_reply, sent_at
		FROM outbound_log
		WHERE chat_id = ?
		ORDER BY sent_at DESC, id DESC
		LIMIT ?
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("list outbound entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var entry Entry
		var eventID, content sql.NullString
		var gotReply int
		var sentMs int64
		if err := rows.Scan(&entry.ID, &entry.ChatID, &eventID, &entry.Kind, &content, &gotReply, &sentMs); err != nil {
			return nil, fmt.Errorf("scan outbound entry: %w", err)
		}
		entry.EventID = eventID.String
		entry.Content = content.String
		entry.GotReply = gotReply != 0
		entry.SentAt = time.UnixMilli(sentMs).UTC()
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbound entries: %w", err)
	}
	return out, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
