package outbound

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conversekit/converse/internal/idgen"
)

// PGLedger implements Log on Postgres. It is built on the scheduler
// store's pool so sends land in the same outbound_log the store's
// CountRecentSends/CountIgnoredRecent read; the store's migration owns
// the table.
type PGLedger struct {
	pool  *pgxpool.Pool
	nowFn func() time.Time
}

type PGOption func(*PGLedger)

func WithPGClock(nowFn func() time.Time) PGOption {
	return func(l *PGLedger) {
		if nowFn != nil {
			l.nowFn = nowFn
		}
	}
}

func NewPGLedger(pool *pgxpool.Pool, opts ...PGOption) *PGLedger {
	l := &PGLedger{
		pool:  pool,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func (l *PGLedger) RecordSend(ctx context.Context, chatID, eventID, kind, content string) (Entry, error) {
	if chatID == "" {
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
	_, err := l.pool.Exec(ctx,
		`INSERT INTO outbound_log (id, chat_id, event_id, kind, content, got_reply, sent_at) VALUES ($1, $2, NULLIF($3, ''), $4, $5, FALSE, $6)`,
		entry.ID, entry.ChatID, entry.EventID, entry.Kind, entry.Content, entry.SentAt)
	if err != nil {
		return Entry{}, fmt.Errorf("insert outbound entry: %w", err)
	}
	return entry, nil
}

func (l *PGLedger) MarkGotReply(ctx context.Context, chatID string) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE outbound_log SET got_reply = TRUE WHERE chat_id = $1 AND got_reply = FALSE`, chatID)
	if err != nil {
		return fmt.Errorf("mark got reply: %w", err)
	}
	return nil
}

func (l *PGLedger) ListRecent(ctx context.Context, chatID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.pool.Query(ctx, `
		SELECT id, chat_id, COALESCE(event_id, ''), kind, COALESCE(content, ''), got_reply, sent_at
		FROM outbound_log
		WHERE chat_id = $1
		ORDER BY sent_at DESC, id DESC
		LIMIT $2
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("list outbound entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(&entry.ID, &entry.ChatID, &entry.EventID, &entry.Kind, &entry.Content, &entry.GotReply, &entry.SentAt); err != nil {
			return nil, fmt.Errorf("scan outbound entry: %w", err)
		}
		entry.SentAt = entry.SentAt.UTC()
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbound entries: %w", err)
	}
	return out, nil
}
