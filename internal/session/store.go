// Package session owns the append-only conversation transcript and its
// token-budgeted compaction.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/conversekit/converse/internal/idgen"
)

// Role values for transcript messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one transcript entry. Rows are never mutated after insert;
// compaction replaces a contiguous prefix with a single summary message.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SummarizeFunc turns a rendered transcript block into a summary. It is
// supplied by the caller because summarization is itself a backend call.
type SummarizeFunc func(ctx context.Context, transcript string) (string, error)

// Store reads and writes session transcripts backed by SQLite.
type Store struct {
	db *sql.DB

	// KeepRecent is how many trailing messages survive compaction verbatim.
	KeepRecent int

	nowFn   func() time.Time
	newIDFn func() string
}

type Option func(*Store)

func WithClock(nowFn func() time.Time) Option {
	return func(s *Store) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func WithIDGenerator(newIDFn func() string) Option {
	return func(s *Store) {
		if newIDFn != nil {
			s.newIDFn = newIDFn
		}
	}
}

func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:         db,
		KeepRecent: 8,
		nowFn:      func() time.Time { return time.Now().UTC() },
		newIDFn:    idgen.New,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) now() time.Time {
	return s.nowFn().UTC()
}

// AppendMessage inserts one transcript entry and returns it.
func (s *Store) AppendMessage(ctx context.Context, chatID, role, content string) (Message, error) {
	if strings.TrimSpace(chatID) == "" {
		return Message{}, fmt.Errorf("chat id is required")
	}
	if strings.TrimSpace(role) == "" {
		return Message{}, fmt.Errorf("role is required")
	}
	msg := Message{
		ID:        s.newIDFn(),
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		CreatedAt: s.now(),
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO session_messages (id, chat_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatID, msg.Role, msg.Content, msg.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Message{}, fmt.Errorf("insert session message: %w", err)
	}
	return msg, nil
}

// Messages returns the most recent messages for a chat in chronological
// order. limit <= 0 returns the full transcript.
func (s *Store) Messages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	query := `SELECT id, chat_id, role, content, created_at FROM session_messages WHERE chat_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{chatID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list session messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session messages: %w", err)
	}
	// Selected newest-first to honor the limit; flip back to chronological.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LastUserMessageAt returns the timestamp of the chat's most recent
// user-role message. ok is false when the user has never written.
func (s *Store) LastUserMessageAt(ctx context.Context, chatID string) (at time.Time, ok bool, err error) {
	var createdAtStr string
	err = s.db.QueryRowContext(ctx,
		`SELECT created_at FROM session_messages WHERE chat_id = ? AND role = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		chatID, RoleUser).Scan(&createdAtStr)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last user message: %w", err)
	}
	at, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	return at, true, nil
}

// EstimateTokens estimates the transcript's token usage for a chat. The
// same estimator backs CompactIfNeeded, so callers can trust the two to
// agree about whether a compaction will shrink the context.
func (s *Store) EstimateTokens(ctx context.Context, chatID string) (int, error) {
	var chars sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(LENGTH(content)), 0) FROM session_messages WHERE chat_id = ?`, chatID).Scan(&chars)
	if err != nil {
		return 0, fmt.Errorf("estimate tokens: %w", err)
	}
	return estimateTokens(int(chars.Int64)), nil
}

// estimateTokens is the chars/4 heuristic shared by EstimateTokens and
// CompactIfNeeded.
func estimateTokens(chars int) int {
	return chars / 4
}

// CompactIfNeeded summarizes the oldest contiguous block of the chat's
// transcript when the estimated token usage exceeds maxTokens, replacing
// the block with one synthetic system message carrying the summary and the
// persona reminder. force bypasses the threshold check (overflow recovery).
// The most recent KeepRecent messages always survive verbatim.
func (s *Store) CompactIfNeeded(ctx context.Context, chatID string, maxTokens int, personaReminder string, summarize SummarizeFunc, force bool) (bool, error) {
	if summarize == nil {
		return false, fmt.Errorf("summarize callback is required")
	}
	if !force {
		used, err := s.EstimateTokens(ctx, chatID)
		if err != nil {
			return false, err
		}
		if used <= maxTokens {
			return false, nil
		}
	}

	all, err := s.Messages(ctx, chatID, 0)
	if err != nil {
		return false, err
	}
	keep := s.KeepRecent
	if keep < 1 {
		keep = 1
	}
	if len(all) <= keep {
		return false, nil
	}
	prefix := all[:len(all)-keep]

	summary, err := summarize(ctx, renderTranscript(prefix))
	if err != nil {
		return false, fmt.Errorf("summarize transcript: %w", err)
	}

	content := strings.TrimSpace(personaReminder)
	if content != "" {
		content += "\n\n"
	}
	content += "Conversation so far (summarized): " + strings.TrimSpace(summary)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin compaction: %w", err)
	}
	defer tx.Rollback()

	for _, msg := range prefix {
		if _, err := tx.ExecContext(ctx, `DELETE FROM session_messages WHERE id = ?`, msg.ID); err != nil {
			return false, fmt.Errorf("delete compacted message: %w", err)
		}
	}
	// Reuse the last compacted message's timestamp so the summary sorts
	// before the kept suffix.
	at := prefix[len(prefix)-1].CreatedAt
	if _, err := tx.ExecContext(ctx, `INSERT INTO session_messages (id, chat_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		s.newIDFn(), chatID, RoleSystem, content, at.Format(time.RFC3339Nano)); err != nil {
		return false, fmt.Errorf("insert summary message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit compaction: %w", err)
	}
	return true, nil
}

func renderTranscript(msgs []Message) string {
	var sb strings.Builder
	for _, msg := range msgs {
		sb.WriteString(msg.Role)
		sb.WriteString(": ")
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var msg Message
	var createdAtStr string
	if err := row.Scan(&msg.ID, &msg.ChatID, &msg.Role, &msg.Content, &createdAtStr); err != nil {
		return Message{}, fmt.Errorf("scan session message: %w", err)
	}
	msg.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	return msg, nil
}
