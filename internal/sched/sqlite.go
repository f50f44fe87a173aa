package sched

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/conversekit/converse/internal/idgen"
)

// SQLiteStore implements Store on the shared SQLite database. Exclusivity
// rests on per-row guarded updates, not on transaction isolation: an UPDATE
// that re-checks the claimable predicate either wins the row or affects
// nothing, so two concurrent claimers split the due set disjointly.
type SQLiteStore struct {
	db    *sql.DB
	nowFn func() time.Time
}

type SQLiteOption func(*SQLiteStore)

func WithClock(nowFn func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func NewSQLiteStore(db *sql.DB, opts ...SQLiteOption) *SQLiteStore {
	s := &SQLiteStore{
		db:    db,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *SQLiteStore) now() time.Time {
	return s.nowFn().UTC()
}

func (s *SQLiteStore) AddEvent(ctx context.Context, input EventInput) (Event, error) {
	if strings.TrimSpace(input.Kind) == "" {
		return Event{}, fmt.Errorf("%w: kind is required", ErrInvalidEvent)
	}
	if strings.TrimSpace(input.ChatID) == "" {
		return Event{}, fmt.Errorf("%w: chat id is required", ErrInvalidEvent)
	}
	if input.Recur != "" && !gronx.New().IsValid(input.Recur) {
		return Event{}, fmt.Errorf("%w: %q", ErrInvalidRecur, input.Recur)
	}

	event := Event{
		ID:        idgen.EventID(),
		Kind:      input.Kind,
		Subject:   input.Subject,
		ChatID:    input.ChatID,
		TriggerAt: input.TriggerAt.UTC(),
		Recur:     input.Recur,
		State:     StatePending,
		CreatedAt: s.now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proactive_events (id, kind, subject, chat_id, trigger_at, recur, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.Kind, nullString(event.Subject), event.ChatID,
		event.TriggerAt.UnixMilli(), nullString(event.Recur), string(StatePending), event.CreatedAt.UnixMilli())
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}
	return event, nil
}

func (s *SQLiteStore) ClaimPendingEvents(ctx context.Context, req ClaimRequest) ([]Event, error) {
	if strings.TrimSpace(req.ClaimID) == "" {
		return nil, fmt.Errorf("claim id is required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	now := s.now()
	horizon := now.Add(req.Window).UnixMilli()
	nowMs := now.UnixMilli()
	leaseExpiry := now.Add(req.Lease).UnixMilli()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM proactive_events
		WHERE trigger_at <= ?
		  AND (state = 'pending' OR (state = 'claimed' AND lease_expiry <= ?))
		ORDER BY trigger_at ASC
		LIMIT ?
	`, horizon, nowMs, limit)
	if err != nil {
		return nil, fmt.Errorf("select due events: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan due event: %w", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due events: %w", err)
	}

	var claimed []Event
	for _, id := range candidates {
		// Guarded update: only wins while the row is still claimable. A
		// concurrent claimer that got here first leaves us with zero rows
		// affected and we simply move on.
		res, err := s.db.ExecContext(ctx, `
			UPDATE proactive_events
			SET state = 'claimed', claim_id = ?, lease_expiry = ?
			WHERE id = ?
			  AND (state = 'pending' OR (state = 'claimed' AND lease_expiry <= ?))
		`, req.ClaimID, leaseExpiry, id, nowMs)
		if err != nil {
			return claimed, fmt.Errorf("claim event %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return claimed, fmt.Errorf("claim event %s: %w", id, err)
		}
		if n == 0 {
			continue
		}
		event, err := s.getEvent(ctx, id)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, event)
	}
	return claimed, nil
}

func (s *SQLiteStore) ReleaseClaim(ctx context.Context, id, claimID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE proactive_events
		SET state = 'pending', claim_id = NULL, lease_expiry = NULL
		WHERE id = ? AND state = 'claimed' AND claim_id = ?
	`, id, claimID)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkDelivered(ctx context.Context, id, claimID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE proactive_events
		SET state = 'delivered', claim_id = ?, lease_expiry = NULL
		WHERE id = ? AND state != 'delivered'
	`, nullString(claimID), id)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if n == 0 {
		// Already delivered: idempotent success.
		return nil
	}

	event, err := s.getEvent(ctx, id)
	if err != nil {
		return err
	}
	if event.Recur == "" {
		return nil
	}
	next, err := gronx.NextTickAfter(event.Recur, s.now(), false)
	if err != nil {
		return fmt.Errorf("next occurrence of %s: %w", id, err)
	}
	_, err = s.AddEvent(ctx, EventInput{
		Kind:      event.Kind,
		Subject:   event.Subject,
		ChatID:    event.ChatID,
		TriggerAt: next,
		Recur:     event.Recur,
	})
	if err != nil {
		return fmt.Errorf("schedule next occurrence of %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) GetPendingEvents(ctx context.Context, window time.Duration) ([]Event, error) {
	horizon := s.now().Add(window).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, subject, chat_id, trigger_at, recur, state, claim_id, lease_expiry, created_at
		FROM proactive_events
		WHERE state = 'pending' AND trigger_at <= ?
		ORDER BY trigger_at ASC
	`, horizon)
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (s *SQLiteStore) CountRecentSends(ctx context.Context, window time.Duration) (int, error) {
	cutoff := s.now().Add(-window).UnixMilli()
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbound_log WHERE kind = 'proactive' AND sent_at > ?`, cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recent sends: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) CountIgnoredRecent(ctx context.Context, chatID string, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT got_reply FROM outbound_log
		WHERE chat_id = ? AND kind = 'proactive'
		ORDER BY sent_at DESC, id DESC
		LIMIT ?
	`, chatID, n)
	if err != nil {
		return 0, fmt.Errorf("count ignored sends: %w", err)
	}
	defer rows.Close()

	ignored := 0
	for rows.Next() {
		var gotReply int
		if err := rows.Scan(&gotReply); err != nil {
			return 0, fmt.Errorf("scan outbound row: %w", err)
		}
		if gotReply != 0 {
			break
		}
		ignored++
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate outbound rows: %w", err)
	}
	return ignored, nil
}

func (s *SQLiteStore) getEvent(ctx context.Context, id string) (Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, subject, chat_id, trigger_at, recur, state, claim_id, lease_expiry, created_at
		FROM proactive_events WHERE id = ?
	`, id)
	event, err := scanEvent(row)
	if err != nil {
		return Event{}, fmt.Errorf("get event %s: %w", id, err)
	}
	return event, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, error) {
	var event Event
	var subject, recur, claimID sql.NullString
	var triggerMs, createdMs int64
	var leaseMs sql.NullInt64
	var stateStr string
	if err := row.Scan(&event.ID, &event.Kind, &subject, &event.ChatID, &triggerMs, &recur, &stateStr, &claimID, &leaseMs, &createdMs); err != nil {
		return Event{}, err
	}
	event.Subject = subject.String
	event.Recur = recur.String
	event.State = State(stateStr)
	event.ClaimID = claimID.String
	event.TriggerAt = time.UnixMilli(triggerMs).UTC()
	event.CreatedAt = time.UnixMilli(createdMs).UTC()
	if leaseMs.Valid {
		event.LeaseExpiry = time.UnixMilli(leaseMs.Int64).UTC()
	}
	return event, nil
}

func collectEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
