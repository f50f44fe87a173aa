package sched

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conversekit/converse/internal/idgen"
)

// PGStore implements Store on Postgres for deployments where several
// scheduler instances share one database. Claim exclusivity comes from
// row-level locking: the claim statement selects due rows FOR UPDATE SKIP
// LOCKED and updates them in the same statement, so concurrent claimers
// partition the due set without retry loops.
type PGStore struct {
	pool  *pgxpool.Pool
	nowFn func() time.Time
}

const pgSchemaSQL = `
CREATE TABLE IF NOT EXISTS proactive_events (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  subject TEXT,
  chat_id TEXT NOT NULL,
  trigger_at TIMESTAMPTZ NOT NULL,
  recur TEXT,
  state TEXT NOT NULL DEFAULT 'pending',
  claim_id TEXT,
  lease_expiry TIMESTAMPTZ,
  created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_proactive_events_state_trigger ON proactive_events(state, trigger_at);

CREATE TABLE IF NOT EXISTS outbound_log (
  id TEXT PRIMARY KEY,
  chat_id TEXT NOT NULL,
  event_id TEXT,
  kind TEXT NOT NULL,
  content TEXT,
  got_reply BOOLEAN NOT NULL DEFAULT FALSE,
  sent_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outbound_log_chat_sent ON outbound_log(chat_id, sent_at);
`

func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect scheduler db: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate scheduler db: %w", err)
	}
	return &PGStore{
		pool:  pool,
		nowFn: func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *PGStore) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool so the outbound ledger can share it;
// the suppression counters only see sends written to this database.
func (s *PGStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PGStore) now() time.Time {
	return s.nowFn().UTC()
}

func (s *PGStore) AddEvent(ctx context.Context, input EventInput) (Event, error) {
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO proactive_events (id, kind, subject, chat_id, trigger_at, recur, state, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), $7, $8)
	`, event.ID, event.Kind, event.Subject, event.ChatID, event.TriggerAt, event.Recur, string(StatePending), event.CreatedAt)
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}
	return event, nil
}

func (s *PGStore) ClaimPendingEvents(ctx context.Context, req ClaimRequest) ([]Event, error) {
	if strings.TrimSpace(req.ClaimID) == "" {
		return nil, fmt.Errorf("claim id is required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	now := s.now()
	rows, err := s.pool.Query(ctx, `
		UPDATE proactive_events
		SET state = 'claimed', claim_id = $1, lease_expiry = $2
		WHERE id IN (
			SELECT id FROM proactive_events
			WHERE trigger_at <= $3
			  AND (state = 'pending' OR (state = 'claimed' AND lease_expiry <= $4))
			ORDER BY trigger_at ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, kind, COALESCE(subject, ''), chat_id, trigger_at, COALESCE(recur, ''), state, COALESCE(claim_id, ''), lease_expiry, created_at
	`, req.ClaimID, now.Add(req.Lease), now.Add(req.Window), now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim events: %w", err)
	}
	defer rows.Close()
	return collectPGEvents(rows)
}

func (s *PGStore) ReleaseClaim(ctx context.Context, id, claimID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE proactive_events
		SET state = 'pending', claim_id = NULL, lease_expiry = NULL
		WHERE id = $1 AND state = 'claimed' AND claim_id = $2
	`, id, claimID)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

func (s *PGStore) MarkDelivered(ctx context.Context, id, claimID string) error {
	row := s.pool.QueryRow(ctx, `
		UPDATE proactive_events
		SET state = 'delivered', claim_id = NULLIF($1, ''), lease_expiry = NULL
		WHERE id = $2 AND state != 'delivered'
		RETURNING kind, COALESCE(subject, ''), chat_id, COALESCE(recur, '')
	`, claimID, id)

	var kind, subject, chatID, recur string
	err := row.Scan(&kind, &subject, &chatID, &recur)
	if errors.Is(err, pgx.ErrNoRows) {
		// Already delivered: idempotent success.
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if recur == "" {
		return nil
	}
	next, err := gronx.NextTickAfter(recur, s.now(), false)
	if err != nil {
		return fmt.Errorf("next occurrence of %s: %w", id, err)
	}
	if _, err := s.AddEvent(ctx, EventInput{
		Kind:      kind,
		Subject:   subject,
		ChatID:    chatID,
		TriggerAt: next,
		Recur:     recur,
	}); err != nil {
		return fmt.Errorf("schedule next occurrence of %s: %w", id, err)
	}
	return nil
}

func (s *PGStore) GetPendingEvents(ctx context.Context, window time.Duration) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, COALESCE(subject, ''), chat_id, trigger_at, COALESCE(recur, ''), state, COALESCE(claim_id, ''), lease_expiry, created_at
		FROM proactive_events
		WHERE state = 'pending' AND trigger_at <= $1
		ORDER BY trigger_at ASC
	`, s.now().Add(window))
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	defer rows.Close()
	return collectPGEvents(rows)
}

func (s *PGStore) CountRecentSends(ctx context.Context, window time.Duration) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbound_log WHERE kind = 'proactive' AND sent_at > $1`,
		s.now().Add(-window)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recent sends: %w", err)
	}
	return n, nil
}

func (s *PGStore) CountIgnoredRecent(ctx context.Context, chatID string, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT got_reply FROM outbound_log
		WHERE chat_id = $1 AND kind = 'proactive'
		ORDER BY sent_at DESC, id DESC
		LIMIT $2
	`, chatID, n)
	if err != nil {
		return 0, fmt.Errorf("count ignored sends: %w", err)
	}
	defer rows.Close()

	ignored := 0
	for rows.Next() {
		var gotReply bool
		if err := rows.Scan(&gotReply); err != nil {
			return 0, fmt.Errorf("scan outbound row: %w", err)
		}
		if gotReply {
			break
		}
		ignored++
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate outbound rows: %w", err)
	}
	return ignored, nil
}

func collectPGEvents(rows pgx.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var event Event
		var stateStr string
		var lease *time.Time
		if err := rows.Scan(&event.ID, &event.Kind, &event.Subject, &event.ChatID, &event.TriggerAt,
			&event.Recur, &stateStr, &event.ClaimID, &lease, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.State = State(stateStr)
		if lease != nil {
			event.LeaseExpiry = *lease
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
