// Package sched is the durable proactive-event scheduler. Events move
// pending -> claimed -> delivered, with claimed falling back to pending on
// explicit release or lease expiry. The claim operation is the sole
// concurrency-safety boundary: concurrent claimers sharing one store must
// partition the due events disjointly.
package sched

import (
	"context"
	"errors"
	"time"
)

type State string

const (
	StatePending   State = "pending"
	StateClaimed   State = "claimed"
	StateDelivered State = "delivered"
)

// Event is one scheduled proactive outreach. Recur, when set, is a cron
// expression; delivering a recurring event inserts the next occurrence as a
// fresh pending row so a delivered row never regresses.
type Event struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Subject     string    `json:"subject,omitempty"`
	ChatID      string    `json:"chat_id"`
	TriggerAt   time.Time `json:"trigger_at"`
	Recur       string    `json:"recur,omitempty"`
	State       State     `json:"state"`
	ClaimID     string    `json:"claim_id,omitempty"`
	LeaseExpiry time.Time `json:"lease_expiry,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type EventInput struct {
	Kind      string    `json:"kind"`
	Subject   string    `json:"subject,omitempty"`
	ChatID    string    `json:"chat_id"`
	TriggerAt time.Time `json:"trigger_at"`
	Recur     string    `json:"recur,omitempty"`
}

// ClaimRequest parameterizes one atomic claim pass.
type ClaimRequest struct {
	// Window extends "due now" to trigger times up to now+Window.
	Window time.Duration
	// Limit caps how many events one pass may claim. <= 0 means 10.
	Limit int
	// Lease is how long the claim holds before the event reverts to
	// claimable.
	Lease time.Duration
	// ClaimID identifies the claiming worker.
	ClaimID string
}

var ErrInvalidRecur = errors.New("invalid recurrence expression")

// ErrInvalidEvent marks input rejected by AddEvent validation. Callers
// match with errors.Is to tell a bad request from a store failure.
var ErrInvalidEvent = errors.New("invalid event")

// Store is the durable scheduler contract. SQLite backs single-host
// deployments; the Postgres implementation serves multiple scheduler
// instances sharing one database.
type Store interface {
	AddEvent(ctx context.Context, input EventInput) (Event, error)

	// ClaimPendingEvents atomically selects up to Limit due events that are
	// pending or whose lease has expired, marks them claimed for ClaimID,
	// and returns them. Two stores claiming concurrently never return the
	// same event.
	ClaimPendingEvents(ctx context.Context, req ClaimRequest) ([]Event, error)

	// ReleaseClaim reverts claimed -> pending only while claimID still
	// holds the claim. A stale release is a no-op, not an error.
	ReleaseClaim(ctx context.Context, id, claimID string) error

	// MarkDelivered is idempotent and never regresses a delivered event.
	MarkDelivered(ctx context.Context, id, claimID string) error

	// GetPendingEvents is a plain read of due, unclaimed events. It takes
	// no lease, so it is safe only when a single scheduler instance runs
	// against the store; multi-instance deployments must use
	// ClaimPendingEvents.
	GetPendingEvents(ctx context.Context, window time.Duration) ([]Event, error)

	// CountRecentSends counts proactive sends across all chats within the
	// trailing window, for cap policy.
	CountRecentSends(ctx context.Context, window time.Duration) (int, error)

	// CountIgnoredRecent reports how many of the chat's most recent n
	// proactive sends went unanswered, counting back from the latest until
	// the first reply.
	CountIgnoredRecent(ctx context.Context, chatID string, n int) (int, error)
}
