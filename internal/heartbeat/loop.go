// Package heartbeat periodically drains the proactive-event scheduler,
// applies suppression policy, and hands due events to a delivery callback.
package heartbeat

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/conversekit/converse/internal/idgen"
	"github.com/conversekit/converse/internal/outbound"
	"github.com/conversekit/converse/internal/sched"
)

// Delivery is the callback's verdict. Only Sent=true marks the event
// delivered; anything else releases the claim for a later tick.
type Delivery struct {
	Sent    bool
	Content string
}

type DeliverFunc func(ctx context.Context, event sched.Event) (Delivery, error)

// LastUserMessageFunc reports when the user last wrote in a chat, for the
// cooldown rule. session.Store.LastUserMessageAt satisfies it.
type LastUserMessageFunc func(ctx context.Context, chatID string) (time.Time, bool, error)

type Config struct {
	Enabled bool
	// Interval between ticks.
	Interval time.Duration
	// Window extends "due" to trigger times this far ahead.
	Window time.Duration
	// Lease is how long a claimed event is protected from other instances.
	Lease time.Duration
	// BatchLimit caps events processed per tick.
	BatchLimit int
	// Timezone plus QuietStart/QuietEnd ("HH:MM") define a local window in
	// which ticks are skipped entirely. Empty strings disable the window.
	Timezone   string
	QuietStart string
	QuietEnd   string
}

// Loop drives the scheduler. Each Loop owns its ticker and claim identity;
// multiple loops can be constructed independently (there is no package
// state), which is also how multi-instance deployments run.
type Loop struct {
	store      sched.Store
	ledger     outbound.Log
	policy     Policy
	deliver    DeliverFunc
	lastUserAt LastUserMessageFunc

	cfg      Config
	loc      *time.Location
	quiet    *quietWindow
	claimID  string
	nowFn    func() time.Time
	ticking  atomic.Bool
	cancelFn context.CancelFunc
	done     chan struct{}
}

type Option func(*Loop)

func WithClock(nowFn func() time.Time) Option {
	return func(l *Loop) {
		if nowFn != nil {
			l.nowFn = nowFn
		}
	}
}

func NewLoop(store sched.Store, ledger outbound.Log, policy Policy, deliver DeliverFunc, lastUserAt LastUserMessageFunc, cfg Config, opts ...Option) (*Loop, error) {
	if store == nil {
		return nil, fmt.Errorf("scheduler store is required")
	}
	if deliver == nil {
		return nil, fmt.Errorf("deliver callback is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 10
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * cfg.Interval
	}

	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
		}
	}
	quiet, err := parseQuietWindow(cfg.QuietStart, cfg.QuietEnd)
	if err != nil {
		return nil, err
	}

	l := &Loop{
		store:      store,
		ledger:     ledger,
		policy:     policy,
		deliver:    deliver,
		lastUserAt: lastUserAt,
		cfg:        cfg,
		loc:        loc,
		quiet:      quiet,
		claimID:    idgen.ClaimID(),
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Start launches the ticker goroutine. The first tick fires immediately to
// catch anything that came due while the process was down.
func (l *Loop) Start(ctx context.Context) error {
	if l.done != nil {
		return fmt.Errorf("heartbeat loop already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancelFn = cancel
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(l.cfg.Interval)
		defer ticker.Stop()

		l.safeTick(ctx)
		for {
			select {
			case <-ctx.Done():
				log.Printf("heartbeat: stopped")
				return
			case <-ticker.C:
				l.safeTick(ctx)
			}
		}
	}()
	return nil
}

// Stop cancels the ticker and waits for an in-flight tick to finish.
func (l *Loop) Stop() {
	if l.cancelFn == nil {
		return
	}
	l.cancelFn()
	<-l.done
	l.cancelFn = nil
	l.done = nil
}

// safeTick isolates the loop from a single tick's failure: errors are
// logged and the loop waits for the next interval.
func (l *Loop) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("heartbeat: tick panic: %v", r)
		}
	}()
	if err := l.Tick(ctx); err != nil && ctx.Err() == nil {
		log.Printf("heartbeat: tick: %v", err)
	}
}

// Tick runs one heartbeat pass. A tick that is still running suppresses
// the next scheduled tick rather than overlapping it.
func (l *Loop) Tick(ctx context.Context) error {
	if !l.cfg.Enabled {
		return nil
	}
	if !l.ticking.CompareAndSwap(false, true) {
		log.Printf("heartbeat: previous tick still running, skipping")
		return nil
	}
	defer l.ticking.Store(false)

	now := l.nowFn()
	if l.quiet != nil && l.quiet.contains(now.In(l.loc)) {
		return nil
	}

	events, err := l.store.ClaimPendingEvents(ctx, sched.ClaimRequest{
		Window:  l.cfg.Window,
		Limit:   l.cfg.BatchLimit,
		Lease:   l.cfg.Lease,
		ClaimID: l.claimID,
	})
	if err != nil {
		return fmt.Errorf("claim due events: %w", err)
	}

	for _, event := range events {
		l.processEvent(ctx, event, now)
	}
	return nil
}

// processEvent handles one claimed event; its failures never abort the
// rest of the batch.
func (l *Loop) processEvent(ctx context.Context, event sched.Event, now time.Time) {
	decision, err := l.decide(ctx, event, now)
	if err != nil {
		log.Printf("heartbeat: suppression signals for %s: %v", event.ID, err)
		l.release(ctx, event)
		return
	}
	if decision.Suppressed {
		log.Printf("heartbeat: suppressed %s (chat %s): %s", event.ID, event.ChatID, decision.Reason)
		l.release(ctx, event)
		return
	}

	result, err := l.deliverSafely(ctx, event)
	if err != nil {
		log.Printf("heartbeat: deliver %s (chat %s): %v", event.ID, event.ChatID, err)
		l.release(ctx, event)
		return
	}
	if !result.Sent {
		l.release(ctx, event)
		return
	}

	if err := l.store.MarkDelivered(ctx, event.ID, l.claimID); err != nil {
		log.Printf("heartbeat: mark delivered %s: %v", event.ID, err)
		return
	}
	if l.ledger != nil {
		if _, err := l.ledger.RecordSend(ctx, event.ChatID, event.ID, outbound.KindProactive, result.Content); err != nil {
			log.Printf("heartbeat: record send %s: %v", event.ID, err)
		}
	}
}

func (l *Loop) decide(ctx context.Context, event sched.Event, now time.Time) (Decision, error) {
	sig := Signals{Now: now}
	if l.lastUserAt != nil {
		at, ok, err := l.lastUserAt(ctx, event.ChatID)
		if err != nil {
			return Decision{}, err
		}
		sig.LastUserMessageAt = at
		sig.HasUserMessage = ok
	}
	var err error
	if l.policy.MaxPerDay > 0 {
		if sig.SendsLastDay, err = l.store.CountRecentSends(ctx, 24*time.Hour); err != nil {
			return Decision{}, err
		}
	}
	if l.policy.MaxPerWeek > 0 {
		if sig.SendsLastWeek, err = l.store.CountRecentSends(ctx, 7*24*time.Hour); err != nil {
			return Decision{}, err
		}
	}
	if l.policy.IgnoredPause > 0 {
		if sig.ConsecutiveIgnored, err = l.store.CountIgnoredRecent(ctx, event.ChatID, l.policy.IgnoredPause); err != nil {
			return Decision{}, err
		}
	}
	return l.policy.ShouldSuppressOutreach(sig), nil
}

func (l *Loop) deliverSafely(ctx context.Context, event sched.Event) (result Delivery, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = Delivery{}
			err = fmt.Errorf("delivery panic: %v", r)
		}
	}()
	return l.deliver(ctx, event)
}

func (l *Loop) release(ctx context.Context, event sched.Event) {
	if err := l.store.ReleaseClaim(ctx, event.ID, l.claimID); err != nil {
		log.Printf("heartbeat: release claim %s: %v", event.ID, err)
	}
}

type quietWindow struct {
	startMin int
	endMin   int
}

func parseQuietWindow(start, end string) (*quietWindow, error) {
	if start == "" && end == "" {
		return nil, nil
	}
	if start == "" || end == "" {
		return nil, fmt.Errorf("quiet window needs both start and end")
	}
	startMin, err := parseClock(start)
	if err != nil {
		return nil, fmt.Errorf("quiet start: %w", err)
	}
	endMin, err := parseClock(end)
	if err != nil {
		return nil, fmt.Errorf("quiet end: %w", err)
	}
	if startMin == endMin {
		return nil, fmt.Errorf("quiet window start and end are equal")
	}
	return &quietWindow{startMin: startMin, endMin: endMin}, nil
}

func parseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	hour, errH := strconv.Atoi(parts[0])
	min, errM := strconv.Atoi(parts[1])
	if errH != nil || errM != nil || hour < 0 || hour > 23 || min < 0 || min > 59 {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return hour*60 + min, nil
}

// contains reports whether t's local wall time falls inside the window.
// Windows may wrap midnight (23:00-08:00).
func (w *quietWindow) contains(t time.Time) bool {
	minutes := t.Hour()*60 + t.Minute()
	if w.startMin < w.endMin {
		return minutes >= w.startMin && minutes < w.endMin
	}
	return minutes >= w.startMin || minutes < w.endMin
}
