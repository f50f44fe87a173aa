package heartbeat

import "time"

// Suppression reasons, recorded in decision order: the first rule that
// trips wins.
const (
	ReasonCooldownAfterUser = "cooldown_after_user"
	ReasonMaxPerDay         = "max_per_day"
	ReasonMaxPerWeek        = "max_per_week"
	ReasonIgnoredPause      = "ignored_pause"
)

// Policy bounds proactive outreach. Zero values disable the corresponding
// rule.
type Policy struct {
	// CooldownAfterUser suppresses outreach while the user has written
	// recently; the conversation is already alive.
	CooldownAfterUser time.Duration
	// MaxPerDay and MaxPerWeek are rolling caps on proactive sends.
	MaxPerDay  int
	MaxPerWeek int
	// IgnoredPause suppresses a chat after this many consecutive
	// unanswered proactive sends.
	IgnoredPause int
}

// Decision is derived, never persisted; it is recomputed from live
// counters on every tick.
type Decision struct {
	Suppressed bool   `json:"suppressed"`
	Reason     string `json:"reason,omitempty"`
}

// Signals are the counters a decision is computed from.
type Signals struct {
	Now                time.Time
	LastUserMessageAt  time.Time
	HasUserMessage     bool
	SendsLastDay       int
	SendsLastWeek      int
	ConsecutiveIgnored int
}

// ShouldSuppressOutreach applies the rules in order: cooldown since the
// user's last message, daily cap, weekly cap, consecutive-ignored pause.
func (p Policy) ShouldSuppressOutreach(sig Signals) Decision {
	if p.CooldownAfterUser > 0 && sig.HasUserMessage {
		if sig.Now.Sub(sig.LastUserMessageAt) < p.CooldownAfterUser {
			return Decision{Suppressed: true, Reason: ReasonCooldownAfterUser}
		}
	}
	if p.MaxPerDay > 0 && sig.SendsLastDay >= p.MaxPerDay {
		return Decision{Suppressed: true, Reason: ReasonMaxPerDay}
	}
	if p.MaxPerWeek > 0 && sig.SendsLastWeek >= p.MaxPerWeek {
		return Decision{Suppressed: true, Reason: ReasonMaxPerWeek}
	}
	if p.IgnoredPause > 0 && sig.ConsecutiveIgnored >= p.IgnoredPause {
		return Decision{Suppressed: true, Reason: ReasonIgnoredPause}
	}
	return Decision{}
}
