package agenttools

import (
	"errors"
	"strings"
	"time"

	llmtools "github.com/flitsinc/go-llms/tools"

	"github.com/conversekit/converse/internal/sched"
)

type ScheduleEventParams struct {
	Kind    string `json:"kind" description:"Event kind, e.g. reminder or check_in"`
	Subject string `json:"subject,omitempty" description:"What the outreach is about"`
	At      string `json:"at" description:"Trigger time, RFC 3339"`
	Recur   string `json:"recur,omitempty" description:"Optional cron expression for recurring events"`
	ChatID  string `json:"chat_id,omitempty" description:"Target chat (defaults to the current chat)"`
}

// ScheduleEventTool files a future proactive outreach. Operator-only:
// the prompt assembler exposes it solely on operator turns.
func ScheduleEventTool(store sched.Store, chatID string) llmtools.Tool {
	return llmtools.Func(
		"ScheduleEvent",
		"Schedule a proactive outreach event for later delivery",
		"schedule_event",
		func(r llmtools.Runner, p ScheduleEventParams) llmtools.Result {
			kind := strings.TrimSpace(p.Kind)
			if kind == "" {
				return llmtools.Errorf("kind is required")
			}
			triggerAt, err := time.Parse(time.RFC3339, strings.TrimSpace(p.At))
			if err != nil {
				return llmtools.Errorf("at must be RFC 3339: %v", err)
			}
			target := strings.TrimSpace(p.ChatID)
			if target == "" {
				target = chatID
			}
			if target == "" {
				return llmtools.Errorf("chat_id is required")
			}

			evt, err := store.AddEvent(r.Context(), sched.EventInput{
				Kind:      kind,
				Subject:   strings.TrimSpace(p.Subject),
				ChatID:    target,
				TriggerAt: triggerAt,
				Recur:     strings.TrimSpace(p.Recur),
			})
			if err != nil {
				if errors.Is(err, sched.ErrInvalidRecur) {
					return llmtools.Errorf("recur is not a valid cron expression")
				}
				return llmtools.ErrorWithLabel("ScheduleEvent failed", err)
			}

			return llmtools.Success(map[string]any{
				"status":     "scheduled",
				"event_id":   evt.ID,
				"chat_id":    evt.ChatID,
				"trigger_at": evt.TriggerAt.UTC().Format(time.RFC3339),
			})
		},
	)
}
