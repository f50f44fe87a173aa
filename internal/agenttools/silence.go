package agenttools

import (
	"strings"

	llmtools "github.com/flitsinc/go-llms/tools"

	"github.com/conversekit/converse/internal/ai"
	"github.com/conversekit/converse/internal/engine"
)

type StaySilentParams struct {
	Reason string `json:"reason,omitempty" description:"Short note on why no reply is appropriate"`
}

// StaySilentTool lets the model decline a group message or an aside that
// is not addressed to it, without fabricating a reply.
func StaySilentTool(sink *ai.ActionSink) llmtools.Tool {
	return llmtools.Func(
		"StaySilent",
		"Deliberately send no reply to the current message",
		"stay_silent",
		func(r llmtools.Runner, p StaySilentParams) llmtools.Result {
			reason := strings.TrimSpace(p.Reason)
			if reason == "" {
				reason = "deliberate"
			}
			sink.Resolve(engine.Silence(reason))
			return llmtools.Success(map[string]any{
				"status": "silent",
				"reason": reason,
			})
		},
	)
}
