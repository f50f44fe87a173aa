// Package agenttools holds the tools exposed to the model during a turn.
// Action tools resolve the turn's outcome through an ActionSink instead of
// producing reply text; the engine treats a resolved action as
// authoritative over whatever text the model also produced.
package agenttools

import (
	"strings"

	llmtools "github.com/flitsinc/go-llms/tools"

	"github.com/conversekit/converse/internal/ai"
	"github.com/conversekit/converse/internal/engine"
)

type ReactParams struct {
	Emoji     string `json:"emoji" description:"Emoji to react with"`
	TargetRef string `json:"target_ref,omitempty" description:"Message reference to attach the reaction to (defaults to the latest message)"`
}

func ReactTool(sink *ai.ActionSink) llmtools.Tool {
	return llmtools.Func(
		"React",
		"React to the user's message with an emoji instead of replying with text",
		"react",
		func(r llmtools.Runner, p ReactParams) llmtools.Result {
			emoji := strings.TrimSpace(p.Emoji)
			if emoji == "" {
				return llmtools.Errorf("emoji is required")
			}
			sink.Resolve(engine.React(emoji, strings.TrimSpace(p.TargetRef)))
			return llmtools.Success(map[string]any{
				"status": "reacted",
				"emoji":  emoji,
			})
		},
	)
}
