package ai

import (
	"errors"
	"testing"

	"github.com/conversekit/converse/internal/engine"
)

func TestContextOverflowClassification(t *testing.T) {
	overflows := []error{
		errors.New("400: This model's maximum context length is 128000 tokens"),
		errors.New("invalid_request_error: prompt is too long: 210003 tokens > 200000 maximum"),
		errors.New("request exceeds the maximum number of tokens allowed"),
		errors.New("context_length_exceeded"),
	}
	for _, err := range overflows {
		if !isContextOverflow(err) {
			t.Errorf("not classified as overflow: %v", err)
		}
	}

	others := []error{
		nil,
		errors.New("401: invalid api key"),
		errors.New("rate limit exceeded"),
		errors.New("connection reset by peer"),
	}
	for _, err := range others {
		if isContextOverflow(err) {
			t.Errorf("misclassified as overflow: %v", err)
		}
	}
}

func TestActionSinkLastResolutionWins(t *testing.T) {
	sink := &ActionSink{}
	if _, ok := sink.Resolved(); ok {
		t.Fatal("empty sink reported a resolution")
	}
	sink.Resolve(engine.React("👀", "msg-1"))
	sink.Resolve(engine.Silence("changed my mind"))
	action, ok := sink.Resolved()
	if !ok || action.Kind != engine.ActionSilence {
		t.Fatalf("action = %+v, want the later silence", action)
	}
}

func TestNewClientRejectsIncompleteConfig(t *testing.T) {
	cases := []Config{
		{},
		{Provider: "anthropic", Model: "claude-3-5-sonnet-latest"},
		{Provider: "anthropic", APIKey: "key"},
		{Provider: "carrier-pigeon", Model: "m", APIKey: "key"},
	}
	for _, cfg := range cases {
		if _, err := NewClient(cfg); err == nil {
			t.Errorf("config %+v accepted", cfg)
		}
	}
}

func TestModelAliasResolution(t *testing.T) {
	if got := resolveModelAlias("anthropic", "fast"); got != "claude-3-5-haiku-latest" {
		t.Fatalf("fast alias = %q", got)
	}
	if got := resolveModelAlias("anthropic", "claude-3-opus-latest"); got != "claude-3-opus-latest" {
		t.Fatalf("explicit model rewritten to %q", got)
	}
	if got := resolveModelAlias("openai-chat", "fast"); got != "fast" {
		t.Fatalf("alias applied for wrong provider: %q", got)
	}
}
