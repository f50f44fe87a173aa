package ai

import (
	"sync"

	"github.com/conversekit/converse/internal/engine"
)

// ActionSink collects an action resolved by a tool during a completion.
// Tools built for one completion close over one sink, so resolved actions
// cannot cross turns. If several tools resolve during the same completion,
// the last one wins.
type ActionSink struct {
	mu     sync.Mutex
	action *engine.OutgoingAction
}

func (s *ActionSink) Resolve(action engine.OutgoingAction) {
	s.mu.Lock()
	s.action = &action
	s.mu.Unlock()
}

func (s *ActionSink) Resolved() (engine.OutgoingAction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.action == nil {
		return engine.OutgoingAction{}, false
	}
	return *s.action, true
}
