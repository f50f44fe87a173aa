package engine

import "sync"

// accumulator coalesces rapidly-arriving messages per chat into one
// logical turn. Everything added before a turn's Take is that turn's
// input; anything later waits for the next turn.
type accumulator struct {
	mu     sync.Mutex
	byChat map[string][]IncomingMessage
}

func newAccumulator() *accumulator {
	return &accumulator{byChat: make(map[string][]IncomingMessage)}
}

func (a *accumulator) Add(msg IncomingMessage) {
	a.mu.Lock()
	a.byChat[msg.ChatID] = append(a.byChat[msg.ChatID], msg)
	a.mu.Unlock()
}

func (a *accumulator) Take(chatID string) []IncomingMessage {
	a.mu.Lock()
	batch := a.byChat[chatID]
	delete(a.byChat, chatID)
	a.mu.Unlock()
	return batch
}

// Remove withdraws a message whose caller gave up before its turn ran,
// so an abandoned message is never folded into a later turn. A no-op if
// a turn already took it.
func (a *accumulator) Remove(msg IncomingMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pending := a.byChat[msg.ChatID]
	for i, queued := range pending {
		if queued == msg {
			pending = append(pending[:i], pending[i+1:]...)
			break
		}
	}
	if len(pending) == 0 {
		delete(a.byChat, msg.ChatID)
		return
	}
	a.byChat[msg.ChatID] = pending
}
