// Package keymutex provides per-key mutual exclusion: calls sharing a key
// run strictly one at a time in arrival order, while calls with distinct
// keys proceed in parallel.
package keymutex

import "sync"

// KeyedMutex serializes work per key. Each key holds the tail of a FIFO
// chain of completion signals; a new call parks behind the current tail and
// installs its own signal as the new tail before waiting. The zero value is
// ready to use.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
}

type entry struct {
	tail    chan struct{}
	waiters int
}

// RunExclusive runs fn once the previous call for key (if any) has fully
// completed, including its deferred cleanup. Calls for different keys never
// block each other. The mutex imposes no deadline; callers bound fn
// themselves. A panic in fn propagates but does not wedge the key's queue.
func (m *KeyedMutex) RunExclusive(key string, fn func() error) error {
	m.mu.Lock()
	if m.entries == nil {
		m.entries = make(map[string]*entry)
	}
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.waiters++
	prev := e.tail
	done := make(chan struct{})
	e.tail = done
	m.wg.Add(1)
	m.mu.Unlock()

	if prev != nil {
		<-prev
	}

	defer func() {
		close(done)
		m.mu.Lock()
		e.waiters--
		// Lazy cleanup: the entry may already have been replaced by a
		// newer one for the same key; only remove our own.
		if e.waiters == 0 && m.entries[key] == e {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		m.wg.Done()
	}()

	return fn()
}

// ActiveKeys reports how many keys currently have queued or running work.
func (m *KeyedMutex) ActiveKeys() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Drain blocks until all work queued at the time of the call has finished.
// Callers must stop submitting new work before draining; Drain is meant for
// shutdown, not steady-state synchronization.
func (m *KeyedMutex) Drain() {
	m.wg.Wait()
}
