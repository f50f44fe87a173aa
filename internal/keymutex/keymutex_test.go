package keymutex

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunExclusiveSerializesSameKey(t *testing.T) {
	var km KeyedMutex
	var inside atomic.Int32
	var overlaps atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = km.RunExclusive("chat-1", func() error {
				if inside.Add(1) > 1 {
					overlaps.Add(1)
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if n := overlaps.Load(); n != 0 {
		t.Fatalf("observed %d overlapping executions for the same key", n)
	}
}

func TestRunExclusiveAllowsDistinctKeysToOverlap(t *testing.T) {
	var km KeyedMutex
	aEntered := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = km.RunExclusive("a", func() error {
			close(aEntered)
			<-release
			return nil
		})
	}()

	<-aEntered
	doneB := make(chan struct{})
	go func() {
		_ = km.RunExclusive("b", func() error {
			close(doneB)
			return nil
		})
	}()

	select {
	case <-doneB:
	case <-time.After(2 * time.Second):
		t.Fatal("call on key b blocked behind unrelated key a")
	}
	close(release)
	km.Drain()
}

func TestRunExclusiveFIFOPerKey(t *testing.T) {
	var km KeyedMutex
	block := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_ = km.RunExclusive("k", func() error {
			close(started)
			<-block
			return nil
		})
	}()
	<-started

	// Queue followers one at a time so their arrival order is defined.
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		queued := make(chan struct{})
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			close(queued)
			_ = km.RunExclusive("k", func() error {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				return nil
			})
		}(i)
		<-queued
		time.Sleep(5 * time.Millisecond)
	}

	close(block)
	wg.Wait()

	for i, n := range order {
		if n != i+1 {
			t.Fatalf("execution order %v is not FIFO", order)
		}
	}
}

func TestEntryCleanupAfterQueueEmpties(t *testing.T) {
	var km KeyedMutex
	for i := 0; i < 10; i++ {
		_ = km.RunExclusive("k", func() error { return nil })
	}
	if n := km.ActiveKeys(); n != 0 {
		t.Fatalf("ActiveKeys = %d after all work finished, want 0", n)
	}
}

func TestPanicDoesNotWedgeQueue(t *testing.T) {
	var km KeyedMutex

	func() {
		defer func() { _ = recover() }()
		_ = km.RunExclusive("k", func() error { panic("boom") })
	}()

	done := make(chan struct{})
	go func() {
		_ = km.RunExclusive("k", func() error {
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue wedged after a panicking call")
	}
	if n := km.ActiveKeys(); n != 0 {
		t.Fatalf("ActiveKeys = %d, want 0", n)
	}
}

func TestDrainWaitsForQueuedWork(t *testing.T) {
	var km KeyedMutex
	var finished atomic.Int32

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = km.RunExclusive("k", func() error {
			close(started)
			<-release
			finished.Add(1)
			return nil
		})
	}()
	<-started

	for i := 0; i < 8; i++ {
		go func() {
			_ = km.RunExclusive("k", func() error {
				finished.Add(1)
				return nil
			})
		}()
	}
	// Give the followers time to register in the queue before draining.
	time.Sleep(20 * time.Millisecond)

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	km.Drain()

	if n := finished.Load(); n != 9 {
		t.Fatalf("Drain returned with %d/9 calls finished", n)
	}
}
