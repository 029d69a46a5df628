package sched

import (
	"sync"
	"testing"
	"time"
)

func TestSleepWakeup(t *testing.T) {
	w := NewWaitqueue()
	var mu sync.Mutex
	ch := new(int)
	ready := false

	done := make(chan bool)
	go func() {
		mu.Lock()
		for !ready {
			w.Sleep(ch, &mu)
		}
		mu.Unlock()
		done <- true
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	ready = true
	mu.Unlock()
	w.Wakeup(ch)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter was never woken")
	}
}

func TestWakeupWithNoWaitersIsNoop(t *testing.T) {
	w := NewWaitqueue()
	w.Wakeup(new(int)) // must not panic
}
