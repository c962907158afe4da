package jobs

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestLockManager_SameJobBlocks verifies that locking the same job serializes callers.
func TestLockManager_SameJobBlocks(t *testing.T) {
	mgr := NewLockManager()
	orderChan := make(chan int, 2)

	go func() {
		unlock := mgr.Lock("job-1")
		orderChan <- 1
		time.Sleep(50 * time.Millisecond)
		unlock()
	}()

	time.Sleep(10 * time.Millisecond)

	go func() {
		unlock := mgr.Lock("job-1")
		orderChan <- 2
		unlock()
	}()

	first := <-orderChan
	second := <-orderChan
	if first != 1 || second != 2 {
		t.Errorf("Expected order [1, 2], got [%d, %d]", first, second)
	}
}

// TestLockManager_DifferentJobsConcurrent verifies that different jobs don't block each other.
func TestLockManager_DifferentJobsConcurrent(t *testing.T) {
	mgr := NewLockManager()
	var wg sync.WaitGroup
	var held atomic.Int32

	start := make(chan struct{})
	for _, id := range []string{"job-a", "job-b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			unlock := mgr.Lock(id)
			held.Add(1)
			<-start
			unlock()
		}(id)
	}

	deadline := time.After(time.Second)
	for held.Load() != 2 {
		select {
		case <-deadline:
			t.Fatal("locks on different jobs blocked each other")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	close(start)
	wg.Wait()
}

// TestLockManager_ReleasesEntries verifies the map doesn't grow without bound.
func TestLockManager_ReleasesEntries(t *testing.T) {
	mgr := NewLockManager()
	for i := 0; i < 10; i++ {
		unlock := mgr.Lock("job")
		unlock()
	}
	if mgr.Len() != 0 {
		t.Errorf("expected no lock entries, got %d", mgr.Len())
	}
}
