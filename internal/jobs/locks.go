package jobs

import (
	"sync"
)

// LockManager provides per-job mutual exclusion inside one process.
// Each job ID gets its own mutex, so operations on different jobs never
// wait on each other. Entries are dropped once nobody holds or waits on them.
type LockManager struct {
	mu    sync.Mutex           // Guards the locks map itself
	locks map[string]*jobLock // Per-job mutexes
}

type jobLock struct {
	mu   sync.Mutex
	refs int
}

// NewLockManager creates a new LockManager.
func NewLockManager() *LockManager {
	return &LockManager{
		locks: make(map[string]*jobLock),
	}
}

// Lock acquires the mutex for jobID and returns the matching unlock func.
func (m *LockManager) Lock(jobID string) func() {
	m.mu.Lock()
	l, exists := m.locks[jobID]
	if !exists {
		l = &jobLock{}
		m.locks[jobID] = l
	}
	l.refs++
	m.mu.Unlock()

	// Acquire the per-job lock outside the manager lock
	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, jobID)
		}
		m.mu.Unlock()
	}
}

// Len returns the number of job IDs currently locked or awaited.
func (m *LockManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
