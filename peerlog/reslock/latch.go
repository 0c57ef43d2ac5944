// Package reslock provides the per-secondary-log access latch: writers
// take the read side (several secondary logs on the same device can be
// written concurrently), the reorganisation thread takes the write side
// for the one log it is compacting.
package reslock

import "sync"

// Latch wraps sync.RWMutex under the read/write-side naming the writer
// pool and the reorganisation thread use for a secondary log's access
// lock.
type Latch struct {
	mu sync.RWMutex
}

func New() *Latch {
	return &Latch{}
}

// LockForReorg acquires the write side; only the reorganisation thread
// calls this, and it blocks every writer targeting the same log.
func (l *Latch) LockForReorg() {
	l.mu.Lock()
}

func (l *Latch) UnlockForReorg() {
	l.mu.Unlock()
}

// LockForWrite acquires the read side; multiple writer-pool goroutines
// targeting different logs proceed concurrently, but all writers to one
// log are blocked out while that log is being reorganised.
func (l *Latch) LockForWrite() {
	l.mu.RLock()
}

func (l *Latch) UnlockForWrite() {
	l.mu.RUnlock()
}

func (l *Latch) TryLockForReorg() bool {
	return l.mu.TryLock()
}
