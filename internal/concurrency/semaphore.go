// Package concurrency implements the small set of thread-safe primitives
// the rest of the module is built on: counting and zero semaphores, a
// multi-producer/multi-consumer work queue, a timer queue, and a
// context-carried call stack used as the "current connection" marker.
package concurrency

import (
	"sync"
	"time"
)

// Semaphore is a classic counting semaphore: Wait blocks while the count
// is zero, Notify increments it and wakes one waiter.
type Semaphore struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int
}

// NewSemaphore creates a Semaphore with the given initial count.
func NewSemaphore(count int) *Semaphore {
	s := &Semaphore{count: count}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Notify increments the count and wakes one waiter.
func (s *Semaphore) Notify() {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	s.cond.Signal()
}

// Wait blocks until the count is greater than zero, then decrements it.
func (s *Semaphore) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.count == 0 {
		s.cond.Wait()
	}
	s.count--
}

// TryWait decrements and returns true only if the count is already
// greater than zero; it never blocks.
func (s *Semaphore) TryWait() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return false
	}
	s.count--
	return true
}

// WaitUntil blocks until either the count becomes available or deadline
// passes, returning false in the latter case.
func (s *Semaphore) WaitUntil(deadline time.Time) bool {
	timer := time.AfterFunc(time.Until(deadline), func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.count == 0 {
		if !time.Now().Before(deadline) {
			return false
		}
		s.cond.Wait()
	}
	s.count--
	return true
}
