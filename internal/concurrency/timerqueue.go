package concurrency

import (
	"container/heap"
	"sync"
	"time"
)

type timerItem struct {
	end     time.Time
	id      uint64
	handler func(aborted bool)
	index   int
}

type timerHeap []*timerItem

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].end.Before(h[j].end) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any)         { item := x.(*timerItem); item.index = len(*h); *h = append(*h, item) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// TimerQueue runs handlers after a delay on its own goroutine, ordered by
// a min-heap on expiry time. Cancelling a pending handler still runs it
// exactly once, immediately, with aborted set to true, rather than
// silently dropping it: callers use the aborted flag to distinguish a
// timeout firing from a deliberate early release.
type TimerQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    timerHeap
	idSeq    uint64
	finished bool
	done     chan struct{}
}

// NewTimerQueue starts a TimerQueue's background goroutine.
func NewTimerQueue() *TimerQueue {
	tq := &TimerQueue{done: make(chan struct{})}
	tq.cond = sync.NewCond(&tq.mu)
	go tq.run()
	return tq
}

// Add schedules handler to run after d, and returns an id usable with
// Cancel. Because the heap only orders by expiry time, two handlers
// scheduled for the same delay are not guaranteed to run in the order
// they were added.
func (tq *TimerQueue) Add(d time.Duration, handler func(aborted bool)) uint64 {
	tq.mu.Lock()
	tq.idSeq++
	id := tq.idSeq
	heap.Push(&tq.items, &timerItem{end: time.Now().Add(d), id: id, handler: handler})
	tq.mu.Unlock()
	tq.cond.Broadcast()
	return id
}

// Cancel finds the pending item with id and runs its handler immediately
// with aborted=true, returning 1 if found or 0 if it had already fired
// (or never existed).
func (tq *TimerQueue) Cancel(id uint64) int {
	tq.mu.Lock()
	for _, item := range tq.items {
		if item.id == id {
			item.end = time.Time{}
			heap.Fix(&tq.items, item.index)
			tq.mu.Unlock()
			tq.cond.Broadcast()
			return 1
		}
	}
	tq.mu.Unlock()
	return 0
}

// CancelAll runs every still-pending handler immediately with
// aborted=true and returns how many were affected.
func (tq *TimerQueue) CancelAll() int {
	tq.mu.Lock()
	n := len(tq.items)
	for _, item := range tq.items {
		item.end = time.Time{}
	}
	tq.mu.Unlock()
	tq.cond.Broadcast()
	return n
}

// Close cancels every pending item and stops the background goroutine.
// It blocks until the goroutine has exited.
func (tq *TimerQueue) Close() {
	tq.CancelAll()
	tq.mu.Lock()
	tq.finished = true
	tq.mu.Unlock()
	tq.cond.Broadcast()
	<-tq.done
}

func (tq *TimerQueue) run() {
	defer close(tq.done)
	for {
		tq.mu.Lock()
		for !tq.finished && (tq.items.Len() == 0 || tq.items[0].end.After(time.Now())) {
			if tq.items.Len() == 0 {
				tq.cond.Wait()
				continue
			}
			wait := time.Until(tq.items[0].end)
			if wait <= 0 {
				break
			}
			tq.waitWithTimeout(wait)
		}
		if tq.finished && tq.items.Len() == 0 {
			tq.mu.Unlock()
			return
		}
		var ready []*timerItem
		now := time.Now()
		for tq.items.Len() > 0 && !tq.items[0].end.After(now) {
			ready = append(ready, heap.Pop(&tq.items).(*timerItem))
		}
		tq.mu.Unlock()

		for _, item := range ready {
			item.handler(item.end.IsZero())
		}
	}
}

// waitWithTimeout releases the lock, sleeps for at most d (woken early by
// Broadcast from Add/Cancel/Close), and re-acquires it. Must be called
// with tq.mu held.
func (tq *TimerQueue) waitWithTimeout(d time.Duration) {
	woke := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		tq.mu.Lock()
		tq.cond.Broadcast()
		tq.mu.Unlock()
	})
	go func() {
		<-woke
		timer.Stop()
	}()
	tq.cond.Wait()
	close(woke)
}
