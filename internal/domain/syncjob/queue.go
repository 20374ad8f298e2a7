package syncjob

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
)

// queueItem wraps a job id with the fields that determine dequeue
// order. Priority is copied here so a promotion reorders the heap
// without touching the stored job.
type queueItem struct {
	id         uuid.UUID
	priority   Priority
	enqueuedAt time.Time
	// eligibleAt delays retries; zero means immediately runnable.
	eligibleAt time.Time
	index      int
}

type itemHeap []*queueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority.Rank() != h[j].priority.Rank() {
		return h[i].priority.Rank() < h[j].priority.Rank()
	}
	return h[i].enqueuedAt.Before(h[j].enqueuedAt)
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x interface{}) {
	it := x.(*queueItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is the in-process dispatch queue. Jobs dequeue by priority
// band, FIFO within a band. Retries enter with a future eligibility
// time and are skipped until it passes.
type Queue struct {
	mu    sync.Mutex
	heap  itemHeap
	byID  map[uuid.UUID]*queueItem
	now   func() time.Time
	// promoteAfter is how long an item waits before moving up one
	// priority band. Zero disables promotion.
	promoteAfter time.Duration
}

// NewQueue builds an empty queue. promoteAfter of zero disables age
// promotion.
func NewQueue(promoteAfter time.Duration) *Queue {
	return &Queue{
		byID:         make(map[uuid.UUID]*queueItem),
		now:          time.Now,
		promoteAfter: promoteAfter,
	}
}

// Enqueue adds a job to the queue. Duplicate ids are ignored.
func (q *Queue) Enqueue(id uuid.UUID, p Priority, eligibleAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byID[id]; ok {
		return
	}
	it := &queueItem{id: id, priority: p, enqueuedAt: q.now(), eligibleAt: eligibleAt}
	q.byID[id] = it
	heap.Push(&q.heap, it)
}

// Dequeue pops the highest-priority eligible job id. The boolean is
// false when nothing is currently runnable.
func (q *Queue) Dequeue() (uuid.UUID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.promoteAged(now)

	// Items whose eligibility lies in the future are set aside and
	// reinserted, preserving their original enqueue time.
	var deferred []*queueItem
	defer func() {
		for _, it := range deferred {
			heap.Push(&q.heap, it)
		}
	}()

	for q.heap.Len() > 0 {
		it := heap.Pop(&q.heap).(*queueItem)
		if !it.eligibleAt.IsZero() && it.eligibleAt.After(now) {
			deferred = append(deferred, it)
			continue
		}
		delete(q.byID, it.id)
		return it.id, true
	}
	return uuid.Nil, false
}

// Remove drops a job from the queue, reporting whether it was queued.
// Used by cancellation.
func (q *Queue) Remove(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, it.index)
	delete(q.byID, id)
	return true
}

// Len reports how many jobs are queued, eligible or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// promoteAged bumps items that have waited past promoteAfter by one
// priority band. A promoted item's wait clock resets, so long-lived
// items climb one band per interval rather than jumping straight to
// the top.
func (q *Queue) promoteAged(now time.Time) {
	if q.promoteAfter <= 0 {
		return
	}
	var changed bool
	for _, it := range q.heap {
		if now.Sub(it.enqueuedAt) < q.promoteAfter {
			continue
		}
		next := it.priority.Promote()
		if next == it.priority {
			continue
		}
		it.priority = next
		it.enqueuedAt = now
		changed = true
	}
	if changed {
		heap.Init(&q.heap)
	}
}
