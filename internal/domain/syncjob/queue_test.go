package syncjob

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

// ===== Priority ordering =====

func TestQueue_DequeuesByPriorityBand(t *testing.T) {
	q := NewQueue(0)
	low := uuid.New()
	critical := uuid.New()
	normal := uuid.New()
	q.Enqueue(low, PriorityLow, time.Time{})
	q.Enqueue(critical, PriorityCritical, time.Time{})
	q.Enqueue(normal, PriorityNormal, time.Time{})

	want := []uuid.UUID{critical, normal, low}
	for i, w := range want {
		got, ok := q.Dequeue()
		if !ok {
			t.Fatalf("dequeue %d: queue empty", i)
		}
		if got != w {
			t.Fatalf("dequeue %d: got %s, want %s", i, got, w)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatal("expected empty queue")
	}
}

func TestQueue_FIFOWithinBand(t *testing.T) {
	q := NewQueue(0)
	base := time.Now()
	tick := 0
	q.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}

	first := uuid.New()
	second := uuid.New()
	third := uuid.New()
	q.Enqueue(first, PriorityNormal, time.Time{})
	q.Enqueue(second, PriorityNormal, time.Time{})
	q.Enqueue(third, PriorityNormal, time.Time{})

	for i, w := range []uuid.UUID{first, second, third} {
		got, _ := q.Dequeue()
		if got != w {
			t.Fatalf("dequeue %d: FIFO order violated", i)
		}
	}
}

func TestQueue_DuplicateEnqueueIgnored(t *testing.T) {
	q := NewQueue(0)
	id := uuid.New()
	q.Enqueue(id, PriorityNormal, time.Time{})
	q.Enqueue(id, PriorityHigh, time.Time{})
	if q.Len() != 1 {
		t.Fatalf("len = %d, want 1", q.Len())
	}
}

// ===== Retry eligibility =====

func TestQueue_SkipsIneligibleItems(t *testing.T) {
	q := NewQueue(0)
	now := time.Now()
	q.now = func() time.Time { return now }

	retrying := uuid.New()
	fresh := uuid.New()
	q.Enqueue(retrying, PriorityCritical, now.Add(time.Minute))
	q.Enqueue(fresh, PriorityLow, time.Time{})

	got, ok := q.Dequeue()
	if !ok || got != fresh {
		t.Fatalf("got %s, want the eligible low-priority job", got)
	}
	// The deferred item stays queued.
	if q.Len() != 1 {
		t.Fatalf("len = %d, want 1", q.Len())
	}

	now = now.Add(2 * time.Minute)
	got, ok = q.Dequeue()
	if !ok || got != retrying {
		t.Fatal("retry did not become eligible after its delay")
	}
}

// ===== Age promotion =====

func TestQueue_PromotesAgedItemsOneBand(t *testing.T) {
	q := NewQueue(time.Minute)
	now := time.Now()
	q.now = func() time.Time { return now }

	aged := uuid.New()
	q.Enqueue(aged, PriorityBackground, time.Time{})
	now = now.Add(90 * time.Second)
	newer := uuid.New()
	q.Enqueue(newer, PriorityLow, time.Time{})
	now = now.Add(time.Second)

	// One interval elapsed: BACKGROUND climbs to LOW. The promoted
	// item's wait clock reset, so the pre-existing LOW item keeps its
	// place only if enqueued earlier; here the promotion stamps the
	// aged item with the current time, making the newer LOW item first.
	got, _ := q.Dequeue()
	if got != newer {
		t.Fatal("expected promotion to reset the wait clock")
	}
	got, _ = q.Dequeue()
	if got != aged {
		t.Fatal("aged item missing after promotion")
	}
}

func TestQueue_PromotionNeverReachesCritical(t *testing.T) {
	if got := PriorityHigh.Promote(); got != PriorityHigh {
		t.Fatalf("HIGH promoted to %s, want HIGH", got)
	}
	if got := PriorityCritical.Promote(); got != PriorityCritical {
		t.Fatalf("CRITICAL promoted to %s", got)
	}
	if got := PriorityBackground.Promote(); got != PriorityLow {
		t.Fatalf("BACKGROUND promoted to %s, want LOW", got)
	}
}

// ===== Removal =====

func TestQueue_Remove(t *testing.T) {
	q := NewQueue(0)
	id := uuid.New()
	q.Enqueue(id, PriorityNormal, time.Time{})
	if !q.Remove(id) {
		t.Fatal("Remove returned false for a queued job")
	}
	if q.Remove(id) {
		t.Fatal("Remove returned true for an absent job")
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatal("removed job still dequeued")
	}
}
