package simulator

import (
	"container/heap"
	"time"

	"github.com/dssg/vibrant-routing-public/pkg/types"
)

// Event is one scheduled routing attempt. A requeue pushes a new Event and
// never mutates a popped one.
type Event struct {
	ScheduledAt     time.Time
	CallID          types.CallID
	ExchangeCode    types.ExchangeCode
	Attempt         int
	AccumulatedWait int64 // seconds waited across all prior attempts
}

// Key returns the ledger key of the attempt.
func (e Event) Key() types.AttemptKey {
	return types.AttemptKey{CallID: e.CallID, Attempt: e.Attempt}
}

// Less orders events by scheduled time, then call id, exchange code,
// attempt number and accumulated wait.
func Less(a, b Event) bool {
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	if a.CallID != b.CallID {
		return a.CallID < b.CallID
	}
	if a.ExchangeCode != b.ExchangeCode {
		return a.ExchangeCode < b.ExchangeCode
	}
	if a.Attempt != b.Attempt {
		return a.Attempt < b.Attempt
	}
	return a.AccumulatedWait < b.AccumulatedWait
}

type eventHeap []Event

func (h eventHeap) Len() int           { return len(h) }
func (h eventHeap) Less(i, j int) bool { return Less(h[i], h[j]) }
func (h eventHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(Event))
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Queue is a min-priority queue of events under Less.
type Queue struct {
	h eventHeap
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Push(e Event) {
	heap.Push(&q.h, e)
}

// Pop removes the minimum event. ok is false when the queue is empty.
func (q *Queue) Pop() (e Event, ok bool) {
	if len(q.h) == 0 {
		return Event{}, false
	}
	return heap.Pop(&q.h).(Event), true
}

func (q *Queue) Len() int {
	return len(q.h)
}
