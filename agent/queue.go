package agent

import (
	"context"
	"sync"

	"github.com/keiranjprice101/dfn/domain"
)

// Queue is the bounded hand-off buffer between normalization and delivery.
// Push never blocks: on overflow the oldest record is evicted so the producer
// side keeps up with bursty notification storms. PopNext blocks the delivery
// feeder until a record, cancellation, or close-and-drained.
//
// All mutation happens under one lock, so size and content are always
// consistent for every observer.
type Queue struct {
	mu       sync.Mutex
	items    []domain.ChangeRecord
	capacity int
	closed   bool

	signal chan struct{}
	done   chan struct{}
}

const defaultQueueCapacity = 1024

// NewQueue creates a queue holding at most capacity records.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &Queue{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push appends rec in FIFO position. When the queue is full the oldest record
// is evicted and returned so the caller can log the drop. ok is false once
// the queue has been closed; rec is not accepted in that case.
func (q *Queue) Push(rec domain.ChangeRecord) (evicted *domain.ChangeRecord, ok bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, false
	}
	if len(q.items) >= q.capacity {
		oldest := q.items[0]
		q.items = q.items[1:]
		evicted = &oldest
	}
	q.items = append(q.items, rec)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return evicted, true
}

// PopNext returns the oldest record, blocking until one is available. It
// returns ok=false when ctx is cancelled or when the queue is closed and
// fully drained; records enqueued before Close are always handed out first.
func (q *Queue) PopNext(ctx context.Context) (domain.ChangeRecord, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			rec := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return rec, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return domain.ChangeRecord{}, false
		}

		select {
		case <-ctx.Done():
			return domain.ChangeRecord{}, false
		case <-q.done:
		case <-q.signal:
		}
	}
}

// Close rejects further pushes. Records already queued remain poppable.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	q.mu.Unlock()
}

// Len reports the current number of pending records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
