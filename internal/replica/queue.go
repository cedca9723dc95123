package replica

import (
	"context"
	"errors"
	"sync"

	"github.com/dyluth/flowmirror/pkg/delta"
)

// ErrQueueClosed is returned by Pop once a closed queue has been drained.
var ErrQueueClosed = errors.New("delta queue closed")

// QueuedDelta is one notification fanned out to a consumer.
type QueuedDelta struct {
	SourceID string
	Topic    delta.Topic
	Delta    *delta.Delta
}

// DeltaQueue is an unbounded FIFO of deltas for one consumer of one source.
// The store only pushes; the consumer pops. Push never blocks so a slow
// consumer cannot stall delta processing.
type DeltaQueue struct {
	mu     sync.Mutex
	items  []QueuedDelta
	closed bool
	signal chan struct{} // Buffered (1); coalesces wakeups
}

// NewDeltaQueue creates an empty queue.
func NewDeltaQueue() *DeltaQueue {
	return &DeltaQueue{
		items:  make([]QueuedDelta, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Push appends to the back of the queue. Returns false if the queue is closed.
func (q *DeltaQueue) Push(item QueuedDelta) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, item)
	q.notify()
	return true
}

// TryPop removes the front item without blocking.
func (q *DeltaQueue) TryPop() (QueuedDelta, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return QueuedDelta{}, false
	}

	item := q.items[0]
	q.items[0] = QueuedDelta{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return item, true
}

// Pop blocks until an item is available, the queue is closed and empty, or
// ctx is done.
func (q *DeltaQueue) Pop(ctx context.Context) (QueuedDelta, error) {
	for {
		if item, ok := q.TryPop(); ok {
			return item, nil
		}

		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return QueuedDelta{}, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return QueuedDelta{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len returns the number of undelivered items.
func (q *DeltaQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops further pushes. Items already queued can still be popped.
func (q *DeltaQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.notify()
}

func (q *DeltaQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
