package replication

import (
	"context"
	"sync"
)

// commandQueue is an unbounded FIFO of commands with a single consumer.
// Producers never block.
type commandQueue struct {
	mu     sync.Mutex
	items  [][]string
	closed bool
	notify chan struct{}
}

func newCommandQueue() *commandQueue {
	return &commandQueue{notify: make(chan struct{}, 1)}
}

// push appends args. It returns false once the queue is closed.
func (q *commandQueue) push(args []string) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, args)
	q.mu.Unlock()

	q.signal()
	return true
}

// next blocks until at least one command is queued and returns every
// queued command in order. ok is false when the queue was closed or ctx
// is done.
func (q *commandQueue) next(ctx context.Context) (batch [][]string, ok bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			batch = q.items
			q.items = nil
			q.mu.Unlock()
			return batch, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (q *commandQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close wakes the consumer. Queued commands are dropped.
func (q *commandQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()

	q.signal()
}

func (q *commandQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
