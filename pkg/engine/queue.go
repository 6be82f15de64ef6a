package engine

import "sync"

// tickQueue is an unbounded FIFO of instance ids. An id already waiting is
// not queued twice.
type tickQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []string
	pending map[string]bool
	closed  bool
}

func newTickQueue() *tickQueue {
	q := &tickQueue{pending: make(map[string]bool)}
	q.cond = sync.NewCond(&q.mu)

	return q
}

func (q *tickQueue) push(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.pending[id] {
		return
	}

	q.pending[id] = true
	q.items = append(q.items, id)
	q.cond.Signal()
}

// pop blocks until an id is available. It returns false once the queue is
// closed.
func (q *tickQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}

	if q.closed {
		return "", false
	}

	id := q.items[0]
	q.items = q.items[1:]
	delete(q.pending, id)

	return id, true
}

func (q *tickQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}
