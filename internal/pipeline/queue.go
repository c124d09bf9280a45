package pipeline

import "sync"

// orgQueue is a thread-safe FIFO of organizations awaiting re-resolution.
//
// An organization already queued is not queued twice: one sweep covers every
// mapping change made before it starts.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type orgQueue struct {
	mu      sync.Mutex
	orgs    []string
	pending map[string]bool
	closed  bool
	signal  chan struct{} // Signals availability (buffered, size 1)
}

func newOrgQueue() *orgQueue {
	return &orgQueue{
		pending: make(map[string]bool),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue adds an organization to the back of the queue.
// Returns false if the queue is closed.
func (q *orgQueue) Enqueue(orgID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if !q.pending[orgID] {
		q.pending[orgID] = true
		q.orgs = append(q.orgs, orgID)
	}

	// Non-blocking: the buffer of 1 coalesces signals
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front organization without blocking.
func (q *orgQueue) TryDequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.orgs) == 0 {
		return "", false
	}
	org := q.orgs[0]
	delete(q.pending, org)
	if len(q.orgs) == 1 {
		q.orgs = q.orgs[:0]
	} else {
		q.orgs = q.orgs[1:]
	}
	return org, true
}

// Wait returns a channel that signals when organizations may be available.
// It is closed once the queue is closed.
func (q *orgQueue) Wait() <-chan struct{} {
	return q.signal
}

func (q *orgQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.orgs)
}

// Closed reports whether Close has been called.
func (q *orgQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close signals that no more organizations will be enqueued.
func (q *orgQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
