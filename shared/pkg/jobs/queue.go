package jobs

import (
	"sync"

	"github.com/psantana5/imagegen/pkg/models"
)

// queue is the FIFO hand-off between admission and the worker pool
type queue struct {
	mu     sync.Mutex
	jobs   chan *models.JobRequest
	closed bool
}

func newQueue(capacity int) *queue {
	if capacity < 1 {
		capacity = 1
	}
	return &queue{jobs: make(chan *models.JobRequest, capacity)}
}

// full reports whether capacity undispatched jobs are already waiting
func (q *queue) full() bool {
	return len(q.jobs) >= cap(q.jobs)
}

// push never blocks
func (q *queue) push(req *models.JobRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrShuttingDown
	}
	select {
	case q.jobs <- req:
		return nil
	default:
		return ErrQueueOverflow
	}
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
}

func (q *queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *queue) len() int {
	return len(q.jobs)
}
