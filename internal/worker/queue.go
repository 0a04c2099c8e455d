package worker

import (
	"context"
	"sync"
	"time"
)

// Queue is an unbounded FIFO of tasks safe for many producers and one
// consumer.
type Queue struct {
	mu     sync.Mutex
	tasks  []Task
	notify chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push appends t to the tail.
func (q *Queue) Push(t Task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop removes the head, waiting up to wait for one to arrive. It returns
// false on timeout or when ctx is done.
func (q *Queue) Pop(ctx context.Context, wait time.Duration) (Task, bool) {
	if t, ok := q.tryPop(); ok {
		return t, true
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return Task{}, false
		case <-timer.C:
			return q.tryPop()
		case <-q.notify:
			if t, ok := q.tryPop(); ok {
				return t, true
			}
		}
	}
}

func (q *Queue) tryPop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return Task{}, false
	}
	t := q.tasks[0]
	q.tasks[0] = Task{}
	q.tasks = q.tasks[1:]
	if len(q.tasks) > 0 {
		// Keep the signal set while items remain.
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return t, true
}

// Snapshot returns a copy of the queued tasks in order.
func (q *Queue) Snapshot() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, len(q.tasks))
	copy(out, q.tasks)
	return out
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
