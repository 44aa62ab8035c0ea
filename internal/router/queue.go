package router

import (
	"sync"

	"github.com/slidewire/slidewire/internal/protocol"
)

type jobKind int

const (
	jobStart jobKind = iota
	jobResume
	jobInput
	jobCancel
)

type job struct {
	kind  jobKind
	input *protocol.InputPayload
}

// queue is an unbounded FIFO with one consumer. push never blocks; pop
// blocks until a job arrives or the queue closes.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []job
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(j job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.jobs = append(q.jobs, j)
	q.cond.Signal()
}

// pop returns the next job in arrival order. The second return is false
// once the queue is closed and drained.
func (q *queue) pop() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.jobs) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.jobs) == 0 {
		return job{}, false
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return j, true
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.jobs = nil
	q.cond.Broadcast()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
