package worker

import (
	"sync"
)

// injector is the group-wide queue for jobs that may run on any worker.
type injector struct {
	mu   sync.Mutex
	jobs []*job
}

func (q *injector) push(j *job) {
	q.mu.Lock()
	q.jobs = append(q.jobs, j)
	q.mu.Unlock()
}

func (q *injector) pushBatch(batch []*job) {
	q.mu.Lock()
	q.jobs = append(q.jobs, batch...)
	q.mu.Unlock()
}

// grab takes a fair share of the queue for one of workers: at most
// len/workers+1 jobs and never more than half a deque.
func (q *injector) grab(workers int) []*job {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.jobs)
	if n == 0 {
		return nil
	}
	if workers > 0 {
		n = n/workers + 1
	}
	n = min(n, len(q.jobs), dequeSize/2)

	out := make([]*job, n)
	copy(out, q.jobs)
	clear(q.jobs[:n])
	q.jobs = q.jobs[n:]
	return out
}

func (q *injector) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// boundQueue holds jobs pinned to one worker. Other workers never take
// from it.
type boundQueue struct {
	mu   sync.Mutex
	jobs []*job
}

func (q *boundQueue) push(j *job) {
	q.mu.Lock()
	q.jobs = append(q.jobs, j)
	q.mu.Unlock()
}

func (q *boundQueue) pop() *job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil
	}
	j := q.jobs[0]
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]
	return j
}

func (q *boundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
