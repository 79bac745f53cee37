package scheduler

import "container/heap"

// readyQueue orders runnable tasks by priority (higher first), then by
// registration sequence (earlier first).
type readyQueue []*Task

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].seq < q[j].seq
}

func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x any) { *q = append(*q, x.(*Task)) }

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

// waiter is one entry of a task's waiter set.
type waiter struct {
	handle   Handle
	priority int
	seq      uint64 // Order in which the wait was registered
}

// waiterHeap orders waiters by priority (higher first), then by the order
// in which they started waiting.
type waiterHeap []waiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h waiterHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *waiterHeap) Push(x any) { *h = append(*h, x.(waiter)) }

func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	*h = old[:n-1]
	return w
}

// remove drops the entry for handle, if present.
func (h *waiterHeap) remove(handle Handle) {
	for i, w := range *h {
		if w.handle == handle {
			heap.Remove(h, i)
			return
		}
	}
}
