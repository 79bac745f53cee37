package tasksync

import "github.com/aristath/taskrt/internal/abi"

// Barrier lets a fixed number of tasks rendezvous. It is reusable: once
// all n tasks arrived, the next n calls form a new generation.
type Barrier struct {
	mu  Mutex
	cv  Condvar
	n   int
	gen uint64
	arr int
}

// NewBarrier returns a barrier for n tasks.
func NewBarrier(n int) *Barrier {
	return &Barrier{n: n}
}

// Wait parks the task until n tasks have called Wait in the current
// generation. Exactly one task of each generation gets leader == true.
func (b *Barrier) Wait(rt abi.Runtime) (leader bool) {
	b.mu.Lock(rt)
	defer b.mu.Unlock(rt)

	gen := b.gen
	b.arr++
	if b.arr < b.n {
		for gen == b.gen {
			b.cv.Wait(rt, &b.mu)
		}
		return false
	}
	b.arr = 0
	b.gen++
	b.cv.NotifyAll(rt)
	return true
}
