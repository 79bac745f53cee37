package worker

import (
	"sync/atomic"
)

const dequeSize = 256

// deque is a worker's local run queue: a fixed ring where only the owner
// writes the tail and anyone may advance the head. The owner pushes and
// pops; thieves take half of the queued jobs at once. A full ring spills
// half of its jobs into the injector.
type deque struct {
	head atomic.Uint32
	tail atomic.Uint32
	buf  [dequeSize]atomic.Pointer[job]
}

// push appends j. Owner only.
func (d *deque) push(j *job, overflow *injector) {
	for {
		h := d.head.Load()
		t := d.tail.Load()
		if t-h < dequeSize {
			d.buf[t%dequeSize].Store(j)
			d.tail.Store(t + 1)
			return
		}
		if d.spill(j, h, t, overflow) {
			return
		}
	}
}

// spill moves the older half of a full ring plus j to the injector. It
// fails if a thief moved the head in the meantime.
func (d *deque) spill(j *job, h, t uint32, overflow *injector) bool {
	n := (t - h) / 2
	batch := make([]*job, 0, n+1)
	for i := uint32(0); i < n; i++ {
		batch = append(batch, d.buf[(h+i)%dequeSize].Load())
	}
	if !d.head.CompareAndSwap(h, h+n) {
		return false
	}
	overflow.pushBatch(append(batch, j))
	return true
}

// pop removes the oldest job. Owner only.
func (d *deque) pop() *job {
	for {
		h := d.head.Load()
		t := d.tail.Load()
		if t == h {
			return nil
		}
		j := d.buf[h%dequeSize].Load()
		if d.head.CompareAndSwap(h, h+1) {
			return j
		}
	}
}

// grab takes half of the queued jobs, rounded up. Safe from any goroutine.
// It retries while the head is contended and returns nil once empty.
func (d *deque) grab() []*job {
	for {
		h := d.head.Load()
		t := d.tail.Load()
		n := t - h
		n -= n / 2
		if n == 0 {
			return nil
		}
		if n > dequeSize/2 {
			// h and t were read at different times
			continue
		}
		out := make([]*job, n)
		for i := uint32(0); i < n; i++ {
			out[i] = d.buf[(h+i)%dequeSize].Load()
		}
		if d.head.CompareAndSwap(h, h+n) {
			return out
		}
	}
}

// len is a racy estimate for stats.
func (d *deque) len() int {
	t := d.tail.Load()
	h := d.head.Load()
	if t < h {
		return 0
	}
	return int(t - h)
}
