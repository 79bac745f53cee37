package workload

import (
	"fmt"

	"github.com/aristath/taskrt/internal/abi"
	"github.com/aristath/taskrt/internal/cmdbuf"
	"github.com/aristath/taskrt/internal/tasksync"
)

// queue is a bounded FIFO for tasks, built on a Mutex and two Condvars.
type queue struct {
	mu       tasksync.Mutex
	notEmpty tasksync.Condvar
	notFull  tasksync.Condvar
	items    []int
	cap      int
}

func newQueue(capacity int) *queue {
	return &queue{cap: capacity}
}

func (q *queue) push(rt abi.Runtime, v int) {
	q.mu.Lock(rt)
	for len(q.items) == q.cap {
		q.notFull.Wait(rt, &q.mu)
	}
	q.items = append(q.items, v)
	q.notEmpty.NotifyOne(rt)
	q.mu.Unlock(rt)
}

func (q *queue) pop(rt abi.Runtime) int {
	q.mu.Lock(rt)
	for len(q.items) == 0 {
		q.notEmpty.Wait(rt, &q.mu)
	}
	v := q.items[0]
	q.items = q.items[1:]
	q.notFull.NotifyOne(rt)
	q.mu.Unlock(rt)
	return v
}

// endOfStream terminates a stage's input.
const endOfStream = -1

// pipeline runs a source -> square -> sink chain in every buffer. Buffer
// i+1 starts with a WaitCommandBuffer on buffer i, so sinks complete in
// submission order.
type pipeline struct {
	opts Options

	orderMu tasksync.Mutex
	order   []int    // Buffer indices in sink completion order
	sums    []uint64 // Per-buffer sink sums
}

func newPipeline(opts Options) *pipeline {
	return &pipeline{opts: opts, sums: make([]uint64, opts.Buffers)}
}

func (w *pipeline) submit(s Submitter) ([]*abi.BufferHandle, error) {
	handles := make([]*abi.BufferHandle, 0, w.opts.Buffers)
	var prev *abi.BufferHandle
	for b := range w.opts.Buffers {
		builder := cmdbuf.NewBuilder(fmt.Sprintf("pipeline-%d", b))
		if prev != nil {
			builder.WaitFor(prev)
		}
		raw, squared := newQueue(4), newQueue(4)
		builder.
			SpawnFunc(fmt.Sprintf("source-%d", b), 0, w.source(raw)).
			SpawnFunc(fmt.Sprintf("square-%d", b), 1, w.square(raw, squared)).
			SpawnFunc(fmt.Sprintf("sink-%d", b), 2, w.sink(b, squared))

		h, err := s.Submit(builder.Build())
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
		prev = h
	}
	return handles, nil
}

func (w *pipeline) source(out *queue) func(rt abi.Runtime) {
	return func(rt abi.Runtime) {
		for i := 1; i <= w.opts.Tasks; i++ {
			out.push(rt, i)
		}
		out.push(rt, endOfStream)
	}
}

func (w *pipeline) square(in, out *queue) func(rt abi.Runtime) {
	return func(rt abi.Runtime) {
		for {
			v := in.pop(rt)
			if v == endOfStream {
				out.push(rt, endOfStream)
				return
			}
			if w.opts.Work > 0 {
				rt.Sleep(w.opts.Work)
			}
			out.push(rt, v*v)
		}
	}
}

func (w *pipeline) sink(b int, in *queue) func(rt abi.Runtime) {
	return func(rt abi.Runtime) {
		var sum uint64
		for {
			v := in.pop(rt)
			if v == endOfStream {
				break
			}
			sum += uint64(v)
		}
		w.orderMu.Lock(rt)
		w.sums[b] = sum
		w.order = append(w.order, b)
		w.orderMu.Unlock(rt)
	}
}

// squareSum returns 1^2 + 2^2 + ... + n^2.
func squareSum(n int) uint64 {
	m := uint64(n)
	return m * (m + 1) * (2*m + 1) / 6
}

func (w *pipeline) verify() (uint64, error) {
	if len(w.order) != w.opts.Buffers {
		return 0, mismatch("completed sinks", uint64(len(w.order)), uint64(w.opts.Buffers))
	}
	for i, b := range w.order {
		if b != i {
			return 0, mismatch(fmt.Sprintf("sink #%d", i), uint64(b), uint64(i))
		}
	}
	want := squareSum(w.opts.Tasks)
	for b, sum := range w.sums {
		if sum != want {
			return 0, mismatch(fmt.Sprintf("buffer %d sum", b), sum, want)
		}
	}
	return uint64(w.opts.Buffers * w.opts.Tasks * 2), nil
}
