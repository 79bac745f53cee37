package worker

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jobs(n int) []*job {
	out := make([]*job, n)
	for i := range out {
		out[i] = &job{tc: &taskCtx{index: i}}
	}
	return out
}

func TestDequeFIFO(t *testing.T) {
	var d deque
	var inj injector
	for _, j := range jobs(5) {
		d.push(j, &inj)
	}
	assert.Equal(t, 5, d.len())

	for i := 0; i < 5; i++ {
		j := d.pop()
		require.NotNil(t, j)
		assert.Equal(t, i, j.tc.index)
	}
	assert.Nil(t, d.pop())
	assert.Equal(t, 0, inj.len())
}

func TestDequeGrabHalf(t *testing.T) {
	tests := []struct {
		name   string
		queued int
		want   int
	}{
		{"empty", 0, 0},
		{"one", 1, 1},
		{"odd", 5, 3},
		{"even", 8, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d deque
			var inj injector
			for _, j := range jobs(tt.queued) {
				d.push(j, &inj)
			}
			got := d.grab()
			assert.Len(t, got, tt.want)
			assert.Equal(t, tt.queued-tt.want, d.len())
			for i, j := range got {
				assert.Equal(t, i, j.tc.index, "grab takes the oldest jobs")
			}
		})
	}
}

func TestDequeSpillsToInjector(t *testing.T) {
	var d deque
	var inj injector
	for _, j := range jobs(dequeSize + 1) {
		d.push(j, &inj)
	}
	assert.Equal(t, dequeSize/2, d.len())
	assert.Equal(t, dequeSize/2+1, inj.len())

	first := d.pop()
	require.NotNil(t, first)
	assert.Equal(t, dequeSize/2, first.tc.index)
}

func TestDequeConcurrentSteal(t *testing.T) {
	const total = 10000
	var (
		d    deque
		inj  injector
		seen [total]atomic.Int32
		wg   sync.WaitGroup
		stop atomic.Bool
	)
	mark := func(js ...*job) {
		for _, j := range js {
			seen[j.tc.index].Add(1)
		}
	}

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				mark(d.grab()...)
			}
		}()
	}

	for i, j := range jobs(total) {
		d.push(j, &inj)
		if i%3 == 0 {
			if p := d.pop(); p != nil {
				mark(p)
			}
		}
	}
	for p := d.pop(); p != nil; p = d.pop() {
		mark(p)
	}
	stop.Store(true)
	wg.Wait()
	mark(inj.grab(0)...)
	for inj.len() > 0 {
		mark(inj.grab(0)...)
	}

	for i := range seen {
		require.EqualValues(t, 1, seen[i].Load(), "job %d", i)
	}
}

func TestInjectorGrab(t *testing.T) {
	tests := []struct {
		name    string
		queued  int
		workers int
		want    int
	}{
		{"empty", 0, 4, 0},
		{"fair share", 10, 4, 3},
		{"single worker", 10, 1, 10},
		{"fewer jobs than workers", 2, 8, 1},
		{"capped at half a deque", 1000, 1, dequeSize / 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var inj injector
			inj.pushBatch(jobs(tt.queued))
			got := inj.grab(tt.workers)
			assert.Len(t, got, tt.want)
			assert.Equal(t, tt.queued-tt.want, inj.len())
		})
	}
}

func TestBoundQueue(t *testing.T) {
	var q boundQueue
	assert.Nil(t, q.pop())
	for _, j := range jobs(3) {
		q.push(j)
	}
	assert.Equal(t, 3, q.len())
	assert.Equal(t, 0, q.pop().tc.index)
	assert.Equal(t, 1, q.pop().tc.index)
	assert.Equal(t, 1, q.len())
}
