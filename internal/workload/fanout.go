package workload

import (
	"fmt"
	"sync/atomic"

	"github.com/aristath/taskrt/internal/abi"
	"github.com/aristath/taskrt/internal/cmdbuf"
	"github.com/aristath/taskrt/internal/tasksync"
)

// fanout spawns a wide layer of leaves per buffer. The leaves meet at a
// task Barrier twice; a join task behind a buffer barrier checks that every
// leaf ran both phases.
type fanout struct {
	opts Options

	leaders atomic.Uint64 // One per barrier generation
	joined  atomic.Uint64 // Join tasks that saw a complete layer
}

func newFanout(opts Options) *fanout {
	return &fanout{opts: opts}
}

const fanoutPhases = 2

func (w *fanout) submit(s Submitter) ([]*abi.BufferHandle, error) {
	descs := make([]abi.BufferDescriptor, 0, w.opts.Buffers)
	for b := range w.opts.Buffers {
		barrier := tasksync.NewBarrier(w.opts.Tasks)
		var phases atomic.Int64

		builder := cmdbuf.NewBuilder(fmt.Sprintf("fanout-%d", b))
		for i := range w.opts.Tasks {
			builder.SpawnFunc(fmt.Sprintf("leaf-%d.%d", b, i), i%4, func(rt abi.Runtime) {
				for range fanoutPhases {
					if w.opts.Work > 0 {
						rt.Sleep(w.opts.Work)
					}
					phases.Add(1)
					if barrier.Wait(rt) {
						w.leaders.Add(1)
					}
				}
			})
		}
		builder.Barrier().SpawnFunc(fmt.Sprintf("join-%d", b), 0, func(rt abi.Runtime) {
			if phases.Load() == int64(w.opts.Tasks*fanoutPhases) {
				w.joined.Add(1)
			}
		})
		descs = append(descs, builder.Build())
	}
	return submitAll(s, descs)
}

func (w *fanout) verify() (uint64, error) {
	if got, want := w.leaders.Load(), uint64(w.opts.Buffers*fanoutPhases); got != want {
		return 0, mismatch("barrier leaders", got, want)
	}
	if got, want := w.joined.Load(), uint64(w.opts.Buffers); got != want {
		return 0, mismatch("complete joins", got, want)
	}
	return uint64(w.opts.Buffers * w.opts.Tasks * fanoutPhases), nil
}
