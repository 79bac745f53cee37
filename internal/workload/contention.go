package workload

import (
	"fmt"
	"time"

	"github.com/aristath/taskrt/internal/abi"
	"github.com/aristath/taskrt/internal/cmdbuf"
	"github.com/aristath/taskrt/internal/tasksync"
)

// contention hammers one Mutex and a pair of KeyedMutex keys. Counters are
// plain integers; only mutual exclusion keeps them exact.
type contention struct {
	opts  Options
	mu    tasksync.Mutex
	keyed *tasksync.KeyedMutex

	counter uint64 // Guarded by mu
	pairs   uint64 // Guarded by keys "left" and "right"
}

func newContention(opts Options) *contention {
	return &contention{opts: opts, keyed: tasksync.NewKeyedMutex()}
}

func (w *contention) submit(s Submitter) ([]*abi.BufferHandle, error) {
	descs := make([]abi.BufferDescriptor, 0, w.opts.Buffers)
	for b := range w.opts.Buffers {
		builder := cmdbuf.NewBuilder(fmt.Sprintf("contention-%d", b))
		for i := range w.opts.Tasks {
			builder.SpawnFunc(fmt.Sprintf("contender-%d.%d", b, i), i%3, w.body(i))
		}
		descs = append(descs, builder.Build())
	}
	return submitAll(s, descs)
}

func (w *contention) body(i int) func(rt abi.Runtime) {
	// Half the tasks name the keys in reverse; LockAll must still order them.
	keys := []string{"left", "right"}
	if i%2 == 1 {
		keys = []string{"right", "left"}
	}
	return func(rt abi.Runtime) {
		for r := range w.opts.Rounds {
			w.mu.Lock(rt)
			v := w.counter
			if r%2 == 0 {
				rt.Yield()
			}
			w.counter = v + 1
			if r%4 == 3 {
				w.mu.UnlockFair(rt)
			} else {
				w.mu.Unlock(rt)
			}

			w.keyed.LockAll(rt, keys)
			w.pairs++
			w.keyed.UnlockAll(rt, keys)

			if w.opts.Work > 0 {
				rt.Sleep(w.opts.Work / time.Duration(w.opts.Rounds))
			}
		}
	}
}

func (w *contention) verify() (uint64, error) {
	want := uint64(w.opts.Buffers * w.opts.Tasks * w.opts.Rounds)
	if w.counter != want {
		return w.counter, mismatch("mutex counter", w.counter, want)
	}
	if w.pairs != want {
		return w.pairs, mismatch("keyed counter", w.pairs, want)
	}
	if w.mu.Locked() {
		return want, mismatch("mutex left locked", 1, 0)
	}
	return want * 2, nil
}
