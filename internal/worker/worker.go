package worker

import (
	"context"
	"math/rand/v2"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/taskrt/internal/scheduler"
)

// worker is one execution thread of a group. It runs jobs from its bound
// queue, its local deque, the group injector and, failing those, from its
// peers' deques.
type worker struct {
	id    int
	group *Group
	local deque
	bound boundQueue
	wake  chan struct{}
	log   zerolog.Logger

	ticks    uint32 // Owned by the worker goroutine
	parked   atomic.Bool
	executed atomic.Uint64
	stolen   atomic.Uint64
}

// injectorInterval is how often a busy worker checks the injector before
// its own deque, so tasks that keep yielding cannot starve woken ones.
const injectorInterval = 61

func newWorker(id int, g *Group) *worker {
	return &worker{
		id:    id,
		group: g,
		wake:  make(chan struct{}, 1),
		log:   g.log.With().Int("worker", id).Logger(),
	}
}

func (w *worker) run(ctx context.Context) error {
	if w.group.cfg.LockThreads {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	timer := time.NewTimer(w.group.tick)
	defer timer.Stop()

	w.log.Debug().Msg("worker started")
	for {
		if j := w.next(); j != nil {
			w.execute(j)
			continue
		}
		if !w.park(ctx, timer) {
			w.log.Debug().Msg("worker stopped")
			return nil
		}
	}
}

// notify wakes the worker if it is parked.
func (w *worker) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// park sleeps until notified, a tick passes or ctx ends. It returns false
// when the worker should exit.
func (w *worker) park(ctx context.Context, timer *time.Timer) bool {
	w.parked.Store(true)
	defer w.parked.Store(false)

	if w.hasWork() {
		return true
	}
	timer.Reset(w.group.tick)
	select {
	case <-w.wake:
	case <-timer.C:
	case <-ctx.Done():
		return false
	}
	return true
}

func (w *worker) hasWork() bool {
	return w.bound.len() > 0 || w.local.len() > 0 || w.group.injector.len() > 0
}

func (w *worker) next() *job {
	w.ticks++
	if w.ticks%injectorInterval == 0 {
		if j := w.fromInjector(); j != nil {
			return j
		}
	}
	if j := w.bound.pop(); j != nil {
		return j
	}
	if j := w.local.pop(); j != nil {
		return j
	}
	if j := w.fromInjector(); j != nil {
		return j
	}
	return w.steal()
}

// fromInjector moves a share of the injector into the local deque and
// returns its first job.
func (w *worker) fromInjector() *job {
	batch := w.group.injector.grab(len(w.group.workers))
	if len(batch) == 0 {
		return nil
	}
	for _, j := range batch[1:] {
		w.local.push(j, &w.group.injector)
	}
	return batch[0]
}

// steal takes half of a random peer's deque, keeping all but the first
// job in its own.
func (w *worker) steal() *job {
	peers := w.group.workers
	n := len(peers)
	if n < 2 {
		return nil
	}
	start := rand.IntN(n)
	for i := 0; i < n; i++ {
		victim := peers[(start+i)%n]
		if victim == w {
			continue
		}
		batch := victim.local.grab()
		if len(batch) == 0 {
			continue
		}
		for _, j := range batch[1:] {
			w.local.push(j, &w.group.injector)
		}
		w.stolen.Add(uint64(len(batch)))
		return batch[0]
	}
	return nil
}

// execute switches into the task and handles the request it comes back with.
func (w *worker) execute(j *job) {
	tc := j.tc
	tc.worker = w.id
	w.executed.Add(1)

	if !tc.started {
		tc.started = true
		tc.slot.Run(tc.run)
	} else {
		tc.resume <- j.resp
	}
	w.handle(tc, <-tc.requests)
}

func (w *worker) handle(tc *taskCtx, req request) {
	switch req.kind {
	case reqYield:
		w.requeue(tc)
	case reqWaitUntil:
		if !req.at.After(time.Now()) {
			w.requeue(tc)
			return
		}
		w.group.forward(tc, req)
	case reqWaitBuffer:
		if done, _ := req.buffer.Completed(); done {
			w.requeue(tc)
			return
		}
		w.group.forward(tc, req)
	case reqComplete:
		w.invoke(tc, "cleanup", tc.spec.OnCleanup.Invoke)
		w.group.forward(tc, req)
	case reqAbort:
		if req.payload != nil {
			tc.log.Error().Interface("panic", req.payload).Msg("task panicked")
		}
		w.invoke(tc, "abort", tc.spec.OnAbort.Invoke)
		w.invoke(tc, "cleanup", tc.spec.OnCleanup.Invoke)
		w.group.forward(tc, req)
	default:
		w.group.forward(tc, req)
	}
}

// requeue puts a task that suspended without waiting back in line.
func (w *worker) requeue(tc *taskCtx) {
	j := &job{tc: tc}
	if tc.task.Worker != scheduler.AnyWorker {
		w.bound.push(j)
		return
	}
	w.local.push(j, &w.group.injector)
}

// invoke runs a task handler, containing its panics to the handler.
func (w *worker) invoke(tc *taskCtx, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			tc.log.Error().Interface("panic", r).Str("handler", name).Msg("task handler panicked")
		}
	}()
	fn()
}

// WorkerStats is a snapshot of one worker.
type WorkerStats struct {
	ID       int
	Parked   bool
	Local    int
	Bound    int
	Executed uint64
	Stolen   uint64
}

func (w *worker) stats() WorkerStats {
	return WorkerStats{
		ID:       w.id,
		Parked:   w.parked.Load(),
		Local:    w.local.len(),
		Bound:    w.bound.len(),
		Executed: w.executed.Load(),
		Stolen:   w.stolen.Load(),
	}
}
