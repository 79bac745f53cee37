package tasksync

import (
	"sync/atomic"

	"github.com/aristath/taskrt/internal/abi"
	"github.com/aristath/taskrt/internal/errs"
	"github.com/aristath/taskrt/internal/scheduler"
)

const (
	rwWriter        uint32 = 1
	rwWriterWaiting uint32 = 2
	rwReaderWaiting uint32 = 4
	rwWaiting              = rwWriterWaiting | rwReaderWaiting
	rwReaderShift          = 3
	rwReader        uint32 = 1 << rwReaderShift
)

// RWMutex is a task reader/writer lock. The zero value is unlocked. An
// RWMutex must not be copied after first use.
//
// Waiters queue on one pseudo task in wake order and are always handed the
// lock directly. Once any task is queued, new readers queue too, so a
// waiting writer is never overtaken by a stream of readers. Unlock by a
// writer admits the first waiting writer or, if a reader is first, every
// queued reader. The fair variants only admit the readers queued before
// the next writer.
type RWMutex struct {
	state atomic.Uint32

	// Guarded by the scheduler lock. Reports whether a queued task is a
	// writer.
	writers map[scheduler.Handle]bool
}

func rwReaders(s uint32) uint32 { return s >> rwReaderShift }

// TryRLock acquires a read lock if no writer holds or waits for rw.
func (rw *RWMutex) TryRLock() bool {
	for {
		s := rw.state.Load()
		if s&(rwWriter|rwWaiting) != 0 {
			return false
		}
		if rw.state.CompareAndSwap(s, s+rwReader) {
			return true
		}
	}
}

// TryLock acquires the write lock if rw is free and reports whether it did.
func (rw *RWMutex) TryLock() bool {
	return rw.state.CompareAndSwap(0, rwWriter)
}

// RLock acquires a read lock, parking the task while a writer holds or
// waits for rw.
func (rw *RWMutex) RLock(rt abi.Runtime) {
	if rw.TryRLock() {
		return
	}
	rw.lockSlow(rt, false)
}

// Lock acquires the write lock, parking the task while rw is held.
func (rw *RWMutex) Lock(rt abi.Runtime) {
	if rw.TryLock() {
		return
	}
	rw.lockSlow(rt, true)
}

func (rw *RWMutex) lockSlow(rt abi.Runtime, writer bool) {
	spinLimit := rt.Tuning().SpinLimit
	for spins := 0; spins < spinLimit; spins++ {
		if rw.state.Load()&rwWaiting != 0 {
			break
		}
		rt.Yield()
		if writer && rw.TryLock() || !writer && rw.TryRLock() {
			return
		}
	}

	for {
		acquired, parked := rw.park(rt, writer)
		if acquired {
			return
		}
		if !parked {
			continue
		}
		if tok := rt.Wait(); tok.Kind == scheduler.TokenCustom && tok.Value == handoff {
			return
		}
	}
}

// park queues the task on rw unless the lock can be taken right away.
func (rw *RWMutex) park(rt abi.Runtime, writer bool) (acquired, parked bool) {
	var err error
	rt.EnterScheduler(func(c *scheduler.Core) {
		for {
			s := rw.state.Load()
			switch {
			case writer && s == 0:
				if rw.state.CompareAndSwap(0, rwWriter) {
					acquired = true
					return
				}
				continue
			case !writer && s&(rwWriter|rwWaiting) == 0:
				if rw.state.CompareAndSwap(s, s+rwReader) {
					acquired = true
					return
				}
				continue
			}
			set := rwReaderWaiting
			if writer {
				set = rwWriterWaiting
			}
			if rw.state.CompareAndSwap(s, s|set) {
				break
			}
		}

		self := rt.Self()
		if rw.writers == nil {
			rw.writers = make(map[scheduler.Handle]bool)
		}
		rw.writers[self] = writer
		var tok scheduler.WakeupToken
		tok, err = c.WaitTaskOn(self, c.RegisterOrFetchPseudo(rw))
		parked = err == nil && tok.Kind != scheduler.TokenSkipped
		if !parked {
			delete(rw.writers, self)
		}
	})
	if err != nil {
		errs.Invariant(errs.ErrInternal, "rwmutex wait: %v", err)
	}
	return acquired, parked
}

// RUnlock releases a read lock. Releasing without a read lock panics.
func (rw *RWMutex) RUnlock(rt abi.Runtime) {
	rw.runlock(rt, false)
}

// RUnlockFair releases a read lock. If it was the last one, the queue is
// admitted in strict wake order.
func (rw *RWMutex) RUnlockFair(rt abi.Runtime) {
	rw.runlock(rt, true)
}

func (rw *RWMutex) runlock(rt abi.Runtime, fair bool) {
	for {
		s := rw.state.Load()
		if rwReaders(s) == 0 {
			errs.Invariant(errs.ErrInvalidState, "read unlock of rwmutex without readers")
		}
		if rwReaders(s) == 1 && s&rwWaiting != 0 {
			break
		}
		if rw.state.CompareAndSwap(s, s-rwReader) {
			return
		}
	}
	rt.EnterScheduler(func(c *scheduler.Core) {
		rw.release(c, fair)
	})
}

// Unlock releases the write lock. Unlocking an unlocked RWMutex panics.
func (rw *RWMutex) Unlock(rt abi.Runtime) {
	rw.unlock(rt, false)
}

// UnlockFair releases the write lock and admits the queue in strict wake
// order.
func (rw *RWMutex) UnlockFair(rt abi.Runtime) {
	rw.unlock(rt, true)
}

func (rw *RWMutex) unlock(rt abi.Runtime, fair bool) {
	if rw.state.CompareAndSwap(rwWriter, 0) {
		return
	}
	if rw.state.Load()&rwWriter == 0 {
		errs.Invariant(errs.ErrInvalidState, "unlock of unlocked rwmutex")
	}
	rt.EnterScheduler(func(c *scheduler.Core) {
		rw.release(c, fair)
	})
}

// release runs inside the scheduler section once the last holder leaves a
// queued RWMutex. It hands the lock to the admitted waiters and rebuilds
// the waiting bits from those still queued.
func (rw *RWMutex) release(c *scheduler.Core, fair bool) {
	p, ok := c.LookupPseudo(rw)
	if !ok {
		rw.writers = nil
		rw.state.Store(0)
		return
	}

	var (
		grantWriter, closed      bool
		keptReaders, keptWriters bool
		readers                  uint32
	)
	first := true
	kept := make(map[scheduler.Handle]bool)
	c.NotifyFilter(p, func(w scheduler.Handle) scheduler.FilterResult {
		writer := rw.writers[w]
		admit := false
		switch {
		case first:
			admit = true
			grantWriter = writer
			closed = writer
		case closed:
		case writer:
			closed = fair
		default:
			admit = true
		}
		first = false
		if admit {
			if !writer {
				readers++
			}
			return scheduler.FilterNotify
		}
		kept[w] = writer
		if writer {
			keptWriters = true
		} else {
			keptReaders = true
		}
		return scheduler.FilterSkip
	}, handoffToken)

	next := readers << rwReaderShift
	if grantWriter {
		next = rwWriter
	}
	if keptWriters {
		next |= rwWriterWaiting
	}
	if keptReaders {
		next |= rwReaderWaiting
	}
	if len(kept) == 0 {
		rw.writers = nil
		c.UnregisterPseudoIfEmpty(rw)
	} else {
		rw.writers = kept
	}
	rw.state.Store(next)
}

// Readers returns how many read locks are held. The answer may be stale by
// the time it is used.
func (rw *RWMutex) Readers() int {
	return int(rwReaders(rw.state.Load()))
}

// Locked reports whether a writer holds rw.
func (rw *RWMutex) Locked() bool {
	return rw.state.Load()&rwWriter != 0
}
