package tasksync

import (
	"fmt"

	"github.com/aristath/taskrt/internal/abi"
	"github.com/aristath/taskrt/internal/errs"
	"github.com/aristath/taskrt/internal/scheduler"
)

// Condvar is a condition variable for tasks. While it has waiters it is
// bound to the single Mutex they waited with. The zero value is ready to
// use; a Condvar must not be copied after first use.
type Condvar struct {
	// Guarded by the scheduler lock.
	mu *Mutex
}

// Wait atomically unlocks m and parks the task until notified, then locks
// m again before returning. m must be held by the caller. Waiting with a
// different mutex than the current waiters panics.
func (cv *Condvar) Wait(rt abi.Runtime, m *Mutex) {
	var (
		parked bool
		err    error
	)
	rt.EnterScheduler(func(c *scheduler.Core) {
		if cv.mu != nil && cv.mu != m {
			err = fmt.Errorf("condition variable used with two mutexes: %w", errs.ErrInvalidArgument)
			return
		}
		cv.mu = m

		var tok scheduler.WakeupToken
		tok, err = c.WaitTaskOn(rt.Self(), c.RegisterOrFetchPseudo(cv))
		if err != nil {
			return
		}
		parked = tok.Kind != scheduler.TokenSkipped

		if !m.state.CompareAndSwap(lockedBit, 0) {
			m.release(c, false)
		}
	})
	if err != nil {
		panic(err)
	}
	if parked {
		rt.Wait()
	}
	m.Lock(rt)
}

// NotifyOne wakes the first waiting task, if any.
func (cv *Condvar) NotifyOne(rt abi.Runtime) {
	rt.EnterScheduler(func(c *scheduler.Core) {
		p, ok := c.LookupPseudo(cv)
		if !ok {
			return
		}
		if r := c.NotifyOne(p, scheduler.WakeNone); r.Remaining == 0 {
			cv.mu = nil
			c.UnregisterPseudoIfEmpty(cv)
		}
	})
}

// NotifyAll wakes every waiting task and returns how many were woken.
func (cv *Condvar) NotifyAll(rt abi.Runtime) int {
	n := 0
	rt.EnterScheduler(func(c *scheduler.Core) {
		p, ok := c.LookupPseudo(cv)
		if !ok {
			return
		}
		n = c.NotifyAll(p, scheduler.WakeNone)
		cv.mu = nil
		c.UnregisterPseudoIfEmpty(cv)
	})
	return n
}
