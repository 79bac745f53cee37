// Package tasksync provides synchronization primitives for tasks. They park
// waiting tasks through the scheduler's wait/notify mechanism instead of
// blocking the worker that runs them, so they must only be used from task
// bodies, with the task's abi.Runtime.
package tasksync

import (
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/aristath/taskrt/internal/abi"
	"github.com/aristath/taskrt/internal/errs"
	"github.com/aristath/taskrt/internal/scheduler"
)

const (
	lockedBit   uint32 = 1
	waitersBit  uint32 = 2
	starvingBit uint32 = 4 // Only set together with lockedBit
)

// handoff is the token value of a waiter that received the lock directly.
const handoff uintptr = 1

var handoffToken = scheduler.WakeupToken{Kind: scheduler.TokenCustom, Value: handoff}

// Mutex is a task mutex. The zero value is unlocked. A Mutex must not be
// copied after first use.
//
// Unlock normally releases the lock and lets the woken waiter race for it
// again. Once per random window of up to Tuning.FairUnlockSpan, the lock is
// instead handed straight to the first waiter. A woken waiter that loses the
// race parks again in its old place and marks the mutex starving: from then
// on every unlock hands the lock to the first waiter until no waiters are
// left, so no waiter sees more than a few unlocks pass it by.
type Mutex struct {
	state atomic.Uint32

	// Guarded by the scheduler lock.
	fairAt time.Time
}

// TryLock acquires m if it is free and reports whether it did.
func (m *Mutex) TryLock() bool {
	for {
		s := m.state.Load()
		if s&lockedBit != 0 {
			return false
		}
		if m.state.CompareAndSwap(s, s|lockedBit) {
			return true
		}
	}
}

// Lock acquires m, parking the calling task while it is held elsewhere.
func (m *Mutex) Lock(rt abi.Runtime) {
	if m.state.CompareAndSwap(0, lockedBit) {
		return
	}
	m.lockSlow(rt)
}

func (m *Mutex) lockSlow(rt abi.Runtime) {
	spinLimit := rt.Tuning().SpinLimit
	spins := 0
	woken := false
	for {
		s := m.state.Load()
		if s&lockedBit == 0 {
			if m.state.CompareAndSwap(s, s|lockedBit) {
				return
			}
			continue
		}
		if !woken && s&waitersBit == 0 && spins < spinLimit {
			spins++
			rt.Yield()
			continue
		}

		if !m.park(rt, woken) {
			continue
		}
		if tok := rt.Wait(); tok.Kind == scheduler.TokenCustom && tok.Value == handoff {
			return
		}
		woken = true
	}
}

// park registers the task as a waiter of m. A task that was already woken
// once keeps its place and switches m to starving. It reports false when
// the lock was released before the wait could be registered.
func (m *Mutex) park(rt abi.Runtime, woken bool) bool {
	var (
		parked bool
		err    error
	)
	rt.EnterScheduler(func(c *scheduler.Core) {
		set := waitersBit
		if woken {
			set |= starvingBit
		}
		for {
			s := m.state.Load()
			if s&lockedBit == 0 {
				return
			}
			if m.state.CompareAndSwap(s, s|set) {
				break
			}
		}
		var tok scheduler.WakeupToken
		if woken {
			tok, err = c.RewaitTaskOn(rt.Self(), c.RegisterOrFetchPseudo(m))
		} else {
			tok, err = c.WaitTaskOn(rt.Self(), c.RegisterOrFetchPseudo(m))
		}
		parked = err == nil && tok.Kind != scheduler.TokenSkipped
	})
	if err != nil {
		errs.Invariant(errs.ErrInternal, "mutex wait: %v", err)
	}
	return parked
}

// Unlock releases m. Unlocking an unlocked mutex panics.
func (m *Mutex) Unlock(rt abi.Runtime) {
	m.unlock(rt, false)
}

// UnlockFair releases m and hands it to the first waiter, if there is one.
func (m *Mutex) UnlockFair(rt abi.Runtime) {
	m.unlock(rt, true)
}

func (m *Mutex) unlock(rt abi.Runtime, fair bool) {
	if m.state.CompareAndSwap(lockedBit, 0) {
		return
	}
	if m.state.Load()&lockedBit == 0 {
		errs.Invariant(errs.ErrInvalidState, "unlock of unlocked mutex")
	}
	span := rt.Tuning().FairUnlockSpan
	rt.EnterScheduler(func(c *scheduler.Core) {
		m.release(c, fair || m.fairDue(span))
	})
}

// release unlocks m inside the scheduler section and wakes one waiter.
// With fair set, or while m is starving, the woken waiter becomes the owner
// and m stays locked.
func (m *Mutex) release(c *scheduler.Core, fair bool) {
	p, ok := c.LookupPseudo(m)
	if !ok {
		m.state.Store(0)
		return
	}

	starving := m.state.Load()&starvingBit != 0
	fair = fair || starving
	token := scheduler.WakeNone
	if fair {
		token = handoffToken
	}
	r := c.NotifyOne(p, token)

	next := uint32(0)
	if r.Notified && fair {
		next = lockedBit
	}
	if r.Remaining > 0 {
		next |= waitersBit
		if starving && next&lockedBit != 0 {
			next |= starvingBit
		}
	} else {
		c.UnregisterPseudoIfEmpty(m)
	}
	m.state.Store(next)
}

// fairDue reports whether the current fair window has elapsed and opens the
// next one. A zero span disables timed fairness.
func (m *Mutex) fairDue(span time.Duration) bool {
	if span <= 0 {
		return false
	}
	now := time.Now()
	due := !m.fairAt.IsZero() && now.After(m.fairAt)
	if due || m.fairAt.IsZero() {
		m.fairAt = now.Add(rand.N(span + 1))
	}
	return due
}

// Locked reports whether m is currently held. The answer may be stale by
// the time it is used.
func (m *Mutex) Locked() bool {
	return m.state.Load()&lockedBit != 0
}
