// Package stack manages the execution carriers tasks run on.
//
// A Slot is the unit the scheduler hands to a task: a parked goroutine that
// runs the task body when asked and is reused for the next task once the
// first one has released it. Slots are grouped into size classes; each class
// is served by an Allocator with its own residency limits.
package stack

import (
	"sync/atomic"

	"github.com/aristath/taskrt/internal/errs"
)

// SlotID identifies a slot within a Manager.
type SlotID uint64

// Slot is a reusable carrier goroutine owned by an Allocator.
type Slot struct {
	id    SlotID
	alloc *Allocator
	jobs  chan func()
	done  chan struct{}
	busy  atomic.Bool
}

func newSlot(id SlotID, alloc *Allocator) *Slot {
	s := &Slot{
		id:    id,
		alloc: alloc,
		jobs:  make(chan func()),
		done:  make(chan struct{}),
	}
	go s.carry()
	return s
}

func (s *Slot) carry() {
	clean := false
	defer func() {
		if !clean {
			// The job left through runtime.Goexit; keep serving the slot.
			go s.carry()
			return
		}
		close(s.done)
	}()
	for fn := range s.jobs {
		fn()
	}
	clean = true
}

// ID returns the slot id.
func (s *Slot) ID() SlotID { return s.id }

// Size returns the size class the slot belongs to.
func (s *Slot) Size() uint64 { return s.alloc.desc.MinSize }

// InUse reports whether the slot is currently acquired.
func (s *Slot) InUse() bool { return s.busy.Load() }

// Run hands fn to the carrier goroutine and returns once the carrier has
// picked it up. fn must not outlive the slot's ownership.
func (s *Slot) Run(fn func()) {
	if !s.busy.Load() {
		errs.Invariant(errs.ErrInvalidState, "run on released slot %d", s.id)
	}
	s.jobs <- fn
}

// destroy stops the carrier. The carrier exits after its current job.
func (s *Slot) destroy() {
	close(s.jobs)
}
