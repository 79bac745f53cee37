package stack

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aristath/taskrt/internal/config"
	"github.com/aristath/taskrt/internal/errs"
)

// AllocatorStats is a snapshot of one size class.
type AllocatorStats struct {
	Size               uint64
	Free               int
	InUse              int
	ResidencyTarget    int
	MaxResidency       int
	OverflowProtection bool
	Acquired           uint64
	Exhausted          uint64
}

// Allocator hands out slots of a single size class.
type Allocator struct {
	mu     sync.Mutex
	desc   config.StackConfig
	ids    *atomic.Uint64
	free   []*Slot
	inUse  int
	closed bool

	acquired  uint64
	exhausted uint64
}

func newAllocator(desc config.StackConfig, ids *atomic.Uint64) *Allocator {
	a := &Allocator{desc: desc, ids: ids}
	for i := 0; i < desc.Preallocated; i++ {
		a.free = append(a.free, newSlot(SlotID(ids.Add(1)), a))
	}
	return a
}

// Size returns the minimum stack size served by the allocator.
func (a *Allocator) Size() uint64 { return a.desc.MinSize }

// Acquire returns a free slot, creating one if the class is below its
// maximum residency. It returns ErrResourceExhausted at the cap.
func (a *Allocator) Acquire() (*Slot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, fmt.Errorf("stack %d: %w", a.desc.MinSize, errs.ErrClosed)
	}

	var s *Slot
	if n := len(a.free); n > 0 {
		s = a.free[n-1]
		a.free[n-1] = nil
		a.free = a.free[:n-1]
	} else {
		if a.desc.MaxResidency > 0 && a.inUse >= a.desc.MaxResidency {
			a.exhausted++
			return nil, fmt.Errorf("stack %d: %d slots in use: %w", a.desc.MinSize, a.inUse, errs.ErrResourceExhausted)
		}
		s = newSlot(SlotID(a.ids.Add(1)), a)
	}

	if !s.busy.CompareAndSwap(false, true) {
		errs.Invariant(errs.ErrInvalidState, "slot %d handed out while in use", s.id)
	}
	a.inUse++
	a.acquired++
	return s, nil
}

// Release returns s to the free list, or stops its carrier when the free
// list already holds ResidencyTarget slots.
func (a *Allocator) Release(s *Slot) error {
	if s.alloc != a {
		return fmt.Errorf("slot %d belongs to stack %d: %w", s.id, s.alloc.desc.MinSize, errs.ErrInvalidArgument)
	}
	if !s.busy.CompareAndSwap(true, false) {
		return fmt.Errorf("slot %d released twice: %w", s.id, errs.ErrInvalidState)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.inUse--
	if a.closed || len(a.free) >= a.desc.ResidencyTarget {
		s.destroy()
		return nil
	}
	a.free = append(a.free, s)
	return nil
}

// Stats returns a snapshot of the allocator.
func (a *Allocator) Stats() AllocatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AllocatorStats{
		Size:               a.desc.MinSize,
		Free:               len(a.free),
		InUse:              a.inUse,
		ResidencyTarget:    a.desc.ResidencyTarget,
		MaxResidency:       a.desc.MaxResidency,
		OverflowProtection: a.desc.OverflowProtection,
		Acquired:           a.acquired,
		Exhausted:          a.exhausted,
	}
}

func (a *Allocator) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for _, s := range a.free {
		s.destroy()
	}
	a.free = nil
}
