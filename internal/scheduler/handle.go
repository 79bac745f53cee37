package scheduler

import (
	"fmt"

	"github.com/aristath/taskrt/internal/errs"
)

// Handle identifies a registered task. The generation makes a handle stale
// once its task is unregistered, so lookups fail instead of aliasing a new
// task that reuses the slot.
type Handle struct {
	index uint32
	gen   uint32
}

// IsZero reports whether h was never issued.
func (h Handle) IsZero() bool { return h.gen == 0 }

func (h Handle) String() string {
	return fmt.Sprintf("%d.%d", h.index, h.gen)
}

type handleEntry struct {
	gen  uint32
	task *Task
}

// handleTable is an arena of tasks addressed by generational handles.
type handleTable struct {
	entries []handleEntry
	free    []uint32
	max     int
	live    int
}

func newHandleTable(max int) handleTable {
	return handleTable{max: max}
}

func (ht *handleTable) alloc(t *Task) (Handle, error) {
	if n := len(ht.free); n > 0 {
		idx := ht.free[n-1]
		ht.free = ht.free[:n-1]
		e := &ht.entries[idx]
		e.gen++
		if e.gen == 0 {
			e.gen = 1
		}
		e.task = t
		ht.live++
		return Handle{index: idx, gen: e.gen}, nil
	}
	if len(ht.entries) >= ht.max {
		return Handle{}, fmt.Errorf("task handles: %d in use: %w", ht.live, errs.ErrResourceExhausted)
	}
	ht.entries = append(ht.entries, handleEntry{gen: 1, task: t})
	ht.live++
	return Handle{index: uint32(len(ht.entries) - 1), gen: 1}, nil
}

func (ht *handleTable) get(h Handle) (*Task, bool) {
	if h.IsZero() || int(h.index) >= len(ht.entries) {
		return nil, false
	}
	e := ht.entries[h.index]
	if e.gen != h.gen || e.task == nil {
		return nil, false
	}
	return e.task, true
}

func (ht *handleTable) release(h Handle) {
	e := &ht.entries[h.index]
	e.task = nil
	ht.free = append(ht.free, h.index)
	ht.live--
}
