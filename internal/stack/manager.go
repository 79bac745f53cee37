package stack

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/aristath/taskrt/internal/config"
	"github.com/aristath/taskrt/internal/errs"
)

// Manager owns the allocators of one worker group, sorted by size.
type Manager struct {
	allocators []*Allocator
	def        *Allocator
	ids        atomic.Uint64
}

// NewManager builds one allocator per descriptor. defaultIndex refers to the
// position in descs, before sorting.
func NewManager(descs []config.StackConfig, defaultIndex int) (*Manager, error) {
	if len(descs) == 0 {
		return nil, fmt.Errorf("stack manager: no stack classes: %w", errs.ErrInvalidArgument)
	}
	if defaultIndex < 0 || defaultIndex >= len(descs) {
		return nil, fmt.Errorf("stack manager: default index %d: %w", defaultIndex, errs.ErrInvalidArgument)
	}

	m := &Manager{}
	for i, d := range descs {
		a := newAllocator(d, &m.ids)
		if i == defaultIndex {
			m.def = a
		}
		m.allocators = append(m.allocators, a)
	}

	sort.SliceStable(m.allocators, func(i, j int) bool {
		return m.allocators[i].desc.MinSize < m.allocators[j].desc.MinSize
	})
	for i := 1; i < len(m.allocators); i++ {
		if m.allocators[i].desc.MinSize == m.allocators[i-1].desc.MinSize {
			m.Close()
			return nil, fmt.Errorf("stack manager: size %d configured twice: %w", m.allocators[i].desc.MinSize, errs.ErrAlreadyExists)
		}
	}
	return m, nil
}

// AllocatorFor returns the smallest allocator whose size is at least size.
// Zero selects the default allocator.
func (m *Manager) AllocatorFor(size uint64) (*Allocator, error) {
	if size == 0 {
		return m.def, nil
	}
	i := sort.Search(len(m.allocators), func(i int) bool {
		return m.allocators[i].desc.MinSize >= size
	})
	if i == len(m.allocators) {
		return nil, fmt.Errorf("no stack class holds %d bytes: %w", size, errs.ErrNotFound)
	}
	return m.allocators[i], nil
}

// Acquire allocates a slot able to hold size bytes.
func (m *Manager) Acquire(size uint64) (*Slot, error) {
	a, err := m.AllocatorFor(size)
	if err != nil {
		return nil, err
	}
	return a.Acquire()
}

// Release returns a slot to its allocator.
func (m *Manager) Release(s *Slot) error {
	return s.alloc.Release(s)
}

// DefaultSize returns the size of the default allocator.
func (m *Manager) DefaultSize() uint64 { return m.def.desc.MinSize }

// Sizes returns the configured sizes in ascending order.
func (m *Manager) Sizes() []uint64 {
	sizes := make([]uint64, len(m.allocators))
	for i, a := range m.allocators {
		sizes[i] = a.desc.MinSize
	}
	return sizes
}

// Stats returns one snapshot per allocator, ascending by size.
func (m *Manager) Stats() []AllocatorStats {
	out := make([]AllocatorStats, len(m.allocators))
	for i, a := range m.allocators {
		out[i] = a.Stats()
	}
	return out
}

// Close stops every free carrier. Slots still in use stop when released.
func (m *Manager) Close() {
	for _, a := range m.allocators {
		a.close()
	}
}
