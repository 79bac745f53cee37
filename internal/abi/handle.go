package abi

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/aristath/taskrt/internal/errs"
)

const (
	bufferPending uint32 = iota
	bufferCompleted
	bufferAborted
)

// BufferHandle is the shared completion flag of a submitted command buffer.
// It moves from pending to completed or aborted exactly once.
type BufferHandle struct {
	id    uuid.UUID
	group uuid.UUID
	label string
	state atomic.Uint32
	done  chan struct{}
}

// NewBufferHandle creates a pending handle owned by group.
func NewBufferHandle(group uuid.UUID, label string) *BufferHandle {
	return &BufferHandle{
		id:    uuid.New(),
		group: group,
		label: label,
		done:  make(chan struct{}),
	}
}

// ID returns the handle id.
func (h *BufferHandle) ID() uuid.UUID { return h.id }

// Group returns the id of the worker group that owns the buffer.
func (h *BufferHandle) Group() uuid.UUID { return h.group }

// Label returns the buffer label.
func (h *BufferHandle) Label() string { return h.label }

// Completed reports whether the buffer finished and, if so, whether it aborted.
func (h *BufferHandle) Completed() (done, aborted bool) {
	switch h.state.Load() {
	case bufferCompleted:
		return true, false
	case bufferAborted:
		return true, true
	default:
		return false, false
	}
}

// MarkCompleted resolves the handle. A second call fails with ErrInvalidState.
func (h *BufferHandle) MarkCompleted(aborted bool) error {
	next := bufferCompleted
	if aborted {
		next = bufferAborted
	}
	if !h.state.CompareAndSwap(bufferPending, next) {
		return fmt.Errorf("buffer %s already completed: %w", h.id, errs.ErrInvalidState)
	}
	close(h.done)
	return nil
}

// Done is closed once the handle resolves.
func (h *BufferHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the handle resolves or ctx ends.
func (h *BufferHandle) Wait(ctx context.Context) (aborted bool, err error) {
	select {
	case <-h.done:
		_, aborted = h.Completed()
		return aborted, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (h *BufferHandle) String() string {
	if h.label != "" {
		return h.label + "/" + h.id.String()[:8]
	}
	return h.id.String()
}
