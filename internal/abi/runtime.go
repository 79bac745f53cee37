package abi

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/taskrt/internal/scheduler"
)

// Runtime is the execution context handed to a running task. Every method
// must be called from the task's own body.
type Runtime interface {
	// Self returns the handle of the running task.
	Self() scheduler.Handle
	// Worker returns the id of the worker currently executing the task.
	Worker() int
	// Logger returns a logger tagged with the task.
	Logger() zerolog.Logger

	// Yield puts the task back on its worker's queue.
	Yield()
	// Sleep suspends the task for at least d.
	Sleep(d time.Duration)
	// SleepUntil suspends the task until t has passed.
	SleepUntil(t time.Time)

	// Wait suspends the task until its dependency set is empty and returns
	// the token passed by the last notifier.
	Wait() scheduler.WakeupToken
	// WaitOn registers a dependency on h and waits for it.
	WaitOn(h scheduler.Handle) (scheduler.WakeupToken, error)
	// Block suspends the task until another party unblocks it.
	Block()
	// Abort unwinds the task. It does not return.
	Abort()
	// WaitCommandBuffer suspends until h resolves and reports whether it aborted.
	WaitCommandBuffer(h *BufferHandle) (aborted bool)

	// EnterScheduler runs fn inside the scheduler critical section.
	EnterScheduler(fn func(c *scheduler.Core))
	// Tuning returns the lock tuning of the owning group.
	Tuning() Tuning
	// Locals returns the task-local storage of the running task.
	Locals() *Locals
}

// Tuning carries the knobs synchronization primitives read from the group.
type Tuning struct {
	SpinLimit      int           // Yields before parking on a contended lock
	FairUnlockSpan time.Duration // Upper bound of the random fair-unlock window
}
