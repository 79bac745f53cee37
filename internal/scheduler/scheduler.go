// Package scheduler owns task state: the handle arena, the ready queue, the
// dependency graph used by wait/notify, and pseudo tasks for synchronization
// primitives. All state lives in a Core that is only reachable through
// Scheduler.Enter, the single critical section every mutation goes through.
package scheduler

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/aristath/taskrt/internal/logging"
	"github.com/aristath/taskrt/internal/stack"
)

// Options configures a Scheduler.
type Options struct {
	MaxTasks       int           // Size of the handle arena
	RetryInitial   time.Duration // First retry delay after stack exhaustion
	RetryMax       time.Duration // Largest retry delay after stack exhaustion
	ValidateOnWait bool          // Run Validate after every new wait edge
	Logger         zerolog.Logger
}

// Scheduler guards a Core with the scheduler lock.
type Scheduler struct {
	mu     sync.Mutex
	core   Core
	signal chan struct{}
}

// New creates a scheduler that allocates slots from stacks.
func New(stacks *stack.Manager, opts Options) *Scheduler {
	if opts.MaxTasks <= 0 {
		opts.MaxTasks = 1 << 20
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 50 * time.Microsecond
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 5 * time.Millisecond
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = opts.RetryInitial
	retry.MaxInterval = opts.RetryMax
	retry.MaxElapsedTime = 0
	retry.Reset()

	log := logging.Component(opts.Logger, "scheduler")
	s := &Scheduler{signal: make(chan struct{}, 1)}
	s.core = Core{
		handles:  newHandleTable(opts.MaxTasks),
		pseudo:   make(map[any]Handle),
		stacks:   stacks,
		retry:    retry,
		validate: opts.ValidateOnWait,
		signal:   s.signal,
		log:      log,
		warn:     logging.NewLimited(log, nil),
	}
	return s
}

// Enter runs fn with exclusive access to the Core. fn must not block on
// anything that needs the scheduler lock.
func (s *Scheduler) Enter(fn func(c *Core)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.core)
}

// Signal fires after a task becomes runnable or a stack slot is released.
// It coalesces: one pending signal covers any number of events.
func (s *Scheduler) Signal() <-chan struct{} {
	return s.signal
}
