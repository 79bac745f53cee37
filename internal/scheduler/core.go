package scheduler

import (
	"container/heap"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/aristath/taskrt/internal/errs"
	"github.com/aristath/taskrt/internal/logging"
	"github.com/aristath/taskrt/internal/stack"
)

// Core is the scheduler state. It is only handed out by Scheduler.Enter.
type Core struct {
	handles  handleTable
	ready    readyQueue
	pseudo   map[any]Handle
	stacks   *stack.Manager
	retry    *backoff.ExponentialBackOff
	validate bool
	signal   chan struct{}
	log      zerolog.Logger
	warn     *logging.Limited

	nextSeq  uint64
	waitSeq  uint64
	finished uint64
	aborted  uint64
}

// NotifyResult reports the outcome of NotifyOne.
type NotifyResult struct {
	Notified  bool // A waiter was woken
	Remaining int  // Waiters still registered
}

// FilterResult tells NotifyFilter what to do with one waiter.
type FilterResult int

const (
	FilterNotify FilterResult = iota // Wake the waiter and continue
	FilterSkip                       // Leave the waiter registered and continue
	FilterStop                       // Leave this and every later waiter registered
)

// MessageKind is the type of a worker message.
type MessageKind int

const (
	MsgWaitUntil MessageKind = iota // Sleep until Message.At
	MsgWait                         // Wait for the dependency set to empty
	MsgBlock                        // Block unless the request was withdrawn
	MsgComplete                     // Body returned
	MsgAbort                        // Body unwound, Message.Payload holds the cause
)

func (k MessageKind) String() string {
	switch k {
	case MsgWaitUntil:
		return "wait-until"
	case MsgWait:
		return "wait"
	case MsgBlock:
		return "block"
	case MsgComplete:
		return "complete"
	case MsgAbort:
		return "abort"
	}
	return "unknown"
}

// Message is a status change reported by the worker that ran a task.
type Message struct {
	Kind    MessageKind
	At      time.Time
	Payload any
}

func (c *Core) lookup(h Handle) (*Task, bool) {
	return c.handles.get(h)
}

func (c *Core) mustTask(h Handle, op string) *Task {
	t, ok := c.handles.get(h)
	if !ok {
		errs.Invariant(errs.ErrNotFound, "%s on unknown task %s", op, h)
	}
	return t
}

func (c *Core) wake() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *Core) push(t *Task) {
	if t.inQueue {
		return
	}
	t.inQueue = true
	heap.Push(&c.ready, t)
}

// makeRunnable moves t to Runnable, or Waiting while it still has
// dependencies, and queues it.
func (c *Core) makeRunnable(t *Task) {
	if len(t.deps) > 0 {
		t.status = StatusWaiting
		return
	}
	t.status = StatusRunnable
	c.push(t)
	c.wake()
}

// RegisterTask registers t, making it wait on deps. Dependencies that have
// already completed are ignored. Registering the same task twice panics.
func (c *Core) RegisterTask(t *Task, deps []Handle) (Handle, error) {
	if t.registered {
		errs.Invariant(errs.ErrAlreadyExists, "task %q registered twice as %s", t.Label, t.handle)
	}
	if t.pseudo {
		errs.Invariant(errs.ErrInvalidArgument, "pseudo task %q registered as a task", t.Label)
	}

	depTasks := make([]*Task, 0, len(deps))
	for _, d := range deps {
		dt, ok := c.lookup(d)
		if !ok {
			return Handle{}, fmt.Errorf("task %q dependency %s: %w", t.Label, d, errs.ErrNotFound)
		}
		depTasks = append(depTasks, dt)
	}
	if _, err := c.stacks.AllocatorFor(t.StackSize); err != nil {
		return Handle{}, fmt.Errorf("task %q stack size %s: %w", t.Label, humanize.IBytes(t.StackSize), err)
	}

	h, err := c.handles.alloc(t)
	if err != nil {
		return Handle{}, err
	}

	t.handle = h
	t.registered = true
	t.run = RunIdle
	t.request = RequestNone
	t.deps = make(map[Handle]struct{}, len(depTasks))
	t.payload = nil
	t.token = WakeNone
	t.seq = c.nextSeq
	c.nextSeq++

	for _, dt := range depTasks {
		if dt.run == RunCompleted {
			continue
		}
		c.addEdge(t, dt, false)
	}
	c.makeRunnable(t)

	c.log.Trace().Str("task", t.Label).Stringer("handle", h).Int("deps", len(t.deps)).Msg("registered")
	return h, nil
}

// UnregisterTask removes a completed task.
func (c *Core) UnregisterTask(h Handle) error {
	t, ok := c.lookup(h)
	if !ok {
		return fmt.Errorf("unregister %s: %w", h, errs.ErrNotFound)
	}
	if t.pseudo {
		return fmt.Errorf("unregister %s: pseudo task: %w", h, errs.ErrInvalidArgument)
	}
	if t.run != RunCompleted {
		return fmt.Errorf("unregister %q: status %s: %w", t.Label, t.status, errs.ErrInvalidState)
	}
	c.handles.release(h)
	t.registered = false
	return nil
}

// FindTask returns the task registered under h.
func (c *Core) FindTask(h Handle) (*Task, error) {
	t, ok := c.lookup(h)
	if !ok {
		return nil, fmt.Errorf("task %s: %w", h, errs.ErrNotFound)
	}
	return t, nil
}

// addEdge makes t wait on on. With keep set, a task that last waited on
// the same handle reuses the sequence of that wait.
func (c *Core) addEdge(t, on *Task, keep bool) {
	if _, ok := t.deps[on.handle]; ok {
		return
	}
	t.deps[on.handle] = struct{}{}
	if !keep || t.waitOn != on.handle || t.waitSeq == 0 {
		c.waitSeq++
		t.waitSeq = c.waitSeq
	}
	t.waitOn = on.handle
	heap.Push(&on.waiters, waiter{handle: t.handle, priority: t.Priority, seq: t.waitSeq})
}

// WaitTaskOn makes task depend on on. The returned token is WakeSkipped
// when no edge was created: task and on are the same, or on has already
// completed. Otherwise the caller suspends and receives the notifier's
// token when the dependency clears.
func (c *Core) WaitTaskOn(task, on Handle) (WakeupToken, error) {
	return c.waitTaskOn(task, on, false)
}

// RewaitTaskOn is WaitTaskOn for a task that was woken from on and has to
// wait again, such as a lock waiter that lost the race for the lock. If on
// is the handle the task last waited on, the task keeps its earlier place
// among the waiters of equal priority.
func (c *Core) RewaitTaskOn(task, on Handle) (WakeupToken, error) {
	return c.waitTaskOn(task, on, true)
}

func (c *Core) waitTaskOn(task, on Handle, keep bool) (WakeupToken, error) {
	t, ok := c.lookup(task)
	if !ok {
		return WakeSkipped, fmt.Errorf("waiting task %s: %w", task, errs.ErrNotFound)
	}
	if task == on {
		return WakeSkipped, nil
	}
	dep, ok := c.lookup(on)
	if !ok {
		return WakeSkipped, fmt.Errorf("task %q waits on %s: %w", t.Label, on, errs.ErrNotFound)
	}
	if dep.run == RunCompleted {
		return WakeSkipped, nil
	}
	if c.reaches(dep, t) {
		return WakeSkipped, fmt.Errorf("task %q waits on %q: %w", t.Label, dep.Label, errs.ErrDeadlock)
	}

	c.addEdge(t, dep, keep)
	t.token = WakeNone
	if t.status == StatusRunnable {
		t.status = StatusWaiting
	}

	if c.validate {
		if _, err := c.Validate(); err != nil {
			errs.Invariant(errs.ErrDeadlock, "after %q waits on %q: %v", t.Label, dep.Label, err)
		}
	}
	return WakeNone, nil
}

// release clears the edge from w to h and passes token to w.
func (c *Core) release(w *Task, h Handle, token WakeupToken) {
	delete(w.deps, h)
	w.token = token
	if len(w.deps) == 0 && w.status == StatusWaiting {
		c.makeRunnable(w)
	}
}

// NotifyOne wakes the highest-priority waiter of h. Notifying an unknown
// task panics.
func (c *Core) NotifyOne(h Handle, token WakeupToken) NotifyResult {
	t := c.mustTask(h, "notify")
	for t.waiters.Len() > 0 {
		w := heap.Pop(&t.waiters).(waiter)
		wt, ok := c.lookup(w.handle)
		if !ok || !wt.DependsOn(h) {
			continue
		}
		c.release(wt, h, token)
		return NotifyResult{Notified: true, Remaining: t.waiters.Len()}
	}
	return NotifyResult{}
}

// NotifyAll wakes every waiter of h and returns how many were woken.
func (c *Core) NotifyAll(h Handle, token WakeupToken) int {
	return c.notifyAll(c.mustTask(h, "notify"), token)
}

func (c *Core) notifyAll(t *Task, token WakeupToken) int {
	n := 0
	for t.waiters.Len() > 0 {
		w := heap.Pop(&t.waiters).(waiter)
		wt, ok := c.lookup(w.handle)
		if !ok || !wt.DependsOn(t.handle) {
			continue
		}
		c.release(wt, t.handle, token)
		n++
	}
	return n
}

// NotifyFilter visits the waiters of h in wake order and wakes those fn
// selects. It returns how many were woken.
func (c *Core) NotifyFilter(h Handle, fn func(waiter Handle) FilterResult, token WakeupToken) int {
	t := c.mustTask(h, "notify")

	var kept waiterHeap
	n := 0
	stopped := false
	for t.waiters.Len() > 0 {
		w := heap.Pop(&t.waiters).(waiter)
		wt, ok := c.lookup(w.handle)
		if !ok || !wt.DependsOn(h) {
			continue
		}
		if stopped {
			kept = append(kept, w)
			continue
		}
		switch fn(w.handle) {
		case FilterNotify:
			c.release(wt, h, token)
			n++
		case FilterSkip:
			kept = append(kept, w)
		case FilterStop:
			kept = append(kept, w)
			stopped = true
		}
	}
	t.waiters = kept
	heap.Init(&t.waiters)
	return n
}

// RequestBlock asks for the running task h to be blocked when its next
// MsgBlock is processed.
func (c *Core) RequestBlock(h Handle) error {
	t, ok := c.lookup(h)
	if !ok {
		return fmt.Errorf("block %s: %w", h, errs.ErrNotFound)
	}
	if t.run != RunRunning {
		return fmt.Errorf("block %q: run status %s: %w", t.Label, t.run, errs.ErrInvalidState)
	}
	t.request = RequestBlock
	return nil
}

// UnblockTask makes a blocked task runnable again. If the block was
// requested but not yet applied, the request is withdrawn instead.
func (c *Core) UnblockTask(h Handle) error {
	t, ok := c.lookup(h)
	if !ok {
		return fmt.Errorf("unblock %s: %w", h, errs.ErrNotFound)
	}
	switch {
	case t.status == StatusBlocked:
		c.makeRunnable(t)
	case t.request == RequestBlock:
		t.request = RequestNone
	default:
		return fmt.Errorf("unblock %q: status %s: %w", t.Label, t.status, errs.ErrInvalidState)
	}
	return nil
}

// Cancel aborts a task that was never dispatched. It returns false when
// the task is unknown, a pseudo task, or has already started.
func (c *Core) Cancel(h Handle) bool {
	t, ok := c.lookup(h)
	if !ok || t.pseudo || t.run != RunIdle {
		return false
	}
	t.request = RequestAbort
	c.finish(t, StatusAborted, nil)
	return true
}

// ProcessMessage applies a worker message to the scheduled task h and
// reports whether the task reached a terminal status.
func (c *Core) ProcessMessage(h Handle, msg Message) bool {
	t := c.mustTask(h, "process "+msg.Kind.String())
	if t.status != StatusScheduled {
		errs.Invariant(errs.ErrInvalidState, "message %s for task %q in status %s", msg.Kind, t.Label, t.status)
	}
	t.status = StatusProcessing

	switch msg.Kind {
	case MsgWaitUntil:
		t.resumeAt = msg.At
		t.status = StatusRunnable
		c.push(t)
		c.wake()
	case MsgWait:
		c.makeRunnable(t)
	case MsgBlock:
		if t.request == RequestBlock {
			t.request = RequestNone
			t.status = StatusBlocked
		} else {
			c.makeRunnable(t)
		}
	case MsgComplete:
		c.finish(t, StatusFinished, nil)
	case MsgAbort:
		c.finish(t, StatusAborted, msg.Payload)
	default:
		errs.Invariant(errs.ErrInvalidArgument, "unknown message kind %d", msg.Kind)
	}
	return t.status.Terminal()
}

// finish stores the payload, then wakes every waiter, then frees the slot.
func (c *Core) finish(t *Task, status ScheduleStatus, payload any) {
	t.payload = payload
	t.status = status
	t.request = RequestNone

	for d := range t.deps {
		if dt, ok := c.lookup(d); ok {
			dt.waiters.remove(t.handle)
		}
	}
	clear(t.deps)

	woken := c.notifyAll(t, WakeNone)

	if t.slot != nil {
		if err := c.stacks.Release(t.slot); err != nil {
			errs.Invariant(errs.ErrInvalidState, "release slot of %q: %v", t.Label, err)
		}
		t.slot = nil
		c.wake()
	}
	t.run = RunCompleted

	if status == StatusAborted {
		c.aborted++
	} else {
		c.finished++
	}
	c.log.Trace().Str("task", t.Label).Stringer("status", status).Int("woken", woken).Msg("task done")
}

// ScheduleTasks pops every runnable task, assigns it a stack slot and marks
// it Scheduled. Tasks sleeping past now and tasks whose stack class is
// exhausted stay queued. next is the earliest time a new pass can make
// progress, zero if only a signal can.
func (c *Core) ScheduleTasks(now time.Time) (dispatched []*Task, next time.Time) {
	var deferred []*Task
	exhausted := false

	for c.ready.Len() > 0 {
		t := heap.Pop(&c.ready).(*Task)
		t.inQueue = false
		if !t.registered || t.status != StatusRunnable {
			continue
		}
		if t.resumeAt.After(now) {
			deferred = append(deferred, t)
			next = earliest(next, t.resumeAt)
			continue
		}
		if t.slot == nil {
			slot, err := c.stacks.Acquire(t.StackSize)
			if err != nil {
				exhausted = true
				deferred = append(deferred, t)
				c.warn.Warn(t.StackSize).Err(err).Str("task", t.Label).Msg("stack pool exhausted, task re-queued")
				continue
			}
			t.slot = slot
			c.retry.Reset()
		}

		t.status = StatusScheduled
		t.run = RunRunning
		t.resumeAt = time.Time{}
		dispatched = append(dispatched, t)
	}

	for _, t := range deferred {
		c.push(t)
	}
	if exhausted {
		next = earliest(next, now.Add(c.retry.NextBackOff()))
	}
	return dispatched, next
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() || b.Before(a) {
		return b
	}
	return a
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Registered int
	Pseudo     int
	Queued     int
	ByStatus   map[ScheduleStatus]int
	Finished   uint64
	Aborted    uint64
}

// Stats counts registered tasks by status.
func (c *Core) Stats() Stats {
	s := Stats{
		Queued:   c.ready.Len(),
		ByStatus: make(map[ScheduleStatus]int),
		Finished: c.finished,
		Aborted:  c.aborted,
	}
	for _, e := range c.handles.entries {
		if e.task == nil {
			continue
		}
		if e.task.pseudo {
			s.Pseudo++
			continue
		}
		s.Registered++
		s.ByStatus[e.task.status]++
	}
	return s
}
