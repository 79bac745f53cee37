package scheduler

import (
	"time"

	"github.com/aristath/taskrt/internal/stack"
)

// RunStatus tracks whether a task's body has started and finished.
type RunStatus int

const (
	RunIdle      RunStatus = iota // Never dispatched
	RunRunning                    // Body started, not finished
	RunCompleted                  // Body returned or unwound
)

func (s RunStatus) String() string {
	switch s {
	case RunIdle:
		return "idle"
	case RunRunning:
		return "running"
	case RunCompleted:
		return "completed"
	}
	return "unknown"
}

// ScheduleStatus is the scheduler's view of a task.
type ScheduleStatus int

const (
	StatusRunnable   ScheduleStatus = iota // Eligible for the ready queue
	StatusWaiting                          // Has unresolved dependencies
	StatusBlocked                          // Suspended until UnblockTask
	StatusScheduled                        // Handed to a worker
	StatusProcessing                       // A worker message is being applied
	StatusAborted                          // Terminal: unwound or cancelled
	StatusFinished                         // Terminal: body returned
)

func (s ScheduleStatus) String() string {
	switch s {
	case StatusRunnable:
		return "runnable"
	case StatusWaiting:
		return "waiting"
	case StatusBlocked:
		return "blocked"
	case StatusScheduled:
		return "scheduled"
	case StatusProcessing:
		return "processing"
	case StatusAborted:
		return "aborted"
	case StatusFinished:
		return "finished"
	}
	return "unknown"
}

// Terminal reports whether the status is Aborted or Finished.
func (s ScheduleStatus) Terminal() bool {
	return s == StatusAborted || s == StatusFinished
}

// StatusRequest is a pending status change requested by the task itself.
type StatusRequest int

const (
	RequestNone StatusRequest = iota
	RequestBlock
	RequestAbort
)

// TokenKind discriminates wakeup tokens.
type TokenKind int

const (
	TokenNone    TokenKind = iota // Plain wakeup
	TokenCustom                   // Value carries a notifier-defined payload
	TokenSkipped                  // The wait never happened
)

// WakeupToken is passed from a notifier to the task it wakes.
type WakeupToken struct {
	Kind  TokenKind
	Value uintptr
}

// Common tokens.
var (
	WakeNone    = WakeupToken{Kind: TokenNone}
	WakeSkipped = WakeupToken{Kind: TokenSkipped}
)

// AnyWorker lets a task run on any worker of its group.
const AnyWorker = -1

// Task is the scheduler's record of a schedulable unit. Exported fields are
// set before registration and read-only afterwards; everything else is owned
// by the Core and must only be read inside Scheduler.Enter.
type Task struct {
	Label     string
	Priority  int    // Higher runs first
	Worker    int    // Worker affinity, AnyWorker for none
	StackSize uint64 // 0 selects the group's default stack

	handle     Handle
	registered bool
	pseudo     bool
	key        any
	seq        uint64

	run      RunStatus
	status   ScheduleStatus
	request  StatusRequest
	deps     map[Handle]struct{}
	waiters  waiterHeap
	resumeAt time.Time
	slot     *stack.Slot
	payload  any
	token    WakeupToken
	inQueue  bool

	waitOn  Handle // Target of the last wait
	waitSeq uint64 // Sequence of that wait
}

// NewTask returns an unregistered task that may run on any worker.
func NewTask(label string, priority int) *Task {
	return &Task{Label: label, Priority: priority, Worker: AnyWorker}
}

func (t *Task) Handle() Handle         { return t.handle }
func (t *Task) RunStatus() RunStatus   { return t.run }
func (t *Task) Status() ScheduleStatus { return t.status }
func (t *Task) Request() StatusRequest { return t.request }
func (t *Task) ResumeAt() time.Time    { return t.resumeAt }
func (t *Task) Slot() *stack.Slot      { return t.slot }
func (t *Task) PanicPayload() any      { return t.payload }
func (t *Task) Token() WakeupToken     { return t.token }
func (t *Task) IsPseudo() bool         { return t.pseudo }
func (t *Task) WaiterCount() int       { return t.waiters.Len() }
func (t *Task) DependencyCount() int   { return len(t.deps) }

// DependsOn reports whether h is in the task's dependency set.
func (t *Task) DependsOn(h Handle) bool {
	_, ok := t.deps[h]
	return ok
}

// Dependencies returns the handles the task waits on, in no particular order.
func (t *Task) Dependencies() []Handle {
	out := make([]Handle, 0, len(t.deps))
	for h := range t.deps {
		out = append(out, h)
	}
	return out
}
