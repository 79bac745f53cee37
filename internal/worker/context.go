package worker

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/taskrt/internal/abi"
	"github.com/aristath/taskrt/internal/scheduler"
	"github.com/aristath/taskrt/internal/stack"
)

// requestKind is the reason a task handed control back to its worker.
type requestKind int

const (
	reqYield requestKind = iota
	reqWaitUntil
	reqWait
	reqBlock
	reqWaitBuffer
	reqComplete
	reqAbort
)

func (k requestKind) String() string {
	switch k {
	case reqYield:
		return "yield"
	case reqWaitUntil:
		return "wait-until"
	case reqWait:
		return "wait"
	case reqBlock:
		return "block"
	case reqWaitBuffer:
		return "wait-buffer"
	case reqComplete:
		return "complete"
	case reqAbort:
		return "abort"
	}
	return "unknown"
}

// request is sent by a suspending task to the worker running it.
type request struct {
	kind    requestKind
	at      time.Time         // reqWaitUntil
	buffer  *abi.BufferHandle // reqWaitBuffer
	payload any               // reqAbort, nil for Runtime.Abort
}

// response is delivered to a task when it resumes.
type response struct {
	token scheduler.WakeupToken
}

// job is one queue entry: a task to start or resume.
type job struct {
	tc   *taskCtx
	resp response
}

// abortSignal unwinds a task body from Runtime.Abort.
type abortSignal struct{}

// errTaskExited is the abort payload of a body that left through
// runtime.Goexit.
var errTaskExited = errors.New("task body exited without returning")

// taskCtx is the execution context of one task. It implements abi.Runtime
// for the task body and carries the task between its worker and the
// event loop.
type taskCtx struct {
	group  *Group
	task   *scheduler.Task
	handle scheduler.Handle
	spec   *abi.SpawnDescriptor
	buffer *abi.BufferHandle
	index  int
	log    zerolog.Logger

	// Set by the event loop before the first dispatch.
	slot       *stack.Slot
	dispatched bool
	spawnedAt  time.Time

	// Owned by whichever worker currently runs the task.
	started bool
	worker  int

	resume   chan response
	requests chan request

	locals abi.Locals
}

func newTaskCtx(g *Group, task *scheduler.Task, spec *abi.SpawnDescriptor, buffer *abi.BufferHandle, index int) *taskCtx {
	return &taskCtx{
		group:    g,
		task:     task,
		handle:   task.Handle(),
		spec:     spec,
		buffer:   buffer,
		index:    index,
		log:      g.log.With().Str("task", spec.Label).Stringer("handle", task.Handle()).Logger(),
		worker:   -1,
		resume:   make(chan response, 1),
		requests: make(chan request, 1),
	}
}

// run is the body wrapper executed on the task's carrier. Its last act is
// to report completion or abort to the worker.
func (tc *taskCtx) run() {
	req := request{kind: reqAbort, payload: errTaskExited}
	defer func() {
		if r := recover(); r != nil {
			req = abortRequest(r)
		}
		if r := tc.locals.Release(); r != nil && req.kind == reqComplete {
			req = abortRequest(r)
		}
		tc.requests <- req
	}()
	tc.spec.Entry.Invoke(tc)
	req = request{kind: reqComplete}
}

// abortRequest turns a recovered panic into an abort request. Runtime.Abort
// carries no payload.
func abortRequest(r any) request {
	req := request{kind: reqAbort}
	if _, ok := r.(abortSignal); !ok {
		req.payload = r
	}
	return req
}

// suspend hands req to the worker and parks until the task is resumed.
func (tc *taskCtx) suspend(req request) response {
	tc.requests <- req
	return <-tc.resume
}

func (tc *taskCtx) Self() scheduler.Handle { return tc.handle }

func (tc *taskCtx) Worker() int { return tc.worker }

func (tc *taskCtx) Logger() zerolog.Logger { return tc.log }

func (tc *taskCtx) Yield() {
	tc.suspend(request{kind: reqYield})
}

func (tc *taskCtx) Sleep(d time.Duration) {
	tc.SleepUntil(time.Now().Add(d))
}

func (tc *taskCtx) SleepUntil(t time.Time) {
	tc.suspend(request{kind: reqWaitUntil, at: t})
}

func (tc *taskCtx) Wait() scheduler.WakeupToken {
	return tc.suspend(request{kind: reqWait}).token
}

func (tc *taskCtx) WaitOn(h scheduler.Handle) (scheduler.WakeupToken, error) {
	var (
		token scheduler.WakeupToken
		err   error
	)
	tc.EnterScheduler(func(c *scheduler.Core) {
		token, err = c.WaitTaskOn(tc.handle, h)
	})
	if err != nil || token.Kind == scheduler.TokenSkipped {
		return token, err
	}
	return tc.Wait(), nil
}

func (tc *taskCtx) Block() {
	var err error
	tc.EnterScheduler(func(c *scheduler.Core) {
		err = c.RequestBlock(tc.handle)
	})
	if err != nil {
		tc.log.Error().Err(err).Msg("block request rejected")
		return
	}
	tc.suspend(request{kind: reqBlock})
}

func (tc *taskCtx) Abort() {
	panic(abortSignal{})
}

func (tc *taskCtx) WaitCommandBuffer(h *abi.BufferHandle) bool {
	if done, aborted := h.Completed(); done {
		return aborted
	}
	tc.suspend(request{kind: reqWaitBuffer, buffer: h})
	_, aborted := h.Completed()
	return aborted
}

func (tc *taskCtx) EnterScheduler(fn func(c *scheduler.Core)) {
	tc.group.sched.Enter(fn)
}

func (tc *taskCtx) Tuning() abi.Tuning { return tc.group.tuning }

func (tc *taskCtx) Locals() *abi.Locals { return &tc.locals }
