package cmdbuf

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/taskrt/internal/abi"
	"github.com/aristath/taskrt/internal/errs"
	"github.com/aristath/taskrt/internal/scheduler"
)

// Env is what a buffer needs to know about its worker group while it runs.
type Env struct {
	Group    uuid.UUID
	Workers  int
	HasStack func(size uint64) bool        // Whether a stack of size can be served
	Cancel   func(h scheduler.Handle) bool // Aborts a task that has not started yet
}

// ResultKind tells the caller what to do after Process returns.
type ResultKind int

const (
	ResultWaiting    ResultKind = iota // Nothing to do until a task finishes or a buffer resolves
	ResultSpawn                        // Register Result.Spawn, then call Process again
	ResultWaitBuffer                   // Wake this buffer when Result.Buffer resolves, then call Process again
	ResultDone                         // The buffer is resolved and every task it spawned has finished
)

func (k ResultKind) String() string {
	switch k {
	case ResultWaiting:
		return "waiting"
	case ResultSpawn:
		return "spawn"
	case ResultWaitBuffer:
		return "wait-buffer"
	case ResultDone:
		return "done"
	}
	return "unknown"
}

// Result is the outcome of one Process call.
type Result struct {
	Kind      ResultKind
	Index     int                  // Command index of a spawn
	Spawn     *abi.SpawnDescriptor // Task to register
	Worker    int                  // Worker the task is bound to, or scheduler.AnyWorker
	StackSize uint64               // Stack size for the task, 0 for the default
	Buffer    *abi.BufferHandle    // Buffer to wait for
	Aborted   bool                 // Set with ResultDone
}

type waitReason int

const (
	waitNone waitReason = iota
	waitBarrier
	waitBuffer
)

func (r waitReason) String() string {
	switch r {
	case waitBarrier:
		return "barrier"
	case waitBuffer:
		return "buffer"
	}
	return "none"
}

// Waiter is a task or a buffer waiting for a buffer to resolve.
type Waiter struct {
	Task   scheduler.Handle  // Set for a waiting task
	Buffer *abi.BufferHandle // Set for a waiting buffer
}

type spawned struct {
	index   int
	worker  int
	spec    *abi.SpawnDescriptor
	started bool
}

// State is the progress of one submitted buffer. It is owned by the event
// loop of the worker group that runs it and is not safe for concurrent use.
type State struct {
	desc   abi.BufferDescriptor
	handle *abi.BufferHandle
	cmds   []Command
	next   int

	enqueued     int
	reason       waitReason
	awaited      *abi.BufferHandle
	awaitedIndex int
	tasks        map[scheduler.Handle]*spawned
	waiters      []Waiter

	worker    int
	stackSize uint64
	finalized bool
	log       zerolog.Logger
}

// New decodes desc into a runnable state resolving handle.
func New(handle *abi.BufferHandle, desc abi.BufferDescriptor, log zerolog.Logger) *State {
	return &State{
		desc:   desc,
		handle: handle,
		cmds:   Decode(desc.Entries),
		tasks:  make(map[scheduler.Handle]*spawned),
		worker: scheduler.AnyWorker,
		log:    log.With().Str("buffer", handle.String()).Logger(),
	}
}

// Handle returns the completion handle of the buffer.
func (s *State) Handle() *abi.BufferHandle { return s.handle }

// Label returns the buffer label.
func (s *State) Label() string { return s.desc.Label }

// Enqueued returns how many spawned tasks have not finished.
func (s *State) Enqueued() int { return s.enqueued }

// TaskSpawned records that the spawn at index was registered as h.
func (s *State) TaskSpawned(h scheduler.Handle, index int, worker int, spec *abi.SpawnDescriptor) {
	if _, ok := s.tasks[h]; ok {
		errs.Invariant(errs.ErrAlreadyExists, "buffer %s: task %s spawned twice", s.handle, h)
	}
	s.tasks[h] = &spawned{index: index, worker: worker, spec: spec}
}

// SpawnFailed gives back the enqueue count of a spawn that could not be
// registered and aborts the buffer at its index.
func (s *State) SpawnFailed(index int, spec *abi.SpawnDescriptor, env Env, cause error) Result {
	s.enqueued--
	spec.OnAbort.Invoke()
	spec.OnCleanup.Invoke()
	s.log.Error().Err(cause).Int("index", index).Str("task", spec.Label).Msg("spawn failed")
	return s.abort(index, env)
}

// TaskStarted marks h as dispatched. A started task can no longer be
// cancelled by an abort of the buffer.
func (s *State) TaskStarted(h scheduler.Handle) {
	if t, ok := s.tasks[h]; ok {
		t.started = true
	}
}

// Owns reports whether h was spawned by this buffer and has not finished.
func (s *State) Owns(h scheduler.Handle) bool {
	_, ok := s.tasks[h]
	return ok
}

// TaskFinished records the end of h. An aborted task aborts the buffer.
func (s *State) TaskFinished(h scheduler.Handle, aborted bool, env Env) {
	t, ok := s.tasks[h]
	if !ok {
		errs.Invariant(errs.ErrNotFound, "buffer %s: unknown task %s finished", s.handle, h)
	}
	delete(s.tasks, h)
	s.enqueued--
	if aborted {
		s.abort(t.index, env)
	}
}

// AddWaiter queues w until the buffer resolves.
func (s *State) AddWaiter(w Waiter) {
	s.waiters = append(s.waiters, w)
}

// TakeWaiters returns and clears the waiters. Only valid once Process has
// returned ResultDone.
func (s *State) TakeWaiters() []Waiter {
	if !s.finalized {
		errs.Invariant(errs.ErrInvalidState, "buffer %s: waiters taken before completion", s.handle)
	}
	w := s.waiters
	s.waiters = nil
	return w
}

// Process advances the buffer as far as it can. It is called once after
// submission and again whenever a spawned task finishes, a barrier may have
// cleared or an awaited buffer resolved. Once the buffer is done every call
// returns the same ResultDone.
func (s *State) Process(env Env) Result {
	if done, _ := s.handle.Completed(); done {
		return s.settle()
	}

	switch s.reason {
	case waitBarrier:
		if s.enqueued != 0 {
			return Result{Kind: ResultWaiting}
		}
		s.reason = waitNone
	case waitBuffer:
		done, aborted := s.awaited.Completed()
		if !done {
			return Result{Kind: ResultWaiting}
		}
		idx := s.awaitedIndex
		s.reason, s.awaited = waitNone, nil
		if aborted {
			return s.abortf(idx, env, "awaited buffer aborted")
		}
	}

	for s.next < len(s.cmds) {
		idx := s.next
		cmd := s.cmds[idx]
		s.next++

		switch cmd.Kind {
		case SpawnTask:
			s.enqueued++
			return Result{
				Kind:      ResultSpawn,
				Index:     idx,
				Spawn:     cmd.Spawn,
				Worker:    s.worker,
				StackSize: s.stackSize,
			}
		case WaitBarrier:
			if s.enqueued != 0 {
				s.reason = waitBarrier
				return Result{Kind: ResultWaiting}
			}
		case WaitCommandBuffer:
			if err := s.checkCommandBuffer(cmd.Buffer, env); err != nil {
				return s.abortf(idx, env, "%v", err)
			}
			done, aborted := cmd.Buffer.Completed()
			if !done {
				s.reason = waitBuffer
				s.awaited = cmd.Buffer
				s.awaitedIndex = idx
				return Result{Kind: ResultWaitBuffer, Buffer: cmd.Buffer}
			}
			if aborted {
				return s.abortf(idx, env, "awaited buffer %s aborted", cmd.Buffer)
			}
		case SetWorker:
			if err := checkWorker(cmd.Worker, env); err != nil {
				return s.abortf(idx, env, "%v", err)
			}
			s.worker = cmd.Worker
		case EnableAllWorkers:
			s.worker = scheduler.AnyWorker
		case SetStackSize:
			if err := checkStackSize(cmd.StackSize, env); err != nil {
				return s.abortf(idx, env, "%v", err)
			}
			s.stackSize = cmd.StackSize
		default:
			return s.abortf(idx, env, "unknown command")
		}
	}

	if s.enqueued != 0 {
		return Result{Kind: ResultWaiting}
	}
	s.desc.OnComplete.Invoke()
	s.resolve(false)
	return s.settle()
}

func (s *State) checkCommandBuffer(h *abi.BufferHandle, env Env) error {
	if h == s.handle || h.ID() == s.handle.ID() {
		return fmt.Errorf("buffer waits on itself: %w", errs.ErrSelfWait)
	}
	if h.Group() != env.Group {
		return fmt.Errorf("buffer %s belongs to another worker group: %w", h, errs.ErrInvalidArgument)
	}
	return nil
}

func checkWorker(id int, env Env) error {
	if id < 0 || id >= env.Workers {
		return fmt.Errorf("worker %d does not exist: %w", id, errs.ErrNotFound)
	}
	return nil
}

func checkStackSize(size uint64, env Env) error {
	if size == 0 || env.HasStack == nil || env.HasStack(size) {
		return nil
	}
	return fmt.Errorf("no stack class holds %d bytes: %w", size, errs.ErrNotFound)
}

func (s *State) abortf(index int, env Env, format string, args ...any) Result {
	s.log.Error().Int("index", index).Msgf("aborting: "+format, args...)
	return s.abort(index, env)
}

// abort cancels every task that has not started, drops the rest of the
// script and resolves the handle as aborted. Tasks already running finish
// normally and keep the buffer alive until they do.
func (s *State) abort(index int, env Env) Result {
	if done, _ := s.handle.Completed(); done {
		return s.settle()
	}

	var pending []scheduler.Handle
	for h, t := range s.tasks {
		if !t.started {
			pending = append(pending, h)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return s.tasks[pending[i]].index < s.tasks[pending[j]].index
	})
	for _, h := range pending {
		t := s.tasks[h]
		if env.Cancel == nil || !env.Cancel(h) {
			t.started = true
			continue
		}
		delete(s.tasks, h)
		s.enqueued--
		t.spec.OnAbort.Invoke()
		t.spec.OnCleanup.Invoke()
	}

	for s.next < len(s.cmds) {
		cmd := s.cmds[s.next]
		s.next++
		if cmd.Kind == SpawnTask {
			cmd.Spawn.OnAbort.Invoke()
			cmd.Spawn.OnCleanup.Invoke()
		}
	}

	s.reason, s.awaited = waitNone, nil
	s.desc.OnAbort.Invoke(index)
	s.resolve(true)
	return s.settle()
}

func (s *State) resolve(aborted bool) {
	if err := s.handle.MarkCompleted(aborted); err != nil {
		errs.Invariant(errs.ErrInvalidState, "buffer %s: %v", s.handle, err)
	}
}

// settle reports a resolved buffer. OnCleanup runs the first time nothing
// is left running.
func (s *State) settle() Result {
	if s.enqueued != 0 {
		return Result{Kind: ResultWaiting}
	}
	_, aborted := s.handle.Completed()
	if !s.finalized {
		s.finalized = true
		s.desc.OnCleanup.Invoke()
	}
	return Result{Kind: ResultDone, Aborted: aborted}
}

// Snapshot is a read-only view of a buffer for monitoring.
type Snapshot struct {
	ID       uuid.UUID
	Label    string
	Next     int
	Total    int
	Enqueued int
	Blocked  int
	Waiting  string
	Done     bool
	Aborted  bool
}

// Snapshot returns the current progress of the buffer.
func (s *State) Snapshot() Snapshot {
	blocked := 0
	for _, t := range s.tasks {
		if !t.started {
			blocked++
		}
	}
	done, aborted := s.handle.Completed()
	return Snapshot{
		ID:       s.handle.ID(),
		Label:    s.desc.Label,
		Next:     s.next,
		Total:    len(s.cmds),
		Enqueued: s.enqueued,
		Blocked:  blocked,
		Waiting:  s.reason.String(),
		Done:     done,
		Aborted:  aborted,
	}
}
