package worker

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/aristath/taskrt/internal/abi"
	"github.com/aristath/taskrt/internal/cmdbuf"
	"github.com/aristath/taskrt/internal/errs"
	"github.com/aristath/taskrt/internal/events"
	"github.com/aristath/taskrt/internal/scheduler"
)

type messageKind int

const (
	msgSubmit messageKind = iota
	msgRequest
	msgResolved
	msgStats
	msgClose
)

// message is an event loop inbox entry.
type message struct {
	kind   messageKind
	state  *cmdbuf.State     // msgSubmit
	tc     *taskCtx          // msgRequest
	req    request           // msgRequest
	buffer *abi.BufferHandle // msgResolved
	reply  chan<- Stats      // msgStats
}

// loop is the event loop. It owns every buffer state and is the only
// goroutine that registers or retires tasks.
func (g *Group) loop(ctx context.Context) error {
	timer := time.NewTimer(g.tick)
	defer timer.Stop()

	var statsC <-chan time.Time
	if g.statsInterval > 0 {
		ticker := time.NewTicker(g.statsInterval)
		defer ticker.Stop()
		statsC = ticker.C
	}

	for {
		select {
		case m := <-g.inbox:
			g.dispatch(m)
		drain:
			for {
				select {
				case m := <-g.inbox:
					g.dispatch(m)
				default:
					break drain
				}
			}
		case <-g.sched.Signal():
		case <-timer.C:
		case <-statsC:
			g.publishStats()
		case <-ctx.Done():
			if len(g.buffers) > 0 {
				g.log.Warn().Int("buffers", len(g.buffers)).Msg("worker group cancelled with live buffers")
			}
			return nil
		}

		g.drainReprocess()
		next := g.schedule()

		if g.closing && len(g.buffers) == 0 {
			g.log.Info().Msg("worker group drained")
			return nil
		}

		wait := g.tick
		if !next.IsZero() {
			if d := time.Until(next); d < wait {
				wait = max(d, 0)
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
	}
}

func (g *Group) dispatch(m message) {
	switch m.kind {
	case msgSubmit:
		g.submit(m.state)
	case msgRequest:
		g.onRequest(m.tc, m.req)
	case msgResolved:
		waiters := g.foreign[m.buffer]
		delete(g.foreign, m.buffer)
		for _, w := range waiters {
			g.wake(w)
		}
	case msgStats:
		m.reply <- g.snapshot()
	case msgClose:
		g.closing = true
		g.log.Debug().Int("buffers", len(g.buffers)).Msg("closing")
	default:
		errs.Invariant(errs.ErrInvalidArgument, "unknown message kind %d", m.kind)
	}
}

// env describes the group to buffer states.
func (g *Group) env() cmdbuf.Env {
	return cmdbuf.Env{
		Group:   g.id,
		Workers: len(g.workers),
		HasStack: func(size uint64) bool {
			_, err := g.stacks.AllocatorFor(size)
			return err == nil
		},
		Cancel: g.cancelTask,
	}
}

func (g *Group) submit(st *cmdbuf.State) {
	id := st.Handle().ID()
	e := &bufferEntry{state: st, submitted: time.Now()}
	g.buffers[id] = e
	g.publish(events.BufferSubmittedEvent{
		Group:     g.id,
		Buffer:    id,
		Label:     st.Label(),
		Commands:  st.Snapshot().Total,
		Timestamp: e.submitted,
	})
	g.process(e)
}

// process advances a buffer until it has to wait.
func (g *Group) process(e *bufferEntry) {
	if e.finished {
		return
	}
	env := g.env()
	r := e.state.Process(env)
	for {
		switch r.Kind {
		case cmdbuf.ResultSpawn:
			if err := g.spawn(e, r); err != nil {
				r = e.state.SpawnFailed(r.Index, r.Spawn, env, err)
				continue
			}
		case cmdbuf.ResultWaitBuffer:
			g.await(r.Buffer, cmdbuf.Waiter{Buffer: e.state.Handle()})
			return
		case cmdbuf.ResultWaiting:
			return
		case cmdbuf.ResultDone:
			g.finishBuffer(e, r.Aborted)
			return
		}
		r = e.state.Process(env)
	}
}

// spawn registers one task of a buffer.
func (g *Group) spawn(e *bufferEntry, r cmdbuf.Result) error {
	spec := r.Spawn
	t := scheduler.NewTask(spec.Label, spec.Priority)
	t.Worker = r.Worker
	t.StackSize = r.StackSize

	var (
		h   scheduler.Handle
		err error
	)
	g.sched.Enter(func(c *scheduler.Core) {
		h, err = c.RegisterTask(t, nil)
	})
	if err != nil {
		return fmt.Errorf("spawn %q: %w", spec.Label, err)
	}

	tc := newTaskCtx(g, t, spec, e.state.Handle(), r.Index)
	tc.spawnedAt = time.Now()
	g.tasks[h] = tc
	e.handles = append(e.handles, h)
	e.spawned++
	e.state.TaskSpawned(h, r.Index, r.Worker, spec)

	g.publish(events.TaskSpawnedEvent{
		Group:     g.id,
		Buffer:    e.state.Handle().ID(),
		Task:      h.String(),
		Label:     spec.Label,
		Priority:  spec.Priority,
		Worker:    r.Worker,
		StackSize: r.StackSize,
		Timestamp: tc.spawnedAt,
	})
	return nil
}

// cancelTask aborts a task that never ran. It is called by buffer states
// while they abort.
func (g *Group) cancelTask(h scheduler.Handle) bool {
	tc, ok := g.tasks[h]
	if !ok {
		return false
	}
	var cancelled bool
	g.sched.Enter(func(c *scheduler.Core) {
		cancelled = c.Cancel(h)
	})
	if !cancelled {
		return false
	}
	delete(g.tasks, h)
	g.aborted++
	g.publishFinished(tc, true, nil)
	return true
}

// onRequest applies the request a suspended task forwarded from its worker.
func (g *Group) onRequest(tc *taskCtx, req request) {
	var msg scheduler.Message
	switch req.kind {
	case reqWaitUntil:
		msg = scheduler.Message{Kind: scheduler.MsgWaitUntil, At: req.at}
	case reqWait:
		msg = scheduler.Message{Kind: scheduler.MsgWait}
	case reqBlock:
		msg = scheduler.Message{Kind: scheduler.MsgBlock}
	case reqWaitBuffer:
		g.waitBuffer(tc, req.buffer)
		return
	case reqComplete:
		msg = scheduler.Message{Kind: scheduler.MsgComplete}
	case reqAbort:
		msg = scheduler.Message{Kind: scheduler.MsgAbort, Payload: req.payload}
	default:
		errs.Invariant(errs.ErrInvalidArgument, "task %q forwarded %s", tc.spec.Label, req.kind)
	}

	var terminal bool
	g.sched.Enter(func(c *scheduler.Core) {
		terminal = c.ProcessMessage(tc.handle, msg)
	})
	if terminal {
		g.taskDone(tc, req.kind == reqAbort, req.payload)
	}
}

// waitBuffer blocks tc until buffer resolves.
func (g *Group) waitBuffer(tc *taskCtx, buffer *abi.BufferHandle) {
	if done, _ := buffer.Completed(); done {
		g.sched.Enter(func(c *scheduler.Core) {
			c.ProcessMessage(tc.handle, scheduler.Message{Kind: scheduler.MsgWait})
		})
		return
	}
	g.sched.Enter(func(c *scheduler.Core) {
		if err := c.RequestBlock(tc.handle); err != nil {
			errs.Invariant(errs.ErrInvalidState, "task %q: %v", tc.spec.Label, err)
		}
		c.ProcessMessage(tc.handle, scheduler.Message{Kind: scheduler.MsgBlock})
	})
	g.await(buffer, cmdbuf.Waiter{Task: tc.handle})
}

// await queues w until buffer resolves. Buffers of this group notify their
// waiters when they finish; anything else is watched from a goroutine.
func (g *Group) await(buffer *abi.BufferHandle, w cmdbuf.Waiter) {
	if e, ok := g.buffers[buffer.ID()]; ok && e.state.Handle() == buffer {
		e.state.AddWaiter(w)
		return
	}
	waiters, watched := g.foreign[buffer]
	g.foreign[buffer] = append(waiters, w)
	if watched {
		return
	}
	go func() {
		select {
		case <-buffer.Done():
			g.send(message{kind: msgResolved, buffer: buffer})
		case <-g.stopped:
		}
	}()
}

// wake resumes a waiter of a resolved buffer.
func (g *Group) wake(w cmdbuf.Waiter) {
	if w.Buffer != nil {
		g.reprocess = append(g.reprocess, w.Buffer.ID())
		return
	}
	var err error
	g.sched.Enter(func(c *scheduler.Core) {
		err = c.UnblockTask(w.Task)
	})
	if err != nil {
		g.log.Error().Err(err).Stringer("task", w.Task).Msg("waking buffer waiter")
	}
}

func (g *Group) drainReprocess() {
	for len(g.reprocess) > 0 {
		id := g.reprocess[0]
		g.reprocess = g.reprocess[1:]
		if e, ok := g.buffers[id]; ok {
			g.process(e)
		}
	}
}

// taskDone retires a finished task from its buffer.
func (g *Group) taskDone(tc *taskCtx, aborted bool, payload any) {
	delete(g.tasks, tc.handle)
	if aborted {
		g.aborted++
	} else {
		g.finished++
	}
	g.publishFinished(tc, aborted, payload)

	e, ok := g.buffers[tc.buffer.ID()]
	if !ok {
		errs.Invariant(errs.ErrNotFound, "task %q finished after its buffer %s", tc.spec.Label, tc.buffer)
	}
	e.state.TaskFinished(tc.handle, aborted, g.env())
	g.process(e)
}

// finishBuffer retires a buffer whose tasks have all finished.
func (g *Group) finishBuffer(e *bufferEntry, aborted bool) {
	if e.finished {
		return
	}
	e.finished = true

	for _, w := range e.state.TakeWaiters() {
		g.wake(w)
	}
	g.sched.Enter(func(c *scheduler.Core) {
		for _, h := range e.handles {
			if err := c.UnregisterTask(h); err != nil {
				g.log.Error().Err(err).Stringer("task", h).Msg("unregistering finished task")
			}
		}
	})

	id := e.state.Handle().ID()
	delete(g.buffers, id)
	g.log.Debug().Str("buffer", e.state.Handle().String()).Bool("aborted", aborted).Msg("buffer finished")
	g.publish(events.BufferCompletedEvent{
		Group:     g.id,
		Buffer:    id,
		Label:     e.state.Label(),
		Aborted:   aborted,
		Spawned:   e.spawned,
		Duration:  time.Since(e.submitted),
		Timestamp: time.Now(),
	})
}

// schedule hands every runnable task to a worker and returns the earliest
// time a later pass can make progress.
func (g *Group) schedule() time.Time {
	var (
		jobs []*job
		next time.Time
	)
	g.sched.Enter(func(c *scheduler.Core) {
		var tasks []*scheduler.Task
		tasks, next = c.ScheduleTasks(time.Now())
		for _, t := range tasks {
			tc, ok := g.tasks[t.Handle()]
			if !ok {
				errs.Invariant(errs.ErrNotFound, "scheduled task %q has no context", t.Label)
			}
			tc.slot = t.Slot()
			jobs = append(jobs, &job{tc: tc, resp: response{token: t.Token()}})
		}
	})

	for _, j := range jobs {
		tc := j.tc
		if !tc.dispatched {
			tc.dispatched = true
			if e, ok := g.buffers[tc.buffer.ID()]; ok {
				e.state.TaskStarted(tc.handle)
			}
		}
		g.enqueue(j)
	}
	return next
}

func (g *Group) publishFinished(tc *taskCtx, aborted bool, payload any) {
	ev := events.TaskFinishedEvent{
		Group:     g.id,
		Buffer:    tc.buffer.ID(),
		Task:      tc.handle.String(),
		Label:     tc.spec.Label,
		Aborted:   aborted,
		Duration:  time.Since(tc.spawnedAt),
		Timestamp: time.Now(),
	}
	if payload != nil {
		ev.Panic = fmt.Sprint(payload)
	}
	g.publish(ev)
}

func (g *Group) snapshot() Stats {
	s := Stats{
		ID:       g.id,
		Name:     g.name,
		Injector: g.injector.len(),
		Stacks:   g.stacks.Stats(),
	}
	for _, w := range g.workers {
		s.Workers = append(s.Workers, w.stats())
	}
	g.sched.Enter(func(c *scheduler.Core) {
		s.Scheduler = c.Stats()
	})
	for _, e := range g.buffers {
		s.Buffers = append(s.Buffers, e.state.Snapshot())
	}
	sortSnapshots(s.Buffers)
	return s
}

// publishStats emits a GroupStats event and a StackExhausted event for
// every size class that ran dry since the previous sample.
func (g *Group) publishStats() {
	if g.bus == nil {
		return
	}
	s := g.snapshot()
	now := time.Now()
	ev := events.GroupStatsEvent{
		Group:     g.id,
		Name:      g.name,
		Workers:   len(s.Workers),
		Runnable:  s.Scheduler.ByStatus[scheduler.StatusRunnable],
		Waiting:   s.Scheduler.ByStatus[scheduler.StatusWaiting],
		Blocked:   s.Scheduler.ByStatus[scheduler.StatusBlocked],
		Running:   s.Scheduler.ByStatus[scheduler.StatusScheduled] + s.Scheduler.ByStatus[scheduler.StatusProcessing],
		Finished:  s.Scheduler.Finished,
		Aborted:   s.Scheduler.Aborted,
		Buffers:   len(s.Buffers),
		Dropped:   g.bus.Dropped(),
		Timestamp: now,
	}
	for _, a := range s.Stacks {
		ev.Stacks = append(ev.Stacks, events.StackStats{
			Size:      a.Size,
			Free:      a.Free,
			InUse:     a.InUse,
			Max:       a.MaxResidency,
			Exhausted: a.Exhausted,
		})
		if d := a.Exhausted - g.exhausted[a.Size]; d > 0 {
			g.publish(events.StackExhaustedEvent{
				Group:     g.id,
				Size:      a.Size,
				Count:     d,
				Timestamp: now,
			})
		}
		g.exhausted[a.Size] = a.Exhausted
	}
	for _, b := range s.Buffers {
		ev.BufferRows = append(ev.BufferRows, events.BufferProgress{
			ID:       b.ID,
			Label:    b.Label,
			Next:     b.Next,
			Total:    b.Total,
			Enqueued: b.Enqueued,
			Waiting:  b.Waiting,
		})
	}
	g.publish(ev)
}

func sortSnapshots(s []cmdbuf.Snapshot) {
	slices.SortFunc(s, func(a, b cmdbuf.Snapshot) int {
		if c := strings.Compare(a.Label, b.Label); c != 0 {
			return c
		}
		return bytes.Compare(a.ID[:], b.ID[:])
	})
}
