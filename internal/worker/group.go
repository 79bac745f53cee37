// Package worker runs tasks on a group of workers.
//
// A Group owns a scheduler, a stack manager, a fixed set of workers and an
// event loop goroutine. The event loop is the only writer of command buffer
// state: it accepts submitted buffers, registers the tasks they spawn,
// applies the requests suspended tasks forward to it and hands runnable
// tasks back to the workers.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskrt/internal/abi"
	"github.com/aristath/taskrt/internal/cmdbuf"
	"github.com/aristath/taskrt/internal/config"
	"github.com/aristath/taskrt/internal/errs"
	"github.com/aristath/taskrt/internal/events"
	"github.com/aristath/taskrt/internal/logging"
	"github.com/aristath/taskrt/internal/scheduler"
	"github.com/aristath/taskrt/internal/stack"
)

// Options configures a Group.
type Options struct {
	Group         config.WorkerGroupConfig
	Scheduler     config.SchedulerConfig
	Logger        zerolog.Logger
	Bus           *events.EventBus // Optional lifecycle event sink
	Registry      *Registry        // Optional; the group registers itself
	StatsInterval time.Duration    // Period of GroupStats events, 0 disables them
}

// Group is a running worker group.
type Group struct {
	id     uuid.UUID
	name   string
	cfg    config.WorkerGroupConfig
	tuning abi.Tuning
	tick   time.Duration
	log    zerolog.Logger
	bus    *events.EventBus
	reg    *Registry

	stacks   *stack.Manager
	sched    *scheduler.Scheduler
	workers  []*worker
	injector injector
	inbox    chan message

	// Owned by the event loop.
	buffers       map[uuid.UUID]*bufferEntry
	tasks         map[scheduler.Handle]*taskCtx
	foreign       map[*abi.BufferHandle][]cmdbuf.Waiter
	reprocess     []uuid.UUID
	closing       bool
	statsInterval time.Duration
	exhausted     map[uint64]uint64
	finished      uint64
	aborted       uint64

	mu      sync.Mutex
	closed  bool
	cancel  context.CancelFunc
	stopped chan struct{} // Closed when the event loop exits
	done    chan struct{} // Closed when every goroutine exited
	err     error
}

type bufferEntry struct {
	state     *cmdbuf.State
	handles   []scheduler.Handle
	submitted time.Time
	spawned   int
	finished  bool
}

// New builds a group and starts its workers and event loop. The group runs
// until Close is called or ctx ends.
func New(ctx context.Context, opts Options) (*Group, error) {
	cfg := opts.Group
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sc := opts.Scheduler
	if sc.Tick <= 0 {
		sc.Tick = 5 * time.Millisecond
	}
	if sc.InboxBufferSize <= 0 {
		sc.InboxBufferSize = 1024
	}

	stacks, err := stack.NewManager(cfg.Stacks, cfg.DefaultStack)
	if err != nil {
		return nil, fmt.Errorf("group %q: %w", cfg.Name, err)
	}

	workers := runtime.NumCPU()
	if cfg.Workers != nil {
		workers = *cfg.Workers
	}

	id := uuid.New()
	log := logging.Component(opts.Logger, "worker").With().
		Str("group", cfg.Name).
		Str("group_id", id.String()[:8]).
		Logger()

	g := &Group{
		id:   id,
		name: cfg.Name,
		cfg:  cfg,
		tuning: abi.Tuning{
			SpinLimit:      sc.SpinLimit,
			FairUnlockSpan: sc.FairUnlockSpan,
		},
		tick:   sc.Tick,
		log:    log,
		bus:    opts.Bus,
		reg:    opts.Registry,
		stacks: stacks,
		sched: scheduler.New(stacks, scheduler.Options{
			MaxTasks:       sc.MaxTasks,
			RetryInitial:   sc.RetryInitial,
			RetryMax:       sc.RetryMax,
			ValidateOnWait: sc.ValidateOnWait,
			Logger:         log,
		}),
		inbox:         make(chan message, sc.InboxBufferSize),
		buffers:       make(map[uuid.UUID]*bufferEntry),
		tasks:         make(map[scheduler.Handle]*taskCtx),
		foreign:       make(map[*abi.BufferHandle][]cmdbuf.Waiter),
		statsInterval: opts.StatsInterval,
		exhausted:     make(map[uint64]uint64),
		stopped:       make(chan struct{}),
		done:          make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		g.workers = append(g.workers, newWorker(i, g))
	}

	if g.reg != nil {
		if err := g.reg.add(g); err != nil {
			stacks.Close()
			return nil, err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	eg, egCtx := errgroup.WithContext(runCtx)
	for _, w := range g.workers {
		eg.Go(func() error { return w.run(egCtx) })
	}
	eg.Go(func() error {
		defer close(g.stopped)
		defer cancel()
		return g.loop(egCtx)
	})

	go func() {
		g.err = eg.Wait()
		stacks.Close()
		if g.reg != nil {
			g.reg.remove(g)
		}
		g.publish(events.GroupStoppedEvent{
			Group:     g.id,
			Name:      g.name,
			Finished:  g.finished,
			Aborted:   g.aborted,
			Timestamp: time.Now(),
		})
		close(g.done)
	}()

	g.publish(events.GroupStartedEvent{
		Group:     g.id,
		Name:      g.name,
		Workers:   workers,
		Stacks:    stacks.Sizes(),
		Timestamp: time.Now(),
	})
	log.Info().Int("workers", workers).Msg("worker group started")
	return g, nil
}

// ID returns the group id.
func (g *Group) ID() uuid.UUID { return g.id }

// Name returns the configured group name.
func (g *Group) Name() string { return g.name }

// Queryable reports whether the group is listed by its registry.
func (g *Group) Queryable() bool { return g.cfg.Queryable }

// Workers returns the number of workers.
func (g *Group) Workers() int { return len(g.workers) }

// StackSizes returns the stack classes of the group in ascending order.
func (g *Group) StackSizes() []uint64 { return g.stacks.Sizes() }

// DefaultStackSize returns the stack size used when a buffer sets none.
func (g *Group) DefaultStackSize() uint64 { return g.stacks.DefaultSize() }

// Done is closed once the group has fully stopped.
func (g *Group) Done() <-chan struct{} { return g.done }

// Submit hands a command buffer to the group. The returned handle resolves
// once the script and all of its tasks finished, or as soon as the buffer
// aborts. Tasks still running at that point finish normally; the buffer's
// OnCleanup runs after the last of them.
func (g *Group) Submit(desc abi.BufferDescriptor) (*abi.BufferHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, fmt.Errorf("group %q: submit %q: %w", g.name, desc.Label, errs.ErrClosed)
	}

	h := abi.NewBufferHandle(g.id, desc.Label)
	st := cmdbuf.New(h, desc, g.log)
	if !g.send(message{kind: msgSubmit, state: st}) {
		return nil, fmt.Errorf("group %q: submit %q: %w", g.name, desc.Label, errs.ErrClosed)
	}
	return h, nil
}

// Close stops accepting buffers, waits for the submitted ones to finish and
// stops the workers. It returns early with ctx's error if ctx ends first;
// the group keeps draining in the background.
func (g *Group) Close(ctx context.Context) error {
	g.mu.Lock()
	if !g.closed {
		g.closed = true
		g.send(message{kind: msgClose})
	}
	g.mu.Unlock()

	select {
	case <-g.done:
		return g.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats is a consistent snapshot of the group.
type Stats struct {
	ID        uuid.UUID
	Name      string
	Workers   []WorkerStats
	Injector  int
	Scheduler scheduler.Stats
	Stacks    []stack.AllocatorStats
	Buffers   []cmdbuf.Snapshot
}

// Stats queries the event loop for a snapshot.
func (g *Group) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if !g.send(message{kind: msgStats, reply: reply}) {
		return Stats{}, fmt.Errorf("group %q: %w", g.name, errs.ErrClosed)
	}
	select {
	case s := <-reply:
		return s, nil
	case <-g.stopped:
		return Stats{}, fmt.Errorf("group %q: %w", g.name, errs.ErrClosed)
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// send delivers m to the event loop unless it has stopped.
func (g *Group) send(m message) bool {
	select {
	case g.inbox <- m:
		return true
	case <-g.stopped:
		return false
	}
}

// forward hands a suspended task's request to the event loop.
func (g *Group) forward(tc *taskCtx, req request) {
	if !g.send(message{kind: msgRequest, tc: tc, req: req}) {
		tc.log.Warn().Stringer("request", req.kind).Msg("event loop stopped, task dropped")
	}
}

func (g *Group) publish(ev events.Event) {
	if g.bus != nil {
		g.bus.Publish(ev)
	}
}

// enqueue hands a job to its bound worker or to the injector.
func (g *Group) enqueue(j *job) {
	if w := j.tc.task.Worker; w != scheduler.AnyWorker {
		g.workers[w].bound.push(j)
		g.workers[w].notify()
		return
	}
	g.injector.push(j)
	for _, w := range g.workers {
		if w.parked.Load() {
			w.notify()
			return
		}
	}
}
