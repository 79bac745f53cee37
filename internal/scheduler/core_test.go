package scheduler

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskrt/internal/config"
	"github.com/aristath/taskrt/internal/errs"
	"github.com/aristath/taskrt/internal/stack"
)

func newTestScheduler(t *testing.T, stacks []config.StackConfig, opts Options) *Scheduler {
	t.Helper()
	if stacks == nil {
		stacks = []config.StackConfig{{MinSize: 64 << 10, ResidencyTarget: 4}}
	}
	m, err := stack.NewManager(stacks, 0)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	opts.Logger = zerolog.Nop()
	return New(m, opts)
}

// register registers a task and returns its handle.
func register(t *testing.T, c *Core, label string, priority int, deps ...Handle) (*Task, Handle) {
	t.Helper()
	task := NewTask(label, priority)
	h, err := c.RegisterTask(task, deps)
	require.NoError(t, err)
	return task, h
}

// dispatch schedules everything runnable and returns the labels in order.
func dispatch(c *Core, now time.Time) []string {
	tasks, _ := c.ScheduleTasks(now)
	labels := make([]string, len(tasks))
	for i, t := range tasks {
		labels[i] = t.Label
	}
	return labels
}

func TestReadyOrder(t *testing.T) {
	s := newTestScheduler(t, nil, Options{})
	s.Enter(func(c *Core) {
		register(t, c, "low-1", 0)
		register(t, c, "high-1", 5)
		register(t, c, "low-2", 0)
		register(t, c, "high-2", 5)

		assert.Equal(t, []string{"high-1", "high-2", "low-1", "low-2"}, dispatch(c, time.Now()))
	})
}

func TestRegisterWithDependencies(t *testing.T) {
	s := newTestScheduler(t, nil, Options{})
	s.Enter(func(c *Core) {
		_, a := register(t, c, "a", 0)
		b, _ := register(t, c, "b", 0, a)

		assert.Equal(t, StatusWaiting, b.Status())
		assert.True(t, b.DependsOn(a))
		assert.Equal(t, []string{"a"}, dispatch(c, time.Now()))

		assert.True(t, c.ProcessMessage(a, Message{Kind: MsgComplete}))
		assert.Equal(t, StatusRunnable, b.Status())
		assert.Equal(t, []string{"b"}, dispatch(c, time.Now()))
	})
}

func TestRegisterSkipsCompletedDependency(t *testing.T) {
	s := newTestScheduler(t, nil, Options{})
	s.Enter(func(c *Core) {
		_, a := register(t, c, "a", 0)
		dispatch(c, time.Now())
		c.ProcessMessage(a, Message{Kind: MsgComplete})

		b, _ := register(t, c, "b", 0, a)
		assert.Equal(t, StatusRunnable, b.Status())
		assert.Zero(t, b.DependencyCount())
	})
}

func TestRegisterErrors(t *testing.T) {
	s := newTestScheduler(t, nil, Options{})
	s.Enter(func(c *Core) {
		_, err := c.RegisterTask(NewTask("orphan", 0), []Handle{{index: 9, gen: 1}})
		assert.ErrorIs(t, err, errs.ErrNotFound)

		big := NewTask("big", 0)
		big.StackSize = 1 << 30
		_, err = c.RegisterTask(big, nil)
		assert.ErrorIs(t, err, errs.ErrNotFound)

		task, _ := register(t, c, "twice", 0)
		assert.Panics(t, func() { _, _ = c.RegisterTask(task, nil) })
	})
}

func TestHandleExhaustion(t *testing.T) {
	s := newTestScheduler(t, nil, Options{MaxTasks: 2})
	s.Enter(func(c *Core) {
		register(t, c, "a", 0)
		register(t, c, "b", 0)
		_, err := c.RegisterTask(NewTask("c", 0), nil)
		assert.ErrorIs(t, err, errs.ErrResourceExhausted)
		assert.True(t, errs.Retryable(err))
	})
}

func TestUnregister(t *testing.T) {
	s := newTestScheduler(t, nil, Options{})
	s.Enter(func(c *Core) {
		_, h := register(t, c, "a", 0)
		assert.ErrorIs(t, c.UnregisterTask(h), errs.ErrInvalidState)

		dispatch(c, time.Now())
		c.ProcessMessage(h, Message{Kind: MsgComplete})
		require.NoError(t, c.UnregisterTask(h))

		_, err := c.FindTask(h)
		assert.ErrorIs(t, err, errs.ErrNotFound)
		assert.ErrorIs(t, c.UnregisterTask(h), errs.ErrNotFound)

		p := c.RegisterOrFetchPseudo(new(int))
		assert.ErrorIs(t, c.UnregisterTask(p), errs.ErrInvalidArgument)
	})
}

func TestStaleHandleAfterReuse(t *testing.T) {
	s := newTestScheduler(t, nil, Options{MaxTasks: 1})
	s.Enter(func(c *Core) {
		_, old := register(t, c, "old", 0)
		dispatch(c, time.Now())
		c.ProcessMessage(old, Message{Kind: MsgComplete})
		require.NoError(t, c.UnregisterTask(old))

		_, fresh := register(t, c, "fresh", 0)
		assert.NotEqual(t, old, fresh)
		_, err := c.FindTask(old)
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})
}

func TestWaitTaskOn(t *testing.T) {
	s := newTestScheduler(t, nil, Options{ValidateOnWait: true})
	s.Enter(func(c *Core) {
		_, a := register(t, c, "a", 0)
		b, bh := register(t, c, "b", 0)

		tok, err := c.WaitTaskOn(bh, bh)
		require.NoError(t, err)
		assert.Equal(t, WakeSkipped, tok)

		_, err = c.WaitTaskOn(bh, Handle{index: 42, gen: 3})
		assert.ErrorIs(t, err, errs.ErrNotFound)

		tok, err = c.WaitTaskOn(bh, a)
		require.NoError(t, err)
		assert.Equal(t, WakeNone, tok)
		assert.Equal(t, StatusWaiting, b.Status())

		_, err = c.WaitTaskOn(a, bh)
		assert.ErrorIs(t, err, errs.ErrDeadlock)
	})
}

func TestWaitOnCompletedIsSkipped(t *testing.T) {
	s := newTestScheduler(t, nil, Options{})
	s.Enter(func(c *Core) {
		_, a := register(t, c, "a", 0)
		_, b := register(t, c, "b", 0)
		dispatch(c, time.Now())
		c.ProcessMessage(a, Message{Kind: MsgComplete})

		tok, err := c.WaitTaskOn(b, a)
		require.NoError(t, err)
		assert.Equal(t, WakeSkipped, tok)
	})
}

func TestDeadlockThroughChain(t *testing.T) {
	s := newTestScheduler(t, nil, Options{})
	s.Enter(func(c *Core) {
		_, a := register(t, c, "a", 0)
		_, b := register(t, c, "b", 0, a)
		_, cc := register(t, c, "c", 0, b)

		_, err := c.WaitTaskOn(a, cc)
		assert.ErrorIs(t, err, errs.ErrDeadlock)
		assert.Equal(t, errs.KindDeadlock, errs.KindOf(err))

		order, err := c.Validate()
		require.NoError(t, err)
		assert.Equal(t, []Handle{a, b, cc}, order)
	})
}

func TestNotifyOne(t *testing.T) {
	s := newTestScheduler(t, nil, Options{})
	s.Enter(func(c *Core) {
		key := new(int)
		p := c.RegisterOrFetchPseudo(key)

		low, lh := register(t, c, "low", 0)
		high, hh := register(t, c, "high", 3)
		_, err := c.WaitTaskOn(lh, p)
		require.NoError(t, err)
		_, err = c.WaitTaskOn(hh, p)
		require.NoError(t, err)

		token := WakeupToken{Kind: TokenCustom, Value: 7}
		res := c.NotifyOne(p, token)
		assert.Equal(t, NotifyResult{Notified: true, Remaining: 1}, res)
		assert.Equal(t, token, high.Token())
		assert.Equal(t, StatusRunnable, high.Status())
		assert.Equal(t, StatusWaiting, low.Status())

		res = c.NotifyOne(p, WakeNone)
		assert.Equal(t, NotifyResult{Notified: true, Remaining: 0}, res)
		assert.Equal(t, NotifyResult{}, c.NotifyOne(p, WakeNone))

		assert.True(t, c.UnregisterPseudoIfEmpty(key))
		_, ok := c.LookupPseudo(key)
		assert.False(t, ok)
	})
}

func TestRewaitKeepsPlace(t *testing.T) {
	tests := []struct {
		name   string
		rewait bool
		want   []string
	}{
		{name: "rewait keeps place", rewait: true, want: []string{"a", "b", "c"}},
		{name: "wait goes to the back", rewait: false, want: []string{"b", "c", "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScheduler(t, nil, Options{})
			s.Enter(func(c *Core) {
				p := c.RegisterOrFetchPseudo("lock")
				tasks := map[string]*Task{}
				wait := func(label string) {
					task, h := register(t, c, label, 0)
					tasks[label] = task
					_, err := c.WaitTaskOn(h, p)
					require.NoError(t, err)
				}
				var n uintptr
				woken := func() string {
					n++
					token := WakeupToken{Kind: TokenCustom, Value: n}
					require.True(t, c.NotifyOne(p, token).Notified)
					for label, task := range tasks {
						if task.Token() == token {
							return label
						}
					}
					return ""
				}

				wait("a")
				wait("b")
				require.Equal(t, "a", woken())
				wait("c")

				// a lost the race and waits again.
				var err error
				if tt.rewait {
					_, err = c.RewaitTaskOn(tasks["a"].Handle(), p)
				} else {
					_, err = c.WaitTaskOn(tasks["a"].Handle(), p)
				}
				require.NoError(t, err)

				var got []string
				for range 3 {
					got = append(got, woken())
				}
				assert.Equal(t, tt.want, got)
			})
		})
	}
}

func TestNotifyOneUnknownPanics(t *testing.T) {
	s := newTestScheduler(t, nil, Options{})
	s.Enter(func(c *Core) {
		assert.Panics(t, func() { c.NotifyOne(Handle{index: 1, gen: 1}, WakeNone) })
	})
}

func TestNotifyAll(t *testing.T) {
	s := newTestScheduler(t, nil, Options{})
	s.Enter(func(c *Core) {
		p := c.RegisterOrFetchPseudo("gate")
		for _, l := range []string{"x", "y", "z"} {
			_, h := register(t, c, l, 0)
			_, err := c.WaitTaskOn(h, p)
			require.NoError(t, err)
		}
		assert.Equal(t, 3, c.NotifyAll(p, WakeNone))
		assert.Equal(t, 0, c.NotifyAll(p, WakeNone))
		assert.Equal(t, []string{"x", "y", "z"}, dispatch(c, time.Now()))
	})
}

func TestNotifyFilter(t *testing.T) {
	s := newTestScheduler(t, nil, Options{})
	s.Enter(func(c *Core) {
		p := c.RegisterOrFetchPseudo("filter")
		var hs []Handle
		for _, l := range []string{"a", "b", "c", "d"} {
			_, h := register(t, c, l, 0)
			_, err := c.WaitTaskOn(h, p)
			require.NoError(t, err)
			hs = append(hs, h)
		}

		n := c.NotifyFilter(p, func(w Handle) FilterResult {
			switch w {
			case hs[1]:
				return FilterSkip
			case hs[2]:
				return FilterStop
			}
			return FilterNotify
		}, WakeNone)
		assert.Equal(t, 1, n)

		pt, err := c.FindTask(p)
		require.NoError(t, err)
		assert.Equal(t, 3, pt.WaiterCount())
		assert.Equal(t, []string{"a"}, dispatch(c, time.Now()))
	})
}

func TestNotifyBeforeWaitMessage(t *testing.T) {
	s := newTestScheduler(t, nil, Options{})
	s.Enter(func(c *Core) {
		p := c.RegisterOrFetchPseudo("early")
		task, h := register(t, c, "t", 0)
		dispatch(c, time.Now())

		_, err := c.WaitTaskOn(h, p)
		require.NoError(t, err)
		c.NotifyOne(p, WakeNone)

		assert.False(t, c.ProcessMessage(h, Message{Kind: MsgWait}))
		assert.Equal(t, StatusRunnable, task.Status())
	})
}

func TestBlockAndUnblock(t *testing.T) {
	s := newTestScheduler(t, nil, Options{})
	s.Enter(func(c *Core) {
		task, h := register(t, c, "t", 0)
		assert.ErrorIs(t, c.RequestBlock(h), errs.ErrInvalidState)
		dispatch(c, time.Now())

		require.NoError(t, c.RequestBlock(h))
		c.ProcessMessage(h, Message{Kind: MsgBlock})
		assert.Equal(t, StatusBlocked, task.Status())

		require.NoError(t, c.UnblockTask(h))
		assert.Equal(t, StatusRunnable, task.Status())
		assert.ErrorIs(t, c.UnblockTask(h), errs.ErrInvalidState)
	})
}

func TestUnblockBeforeBlockApplied(t *testing.T) {
	s := newTestScheduler(t, nil, Options{})
	s.Enter(func(c *Core) {
		task, h := register(t, c, "t", 0)
		dispatch(c, time.Now())

		require.NoError(t, c.RequestBlock(h))
		require.NoError(t, c.UnblockTask(h))
		c.ProcessMessage(h, Message{Kind: MsgBlock})
		assert.Equal(t, StatusRunnable, task.Status())
	})
}

func TestAbortStoresPayloadAndWakesWaiters(t *testing.T) {
	s := newTestScheduler(t, nil, Options{})
	s.Enter(func(c *Core) {
		a, ah := register(t, c, "a", 0)
		b, _ := register(t, c, "b", 0, ah)
		dispatch(c, time.Now())

		assert.True(t, c.ProcessMessage(ah, Message{Kind: MsgAbort, Payload: "boom"}))
		assert.Equal(t, StatusAborted, a.Status())
		assert.Equal(t, RunCompleted, a.RunStatus())
		assert.Equal(t, "boom", a.PanicPayload())
		assert.Nil(t, a.Slot())
		assert.Equal(t, StatusRunnable, b.Status())
		assert.Equal(t, uint64(1), c.Stats().Aborted)
	})
}

func TestCancel(t *testing.T) {
	s := newTestScheduler(t, nil, Options{})
	s.Enter(func(c *Core) {
		_, running := register(t, c, "running", 0)
		dispatch(c, time.Now())
		idle, ih := register(t, c, "idle", 0)

		assert.False(t, c.Cancel(running))
		assert.True(t, c.Cancel(ih))
		assert.Equal(t, StatusAborted, idle.Status())
		assert.False(t, c.Cancel(ih))
		assert.Empty(t, dispatch(c, time.Now()))
		require.NoError(t, c.UnregisterTask(ih))
	})
}

func TestWaitUntilDefers(t *testing.T) {
	s := newTestScheduler(t, nil, Options{})
	s.Enter(func(c *Core) {
		task, h := register(t, c, "sleeper", 0)
		now := time.Now()
		dispatch(c, now)

		wake := now.Add(time.Second)
		c.ProcessMessage(h, Message{Kind: MsgWaitUntil, At: wake})

		got, next := c.ScheduleTasks(now)
		assert.Empty(t, got)
		assert.Equal(t, wake, next)

		got, _ = c.ScheduleTasks(wake)
		require.Len(t, got, 1)
		assert.Same(t, task, got[0])
		assert.True(t, task.ResumeAt().IsZero())
	})
}

func TestStackExhaustionRequeues(t *testing.T) {
	stacks := []config.StackConfig{{MinSize: 64 << 10, MaxResidency: 1, ResidencyTarget: 1}}
	s := newTestScheduler(t, stacks, Options{RetryInitial: time.Millisecond, RetryMax: 10 * time.Millisecond})
	s.Enter(func(c *Core) {
		_, a := register(t, c, "a", 0)
		b, _ := register(t, c, "b", 0)
		now := time.Now()

		assert.Equal(t, []string{"a"}, dispatch(c, now))
		got, next := c.ScheduleTasks(now)
		assert.Empty(t, got)
		assert.True(t, next.After(now))
		assert.Equal(t, StatusRunnable, b.Status())
		assert.Equal(t, 1, c.Stats().Queued)

		c.ProcessMessage(a, Message{Kind: MsgComplete})
		assert.Equal(t, []string{"b"}, dispatch(c, now))
	})
}

func TestSignalOnRunnable(t *testing.T) {
	s := newTestScheduler(t, nil, Options{})
	s.Enter(func(c *Core) {
		register(t, c, "a", 0)
		register(t, c, "b", 0)
	})
	select {
	case <-s.Signal():
	default:
		t.Fatal("expected a pending signal")
	}
	select {
	case <-s.Signal():
		t.Fatal("signals should coalesce")
	default:
	}
}

func TestStats(t *testing.T) {
	s := newTestScheduler(t, nil, Options{})
	s.Enter(func(c *Core) {
		_, a := register(t, c, "a", 0)
		register(t, c, "b", 0, a)
		c.RegisterOrFetchPseudo("p")

		st := c.Stats()
		assert.Equal(t, 2, st.Registered)
		assert.Equal(t, 1, st.Pseudo)
		assert.Equal(t, 1, st.ByStatus[StatusRunnable])
		assert.Equal(t, 1, st.ByStatus[StatusWaiting])
	})
}
